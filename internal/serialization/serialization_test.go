package serialization

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/selu-mnist/internal/tensor"
)

func testStateDict(t *testing.T) map[string]*tensor.RawTensor {
	t.Helper()

	kernel, err := tensor.FromFloat32([]float32{1, -2, 3.5, 4, 5, -6}, tensor.Shape{2, 3})
	require.NoError(t, err)
	bias, err := tensor.FromFloat32([]float32{0.25, -0.5, 0}, tensor.Shape{3})
	require.NoError(t, err)
	step := tensor.MustNewRaw(tensor.Shape{}, tensor.Int32, tensor.CPU)
	step.AsInt32()[0] = 42

	return map[string]*tensor.RawTensor{
		"dense/kernel": kernel,
		"dense/bias":   bias,
		"step":         step,
	}
}

func TestStateDictRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.snet")
	sd := testStateDict(t)

	w, err := NewWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteStateDict(sd, "Sequential", map[string]string{"note": "unit"}))
	require.NoError(t, w.Close())

	r, err := NewReader(path)
	require.NoError(t, err)

	h := r.Header()
	assert.Equal(t, FormatVersion, h.FormatVersion)
	assert.Equal(t, "Sequential", h.ModelType)
	assert.Equal(t, "unit", r.Metadata()["note"])
	assert.Equal(t, FlagHasMetadata, r.Flags()&FlagHasMetadata)
	assert.Equal(t, []string{"dense/bias", "dense/kernel", "step"}, r.TensorNames())

	got, err := r.ReadStateDict()
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, tensor.Shape{2, 3}, got["dense/kernel"].Shape())
	assert.Equal(t, sd["dense/kernel"].AsFloat32(), got["dense/kernel"].AsFloat32())
	assert.Equal(t, sd["dense/bias"].AsFloat32(), got["dense/bias"].AsFloat32())
	assert.Equal(t, tensor.Int32, got["step"].DType())
	assert.Equal(t, int32(42), got["step"].AsInt32()[0])

	_, err = r.LoadTensor("missing")
	assert.ErrorIs(t, err, ErrTensorNotFound)
}

func TestWriterIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	sd := testStateDict(t)
	h := Header{ModelType: "Sequential"}

	a := filepath.Join(dir, "a.snet")
	b := filepath.Join(dir, "b.snet")
	require.NoError(t, SaveStateDict(a, sd, h, 0))
	require.NoError(t, SaveStateDict(b, sd, h, 0))

	// created_at differs, so compare everything after the header.
	ra, err := NewReader(a)
	require.NoError(t, err)
	rb, err := NewReader(b)
	require.NoError(t, err)
	assert.Equal(t, ra.data, rb.data)
	assert.Equal(t, ra.Header().Tensors, rb.Header().Tensors)
}

func TestDataSectionIsAligned(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.snet")
	require.NoError(t, SaveStateDict(path, testStateDict(t), Header{ModelType: "x"}, 0))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.Equal(t, MagicBytes, string(raw[0:4]))
	headerSize := int64(binary.LittleEndian.Uint64(raw[16:24]))
	dataSize := int64(binary.LittleEndian.Uint64(raw[24:32]))
	offset := alignedDataOffset(headerSize)
	assert.Zero(t, offset%HeaderAlignment)
	assert.Equal(t, offset+dataSize, int64(len(raw)))
}

func TestChecksumCorruptionDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.snet")
	require.NoError(t, SaveStateDict(path, testStateDict(t), Header{ModelType: "x"}, 0))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	_, err = NewReader(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	r, err := NewReaderWithOptions(path, ReaderOptions{SkipChecksumValidation: true, ValidationLevel: ValidationStrict})
	require.NoError(t, err)
	assert.Len(t, r.TensorNames(), 3)
}

func TestReaderRejectsBadMagicAndVersion(t *testing.T) {
	var buf bytes.Buffer
	fixed := make([]byte, FixedHeaderSize)
	copy(fixed, "BORN")
	buf.Write(fixed)
	_, err := ReadFrom(&buf, ReaderOptions{})
	assert.ErrorIs(t, err, ErrInvalidMagic)

	fixed = make([]byte, FixedHeaderSize)
	copy(fixed, MagicBytes)
	binary.LittleEndian.PutUint32(fixed[4:8], 99)
	_, err = ReadFrom(bytes.NewReader(fixed), ReaderOptions{})
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	fixed = make([]byte, FixedHeaderSize)
	copy(fixed, MagicBytes)
	binary.LittleEndian.PutUint32(fixed[4:8], FormatVersion)
	binary.LittleEndian.PutUint64(fixed[16:24], MaxHeaderSize+1)
	_, err = ReadFrom(bytes.NewReader(fixed), ReaderOptions{})
	assert.ErrorIs(t, err, ErrHeaderTooLarge)

	// A data size beyond int64 is rejected before any data is read.
	fixed = make([]byte, FixedHeaderSize)
	copy(fixed, MagicBytes)
	binary.LittleEndian.PutUint32(fixed[4:8], FormatVersion)
	binary.LittleEndian.PutUint64(fixed[24:32], 1<<63)
	_, err = ReadFrom(bytes.NewReader(fixed), ReaderOptions{SkipChecksumValidation: true})
	assert.ErrorIs(t, err, ErrOutOfBounds)

	_, err = ReadFrom(bytes.NewReader([]byte("SNET")), ReaderOptions{})
	assert.Error(t, err)
}

func TestValidateTensorOffsets(t *testing.T) {
	tests := []struct {
		name    string
		tensors []TensorMeta
		size    int64
		wantErr error
	}{
		{"valid", []TensorMeta{{Name: "a", Offset: 0, Size: 8}, {Name: "b", Offset: 8, Size: 4}}, 12, nil},
		{"overlap", []TensorMeta{{Name: "a", Offset: 0, Size: 8}, {Name: "b", Offset: 4, Size: 4}}, 12, ErrOffsetOverlap},
		{"out of bounds", []TensorMeta{{Name: "a", Offset: 8, Size: 8}}, 12, ErrOutOfBounds},
		{"negative", []TensorMeta{{Name: "a", Offset: -1, Size: 4}}, 12, ErrNegativeOffset},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTensorOffsets(tt.tensors, tt.size)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			var verr *ValidationError
			assert.True(t, errors.As(err, &verr))
		})
	}
}

func TestValidateTensorName(t *testing.T) {
	for _, name := range []string{"dense/kernel", "input/bias", "step", "m/output/kernel"} {
		assert.NoError(t, ValidateTensorName(name), name)
	}
	for _, name := range []string{"", "/abs", "a//b", "../x", "a/./b", "a\\b", "nul\x00"} {
		assert.ErrorIs(t, ValidateTensorName(name), ErrInvalidTensorName, "%q", name)
	}
}

func TestValidateHeader(t *testing.T) {
	h := &Header{Tensors: []TensorMeta{
		{Name: "w", DType: "float32", Shape: []int{2, 2}, Offset: 0, Size: 16},
		{Name: "w", DType: "float32", Shape: []int{1}, Offset: 16, Size: 4},
	}}
	assert.ErrorIs(t, ValidateHeader(h, 20, ValidationStrict), ErrInvalidTensorName)
	assert.NoError(t, ValidateHeader(h, 20, ValidationNone))

	h = &Header{Tensors: []TensorMeta{{Name: "w", DType: "float64", Shape: []int{2}, Size: 16}}}
	assert.ErrorIs(t, ValidateHeader(h, 16, ValidationNormal), ErrInvalidTensorMeta)

	h = &Header{Tensors: []TensorMeta{{Name: "w", DType: "float32", Shape: []int{3}, Size: 16}}}
	assert.ErrorIs(t, ValidateHeader(h, 16, ValidationNormal), ErrInvalidTensorMeta)

	h = &Header{Tensors: []TensorMeta{{Name: "w", DType: "float32", Shape: []int{4}, Offset: 4, Size: 16}}}
	assert.NoError(t, ValidateHeader(h, 16, ValidationNormal))
	assert.ErrorIs(t, ValidateHeader(h, 16, ValidationStrict), ErrOutOfBounds)
}

func TestWriterRejectsInvalidNamesAndAbortCleansUp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.snet")

	w, err := NewWriter(path)
	require.NoError(t, err)
	err = w.WriteStateDict(map[string]*tensor.RawTensor{"../escape": tensor.MustNewRaw(tensor.Shape{1}, tensor.Float32, tensor.CPU)}, "x", nil)
	assert.ErrorIs(t, err, ErrInvalidTensorName)
	w.Abort()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.ErrorIs(t, w.WriteStateDict(nil, "x", nil), ErrWriterClosed)
}

func TestSavedModelRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "selu_model")
	manifest := Manifest{
		RunID:      "run-1",
		Framework:  "selu-mnist",
		ModelType:  "Sequential",
		InputShape: []int{28, 28, 1},
		Layers: []LayerSpec{
			{Name: "input", ClassName: "Conv2D", Filters: 28, KernelSize: []int{3, 3}, Strides: []int{1, 1}, Padding: "valid", Activation: "linear", UseBias: true, InputShape: []int{28, 28, 1}},
			{Name: "dropout", ClassName: "Dropout", Rate: 0.2},
		},
		Compile: CompileSpec{
			Optimizer: OptimizerSpec{Name: "Adam", LearningRate: 0.001, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-7},
			Loss:      LossSpec{Name: "sparse_categorical_crossentropy"},
			Metrics:   []string{"accuracy"},
		},
		History: []EpochRecord{{Epoch: 1, Loss: 0.5, Accuracy: 0.9, DurationSeconds: 1.5}},
	}
	vars := testStateDict(t)
	opt := map[string]*tensor.RawTensor{"step": vars["step"]}

	require.NoError(t, WriteSavedModel(dir, manifest, vars, opt))

	sm, err := ReadSavedModel(dir)
	require.NoError(t, err)
	assert.Equal(t, ManifestVersion, sm.Manifest.FormatVersion)
	assert.Equal(t, "run-1", sm.Manifest.RunID)
	assert.Equal(t, manifest.Layers, sm.Manifest.Layers)
	assert.Equal(t, manifest.Compile, sm.Manifest.Compile)
	assert.Equal(t, manifest.History, sm.Manifest.History)
	assert.Len(t, sm.Variables, 3)
	require.NotNil(t, sm.Optimizer)
	assert.Equal(t, int32(42), sm.Optimizer["step"].AsInt32()[0])

	// Re-saving without optimizer state drops the stale file.
	require.NoError(t, WriteSavedModel(dir, manifest, vars, nil))
	sm, err = ReadSavedModel(dir)
	require.NoError(t, err)
	assert.Nil(t, sm.Optimizer)
}

func TestReadSavedModelMissingDirectory(t *testing.T) {
	_, err := ReadSavedModel(t.TempDir())
	assert.ErrorIs(t, err, ErrNotSavedModel)
}
