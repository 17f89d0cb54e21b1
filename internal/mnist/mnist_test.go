package mnist

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/selu-mnist/internal/tensor"
)

// npyBytes encodes a uint8 array in .npy version 1 format.
func npyBytes(shape []int, data []uint8) []byte {
	dims := ""
	for _, d := range shape {
		dims += fmt.Sprintf("%d, ", d)
	}
	if len(shape) > 1 {
		dims = dims[:len(dims)-2]
	}
	header := fmt.Sprintf("{'descr': '|u1', 'fortran_order': False, 'shape': (%s), }", dims)
	for (10+len(header)+1)%64 != 0 {
		header += " "
	}
	header += "\n"

	var buf bytes.Buffer
	buf.Write(npyMagic)
	buf.Write([]byte{1, 0})
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	buf.Write(data)
	return buf.Bytes()
}

func writeNPZ(t *testing.T, path string, train, test *Split) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	entries := []struct {
		name  string
		shape []int
		data  []uint8
	}{
		{npzTrainImages, []int{train.Len(), train.Rows, train.Cols}, train.Images},
		{npzTrainLabels, []int{train.Len()}, train.Labels},
		{npzTestImages, []int{test.Len(), test.Rows, test.Cols}, test.Images},
		{npzTestLabels, []int{test.Len()}, test.Labels},
	}
	for _, e := range entries {
		w, err := zw.Create(e.name)
		require.NoError(t, err)
		_, err = w.Write(npyBytes(e.shape, e.data))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}

func idxImages(n, rows, cols int, pixels []uint8) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, []uint32{idxImagesMagic, uint32(n), uint32(rows), uint32(cols)})
	buf.Write(pixels)
	return buf.Bytes()
}

func idxLabels(labels []uint8) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, []uint32{idxLabelsMagic, uint32(len(labels))})
	buf.Write(labels)
	return buf.Bytes()
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestReadNPY(t *testing.T) {
	arr, err := readNPY(bytes.NewReader(npyBytes([]int{2, 3}, []uint8{1, 2, 3, 4, 5, 6})))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, arr.Shape)
	assert.Equal(t, []uint8{1, 2, 3, 4, 5, 6}, arr.Data)

	arr, err = readNPY(bytes.NewReader(npyBytes([]int{3}, []uint8{7, 8, 9})))
	require.NoError(t, err)
	assert.Equal(t, []int{3}, arr.Shape)
}

func TestParseNPYHeader_Errors(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   error
	}{
		{"float data", "{'descr': '<f4', 'fortran_order': False, 'shape': (2,), }", ErrUnsupportedDType},
		{"fortran", "{'descr': '|u1', 'fortran_order': True, 'shape': (2, 2), }", ErrInvalidFormat},
		{"no shape", "{'descr': '|u1', 'fortran_order': False, }", ErrInvalidFormat},
		{"bad dim", "{'descr': '|u1', 'fortran_order': False, 'shape': (x,), }", ErrInvalidFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseNPYHeader(tt.header)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := readNPY(bytes.NewReader([]byte("NOTNUMPY")))
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestReadNPZ(t *testing.T) {
	ds := Synthetic(20, 10, 1)
	path := filepath.Join(t.TempDir(), "mnist.npz")
	writeNPZ(t, path, ds.Train, ds.Test)

	got, err := ReadNPZ(path)
	require.NoError(t, err)
	assert.Equal(t, 20, got.Train.Len())
	assert.Equal(t, 10, got.Test.Len())
	assert.Equal(t, ImageSize, got.Train.Rows)
	assert.Equal(t, ds.Train.Images, got.Train.Images)
	assert.Equal(t, ds.Test.Labels, got.Test.Labels)
}

func TestReadNPZ_BadLabels(t *testing.T) {
	ds := Synthetic(4, 4, 1)
	ds.Train.Labels[2] = 10
	path := filepath.Join(t.TempDir(), "mnist.npz")
	writeNPZ(t, path, ds.Train, ds.Test)

	_, err := ReadNPZ(path)
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestLoadIDX_PlainAndGzip(t *testing.T) {
	dir := t.TempDir()
	ds := Synthetic(6, 3, 2)

	write := func(name string, data []byte) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o600))
	}
	write(TrainImagesFile, idxImages(6, ImageSize, ImageSize, ds.Train.Images))
	write(TrainLabelsFile, idxLabels(ds.Train.Labels))
	write(TestImagesFile+".gz", gzipBytes(t, idxImages(3, ImageSize, ImageSize, ds.Test.Images)))
	write(TestLabelsFile+".gz", gzipBytes(t, idxLabels(ds.Test.Labels)))

	got, err := LoadIDX(dir)
	require.NoError(t, err)
	assert.Equal(t, ds.Train.Images, got.Train.Images)
	assert.Equal(t, ds.Train.Labels, got.Train.Labels)
	assert.Equal(t, ds.Test.Images, got.Test.Images)
	assert.Equal(t, ds.Test.Labels, got.Test.Labels)
}

func TestReadIDX_Errors(t *testing.T) {
	_, _, _, _, err := ReadIDXImages(bytes.NewReader(idxLabels([]uint8{1})))
	assert.ErrorIs(t, err, ErrInvalidFormat)

	_, err = ReadIDXLabels(bytes.NewReader(idxImages(1, 1, 1, []uint8{0})))
	assert.ErrorIs(t, err, ErrInvalidFormat)

	// Files shorter than a full header.
	_, _, _, _, err = ReadIDXImages(bytes.NewReader(idxImages(1, 1, 1, nil)[:10]))
	assert.ErrorIs(t, err, ErrInvalidFormat)
	_, err = ReadIDXLabels(bytes.NewReader([]byte{0, 0}))
	assert.ErrorIs(t, err, ErrInvalidFormat)

	truncated := idxImages(2, 2, 2, []uint8{1, 2, 3})
	_, _, _, _, err = ReadIDXImages(bytes.NewReader(truncated))
	assert.Error(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, TrainImagesFile), idxImages(2, 1, 1, []uint8{0, 0}), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, TrainLabelsFile), idxLabels([]uint8{1}), 0o600))
	_, err = LoadIDX(dir)
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestPreprocess(t *testing.T) {
	s, err := newSplit([]uint8{0, 255, 51, 102, 0, 0, 0, 255}, 2, 2, []uint8{3, 7})
	require.NoError(t, err)

	x := Preprocess(s)
	assert.Equal(t, tensor.Shape{2, 2, 2, 1}, x.Shape())
	assert.Equal(t, tensor.Float32, x.DType())
	assert.InDeltaSlice(t, []float32{0, 1, 0.2, 0.4, 0, 0, 0, 1}, x.AsFloat32(), 1e-7)
	for _, v := range x.AsFloat32() {
		assert.GreaterOrEqual(t, v, float32(0))
		assert.LessOrEqual(t, v, float32(1))
	}

	// The source split is untouched, so normalization happens once per call.
	assert.Equal(t, uint8(255), s.Images[1])

	one := PreprocessImage(s, 1)
	assert.Equal(t, tensor.Shape{1, 2, 2, 1}, one.Shape())
	assert.InDeltaSlice(t, []float32{0, 0, 0, 1}, one.AsFloat32(), 1e-7)

	y := Labels(s)
	assert.Equal(t, tensor.Uint8, y.DType())
	assert.Equal(t, []uint8{3, 7}, y.AsUint8())
}

func TestSplit_Limit(t *testing.T) {
	ds := Synthetic(10, 5, 3)
	assert.Same(t, ds.Train, ds.Train.Limit(0))
	assert.Same(t, ds.Train, ds.Train.Limit(50))

	l := ds.Train.Limit(4)
	assert.Equal(t, 4, l.Len())
	assert.Len(t, l.Images, 4*ImageSize*ImageSize)
	assert.Equal(t, ds.Train.Image(3), l.Image(3))
}

func TestSynthetic_Deterministic(t *testing.T) {
	a := Synthetic(30, 10, 42)
	b := Synthetic(30, 10, 42)
	c := Synthetic(30, 10, 43)

	assert.Equal(t, a.Train.Images, b.Train.Images)
	assert.NotEqual(t, a.Train.Images, c.Train.Images)
	for i, l := range a.Train.Labels {
		assert.Equal(t, uint8(i%NumClasses), l)
	}
}

func serveFile(t *testing.T, body []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/mnist.npz" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func digestOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestFetch_DownloadsVerifiesAndCaches(t *testing.T) {
	body := []byte("pretend archive")
	srv, hits := serveFile(t, body)
	dest := filepath.Join(t.TempDir(), "cache", "mnist.npz")
	ctx := context.Background()

	require.NoError(t, Fetch(ctx, srv.Client(), srv.URL+"/mnist.npz", dest, digestOf(body), nil))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, got)

	// Second call is served from the cache.
	require.NoError(t, Fetch(ctx, srv.Client(), srv.URL+"/mnist.npz", dest, digestOf(body), nil))
	assert.Equal(t, int32(1), hits.Load())

	entries, err := os.ReadDir(filepath.Dir(dest))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files left behind")
}

func TestFetch_ChecksumMismatch(t *testing.T) {
	srv, _ := serveFile(t, []byte("tampered"))
	dest := filepath.Join(t.TempDir(), "mnist.npz")

	err := Fetch(context.Background(), srv.Client(), srv.URL+"/mnist.npz", dest, digestOf([]byte("original")), nil)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	assert.NoFileExists(t, dest)
}

func TestFetch_HTTPError(t *testing.T) {
	srv, _ := serveFile(t, nil)
	dest := filepath.Join(t.TempDir(), "mnist.npz")

	err := Fetch(context.Background(), srv.Client(), srv.URL+"/missing", dest, "", nil)
	assert.ErrorContains(t, err, "404")
	assert.NoFileExists(t, dest)
}

func TestLoad_KerasFromServer(t *testing.T) {
	ds := Synthetic(12, 8, 5)
	archive := filepath.Join(t.TempDir(), "src.npz")
	writeNPZ(t, archive, ds.Train, ds.Test)
	body, err := os.ReadFile(archive)
	require.NoError(t, err)

	srv, _ := serveFile(t, body)
	got, err := Load(context.Background(), Options{
		Source:    SourceKeras,
		CacheDir:  t.TempDir(),
		URL:       srv.URL + "/mnist.npz",
		SHA256:    digestOf(body),
		Client:    srv.Client(),
		LimitTest: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, 12, got.Train.Len())
	assert.Equal(t, 5, got.Test.Len())
}

func TestLoad_SyntheticAndErrors(t *testing.T) {
	ds, err := Load(context.Background(), Options{Source: SourceSynthetic, LimitTrain: 64, LimitTest: 16, Seed: 1})
	require.NoError(t, err)
	assert.Equal(t, 64, ds.Train.Len())
	assert.Equal(t, 16, ds.Test.Len())

	_, err = Load(context.Background(), Options{Source: "csv"})
	assert.Error(t, err)

	_, err = Load(context.Background(), Options{Source: SourceIDX, DataDir: t.TempDir()})
	assert.Error(t, err)

	src, err := ParseSource("Synthetic")
	require.NoError(t, err)
	assert.Equal(t, SourceSynthetic, src)
}
