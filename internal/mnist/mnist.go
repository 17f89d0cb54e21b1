// Package mnist loads the MNIST handwritten digit dataset and converts it
// into model inputs.
//
// Three sources are supported:
//   - keras: the mnist.npz archive published for tf.keras, downloaded once,
//     verified against a pinned SHA-256 digest and cached
//   - idx: a directory holding the four original IDX files (optionally .gz)
//   - synthetic: deterministic generated patterns for offline runs and tests
//
// Images stay as uint8 in a Split. Preprocess produces the float32
// (N, 28, 28, 1) tensor the network consumes, dividing by 255 exactly once.
package mnist

import (
	"errors"
	"fmt"

	"github.com/born-ml/selu-mnist/internal/tensor"
)

// Dataset dimensions.
const (
	ImageSize  = 28
	NumClasses = 10
	TrainSize  = 60000
	TestSize   = 10000
)

// Errors returned by the loaders.
var (
	ErrChecksumMismatch = errors.New("mnist: checksum mismatch")
	ErrInvalidFormat    = errors.New("mnist: invalid file format")
	ErrUnsupportedDType = errors.New("mnist: unsupported array dtype")
)

// Split is one half of the dataset: N grayscale images stored row-major in
// a single buffer, and N labels.
type Split struct {
	Images []uint8
	Labels []uint8
	Rows   int
	Cols   int
}

// Dataset holds the training and test splits.
type Dataset struct {
	Train *Split
	Test  *Split
}

// newSplit validates sizes and label range.
func newSplit(images []uint8, rows, cols int, labels []uint8) (*Split, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("%w: image size %dx%d", ErrInvalidFormat, rows, cols)
	}
	if len(images) != len(labels)*rows*cols {
		return nil, fmt.Errorf("%w: %d image bytes for %d labels of %dx%d",
			ErrInvalidFormat, len(images), len(labels), rows, cols)
	}
	for i, l := range labels {
		if int(l) >= NumClasses {
			return nil, fmt.Errorf("%w: label %d at index %d out of range [0, %d)", ErrInvalidFormat, l, i, NumClasses)
		}
	}
	return &Split{Images: images, Labels: labels, Rows: rows, Cols: cols}, nil
}

// Len returns the number of samples.
func (s *Split) Len() int {
	return len(s.Labels)
}

// Image returns the pixels of sample i.
func (s *Split) Image(i int) []uint8 {
	size := s.Rows * s.Cols
	return s.Images[i*size : (i+1)*size]
}

// Limit returns the first n samples, or s itself when n <= 0 or n >= Len.
// The returned split shares storage with s.
func (s *Split) Limit(n int) *Split {
	if n <= 0 || n >= s.Len() {
		return s
	}
	return &Split{
		Images: s.Images[:n*s.Rows*s.Cols],
		Labels: s.Labels[:n],
		Rows:   s.Rows,
		Cols:   s.Cols,
	}
}

// Preprocess reshapes the images to (N, rows, cols, 1) float32 and scales
// them into [0, 1].
func Preprocess(s *Split) *tensor.RawTensor {
	raw := tensor.MustNewRaw(tensor.Shape{s.Len(), s.Rows, s.Cols, 1}, tensor.Float32, tensor.CPU)
	out := raw.AsFloat32()
	for i, p := range s.Images {
		out[i] = float32(p) / 255
	}
	return raw
}

// PreprocessImage converts a single sample to a (1, rows, cols, 1) batch.
func PreprocessImage(s *Split, i int) *tensor.RawTensor {
	raw := tensor.MustNewRaw(tensor.Shape{1, s.Rows, s.Cols, 1}, tensor.Float32, tensor.CPU)
	out := raw.AsFloat32()
	for j, p := range s.Image(i) {
		out[j] = float32(p) / 255
	}
	return raw
}

// Labels returns the labels as a uint8 tensor of shape (N).
func Labels(s *Split) *tensor.RawTensor {
	raw := tensor.MustNewRaw(tensor.Shape{s.Len()}, tensor.Uint8, tensor.CPU)
	copy(raw.AsUint8(), s.Labels)
	return raw
}
