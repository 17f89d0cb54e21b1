package mnist

import (
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// IDX magic numbers.
const (
	idxLabelsMagic = 2049
	idxImagesMagic = 2051
)

// maxIDXBytes bounds allocations driven by untrusted headers.
const maxIDXBytes = 1 << 30

// File names of the original distribution.
const (
	TrainImagesFile = "train-images-idx3-ubyte"
	TrainLabelsFile = "train-labels-idx1-ubyte"
	TestImagesFile  = "t10k-images-idx3-ubyte"
	TestLabelsFile  = "t10k-labels-idx1-ubyte"
)

// ReadIDXImages reads an IDX image file.
//
//	magic number: 0x00000803 (2051)
//	number of images: 4 bytes
//	number of rows: 4 bytes (28)
//	number of cols: 4 bytes (28)
//	pixel data: unsigned bytes (0-255)
func ReadIDXImages(r io.Reader) (pixels []uint8, n, rows, cols int, err error) {
	dims, err := readIDXHeader(r, idxImagesMagic, 3)
	if err != nil {
		return nil, 0, 0, 0, err
	}

	n, rows, cols = int(dims[0]), int(dims[1]), int(dims[2])
	size := uint64(dims[0]) * uint64(dims[1]) * uint64(dims[2])
	if size > maxIDXBytes {
		return nil, 0, 0, 0, fmt.Errorf("%w: %d images of %dx%d", ErrInvalidFormat, n, rows, cols)
	}

	pixels = make([]uint8, size)
	if _, err := io.ReadFull(r, pixels); err != nil {
		return nil, 0, 0, 0, fmt.Errorf("read idx pixels: %w", err)
	}
	return pixels, n, rows, cols, nil
}

// readIDXHeader checks the magic number before reading the ndims
// dimension words that follow it. A short header is ErrInvalidFormat.
func readIDXHeader(r io.Reader, magic uint32, ndims int) ([]uint32, error) {
	var got uint32
	if err := binary.Read(r, binary.BigEndian, &got); err != nil {
		return nil, fmt.Errorf("%w: read idx magic: %w", ErrInvalidFormat, err)
	}
	if got != magic {
		return nil, fmt.Errorf("%w: idx magic %d, want %d", ErrInvalidFormat, got, magic)
	}
	dims := make([]uint32, ndims)
	if err := binary.Read(r, binary.BigEndian, dims); err != nil {
		return nil, fmt.Errorf("%w: read idx dimensions: %w", ErrInvalidFormat, err)
	}
	return dims, nil
}

// ReadIDXLabels reads an IDX label file.
//
//	magic number: 0x00000801 (2049)
//	number of labels: 4 bytes
//	label data: unsigned bytes (0-9)
func ReadIDXLabels(r io.Reader) ([]uint8, error) {
	dims, err := readIDXHeader(r, idxLabelsMagic, 1)
	if err != nil {
		return nil, err
	}
	if dims[0] > maxIDXBytes {
		return nil, fmt.Errorf("%w: %d labels", ErrInvalidFormat, dims[0])
	}

	labels := make([]uint8, dims[0])
	if _, err := io.ReadFull(r, labels); err != nil {
		return nil, fmt.Errorf("read idx labels: %w", err)
	}
	return labels, nil
}

// LoadIDX loads the four IDX files from dir. Each file may be plain or
// gzip-compressed with a .gz suffix.
func LoadIDX(dir string) (*Dataset, error) {
	train, err := loadIDXSplit(dir, TrainImagesFile, TrainLabelsFile)
	if err != nil {
		return nil, fmt.Errorf("train split: %w", err)
	}
	test, err := loadIDXSplit(dir, TestImagesFile, TestLabelsFile)
	if err != nil {
		return nil, fmt.Errorf("test split: %w", err)
	}
	return &Dataset{Train: train, Test: test}, nil
}

func loadIDXSplit(dir, imagesName, labelsName string) (*Split, error) {
	var (
		pixels     []uint8
		n, rows, c int
	)
	err := withIDXFile(dir, imagesName, func(r io.Reader) error {
		var err error
		pixels, n, rows, c, err = ReadIDXImages(r)
		return err
	})
	if err != nil {
		return nil, err
	}

	var labels []uint8
	err = withIDXFile(dir, labelsName, func(r io.Reader) error {
		var err error
		labels, err = ReadIDXLabels(r)
		return err
	})
	if err != nil {
		return nil, err
	}

	if n != len(labels) {
		return nil, fmt.Errorf("%w: image count (%d) != label count (%d)", ErrInvalidFormat, n, len(labels))
	}
	return newSplit(pixels, rows, c, labels)
}

// withIDXFile opens dir/name, falling back to dir/name.gz.
func withIDXFile(dir, name string, fn func(io.Reader) error) error {
	path := filepath.Join(dir, name)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return withGzipFile(path+".gz", fn)
	}
	if err != nil {
		return err
	}
	defer f.Close()

	if err := fn(f); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func withGzipFile(path string, fn func(io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer zr.Close()

	if err := fn(zr); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
