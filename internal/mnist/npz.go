package mnist

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// Entries of the Keras mnist.npz archive.
const (
	npzTrainImages = "x_train.npy"
	npzTrainLabels = "y_train.npy"
	npzTestImages  = "x_test.npy"
	npzTestLabels  = "y_test.npy"
)

var npyMagic = []byte("\x93NUMPY")

// npyArray is a decoded .npy array of unsigned bytes.
type npyArray struct {
	Shape []int
	Data  []uint8
}

var (
	npyDescr   = regexp.MustCompile(`'descr':\s*'([^']*)'`)
	npyFortran = regexp.MustCompile(`'fortran_order':\s*(True|False)`)
	npyShape   = regexp.MustCompile(`'shape':\s*\(([^)]*)\)`)
)

// readNPY decodes a .npy stream holding uint8 data in C order.
func readNPY(r io.Reader) (*npyArray, error) {
	var prefix [8]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("read npy magic: %w", err)
	}
	if !bytes.Equal(prefix[:6], npyMagic) {
		return nil, fmt.Errorf("%w: bad npy magic", ErrInvalidFormat)
	}

	var headerLen int
	switch major := prefix[6]; major {
	case 1:
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("read npy header length: %w", err)
		}
		headerLen = int(n)
	case 2, 3:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("read npy header length: %w", err)
		}
		headerLen = int(n)
	default:
		return nil, fmt.Errorf("%w: npy version %d", ErrInvalidFormat, major)
	}
	if headerLen > 1<<16 {
		return nil, fmt.Errorf("%w: npy header of %d bytes", ErrInvalidFormat, headerLen)
	}

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read npy header: %w", err)
	}

	shape, err := parseNPYHeader(string(header))
	if err != nil {
		return nil, err
	}

	n := 1
	for _, d := range shape {
		n *= d
	}
	data := make([]uint8, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read npy data: %w", err)
	}
	return &npyArray{Shape: shape, Data: data}, nil
}

func parseNPYHeader(h string) ([]int, error) {
	m := npyDescr.FindStringSubmatch(h)
	if m == nil {
		return nil, fmt.Errorf("%w: npy header without descr", ErrInvalidFormat)
	}
	switch m[1] {
	case "|u1", "<u1", "u1":
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDType, m[1])
	}

	if m := npyFortran.FindStringSubmatch(h); m != nil && m[1] == "True" {
		return nil, fmt.Errorf("%w: fortran order arrays", ErrInvalidFormat)
	}

	m = npyShape.FindStringSubmatch(h)
	if m == nil {
		return nil, fmt.Errorf("%w: npy header without shape", ErrInvalidFormat)
	}
	var shape []int
	for _, part := range strings.Split(m[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("%w: npy shape %q", ErrInvalidFormat, m[1])
		}
		shape = append(shape, d)
	}
	return shape, nil
}

// ReadNPZ loads the Keras mnist.npz archive at path.
func ReadNPZ(path string) (*Dataset, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer zr.Close()

	arrays := make(map[string]*npyArray, 4)
	for _, f := range zr.File {
		switch f.Name {
		case npzTrainImages, npzTrainLabels, npzTestImages, npzTestLabels:
		default:
			continue
		}
		arr, err := readZipEntry(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Name, err)
		}
		arrays[f.Name] = arr
	}

	train, err := splitFromArrays(arrays, npzTrainImages, npzTrainLabels)
	if err != nil {
		return nil, err
	}
	test, err := splitFromArrays(arrays, npzTestImages, npzTestLabels)
	if err != nil {
		return nil, err
	}
	return &Dataset{Train: train, Test: test}, nil
}

func readZipEntry(f *zip.File) (*npyArray, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return readNPY(rc)
}

func splitFromArrays(arrays map[string]*npyArray, imagesName, labelsName string) (*Split, error) {
	images, ok := arrays[imagesName]
	if !ok {
		return nil, fmt.Errorf("%w: archive has no %s", ErrInvalidFormat, imagesName)
	}
	labels, ok := arrays[labelsName]
	if !ok {
		return nil, fmt.Errorf("%w: archive has no %s", ErrInvalidFormat, labelsName)
	}
	if len(images.Shape) != 3 {
		return nil, fmt.Errorf("%w: %s has shape %v, want (N, rows, cols)", ErrInvalidFormat, imagesName, images.Shape)
	}
	if len(labels.Shape) != 1 || labels.Shape[0] != images.Shape[0] {
		return nil, fmt.Errorf("%w: %s has shape %v for %d images", ErrInvalidFormat, labelsName, labels.Shape, images.Shape[0])
	}
	return newSplit(images.Data, images.Shape[1], images.Shape[2], labels.Data)
}
