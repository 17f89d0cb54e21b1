package serialization

import (
	"time"

	"github.com/born-ml/selu-mnist/internal/tensor"
)

// Format constants.
const (
	MagicBytes      = "SNET"
	FormatVersion   = 1
	HeaderAlignment = 64 // tensor data starts on a 64-byte boundary
	FixedHeaderSize = 64
	ChecksumSize    = 32
	ChecksumOffset  = 0x20
)

// Flags for the .snet format.
const (
	FlagHasOptimizer uint32 = 1 << 1 // file holds optimizer slots
	FlagHasMetadata  uint32 = 1 << 2 // custom metadata included
)

// Header represents the JSON header in a .snet file.
type Header struct {
	FormatVersion int               `json:"format_version"`
	ModelType     string            `json:"model_type"` // e.g. "Sequential", "Adam"
	CreatedAt     time.Time         `json:"created_at"`
	Tensors       []TensorMeta      `json:"tensors"`
	Metadata      map[string]string `json:"metadata"`
}

// TensorMeta describes a tensor in the .snet file.
type TensorMeta struct {
	Name   string `json:"name"`   // e.g. "dense/kernel"
	DType  string `json:"dtype"`  // "float32", "int32" or "uint8"
	Shape  []int  `json:"shape"`  // empty for scalars
	Offset int64  `json:"offset"` // bytes from the start of the data section
	Size   int64  `json:"size"`   // bytes
}

func dtypeFromString(s string) (tensor.DataType, bool) {
	return tensor.ParseDataType(s)
}

func alignedDataOffset(headerSize int64) int64 {
	pos := int64(FixedHeaderSize) + headerSize
	return pos + (HeaderAlignment-pos%HeaderAlignment)%HeaderAlignment
}
