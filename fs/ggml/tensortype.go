package ggml

import "fmt"

// TensorType is the storage type of a single tensor, equivalent to
// ggml_type. Only the types this engine reads or emits are defined; the
// numeric values of the standard types match the GGUF specification.
//
// Q2_0 is a toolkit-local format (f16 scale + 32 two-bit weights per
// block); it is not part of upstream GGUF and is only readable by this
// module.
type TensorType uint32

const (
	TensorTypeF32  TensorType = 0
	TensorTypeF16  TensorType = 1
	TensorTypeQ4_0 TensorType = 2
	TensorTypeQ8_0 TensorType = 8
	TensorTypeBF16 TensorType = 30
	TensorTypeQ2_0 TensorType = 40
)

// ParseTensorType parses a storage type name.
func ParseTensorType(s string) (TensorType, error) {
	switch s {
	case "F32":
		return TensorTypeF32, nil
	case "F16":
		return TensorTypeF16, nil
	case "BF16":
		return TensorTypeBF16, nil
	case "Q8_0":
		return TensorTypeQ8_0, nil
	case "Q4_0":
		return TensorTypeQ4_0, nil
	case "Q2_0":
		return TensorTypeQ2_0, nil
	default:
		return 0, fmt.Errorf("unsupported tensor type %s", s)
	}
}

func (t TensorType) String() string {
	switch t {
	case TensorTypeF32:
		return "F32"
	case TensorTypeF16:
		return "F16"
	case TensorTypeBF16:
		return "BF16"
	case TensorTypeQ8_0:
		return "Q8_0"
	case TensorTypeQ4_0:
		return "Q4_0"
	case TensorTypeQ2_0:
		return "Q2_0"
	default:
		return "unknown"
	}
}

// IsQuantized reports whether the type stores blocks rather than scalars.
func (t TensorType) IsQuantized() bool {
	switch t {
	case TensorTypeF32, TensorTypeF16, TensorTypeBF16:
		return false
	default:
		return true
	}
}

// BlockSize returns the number of weights per block.
func (t TensorType) BlockSize() uint64 {
	switch t {
	case TensorTypeQ8_0, TensorTypeQ4_0, TensorTypeQ2_0:
		return 32
	default:
		return 1
	}
}

// TypeSize returns the byte size of one block.
func (t TensorType) TypeSize() uint64 {
	blockSize := t.BlockSize()

	switch t {
	case TensorTypeF32:
		return 4
	case TensorTypeF16, TensorTypeBF16:
		return 2
	case TensorTypeQ8_0:
		return 2 + blockSize
	case TensorTypeQ4_0:
		return 2 + blockSize/2
	case TensorTypeQ2_0:
		return 2 + blockSize/4
	default:
		return 0
	}
}

// RowSize returns the byte size of ne elements.
func (t TensorType) RowSize(ne uint64) uint64 {
	return t.TypeSize() * ne / t.BlockSize()
}

// FileType is the overall file quantization recorded in general.file_type.
// The standard values match llama.cpp's ftype enum; Q2_0 uses a
// toolkit-local value.
type FileType uint32

const (
	FileTypeF32  FileType = 0
	FileTypeF16  FileType = 1
	FileTypeQ4_0 FileType = 2
	FileTypeQ8_0 FileType = 7
	FileTypeQ2_0 FileType = 40
)

func (t FileType) String() string {
	switch t {
	case FileTypeF32:
		return "F32"
	case FileTypeF16:
		return "F16"
	case FileTypeQ4_0:
		return "Q4_0"
	case FileTypeQ8_0:
		return "Q8_0"
	case FileTypeQ2_0:
		return "Q2_0"
	default:
		return "unknown"
	}
}
