// Package ggml reads and writes GGUF model containers.
//
// Only the subset of the format the quantization engine needs is
// implemented: GGUF v2/v3 headers, the full key-value section, tensor
// metadata, and aligned tensor data. Key-value pairs keep the order they
// appear in on disk so a read-modify-write cycle reproduces the source
// layout byte for byte.
package ggml

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// FileMagicGGUFLE is the little-endian GGUF magic ("GGUF").
	FileMagicGGUFLE = 0x46554747
	// FileMagicGGUFBE is the big-endian GGUF magic.
	FileMagicGGUFBE = 0x47475546
)

// ErrUnsupportedFormat is returned for anything that is not GGUF v2/v3.
var ErrUnsupportedFormat = errors.New("unsupported model format")

// DetectContentType identifies a model container from its first four bytes.
func DetectContentType(b []byte) string {
	if len(b) < 4 {
		return ""
	}

	switch binary.LittleEndian.Uint32(b[:4]) {
	case FileMagicGGUFLE, FileMagicGGUFBE:
		return "gguf"
	default:
		return ""
	}
}

// GGML is a decoded model: key-value metadata plus tensor descriptors.
// Tensor data is not read; callers use Tensors().Offset and each tensor's
// Offset/Size to fetch it from the underlying file.
type GGML struct {
	kv         KV
	tensors    Tensors
	parameters uint64

	// Length is the header size in bytes, up to but excluding tensor data.
	Length int64
}

// KV returns the model metadata in on-disk order.
func (g *GGML) KV() KV {
	return g.kv
}

// Tensors returns the tensor descriptors and the data section offset.
func (g *GGML) Tensors() Tensors {
	return g.tensors
}

// ParameterCount returns the total number of weights across all tensors.
func (g *GGML) ParameterCount() uint64 {
	return g.parameters
}

// Decode reads a GGUF model header from r.
func Decode(r io.Reader) (*GGML, error) {
	cnt := &readCounter{r: r}
	br := bufio.NewReaderSize(cnt, 32<<10)

	var magic uint32
	if err := binary.Read(br, binary.LittleEndian, &magic); err != nil {
		return nil, err
	}

	var order binary.ByteOrder
	switch magic {
	case FileMagicGGUFLE:
		order = binary.LittleEndian
	case FileMagicGGUFBE:
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: invalid file magic %#x", ErrUnsupportedFormat, magic)
	}

	d := &decoder{br: br, cnt: cnt, order: order}
	return d.decode()
}

// readCounter tracks bytes consumed from the underlying reader so the
// decoder can compute the aligned data offset without seeking through the
// bufio layer.
type readCounter struct {
	r io.Reader
	n int64
}

func (c *readCounter) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
