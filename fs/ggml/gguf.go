package ggml

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// GGUF key-value type tags.
const (
	ggufTypeUint8 uint32 = iota
	ggufTypeInt8
	ggufTypeUint16
	ggufTypeInt16
	ggufTypeUint32
	ggufTypeInt32
	ggufTypeFloat32
	ggufTypeBool
	ggufTypeString
	ggufTypeArray
	ggufTypeUint64
	ggufTypeInt64
	ggufTypeFloat64
)

type decoder struct {
	br    *bufio.Reader
	cnt   *readCounter
	order binary.ByteOrder
}

// pos is the number of bytes consumed from the start of the stream.
func (d *decoder) pos() int64 {
	return d.cnt.n - int64(d.br.Buffered())
}

func (d *decoder) decode() (*GGML, error) {
	var version uint32
	if err := binary.Read(d.br, d.order, &version); err != nil {
		return nil, err
	}

	if version < 2 {
		return nil, fmt.Errorf("%w: gguf version %d", ErrUnsupportedFormat, version)
	}

	var numTensor, numKV uint64
	if err := binary.Read(d.br, d.order, &numTensor); err != nil {
		return nil, err
	}
	if err := binary.Read(d.br, d.order, &numKV); err != nil {
		return nil, err
	}

	g := &GGML{kv: NewKV()}

	for range numKV {
		key, err := d.readString()
		if err != nil {
			return nil, fmt.Errorf("failed to read kv key: %w", err)
		}

		value, err := d.readValue()
		if err != nil {
			return nil, fmt.Errorf("failed to read kv %q: %w", key, err)
		}

		g.kv.Set(key, value)
	}

	for range numTensor {
		t, err := d.readTensor()
		if err != nil {
			return nil, err
		}

		g.tensors.items = append(g.tensors.items, t)
		g.parameters += t.Elements()
	}

	alignment := g.kv.Uint("general.alignment", 32)
	offset := d.pos()
	g.Length = offset
	g.tensors.Offset = uint64(offset + ggufPadding(offset, int64(alignment)))

	return g, nil
}

func (d *decoder) readTensor() (*Tensor, error) {
	name, err := d.readString()
	if err != nil {
		return nil, fmt.Errorf("failed to read tensor name: %w", err)
	}

	var dims uint32
	if err := binary.Read(d.br, d.order, &dims); err != nil {
		return nil, fmt.Errorf("failed to read tensor dimensions: %w", err)
	}

	shape := make([]uint64, dims)
	for i := range shape {
		if err := binary.Read(d.br, d.order, &shape[i]); err != nil {
			return nil, fmt.Errorf("failed to read tensor shape: %w", err)
		}
	}

	var kind uint32
	if err := binary.Read(d.br, d.order, &kind); err != nil {
		return nil, fmt.Errorf("failed to read tensor kind: %w", err)
	}

	var offset uint64
	if err := binary.Read(d.br, d.order, &offset); err != nil {
		return nil, fmt.Errorf("failed to read tensor offset: %w", err)
	}

	return &Tensor{
		Name:   name,
		Kind:   kind,
		Offset: offset,
		Shape:  shape,
	}, nil
}

func (d *decoder) readString() (string, error) {
	var length uint64
	if err := binary.Read(d.br, d.order, &length); err != nil {
		return "", err
	}

	b := make([]byte, length)
	if _, err := io.ReadFull(d.br, b); err != nil {
		return "", err
	}

	return string(b), nil
}

func (d *decoder) readValue() (any, error) {
	var t uint32
	if err := binary.Read(d.br, d.order, &t); err != nil {
		return nil, err
	}

	return d.readTyped(t)
}

func (d *decoder) readTyped(t uint32) (any, error) {
	switch t {
	case ggufTypeUint8:
		return readScalar[uint8](d)
	case ggufTypeInt8:
		return readScalar[int8](d)
	case ggufTypeUint16:
		return readScalar[uint16](d)
	case ggufTypeInt16:
		return readScalar[int16](d)
	case ggufTypeUint32:
		return readScalar[uint32](d)
	case ggufTypeInt32:
		return readScalar[int32](d)
	case ggufTypeUint64:
		return readScalar[uint64](d)
	case ggufTypeInt64:
		return readScalar[int64](d)
	case ggufTypeFloat32:
		return readScalar[float32](d)
	case ggufTypeFloat64:
		return readScalar[float64](d)
	case ggufTypeBool:
		return readScalar[bool](d)
	case ggufTypeString:
		return d.readString()
	case ggufTypeArray:
		return d.readArray()
	default:
		return nil, fmt.Errorf("invalid kv type: %d", t)
	}
}

func (d *decoder) readArray() (any, error) {
	var t uint32
	if err := binary.Read(d.br, d.order, &t); err != nil {
		return nil, err
	}

	var length uint64
	if err := binary.Read(d.br, d.order, &length); err != nil {
		return nil, err
	}

	switch t {
	case ggufTypeUint8:
		return readSlice[uint8](d, length)
	case ggufTypeInt8:
		return readSlice[int8](d, length)
	case ggufTypeUint16:
		return readSlice[uint16](d, length)
	case ggufTypeInt16:
		return readSlice[int16](d, length)
	case ggufTypeUint32:
		return readSlice[uint32](d, length)
	case ggufTypeInt32:
		return readSlice[int32](d, length)
	case ggufTypeUint64:
		return readSlice[uint64](d, length)
	case ggufTypeInt64:
		return readSlice[int64](d, length)
	case ggufTypeFloat32:
		return readSlice[float32](d, length)
	case ggufTypeFloat64:
		return readSlice[float64](d, length)
	case ggufTypeBool:
		return readSlice[bool](d, length)
	case ggufTypeString:
		s := make([]string, length)
		for i := range s {
			e, err := d.readString()
			if err != nil {
				return nil, err
			}
			s[i] = e
		}
		return s, nil
	default:
		return nil, fmt.Errorf("invalid kv array type: %d", t)
	}
}

func readScalar[T any](d *decoder) (T, error) {
	var v T
	err := binary.Read(d.br, d.order, &v)
	return v, err
}

func readSlice[T any](d *decoder, length uint64) ([]T, error) {
	s := make([]T, length)
	if err := binary.Read(d.br, d.order, s); err != nil {
		return nil, err
	}
	return s, nil
}

// ggufPadding returns the padding needed to align offset.
func ggufPadding(offset, align int64) int64 {
	return (align - offset%align) % align
}
