package ggml

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"
)

// WriteGGUF writes a complete GGUF v3 file: key-value pairs in their KV
// insertion order, tensor infos sorted by block then name, then aligned
// tensor data. Tensor data is written in parallel; offsets are computed up
// front so the output is deterministic.
func WriteGGUF(f *os.File, kv KV, ts []*Tensor) error {
	if err := binary.Write(f, binary.LittleEndian, []byte("GGUF")); err != nil {
		return err
	}

	if err := binary.Write(f, binary.LittleEndian, uint32(3)); err != nil {
		return err
	}

	if err := binary.Write(f, binary.LittleEndian, uint64(len(ts))); err != nil {
		return err
	}

	if err := binary.Write(f, binary.LittleEndian, uint64(kv.Len())); err != nil {
		return err
	}

	for _, key := range kv.Keys() {
		if err := ggufWriteKV(f, key, kv.Value(key)); err != nil {
			return err
		}
	}

	SortTensors(ts)

	alignment := kv.Uint("general.alignment", 32)

	var s uint64
	for i := range ts {
		ts[i].Offset = s
		if err := ggufWriteTensorInfo(f, ts[i]); err != nil {
			return err
		}
		s += ts[i].Size()
		s += uint64(ggufPadding(int64(s), int64(alignment)))
	}

	offset, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	offset += ggufPadding(offset, int64(alignment))

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, t := range ts {
		w := io.NewOffsetWriter(f, offset+int64(t.Offset))
		g.Go(func() error {
			_, err := t.WriteTo(w)
			return err
		})
	}

	return g.Wait()
}

func writeGGUF[V any](w io.Writer, t uint32, v V) error {
	if err := binary.Write(w, binary.LittleEndian, t); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, v)
}

func writeGGUFString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, ggufTypeString); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.Copy(w, strings.NewReader(s))
	return err
}

func writeGGUFArray[S ~[]E, E any](w io.Writer, t uint32, s S) error {
	if err := binary.Write(w, binary.LittleEndian, ggufTypeArray); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, t); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(s))); err != nil {
		return err
	}

	// strings carry their own length prefix
	if t == ggufTypeString {
		for _, e := range any(s).([]string) {
			if err := binary.Write(w, binary.LittleEndian, uint64(len(e))); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, []byte(e)); err != nil {
				return err
			}
		}
		return nil
	}

	return binary.Write(w, binary.LittleEndian, s)
}

func ggufWriteKV(w io.Writer, k string, v any) error {
	slog.Debug(k, "type", fmt.Sprintf("%T", v))

	if err := binary.Write(w, binary.LittleEndian, uint64(len(k))); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, []byte(k)); err != nil {
		return err
	}

	var err error
	switch v := v.(type) {
	case uint8:
		err = writeGGUF(w, ggufTypeUint8, v)
	case int8:
		err = writeGGUF(w, ggufTypeInt8, v)
	case uint16:
		err = writeGGUF(w, ggufTypeUint16, v)
	case int16:
		err = writeGGUF(w, ggufTypeInt16, v)
	case uint32:
		err = writeGGUF(w, ggufTypeUint32, v)
	case FileType:
		err = writeGGUF(w, ggufTypeUint32, uint32(v))
	case int32:
		err = writeGGUF(w, ggufTypeInt32, v)
	case uint64:
		err = writeGGUF(w, ggufTypeUint64, v)
	case int64:
		err = writeGGUF(w, ggufTypeInt64, v)
	case float32:
		err = writeGGUF(w, ggufTypeFloat32, v)
	case float64:
		err = writeGGUF(w, ggufTypeFloat64, v)
	case bool:
		err = writeGGUF(w, ggufTypeBool, v)
	case string:
		err = writeGGUFString(w, v)
	case []uint8:
		err = writeGGUFArray(w, ggufTypeUint8, v)
	case []int8:
		err = writeGGUFArray(w, ggufTypeInt8, v)
	case []uint16:
		err = writeGGUFArray(w, ggufTypeUint16, v)
	case []int16:
		err = writeGGUFArray(w, ggufTypeInt16, v)
	case []uint32:
		err = writeGGUFArray(w, ggufTypeUint32, v)
	case []int32:
		err = writeGGUFArray(w, ggufTypeInt32, v)
	case []uint64:
		err = writeGGUFArray(w, ggufTypeUint64, v)
	case []int64:
		err = writeGGUFArray(w, ggufTypeInt64, v)
	case []float32:
		err = writeGGUFArray(w, ggufTypeFloat32, v)
	case []float64:
		err = writeGGUFArray(w, ggufTypeFloat64, v)
	case []bool:
		err = writeGGUFArray(w, ggufTypeBool, v)
	case []string:
		err = writeGGUFArray(w, ggufTypeString, v)
	default:
		return fmt.Errorf("improper type for '%s'", k)
	}
	return err
}

func ggufWriteTensorInfo(w io.Writer, t *Tensor) error {
	slog.Debug(t.Name, "kind", t.Kind, "shape", t.Shape, "offset", t.Offset)

	if err := binary.Write(w, binary.LittleEndian, uint64(len(t.Name))); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, []byte(t.Name)); err != nil {
		return err
	}

	if err := binary.Write(w, binary.LittleEndian, uint32(len(t.Shape))); err != nil {
		return err
	}
	for _, n := range t.Shape {
		if err := binary.Write(w, binary.LittleEndian, n); err != nil {
			return err
		}
	}

	if err := binary.Write(w, binary.LittleEndian, t.Kind); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, t.Offset)
}
