package ggml

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func f32le(values []float32) []byte {
	b := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

func testTensor(name string, shape []uint64, data []byte) *Tensor {
	return &Tensor{
		Name:     name,
		Kind:     uint32(TensorTypeF32),
		Shape:    shape,
		WriterTo: bytes.NewReader(data),
	}
}

func writeTestModel(t *testing.T, path string, kv KV, ts []*Tensor) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if err := WriteGGUF(f, kv, ts); err != nil {
		t.Fatal(err)
	}
}

func TestWriteDecodeRoundTrip(t *testing.T) {
	kv := NewKV()
	kv.Set("general.architecture", "llama")
	kv.Set("llama.embedding_length", uint32(64))
	kv.Set("llama.block_count", uint32(2))
	kv.Set("tokenizer.ggml.tokens", []string{"<s>", "</s>", "hello"})
	kv.Set("general.flags", []int32{1, 2, 3})

	data := make([]float32, 64*32)
	for i := range data {
		data[i] = float32(i%17) - 8
	}

	tensors := []*Tensor{
		testTensor("output_norm.weight", []uint64{64}, f32le(data[:64])),
		testTensor("blk.1.ffn_up.weight", []uint64{64, 32}, f32le(data)),
		testTensor("blk.0.attn_q.weight", []uint64{64, 32}, f32le(data)),
	}

	path := filepath.Join(t.TempDir(), "model.gguf")
	writeTestModel(t, path, kv, tensors)

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	g, err := Decode(f)
	if err != nil {
		t.Fatal(err)
	}

	if got := g.KV().Architecture(); got != "llama" {
		t.Errorf("architecture = %q, want llama", got)
	}
	if got := g.KV().EmbeddingLength(); got != 64 {
		t.Errorf("embedding length = %d, want 64", got)
	}
	if got := g.KV().VocabSize(); got != 3 {
		t.Errorf("vocab size = %d, want 3", got)
	}
	if got, want := g.ParameterCount(), uint64(64+2*64*32); got != want {
		t.Errorf("parameter count = %d, want %d", got, want)
	}

	wantKeys := []string{
		"general.architecture",
		"llama.embedding_length",
		"llama.block_count",
		"tokenizer.ggml.tokens",
		"general.flags",
	}
	if diff := cmp.Diff(wantKeys, g.KV().Keys()); diff != "" {
		t.Errorf("key order mismatch (-want +got):\n%s", diff)
	}

	items := g.Tensors().Items()
	if len(items) != 3 {
		t.Fatalf("got %d tensors, want 3", len(items))
	}

	// layout order: block tensors first, then the rest by name
	wantOrder := []string{"blk.0.attn_q.weight", "blk.1.ffn_up.weight", "output_norm.weight"}
	for i, name := range wantOrder {
		if items[i].Name != name {
			t.Errorf("tensor %d = %q, want %q", i, items[i].Name, name)
		}
		if items[i].Offset%32 != 0 {
			t.Errorf("tensor %q offset %d not 32-byte aligned", items[i].Name, items[i].Offset)
		}
	}

	if g.Tensors().Offset%32 != 0 {
		t.Errorf("data section offset %d not 32-byte aligned", g.Tensors().Offset)
	}

	got := make([]byte, items[0].Size())
	if _, err := f.ReadAt(got, int64(g.Tensors().Offset+items[0].Offset)); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, f32le(data)) {
		t.Error("tensor data round trip mismatch")
	}
}

func TestWriteDeterministic(t *testing.T) {
	build := func(path string) {
		kv := NewKV()
		kv.Set("general.architecture", "llama")
		kv.Set("general.alignment", uint32(32))

		data := f32le(make([]float32, 64))
		writeTestModel(t, path, kv, []*Tensor{
			testTensor("b.weight", []uint64{32}, data[:128]),
			testTensor("a.weight", []uint64{32}, data[:128]),
		})
	}

	dir := t.TempDir()
	first := filepath.Join(dir, "first.gguf")
	second := filepath.Join(dir, "second.gguf")
	build(first)
	build(second)

	b1, err := os.ReadFile(first)
	if err != nil {
		t.Fatal(err)
	}
	b2, err := os.ReadFile(second)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(b1, b2) {
		t.Error("two identical writes produced different bytes")
	}
}

func TestDecodeRejectsBadInput(t *testing.T) {
	cases := map[string][]byte{
		"bad magic":   append([]byte("GGML"), make([]byte, 32)...),
		"old version": binary.LittleEndian.AppendUint32([]byte("GGUF"), 1),
	}

	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(bytes.NewReader(append(b, make([]byte, 32)...)))
			if !errors.Is(err, ErrUnsupportedFormat) {
				t.Errorf("got %v, want ErrUnsupportedFormat", err)
			}
		})
	}
}

func TestDetectContentType(t *testing.T) {
	if got := DetectContentType([]byte("GGUFxxxx")); got != "gguf" {
		t.Errorf("got %q, want gguf", got)
	}
	if got := DetectContentType([]byte("ELF\x7fxxxx")); got != "" {
		t.Errorf("got %q, want empty", got)
	}
	if got := DetectContentType([]byte("GG")); got != "" {
		t.Errorf("short input: got %q, want empty", got)
	}
}

func TestGroupLayers(t *testing.T) {
	ts := Tensors{items: []*Tensor{
		{Name: "blk.0.attn_q.weight"},
		{Name: "blk.0.attn_k.weight"},
		{Name: "blk.10.ffn_up.weight"},
		{Name: "output.weight"},
		{Name: "token_embd.weight"},
	}}

	layers := ts.GroupLayers()
	if len(layers) != 4 {
		t.Fatalf("got %d layers, want 4", len(layers))
	}
	if len(layers["blk.0"]) != 2 {
		t.Errorf("blk.0 has %d tensors, want 2", len(layers["blk.0"]))
	}
	if _, ok := layers["blk.10"]["ffn_up.weight"]; !ok {
		t.Error("blk.10 missing ffn_up.weight")
	}
	if _, ok := layers["output"]["weight"]; !ok {
		t.Error("output missing weight")
	}
}

func TestTensorTypeSizes(t *testing.T) {
	cases := []struct {
		tt        TensorType
		blockSize uint64
		typeSize  uint64
	}{
		{TensorTypeF32, 1, 4},
		{TensorTypeF16, 1, 2},
		{TensorTypeBF16, 1, 2},
		{TensorTypeQ8_0, 32, 34},
		{TensorTypeQ4_0, 32, 18},
		{TensorTypeQ2_0, 32, 10},
	}

	for _, tc := range cases {
		t.Run(tc.tt.String(), func(t *testing.T) {
			if got := tc.tt.BlockSize(); got != tc.blockSize {
				t.Errorf("BlockSize = %d, want %d", got, tc.blockSize)
			}
			if got := tc.tt.TypeSize(); got != tc.typeSize {
				t.Errorf("TypeSize = %d, want %d", got, tc.typeSize)
			}

			parsed, err := ParseTensorType(tc.tt.String())
			if err != nil || parsed != tc.tt {
				t.Errorf("ParseTensorType(%q) = %v, %v", tc.tt.String(), parsed, err)
			}
		})
	}

	if got := TensorTypeQ8_0.RowSize(64); got != 68 {
		t.Errorf("Q8_0 RowSize(64) = %d, want 68", got)
	}
}

func TestTensorSize(t *testing.T) {
	tensor := Tensor{Name: "blk.0.x.weight", Kind: uint32(TensorTypeQ4_0), Shape: []uint64{64, 32}}
	if got, want := tensor.Size(), uint64(64*32/32*18); got != want {
		t.Errorf("Size = %d, want %d", got, want)
	}
	if got := tensor.Elements(); got != 2048 {
		t.Errorf("Elements = %d, want 2048", got)
	}
}
