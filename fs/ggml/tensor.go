package ggml

import (
	"fmt"
	"io"
	"math"
	"slices"
	"strings"
)

// Tensors is the tensor table of a model plus the absolute offset of the
// data section.
type Tensors struct {
	items  []*Tensor
	Offset uint64
}

// Items returns the tensors, optionally filtered by name prefix.
func (ts Tensors) Items(prefix ...string) []*Tensor {
	if len(prefix) == 0 {
		return ts.items
	}

	var items []*Tensor
	for _, t := range ts.items {
		if strings.HasPrefix(t.Name, prefix[0]) {
			items = append(items, t)
		}
	}

	return items
}

// GroupLayers groups tensors by layer. Tensors named "blk.N.*" form one
// group per block; everything else groups under its first name component
// (e.g. "output", "token_embd").
func (ts Tensors) GroupLayers() map[string]Layer {
	layers := make(map[string]Layer)
	for _, t := range ts.items {
		parts := strings.Split(t.Name, ".")
		if parts[0] == "blk" && len(parts) > 2 {
			parts = append([]string{parts[0] + "." + parts[1]}, parts[2:]...)
		}

		if _, ok := layers[parts[0]]; !ok {
			layers[parts[0]] = make(Layer)
		}

		layers[parts[0]][strings.Join(parts[1:], ".")] = t
	}

	return layers
}

// Layer is one group of tensors, typically a transformer block.
type Layer map[string]*Tensor

// Size returns the total byte size of the layer's tensors.
func (l Layer) Size() (size uint64) {
	for _, t := range l {
		size += t.Size()
	}
	return size
}

// Tensor describes one tensor: metadata when reading, metadata plus a data
// source (the embedded WriterTo) when writing.
type Tensor struct {
	Name   string `json:"name"`
	Kind   uint32 `json:"kind"`
	Offset uint64 `json:"-"`

	// Shape is the number of elements in each dimension.
	Shape []uint64 `json:"shape"`

	io.WriterTo `json:"-"`
}

// block extracts the block number from the tensor name, or MaxInt for
// tensors outside any block.
func (t Tensor) block() (n int) {
	if _, err := fmt.Sscanf(t.Name, "blk.%d.", &n); err != nil {
		return math.MaxInt
	}
	return
}

// Elements returns the total element count.
func (t Tensor) Elements() uint64 {
	var count uint64 = 1
	for _, n := range t.Shape {
		count *= n
	}
	return count
}

// Size returns the tensor's byte size for its storage type.
func (t Tensor) Size() uint64 {
	tt := TensorType(t.Kind)
	return t.Elements() * tt.TypeSize() / tt.BlockSize()
}

// Type returns the storage type name.
func (t Tensor) Type() string {
	return TensorType(t.Kind).String()
}

// SortTensors orders tensors the way they are laid out on disk: by block
// number, then by name.
func SortTensors(ts []*Tensor) {
	slices.SortStableFunc(ts, func(a, b *Tensor) int {
		if d := a.block() - b.block(); d != 0 {
			return d
		}
		return strings.Compare(a.Name, b.Name)
	})
}
