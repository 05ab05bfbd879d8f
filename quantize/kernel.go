package quantize

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/quantkit/quantkit/fs/ggml"
)

// blockSize is the number of weights per quantized block for all block
// formats this engine emits (Q8_0, Q4_0, Q2_0).
const blockSize = 32

// decodeTensorData expands raw tensor bytes to float32.
func decodeTensorData(kind ggml.TensorType, data []byte) ([]float32, error) {
	switch kind {
	case ggml.TensorTypeF32:
		out := make([]float32, len(data)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
		return out, nil
	case ggml.TensorTypeF16:
		out := make([]float32, len(data)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(data[i*2:])).Float32()
		}
		return out, nil
	case ggml.TensorTypeBF16:
		return bfloat16.DecodeFloat32(data), nil
	default:
		return nil, fmt.Errorf("cannot decode tensor type %s", kind)
	}
}

// quantizeTensor converts values to the target storage type under the given
// scale policy. len(values) must be a multiple of the target's block size.
func quantizeTensor(values []float32, target ggml.TensorType, pol scalePolicy) ([]byte, error) {
	switch target {
	case ggml.TensorTypeF16:
		out := make([]byte, len(values)*2)
		for i, v := range values {
			binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
		}
		return out, nil
	case ggml.TensorTypeQ8_0, ggml.TensorTypeQ4_0, ggml.TensorTypeQ2_0:
		return quantizeBlocks(values, target, pol)
	default:
		return nil, fmt.Errorf("cannot quantize to tensor type %s", target)
	}
}

// quantizeBlocks encodes values into per-32 blocks of an f16 scale followed
// by packed signed integers. The scale is chosen symmetrically from the
// block's (or its group's) absolute maximum, shrunk by the policy's clip.
func quantizeBlocks(values []float32, target ggml.TensorType, pol scalePolicy) ([]byte, error) {
	if len(values)%blockSize != 0 {
		return nil, fmt.Errorf("%d values not divisible by block size %d", len(values), blockSize)
	}

	var groupMax []float32
	if pol.groupSize > 0 {
		groupMax = groupMaxes(values, pol.groupSize)
	}

	typeSize := int(target.TypeSize())
	nblocks := len(values) / blockSize
	out := make([]byte, nblocks*typeSize)

	for b := range nblocks {
		block := values[b*blockSize : (b+1)*blockSize]

		amax := signedAbsMax(block)
		if groupMax != nil {
			amax = groupMax[b*blockSize/pol.groupSize]
		}
		amax *= float32(pol.clip)

		dst := out[b*typeSize:]
		switch target {
		case ggml.TensorTypeQ8_0:
			encodeQ8Block(block, amax, dst)
		case ggml.TensorTypeQ4_0:
			encodeQ4Block(block, amax, dst)
		case ggml.TensorTypeQ2_0:
			encodeQ2Block(block, amax, dst)
		}
	}

	return out, nil
}

// signedAbsMax returns the element with the largest magnitude, keeping its
// sign so the widest quantized level lands on the extreme value.
func signedAbsMax(block []float32) float32 {
	var v, amax float32
	for _, x := range block {
		if a := float32(math.Abs(float64(x))); a > amax {
			amax, v = a, x
		}
	}
	return v
}

// groupMaxes returns the signed absolute maximum of each group of
// groupSize consecutive values.
func groupMaxes(values []float32, groupSize int) []float32 {
	n := (len(values) + groupSize - 1) / groupSize
	maxes := make([]float32, n)
	for g := range maxes {
		end := min((g+1)*groupSize, len(values))
		maxes[g] = signedAbsMax(values[g*groupSize : end])
	}
	return maxes
}

func encodeQ8Block(block []float32, amax float32, dst []byte) {
	d := amax / 127
	binary.LittleEndian.PutUint16(dst, float16.Fromfloat32(d).Bits())

	for i, v := range block {
		dst[2+i] = byte(int8(clampRound(v, d, -127, 127)))
	}
}

func encodeQ4Block(block []float32, amax float32, dst []byte) {
	d := amax / -8
	binary.LittleEndian.PutUint16(dst, float16.Fromfloat32(d).Bits())

	// llama.cpp layout: byte j packs elements j (low nibble) and j+16 (high)
	for j := range blockSize / 2 {
		lo := clampRound(block[j], d, -8, 7) + 8
		hi := clampRound(block[j+16], d, -8, 7) + 8
		dst[2+j] = byte(lo) | byte(hi)<<4
	}
}

func encodeQ2Block(block []float32, amax float32, dst []byte) {
	d := amax / -2
	binary.LittleEndian.PutUint16(dst, float16.Fromfloat32(d).Bits())

	for k := range blockSize / 4 {
		var packed byte
		for j := range 4 {
			q := clampRound(block[k*4+j], d, -2, 1) + 2
			packed |= byte(q) << (2 * j)
		}
		dst[2+k] = packed
	}
}

func clampRound(v, d float32, lo, hi int) int {
	if d == 0 {
		return 0
	}
	q := int(math.Round(float64(v / d)))
	if q < lo {
		q = lo
	}
	if q > hi {
		q = hi
	}
	return q
}

// dequantizeTensor expands stored tensor bytes back to float32; the
// Validator uses it to probe quantization error.
func dequantizeTensor(kind ggml.TensorType, data []byte) ([]float32, error) {
	switch kind {
	case ggml.TensorTypeF32, ggml.TensorTypeF16, ggml.TensorTypeBF16:
		return decodeTensorData(kind, data)
	}

	typeSize := int(kind.TypeSize())
	if typeSize == 0 || len(data)%typeSize != 0 {
		return nil, fmt.Errorf("cannot dequantize tensor type %s", kind)
	}

	nblocks := len(data) / typeSize
	out := make([]float32, 0, nblocks*blockSize)

	for b := range nblocks {
		src := data[b*typeSize:]
		d := float16.Frombits(binary.LittleEndian.Uint16(src)).Float32()

		switch kind {
		case ggml.TensorTypeQ8_0:
			for i := range blockSize {
				out = append(out, float32(int8(src[2+i]))*d)
			}
		case ggml.TensorTypeQ4_0:
			vals := make([]float32, blockSize)
			for j := range blockSize / 2 {
				vals[j] = float32(int(src[2+j]&0x0f)-8) * d
				vals[j+16] = float32(int(src[2+j]>>4)-8) * d
			}
			out = append(out, vals...)
		case ggml.TensorTypeQ2_0:
			for k := range blockSize / 4 {
				for j := range 4 {
					q := int(src[2+k]>>(2*j))&0x3 - 2
					out = append(out, float32(q)*d)
				}
			}
		default:
			return nil, fmt.Errorf("cannot dequantize tensor type %s", kind)
		}
	}

	return out, nil
}
