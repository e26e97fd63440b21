package tensor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/x448/float16"
)

// DType identifies the element type of device-resident tensors.
type DType int

const (
	Float16 DType = iota + 1
	Float32
)

// ParseDType maps a config string to a DType.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "float16", "fp16", "half":
		return Float16, nil
	case "float32", "fp32":
		return Float32, nil
	default:
		return 0, fmt.Errorf("tensor: unknown dtype %q (want float16|float32)", s)
	}
}

func (d DType) String() string {
	switch d {
	case Float16:
		return "float16"
	case Float32:
		return "float32"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// Size is the element width in bytes.
func (d DType) Size() int64 {
	switch d {
	case Float16:
		return 2
	case Float32:
		return 4
	default:
		return 0
	}
}

// Half is a dense, row-major IEEE 754 binary16 tensor. Kernels widen it to
// float32 for arithmetic and round results back on output.
type Half struct {
	shape []int64
	data  []float16.Float16
}

// NewHalf creates a float16 tensor from data and shape.
func NewHalf(data []float16.Float16, shape []int64) (*Half, error) {
	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	if len(data) != total {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v (%d elements)", len(data), shape, total)
	}

	return &Half{
		shape: append([]int64(nil), shape...),
		data:  append([]float16.Float16(nil), data...),
	}, nil
}

// HalfZeros creates a zero-initialized float16 tensor.
func HalfZeros(shape []int64) (*Half, error) {
	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	return &Half{shape: append([]int64(nil), shape...), data: make([]float16.Float16, total)}, nil
}

// HalfFromFloat32 rounds float32 values to float16.
func HalfFromFloat32(values []float32, shape []int64) (*Half, error) {
	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	if len(values) != total {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v (%d elements)", len(values), shape, total)
	}

	data := make([]float16.Float16, total)
	for i, v := range values {
		data[i] = float16.Fromfloat32(v)
	}

	return &Half{shape: append([]int64(nil), shape...), data: data}, nil
}

// ToHalf rounds t to float16.
func (t *Tensor) ToHalf() *Half {
	if t == nil {
		return nil
	}

	h, _ := HalfFromFloat32(t.data, t.shape)

	return h
}

func (h *Half) Shape() []int64 {
	if h == nil {
		return nil
	}

	return append([]int64(nil), h.shape...)
}

// RawData returns the underlying data slice.
// Callers must treat it as read-only unless they own the tensor.
func (h *Half) RawData() []float16.Float16 {
	if h == nil {
		return nil
	}

	return h.data
}

func (h *Half) ElemCount() int {
	if h == nil {
		return 0
	}

	return len(h.data)
}

// Bytes is the float16 storage size of the tensor.
func (h *Half) Bytes() int64 {
	return int64(h.ElemCount()) * Float16.Size()
}

// Float32 widens the tensor into a new float32 Tensor.
func (h *Half) Float32() *Tensor {
	if h == nil {
		return nil
	}

	data := make([]float32, len(h.data))
	WidenInto(data, h.data)

	return newOwned(data, append([]int64(nil), h.shape...))
}

// WidenInto converts src into dst; both must have the same length.
func WidenInto(dst []float32, src []float16.Float16) {
	for i, v := range src {
		dst[i] = v.Float32()
	}
}

// Transpose swaps dim1 and dim2 and returns a contiguous copy.
func (h *Half) Transpose(dim1, dim2 int) (*Half, error) {
	if h == nil {
		return nil, errors.New("tensor: transpose on nil tensor")
	}

	outShape, perm, err := swappedShape(h.shape, dim1, dim2)
	if err != nil {
		return nil, err
	}

	out := &Half{shape: outShape, data: make([]float16.Float16, len(h.data))}

	permute(h.shape, outShape, perm, func(dst, src int64) {
		out.data[dst] = h.data[src]
	})

	return out, nil
}
