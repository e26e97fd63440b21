package tensor

import (
	"errors"
	"fmt"
)

// Transpose swaps dim1 and dim2 and returns a contiguous copy.
func (t *Tensor) Transpose(dim1, dim2 int) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: transpose on nil tensor")
	}

	outShape, perm, err := swappedShape(t.shape, dim1, dim2)
	if err != nil {
		return nil, err
	}

	out, err := Zeros(outShape)
	if err != nil {
		return nil, err
	}

	permute(t.shape, outShape, perm, func(dst, src int64) {
		out.data[dst] = t.data[src]
	})

	return out, nil
}

// swappedShape returns the shape with dim1 and dim2 exchanged and the pair of
// normalized dims.
func swappedShape(shape []int64, dim1, dim2 int) ([]int64, [2]int, error) {
	rank := len(shape)

	d1, err := normalizeDim(dim1, rank)
	if err != nil {
		return nil, [2]int{}, fmt.Errorf("tensor: transpose dim1: %w", err)
	}

	d2, err := normalizeDim(dim2, rank)
	if err != nil {
		return nil, [2]int{}, fmt.Errorf("tensor: transpose dim2: %w", err)
	}

	outShape := append([]int64(nil), shape...)
	outShape[d1], outShape[d2] = outShape[d2], outShape[d1]

	return outShape, [2]int{d1, d2}, nil
}

// permute walks every output element of a two-dim swap and reports the
// destination and source linear offsets.
func permute(srcShape, outShape []int64, perm [2]int, fn func(dst, src int64)) {
	rank := len(srcShape)
	total := int64(1)

	for _, d := range outShape {
		total *= d
	}

	srcStrides := computeStrides(srcShape)
	outStrides := computeStrides(outShape)
	outCoord := make([]int64, rank)
	srcCoord := make([]int64, rank)

	for i := range total {
		linearToCoord(i, outShape, outStrides, outCoord)
		copy(srcCoord, outCoord)
		srcCoord[perm[0]], srcCoord[perm[1]] = outCoord[perm[1]], outCoord[perm[0]]
		fn(i, coordToLinear(srcCoord, srcStrides))
	}
}
