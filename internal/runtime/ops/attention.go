package ops

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-attnbench/internal/runtime/tensor"
)

// CausalMask sets positions where key index > query index + offset to -Inf.
// Expected input shape: [..., query, key].
func CausalMask(scores *tensor.Tensor, offset int64) (*tensor.Tensor, error) {
	if scores == nil {
		return nil, errors.New("ops: causal mask scores is nil")
	}

	shape := scores.Shape()
	if len(shape) < 2 {
		return nil, fmt.Errorf("ops: causal mask requires rank >= 2, got %d", len(shape))
	}

	q := int(shape[len(shape)-2])

	k := int(shape[len(shape)-1])
	if q <= 0 || k <= 0 {
		return nil, fmt.Errorf("ops: causal mask requires positive query/key dims, got %d and %d", q, k)
	}

	out := scores.Clone()
	data := out.RawData()
	blocks := len(data) / (q * k)
	negInf := float32(math.Inf(-1))

	for b := range blocks {
		base := b * q * k
		for qi := range q {
			maxKey := int64(qi) + offset

			row := base + qi*k
			for ki := range k {
				if int64(ki) > maxKey {
					data[row+ki] = negInf
				}
			}
		}
	}

	return out, nil
}

// Attention computes scaled dot-product attention.
// q shape: [..., tq, d], k shape: [..., tk, d], v shape: [..., tk, dv]
// output: [..., tq, dv]
func Attention(q, k, v *tensor.Tensor, causal bool, offset int64) (*tensor.Tensor, error) {
	if q == nil || k == nil || v == nil {
		return nil, errors.New("ops: attention requires non-nil q/k/v")
	}

	qShape := q.Shape()
	kShape := k.Shape()

	vShape := v.Shape()
	if len(qShape) < 2 || len(kShape) < 2 || len(vShape) < 2 {
		return nil, errors.New("ops: attention requires rank >= 2 inputs")
	}

	d := qShape[len(qShape)-1]
	if d != kShape[len(kShape)-1] {
		return nil, fmt.Errorf("ops: attention q/k depth mismatch %d vs %d", d, kShape[len(kShape)-1])
	}

	if kShape[len(kShape)-2] != vShape[len(vShape)-2] {
		return nil, fmt.Errorf("ops: attention key/value sequence mismatch %d vs %d", kShape[len(kShape)-2], vShape[len(vShape)-2])
	}

	kT, err := k.Transpose(-1, -2)
	if err != nil {
		return nil, fmt.Errorf("ops: attention transpose k: %w", err)
	}

	scores, err := tensor.MatMul(q, kT)
	if err != nil {
		return nil, fmt.Errorf("ops: attention q*k^T: %w", err)
	}

	scaled := scores
	scaled.Scale(softmaxScale(int(d)))

	if causal {
		scaled, err = CausalMask(scaled, offset)
		if err != nil {
			return nil, fmt.Errorf("ops: attention causal mask: %w", err)
		}
	}

	probs, err := tensor.Softmax(scaled, -1)
	if err != nil {
		return nil, fmt.Errorf("ops: attention softmax: %w", err)
	}

	out, err := tensor.MatMul(probs, v)
	if err != nil {
		return nil, fmt.Errorf("ops: attention probs*v: %w", err)
	}

	return out, nil
}

// Naive runs the unfused reference path: inputs are widened to float32 in
// full, scores for every head are materialised by a batched MatMul and then
// normalised. Matrix products parallelise over tensor.SetWorkers.
func Naive(mem Allocator, p Problem, _ Tuning) (*tensor.Half, error) {
	g, err := p.geometry()
	if err != nil {
		return nil, err
	}

	mem = allocatorOrNop(mem)

	footprint := naiveFootprint(g)
	if err := mem.Acquire(footprint); err != nil {
		return nil, err
	}
	defer mem.Release(footprint)

	q, k, v := p.Q.Float32(), p.K.Float32(), p.V.Float32()

	if g.layout == tensor.LayoutBSHD {
		if q, k, v, err = transposeAll(q, k, v); err != nil {
			return nil, err
		}
	}

	o, err := Attention(q, k, v, false, 0)
	if err != nil {
		return nil, err
	}

	if g.layout == tensor.LayoutBSHD {
		if o, err = o.Transpose(1, 2); err != nil {
			return nil, err
		}
	}

	out := o.ToHalf()
	if err := mem.Acquire(out.Bytes()); err != nil {
		return nil, err
	}

	return out, nil
}

// naiveFootprint is the float32 working set of Naive: widened q/k/v, the
// transposed keys, two score matrices and the output.
func naiveFootprint(g geometry) int64 {
	bh := int64(g.q.Batch) * int64(g.q.Heads)
	sq, skv, d := int64(g.q.Seq), int64(g.kv.Seq), int64(g.q.HeadDim)

	return 4 * bh * (2*sq*d + 3*skv*d + 2*sq*skv)
}

func transposeAll(ts ...*tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, *tensor.Tensor, error) {
	out := make([]*tensor.Tensor, len(ts))

	for i, t := range ts {
		tt, err := t.Transpose(1, 2)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("ops: naive transpose: %w", err)
		}

		out[i] = tt
	}

	return out[0], out[1], out[2], nil
}
