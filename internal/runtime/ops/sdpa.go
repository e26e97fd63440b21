package ops

import (
	"math"

	"github.com/example/go-attnbench/internal/runtime/tensor"
)

// SDPA is the fused scaled-dot-product attention kernel. Each query row is
// scored, normalised and applied to V in a single pass; only one row of scores
// is live per worker.
func SDPA(mem Allocator, p Problem, t Tuning) (*tensor.Half, error) {
	g, err := p.geometry()
	if err != nil {
		return nil, err
	}

	return runHeads(mem, p, g, t.Workers, g.kv.Seq, sdpaHead)
}

func sdpaHead(ws, q, k, v, out []float32, sq, skv, d int) {
	scale := softmaxScale(d)
	scores := ws[:skv]

	for i := range sq {
		qi := q[i*d : (i+1)*d]
		maxV := float32(math.Inf(-1))

		for j := range skv {
			s := tensor.Dot(qi, k[j*d:(j+1)*d]) * scale
			scores[j] = s

			if s > maxV {
				maxV = s
			}
		}

		var sum float32

		for j := range skv {
			e := exp32(scores[j] - maxV)
			scores[j] = e
			sum += e
		}

		oi := out[i*d : (i+1)*d]
		clear(oi)

		inv := 1 / sum
		for j := range skv {
			axpy(oi, v[j*d:(j+1)*d], scores[j]*inv)
		}
	}
}
