package ops

import (
	"fmt"

	"github.com/example/go-attnbench/internal/runtime/tensor"
)

// Chunked is the memory-efficient kernel: queries are processed t.Block rows
// at a time, so at most Block x kv_len scores are live per worker.
func Chunked(mem Allocator, p Problem, t Tuning) (*tensor.Half, error) {
	if t.Block <= 0 {
		return nil, fmt.Errorf("ops: chunk size must be positive, got %d", t.Block)
	}

	g, err := p.geometry()
	if err != nil {
		return nil, err
	}

	chunk := min(t.Block, g.q.Seq)

	return runHeads(mem, p, g, t.Workers, chunk*g.kv.Seq, chunkedHead(chunk))
}

// HeadMaterialized scores each head in one piece: the full query x key matrix
// of a head is built, normalised and multiplied by V. t.Block is ignored.
func HeadMaterialized(mem Allocator, p Problem, t Tuning) (*tensor.Half, error) {
	g, err := p.geometry()
	if err != nil {
		return nil, err
	}

	return runHeads(mem, p, g, t.Workers, g.q.Seq*g.kv.Seq, chunkedHead(g.q.Seq))
}

func chunkedHead(chunk int) headFunc {
	return func(ws, q, k, v, out []float32, sq, skv, d int) {
		scale := softmaxScale(d)

		for i0 := 0; i0 < sq; i0 += chunk {
			rows := min(chunk, sq-i0)
			scores := ws[:rows*skv]

			for r := range rows {
				qr := q[(i0+r)*d : (i0+r+1)*d]
				for j := range skv {
					scores[r*skv+j] = tensor.Dot(qr, k[j*d:(j+1)*d]) * scale
				}
			}

			softmaxRows(scores, rows, skv)

			for r := range rows {
				acc := out[(i0+r)*d : (i0+r+1)*d]
				clear(acc)

				for j, pj := range scores[r*skv : (r+1)*skv] {
					axpy(acc, v[j*d:(j+1)*d], pj)
				}
			}
		}
	}
}

func softmaxRows(x []float32, rows, cols int) {
	for r := range rows {
		row := x[r*cols : (r+1)*cols]
		maxV := row[0]

		for _, v := range row[1:] {
			maxV = max(maxV, v)
		}

		var sum float32

		for j, v := range row {
			e := exp32(v - maxV)
			row[j] = e
			sum += e
		}

		inv := 1 / sum
		for j := range row {
			row[j] *= inv
		}
	}
}
