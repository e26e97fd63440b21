package ops

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-attnbench/internal/runtime/tensor"
)

// ErrBlockAlignment is returned by FlashBlocked when a sequence length is not
// a whole number of blocks.
var ErrBlockAlignment = errors.New("ops: sequence length is not a multiple of the block size")

// FlashTiled computes attention with the online-softmax recurrence over key
// tiles of t.Block rows. A running max and running sum are kept per query row
// and earlier partial outputs are rescaled whenever the max grows, so the
// score matrix is never materialised. Dot products use fused multiply-add.
func FlashTiled(mem Allocator, p Problem, t Tuning) (*tensor.Half, error) {
	if t.Block <= 0 {
		return nil, fmt.Errorf("ops: flash block size must be positive, got %d", t.Block)
	}

	g, err := p.geometry()
	if err != nil {
		return nil, err
	}

	return runHeads(mem, p, g, t.Workers, t.Block, flashTiledHead(t.Block))
}

func flashTiledHead(block int) headFunc {
	return func(ws, q, k, v, out []float32, sq, skv, d int) {
		scale := softmaxScale(d)

		for i := range sq {
			qi := q[i*d : (i+1)*d]
			oi := out[i*d : (i+1)*d]
			clear(oi)

			m := float32(math.Inf(-1))
			var l float32

			for j0 := 0; j0 < skv; j0 += block {
				j1 := min(j0+block, skv)
				s := ws[:j1-j0]
				tileMax := float32(math.Inf(-1))

				for j := j0; j < j1; j++ {
					x := tensor.DotFMA(qi, k[j*d:(j+1)*d]) * scale
					s[j-j0] = x
					tileMax = max(tileMax, x)
				}

				mNew := max(m, tileMax)
				if alpha := exp32(m - mNew); alpha != 1 {
					l *= alpha
					for c := range oi {
						oi[c] *= alpha
					}
				}

				for j := j0; j < j1; j++ {
					e := exp32(s[j-j0] - mNew)
					l += e
					axpy(oi, v[j*d:(j+1)*d], e)
				}

				m = mNew
			}

			inv := 1 / l
			for c := range oi {
				oi[c] *= inv
			}
		}
	}
}

// FlashBlocked is the block-by-block FlashAttention schedule: a block of
// queries is scored against a block of keys at a time and the running
// statistics are kept for the whole query block. Tiles are always full, so
// both sequence lengths must be multiples of t.Block.
func FlashBlocked(mem Allocator, p Problem, t Tuning) (*tensor.Half, error) {
	if t.Block <= 0 {
		return nil, fmt.Errorf("ops: flash block size must be positive, got %d", t.Block)
	}

	g, err := p.geometry()
	if err != nil {
		return nil, err
	}

	for _, seq := range []int{g.q.Seq, g.kv.Seq} {
		if seq%t.Block != 0 {
			return nil, fmt.Errorf("%w: %d %% %d != 0", ErrBlockAlignment, seq, t.Block)
		}
	}

	wsLen := t.Block*t.Block + 2*t.Block

	return runHeads(mem, p, g, t.Workers, wsLen, flashBlockedHead(t.Block))
}

func flashBlockedHead(block int) headFunc {
	return func(ws, q, k, v, out []float32, sq, skv, d int) {
		scale := softmaxScale(d)
		sij := ws[:block*block]
		mi := ws[block*block : block*block+block]
		li := ws[block*block+block : block*block+2*block]

		for i0 := 0; i0 < sq; i0 += block {
			oBlock := out[i0*d : (i0+block)*d]
			clear(oBlock)

			for r := range block {
				mi[r] = float32(math.Inf(-1))
				li[r] = 0
			}

			for j0 := 0; j0 < skv; j0 += block {
				for r := range block {
					qr := q[(i0+r)*d : (i0+r+1)*d]
					for c := range block {
						sij[r*block+c] = tensor.DotFMA(qr, k[(j0+c)*d:(j0+c+1)*d]) * scale
					}
				}

				for r := range block {
					row := sij[r*block : (r+1)*block]
					mNew := mi[r]

					for _, x := range row {
						mNew = max(mNew, x)
					}

					alpha := exp32(mi[r] - mNew)
					acc := oBlock[r*d : (r+1)*d]
					li[r] *= alpha

					for c := range acc {
						acc[c] *= alpha
					}

					for c, x := range row {
						e := exp32(x - mNew)
						li[r] += e
						axpy(acc, v[(j0+c)*d:(j0+c+1)*d], e)
					}

					mi[r] = mNew
				}
			}

			for r := range block {
				inv := 1 / li[r]
				acc := oBlock[r*d : (r+1)*d]

				for c := range acc {
					acc[c] *= inv
				}
			}
		}
	}
}
