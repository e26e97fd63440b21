package ops

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/x448/float16"
	"golang.org/x/sync/errgroup"

	"github.com/example/go-attnbench/internal/runtime/tensor"
)

// Allocator accounts for the device bytes a kernel holds while it runs.
type Allocator interface {
	Acquire(n int64) error
	Release(n int64)
}

type nopAllocator struct{}

func (nopAllocator) Acquire(int64) error { return nil }
func (nopAllocator) Release(int64)       {}

func allocatorOrNop(mem Allocator) Allocator {
	if mem == nil {
		return nopAllocator{}
	}

	return mem
}

// Problem is one attention call: q, k and v share a layout, batch, heads and
// head_dim; k and v share a sequence length.
type Problem struct {
	Layout  tensor.Layout
	Q, K, V *tensor.Half
}

// Tuning holds the knobs a kernel exposes to the autotuner. Kernels ignore
// knobs they do not use.
type Tuning struct {
	Block   int
	Workers int
}

// Kernel computes attention for p and returns the output in p's layout. The
// output's bytes stay acquired from mem; the caller releases them.
type Kernel func(mem Allocator, p Problem, t Tuning) (*tensor.Half, error)

type geometry struct {
	layout tensor.Layout
	q      tensor.Dims
	kv     tensor.Dims
}

func (p Problem) geometry() (geometry, error) {
	if p.Q == nil || p.K == nil || p.V == nil {
		return geometry{}, errors.New("ops: attention requires non-nil q/k/v")
	}

	qd, err := p.Layout.Dims(p.Q.Shape())
	if err != nil {
		return geometry{}, fmt.Errorf("ops: query: %w", err)
	}

	kd, err := p.Layout.Dims(p.K.Shape())
	if err != nil {
		return geometry{}, fmt.Errorf("ops: key: %w", err)
	}

	vd, err := p.Layout.Dims(p.V.Shape())
	if err != nil {
		return geometry{}, fmt.Errorf("ops: value: %w", err)
	}

	if kd != vd {
		return geometry{}, fmt.Errorf("ops: key/value shape mismatch %v vs %v", p.K.Shape(), p.V.Shape())
	}

	if qd.Batch != kd.Batch || qd.Heads != kd.Heads || qd.HeadDim != kd.HeadDim {
		return geometry{}, fmt.Errorf("ops: query shape %v incompatible with key shape %v", p.Q.Shape(), p.K.Shape())
	}

	if qd.Batch <= 0 || qd.Heads <= 0 || qd.HeadDim <= 0 || qd.Seq <= 0 || kd.Seq <= 0 {
		return geometry{}, fmt.Errorf("ops: empty attention problem q=%v k=%v", p.Q.Shape(), p.K.Shape())
	}

	return geometry{layout: p.Layout, q: qd, kv: kd}, nil
}

// headFunc computes attention for one (batch, head) slice. q and out hold
// sq*d values, k and v hold skv*d values. ws is per-goroutine scratch.
type headFunc func(ws, q, k, v, out []float32, sq, skv, d int)

// runHeads drives fn over every (batch, head) pair of p. Inputs are widened
// one head at a time and results rounded into a new output tensor.
func runHeads(mem Allocator, p Problem, g geometry, workers, wsLen int, fn headFunc) (out *tensor.Half, err error) {
	mem = allocatorOrNop(mem)

	out, err = tensor.HalfZeros(p.Q.Shape())
	if err != nil {
		return nil, err
	}

	outBytes := out.Bytes()
	if err := mem.Acquire(outBytes); err != nil {
		return nil, err
	}

	defer func() {
		if err != nil {
			mem.Release(outBytes)
		}
	}()

	sq, skv, d := g.q.Seq, g.kv.Seq, g.q.HeadDim
	pairs := g.q.Batch * g.q.Heads
	workers = max(1, min(workers, pairs))
	perWorker := 2*sq*d + 2*skv*d + wsLen

	held := int64(workers) * int64(perWorker) * 4
	if err := mem.Acquire(held); err != nil {
		return nil, err
	}
	defer mem.Release(held)

	var (
		next atomic.Int64
		eg   errgroup.Group
	)

	qsrc, ksrc, vsrc, dst := p.Q.RawData(), p.K.RawData(), p.V.RawData(), out.RawData()

	for range workers {
		eg.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("ops: attention worker panic: %v", r)
				}
			}()

			buf := make([]float32, perWorker)
			qh, rest := buf[:sq*d], buf[sq*d:]
			kh, rest := rest[:skv*d], rest[skv*d:]
			vh, rest := rest[:skv*d], rest[skv*d:]
			oh, ws := rest[:sq*d], rest[sq*d:]

			for {
				i := int(next.Add(1) - 1)
				if i >= pairs {
					return nil
				}

				b, h := i/g.q.Heads, i%g.q.Heads
				gatherHead(qh, qsrc, g.layout, g.q, b, h)
				gatherHead(kh, ksrc, g.layout, g.kv, b, h)
				gatherHead(vh, vsrc, g.layout, g.kv, b, h)
				fn(ws, qh, kh, vh, oh, sq, skv, d)
				scatterHead(dst, oh, g.layout, g.q, b, h)
			}
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return out, nil
}

func gatherHead(dst []float32, src []float16.Float16, l tensor.Layout, d tensor.Dims, b, h int) {
	for s := range d.Seq {
		off := l.Offset(d, b, s, h)
		tensor.WidenInto(dst[s*d.HeadDim:(s+1)*d.HeadDim], src[off:off+d.HeadDim])
	}
}

func scatterHead(dst []float16.Float16, src []float32, l tensor.Layout, d tensor.Dims, b, h int) {
	for s := range d.Seq {
		off := l.Offset(d, b, s, h)
		row := src[s*d.HeadDim : (s+1)*d.HeadDim]

		for i, v := range row {
			dst[off+i] = float16.Fromfloat32(v)
		}
	}
}

func softmaxScale(d int) float32 {
	return float32(1 / math.Sqrt(float64(d)))
}

// axpy computes dst += a*x.
func axpy(dst, x []float32, a float32) {
	for i, v := range x {
		dst[i] += a * v
	}
}

func exp32(x float32) float32 {
	return float32(math.Exp(float64(x)))
}
