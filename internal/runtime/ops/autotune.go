package ops

import (
	"errors"
	"math"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/example/go-attnbench/internal/runtime/tensor"
)

// Shape keys cached tunings.
type Shape struct {
	Batch    int
	Heads    int
	QueryLen int
	KVLen    int
	HeadDim  int
}

type Tuned struct {
	Cfg   Tuning
	Score float64
}

// Autotuner caches the best Tuning per Shape. Scores are higher-is-better.
type Autotuner struct {
	mu    sync.RWMutex
	cache map[Shape]Tuned
}

func NewAutotuner() *Autotuner {
	return &Autotuner{cache: make(map[Shape]Tuned)}
}

// Config returns the cached tuning for shape, or scores base and its
// candidates with run and caches the winner.
func (t *Autotuner) Config(shape Shape, base Tuning, run func(cfg Tuning) float64) Tuning {
	t.mu.RLock()
	if tuned, ok := t.cache[shape]; ok {
		t.mu.RUnlock()
		return tuned.Cfg
	}
	t.mu.RUnlock()

	bestCfg := base
	bestScore := run(base)

	for _, cfg := range candidateTunings(base) {
		if cfg == base {
			continue
		}

		if score := run(cfg); score > bestScore {
			bestCfg = cfg
			bestScore = score
		}
	}

	t.mu.Lock()
	t.cache[shape] = Tuned{Cfg: bestCfg, Score: bestScore}
	t.mu.Unlock()

	return bestCfg
}

// Lookup reports the cached tuning for shape.
func (t *Autotuner) Lookup(shape Shape) (Tuned, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	tuned, ok := t.cache[shape]

	return tuned, ok
}

const maxBlock = 256

func candidateTunings(base Tuning) []Tuning {
	var out []Tuning

	add := func(cfg Tuning) {
		if !slices.Contains(out, cfg) {
			out = append(out, cfg)
		}
	}

	maxWorkers := runtime.NumCPU()

	for _, w := range []int{base.Workers, base.Workers / 2, base.Workers * 2, maxWorkers} {
		if w <= 0 {
			continue
		}

		cfg := base
		cfg.Workers = min(w, maxWorkers)
		add(cfg)
	}

	if base.Block <= 0 {
		return out
	}

	for _, b := range []int{base.Block / 2, base.Block * 2, 32} {
		if b <= 0 {
			continue
		}

		cfg := base
		cfg.Block = min(b, maxBlock)
		add(cfg)
	}

	return out
}

// Specialized binds a kernel to an autotuner. The first call for a given
// problem shape times the kernel under every candidate tuning; later calls
// reuse the winner.
type Specialized struct {
	kernel Kernel
	base   Tuning
	tuner  *Autotuner
	now    func() time.Time
}

// Specialize validates base and returns a tuned wrapper around k.
func Specialize(k Kernel, base Tuning) (*Specialized, error) {
	if k == nil {
		return nil, errors.New("ops: specialize requires a kernel")
	}

	if base.Workers <= 0 {
		return nil, errors.New("ops: specialize requires a positive worker count")
	}

	return &Specialized{kernel: k, base: base, tuner: NewAutotuner(), now: time.Now}, nil
}

// Run executes p with the tuning cached for its shape.
func (s *Specialized) Run(mem Allocator, p Problem) (*tensor.Half, error) {
	g, err := p.geometry()
	if err != nil {
		return nil, err
	}

	mem = allocatorOrNop(mem)
	shape := Shape{Batch: g.q.Batch, Heads: g.q.Heads, QueryLen: g.q.Seq, KVLen: g.kv.Seq, HeadDim: g.q.HeadDim}

	cfg := s.tuner.Config(shape, s.base, func(cfg Tuning) float64 {
		start := s.now()

		out, err := s.kernel(mem, p, cfg)
		if err != nil {
			return math.Inf(-1)
		}

		mem.Release(out.Bytes())

		return 1 / max(s.now().Sub(start).Seconds(), 1e-9)
	})

	return s.kernel(mem, p, cfg)
}

// Tuner exposes the autotuner cache.
func (s *Specialized) Tuner() *Autotuner {
	return s.tuner
}
