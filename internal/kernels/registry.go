// Package kernels builds the ordered set of attention implementations a run
// benchmarks, filtered by what the probed host supports.
package kernels

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"

	"github.com/example/go-attnbench/internal/onnx"
	"github.com/example/go-attnbench/internal/probe"
	"github.com/example/go-attnbench/internal/runtime/ops"
	"github.com/example/go-attnbench/internal/runtime/tensor"
)

// Registered implementation names, in execution order.
const (
	FlashTiled        = "Flash (tiled)"
	FlashBlocked      = "Flash (blocked, strict)"
	MemoryEfficient   = "Memory-efficient (chunked)"
	ORTFused          = "ONNX Runtime (fused)"
	SDPAFused         = "SDPA (fused)"
	ManualNaive       = "Manual (naive)"
	SDPASpecialized   = "SDPA (specialized)"
	ManualSpecialized = "Manual (specialized)"
)

const defaultBlockSize = 64

// Op runs one attention invocation. The returned tensor's bytes are held in
// mem until the caller releases them.
type Op func(mem ops.Allocator, p ops.Problem) (*tensor.Half, error)

// Entry is one registered implementation.
type Entry struct {
	Name     string
	Layout   tensor.Layout
	Requires []probe.Capability

	op   Op
	lazy *lazyKernel
}

// NewEntry wraps op as an entry that needs the given capabilities.
func NewEntry(name string, layout tensor.Layout, op Op, requires ...probe.Capability) *Entry {
	return &Entry{Name: name, Layout: layout, Requires: requires, op: op}
}

// newLazyEntry registers an entry whose op is built on first invocation.
func newLazyEntry(name string, layout tensor.Layout, build func() (Op, error), requires ...probe.Capability) *Entry {
	return &Entry{Name: name, Layout: layout, Requires: requires, lazy: &lazyKernel{build: build}}
}

// Invoke runs the entry on q, k and v, which must be in the entry's layout.
func (e *Entry) Invoke(mem ops.Allocator, q, k, v *tensor.Half) (*tensor.Half, error) {
	op := e.op

	if e.lazy != nil {
		var err error

		op, err = e.lazy.get()
		if err != nil {
			return nil, err
		}
	}

	if op == nil {
		return nil, fmt.Errorf("kernels: %s has no operation", e.Name)
	}

	return op(mem, ops.Problem{Layout: e.Layout, Q: q, K: k, V: v})
}

// lazyKernel builds an op at most once. A build error is kept and returned
// on every later call.
type lazyKernel struct {
	once  sync.Once
	build func() (Op, error)
	op    Op
	err   error
}

func (l *lazyKernel) get() (Op, error) {
	l.once.Do(func() {
		l.op, l.err = l.build()
		if l.err == nil && l.op == nil {
			l.err = errors.New("kernels: build returned no operation")
		}
	})

	return l.op, l.err
}

// Options tunes the registered kernels.
type Options struct {
	// BlockSize is the tile/chunk length for blocked kernels (default 64).
	BlockSize int
	// Workers bounds intra-op parallelism (0 = runtime.NumCPU()).
	Workers int
	// ORT configures the ONNX Runtime session, opened on first use.
	ORT onnx.RunnerConfig
}

// ortKernel is the part of onnx.Attention the registry uses.
type ortKernel interface {
	Run(mem ops.Allocator, p ops.Problem) (*tensor.Half, error)
	Close()
}

var newORT = func(cfg onnx.RunnerConfig) (ortKernel, error) {
	return onnx.NewAttention(cfg)
}

// Registry is the ordered, immutable list of available entries.
type Registry struct {
	entries []*Entry

	mu      sync.Mutex
	closers []func()
}

// New returns a registry holding entries in the given order.
func New(entries ...*Entry) *Registry {
	return &Registry{entries: entries}
}

// Build decides registry membership once from the probe report. Entries
// whose capabilities are missing are omitted.
func Build(report probe.Report, opts Options) *Registry {
	if opts.BlockSize <= 0 {
		opts.BlockSize = defaultBlockSize
	}

	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}

	r := &Registry{}

	blocked := ops.Tuning{Block: opts.BlockSize, Workers: opts.Workers}
	fused := ops.Tuning{Workers: opts.Workers}

	candidates := []*Entry{
		NewEntry(FlashTiled, tensor.LayoutBSHD, bind(ops.FlashTiled, blocked), probe.FMA),
		NewEntry(FlashBlocked, tensor.LayoutBSHD, bind(ops.FlashBlocked, blocked), probe.FMA, probe.Multicore),
		NewEntry(MemoryEfficient, tensor.LayoutBSHD, bind(ops.Chunked, blocked), probe.Multicore),
		newLazyEntry(ORTFused, tensor.LayoutBHSD, r.openORT(opts.ORT), probe.ONNXRuntime),
		NewEntry(SDPAFused, tensor.LayoutBHSD, bind(ops.SDPA, fused)),
		NewEntry(ManualNaive, tensor.LayoutBHSD, bind(ops.Naive, ops.Tuning{})),
		newLazyEntry(SDPASpecialized, tensor.LayoutBHSD, specialize(ops.SDPA, fused), probe.Specialize),
		newLazyEntry(ManualSpecialized, tensor.LayoutBHSD, specialize(ops.HeadMaterialized, fused), probe.Specialize),
	}

	for _, e := range candidates {
		if missing := report.Missing(e.Requires); len(missing) > 0 {
			slog.Debug("kernel unavailable", "kernel", e.Name, "missing", missing)
			continue
		}

		r.entries = append(r.entries, e)
	}

	return r
}

func bind(k ops.Kernel, t ops.Tuning) Op {
	return func(mem ops.Allocator, p ops.Problem) (*tensor.Half, error) {
		return k(mem, p, t)
	}
}

func specialize(k ops.Kernel, base ops.Tuning) func() (Op, error) {
	return func() (Op, error) {
		s, err := ops.Specialize(k, base)
		if err != nil {
			return nil, err
		}

		return s.Run, nil
	}
}

func (r *Registry) openORT(cfg onnx.RunnerConfig) func() (Op, error) {
	return func() (Op, error) {
		a, err := newORT(cfg)
		if err != nil {
			return nil, fmt.Errorf("kernels: open onnx runtime session: %w", err)
		}

		r.mu.Lock()
		r.closers = append(r.closers, a.Close)
		r.mu.Unlock()

		return a.Run, nil
	}
}

// Available returns the entries in execution order.
func (r *Registry) Available() []*Entry {
	return append([]*Entry(nil), r.entries...)
}

// Len returns the number of entries.
func (r *Registry) Len() int { return len(r.entries) }

// Layouts returns the distinct layouts the entries need, in first-use order.
func (r *Registry) Layouts() []tensor.Layout {
	var out []tensor.Layout

	seen := map[tensor.Layout]bool{}

	for _, e := range r.entries {
		if !seen[e.Layout] {
			seen[e.Layout] = true
			out = append(out, e.Layout)
		}
	}

	return out
}

// Names returns the entry names in execution order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Name
	}

	return out
}

// Close releases sessions opened by lazily built entries.
func (r *Registry) Close() {
	r.mu.Lock()
	closers := r.closers
	r.closers = nil
	r.mu.Unlock()

	for _, c := range closers {
		c()
	}
}

// Select returns a registry holding only the named entries, in registry
// order. Sessions stay owned by r, so callers still close r.
func (r *Registry) Select(names []string) (*Registry, error) {
	if len(names) == 0 {
		return r, nil
	}

	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	var out []*Entry

	for _, e := range r.entries {
		if want[e.Name] {
			out = append(out, e)
			delete(want, e.Name)
		}
	}

	for _, n := range names {
		if want[n] {
			return nil, fmt.Errorf("kernels: %q is not available (have %s)", n, strings.Join(r.Names(), ", "))
		}
	}

	return New(out...), nil
}
