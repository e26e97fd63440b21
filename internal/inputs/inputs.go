// Package inputs generates the random query/key/value tensors for a
// configuration, once per layout the registry needs.
package inputs

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/example/go-attnbench/internal/device"
	"github.com/example/go-attnbench/internal/matrix"
	"github.com/example/go-attnbench/internal/runtime/tensor"
)

// ErrUnsupportedDType is returned for any dtype other than float16.
var ErrUnsupportedDType = errors.New("inputs: unsupported dtype")

// Triple is a query/key/value set in one layout. Its device bytes stay
// acquired until Release.
type Triple struct {
	Layout  tensor.Layout
	Q, K, V *tensor.Half

	mem      *device.Memory
	bytes    int64
	released bool
}

// Release returns the triple's device bytes. It is safe to call twice.
func (t *Triple) Release() {
	if t == nil || t.released {
		return
	}

	t.released = true
	if t.mem != nil {
		t.mem.Release(t.bytes)
	}
}

// Bytes is the device footprint of the triple.
func (t *Triple) Bytes() int64 {
	return t.bytes
}

// Shape fixes the per-head geometry shared by every configuration.
type Shape struct {
	Heads   int
	HeadDim int
}

func checkRequest(cfg matrix.Configuration, s Shape, dtype tensor.DType) error {
	if cfg.Batch <= 0 || cfg.QueryLen <= 0 || cfg.KV() <= 0 || s.Heads <= 0 || s.HeadDim <= 0 {
		return fmt.Errorf("inputs: sizes must be positive (batch=%d query_len=%d kv_len=%d heads=%d head_dim=%d)",
			cfg.Batch, cfg.QueryLen, cfg.KV(), s.Heads, s.HeadDim)
	}

	if dtype != tensor.Float16 {
		return fmt.Errorf("%w: %s", ErrUnsupportedDType, dtype)
	}

	return nil
}

// Generate samples a standard-normal triple for cfg directly in layout.
func Generate(mem *device.Memory, cfg matrix.Configuration, s Shape, layout tensor.Layout, dtype tensor.DType, rng *rand.Rand) (*Triple, error) {
	if err := checkRequest(cfg, s, dtype); err != nil {
		return nil, err
	}

	q, err := sample(rng, layout.Shape(cfg.Batch, cfg.QueryLen, s.Heads, s.HeadDim))
	if err != nil {
		return nil, err
	}

	k, err := sample(rng, layout.Shape(cfg.Batch, cfg.KV(), s.Heads, s.HeadDim))
	if err != nil {
		return nil, err
	}

	v, err := sample(rng, layout.Shape(cfg.Batch, cfg.KV(), s.Heads, s.HeadDim))
	if err != nil {
		return nil, err
	}

	return place(mem, layout, q, k, v)
}

func sample(rng *rand.Rand, shape []int64) (*tensor.Half, error) {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}

	vals := make([]float32, n)
	for i := range vals {
		vals[i] = float32(rng.NormFloat64())
	}

	return tensor.HalfFromFloat32(vals, shape)
}

func place(mem *device.Memory, layout tensor.Layout, q, k, v *tensor.Half) (*Triple, error) {
	t := &Triple{Layout: layout, Q: q, K: k, V: v, mem: mem}
	t.bytes = q.Bytes() + k.Bytes() + v.Bytes()

	if mem != nil {
		if err := mem.Acquire(t.bytes); err != nil {
			return nil, fmt.Errorf("inputs: %w", err)
		}
	}

	return t, nil
}

// Set holds one triple per layout for a single configuration.
type Set struct {
	byLayout map[tensor.Layout]*Triple
}

// For returns the triple for layout.
func (s *Set) For(layout tensor.Layout) (*Triple, bool) {
	t, ok := s.byLayout[layout]
	return t, ok
}

// Release returns the device bytes of every triple.
func (s *Set) Release() {
	for _, t := range s.byLayout {
		t.Release()
	}
}

// Factory produces reproducible inputs from a seeded PCG stream.
type Factory struct {
	shape Shape
	dtype tensor.DType
	mem   *device.Memory
	rng   *rand.Rand
}

// NewFactory seeds a factory. Equal seeds produce equal inputs for the same
// sequence of configurations.
func NewFactory(mem *device.Memory, s Shape, dtype tensor.DType, seed uint64) *Factory {
	return &Factory{
		shape: s,
		dtype: dtype,
		mem:   mem,
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (f *Factory) Shape() Shape { return f.shape }

// Generate builds inputs for cfg in each requested layout. Samples are drawn
// once in BSHD; a BHSD triple is the transposed contiguous copy of the same
// values.
func (f *Factory) Generate(cfg matrix.Configuration, layouts ...tensor.Layout) (*Set, error) {
	if err := checkRequest(cfg, f.shape, f.dtype); err != nil {
		return nil, err
	}

	base, err := Generate(nil, cfg, f.shape, tensor.LayoutBSHD, f.dtype, f.rng)
	if err != nil {
		return nil, err
	}

	set := &Set{byLayout: make(map[tensor.Layout]*Triple, len(layouts))}

	for _, l := range layouts {
		if _, ok := set.byLayout[l]; ok {
			continue
		}

		q, k, v := base.Q, base.K, base.V

		if l == tensor.LayoutBHSD {
			if q, k, v, err = transpose(base); err != nil {
				set.Release()
				return nil, err
			}
		}

		t, err := place(f.mem, l, q, k, v)
		if err != nil {
			set.Release()
			return nil, err
		}

		set.byLayout[l] = t
	}

	return set, nil
}

func transpose(t *Triple) (q, k, v *tensor.Half, err error) {
	if q, err = t.Q.Transpose(1, 2); err != nil {
		return nil, nil, nil, fmt.Errorf("inputs: transpose q: %w", err)
	}

	if k, err = t.K.Transpose(1, 2); err != nil {
		return nil, nil, nil, fmt.Errorf("inputs: transpose k: %w", err)
	}

	if v, err = t.V.Transpose(1, 2); err != nil {
		return nil, nil, nil, fmt.Errorf("inputs: transpose v: %w", err)
	}

	return q, k, v, nil
}
