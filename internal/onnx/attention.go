package onnx

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/go-attnbench/internal/runtime/ops"
	"github.com/example/go-attnbench/internal/runtime/tensor"
)

// Graph I/O names the attention model must expose. Inputs are float32
// (batch, heads, seq, head_dim); the output matches the query shape.
const (
	InputQuery  = "q"
	InputKey    = "k"
	InputValue  = "v"
	OutputName  = "out"
	elementSize = 4
)

type graphRunner interface {
	Run(ctx context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error)
	Close()
}

// Attention executes a fused attention graph through ONNX Runtime.
type Attention struct {
	mu     sync.Mutex
	runner graphRunner
}

// NewAttention opens a session on the attention graph.
func NewAttention(cfg RunnerConfig) (*Attention, error) {
	r, err := NewRunner(cfg)
	if err != nil {
		return nil, err
	}

	return &Attention{runner: r}, nil
}

// Run executes p, which must be laid out as BHSD. Inputs are widened to
// float32 for the session and the result is rounded back to float16.
func (a *Attention) Run(mem ops.Allocator, p ops.Problem) (*tensor.Half, error) {
	if p.Layout != tensor.LayoutBHSD {
		return nil, fmt.Errorf("onnx: attention graph requires bhsd inputs, got %s", p.Layout)
	}

	if p.Q == nil || p.K == nil || p.V == nil {
		return nil, fmt.Errorf("onnx: attention requires non-nil q/k/v")
	}

	staged := int64(2*p.Q.ElemCount()+p.K.ElemCount()+p.V.ElemCount()) * elementSize
	if mem != nil {
		if err := mem.Acquire(staged); err != nil {
			return nil, err
		}
		defer mem.Release(staged)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.runner == nil {
		return nil, fmt.Errorf("onnx: attention session is closed")
	}

	outputs, err := a.runner.Run(context.Background(), map[string]*tensor.Tensor{
		InputQuery: p.Q.Float32(),
		InputKey:   p.K.Float32(),
		InputValue: p.V.Float32(),
	})
	if err != nil {
		return nil, fmt.Errorf("onnx: %w", err)
	}

	o, ok := outputs[OutputName]
	if !ok {
		return nil, fmt.Errorf("onnx: graph produced no %q output", OutputName)
	}

	if got, want := o.Shape(), p.Q.Shape(); !sameShape(got, want) {
		return nil, fmt.Errorf("onnx: output shape %v, want %v", got, want)
	}

	out := o.ToHalf()
	if mem != nil {
		if err := mem.Acquire(out.Bytes()); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// Close releases the session. Safe to call multiple times.
func (a *Attention) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.runner != nil {
		a.runner.Close()
		a.runner = nil
	}
}

func sameShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
