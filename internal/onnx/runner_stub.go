//go:build windows || (js && wasm)

package onnx

import (
	"context"
	"fmt"
	"runtime"

	"github.com/example/go-attnbench/internal/runtime/tensor"
)

// RunnerConfig holds ORT library settings for creating runners.
// Native ORT runners are unavailable on this platform; the struct keeps the
// package API build-compatible.
type RunnerConfig struct {
	Name        string
	LibraryPath string
	APIVersion  uint32
	ModelPath   string
}

// Runner is unavailable on this platform.
type Runner struct {
	name string
}

// NewRunner always returns an error on this platform.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	return nil, fmt.Errorf("native onnx runner is unavailable on %s for graph %q", runtime.GOOS, cfg.Name)
}

// Run always returns an error on this platform.
func (r *Runner) Run(_ context.Context, _ map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	return nil, fmt.Errorf("native onnx runner is unavailable on %s for graph %q", runtime.GOOS, r.name)
}

// Close is a no-op on this platform.
func (r *Runner) Close() {}

func (r *Runner) Name() string {
	return r.name
}

func loadLibrary(path string, _ uint32) error {
	return fmt.Errorf("native onnx runtime is unavailable on %s (%s)", runtime.GOOS, path)
}
