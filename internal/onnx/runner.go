//go:build !windows && !(js && wasm)

package onnx

import (
	"context"
	"errors"
	"fmt"

	ort "github.com/shota3506/onnxruntime-purego/onnxruntime"

	"github.com/example/go-attnbench/internal/runtime/tensor"
)

// RunnerConfig holds ORT library settings for creating runners.
type RunnerConfig struct {
	Name        string
	LibraryPath string
	APIVersion  uint32
	ModelPath   string
}

// Runner wraps an ORT session for a single ONNX graph.
type Runner struct {
	name    string
	runtime *ort.Runtime
	env     *ort.Env
	session *ort.Session
}

// NewRunner creates a runner for a single ONNX graph session.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("onnx: model path is required")
	}

	if cfg.APIVersion == 0 {
		cfg.APIVersion = DefaultAPIVersion
	}

	if cfg.Name == "" {
		cfg.Name = "attention"
	}

	runtime, err := ort.NewRuntime(cfg.LibraryPath, cfg.APIVersion)
	if err != nil {
		return nil, fmt.Errorf("ort runtime for %q: %w", cfg.Name, err)
	}

	env, err := runtime.NewEnv("attnbench-"+cfg.Name, ort.LoggingLevelWarning)
	if err != nil {
		_ = runtime.Close()
		return nil, fmt.Errorf("ort env for %q: %w", cfg.Name, err)
	}

	session, err := runtime.NewSession(env, cfg.ModelPath, nil)
	if err != nil {
		env.Close()
		_ = runtime.Close()

		return nil, fmt.Errorf("ort session for %q (%s): %w", cfg.Name, cfg.ModelPath, err)
	}

	return &Runner{
		name:    cfg.Name,
		runtime: runtime,
		env:     env,
		session: session,
	}, nil
}

// Run executes the ONNX graph with the given named float32 inputs.
func (r *Runner) Run(ctx context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	if r.session == nil {
		return nil, fmt.Errorf("run %q: runner is closed", r.name)
	}

	ortInputs := make(map[string]*ort.Value, len(inputs))
	for name, t := range inputs {
		v, err := ort.NewTensorValue(r.runtime, t.RawData(), t.Shape())
		if err != nil {
			closeORTValues(ortInputs)
			return nil, fmt.Errorf("input %q: %w", name, err)
		}

		ortInputs[name] = v
	}

	defer closeORTValues(ortInputs)

	ortOutputs, err := r.session.Run(ctx, ortInputs)
	if err != nil {
		return nil, fmt.Errorf("run %q: %w", r.name, err)
	}
	defer closeORTValues(ortOutputs)

	results := make(map[string]*tensor.Tensor, len(ortOutputs))
	for name, v := range ortOutputs {
		t, err := ortToTensor(v)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", name, err)
		}

		results[name] = t
	}

	return results, nil
}

// Close releases all ORT resources. Safe to call multiple times.
func (r *Runner) Close() {
	if r.session != nil {
		r.session.Close()
		r.session = nil
	}

	if r.env != nil {
		r.env.Close()
		r.env = nil
	}

	if r.runtime != nil {
		_ = r.runtime.Close()
		r.runtime = nil
	}
}

func (r *Runner) Name() string {
	return r.name
}

func ortToTensor(v *ort.Value) (*tensor.Tensor, error) {
	elemType, err := v.GetTensorElementType()
	if err != nil {
		return nil, fmt.Errorf("get element type: %w", err)
	}

	if elemType != ort.ONNXTensorElementDataTypeFloat {
		return nil, fmt.Errorf("unsupported ORT element type %d", elemType)
	}

	data, shape, err := ort.GetTensorData[float32](v)
	if err != nil {
		return nil, err
	}

	return tensor.New(data, shape)
}

func closeORTValues(vals map[string]*ort.Value) {
	for _, v := range vals {
		if v != nil {
			v.Close()
		}
	}
}

func loadLibrary(path string, apiVersion uint32) error {
	runtime, err := ort.NewRuntime(path, apiVersion)
	if err != nil {
		return fmt.Errorf("load onnx runtime %s: %w", path, err)
	}

	return runtime.Close()
}
