// Package stageprof attaches pprof labels to benchmark phases and manages the
// optional CPU profile of a run.
package stageprof

import (
	"context"
	"fmt"
	"os"
	"runtime/pprof"
)

// Phase names a harness stage in profile labels.
type Phase string

const (
	Warmup Phase = "warmup"
	Timed  Phase = "timed"
)

// Labels identifies the kernel and configuration a phase belongs to.
type Labels struct {
	Kernel string
	Config string
}

// Do runs fn with the kernel, config and phase pprof labels applied, so CPU
// samples taken while fn runs can be attributed per implementation.
func Do(ctx context.Context, l Labels, phase Phase, fn func(context.Context)) {
	pprof.Do(ctx, pprof.Labels("kernel", l.Kernel, "config", l.Config, "phase", string(phase)), fn)
}

// Bind returns fn wrapped to run under the pprof labels carried by ctx on
// whichever goroutine executes it. Goroutines fn starts inherit the labels.
func Bind(ctx context.Context, fn func() error) func() error {
	return func() error {
		pprof.SetGoroutineLabels(ctx)
		defer pprof.SetGoroutineLabels(context.Background())

		return fn()
	}
}

// StartCPU starts a CPU profile written to path. The returned stop function
// finishes the profile and closes the file. An empty path is a no-op.
func StartCPU(path string) (stop func() error, err error) {
	if path == "" {
		return func() error { return nil }, nil
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create cpuprofile: %w", err)
	}

	err = pprof.StartCPUProfile(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("start cpuprofile: %w", err)
	}

	return func() error {
		pprof.StopCPUProfile()
		return f.Close()
	}, nil
}
