// Package harness times registered attention kernels on a device queue.
package harness

import (
	"context"
	"fmt"
	"time"

	"github.com/example/go-attnbench/internal/bench"
	"github.com/example/go-attnbench/internal/bench/stageprof"
	"github.com/example/go-attnbench/internal/device"
	"github.com/example/go-attnbench/internal/inputs"
	"github.com/example/go-attnbench/internal/kernels"
	"github.com/example/go-attnbench/internal/matrix"
)

const (
	DefaultWarmup     = 3
	DefaultIterations = 10
)

// Options controls one timed run.
type Options struct {
	Warmup     int
	Iterations int
	// Now is the host clock read around the timed loop (default time.Now).
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Warmup < 0 {
		o.Warmup = DefaultWarmup
	}

	if o.Iterations <= 0 {
		o.Iterations = DefaultIterations
	}

	if o.Now == nil {
		o.Now = time.Now
	}

	return o
}

// DefaultOptions returns 3 warmup and 10 timed iterations.
func DefaultOptions() Options {
	return Options{Warmup: DefaultWarmup, Iterations: DefaultIterations, Now: time.Now}
}

// Run benchmarks entry on one configuration's inputs. It always returns an
// Outcome: errors and panics raised by the kernel become a failed Outcome.
//
// Barriers ignore ctx cancellation so a started run always completes.
func Run(ctx context.Context, dev *device.Device, e *kernels.Entry, cfg matrix.Configuration, in *inputs.Triple, opts Options) bench.Outcome {
	opts = opts.withDefaults()
	out := bench.NewOutcome(e.Name, cfg)

	if in == nil {
		return out.Fail(fmt.Errorf("harness: no %s inputs for %s", e.Layout, e.Name))
	}

	ctx = context.WithoutCancel(ctx)
	labels := stageprof.Labels{Kernel: e.Name, Config: cfg.Name}

	var err error

	stageprof.Do(ctx, labels, stageprof.Warmup, func(ctx context.Context) {
		err = warmup(ctx, dev, e, in, opts.Warmup)
	})

	if err != nil {
		return out.Fail(err)
	}

	var elapsed time.Duration

	stageprof.Do(ctx, labels, stageprof.Timed, func(ctx context.Context) {
		elapsed, err = timed(ctx, dev, e, in, opts)
	})

	if err != nil {
		return out.Fail(err)
	}

	return out.Succeed(elapsed, opts.Iterations, dev.Memory().Peak())
}

// invocation returns a queued call of e whose output bytes are released as
// soon as it retires.
func invocation(ctx context.Context, mem *device.Memory, e *kernels.Entry, in *inputs.Triple) func() error {
	return stageprof.Bind(ctx, func() error {
		o, err := e.Invoke(mem, in.Q, in.K, in.V)
		if err != nil {
			return err
		}

		if o != nil {
			mem.Release(o.Bytes())
		}

		return nil
	})
}

func warmup(ctx context.Context, dev *device.Device, e *kernels.Entry, in *inputs.Triple, n int) error {
	dev.Memory().ResetPeak()

	if err := dev.Synchronize(ctx); err != nil {
		return err
	}

	call := invocation(ctx, dev.Memory(), e, in)

	for range n {
		if err := dev.Launch(call); err != nil {
			return err
		}
	}

	return dev.Synchronize(ctx)
}

func timed(ctx context.Context, dev *device.Device, e *kernels.Entry, in *inputs.Triple, opts Options) (time.Duration, error) {
	dev.Memory().ResetPeak()

	if err := dev.Synchronize(ctx); err != nil {
		return 0, err
	}

	call := invocation(ctx, dev.Memory(), e, in)
	start := opts.Now()

	for range opts.Iterations {
		if err := dev.Launch(call); err != nil {
			return 0, err
		}
	}

	if err := dev.Synchronize(ctx); err != nil {
		return 0, err
	}

	elapsed := opts.Now().Sub(start)
	if elapsed <= 0 {
		elapsed = time.Nanosecond
	}

	return elapsed, nil
}
