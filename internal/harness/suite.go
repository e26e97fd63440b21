package harness

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/example/go-attnbench/internal/bench"
	"github.com/example/go-attnbench/internal/device"
	"github.com/example/go-attnbench/internal/inputs"
	"github.com/example/go-attnbench/internal/kernels"
	"github.com/example/go-attnbench/internal/matrix"
)

// Sink receives progress as a suite runs.
type Sink interface {
	// BeginConfig is called before any entry runs on cfg.
	BeginConfig(cfg matrix.Configuration)
	// Outcome is called as soon as an outcome exists.
	Outcome(o bench.Outcome)
}

// SinkFunc adapts a function to a Sink that ignores configuration starts.
type SinkFunc func(o bench.Outcome)

func (SinkFunc) BeginConfig(matrix.Configuration) {}

func (f SinkFunc) Outcome(o bench.Outcome) { f(o) }

type multiSink []Sink

func (m multiSink) BeginConfig(cfg matrix.Configuration) {
	for _, s := range m {
		s.BeginConfig(cfg)
	}
}

func (m multiSink) Outcome(o bench.Outcome) {
	for _, s := range m {
		s.Outcome(o)
	}
}

// MultiSink fans progress out to every non-nil sink in order.
func MultiSink(sinks ...Sink) Sink {
	var out multiSink

	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}

	return out
}

// Suite runs every registry entry on every matrix configuration.
type Suite struct {
	Device   *device.Device
	Registry *kernels.Registry
	Factory  *inputs.Factory
	Options  Options
	Sink     Sink
}

// Run iterates m in order. Cancellation is checked only between
// configurations, so the returned outcomes are always a whole-configuration
// prefix; on cancellation they are returned with ctx.Err().
func (s *Suite) Run(ctx context.Context, m *matrix.Matrix) ([]bench.Outcome, error) {
	if s.Device == nil || s.Registry == nil || s.Factory == nil {
		return nil, fmt.Errorf("harness: suite requires a device, registry and factory")
	}

	sink := s.Sink
	if sink == nil {
		sink = multiSink(nil)
	}

	entries := s.Registry.Available()
	layouts := s.Registry.Layouts()
	outcomes := make([]bench.Outcome, 0, m.Len()*len(entries))

	emit := func(o bench.Outcome) {
		outcomes = append(outcomes, o)
		logOutcome(o)
		sink.Outcome(o)
	}

	for _, cfg := range m.Configs() {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}

		sink.BeginConfig(cfg)

		set, err := s.Factory.Generate(cfg, layouts...)
		if err != nil {
			for _, e := range entries {
				emit(bench.NewOutcome(e.Name, cfg).Fail(fmt.Errorf("generate inputs: %w", err)))
			}

			continue
		}

		for _, e := range entries {
			in, _ := set.For(e.Layout)
			emit(Run(ctx, s.Device, e, cfg, in, s.Options))
		}

		set.Release()
	}

	return outcomes, nil
}

func logOutcome(o bench.Outcome) {
	if !o.Success {
		slog.Warn("kernel failed", "kernel", o.Name, "config", o.Config, "error", o.Error)
		return
	}

	slog.Info("kernel timed",
		"kernel", o.Name,
		"config", o.Config,
		"time_ms", o.Time(),
		"tokens_per_sec", o.Tokens(),
		"memory_gb", o.Memory(),
	)
}
