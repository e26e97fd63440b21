package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/example/go-attnbench/internal/bench"
	"github.com/example/go-attnbench/internal/blobs"
	"github.com/example/go-attnbench/internal/config"
	"github.com/example/go-attnbench/internal/device"
	"github.com/example/go-attnbench/internal/harness"
	"github.com/example/go-attnbench/internal/inputs"
	"github.com/example/go-attnbench/internal/kernels"
	"github.com/example/go-attnbench/internal/matrix"
	"github.com/example/go-attnbench/internal/onnx"
	"github.com/example/go-attnbench/internal/probe"
	"github.com/example/go-attnbench/internal/runtime/tensor"
	"github.com/example/go-attnbench/internal/store"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// newBlobstore is replaced in tests.
var newBlobstore = func(url string) (blobs.Blobstore, error) {
	return blobs.NewGCS(url)
}

// runFilter narrows a run to some implementations and configurations.
type runFilter struct {
	kernels []string
	configs []string
}

func (f *runFilter) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.kernels, "only", nil, "Benchmark only the named implementations")
	cmd.Flags().StringSliceVar(&f.configs, "configs", nil, "Run only the named configurations")
}

func newRunCmd() *cobra.Command {
	var filter runFilter

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Benchmark every available implementation on every configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			return runBenchmark(cmd.Context(), cfg, filter, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	filter.register(cmd)

	return cmd
}

// runBenchmark probes the host, benchmarks the registry across the matrix
// and writes the summary. An interrupt stops the run after the current
// configuration; the partial results are still reported.
func runBenchmark(ctx context.Context, cfg config.Config, filter runFilter, stdout, stderr io.Writer) error {
	format := strings.ToLower(cfg.Output.Format)

	// Keep stdout clean for the JSON document.
	progress := stdout
	if format == config.FormatJSON {
		progress = stderr
	}

	report, err := probe.Detect(probeConfig(cfg))
	if err != nil {
		return err
	}

	m, err := loadMatrix(cfg)
	if err != nil {
		return err
	}

	if m, err = m.Select(filter.configs); err != nil {
		return err
	}

	dtype, err := tensor.ParseDType(cfg.Bench.DType)
	if err != nil {
		return err
	}

	workers := cfg.Device.Workers
	if workers <= 0 {
		workers = report.NumCPU
	}

	tensor.SetWorkers(workers)

	mem := device.NewMemory(memoryLimit(cfg.Device.MemoryLimitGB))

	dev := device.New(report.Device, mem)
	defer func() { _ = dev.Close() }()

	all := kernels.Build(report, kernels.Options{
		BlockSize: cfg.Kernels.BlockSize,
		Workers:   workers,
		ORT:       ortConfig(cfg, report),
	})
	defer all.Close()

	reg, err := all.Select(filter.kernels)
	if err != nil {
		return err
	}

	if reg.Len() == 0 {
		return errors.New("no attention implementations available on this host")
	}

	probe.Print(report, progress)
	_, _ = fmt.Fprintf(progress, "implementations: %s\n", strings.Join(reg.Names(), ", "))
	_, _ = fmt.Fprintf(progress, "warmup: %d, iterations: %d, seed: %d\n",
		cfg.Bench.Warmup, cfg.Bench.Iterations, cfg.Bench.Seed)

	runID := uuid.NewString()
	sinks := []harness.Sink{consoleSink{w: progress, heads: cfg.Bench.Heads, headDim: cfg.Bench.HeadDim}}

	var rec *store.Recorder

	if cfg.Output.DBPath != "" {
		st, err := store.Open(ctx, cfg.Output.DBPath)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		run, err := st.BeginRun(ctx, store.Run{
			ID:      runID,
			Device:  report.Device.Name,
			Runtime: report.Runtime,
			Heads:   cfg.Bench.Heads,
			HeadDim: cfg.Bench.HeadDim,
			Seed:    cfg.Bench.Seed,
			DType:   dtype.String(),
		})
		if err != nil {
			return err
		}

		rec = st.Recorder(ctx, run.ID)
		sinks = append(sinks, rec)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	suite := &harness.Suite{
		Device:   dev,
		Registry: reg,
		Factory:  inputs.NewFactory(mem, inputs.Shape{Heads: cfg.Bench.Heads, HeadDim: cfg.Bench.HeadDim}, dtype, cfg.Bench.Seed),
		Options:  harness.Options{Warmup: cfg.Bench.Warmup, Iterations: cfg.Bench.Iterations},
		Sink:     harness.MultiSink(sinks...),
	}

	outcomes, runErr := suite.Run(ctx, m)
	if runErr != nil {
		_, _ = fmt.Fprintf(progress, "\ninterrupted: reporting %d completed outcomes\n", len(outcomes))
	}

	summary := bench.Aggregate(outcomes)

	_, _ = fmt.Fprintln(progress)

	if err := writeSummary(stdout, format, outcomes, summary); err != nil {
		return err
	}

	// Reporting finishes even when the run was interrupted.
	ctx = context.WithoutCancel(ctx)

	if cfg.Output.Path != "" {
		if err := writeReportFile(cfg.Output.Path, outcomes, summary); err != nil {
			return err
		}

		_, _ = fmt.Fprintf(progress, "report written to %s\n", cfg.Output.Path)
	}

	if cfg.Output.UploadURL != "" {
		url, err := uploadReport(ctx, cfg.Output.UploadURL, runID, outcomes, summary)
		if err != nil {
			return err
		}

		_, _ = fmt.Fprintf(progress, "report uploaded to %s\n", url)
	}

	if rec != nil {
		if err := rec.Err(); err != nil {
			slog.Warn("run history is incomplete", "run", runID, "error", err)
		} else {
			_, _ = fmt.Fprintf(progress, "run %s recorded in %s\n", runID, cfg.Output.DBPath)
		}
	}

	if runErr != nil {
		return fmt.Errorf("benchmark interrupted after %d outcomes: %w", len(outcomes), runErr)
	}

	return nil
}

func probeConfig(cfg config.Config) probe.Config {
	pc := probe.DefaultConfig()
	pc.DeviceKind = cfg.Device.Kind
	pc.Disabled = cfg.Kernels.Disable
	pc.Specialize = cfg.Kernels.Specialize
	pc.ORTModelPath = cfg.Kernels.ORTModelPath
	pc.ORTVersion = func() (string, error) {
		return onnx.Probe(cfg.Kernels)
	}

	return pc
}

func ortConfig(cfg config.Config, report probe.Report) onnx.RunnerConfig {
	rc := onnx.RunnerConfig{
		Name:       "attention",
		APIVersion: onnx.DefaultAPIVersion,
		ModelPath:  cfg.Kernels.ORTModelPath,
	}

	if !report.Has(probe.ONNXRuntime) {
		return rc
	}

	if info, err := onnx.DetectRuntime(cfg.Kernels); err == nil {
		rc.LibraryPath = info.LibraryPath
	}

	return rc
}

func loadMatrix(cfg config.Config) (*matrix.Matrix, error) {
	if cfg.Bench.MatrixFile == "" {
		return matrix.Default(), nil
	}

	return matrix.LoadFile(cfg.Bench.MatrixFile)
}

func memoryLimit(gb float64) int64 {
	if gb <= 0 {
		return 0
	}

	return int64(gb * (1 << 30))
}

func writeSummary(w io.Writer, format string, outcomes []bench.Outcome, s bench.Summary) error {
	switch format {
	case config.FormatJSON:
		return bench.FormatJSON(outcomes, s, w)
	case config.FormatPlain:
		bench.FormatTable(s, w)
	default:
		bench.Render(s, w)
	}

	return nil
}

func writeReportFile(path string, outcomes []bench.Outcome, s bench.Summary) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create report dir: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}

	if err := bench.FormatJSON(outcomes, s, f); err != nil {
		_ = f.Close()
		return fmt.Errorf("write report: %w", err)
	}

	return f.Close()
}

func uploadReport(ctx context.Context, url, runID string, outcomes []bench.Outcome, s bench.Summary) (string, error) {
	bs, err := newBlobstore(url)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := bench.FormatJSON(outcomes, s, &buf); err != nil {
		return "", err
	}

	return bs.Upload(ctx, &buf, "attnbench-"+runID+".json")
}

// consoleSink prints the per-configuration banner and one line per outcome.
type consoleSink struct {
	w       io.Writer
	heads   int
	headDim int
}

func (c consoleSink) BeginConfig(cfg matrix.Configuration) {
	bench.WriteBanner(c.w, cfg, c.heads, c.headDim)
}

func (c consoleSink) Outcome(o bench.Outcome) {
	bench.WriteProgress(c.w, o)
}
