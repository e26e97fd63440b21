package harness_test

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/go-attnbench/internal/bench"
	"github.com/example/go-attnbench/internal/device"
	"github.com/example/go-attnbench/internal/harness"
	"github.com/example/go-attnbench/internal/inputs"
	"github.com/example/go-attnbench/internal/kernels"
	"github.com/example/go-attnbench/internal/matrix"
	"github.com/example/go-attnbench/internal/runtime/ops"
	"github.com/example/go-attnbench/internal/runtime/tensor"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// fakeClock only moves when a kernel advances it.
type fakeClock struct {
	ns atomic.Int64
}

func (c *fakeClock) Now() time.Time { return time.Unix(0, c.ns.Load()) }

func (c *fakeClock) Advance(d time.Duration) { c.ns.Add(int64(d)) }

func (c *fakeClock) options(warmup, iters int) harness.Options {
	return harness.Options{Warmup: warmup, Iterations: iters, Now: c.Now}
}

// output allocates an output shaped like q, as a real kernel would.
func output(mem ops.Allocator, p ops.Problem) (*tensor.Half, error) {
	out, err := tensor.HalfZeros(p.Q.Shape())
	if err != nil {
		return nil, err
	}

	if err := mem.Acquire(out.Bytes()); err != nil {
		return nil, err
	}

	return out, nil
}

// steady advances the clock by per on every call.
func steady(c *fakeClock, per time.Duration, calls *atomic.Int32) kernels.Op {
	return func(mem ops.Allocator, p ops.Problem) (*tensor.Half, error) {
		if calls != nil {
			calls.Add(1)
		}

		c.Advance(per)

		return output(mem, p)
	}
}

// byKV picks a per-call time from the BHSD key length; missing lengths fail.
func byKV(c *fakeClock, times map[int]time.Duration) kernels.Op {
	return func(mem ops.Allocator, p ops.Problem) (*tensor.Half, error) {
		kv := int(p.K.Shape()[2])

		per, ok := times[kv]
		if !ok {
			return nil, errors.New("unsupported kv length")
		}

		c.Advance(per)

		return output(mem, p)
	}
}

func failing(err error, calls *atomic.Int32) kernels.Op {
	return func(ops.Allocator, ops.Problem) (*tensor.Half, error) {
		if calls != nil {
			calls.Add(1)
		}

		return nil, err
	}
}

func newDevice(t *testing.T, limit int64) *device.Device {
	t.Helper()

	dev := device.New(device.Info{Kind: "cpu", Name: "test"}, device.NewMemory(limit))
	t.Cleanup(func() { _ = dev.Close() })

	return dev
}

func newFactory(dev *device.Device) *inputs.Factory {
	return inputs.NewFactory(dev.Memory(), inputs.Shape{Heads: 1, HeadDim: 2}, tensor.Float16, 0)
}

func triple(t *testing.T, dev *device.Device, cfg matrix.Configuration, layout tensor.Layout) *inputs.Set {
	t.Helper()

	set, err := newFactory(dev).Generate(cfg, layout)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	t.Cleanup(set.Release)

	return set
}

func mustMatrix(t *testing.T, configs ...matrix.Configuration) *matrix.Matrix {
	t.Helper()

	m, err := matrix.New(configs)
	if err != nil {
		t.Fatalf("matrix.New: %v", err)
	}

	return m
}

func approx(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

var (
	prefill2048 = matrix.Configuration{Name: "prefill", Batch: 1, QueryLen: 2048, KVLen: 2048, Scenario: matrix.Prefill}
	gen2048     = matrix.Configuration{Name: "gen-2k", Batch: 4, QueryLen: 1, KVLen: 2048, Scenario: matrix.Generation}
	gen4096     = matrix.Configuration{Name: "gen-4k", Batch: 1, QueryLen: 1, KVLen: 4096, Scenario: matrix.Generation}
)

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func TestRun_SteadyKernelMetrics(t *testing.T) {
	clock := &fakeClock{}
	dev := newDevice(t, 0)
	in, _ := triple(t, dev, gen2048, tensor.LayoutBHSD).For(tensor.LayoutBHSD)

	e := kernels.NewEntry("steady", tensor.LayoutBHSD, steady(clock, 5*time.Millisecond, nil))
	o := harness.Run(context.Background(), dev, e, gen2048, in, clock.options(3, 10))

	if !o.Success {
		t.Fatalf("want success, got error %q", o.Error)
	}

	if !approx(o.Time(), 5.0, 1e-9) {
		t.Errorf("time_ms = %v, want 5", o.Time())
	}

	// 4 sequences x 1 token x 10 iterations in 50ms.
	if !approx(o.Tokens(), 800, 1e-6) {
		t.Errorf("tokens_per_sec = %v, want 800", o.Tokens())
	}

	if o.Batch != 4 || o.QueryLen != 1 || o.KVLen != 2048 || o.Scenario != matrix.Generation {
		t.Errorf("configuration not mirrored: %+v", o)
	}
}

func TestRun_InvocationCounts(t *testing.T) {
	clock := &fakeClock{}
	dev := newDevice(t, 0)
	in, _ := triple(t, dev, gen2048, tensor.LayoutBHSD).For(tensor.LayoutBHSD)

	var calls atomic.Int32

	e := kernels.NewEntry("steady", tensor.LayoutBHSD, steady(clock, time.Millisecond, &calls))
	harness.Run(context.Background(), dev, e, gen2048, in, clock.options(2, 7))

	if got := calls.Load(); got != 9 {
		t.Errorf("calls = %d, want 2 warmup + 7 timed", got)
	}
}

func TestRun_WarmupFailureSkipsTiming(t *testing.T) {
	clock := &fakeClock{}
	dev := newDevice(t, 0)
	in, _ := triple(t, dev, gen2048, tensor.LayoutBHSD).For(tensor.LayoutBHSD)

	var calls atomic.Int32

	e := kernels.NewEntry("broken", tensor.LayoutBHSD, failing(errors.New("unsupported head dim"), &calls))
	o := harness.Run(context.Background(), dev, e, gen2048, in, clock.options(3, 10))

	if o.Success || o.Error != "unsupported head dim" {
		t.Fatalf("want verbatim failure, got %+v", o)
	}

	if o.TimeMS != nil || o.TokensPerSec != nil || o.MemoryGB != nil {
		t.Errorf("failed outcome carries metrics: %+v", o)
	}

	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, work after a failure must be skipped", got)
	}
}

func TestRun_PanicBecomesFailure(t *testing.T) {
	dev := newDevice(t, 0)
	in, _ := triple(t, dev, gen2048, tensor.LayoutBHSD).For(tensor.LayoutBHSD)

	e := kernels.NewEntry("panics", tensor.LayoutBHSD, func(ops.Allocator, ops.Problem) (*tensor.Half, error) {
		panic("index out of range")
	})
	o := harness.Run(context.Background(), dev, e, gen2048, in, harness.DefaultOptions())

	if o.Success || !strings.HasPrefix(o.Error, "panic: ") || !strings.Contains(o.Error, "index out of range") {
		t.Fatalf("want recovered panic, got %+v", o)
	}

	// The device keeps working after a panic.
	ok := kernels.NewEntry("ok", tensor.LayoutBHSD, steady(&fakeClock{}, 0, nil))
	if o := harness.Run(context.Background(), dev, ok, gen2048, in, harness.DefaultOptions()); !o.Success {
		t.Fatalf("device unusable after panic: %s", o.Error)
	}
}

func TestRun_TimingFailure(t *testing.T) {
	clock := &fakeClock{}
	dev := newDevice(t, 0)
	in, _ := triple(t, dev, gen2048, tensor.LayoutBHSD).For(tensor.LayoutBHSD)

	var n atomic.Int32

	e := kernels.NewEntry("flaky", tensor.LayoutBHSD, func(mem ops.Allocator, p ops.Problem) (*tensor.Half, error) {
		if n.Add(1) == 5 {
			return nil, errors.New("device lost")
		}

		clock.Advance(time.Millisecond)

		return output(mem, p)
	})
	o := harness.Run(context.Background(), dev, e, gen2048, in, clock.options(3, 10))

	if o.Success || o.Error != "device lost" {
		t.Fatalf("want timing failure, got %+v", o)
	}
}

func TestRun_ZeroElapsedIsClamped(t *testing.T) {
	dev := newDevice(t, 0)
	in, _ := triple(t, dev, gen2048, tensor.LayoutBHSD).For(tensor.LayoutBHSD)

	frozen := &fakeClock{}
	e := kernels.NewEntry("instant", tensor.LayoutBHSD, steady(frozen, 0, nil))
	o := harness.Run(context.Background(), dev, e, gen2048, in, frozen.options(1, 10))

	if !o.Success || o.Time() <= 0 || math.IsInf(o.Tokens(), 0) {
		t.Fatalf("want positive finite metrics, got %+v", o)
	}
}

func TestRun_PeakMemoryCoversTimedPhase(t *testing.T) {
	const scratch = 1 << 30

	dev := newDevice(t, 0)
	in, _ := triple(t, dev, gen2048, tensor.LayoutBHSD).For(tensor.LayoutBHSD)

	e := kernels.NewEntry("hungry", tensor.LayoutBHSD, func(mem ops.Allocator, p ops.Problem) (*tensor.Half, error) {
		if err := mem.Acquire(scratch); err != nil {
			return nil, err
		}
		defer mem.Release(scratch)

		return output(mem, p)
	})
	o := harness.Run(context.Background(), dev, e, gen2048, in, harness.DefaultOptions())

	if !o.Success {
		t.Fatalf("unexpected failure: %s", o.Error)
	}

	if o.Memory() < 1 || o.Memory() > 1.01 {
		t.Errorf("memory_gb = %v, want just over 1", o.Memory())
	}

	if got := dev.Memory().Current(); got != in.Bytes() {
		t.Errorf("only inputs should remain allocated: current=%d inputs=%d", got, in.Bytes())
	}
}

func TestRun_OutOfMemoryIsFailure(t *testing.T) {
	dev := newDevice(t, 1<<20)
	in, _ := triple(t, dev, gen2048, tensor.LayoutBHSD).For(tensor.LayoutBHSD)

	e := kernels.NewEntry("huge", tensor.LayoutBHSD, func(mem ops.Allocator, _ ops.Problem) (*tensor.Half, error) {
		return nil, mem.Acquire(1 << 30)
	})
	o := harness.Run(context.Background(), dev, e, gen2048, in, harness.DefaultOptions())

	if o.Success || !strings.Contains(o.Error, "out of memory") {
		t.Fatalf("want OOM failure, got %+v", o)
	}
}

func TestRun_MissingInputs(t *testing.T) {
	dev := newDevice(t, 0)
	e := kernels.NewEntry("x", tensor.LayoutBSHD, steady(&fakeClock{}, 0, nil))

	o := harness.Run(context.Background(), dev, e, gen2048, nil, harness.DefaultOptions())
	if o.Success || o.Error == "" {
		t.Fatalf("want failure without inputs, got %+v", o)
	}
}

// ---------------------------------------------------------------------------
// Suite
// ---------------------------------------------------------------------------

type recordingSink struct {
	configs  []string
	outcomes []bench.Outcome
	onConfig func(matrix.Configuration)
}

func (r *recordingSink) BeginConfig(cfg matrix.Configuration) {
	r.configs = append(r.configs, cfg.Name)
	if r.onConfig != nil {
		r.onConfig(cfg)
	}
}

func (r *recordingSink) Outcome(o bench.Outcome) { r.outcomes = append(r.outcomes, o) }

func newSuite(dev *device.Device, clock *fakeClock, sink harness.Sink, entries ...*kernels.Entry) *harness.Suite {
	return &harness.Suite{
		Device:   dev,
		Registry: kernels.New(entries...),
		Factory:  newFactory(dev),
		Options:  clock.options(3, 10),
		Sink:     sink,
	}
}

func TestSuite_OneFailingOneSucceeding(t *testing.T) {
	clock := &fakeClock{}
	dev := newDevice(t, 0)

	s := newSuite(dev, clock, nil,
		kernels.NewEntry("good", tensor.LayoutBHSD, steady(clock, 10*time.Millisecond, nil)),
		kernels.NewEntry("bad", tensor.LayoutBSHD, failing(errors.New("not supported"), nil)),
	)

	outcomes, err := s.Run(context.Background(), mustMatrix(t, prefill2048))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(outcomes))
	}

	sum := bench.Aggregate(outcomes)

	g, ok := sum.Group("prefill")
	if !ok || len(g.Entries) != 1 {
		t.Fatalf("group = %+v", g)
	}

	if g.Entries[0].Outcome.Name != "good" || g.Entries[0].Speedup != 1.0 {
		t.Errorf("unexpected ranking %+v", g.Entries[0])
	}

	if !approx(g.Entries[0].Outcome.Time(), 10, 1e-9) {
		t.Errorf("time_ms = %v", g.Entries[0].Outcome.Time())
	}

	if outcomes[1].Success || outcomes[1].Error == "" {
		t.Errorf("failure outcome missing error: %+v", outcomes[1])
	}
}

func TestSuite_ScenarioWinnerUsesPresentValues(t *testing.T) {
	clock := &fakeClock{}
	dev := newDevice(t, 0)

	s := newSuite(dev, clock, nil,
		kernels.NewEntry("X", tensor.LayoutBHSD, byKV(clock, map[int]time.Duration{2048: 5 * time.Millisecond, 4096: 7 * time.Millisecond})),
		kernels.NewEntry("Y", tensor.LayoutBHSD, byKV(clock, map[int]time.Duration{2048: 4 * time.Millisecond})),
	)

	outcomes, err := s.Run(context.Background(), mustMatrix(t, gen2048, gen4096))
	if err != nil {
		t.Fatal(err)
	}

	sum := bench.Aggregate(outcomes)

	w, ok := sum.Winner(matrix.Generation)
	if !ok || w.Name != "Y" || !approx(w.MeanMS, 4, 1e-9) {
		t.Fatalf("winner = %+v", w)
	}

	for _, m := range sum.Scenarios[0].Means {
		if m.Name == "X" && !approx(m.MeanMS, 6, 1e-9) {
			t.Errorf("X mean = %v, want 6", m.MeanMS)
		}
	}
}

func TestSuite_EmptyRegistry(t *testing.T) {
	dev := newDevice(t, 0)
	sink := &recordingSink{}

	outcomes, err := newSuite(dev, &fakeClock{}, sink).Run(context.Background(), mustMatrix(t, prefill2048))
	if err != nil {
		t.Fatal(err)
	}

	if len(outcomes) != 0 {
		t.Fatalf("outcomes = %d, want 0", len(outcomes))
	}

	if sum := bench.Aggregate(outcomes); len(sum.Groups) != 0 {
		t.Errorf("want no ranking, got %+v", sum.Groups)
	}
}

func TestSuite_OneOutcomePerPairInOrder(t *testing.T) {
	clock := &fakeClock{}
	dev := newDevice(t, 0)
	sink := &recordingSink{}

	s := newSuite(dev, clock, sink,
		kernels.NewEntry("a", tensor.LayoutBSHD, steady(clock, time.Millisecond, nil)),
		kernels.NewEntry("b", tensor.LayoutBHSD, failing(errors.New("x"), nil)),
		kernels.NewEntry("c", tensor.LayoutBHSD, steady(clock, 2*time.Millisecond, nil)),
	)

	outcomes, err := s.Run(context.Background(), mustMatrix(t, gen2048, gen4096))
	if err != nil {
		t.Fatal(err)
	}

	want := [][2]string{
		{"gen-2k", "a"}, {"gen-2k", "b"}, {"gen-2k", "c"},
		{"gen-4k", "a"}, {"gen-4k", "b"}, {"gen-4k", "c"},
	}
	if len(outcomes) != len(want) {
		t.Fatalf("outcomes = %d, want %d", len(outcomes), len(want))
	}

	for i, o := range outcomes {
		if o.Config != want[i][0] || o.Name != want[i][1] {
			t.Errorf("outcome %d = %s/%s, want %s/%s", i, o.Config, o.Name, want[i][0], want[i][1])
		}

		if o.Success && o.Time() <= 0 {
			t.Errorf("outcome %d has non-positive time", i)
		}
	}

	if len(sink.outcomes) != len(outcomes) || len(sink.configs) != 2 {
		t.Errorf("sink saw %d outcomes and %d configs", len(sink.outcomes), len(sink.configs))
	}

	if got := dev.Memory().Current(); got != 0 {
		t.Errorf("inputs not released: %d bytes held", got)
	}
}

func TestSuite_CancelBetweenConfigurations(t *testing.T) {
	clock := &fakeClock{}
	dev := newDevice(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &recordingSink{}
	sink.onConfig = func(cfg matrix.Configuration) {
		// Cancel while the first configuration runs; it must still finish.
		if cfg.Name == "gen-2k" {
			cancel()
		}
	}

	s := newSuite(dev, clock, sink,
		kernels.NewEntry("a", tensor.LayoutBHSD, steady(clock, time.Millisecond, nil)),
		kernels.NewEntry("b", tensor.LayoutBHSD, steady(clock, time.Millisecond, nil)),
	)

	outcomes, err := s.Run(ctx, mustMatrix(t, gen2048, gen4096))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}

	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %d, want the whole first configuration", len(outcomes))
	}

	for _, o := range outcomes {
		if !o.Success || o.Config != "gen-2k" {
			t.Errorf("unexpected outcome %+v", o)
		}
	}
}

func TestSuite_InputFailureYieldsOutcomePerEntry(t *testing.T) {
	dev := newDevice(t, 1024)

	s := newSuite(dev, &fakeClock{}, nil,
		kernels.NewEntry("a", tensor.LayoutBHSD, steady(&fakeClock{}, 0, nil)),
		kernels.NewEntry("b", tensor.LayoutBHSD, steady(&fakeClock{}, 0, nil)),
	)

	outcomes, err := s.Run(context.Background(), mustMatrix(t, gen4096))
	if err != nil {
		t.Fatal(err)
	}

	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(outcomes))
	}

	for _, o := range outcomes {
		if o.Success || !strings.Contains(o.Error, "generate inputs") {
			t.Errorf("want input failure, got %+v", o)
		}
	}
}

func TestSuite_SameSeedSameSuccessSet(t *testing.T) {
	run := func() []bool {
		clock := &fakeClock{}
		dev := newDevice(t, 0)

		s := newSuite(dev, clock, nil,
			kernels.NewEntry("X", tensor.LayoutBHSD, byKV(clock, map[int]time.Duration{2048: time.Millisecond})),
			kernels.NewEntry("Y", tensor.LayoutBSHD, steady(clock, time.Millisecond, nil)),
		)

		outcomes, err := s.Run(context.Background(), mustMatrix(t, gen2048, gen4096))
		if err != nil {
			t.Fatal(err)
		}

		var ok []bool
		for _, o := range outcomes {
			ok = append(ok, o.Success)
		}

		return ok
	}

	a, b := run(), run()
	if len(a) != len(b) {
		t.Fatalf("lengths differ: %v vs %v", a, b)
	}

	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("success sets differ: %v vs %v", a, b)
		}
	}
}

func TestSuite_RequiresComponents(t *testing.T) {
	if _, err := (&harness.Suite{}).Run(context.Background(), matrix.Default()); err == nil {
		t.Fatal("expected error for incomplete suite")
	}
}

func TestMultiSinkFansOut(t *testing.T) {
	var n int

	a := &recordingSink{}
	s := harness.MultiSink(a, nil, harness.SinkFunc(func(bench.Outcome) { n++ }))

	s.BeginConfig(gen2048)
	s.Outcome(bench.NewOutcome("k", gen2048))

	if len(a.configs) != 1 || len(a.outcomes) != 1 || n != 1 {
		t.Errorf("fan-out failed: configs=%d outcomes=%d func=%d", len(a.configs), len(a.outcomes), n)
	}
}
