package bench_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/example/go-attnbench/internal/bench"
	"github.com/example/go-attnbench/internal/matrix"
)

func cfg(name string, sc matrix.Scenario) matrix.Configuration {
	return matrix.Configuration{Name: name, Batch: 2, QueryLen: 64, KVLen: 128, Scenario: sc}
}

func ok(name string, c matrix.Configuration, ms float64) bench.Outcome {
	return bench.NewOutcome(name, c).Succeed(time.Duration(ms*float64(time.Millisecond)), 1, 1<<20)
}

func failed(name string, c matrix.Configuration, msg string) bench.Outcome {
	return bench.NewOutcome(name, c).Fail(errors.New(msg))
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

// ---------------------------------------------------------------------------
// Outcome
// ---------------------------------------------------------------------------

func TestOutcome_SucceedMetrics(t *testing.T) {
	c := cfg("c", matrix.Prefill)
	o := bench.NewOutcome("k", c).Succeed(2*time.Second, 10, 3<<29)

	if !o.Success || o.Error != "" {
		t.Fatalf("want success, got %+v", o)
	}

	if !near(*o.TimeMS, 200) {
		t.Errorf("time_ms = %v, want 200", *o.TimeMS)
	}

	// 2 * 64 * 10 tokens / 2 s
	if !near(*o.TokensPerSec, 640) {
		t.Errorf("tokens_per_sec = %v, want 640", *o.TokensPerSec)
	}

	if !near(*o.MemoryGB, 1.5) {
		t.Errorf("memory_gb = %v, want 1.5", *o.MemoryGB)
	}

	if o.Batch != 2 || o.QueryLen != 64 || o.KVLen != 128 || o.Scenario != matrix.Prefill || o.Config != "c" {
		t.Errorf("configuration fields not mirrored: %+v", o)
	}
}

func TestOutcome_ZeroElapsedClamped(t *testing.T) {
	o := bench.NewOutcome("k", cfg("c", matrix.Prefill)).Succeed(0, 5, 0)
	if *o.TimeMS <= 0 || math.IsInf(*o.TokensPerSec, 0) {
		t.Fatalf("want positive finite metrics, got time=%v tps=%v", *o.TimeMS, *o.TokensPerSec)
	}
}

func TestOutcome_FailClearsMetrics(t *testing.T) {
	o := ok("k", cfg("c", matrix.Prefill), 3).Fail(errors.New("panic: boom"))
	if o.Success || o.TimeMS != nil || o.TokensPerSec != nil || o.MemoryGB != nil {
		t.Fatalf("metrics should be cleared: %+v", o)
	}

	if o.Error != "panic: boom" {
		t.Errorf("error = %q", o.Error)
	}
}

func TestOutcome_JSONKeys(t *testing.T) {
	c := cfg("c", matrix.Generation)

	raw, err := json.Marshal(failed("k", c, "oom"))
	if err != nil {
		t.Fatal(err)
	}

	s := string(raw)
	for _, key := range []string{`"name"`, `"config"`, `"batch"`, `"query_len"`, `"kv_len"`, `"scenario":"generation"`, `"success":false`, `"error":"oom"`} {
		if !strings.Contains(s, key) {
			t.Errorf("missing %s in %s", key, s)
		}
	}

	if strings.Contains(s, "time_ms") {
		t.Errorf("failed outcome must not carry metrics: %s", s)
	}
}

// ---------------------------------------------------------------------------
// Aggregate
// ---------------------------------------------------------------------------

func TestAggregate_RanksAndSpeedup(t *testing.T) {
	c := cfg("cfg1", matrix.Prefill)
	s := bench.Aggregate([]bench.Outcome{
		ok("A", c, 10),
		ok("B", c, 20),
		ok("C", c, 5),
	})

	if len(s.Groups) != 1 {
		t.Fatalf("want 1 group, got %d", len(s.Groups))
	}

	got := s.Groups[0].Entries
	wantOrder := []string{"C", "A", "B"}
	wantSpeed := []float64{4, 2, 1}

	for i, e := range got {
		if e.Outcome.Name != wantOrder[i] {
			t.Errorf("rank %d: got %s, want %s", i+1, e.Outcome.Name, wantOrder[i])
		}

		if math.Abs(e.Speedup-wantSpeed[i]) > 1e-6 {
			t.Errorf("%s speedup = %v, want %v", e.Outcome.Name, e.Speedup, wantSpeed[i])
		}

		if e.Rank != i+1 {
			t.Errorf("%s rank = %d", e.Outcome.Name, e.Rank)
		}
	}

	w, found := s.Winner(matrix.Prefill)
	if !found || w.Name != "C" {
		t.Errorf("prefill winner = %+v, found=%v", w, found)
	}
}

func TestAggregate_TiesKeepRegistryOrder(t *testing.T) {
	c := cfg("cfg", matrix.Prefill)
	s := bench.Aggregate([]bench.Outcome{ok("first", c, 7), ok("second", c, 7), ok("third", c, 7)})

	for i, want := range []string{"first", "second", "third"} {
		if got := s.Groups[0].Entries[i].Outcome.Name; got != want {
			t.Errorf("position %d: got %s, want %s", i, got, want)
		}

		if sp := s.Groups[0].Entries[i].Speedup; !near(sp, 1) {
			t.Errorf("equal times must give speedup 1, got %v", sp)
		}
	}

	if w, _ := s.Winner(matrix.Prefill); w.Name != "first" {
		t.Errorf("tie winner = %s, want first", w.Name)
	}
}

func TestAggregate_FailuresExcludedButCounted(t *testing.T) {
	c := cfg("cfg1", matrix.Prefill)
	s := bench.Aggregate([]bench.Outcome{
		ok("A", c, 10),
		failed("B", c, "out of memory"),
	})

	if s.Failures != 1 || s.Total != 2 {
		t.Fatalf("failures=%d total=%d", s.Failures, s.Total)
	}

	g := s.Groups[0]
	if len(g.Entries) != 1 || g.Entries[0].Outcome.Name != "A" || !near(g.Entries[0].Speedup, 1) {
		t.Fatalf("unexpected group %+v", g)
	}
}

func TestAggregate_AllFailedConfigHasNoGroup(t *testing.T) {
	c1 := cfg("good", matrix.Prefill)
	c2 := cfg("bad", matrix.Prefill)
	s := bench.Aggregate([]bench.Outcome{
		ok("A", c1, 1),
		failed("A", c2, "x"),
		failed("B", c2, "y"),
	})

	if _, found := s.Group("bad"); found {
		t.Error("configuration with no successes must not have a group")
	}

	if s.Failures != 2 {
		t.Errorf("failures = %d, want 2", s.Failures)
	}
}

func TestAggregate_ScenarioMeansPresentOnly(t *testing.T) {
	g1 := cfg("gen1", matrix.Generation)
	g2 := cfg("gen2", matrix.Generation)
	p1 := cfg("pre1", matrix.Prefill)

	s := bench.Aggregate([]bench.Outcome{
		ok("X", p1, 50),
		ok("Y", p1, 40),
		ok("X", g1, 2),
		ok("Y", g1, 3),
		ok("X", g2, 10),
		failed("Y", g2, "oom"),
	})

	if len(s.Scenarios) != 2 || s.Scenarios[0].Scenario != matrix.Prefill || s.Scenarios[1].Scenario != matrix.Generation {
		t.Fatalf("scenario order: %+v", s.Scenarios)
	}

	gen := s.Scenarios[1]
	if gen.Means[0].Name != "X" || !near(gen.Means[0].MeanMS, 6) || gen.Means[0].Count != 2 {
		t.Errorf("X mean: %+v", gen.Means[0])
	}

	if gen.Means[1].Name != "Y" || !near(gen.Means[1].MeanMS, 3) || gen.Means[1].Count != 1 {
		t.Errorf("Y mean: %+v", gen.Means[1])
	}

	// Y averages only where present, so it beats X.
	if gen.Winner.Name != "Y" {
		t.Errorf("generation winner = %s, want Y", gen.Winner.Name)
	}

	if w, _ := s.Winner(matrix.Prefill); w.Name != "Y" {
		t.Errorf("prefill winner = %s, want Y", w.Name)
	}
}

func TestAggregate_GroupsInFirstAppearanceOrder(t *testing.T) {
	a := cfg("a", matrix.Prefill)
	b := cfg("b", matrix.Generation)
	s := bench.Aggregate([]bench.Outcome{ok("k", b, 1), ok("k", a, 1), ok("j", b, 2)})

	if s.Groups[0].Config != "b" || s.Groups[1].Config != "a" {
		t.Fatalf("group order: %s, %s", s.Groups[0].Config, s.Groups[1].Config)
	}
}

func TestAggregate_Empty(t *testing.T) {
	s := bench.Aggregate(nil)
	if len(s.Groups) != 0 || len(s.Scenarios) != 0 || s.Failures != 0 {
		t.Fatalf("want empty summary, got %+v", s)
	}
}

// ---------------------------------------------------------------------------
// Formatters
// ---------------------------------------------------------------------------

func sampleOutcomes() []bench.Outcome {
	p := cfg("Prefill - Small Batch", matrix.Prefill)
	g := cfg("Generation - Small Batch", matrix.Generation)

	return []bench.Outcome{
		ok("SDPA (fused)", p, 12),
		ok("Manual (naive)", p, 30),
		failed("Flash (blocked, strict)", p, "block alignment"),
		ok("SDPA (fused)", g, 0.5),
	}
}

func TestFormatTable_ContainsSections(t *testing.T) {
	outcomes := sampleOutcomes()

	var buf bytes.Buffer
	bench.FormatTable(bench.Aggregate(outcomes), &buf)

	out := buf.String()
	for _, want := range []string{
		"SUMMARY - Best Times per Configuration",
		"Prefill - Small Batch:",
		"Manual (naive)",
		"2.50x",
		"WINNERS BY SCENARIO",
		"Best for Prefill: SDPA (fused)",
		"Best for Generation: SDPA (fused)",
		"4 outcomes, 1 failed",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("table output missing %q\n%s", want, out)
		}
	}
}

func TestFormatJSON_RoundTripsOutcomes(t *testing.T) {
	outcomes := sampleOutcomes()

	var buf bytes.Buffer
	if err := bench.FormatJSON(outcomes, bench.Aggregate(outcomes), &buf); err != nil {
		t.Fatalf("FormatJSON: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(buf.Bytes(), &raw); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, buf.String())
	}

	for _, key := range []string{"outcomes", "groups", "winners", "failures"} {
		if _, found := raw[key]; !found {
			t.Errorf("missing key %q", key)
		}
	}

	back, err := bench.DecodeOutcomes(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("DecodeOutcomes: %v", err)
	}

	if len(back) != len(outcomes) {
		t.Fatalf("decoded %d outcomes, want %d", len(back), len(outcomes))
	}

	if back[2].Success || back[2].Error != "block alignment" {
		t.Errorf("failure not preserved: %+v", back[2])
	}

	if !near(back[0].Time(), 12) {
		t.Errorf("time not preserved: %v", back[0].Time())
	}
}

func TestFormatJSON_EmptyOutcomesIsArray(t *testing.T) {
	var buf bytes.Buffer
	if err := bench.FormatJSON(nil, bench.Aggregate(nil), &buf); err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(buf.String(), `"outcomes": []`) {
		t.Errorf("want empty outcomes array, got %s", buf.String())
	}
}

func TestRender_Medals(t *testing.T) {
	p := cfg("cfg", matrix.Prefill)
	s := bench.Aggregate([]bench.Outcome{ok("a", p, 1), ok("b", p, 2), ok("c", p, 3), ok("d", p, 4)})

	var buf bytes.Buffer
	bench.Render(s, &buf)

	out := buf.String()
	for _, want := range []string{"🥇", "🥈", "🥉", "Best for Prefill: a"} {
		if !strings.Contains(out, want) {
			t.Errorf("render output missing %q\n%s", want, out)
		}
	}

	if bench.Medal(4) != "  " {
		t.Errorf("no medal past third place, got %q", bench.Medal(4))
	}
}

func TestWriteProgress(t *testing.T) {
	c := cfg("c", matrix.Prefill)

	var buf bytes.Buffer
	bench.WriteProgress(&buf, ok("SDPA (fused)", c, 1.5))
	bench.WriteProgress(&buf, failed("Manual (naive)", c, "device: out of memory"))

	out := buf.String()
	if !strings.Contains(out, "ok 1.50 ms") || !strings.Contains(out, "failed: device: out of memory") {
		t.Errorf("unexpected progress output:\n%s", out)
	}
}

func TestWriteBanner(t *testing.T) {
	var buf bytes.Buffer
	bench.WriteBanner(&buf, cfg("Generation - Long Context", matrix.Generation), 32, 128)

	out := buf.String()
	for _, want := range []string{"Configuration: Generation - Long Context", "Key/Value seq length: 128", "Num heads: 32", "Scenario: generation"} {
		if !strings.Contains(out, want) {
			t.Errorf("banner missing %q", want)
		}
	}
}
