// Package bench holds benchmark outcomes and turns them into ranked summaries
// and reports.
package bench

import (
	"time"

	"github.com/example/go-attnbench/internal/matrix"
)

const gib = 1 << 30

// Outcome is the result of one (configuration, implementation) pair. Exactly
// one of the metric fields or Error is populated, gated by Success.
type Outcome struct {
	Name         string          `json:"name"`
	Config       string          `json:"config"`
	Batch        int             `json:"batch"`
	QueryLen     int             `json:"query_len"`
	KVLen        int             `json:"kv_len"`
	Scenario     matrix.Scenario `json:"scenario"`
	Success      bool            `json:"success"`
	TimeMS       *float64        `json:"time_ms,omitempty"`
	TokensPerSec *float64        `json:"tokens_per_sec,omitempty"`
	MemoryGB     *float64        `json:"memory_gb,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// NewOutcome starts an outcome for the named implementation, mirroring the
// configuration fields verbatim.
func NewOutcome(name string, cfg matrix.Configuration) Outcome {
	return Outcome{
		Name:     name,
		Config:   cfg.Name,
		Batch:    cfg.Batch,
		QueryLen: cfg.QueryLen,
		KVLen:    cfg.KV(),
		Scenario: cfg.Scenario,
	}
}

// Succeed fills in the metrics of a timed loop of iterations invocations.
// Elapsed is clamped to 1ns so the recorded time is always positive.
func (o Outcome) Succeed(elapsed time.Duration, iterations int, peakBytes int64) Outcome {
	if elapsed <= 0 {
		elapsed = time.Nanosecond
	}

	if iterations < 1 {
		iterations = 1
	}

	secs := elapsed.Seconds()
	ms := secs / float64(iterations) * 1000
	tps := float64(o.Batch*o.QueryLen*iterations) / secs
	gb := float64(peakBytes) / gib

	o.Success = true
	o.TimeMS = &ms
	o.TokensPerSec = &tps
	o.MemoryGB = &gb
	o.Error = ""

	return o
}

// Fail records err verbatim and clears any metrics.
func (o Outcome) Fail(err error) Outcome {
	o.Success = false
	o.TimeMS = nil
	o.TokensPerSec = nil
	o.MemoryGB = nil

	o.Error = "unknown error"
	if err != nil {
		o.Error = err.Error()
	}

	return o
}

// Time returns the per-iteration time in milliseconds, or 0 for a failure.
func (o Outcome) Time() float64 {
	if !o.Success || o.TimeMS == nil {
		return 0
	}

	return *o.TimeMS
}

// Tokens returns tokens/sec, or 0 for a failure.
func (o Outcome) Tokens() float64 {
	if !o.Success || o.TokensPerSec == nil {
		return 0
	}

	return *o.TokensPerSec
}

// Memory returns peak memory in GiB, or 0 for a failure.
func (o Outcome) Memory() float64 {
	if !o.Success || o.MemoryGB == nil {
		return 0
	}

	return *o.MemoryGB
}
