package device

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrOutOfMemory is returned by Memory.Acquire when the limit would be exceeded.
var ErrOutOfMemory = errors.New("device: out of memory")

const gib = 1 << 30

// Memory is a resettable current/peak byte counter for one device. The
// worker and the host may both touch it; parallel harnesses must not share one.
type Memory struct {
	limit   int64
	current atomic.Int64
	peak    atomic.Int64
}

// NewMemory returns a counter capped at limit bytes. limit <= 0 disables the cap.
func NewMemory(limit int64) *Memory {
	return &Memory{limit: limit}
}

// Acquire records n bytes as allocated.
func (m *Memory) Acquire(n int64) error {
	if n <= 0 {
		return nil
	}

	for {
		cur := m.current.Load()

		next := cur + n
		if m.limit > 0 && next > m.limit {
			return fmt.Errorf("%w: tried to allocate %.2f GiB (%.2f GiB in use, %.2f GiB limit)",
				ErrOutOfMemory, float64(n)/gib, float64(cur)/gib, float64(m.limit)/gib)
		}

		if m.current.CompareAndSwap(cur, next) {
			m.bumpPeak(next)
			return nil
		}
	}
}

// Release returns n bytes.
func (m *Memory) Release(n int64) {
	if n <= 0 {
		return
	}

	m.current.Add(-n)
}

func (m *Memory) bumpPeak(v int64) {
	for {
		p := m.peak.Load()
		if v <= p || m.peak.CompareAndSwap(p, v) {
			return
		}
	}
}

// ResetPeak restarts peak tracking from the current allocation.
func (m *Memory) ResetPeak() {
	m.peak.Store(m.current.Load())
}

// Peak is the maximum allocation seen since the last ResetPeak.
func (m *Memory) Peak() int64 {
	return m.peak.Load()
}

func (m *Memory) Current() int64 {
	return m.current.Load()
}

func (m *Memory) Limit() int64 {
	return m.limit
}
