// Package device models an accelerator stream on the host: work is queued to
// a single in-order worker and only observed at explicit barriers.
package device

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
)

// ErrClosed is returned when work is launched on a closed device.
var ErrClosed = errors.New("device: closed")

// PanicError wraps a panic recovered from queued work.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Info identifies a device.
type Info struct {
	Kind string
	Name string
}

const queueDepth = 1024

type op struct {
	fn      func() error
	barrier chan error
}

// Device executes launched work in order on one goroutine. The first error
// since the previous barrier poisons the stream: later work is skipped and the
// error is reported by the next Synchronize.
type Device struct {
	info Info
	mem  *Memory

	mu     sync.Mutex
	closed bool
	queue  chan op
	done   chan struct{}

	// owned by the worker goroutine
	err error
}

// New starts a device worker. mem may be nil for an unbounded counter.
func New(info Info, mem *Memory) *Device {
	if mem == nil {
		mem = NewMemory(0)
	}

	d := &Device{
		info:  info,
		mem:   mem,
		queue: make(chan op, queueDepth),
		done:  make(chan struct{}),
	}

	go d.loop()

	return d
}

func (d *Device) Info() Info {
	return d.info
}

func (d *Device) Memory() *Memory {
	return d.mem
}

// Launch enqueues fn and returns without waiting for it.
func (d *Device) Launch(fn func() error) error {
	return d.enqueue(op{fn: fn})
}

// Synchronize blocks until all previously launched work has retired and
// returns the first error recorded since the previous barrier.
func (d *Device) Synchronize(ctx context.Context) error {
	res := make(chan error, 1)
	if err := d.enqueue(op{barrier: res}); err != nil {
		return err
	}

	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and stops the worker.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}

	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	<-d.done

	return nil
}

func (d *Device) enqueue(o op) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	d.queue <- o

	return nil
}

func (d *Device) loop() {
	defer close(d.done)

	for o := range d.queue {
		if o.barrier != nil {
			o.barrier <- d.err
			d.err = nil

			continue
		}

		if d.err != nil {
			continue
		}

		d.err = run(o.fn)
	}
}

func run(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	return fn()
}
