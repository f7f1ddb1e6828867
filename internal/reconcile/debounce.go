package reconcile

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Debouncer runs fn once a quiet period of delay follows the last Arm. It
// keeps at most one armed timer: every Arm cancels and replaces the previous
// one.
type Debouncer struct {
	clock clock.WithDelayedExecution
	delay time.Duration
	fn    func()

	mu       sync.Mutex
	timer    clock.Timer
	gen      uint64
	closed   bool
	inflight sync.WaitGroup
}

// NewDebouncer creates a debouncer. fn runs on its own goroutine.
func NewDebouncer(clk clock.WithDelayedExecution, delay time.Duration, fn func()) *Debouncer {
	return &Debouncer{
		clock: clk,
		delay: delay,
		fn:    fn,
	}
}

// Arm (re)starts the quiet period. It reports whether a pending timer was
// replaced. Arm after Close is a no-op.
func (d *Debouncer) Arm() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	replaced := d.stopLocked()
	d.gen++
	gen := d.gen
	// The clock may invoke the callback while holding its own lock, so hand
	// off to a fresh goroutine before touching anything else.
	d.timer = d.clock.AfterFunc(d.delay, func() { go d.fire(gen) })
	return replaced
}

// Cancel disarms the pending timer, if any, and reports whether one was armed
func (d *Debouncer) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopLocked()
}

// Pending reports whether a timer is armed
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// Close cancels the pending timer and waits for a callback already running.
// No callback starts after Close returns.
func (d *Debouncer) Close() {
	d.mu.Lock()
	d.closed = true
	d.stopLocked()
	d.mu.Unlock()
	d.inflight.Wait()
}

func (d *Debouncer) stopLocked() bool {
	if d.timer == nil {
		return false
	}
	d.timer.Stop()
	d.timer = nil
	// A callback that already fired carries the old generation and is dropped
	d.gen++
	return true
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if d.closed || gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.inflight.Add(1)
	d.mu.Unlock()

	defer d.inflight.Done()
	d.fn()
}
