// Package timer provides a hal.Timer driven by the Go runtime timer.
//
// The timer behaves like a free-running hardware counter: once enabled it
// delivers an overflow callback every period until disabled. Overflows that
// race with Disable are dropped.
package timer

import (
	"sync"
	"time"

	"github.com/ardnew/softmsc/hal"
	"github.com/ardnew/softmsc/pkg"
)

// DefaultOverflow is the period used when none is configured.
const DefaultOverflow = time.Millisecond

// Timer implements hal.Timer.
type Timer struct {
	mu      sync.Mutex
	cb      hal.Callback
	period  time.Duration
	oneShot bool
	timer   *time.Timer
	gen     uint64
}

// Compile-time interface check.
var _ hal.Timer = (*Timer)(nil)

// New creates a disabled periodic timer.
func New(period time.Duration) *Timer {
	if period <= 0 {
		period = DefaultOverflow
	}
	return &Timer{period: period}
}

// NewOneShot creates a disabled timer that disables itself after the
// first overflow.
func NewOneShot(period time.Duration) *Timer {
	t := New(period)
	t.oneShot = true
	return t
}

// SetCallback registers the overflow callback.
func (t *Timer) SetCallback(cb hal.Callback) {
	t.mu.Lock()
	t.cb = cb
	t.mu.Unlock()
}

// SetOverflow sets the overflow period. It takes effect on the next Enable
// or the next periodic reload.
func (t *Timer) SetOverflow(d time.Duration) {
	if d <= 0 {
		d = DefaultOverflow
	}
	t.mu.Lock()
	t.period = d
	t.mu.Unlock()
}

// Enable starts the timer. Enabling a running timer has no effect.
func (t *Timer) Enable() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		return
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(t.period, func() { t.overflow(gen) })
}

// Disable stops the timer and discards pending overflows.
func (t *Timer) Disable() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Enabled reports whether the timer is counting.
func (t *Timer) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

func (t *Timer) overflow(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.timer == nil {
		t.mu.Unlock()
		return
	}
	cb := t.cb
	if t.oneShot {
		t.timer = nil
	} else {
		t.timer.Reset(t.period)
	}
	t.mu.Unlock()

	if cb == nil {
		pkg.LogDebug(pkg.ComponentHAL, "timer overflow without callback")
		return
	}
	cb()
}
