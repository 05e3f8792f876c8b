package timer

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTimer_OneShot(t *testing.T) {
	tm := NewOneShot(time.Millisecond)
	fired := make(chan struct{}, 4)
	tm.SetCallback(func() { fired <- struct{}{} })

	tm.Enable()
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}

	if tm.Enabled() {
		t.Error("Enabled() = true after one-shot overflow")
	}

	select {
	case <-fired:
		t.Error("one-shot timer fired twice")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestTimer_Periodic(t *testing.T) {
	tm := New(time.Millisecond)
	var count atomic.Int32
	done := make(chan struct{})
	tm.SetCallback(func() {
		if count.Add(1) == 3 {
			tm.Disable()
			close(done)
		}
	})

	tm.Enable()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not overflow three times")
	}

	time.Sleep(10 * time.Millisecond)
	settled := count.Load()
	if settled < 3 {
		t.Errorf("overflows = %d, want at least 3", settled)
	}
	time.Sleep(10 * time.Millisecond)
	if got := count.Load(); got != settled {
		t.Errorf("overflows after Disable = %d, want %d", got, settled)
	}
}

func TestTimer_DisableBeforeOverflow(t *testing.T) {
	tm := New(50 * time.Millisecond)
	var count atomic.Int32
	tm.SetCallback(func() { count.Add(1) })

	tm.Enable()
	tm.Disable()
	time.Sleep(80 * time.Millisecond)

	if got := count.Load(); got != 0 {
		t.Errorf("overflows = %d, want 0", got)
	}
}

func TestTimer_DefaultOverflow(t *testing.T) {
	tm := New(0)
	if tm.period != DefaultOverflow {
		t.Errorf("period = %v, want %v", tm.period, DefaultOverflow)
	}
	tm.SetOverflow(-1)
	if tm.period != DefaultOverflow {
		t.Errorf("period after SetOverflow(-1) = %v, want %v", tm.period, DefaultOverflow)
	}
}
