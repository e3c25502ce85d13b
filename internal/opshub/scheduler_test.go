package opshub

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerFiresAfterDelay(t *testing.T) {
	sc := newScheduler()
	defer sc.stop()

	var fired atomic.Int32
	sc.after("n1", 10*time.Millisecond, func() { fired.Add(1) })
	waitFor(t, time.Second, func() bool { return fired.Load() == 1 })
}

func TestSchedulerZeroDelayRunsImmediately(t *testing.T) {
	sc := newScheduler()
	defer sc.stop()

	var fired atomic.Int32
	sc.after("n1", 0, func() { fired.Add(1) })
	waitFor(t, time.Second, func() bool { return fired.Load() == 1 })
}

func TestSchedulerReschedulingResetsTimer(t *testing.T) {
	sc := newScheduler()
	defer sc.stop()

	var first, second atomic.Int32
	sc.after("n1", 30*time.Millisecond, func() { first.Add(1) })
	sc.after("n1", 10*time.Millisecond, func() { second.Add(1) })
	waitFor(t, time.Second, func() bool { return second.Load() == 1 })
	time.Sleep(50 * time.Millisecond)
	if first.Load() != 0 {
		t.Fatalf("replaced timer must not fire")
	}
}

func TestSchedulerCancelStopsPendingTimer(t *testing.T) {
	sc := newScheduler()
	defer sc.stop()

	var fired atomic.Int32
	sc.after("n1", 20*time.Millisecond, func() { fired.Add(1) })
	if !sc.cancel("n1") {
		t.Fatalf("expected pending timer to cancel")
	}
	if sc.cancel("n1") {
		t.Fatalf("second cancel should report nothing pending")
	}
	time.Sleep(50 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("cancelled timer fired")
	}
}

func TestSchedulerStopSuppressesCallbacks(t *testing.T) {
	sc := newScheduler()
	var fired atomic.Int32
	sc.after("n1", 10*time.Millisecond, func() { fired.Add(1) })
	sc.stop()
	sc.after("n2", 0, func() { fired.Add(1) })
	time.Sleep(40 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("stopped scheduler ran a callback")
	}
}
