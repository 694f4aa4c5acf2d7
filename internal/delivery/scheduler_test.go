package delivery

import (
	"testing"
	"time"
)

func TestManualSchedulerFiresInDueOrder(t *testing.T) {
	sched := NewManualScheduler()
	var order []string

	sched.AfterFunc(30*time.Second, func() { order = append(order, "c") })
	sched.AfterFunc(10*time.Second, func() { order = append(order, "a") })
	sched.AfterFunc(20*time.Second, func() { order = append(order, "b") })

	sched.Advance(time.Minute)

	want := []string{"a", "b", "c"}
	if len(order) != len(want) {
		t.Fatalf("fired %d callbacks, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestManualSchedulerPartialAdvance(t *testing.T) {
	sched := NewManualScheduler()
	fired := false
	sched.AfterFunc(10*time.Second, func() { fired = true })

	sched.Advance(9 * time.Second)
	if fired {
		t.Error("callback fired before its due time")
	}
	if sched.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", sched.Pending())
	}

	sched.Advance(time.Second)
	if !fired {
		t.Error("callback did not fire at its due time")
	}
	if sched.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", sched.Pending())
	}
}

func TestManualSchedulerNestedScheduling(t *testing.T) {
	// A callback that reschedules itself, like a retrying delivery chain
	sched := NewManualScheduler()
	runs := 0
	var loop func()
	loop = func() {
		runs++
		if runs < 3 {
			sched.AfterFunc(10*time.Second, loop)
		}
	}
	sched.AfterFunc(10*time.Second, loop)

	sched.Advance(30 * time.Second)
	if runs != 3 {
		t.Errorf("runs = %d, want 3 (nested callbacks within the window fire)", runs)
	}

	delays := sched.Delays()
	if len(delays) != 3 {
		t.Errorf("recorded %d delays, want 3", len(delays))
	}
}

func TestTimerSchedulerFires(t *testing.T) {
	done := make(chan struct{})
	TimerScheduler{}.AfterFunc(10*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer callback never fired")
	}
}
