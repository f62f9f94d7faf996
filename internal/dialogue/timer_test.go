package dialogue

import (
	"testing"
	"time"
)

func TestSimpleTimerFires(t *testing.T) {
	timer := NewSimpleTimer()
	defer timer.Stop()

	fired := make(chan struct{})
	if _, err := timer.ScheduleAfter(10*time.Millisecond, func() { close(fired) }); err != nil {
		t.Fatal(err)
	}
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestSimpleTimerCancel(t *testing.T) {
	timer := NewSimpleTimer()
	defer timer.Stop()

	fired := make(chan struct{}, 1)
	id, err := timer.ScheduleAfter(50*time.Millisecond, func() { fired <- struct{}{} })
	if err != nil {
		t.Fatal(err)
	}
	if len(timer.ListActive()) != 1 {
		t.Fatal("expected one active timer")
	}
	if err := timer.Cancel(id); err != nil {
		t.Fatal(err)
	}
	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(100 * time.Millisecond):
	}
	if len(timer.ListActive()) != 0 {
		t.Error("cancelled timer still listed")
	}
}

func TestSimpleTimerRejectsNonPositiveDelay(t *testing.T) {
	if _, err := NewSimpleTimer().ScheduleAfter(0, func() {}); err == nil {
		t.Error("expected error for zero delay")
	}
}
