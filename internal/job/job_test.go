package job

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTickerJobCoalescesRepeatedTriggers(t *testing.T) {
	var runs int32
	j := NewTickerJob(20*time.Millisecond, func(stop func() bool) {
		atomic.AddInt32(&runs, 1)
	})
	for i := 0; i < 5; i++ {
		j.Trigger()
	}
	time.Sleep(100 * time.Millisecond)
	j.Terminate()
	j.WaitForTermination(0)

	if got := atomic.LoadInt32(&runs); got != 1 {
		t.Errorf("expected exactly 1 run from 5 coalesced triggers, got %d", got)
	}
}

func TestTickerJobTriggerAfterZeroRunsImmediately(t *testing.T) {
	done := make(chan struct{})
	j := NewTickerJob(time.Hour, func(stop func() bool) { close(done) })
	j.TriggerAfter(0)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected immediate run, timed out")
	}
	j.Terminate()
}

func TestTickerJobNoWorkAfterTerminate(t *testing.T) {
	var runs int32
	j := NewTickerJob(10*time.Millisecond, func(stop func() bool) {
		atomic.AddInt32(&runs, 1)
	})
	j.Terminate()
	j.Trigger()
	time.Sleep(30 * time.Millisecond)

	if got := atomic.LoadInt32(&runs); got != 0 {
		t.Errorf("expected no runs after terminate, got %d", got)
	}
	if !j.IsTerminated() {
		t.Error("expected IsTerminated to be true")
	}
}

func TestSetDefaultDelayAffectsLaterTrigger(t *testing.T) {
	done := make(chan struct{})
	j := NewTickerJob(time.Hour, func(stop func() bool) { close(done) })
	j.SetDefaultDelay(0)
	j.Trigger()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Trigger to use the newly set default delay, timed out")
	}
	j.Terminate()
}

func TestMockJobNeverExecutes(t *testing.T) {
	j := NewMockJob()
	j.Trigger()
	j.TriggerAfter(5 * time.Second)
	if len(j.Triggers) != 2 {
		t.Errorf("expected 2 recorded triggers, got %d", len(j.Triggers))
	}
	j.Terminate()
	if !j.WaitForTermination(time.Second) {
		t.Error("expected WaitForTermination to return promptly after Terminate")
	}
}
