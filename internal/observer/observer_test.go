package observer

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestOnTickFiresRepeatedly(t *testing.T) {
	var ticks atomic.Int32
	o := New(10*time.Millisecond, 1, func() error {
		ticks.Add(1)
		return nil
	}, nil)
	o.Start()
	defer o.Stop()

	deadline := time.After(2 * time.Second)
	for ticks.Load() < 3 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for ticks")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestNotifyRunsOpWhenPredicateHolds(t *testing.T) {
	done := make(chan struct{})
	o := New(time.Hour, 1, func() error { return nil }, nil)
	o.Start()
	defer o.Stop()

	o.Notify(func() bool { return true }, func() error {
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("op was not run")
	}
}

func TestNotifyDropsWhenPredicateFalse(t *testing.T) {
	ran := make(chan struct{}, 1)
	o := New(time.Hour, 1, func() error { return nil }, nil)
	o.Start()
	defer o.Stop()

	o.Notify(func() bool { return false }, func() error {
		ran <- struct{}{}
		return nil
	})

	// Send a second, real message and wait for it; if the first (false
	// predicate) message had run, ran would already be non-empty.
	confirmDone := make(chan struct{})
	o.Notify(func() bool { return true }, func() error { close(confirmDone); return nil })
	<-confirmDone

	select {
	case <-ran:
		t.Error("op ran despite a false predicate")
	default:
	}
}

func TestObserverStopsOnOnTickError(t *testing.T) {
	o := New(5*time.Millisecond, 1, func() error { return errors.New("boom") }, nil)
	o.Start()

	deadline := time.After(2 * time.Second)
	for o.Running() {
		select {
		case <-deadline:
			t.Fatal("observer never stopped after onTick error")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if o.LastError() == nil {
		t.Error("LastError should be set after onTick failure")
	}
}

func TestScheduleDumpRunsAndBoundsConcurrency(t *testing.T) {
	o := New(time.Hour, 1, func() error { return nil }, nil)
	o.Start()

	var concurrent, maxConcurrent atomic.Int32
	results := make(chan struct{}, 3)

	runOne := func() error {
		n := concurrent.Add(1)
		defer concurrent.Add(-1)
		for {
			m := maxConcurrent.Load()
			if n <= m || maxConcurrent.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		results <- struct{}{}
		return nil
	}

	o.ScheduleDump(runOne)
	o.ScheduleDump(runOne)
	o.ScheduleDump(runOne)

	for i := 0; i < 3; i++ {
		select {
		case <-results:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for scheduled dumps")
		}
	}
	o.Stop()

	if maxConcurrent.Load() > 1 {
		t.Errorf("observed %d concurrent dumps, want at most 1 (dumpSemSize)", maxConcurrent.Load())
	}
}
