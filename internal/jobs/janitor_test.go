package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeExpirer struct {
	mu         sync.Mutex
	calls      int
	invoiceTTL time.Duration
	holdTTL    time.Duration
	err        error
}

func (f *fakeExpirer) ExpireStale(_ context.Context, invoiceTTL, holdTTL time.Duration) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.invoiceTTL, f.holdTTL = invoiceTTL, holdTTL
	return 1, 2, f.err
}

func (f *fakeExpirer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestRunOncePassesTTLs(t *testing.T) {
	f := &fakeExpirer{}
	j, err := NewJanitor(f, "@every 1h", 720*time.Hour, 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	j.RunOnce(context.Background())

	if f.count() != 1 || f.invoiceTTL != 720*time.Hour || f.holdTTL != 10*time.Minute {
		t.Errorf("calls=%d invoiceTTL=%s holdTTL=%s", f.calls, f.invoiceTTL, f.holdTTL)
	}

	f.err = errors.New("db down")
	j.RunOnce(context.Background())
	if f.count() != 2 {
		t.Error("failed sweep should still have been attempted")
	}
}

func TestInvalidSchedule(t *testing.T) {
	if _, err := NewJanitor(&fakeExpirer{}, "every now and then", time.Hour, time.Hour); err == nil {
		t.Error("expected schedule error")
	}
}

func TestScheduledSweep(t *testing.T) {
	f := &fakeExpirer{}
	j, err := NewJanitor(f, "@every 1s", time.Hour, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	j.Start()
	defer j.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for f.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if f.count() == 0 {
		t.Error("janitor never ran")
	}
}
