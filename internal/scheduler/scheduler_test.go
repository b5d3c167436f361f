package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestNextDelay(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		r        float64
		want     time.Duration
	}{
		{"healthy", 0, 0, 60 * time.Second},
		{"healthy with jitter", 0, 0.5, 62500 * time.Millisecond},
		{"one failure", 1, 0, 120 * time.Second},
		{"two failures", 2, 0, 240 * time.Second},
		{"capped", 10, 0, 600 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextDelay(60*time.Second, 5*time.Second, 600*time.Second, tt.failures, tt.r)
			if got != tt.want {
				t.Fatalf("NextDelay = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestLoopRunsUntilCancelled(t *testing.T) {
	var ticks atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loop{
		Name:     "test",
		Interval: func() time.Duration { return 10 * time.Millisecond },
		Tick: func(context.Context) error {
			if ticks.Add(1) == 3 {
				cancel()
			}
			return nil
		},
	}
	err := l.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if ticks.Load() < 3 {
		t.Fatalf("expected at least 3 ticks, got %d", ticks.Load())
	}
}

func TestLoopLockPreventsSecondInstance(t *testing.T) {
	path := t.TempDir() + "/run/queen.lock"
	holder := NewFileLock(path)
	ok, err := holder.TryLock()
	if err != nil || !ok {
		t.Fatalf("first lock: ok=%v err=%v", ok, err)
	}
	defer holder.Unlock()

	l := &Loop{Name: "second", Lock: NewFileLock(path), Tick: func(context.Context) error { return nil }}
	err = l.Run(context.Background())
	if !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	if want := fmt.Sprintf("pid %d", os.Getpid()); !strings.Contains(err.Error(), want) {
		t.Fatalf("error %q does not name the holder", err)
	}

	holder.Unlock()
	if pid := NewFileLock(path).Holder(); pid != 0 {
		t.Fatalf("holder after unlock = %d, want 0", pid)
	}
}

func TestSemaphoreConcurrencyLimit(t *testing.T) {
	sem := NewSemaphore(2)

	if !sem.TryAcquire() {
		t.Error("first acquire should succeed")
	}
	if !sem.TryAcquire() {
		t.Error("second acquire should succeed")
	}
	if sem.TryAcquire() {
		t.Error("third acquire should fail (cap=2)")
	}
	if sem.Available() != 0 {
		t.Errorf("Available() = %d, want 0", sem.Available())
	}

	sem.Release()
	sem.Release()
	sem.Release()
	if sem.Available() != 2 {
		t.Errorf("Available() = %d, want 2 after extra releases", sem.Available())
	}
	sem.TryAcquire()
	if sem.Available() != 1 {
		t.Errorf("Available() = %d, want 1", sem.Available())
	}
	if !sem.TryAcquire() {
		t.Error("acquire after release should succeed")
	}
}
