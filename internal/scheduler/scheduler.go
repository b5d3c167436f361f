// Package scheduler runs background loops with jitter and failure backoff,
// and provides the concurrency primitives shared by the services.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// ErrLockHeld is returned by Run when another process owns the loop lock.
var ErrLockHeld = errors.New("scheduler: lock held by another process")

// Loop repeatedly runs Tick. After a successful tick it sleeps Interval()
// plus up to Jitter; after consecutive failures the delay doubles per
// failure, capped at BackoffMax.
type Loop struct {
	Name       string
	Interval   func() time.Duration
	Jitter     time.Duration
	BackoffMax time.Duration
	// Lock, when set, makes the loop a single instance across processes.
	Lock *FileLock
	Tick func(ctx context.Context) error

	rnd func() float64
}

// Run blocks until ctx is cancelled. The first tick runs immediately.
func (l *Loop) Run(ctx context.Context) error {
	if l.Lock != nil {
		acquired, err := l.Lock.TryLock()
		if err != nil {
			return err
		}
		if !acquired {
			if pid := l.Lock.Holder(); pid > 0 {
				return fmt.Errorf("%w (pid %d)", ErrLockHeld, pid)
			}
			return ErrLockHeld
		}
		defer l.Lock.Unlock()
	}
	if l.rnd == nil {
		l.rnd = rand.Float64
	}

	slog.Info("Scheduler loop started", "loop", l.Name)
	failures := 0
	for {
		if err := l.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			slog.Warn("Scheduler loop tick failed", "loop", l.Name, "failures", failures, "error", err)
		} else {
			failures = 0
		}

		delay := NextDelay(l.interval(), l.Jitter, l.BackoffMax, failures, l.rnd())
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("Scheduler loop stopped", "loop", l.Name)
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Loop) interval() time.Duration {
	if l.Interval == nil {
		return time.Minute
	}
	return l.Interval()
}

// NextDelay computes the sleep before the next tick. r is a uniform sample
// in [0,1) used to scale the jitter.
func NextDelay(base, jitter, backoffMax time.Duration, failures int, r float64) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base
	if failures > 0 {
		for i := 0; i < failures && (backoffMax <= 0 || d < backoffMax); i++ {
			d *= 2
		}
		if backoffMax > 0 && d > backoffMax {
			d = backoffMax
		}
	}
	if jitter > 0 {
		d += time.Duration(r * float64(jitter))
	}
	return d
}
