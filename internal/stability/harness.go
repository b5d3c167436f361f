// Package stability runs repeated start/health/stop cycles over the services
// of a mode profile and reports how each one behaved.
package stability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vx11/vx11/internal/config"
	"github.com/vx11/vx11/internal/scheduler"
)

// Process is one launched service.
type Process interface {
	PID() int
	// Done is closed when the process exits.
	Done() <-chan struct{}
	Stop(ctx context.Context) error
}

// Launcher starts a service by name.
type Launcher interface {
	Start(ctx context.Context, cycle int, service string) (Process, error)
}

// ProbeFunc returns the HTTP status of a health URL.
type ProbeFunc func(ctx context.Context, url string) (int, error)

// TestRunner runs the tests of the package backing a service.
type TestRunner interface {
	Run(ctx context.Context, service string) TestResult
}

// Options control a harness run.
type Options struct {
	Cycles      int
	Mode        string
	MaxAttempts int
	MaxRestarts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// ProcRoot is where RSS is read from; empty disables memory sampling.
	ProcRoot string
}

func (o *Options) defaults() {
	if o.Cycles <= 0 {
		o.Cycles = 1
	}
	if o.Mode == "" {
		o.Mode = config.ModeFull
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 8
	}
	if o.MaxRestarts < 0 {
		o.MaxRestarts = 0
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 250 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 5 * time.Second
	}
}

// Harness drives the cycles.
type Harness struct {
	opts     Options
	services config.ServicesConfig
	launcher Launcher
	probe    ProbeFunc
	tests    TestRunner
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a harness. tests may be nil to skip per-module tests.
func New(opts Options, services config.ServicesConfig, l Launcher, probe ProbeFunc, tests TestRunner) (*Harness, error) {
	opts.defaults()
	if !config.IsValidMode(opts.Mode) {
		return nil, fmt.Errorf("unknown mode %q", opts.Mode)
	}
	return &Harness{
		opts:     opts,
		services: services,
		launcher: l,
		probe:    probe,
		tests:    tests,
		now:      time.Now,
		sleep:    sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run executes every cycle. A failing cycle does not stop the run; only
// context cancellation does.
func (h *Harness) Run(ctx context.Context) (*Report, error) {
	rep := &Report{Mode: h.opts.Mode, StartedAt: h.now().UTC(), Services: config.ModeServices(h.opts.Mode)}
	for i := 1; i <= h.opts.Cycles; i++ {
		if err := ctx.Err(); err != nil {
			rep.FinishedAt = h.now().UTC()
			rep.summarize()
			return rep, err
		}
		c := h.cycle(ctx, i)
		rep.Cycles = append(rep.Cycles, c)
		slog.Info("Stability cycle finished", "cycle", i, "passed", c.Passed, "duration_ms", c.DurationMs)
	}
	rep.FinishedAt = h.now().UTC()
	rep.summarize()
	return rep, nil
}

type running struct {
	name string
	proc Process
}

func (h *Harness) cycle(ctx context.Context, n int) CycleResult {
	start := h.now()
	res := CycleResult{Cycle: n, Passed: true}
	var up []running

	for _, name := range config.ModeServices(h.opts.Mode) {
		sr, proc := h.bringUp(ctx, n, name)
		if !sr.Healthy {
			res.Passed = false
		}
		if proc != nil {
			up = append(up, running{name: name, proc: proc})
		}
		res.Services = append(res.Services, sr)
	}

	if h.tests != nil {
		for _, name := range config.ModeServices(h.opts.Mode) {
			tr := h.tests.Run(ctx, name)
			if !tr.Passed && !tr.Skipped {
				res.Passed = false
			}
			res.Tests = append(res.Tests, tr)
		}
	}

	// Stop leaves last.
	for i := len(up) - 1; i >= 0; i-- {
		r := up[i]
		for j := range res.Services {
			if res.Services[j].Service == r.name {
				res.Services[j].RSSEndKB = readRSS(h.opts.ProcRoot, r.proc.PID())
			}
		}
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if err := r.proc.Stop(stopCtx); err != nil {
			slog.Warn("Stability stop failed", "service", r.name, "error", err)
		}
		cancel()
	}
	res.DurationMs = h.now().Sub(start).Milliseconds()
	return res
}

// bringUp starts name and waits for its health endpoint with exponential
// backoff, relaunching it when the process exits before it turns healthy.
func (h *Harness) bringUp(ctx context.Context, cycle int, name string) (ServiceResult, Process) {
	sr := ServiceResult{Service: name}
	url := h.services.URL(name) + "/health"
	start := h.now()

	proc, err := h.launcher.Start(ctx, cycle, name)
	if err != nil {
		sr.Error = "start: " + err.Error()
		return sr, nil
	}
	for attempt := 0; attempt < h.opts.MaxAttempts; attempt++ {
		select {
		case <-proc.Done():
			if sr.Restarts >= h.opts.MaxRestarts {
				sr.Error = "process exited before becoming healthy"
				return sr, nil
			}
			sr.Restarts++
			slog.Warn("Stability restarting service", "service", name, "restarts", sr.Restarts)
			if proc, err = h.launcher.Start(ctx, cycle, name); err != nil {
				sr.Error = "restart: " + err.Error()
				return sr, nil
			}
			continue
		default:
		}

		sr.Attempts++
		code, err := h.probe(ctx, url)
		sr.LastStatus = code
		if err == nil && code >= 200 && code < 300 {
			sr.Healthy = true
			sr.Error = ""
			sr.TimeToHealthyMs = h.now().Sub(start).Milliseconds()
			sr.PID = proc.PID()
			sr.RSSStartKB = readRSS(h.opts.ProcRoot, proc.PID())
			return sr, proc
		}
		if err != nil {
			sr.Error = err.Error()
		} else {
			sr.Error = fmt.Sprintf("health returned %d", code)
		}
		if err := h.sleep(ctx, scheduler.NextDelay(h.opts.BackoffBase, 0, h.opts.BackoffMax, attempt, 0)); err != nil {
			sr.Error = err.Error()
			break
		}
	}
	return sr, proc
}
