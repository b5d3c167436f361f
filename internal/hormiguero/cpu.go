package hormiguero

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// CPUReading is one sample plus the rolling window verdict.
type CPUReading struct {
	UsagePct      float64 `json:"cpu_usage_pct"`
	Load1         float64 `json:"load1"`
	WindowAvgPct  float64 `json:"window_avg_pct"`
	Samples       int     `json:"samples"`
	CoveredSec    float64 `json:"covered_sec"`
	SustainedHigh bool    `json:"sustained_high"`
}

// Sampler returns the current CPU usage percentage and 1-minute load.
type Sampler interface {
	Sample(ctx context.Context) (usagePct, load1 float64, err error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(ctx context.Context) (float64, float64, error)

func (f SamplerFunc) Sample(ctx context.Context) (float64, float64, error) { return f(ctx) }

type cpuSample struct {
	at  time.Time
	pct float64
}

// CPUPressureAnt keeps a rolling window of CPU samples. The condition is
// sustained once samples have been observed for at least the window and
// their average inside the window exceeds the threshold.
type CPUPressureAnt struct {
	sampler   Sampler
	threshold float64
	window    time.Duration
	now       func() time.Time

	mu      sync.Mutex
	samples []cpuSample
	since   time.Time
}

// NewCPUPressureAnt uses the /proc sampler when sampler is nil.
func NewCPUPressureAnt(sampler Sampler, thresholdPct float64, window time.Duration) *CPUPressureAnt {
	if sampler == nil {
		sampler = NewProcSampler("/proc")
	}
	return &CPUPressureAnt{sampler: sampler, threshold: thresholdPct, window: window, now: time.Now}
}

// SetClock overrides the clock used to age samples.
func (a *CPUPressureAnt) SetClock(now func() time.Time) { a.now = now }

func (a *CPUPressureAnt) Name() string { return AntCPUPressure }
func (a *CPUPressureAnt) Role() string { return "sensor" }

func (a *CPUPressureAnt) Scan(ctx context.Context) Result {
	pct, load1, err := a.sampler.Sample(ctx)
	if err != nil {
		return errResult(AntCPUPressure, fmt.Errorf("sample cpu: %w", err))
	}
	reading := a.observe(a.now(), pct, load1)
	res := Result{
		Ant:    AntCPUPressure,
		Status: StatusOK,
		CPU:    &reading,
		Stats: map[string]any{
			"cpu_usage_pct":  reading.UsagePct,
			"load1":          reading.Load1,
			"window_avg_pct": reading.WindowAvgPct,
			"sustained_high": reading.SustainedHigh,
			"threshold_pct":  a.threshold,
		},
	}
	if reading.SustainedHigh {
		res.Status = StatusDeviation
	}
	return res
}

func (a *CPUPressureAnt) observe(now time.Time, pct, load1 float64) CPUReading {
	a.mu.Lock()
	defer a.mu.Unlock()

	// A gap longer than the window restarts observation.
	if n := len(a.samples); n == 0 || now.Sub(a.samples[n-1].at) > a.window {
		a.samples = a.samples[:0]
		a.since = now
	}
	a.samples = append(a.samples, cpuSample{at: now, pct: pct})

	cutoff := now.Add(-a.window)
	keep := a.samples[:0]
	for _, s := range a.samples {
		if !s.at.Before(cutoff) {
			keep = append(keep, s)
		}
	}
	a.samples = keep

	var sum float64
	for _, s := range a.samples {
		sum += s.pct
	}
	avg := sum / float64(len(a.samples))
	covered := now.Sub(a.since)
	return CPUReading{
		UsagePct:      pct,
		Load1:         load1,
		WindowAvgPct:  avg,
		Samples:       len(a.samples),
		CoveredSec:    covered.Seconds(),
		SustainedHigh: covered >= a.window && avg > a.threshold,
	}
}

// ProcSampler reads /proc/stat and /proc/loadavg. Usage is computed from
// the delta against the previous call; the first call reports the average
// since boot.
type ProcSampler struct {
	root string

	mu              sync.Mutex
	lastIdle, total uint64
}

func NewProcSampler(root string) *ProcSampler {
	return &ProcSampler{root: root}
}

func (p *ProcSampler) Sample(ctx context.Context) (float64, float64, error) {
	idle, total, err := p.readStat()
	if err != nil {
		return 0, 0, err
	}
	load1, err := p.readLoad()
	if err != nil {
		return 0, 0, err
	}

	p.mu.Lock()
	dIdle, dTotal := idle-p.lastIdle, total-p.total
	p.lastIdle, p.total = idle, total
	p.mu.Unlock()

	if dTotal == 0 {
		return 0, load1, nil
	}
	return 100 * float64(dTotal-dIdle) / float64(dTotal), load1, nil
}

func (p *ProcSampler) readStat() (idle, total uint64, err error) {
	data, err := os.ReadFile(p.root + "/stat")
	if err != nil {
		return 0, 0, err
	}
	line, _, _ := strings.Cut(string(data), "\n")
	fields := strings.Fields(line)
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, 0, fmt.Errorf("unexpected /proc/stat line %q", line)
	}
	for i, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("parse /proc/stat: %w", err)
		}
		total += v
		// idle and iowait
		if i == 3 || i == 4 {
			idle += v
		}
	}
	return idle, total, nil
}

func (p *ProcSampler) readLoad() (float64, error) {
	data, err := os.ReadFile(p.root + "/loadavg")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty loadavg")
	}
	return strconv.ParseFloat(fields[0], 64)
}
