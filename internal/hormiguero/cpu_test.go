package hormiguero

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCPUWindow(t *testing.T) {
	readings := []float64{95, 70, 99}
	i := 0
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	ant := NewCPUPressureAnt(SamplerFunc(func(context.Context) (float64, float64, error) {
		v := readings[i%len(readings)]
		i++
		return v, 1, nil
	}), 85, time.Minute)
	ant.SetClock(clk.now)

	first := ant.Scan(context.Background())
	assert.False(t, first.CPU.SustainedHigh, "a single sample covers no window")

	clk.advance(40 * time.Second)
	mid := ant.Scan(context.Background())
	assert.InDelta(t, 82.5, mid.CPU.WindowAvgPct, 0.001)
	assert.False(t, mid.CPU.SustainedHigh)

	// The 95 sample ages out; 70 and 99 average above the threshold.
	clk.advance(30 * time.Second)
	last := ant.Scan(context.Background())
	assert.Equal(t, 2, last.CPU.Samples)
	assert.InDelta(t, 84.5, last.CPU.WindowAvgPct, 0.001)
	assert.False(t, last.CPU.SustainedHigh)

	clk.advance(10 * time.Second)
	high := ant.Scan(context.Background())
	assert.True(t, high.CPU.SustainedHigh)
	assert.Equal(t, StatusDeviation, high.Status)

	// A gap longer than the window restarts observation.
	clk.advance(2 * time.Minute)
	gap := ant.Scan(context.Background())
	assert.False(t, gap.CPU.SustainedHigh)
	assert.Equal(t, 1, gap.CPU.Samples)
}

func TestCPUSamplerError(t *testing.T) {
	ant := NewCPUPressureAnt(SamplerFunc(func(context.Context) (float64, float64, error) {
		return 0, 0, errors.New("no /proc")
	}), 85, time.Minute)
	res := ant.Scan(context.Background())
	assert.Equal(t, StatusError, res.Status)
	assert.Contains(t, res.Error, "no /proc")
}

func TestProcSampler(t *testing.T) {
	dir := t.TempDir()
	write := func(stat string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "stat"), []byte(stat), 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "loadavg"), []byte("0.50 0.40 0.30 1/100 123\n"), 0o644))

	p := NewProcSampler(dir)
	write("cpu  100 0 100 800 0 0 0 0 0 0\ncpu0 1 2 3 4\n")
	pct, load, err := p.Sample(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 20, pct, 0.001)
	assert.InDelta(t, 0.5, load, 0.001)

	write("cpu  400 0 200 1600 0 0 0 0 0 0\n")
	pct, _, err = p.Sample(context.Background())
	require.NoError(t, err)
	// delta total 1200, delta idle 800
	assert.InDelta(t, 100*400.0/1200.0, pct, 0.001)

	write("garbage\n")
	_, _, err = p.Sample(context.Background())
	assert.Error(t, err)
}
