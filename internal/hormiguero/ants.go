// Package hormiguero runs the autonomic scanner: a Queen that rotates
// through read-only Ants, turns deviations into incidents and intents for
// Madre, and executes approved housekeeping actions.
package hormiguero

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vx11/vx11/internal/httpx"
	"github.com/vx11/vx11/internal/manifestator"
	"github.com/vx11/vx11/internal/store"
)

// Ant names.
const (
	AntFSDrift     = "fs_drift"
	AntHealth      = "health"
	AntDBSanity    = "db_sanity"
	AntCPUPressure = "cpu_pressure"
)

// Scan outcomes.
const (
	StatusOK        = "ok"
	StatusDeviation = "deviation"
	StatusError     = "error"
)

// Result is what one ant reports for one scan.
type Result struct {
	Ant    string              `json:"ant"`
	Status string              `json:"status"`
	Stats  map[string]any      `json:"stats"`
	Error  string              `json:"error,omitempty"`
	Drift  *manifestator.Drift `json:"drift,omitempty"`
	CPU    *CPUReading         `json:"cpu,omitempty"`
	// Down lists unhealthy services for the health ant.
	Down []string `json:"down,omitempty"`
}

// Ant is a single purpose scanner. Scan must not modify what it scans.
type Ant interface {
	Name() string
	Role() string
	Scan(ctx context.Context) Result
}

func errResult(name string, err error) Result {
	return Result{Ant: name, Status: StatusError, Stats: map[string]any{}, Error: err.Error()}
}

// FSDriftAnt compares the repository tree against the canonical map.
type FSDriftAnt struct {
	root  string
	canon *manifestator.CanonicalMap
}

// NewFSDriftAnt loads the canonical map at mapPath (the built-in map when
// empty).
func NewFSDriftAnt(root, mapPath string) (*FSDriftAnt, error) {
	canon, err := manifestator.LoadCanonicalMap(mapPath)
	if err != nil {
		return nil, err
	}
	if root == "" {
		root = "."
	}
	return &FSDriftAnt{root: root, canon: canon}, nil
}

func (a *FSDriftAnt) Name() string { return AntFSDrift }
func (a *FSDriftAnt) Role() string { return "scanner" }

func (a *FSDriftAnt) Scan(ctx context.Context) Result {
	d, err := manifestator.ScanDrift(a.root, a.canon)
	if err != nil {
		return errResult(AntFSDrift, err)
	}
	res := Result{
		Ant:    AntFSDrift,
		Status: StatusOK,
		Drift:  d,
		Stats:  map[string]any{"missing": len(d.Missing), "extra": len(d.Extra)},
	}
	if !d.Empty() {
		res.Status = StatusDeviation
	}
	return res
}

// HealthAnt probes each service's /health endpoint concurrently.
type HealthAnt struct {
	client   *httpx.Client
	services map[string]string
	timeout  time.Duration
}

// NewHealthAnt probes services, a map of module name to base URL.
func NewHealthAnt(client *httpx.Client, services map[string]string, timeout time.Duration) *HealthAnt {
	return &HealthAnt{client: client, services: services, timeout: timeout}
}

func (a *HealthAnt) Name() string { return AntHealth }
func (a *HealthAnt) Role() string { return "scanner" }

func (a *HealthAnt) Scan(ctx context.Context) Result {
	var mu sync.Mutex
	report := make(map[string]any, len(a.services))
	var down []string

	g, gctx := errgroup.WithContext(ctx)
	for name, url := range a.services {
		g.Go(func() error {
			code, err := a.client.Health(gctx, url+"/health", a.timeout)
			ok := err == nil && code >= 200 && code < 300
			entry := map[string]any{"ok": ok}
			if code != 0 {
				entry["status_code"] = code
			}
			if err != nil {
				entry["error"] = err.Error()
			}
			mu.Lock()
			report[name] = entry
			if !ok {
				down = append(down, name)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(down)

	res := Result{Ant: AntHealth, Status: StatusOK, Stats: map[string]any{"services": report, "down": len(down)}, Down: down}
	if len(down) > 0 {
		res.Status = StatusDeviation
	}
	return res
}

// DBSanityAnt runs the store integrity check and counts recent daughter
// failures.
type DBSanityAnt struct {
	store *store.Store
	// Window is how far back daughter errors are counted.
	Window time.Duration
	// ErrorLimit is the failure count that counts as a deviation.
	ErrorLimit int
}

func NewDBSanityAnt(s *store.Store) *DBSanityAnt {
	return &DBSanityAnt{store: s, Window: 15 * time.Minute, ErrorLimit: 5}
}

func (a *DBSanityAnt) Name() string { return AntDBSanity }
func (a *DBSanityAnt) Role() string { return "scanner" }

func (a *DBSanityAnt) Scan(ctx context.Context) Result {
	problems, err := a.store.IntegrityCheck(ctx)
	if err != nil {
		return errResult(AntDBSanity, fmt.Errorf("integrity check: %w", err))
	}
	recent, err := a.store.CountRecentDaughterErrors(ctx, a.store.Now().Add(-a.Window))
	if err != nil {
		return errResult(AntDBSanity, err)
	}
	res := Result{Ant: AntDBSanity, Status: StatusOK, Stats: map[string]any{
		"integrity_problems":       problems,
		"recent_daughter_errors":   recent,
		"window_sec":               int(a.Window.Seconds()),
		"daughter_errors_exceeded": recent >= a.ErrorLimit,
	}}
	if len(problems) > 0 || recent >= a.ErrorLimit {
		res.Status = StatusDeviation
	}
	return res
}
