package hormiguero

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/vx11/vx11/internal/apierr"
	"github.com/vx11/vx11/internal/bus"
	"github.com/vx11/vx11/internal/config"
	"github.com/vx11/vx11/internal/httpx"
	"github.com/vx11/vx11/internal/manifestator"
	"github.com/vx11/vx11/internal/scheduler"
	"github.com/vx11/vx11/internal/store"
)

// Intent types sent to Madre.
const (
	IntentOrganize     = "organize"
	IntentStabilizeCPU = "stabilize_cpu"
)

// Reasons the Manifestator path was skipped in a tick.
const (
	SkipCPUGate     = "cpu_gate"
	SkipBreakerOpen = "breaker_open"
)

// Endpoints are the base URLs the Queen talks to. Empty entries are
// skipped.
type Endpoints struct {
	Madre        string
	Switch       string
	Manifestator string
	Gateway      string
}

// ScanRequest selects what one tick scans. The zero value rotates to the
// next ant.
type ScanRequest struct {
	All bool   `json:"all,omitempty"`
	Ant string `json:"ant,omitempty"`
}

// TickReport summarises one Queen tick.
type TickReport struct {
	StartedAt           time.Time `json:"started_at"`
	Results             []Result  `json:"results"`
	Incidents           []string  `json:"incidents"`
	Intents             []string  `json:"intents"`
	CPUSustainedHigh    bool      `json:"cpu_sustained_high"`
	ManifestatorSkipped string    `json:"manifestator_skipped,omitempty"`
	ManifestatorCalls   int       `json:"manifestator_calls"`
}

// Queen rotates through the ants and escalates deviations.
type Queen struct {
	store    *store.Store
	cfg      config.HormigueroConfig
	client   *httpx.Client
	urls     Endpoints
	ants     []Ant
	notifier Notifier
	timeout  time.Duration

	// mu serialises ticks; escalation state below is only touched under it.
	mu              sync.Mutex
	next            int
	cpuHigh         bool
	stabilizeSent   bool
	sentDrift       string
	gatedDrift      string
	mfFailures      int
	breakerSkip     int
	breakerOpen     bool
	last            *TickReport
	wg              sync.WaitGroup
	stateMu         sync.RWMutex
	cpuHighSnapshot bool
}

// NewQueen coordinates ants against the shared store.
func NewQueen(s *store.Store, cfg config.HormigueroConfig, client *httpx.Client, urls Endpoints, ants ...Ant) *Queen {
	if cfg.ManifestatorFailureLimit <= 0 {
		cfg.ManifestatorFailureLimit = 3
	}
	if cfg.ManifestatorBackoffCycles <= 0 {
		cfg.ManifestatorBackoffCycles = 5
	}
	return &Queen{store: s, cfg: cfg, client: client, urls: urls, ants: ants, timeout: 10 * time.Second}
}

// SetNotifier installs the incident notifier.
func (q *Queen) SetNotifier(n Notifier) { q.notifier = n }

// Ants returns the ant names in rotation order.
func (q *Queen) Ants() []string {
	names := make([]string, len(q.ants))
	for i, a := range q.ants {
		names[i] = a.Name()
	}
	return names
}

// CPUSustainedHigh reports the CPU gate state after the last tick.
func (q *Queen) CPUSustainedHigh() bool {
	q.stateMu.RLock()
	defer q.stateMu.RUnlock()
	return q.cpuHighSnapshot
}

// LastTick returns the report of the most recent tick, or nil.
func (q *Queen) LastTick() *TickReport {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.last
}

// Close waits for pending event deliveries.
func (q *Queen) Close() { q.wg.Wait() }

// Interval is the base scan interval, stretched while the CPU gate is on.
func (q *Queen) Interval() time.Duration {
	d := config.Seconds(q.cfg.ScanIntervalSec, time.Minute)
	if q.CPUSustainedHigh() && q.cfg.ScanIntervalMultiplierCPUHigh > 1 {
		d = time.Duration(float64(d) * q.cfg.ScanIntervalMultiplierCPUHigh)
	}
	return d
}

// Run drives ticks until ctx is cancelled. Only one process runs the loop
// when a lock path is configured.
func (q *Queen) Run(ctx context.Context) error {
	loop := &scheduler.Loop{
		Name:       "hormiguero",
		Interval:   q.Interval,
		Jitter:     config.Seconds(q.cfg.ScanJitterSec, 5*time.Second),
		BackoffMax: config.Seconds(q.cfg.ScanBackoffMaxSec, 10*time.Minute),
		Tick: func(ctx context.Context) error {
			_, err := q.Tick(ctx, ScanRequest{})
			return err
		},
	}
	if q.cfg.LockPath != "" {
		loop.Lock = scheduler.NewFileLock(q.cfg.LockPath)
	}
	return loop.Run(ctx)
}

func (q *Queen) selectAnts(req ScanRequest) ([]Ant, error) {
	if len(q.ants) == 0 {
		return nil, apierr.New(apierr.KindValidation, "no ants configured")
	}
	if req.Ant != "" {
		for _, a := range q.ants {
			if a.Name() == req.Ant {
				return []Ant{a}, nil
			}
		}
		return nil, apierr.New(apierr.KindNotFound, "unknown ant %q", req.Ant)
	}
	if req.All {
		// The CPU sensor goes first so its verdict gates this tick.
		out := slices.Clone(q.ants)
		slices.SortStableFunc(out, func(a, b Ant) int {
			switch {
			case a.Name() == AntCPUPressure && b.Name() != AntCPUPressure:
				return -1
			case b.Name() == AntCPUPressure && a.Name() != AntCPUPressure:
				return 1
			}
			return 0
		})
		return out, nil
	}
	a := q.ants[q.next%len(q.ants)]
	q.next++
	return []Ant{a}, nil
}

// Tick scans the selected ants, records their state and escalates any
// deviation. It fails only when every scanned ant failed.
func (q *Queen) Tick(ctx context.Context, req ScanRequest) (*TickReport, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ants, err := q.selectAnts(req)
	if err != nil {
		return nil, err
	}
	q.breakerOpen = q.breakerSkip > 0
	if q.breakerOpen {
		q.breakerSkip--
	}
	report := &TickReport{StartedAt: q.store.Now(), Results: []Result{}, Incidents: []string{}, Intents: []string{}}

	failed := 0
	for _, a := range ants {
		res := a.Scan(ctx)
		if res.Stats == nil {
			res.Stats = map[string]any{}
		}
		res.Ant = a.Name()
		if res.Status == StatusError {
			failed++
			slog.Warn("Ant scan failed", "ant", res.Ant, "error", res.Error)
		}
		if res.CPU != nil {
			q.setCPUHigh(res.CPU.SustainedHigh)
		}
		q.recordState(ctx, a, res)
		report.Results = append(report.Results, res)
	}
	report.CPUSustainedHigh = q.cpuHigh

	for _, res := range report.Results {
		if res.Status != StatusDeviation {
			continue
		}
		if err := q.escalate(ctx, res, report); err != nil {
			slog.Warn("Escalation failed", "ant", res.Ant, "error", err)
		}
	}
	q.last = report
	slog.Info("Hormiguero tick", "ants", len(ants), "incidents", len(report.Incidents),
		"intents", len(report.Intents), "cpu_sustained_high", report.CPUSustainedHigh)

	if failed == len(ants) {
		return report, fmt.Errorf("all %d scans failed", failed)
	}
	return report, nil
}

func (q *Queen) setCPUHigh(high bool) {
	q.cpuHigh = high
	if !high {
		q.stabilizeSent = false
	}
	q.stateMu.Lock()
	q.cpuHighSnapshot = high
	q.stateMu.Unlock()
}

func (q *Queen) recordState(ctx context.Context, a Ant, res Result) {
	now := q.store.Now()
	st := &store.HormigaState{
		Name:            a.Name(),
		Role:            a.Role(),
		Enabled:         true,
		ScanIntervalSec: int(q.Interval().Seconds()),
		LastScanAt:      &now,
		Stats:           res.Stats,
	}
	st.Stats["status"] = res.Status
	if res.Status == StatusError {
		st.LastErrorAt = &now
		st.LastError = res.Error
	} else {
		st.LastOKAt = &now
	}
	if err := q.store.UpsertHormigaState(ctx, st); err != nil {
		slog.Warn("Ant state not recorded", "ant", a.Name(), "error", err)
	}
}

func (q *Queen) escalate(ctx context.Context, res Result, report *TickReport) error {
	switch res.Ant {
	case AntFSDrift:
		return q.escalateDrift(ctx, res, report)
	case AntCPUPressure:
		return q.escalateCPU(ctx, res, report)
	case AntHealth:
		var errs []error
		for _, name := range res.Down {
			services, _ := res.Stats["services"].(map[string]any)
			evidence, _ := services[name].(map[string]any)
			_, err := q.raise(ctx, &store.Incident{
				Kind:          AntHealth,
				Severity:      store.SeverityError,
				Title:         name + " unreachable",
				Description:   fmt.Sprintf("health probe of %s failed", name),
				Evidence:      evidence,
				CorrelationID: name,
			}, report)
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	case AntDBSanity:
		var errs []error
		if problems, _ := res.Stats["integrity_problems"].([]string); len(problems) > 0 {
			_, err := q.raise(ctx, &store.Incident{
				Kind:          AntDBSanity,
				Severity:      store.SeverityCritical,
				Title:         "store integrity check failed",
				Description:   strings.Join(problems, "; "),
				Evidence:      map[string]any{"problems": problems},
				CorrelationID: "integrity",
			}, report)
			errs = append(errs, err)
		}
		if exceeded, _ := res.Stats["daughter_errors_exceeded"].(bool); exceeded {
			n, _ := res.Stats["recent_daughter_errors"].(int)
			_, err := q.raise(ctx, &store.Incident{
				Kind:          "hijas_runtime",
				Severity:      store.SeverityWarning,
				Title:         "daughters failing",
				Description:   fmt.Sprintf("%d daughters failed or were killed recently", n),
				Evidence:      res.Stats,
				CorrelationID: "daughter_errors",
			}, report)
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}
	return nil
}

func driftSignature(d *manifestator.Drift) string {
	h := blake3.New()
	for _, p := range d.Missing {
		h.Write([]byte("-" + p + "\n"))
	}
	for _, p := range d.Extra {
		h.Write([]byte("+" + p + "\n"))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// escalateDrift records the incident, asks Switch for advice and sends an
// organize intent to Madre. The patch plan is attached unless the CPU gate
// is on or the Manifestator breaker is open. Unchanged drift is not
// re-sent.
func (q *Queen) escalateDrift(ctx context.Context, res Result, report *TickReport) error {
	d := res.Drift
	if d == nil {
		return nil
	}
	inc, err := q.raise(ctx, &store.Incident{
		Kind:             AntFSDrift,
		Severity:         store.SeverityWarning,
		Title:            "filesystem drift",
		Description:      fmt.Sprintf("%d missing, %d extra paths", len(d.Missing), len(d.Extra)),
		Evidence:         map[string]any{"missing": d.Missing, "extra": d.Extra},
		CorrelationID:    AntFSDrift,
		SuggestedActions: []string{"manifestator_patchplan"},
	}, report)
	if err != nil {
		return err
	}
	sig := driftSignature(d)
	if sig == q.sentDrift {
		return nil
	}
	switch {
	case q.cpuHigh:
		report.ManifestatorSkipped = SkipCPUGate
	case q.breakerOpen:
		report.ManifestatorSkipped = SkipBreakerOpen
	}
	if report.ManifestatorSkipped != "" && sig == q.gatedDrift {
		return nil
	}

	payload := map[string]any{"drift": d, "incident_id": inc.IncidentID}
	if advice := q.advice(ctx, IntentOrganize, map[string]any{"missing": d.Missing, "extra": d.Extra}); advice != nil {
		payload["advice"] = advice
	}
	switch report.ManifestatorSkipped {
	case SkipCPUGate:
		payload["cpu_gate"] = true
	case SkipBreakerOpen:
		payload["defer_patchplan"] = true
	default:
		patch, err := q.patchPlan(ctx, d)
		report.ManifestatorCalls++
		if err != nil {
			payload["defer_patchplan"] = true
			q.manifestatorFailed(err)
		} else {
			q.mfFailures = 0
			payload["patch"] = patch
		}
	}

	if err := q.emitIntent(ctx, IntentOrganize, payload, inc.IncidentID, report); err != nil {
		return err
	}
	if _, attached := payload["patch"]; attached {
		q.sentDrift = sig
	} else {
		q.gatedDrift = sig
	}
	return nil
}

func (q *Queen) manifestatorFailed(err error) {
	q.mfFailures++
	slog.Warn("Manifestator patch plan failed", "failures", q.mfFailures, "error", err)
	if q.mfFailures >= q.cfg.ManifestatorFailureLimit {
		q.breakerSkip = q.cfg.ManifestatorBackoffCycles
		q.mfFailures = 0
		slog.Warn("Manifestator breaker open", "skip_cycles", q.breakerSkip)
	}
}

// StabilizeConstraints bound what a stabilize_cpu intent may propose.
func StabilizeConstraints() map[string]any {
	return map[string]any{
		"no_kill_host_pids":  true,
		"only_vx11_services": true,
		"max_actions":        3,
	}
}

// StabilizeProposals are the only actions a stabilize_cpu intent suggests.
// None of them is executable.
func StabilizeProposals() []map[string]any {
	return []map[string]any{
		{"action": "pause_builders", "executable": false, "reason": "defer build and scan work until load drops"},
		{"action": "stop_optional_module", "executable": false, "reason": "optional modules can be stopped by an operator"},
		{"action": "restart_flapping_service", "executable": false, "reason": "a crash looping service may be driving load"},
	}
}

func (q *Queen) escalateCPU(ctx context.Context, res Result, report *TickReport) error {
	if res.CPU == nil || !res.CPU.SustainedHigh {
		return nil
	}
	inc, err := q.raise(ctx, &store.Incident{
		Kind:             AntCPUPressure,
		Severity:         store.SeverityWarning,
		Title:            "sustained cpu pressure",
		Description:      fmt.Sprintf("cpu averaged %.1f%% over the window", res.CPU.WindowAvgPct),
		Evidence:         res.Stats,
		CorrelationID:    AntCPUPressure,
		SuggestedActions: []string{"pause_builders", "stop_optional_module", "restart_flapping_service"},
	}, report)
	if err != nil {
		return err
	}
	if q.stabilizeSent {
		return nil
	}
	payload := map[string]any{
		"constraints":       StabilizeConstraints(),
		"suggested_actions": StabilizeProposals(),
		"cpu":               res.CPU,
		"incident_id":       inc.IncidentID,
	}
	if err := q.emitIntent(ctx, IntentStabilizeCPU, payload, inc.IncidentID, report); err != nil {
		return err
	}
	q.stabilizeSent = true
	return nil
}

// raise upserts an incident and notifies on first detection.
func (q *Queen) raise(ctx context.Context, inc *store.Incident, report *TickReport) (*store.Incident, error) {
	inc.Source = config.ServiceHormiguero
	stored, created, err := q.store.UpsertIncident(ctx, inc)
	if err != nil {
		return nil, err
	}
	report.Incidents = append(report.Incidents, stored.IncidentID)
	if !created {
		return stored, nil
	}
	slog.Info("Incident opened", "incident_id", stored.IncidentID, "kind", stored.Kind, "severity", stored.Severity)
	q.publish(bus.EventIncident, map[string]any{
		"incident_id": stored.IncidentID,
		"kind":        stored.Kind,
		"severity":    stored.Severity,
		"title":       stored.Title,
	})
	if q.notifier != nil {
		if err := q.notifier.IncidentOpened(ctx, stored); err != nil {
			slog.Warn("Incident notification failed", "incident_id", stored.IncidentID, "error", err)
		}
	}
	return stored, nil
}

type intentRequest struct {
	Type          string         `json:"type"`
	Source        string         `json:"source"`
	Payload       map[string]any `json:"payload"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

type intentResponse struct {
	IntentID string `json:"intent_id"`
	PlanID   string `json:"plan_id"`
	Status   string `json:"status"`
}

func (q *Queen) emitIntent(ctx context.Context, kind string, payload map[string]any, correlationID string, report *TickReport) error {
	if q.urls.Madre == "" {
		return nil
	}
	var out intentResponse
	req := intentRequest{Type: kind, Source: store.SourceHormiguero, Payload: payload, CorrelationID: correlationID}
	if err := q.client.PostJSON(ctx, q.urls.Madre+"/madre/intent", q.timeout, req, &out); err != nil {
		return fmt.Errorf("send %s intent: %w", kind, err)
	}
	report.Intents = append(report.Intents, kind)
	slog.Info("Intent sent to Madre", "type", kind, "intent_id", out.IntentID, "plan_status", out.Status)
	q.publish(bus.EventIntent, map[string]any{"type": kind, "intent_id": out.IntentID, "source": store.SourceHormiguero})
	return nil
}

// advice is best effort; a missing or failing Switch yields nil.
func (q *Queen) advice(ctx context.Context, kind string, payload map[string]any) map[string]any {
	if q.urls.Switch == "" {
		return nil
	}
	var out struct {
		Advice map[string]any `json:"advice"`
	}
	body := map[string]any{"kind": kind, "payload": payload}
	if err := q.client.PostJSON(ctx, q.urls.Switch+"/switch/advice", q.timeout, body, &out); err != nil {
		slog.Debug("Switch advice unavailable", "kind", kind, "error", err)
		return nil
	}
	return out.Advice
}

func (q *Queen) patchPlan(ctx context.Context, d *manifestator.Drift) (*manifestator.Patch, error) {
	if q.urls.Manifestator == "" {
		return nil, apierr.New(apierr.KindUpstreamUnavailable, "manifestator not configured")
	}
	var out struct {
		Patch *manifestator.Patch `json:"patch"`
	}
	req := manifestator.PlanRequest{Intent: IntentOrganize, Drift: d}
	if err := q.client.PostJSON(ctx, q.urls.Manifestator+"/manifestator/patchplan", q.timeout, req, &out); err != nil {
		return nil, err
	}
	if out.Patch == nil {
		return nil, apierr.New(apierr.KindUpstreamUnavailable, "manifestator returned no patch")
	}
	return out.Patch, nil
}

type gatewayEvent struct {
	Type    string         `json:"type"`
	Source  string         `json:"source"`
	Payload map[string]any `json:"payload"`
}

func (q *Queen) publish(eventType string, payload map[string]any) {
	if q.urls.Gateway == "" || q.client == nil {
		return
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		evt := gatewayEvent{Type: eventType, Source: config.ServiceHormiguero, Payload: payload}
		if err := q.client.PostJSON(ctx, q.urls.Gateway+"/events/ingest", 5*time.Second, evt, nil); err != nil {
			slog.Debug("Hormiguero event publish failed", "type", eventType, "error", err)
		}
	}()
}
