// Package router implements the Switch: it maps a query to a domain, asks
// Hermes for an engine, executes it, charges quota and records the routing
// decision.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vx11/vx11/internal/config"
	"github.com/vx11/vx11/internal/hermes"
	"github.com/vx11/vx11/internal/store"
)

// Domains produced by the keyword heuristic.
const (
	DomainReasoning      = "reasoning"
	DomainCodeGeneration = "code_generation"
	DomainInfrastructure = "infrastructure"
	DomainGeneral        = "general"
)

// Route types recorded on routing events.
const (
	RouteEngine   = "engine"
	RouteFallback = "fallback"
	RouteDegraded = "degraded"
)

var domainRules = []struct {
	re     *regexp.Regexp
	domain string
}{
	{regexp.MustCompile(`(?i)\b(reason|think|analy[sz]e)\b`), DomainReasoning},
	{regexp.MustCompile(`(?i)\b(code|write|implement)\b`), DomainCodeGeneration},
	{regexp.MustCompile(`(?i)\b(docker|kubectl|git|curl)\b`), DomainInfrastructure},
}

// ClassifyDomain maps a query to a routing domain.
func ClassifyDomain(query string) string {
	for _, r := range domainRules {
		if r.re.MatchString(query) {
			return r.domain
		}
	}
	return DomainGeneral
}

// Registry is the subset of Hermes the router depends on.
type Registry interface {
	SelectEngine(ctx context.Context, domain string, sc hermes.SelectContext) (*hermes.Selection, error)
	UseQuota(ctx context.Context, engineID string, tokens int) (bool, error)
	Execute(ctx context.Context, req hermes.ExecuteRequest, timeout time.Duration) (*hermes.ExecuteResult, error)
}

// RouteRequest is the body of POST /switch/route-v5.
type RouteRequest struct {
	Query   string               `json:"query"`
	Domain  string               `json:"domain,omitempty"`
	Context hermes.SelectContext `json:"context"`
	TraceID string               `json:"trace_id,omitempty"`
}

// RouteResult is returned for every routed query, including fallbacks.
type RouteResult struct {
	Status       string    `json:"status"`
	TraceID      string    `json:"trace_id"`
	EngineID     string    `json:"engine_id"`
	EngineName   string    `json:"engine_name"`
	EngineType   string    `json:"engine_type"`
	Domain       string    `json:"domain"`
	Answer       string    `json:"answer"`
	CostEstimate float64   `json:"cost_estimate"`
	TokensUsed   int       `json:"tokens_used"`
	QuotaOK      bool      `json:"quota_ok"`
	Reasoning    string    `json:"reasoning"`
	Degraded     bool      `json:"degraded,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Router routes queries to engines.
type Router struct {
	registry Registry
	store    *store.Store
	cfg      config.SwitchConfig

	inflight atomic.Int64
	total    atomic.Int64
	now      func() time.Time
}

// New creates a router backed by a Hermes registry and the shared store.
func New(reg Registry, s *store.Store, cfg config.SwitchConfig) *Router {
	return &Router{registry: reg, store: s, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// Route selects, executes and records one query.
func (r *Router) Route(ctx context.Context, req RouteRequest) (*RouteResult, error) {
	r.inflight.Add(1)
	defer r.inflight.Add(-1)
	r.total.Add(1)

	domain := req.Domain
	if domain == "" {
		domain = ClassifyDomain(req.Query)
	}
	traceID := req.TraceID
	if traceID == "" {
		traceID = ulid.Make().String()
	}
	res := &RouteResult{Status: "ok", TraceID: traceID, Domain: domain, Timestamp: r.now()}

	sc := req.Context
	if sc.AllowRemote == nil {
		allow := r.cfg.AllowRemoteDefault
		sc.AllowRemote = &allow
	}
	cpuHigh := r.CPUSustainedHigh(ctx)
	sel, err := r.registry.SelectEngine(ctx, domain, r.loadAware(sc, cpuHigh))
	if err == nil && sel == nil && cpuHigh {
		sel, err = r.registry.SelectEngine(ctx, domain, sc)
	}
	if err != nil {
		slog.Warn("Switch engine selection failed", "trace_id", traceID, "domain", domain, "error", err)
		r.fallback(res, RouteDegraded, fmt.Sprintf("registry unavailable: %v", err))
		res.Degraded = true
		r.record(ctx, res, "none", 0)
		return res, nil
	}
	if sel == nil {
		r.fallback(res, RouteFallback, "no engine available for domain "+domain)
		r.record(ctx, res, "none", 0)
		return res, nil
	}

	res.EngineID = sel.EngineID
	res.EngineName = sel.EngineName
	res.EngineType = sel.EngineType
	res.CostEstimate = sel.CostPerCall
	res.Reasoning = sel.Reason

	out, err := r.registry.Execute(ctx, hermes.ExecuteRequest{
		EngineID: sel.EngineID, Prompt: req.Query, Domain: domain, TraceID: traceID,
	}, config.Seconds(r.cfg.EngineTimeoutSec, 30*time.Second))
	if err != nil {
		slog.Warn("Switch engine execution failed", "trace_id", traceID, "engine", sel.EngineName, "error", err)
		r.fallback(res, RouteDegraded, fmt.Sprintf("engine %s failed: %v", sel.EngineName, err))
		res.Degraded = true
		r.record(ctx, res, sel.EngineID, sel.Score)
		return res, nil
	}
	res.Answer = out.Answer
	res.TokensUsed = hermes.EstimateTokens(req.Query, out.Answer)

	ok, err := r.registry.UseQuota(ctx, sel.EngineID, res.TokensUsed)
	if err != nil {
		slog.Warn("Switch quota charge failed", "trace_id", traceID, "engine", sel.EngineName, "error", err)
	}
	res.QuotaOK = ok
	r.record(ctx, res, sel.EngineID, sel.Score)
	slog.Info("Switch routed query", "trace_id", traceID, "domain", domain, "engine", sel.EngineName,
		"tokens", res.TokensUsed, "quota_ok", ok)
	return res, nil
}

// loadAware lowers the latency ceiling and prefers local engines while the
// cluster is under sustained CPU pressure.
func (r *Router) loadAware(sc hermes.SelectContext, cpuHigh bool) hermes.SelectContext {
	if !cpuHigh {
		return sc
	}
	ceiling := r.cfg.CPUHighMaxLatencyMs
	if ceiling > 0 && (sc.MaxLatencyMs == nil || *sc.MaxLatencyMs > ceiling) {
		sc.MaxLatencyMs = &ceiling
	}
	budget := hermes.LocalCPUBudgetMB / 2
	if sc.CPUBudgetMB == nil || *sc.CPUBudgetMB > budget {
		sc.CPUBudgetMB = &budget
	}
	return sc
}

func (r *Router) fallback(res *RouteResult, kind, reason string) {
	res.Status = kind
	res.EngineID = ""
	res.EngineName = "local-fallback"
	res.EngineType = RouteFallback
	res.Reasoning = reason
	res.Answer = fmt.Sprintf("[%s] request accepted for domain %s; %s", kind, res.Domain, reason)
}

func (r *Router) record(ctx context.Context, res *RouteResult, providerID string, score float64) {
	routeType := RouteEngine
	if res.Status != "ok" {
		routeType = res.Status
	}
	ev := &store.RoutingEvent{
		TraceID: res.TraceID, RouteType: routeType, ProviderID: providerID,
		Score: score, ReasoningShort: truncate(res.Reasoning, 200),
	}
	if err := r.store.AppendRoutingEvent(ctx, ev); err != nil {
		slog.Warn("Switch routing event write failed", "trace_id", res.TraceID, "error", err)
	}
}

// CPUSustainedHigh reports the last cpu_pressure reading persisted by the
// Hormiguero scanner.
func (r *Router) CPUSustainedHigh(ctx context.Context) bool {
	states, err := r.store.ListHormigaStates(ctx)
	if err != nil {
		return false
	}
	for _, st := range states {
		if st.Name == "cpu_pressure" {
			v, _ := st.Stats["sustained_high"].(bool)
			return v
		}
	}
	return false
}

// TaskRequest is the body of POST /switch/task.
type TaskRequest struct {
	TaskType string               `json:"task_type"`
	Payload  map[string]any       `json:"payload"`
	Context  hermes.SelectContext `json:"context"`
}

var taskDomains = map[string]string{
	"code":            DomainCodeGeneration,
	"code_generation": DomainCodeGeneration,
	"analysis":        DomainReasoning,
	"reasoning":       DomainReasoning,
	"infra":           DomainInfrastructure,
	"infrastructure":  DomainInfrastructure,
}

// Task routes a typed task. The query is taken from payload.query, prompt
// or description.
func (r *Router) Task(ctx context.Context, req TaskRequest) (*RouteResult, error) {
	var query string
	for _, key := range []string{"query", "prompt", "description"} {
		if v, ok := req.Payload[key].(string); ok && strings.TrimSpace(v) != "" {
			query = v
			break
		}
	}
	domain := taskDomains[strings.ToLower(req.TaskType)]
	if query == "" {
		query = req.TaskType
	}
	return r.Route(ctx, RouteRequest{Query: query, Domain: domain, Context: req.Context})
}

// AdviceRequest is the body of POST /switch/advice.
type AdviceRequest struct {
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload"`
}

// Advice is a non-binding recommendation.
type Advice struct {
	Recommend   string `json:"recommend"`
	Target      string `json:"target,omitempty"`
	PreferLocal bool   `json:"prefer_local,omitempty"`
	Reason      string `json:"reason"`
}

// Advise returns a recommendation for a Hormiguero finding.
func (r *Router) Advise(ctx context.Context, req AdviceRequest) Advice {
	cpuHigh := r.CPUSustainedHigh(ctx)
	switch req.Kind {
	case "organize", "fs_drift":
		a := Advice{Recommend: "patchplan", Target: config.ServiceManifestator, Reason: "drift is reconciled by a reviewed patch plan"}
		if cpuHigh {
			a.Reason = "cpu sustained high; build the plan but defer apply"
		}
		return a
	case "stabilize_cpu", "cpu_pressure":
		return Advice{Recommend: "observe", PreferLocal: true, Reason: "route to local engines until pressure clears"}
	case "health":
		return Advice{Recommend: "healthcheck", Target: config.ServiceMadre, Reason: "re-check dependencies before acting"}
	}
	return Advice{Recommend: "none", PreferLocal: cpuHigh, Reason: "no advice for kind " + req.Kind}
}

// Fluzo is the router's load snapshot.
type Fluzo struct {
	Status           string `json:"status"`
	CPUSustainedHigh bool   `json:"cpu_sustained_high"`
	PreferLocal      bool   `json:"prefer_local"`
	InflightRoutes   int64  `json:"inflight_routes"`
	RoutesTotal      int64  `json:"routes_total"`
	MaxLatencyMs     int    `json:"max_latency_ms,omitempty"`
}

// Fluzo reports current load signals.
func (r *Router) Fluzo(ctx context.Context) Fluzo {
	high := r.CPUSustainedHigh(ctx)
	f := Fluzo{Status: "ok", CPUSustainedHigh: high, PreferLocal: high,
		InflightRoutes: r.inflight.Load(), RoutesTotal: r.total.Load()}
	if high {
		f.MaxLatencyMs = r.cfg.CPUHighMaxLatencyMs
	}
	return f
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
