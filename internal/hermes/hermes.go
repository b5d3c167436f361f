// Package hermes is the canonical engine and CLI registry: engine selection,
// daily token quotas, discovery of local models and CLIs, and direct
// engine execution.
package hermes

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/vx11/vx11/internal/apierr"
	"github.com/vx11/vx11/internal/config"
	"github.com/vx11/vx11/internal/httpx"
	"github.com/vx11/vx11/internal/store"
)

// LocalCPUBudgetMB is the CPU budget under which local models are preferred.
const LocalCPUBudgetMB = 256

// SelectContext narrows engine selection. Nil fields are unconstrained.
type SelectContext struct {
	CPUBudgetMB  *int  `json:"cpu_budget_mb,omitempty"`
	AllowRemote  *bool `json:"allow_remote,omitempty"`
	MaxLatencyMs *int  `json:"max_latency_ms,omitempty"`
	TokenBudget  *int  `json:"token_budget,omitempty"`
}

// Selection is the engine chosen for a domain.
type Selection struct {
	EngineID    string  `json:"engine_id"`
	EngineName  string  `json:"engine_name"`
	EngineType  string  `json:"engine_type"`
	Endpoint    string  `json:"endpoint"`
	CostPerCall float64 `json:"cost_per_call"`
	LatencyMs   int     `json:"latency_ms"`
	Score       float64 `json:"score"`
	Reason      string  `json:"reason,omitempty"`
}

// Service implements the registry operations on top of the shared store.
type Service struct {
	store      *store.Store
	cfg        config.HermesConfig
	client     *httpx.Client
	sandboxURL string
	lookPath   func(string) (string, error)
}

// New creates the registry service. sandboxURL is the base URL of the
// sandbox executor used for CLI engines.
func New(s *store.Store, cfg config.HermesConfig, client *httpx.Client, sandboxURL string) *Service {
	return &Service{
		store:      s,
		cfg:        cfg,
		client:     client,
		sandboxURL: strings.TrimRight(sandboxURL, "/"),
		lookPath:   exec.LookPath,
	}
}

// SelectEngine picks the best enabled engine for domain, or nil when no
// engine survives the filters.
func (s *Service) SelectEngine(ctx context.Context, domain string, sc SelectContext) (*Selection, error) {
	engines, err := s.store.ListEngines(ctx, domain, true)
	if err != nil {
		return nil, err
	}

	var survivors []store.Engine
	for i := range engines {
		e := &engines[i]
		if _, err := s.store.ResetQuotaIfDue(ctx, e); err != nil {
			return nil, err
		}
		if e.QuotaTokensPerDay >= 0 && e.QuotaUsedToday >= e.QuotaTokensPerDay {
			continue
		}
		if sc.AllowRemote != nil && !*sc.AllowRemote && e.EngineType == store.EngineRemoteLLM {
			continue
		}
		if sc.MaxLatencyMs != nil && *sc.MaxLatencyMs > 0 && e.LatencyMs > *sc.MaxLatencyMs {
			continue
		}
		if sc.TokenBudget != nil && e.QuotaTokensPerDay >= 0 && e.QuotaTokensPerDay-e.QuotaUsedToday < *sc.TokenBudget {
			continue
		}
		survivors = append(survivors, *e)
	}

	if sc.CPUBudgetMB != nil && *sc.CPUBudgetMB < LocalCPUBudgetMB {
		var locals []store.Engine
		for _, e := range survivors {
			if e.EngineType == store.EngineLocalModel {
				locals = append(locals, e)
			}
		}
		if len(locals) > 0 {
			survivors = locals
		}
	}
	if len(survivors) == 0 {
		slog.Debug("Hermes no engine available", "domain", domain, "candidates", len(engines))
		return nil, nil
	}

	rankEngines(survivors)
	best := survivors[0]
	return &Selection{
		EngineID:    best.ID,
		EngineName:  best.Name,
		EngineType:  best.EngineType,
		Endpoint:    best.Endpoint,
		CostPerCall: best.CostPerCall,
		LatencyMs:   best.LatencyMs,
		Score:       latencyScore(best.LatencyMs),
		Reason:      fmt.Sprintf("lowest latency %dms among %d of %d %s engines", best.LatencyMs, len(survivors), len(engines), domain),
	}, nil
}

// rankEngines orders by latency, then most recently used, then name.
func rankEngines(engines []store.Engine) {
	sort.SliceStable(engines, func(i, j int) bool {
		a, b := engines[i], engines[j]
		if a.LatencyMs != b.LatencyMs {
			return a.LatencyMs < b.LatencyMs
		}
		switch {
		case a.LastUsed != nil && b.LastUsed == nil:
			return true
		case a.LastUsed == nil && b.LastUsed != nil:
			return false
		case a.LastUsed != nil && b.LastUsed != nil && !a.LastUsed.Equal(*b.LastUsed):
			return a.LastUsed.After(*b.LastUsed)
		}
		return a.Name < b.Name
	})
}

func latencyScore(ms int) float64 {
	if ms < 0 {
		ms = 0
	}
	return 1000 / float64(1000+ms)
}

// UseQuota charges tokens against an engine's daily quota.
func (s *Service) UseQuota(ctx context.Context, engineID string, tokens int) (bool, *store.Engine, error) {
	if engineID == "" {
		return false, nil, apierr.New(apierr.KindValidation, "engine_id is required")
	}
	if tokens < 0 {
		return false, nil, apierr.New(apierr.KindValidation, "tokens must be >= 0")
	}
	ok, e, err := s.store.UseQuota(ctx, engineID, tokens)
	if err != nil {
		return false, nil, err
	}
	if !ok {
		slog.Info("Hermes quota exhausted", "engine_id", engineID, "used", e.QuotaUsedToday, "cap", e.QuotaTokensPerDay)
	}
	return ok, e, nil
}

// Catalog is the unified view of engines and CLIs.
type Catalog struct {
	Status  string           `json:"status"`
	Engines []store.Engine   `json:"engines"`
	CLIs    []store.CLIEntry `json:"clis"`
	Counts  map[string]int   `json:"counts"`
}

// Catalog lists every engine and CLI.
func (s *Service) Catalog(ctx context.Context) (*Catalog, error) {
	engines, err := s.store.ListEngines(ctx, "", false)
	if err != nil {
		return nil, err
	}
	clis, err := s.store.ListCLIs(ctx)
	if err != nil {
		return nil, err
	}
	counts := map[string]int{"engines": len(engines), "clis": len(clis)}
	for _, e := range engines {
		counts[e.EngineType]++
	}
	return &Catalog{Status: "ok", Engines: nonNil(engines), CLIs: nonNil(clis), Counts: counts}, nil
}

// RegisterEngine upserts an engine by name.
func (s *Service) RegisterEngine(ctx context.Context, e *store.Engine) (bool, error) {
	if strings.TrimSpace(e.Name) == "" {
		return false, apierr.New(apierr.KindValidation, "name is required")
	}
	switch e.EngineType {
	case store.EngineLocalModel, store.EngineCLI, store.EngineRemoteLLM:
	default:
		return false, apierr.New(apierr.KindValidation, "engine_type must be local_model, cli or remote_llm")
	}
	if e.Domain == "" {
		e.Domain = "general"
	}
	return s.store.UpsertEngine(ctx, e)
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func timeoutOr(sec int, def time.Duration) time.Duration {
	return config.Seconds(sec, def)
}
