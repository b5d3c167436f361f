package router

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vx11/vx11/internal/config"
	"github.com/vx11/vx11/internal/hermes"
	"github.com/vx11/vx11/internal/httpx"
	"github.com/vx11/vx11/internal/store"
)

type fakeRegistry struct {
	sel        *hermes.Selection
	selErr     error
	execErr    error
	answer     string
	quotaOK    bool
	contexts   []hermes.SelectContext
	quotaCalls []int
}

func (f *fakeRegistry) SelectEngine(_ context.Context, _ string, sc hermes.SelectContext) (*hermes.Selection, error) {
	f.contexts = append(f.contexts, sc)
	return f.sel, f.selErr
}

func (f *fakeRegistry) UseQuota(_ context.Context, _ string, tokens int) (bool, error) {
	f.quotaCalls = append(f.quotaCalls, tokens)
	return f.quotaOK, nil
}

func (f *fakeRegistry) Execute(_ context.Context, req hermes.ExecuteRequest, _ time.Duration) (*hermes.ExecuteResult, error) {
	if f.execErr != nil {
		return nil, f.execErr
	}
	return &hermes.ExecuteResult{Status: "ok", EngineID: req.EngineID, Answer: f.answer}, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("sqlite", filepath.Join(t.TempDir(), "switch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestClassifyDomain(t *testing.T) {
	tests := []struct {
		query string
		want  string
	}{
		{"think about the trade-offs", DomainReasoning},
		{"Analyze this log", DomainReasoning},
		{"write a parser", DomainCodeGeneration},
		{"implement retries", DomainCodeGeneration},
		{"kubectl get pods", DomainInfrastructure},
		{"status of switch", DomainGeneral},
		{"decoder ring", DomainGeneral},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyDomain(tt.query), tt.query)
	}
}

func TestRouteExecutesAndChargesQuota(t *testing.T) {
	s := newTestStore(t)
	reg := &fakeRegistry{
		sel:     &hermes.Selection{EngineID: "e1", EngineName: "local:tiny", EngineType: store.EngineLocalModel, CostPerCall: 0.5, Score: 0.9},
		answer:  "all services nominal",
		quotaOK: true,
	}
	r := New(reg, s, config.DefaultConfig().Switch)

	res, err := r.Route(context.Background(), RouteRequest{Query: "status of switch"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Status)
	assert.Equal(t, "e1", res.EngineID)
	assert.Equal(t, DomainGeneral, res.Domain)
	assert.Equal(t, "all services nominal", res.Answer)
	assert.Equal(t, hermes.EstimateTokens("status of switch", res.Answer), res.TokensUsed)
	assert.True(t, res.QuotaOK)
	assert.Equal(t, []int{res.TokensUsed}, reg.quotaCalls)
	require.NotNil(t, reg.contexts[0].AllowRemote)
	assert.False(t, *reg.contexts[0].AllowRemote)

	events, err := s.ListRoutingEvents(context.Background(), res.TraceID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, RouteEngine, events[0].RouteType)
	assert.Equal(t, "e1", events[0].ProviderID)
}

func TestRouteFallbackWhenNoEngine(t *testing.T) {
	s := newTestStore(t)
	r := New(&fakeRegistry{}, s, config.DefaultConfig().Switch)

	res, err := r.Route(context.Background(), RouteRequest{Query: "write code", TraceID: "trace-1"})
	require.NoError(t, err)
	assert.Equal(t, RouteFallback, res.Status)
	assert.NotEmpty(t, res.Answer)
	assert.Equal(t, DomainCodeGeneration, res.Domain)

	events, _ := s.ListRoutingEvents(context.Background(), "trace-1", 10)
	require.Len(t, events, 1)
	assert.Equal(t, "none", events[0].ProviderID)
}

func TestRouteDegradesOnEngineFailure(t *testing.T) {
	s := newTestStore(t)
	reg := &fakeRegistry{sel: &hermes.Selection{EngineID: "e1", EngineName: "x"}, execErr: errors.New("boom")}
	r := New(reg, s, config.DefaultConfig().Switch)

	res, err := r.Route(context.Background(), RouteRequest{Query: "hello"})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.NotEmpty(t, res.Answer)
	assert.Empty(t, reg.quotaCalls)
}

func TestRouteLoadAwareUnderCPUPressure(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertHormigaState(context.Background(), &store.HormigaState{
		Name: "cpu_pressure", Role: "scanner", Enabled: true, Stats: map[string]any{"sustained_high": true},
	}))
	reg := &fakeRegistry{}
	cfg := config.DefaultConfig().Switch
	r := New(reg, s, cfg)

	_, err := r.Route(context.Background(), RouteRequest{Query: "hello"})
	require.NoError(t, err)
	require.Len(t, reg.contexts, 2, "expected a retry without the load ceiling")
	require.NotNil(t, reg.contexts[0].MaxLatencyMs)
	assert.Equal(t, cfg.CPUHighMaxLatencyMs, *reg.contexts[0].MaxLatencyMs)
	require.NotNil(t, reg.contexts[0].CPUBudgetMB)
	assert.Less(t, *reg.contexts[0].CPUBudgetMB, hermes.LocalCPUBudgetMB)
	assert.Nil(t, reg.contexts[1].MaxLatencyMs)

	f := r.Fluzo(context.Background())
	assert.True(t, f.CPUSustainedHigh)
	assert.True(t, f.PreferLocal)
}

func TestAdvise(t *testing.T) {
	r := New(&fakeRegistry{}, newTestStore(t), config.DefaultConfig().Switch)
	assert.Equal(t, "patchplan", r.Advise(context.Background(), AdviceRequest{Kind: "organize"}).Recommend)
	assert.Equal(t, "observe", r.Advise(context.Background(), AdviceRequest{Kind: "stabilize_cpu"}).Recommend)
	assert.Equal(t, "none", r.Advise(context.Background(), AdviceRequest{Kind: "other"}).Recommend)
}

func TestRouteThroughHermes(t *testing.T) {
	s := newTestStore(t)
	model := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response":"switch is up"}`))
	}))
	defer model.Close()

	e := &store.Engine{Name: "local:tiny", EngineType: store.EngineLocalModel, Domain: DomainGeneral,
		Endpoint: model.URL, QuotaTokensPerDay: 1000, LatencyMs: 10, Enabled: true}
	_, err := s.UpsertEngine(context.Background(), e)
	require.NoError(t, err)

	client := httpx.NewClient("X-VX11-Token", "")
	hsrv := httptest.NewServer(hermes.New(s, config.DefaultConfig().Hermes, client, "").Routes())
	defer hsrv.Close()

	r := New(hermes.NewClient(client, hsrv.URL, time.Second), s, config.DefaultConfig().Switch)
	srv := httptest.NewServer(r.Routes())
	defer srv.Close()

	var res RouteResult
	require.NoError(t, client.PostJSON(context.Background(), srv.URL+"/switch/route-v5", time.Second,
		RouteRequest{Query: "status of switch"}, &res))
	assert.Equal(t, "switch is up", res.Answer)
	assert.True(t, res.QuotaOK)

	got, _ := s.GetEngine(context.Background(), e.ID)
	assert.Equal(t, res.TokensUsed, got.QuotaUsedToday)

	resp, err := http.Post(srv.URL+"/switch/route-v5", "application/json", strings.NewReader(`{"query":" "}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}
