package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vx11/vx11/internal/bus"
	"github.com/vx11/vx11/internal/config"
)

const token = "s3cret"

type seen struct {
	mu    sync.Mutex
	token string
	path  string
	query string
	body  string
}

func upstream(t *testing.T, s *seen) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.token, s.path, s.query, s.body = r.Header.Get("X-VX11-Token"), r.URL.Path, r.URL.RawQuery, string(data)
		s.mu.Unlock()
		if r.URL.Path == "/madre/health" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(`{"status":"brewing"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newGateway(t *testing.T, mutate func(*config.Config)) (*Gateway, *httptest.Server) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Auth.EnableAuth = true
	cfg.Auth.Token = token
	cfg.Gateway.RateLimitPerMinute = 100
	cfg.Gateway.CORSAllowOrigins = []string{"http://operator.local"}
	if mutate != nil {
		mutate(cfg)
	}
	g, err := New(cfg, bus.New(16))
	require.NoError(t, err)
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)
	return g, srv
}

func send(t *testing.T, method, url, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

var authed = map[string]string{"X-VX11-Token": token}

func TestProxyForwardsVerbatim(t *testing.T) {
	s := &seen{}
	up := upstream(t, s)
	_, gw := newGateway(t, func(c *config.Config) { c.Services.Madre.URL = up.URL })

	resp := send(t, http.MethodPost, gw.URL+"/madre/chat?trace=1", `{"message":"hi"}`, authed)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	data, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"status":"brewing"}`, string(data))

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, token, s.token)
	assert.Equal(t, "/madre/chat", s.path)
	assert.Equal(t, "trace=1", s.query)
	assert.Equal(t, `{"message":"hi"}`, s.body)
}

func TestAuth(t *testing.T) {
	s := &seen{}
	up := upstream(t, s)
	_, gw := newGateway(t, func(c *config.Config) { c.Services.Madre.URL = up.URL })

	assert.Equal(t, http.StatusUnauthorized, send(t, http.MethodGet, gw.URL+"/madre/status", "", nil).StatusCode)
	assert.Equal(t, http.StatusUnauthorized,
		send(t, http.MethodGet, gw.URL+"/madre/status", "", map[string]string{"X-VX11-Token": "nope"}).StatusCode)

	// Health passes without a token and mirrors the upstream status.
	assert.Equal(t, http.StatusServiceUnavailable, send(t, http.MethodGet, gw.URL+"/madre/health", "", nil).StatusCode)
	// Only reads of a module's own health route skip auth.
	assert.Equal(t, http.StatusUnauthorized, send(t, http.MethodPost, gw.URL+"/madre/health", "{}", nil).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, send(t, http.MethodGet, gw.URL+"/madre/daughters/health", "", nil).StatusCode)

	resp := send(t, http.MethodGet, gw.URL+"/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health struct {
		Status   string   `json:"status"`
		Mode     string   `json:"mode"`
		Services []string `json:"services"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, config.ModeFull, health.Mode)
	assert.Contains(t, health.Services, config.ServiceMadre)
}

func TestUpstreamFailures(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-time.After(5 * time.Second):
		}
	}))
	defer slow.Close()
	defer close(release)

	_, gw := newGateway(t, func(c *config.Config) {
		c.Services.Hermes.URL = deadURL
		c.Services.Switch.URL = slow.URL
		c.Gateway.ProxyTimeoutSec = 1
	})

	assert.Equal(t, http.StatusBadGateway, send(t, http.MethodGet, gw.URL+"/hermes/catalog", "", authed).StatusCode)
	assert.Equal(t, http.StatusGatewayTimeout, send(t, http.MethodPost, gw.URL+"/switch/route-v5", "{}", authed).StatusCode)
	assert.Equal(t, http.StatusNotFound, send(t, http.MethodGet, gw.URL+"/nowhere/x", "", authed).StatusCode)
}

func TestRateLimit(t *testing.T) {
	s := &seen{}
	up := upstream(t, s)
	_, gw := newGateway(t, func(c *config.Config) {
		c.Services.Madre.URL = up.URL
		c.Gateway.RateLimitPerMinute = 2
	})

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusTeapot, send(t, http.MethodGet, gw.URL+"/madre/status", "", authed).StatusCode)
	}
	resp := send(t, http.MethodGet, gw.URL+"/madre/status", "", authed)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	assert.Equal(t, http.StatusOK, send(t, http.MethodGet, gw.URL+"/health", "", nil).StatusCode)
}

func TestLimiterRefills(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLimiter(60)
	l.now = func() time.Time { return now }
	for i := 0; i < 60; i++ {
		ok, _ := l.Allow("a")
		require.True(t, ok)
	}
	ok, wait := l.Allow("a")
	assert.False(t, ok)
	assert.InDelta(t, time.Second, wait, float64(10*time.Millisecond))

	other, _ := l.Allow("b")
	assert.True(t, other, "keys are limited independently")

	now = now.Add(time.Second)
	ok, _ = l.Allow("a")
	assert.True(t, ok)
	assert.Nil(t, NewLimiter(0))
}

func TestCORS(t *testing.T) {
	_, gw := newGateway(t, nil)
	pre := send(t, http.MethodOptions, gw.URL+"/madre/chat", "", map[string]string{
		"Origin": "http://operator.local", "Access-Control-Request-Method": "POST",
	})
	assert.Equal(t, http.StatusNoContent, pre.StatusCode)
	assert.Equal(t, "http://operator.local", pre.Header.Get("Access-Control-Allow-Origin"))

	denied := send(t, http.MethodOptions, gw.URL+"/madre/chat", "", map[string]string{"Origin": "http://evil.example"})
	assert.Equal(t, http.StatusForbidden, denied.StatusCode)
}

func TestEventFeed(t *testing.T) {
	g, gw := newGateway(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []string
	g.bus.Subscribe(bus.AllEvents, func(e *bus.Event) {
		mu.Lock()
		got = append(got, e.Type)
		mu.Unlock()
	})
	go func() { _ = g.bus.Dispatch(ctx) }()

	resp := send(t, http.MethodPost, gw.URL+"/events/ingest",
		`{"type":"spawn_created","source":"spawner","payload":{"daughter_id":"d1"}}`, authed)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, http.StatusUnprocessableEntity,
		send(t, http.MethodPost, gw.URL+"/events/ingest", `{"source":"x"}`, authed).StatusCode)
	assert.Equal(t, http.StatusUnauthorized,
		send(t, http.MethodPost, gw.URL+"/events/ingest", `{"type":"incident"}`, nil).StatusCode)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == bus.EventSpawnCreated
	}, 2*time.Second, 10*time.Millisecond)

	recent := send(t, http.MethodGet, gw.URL+"/events/recent?limit=5&type=spawn_created", "", authed)
	var out struct {
		Events []bus.Event `json:"events"`
	}
	require.NoError(t, json.NewDecoder(recent.Body).Decode(&out))
	require.Len(t, out.Events, 1)
	assert.Equal(t, "spawner", out.Events[0].Source)
	assert.Equal(t, "d1", out.Events[0].Payload["daughter_id"])
}
