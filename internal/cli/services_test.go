package cli

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vx11/vx11/internal/config"
	"github.com/vx11/vx11/internal/httpx"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Auth.Token = "tok"
	cfg.Store.Path = filepath.Join(dir, "vx11.db")
	cfg.Sandbox.Root = filepath.Join(dir, "sandbox")
	cfg.Hermes.ModelsDir = filepath.Join(dir, "models")
	cfg.Hormiguero.RepoRoot = dir
	cfg.Hormiguero.LockPath = filepath.Join(dir, "queen.lock")
	cfg.Manifestator.RepoRoot = dir
	return cfg
}

func TestBuildEveryService(t *testing.T) {
	rt := newRuntime(testConfig(t))
	defer rt.Close()

	for _, name := range serviceNames {
		t.Run(name, func(t *testing.T) {
			c, err := rt.build(name)
			require.NoError(t, err)
			require.NotNil(t, c.server)

			srv := httptest.NewServer(c.handler)
			defer srv.Close()
			resp, err := http.Get(srv.URL + "/health")
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			if c.close != nil {
				c.close()
			}
		})
	}

	_, err := rt.build("shub")
	assert.Error(t, err)
	_, err = rt.build("nope")
	assert.Error(t, err)
}

func TestRunComponentsStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Services.Sandbox = config.Endpoint{Host: "127.0.0.1", Port: 0}
	rt := newRuntime(cfg)
	defer rt.Close()
	c, err := rt.build(config.ServiceSandbox)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runComponents(ctx, []*component{c}) }()

	client := httpx.NewClient(cfg.Auth.Header, cfg.Auth.Token)
	require.Eventually(t, func() bool {
		code, err := client.Health(context.Background(), "http://"+c.server.Addr()+"/health", time.Second)
		return err == nil && code == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runComponents did not return after cancel")
	}
}

func TestProbeServices(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()
	sick := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer sick.Close()

	cfg := config.DefaultConfig()
	cfg.Mode = config.ModeLowPower
	cfg.Services.Gateway.URL = up.URL
	cfg.Services.Madre.URL = sick.URL
	cfg.Services.Hermes.URL = "http://127.0.0.1:1"

	rows := probeServices(context.Background(), httpx.NewClient("X-VX11-Token", ""), cfg, time.Second)
	require.Len(t, rows, 3)
	byName := map[string]serviceHealth{}
	for _, r := range rows {
		byName[r.Service] = r
	}
	assert.True(t, byName[config.ServiceGateway].OK)
	assert.False(t, byName[config.ServiceMadre].OK)
	assert.Equal(t, http.StatusServiceUnavailable, byName[config.ServiceMadre].StatusCode)
	assert.False(t, byName[config.ServiceHermes].OK)
	assert.NotEmpty(t, byName[config.ServiceHermes].Error)
}
