package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// isolate points HOME and VX11_CONFIG at a scratch dir so the developer's
// own config never leaks into a test.
func isolate(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("HOME", tmp)
	t.Setenv("VX11_HOME", tmp)
	t.Setenv("VX11_CONFIG", "")
	t.Setenv("VX11_ENV_FILE", "")
	t.Setenv("VX11_MODE", "")
	t.Setenv("VX11_AUTH_TOKEN", "test-token")
	return tmp
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeFull {
		t.Fatalf("expected default mode full, got %q", cfg.Mode)
	}
	if cfg.Auth.Header != "X-VX11-Token" {
		t.Fatalf("unexpected auth header %q", cfg.Auth.Header)
	}
	if cfg.Spawner.MaxActive != 5 || cfg.Spawner.HeartbeatTTLSec != 120 {
		t.Fatalf("unexpected spawner defaults: %+v", cfg.Spawner)
	}
	if cfg.Hormiguero.CPUPressureThresholdPct != 85 || cfg.Hormiguero.ScanIntervalMultiplierCPUHigh != 3 {
		t.Fatalf("unexpected hormiguero defaults: %+v", cfg.Hormiguero)
	}
	if strings.HasPrefix(cfg.Store.Path, "~") {
		t.Fatalf("expected store path to be expanded, got %q", cfg.Store.Path)
	}
}

func TestLoadWithIncludeAndEnvSubstitution(t *testing.T) {
	tmp := isolate(t)
	configDir := filepath.Join(tmp, ConfigDir)
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}

	baseCfg := `{
		"spawner": { "maxActive": 9, "heartbeatTtlSec": 30 },
		"services": { "madre": { "host": "10.0.0.2", "port": 9001 } }
	}`
	mainCfg := `{
		"$include": "base.json",
		"mode": "${TEST_VX11_MODE}",
		"services": { "madre": { "port": 7777 } }
	}`
	if err := os.WriteFile(filepath.Join(configDir, "base.json"), []byte(baseCfg), 0o600); err != nil {
		t.Fatalf("write base config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, ConfigFile), []byte(mainCfg), 0o600); err != nil {
		t.Fatalf("write main config: %v", err)
	}
	t.Setenv("TEST_VX11_MODE", "window")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Mode != ModeWindow {
		t.Fatalf("expected env-substituted mode, got %q", cfg.Mode)
	}
	if cfg.Spawner.MaxActive != 9 {
		t.Fatalf("expected maxActive from include file, got %d", cfg.Spawner.MaxActive)
	}
	if cfg.Services.Madre.Port != 7777 || cfg.Services.Madre.Host != "10.0.0.2" {
		t.Fatalf("expected merged madre endpoint, got %+v", cfg.Services.Madre)
	}
	if got := cfg.Services.URL("madre"); got != "http://10.0.0.2:7777" {
		t.Fatalf("unexpected madre url %q", got)
	}
}

func TestLoadIncludeCycleFails(t *testing.T) {
	tmp := isolate(t)
	a := filepath.Join(tmp, "a.json")
	b := filepath.Join(tmp, "b.json")
	if err := os.WriteFile(a, []byte(`{"$include":"b.json"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte(`{"$include":"a.json"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VX11_CONFIG", a)

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected include cycle error, got %v", err)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	tmp := isolate(t)
	path := filepath.Join(tmp, "custom.json")
	if err := os.WriteFile(path, []byte(`{"hormiguero":{"actionsEnabled":false,"scanIntervalSec":60}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VX11_CONFIG", path)
	t.Setenv("VX11_HORMIGUERO_ACTIONS_ENABLED", "true")
	t.Setenv("VX11_HORMIGUERO_SCAN_INTERVAL_SEC", "15")
	t.Setenv("VX11_SERVICES_SWITCH_URL", "http://switch.internal:8080/")
	t.Setenv("VX11_MODE", "low_power")
	t.Setenv("HERMES_ALLOW_DOWNLOAD", "1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Hormiguero.ActionsEnabled {
		t.Fatal("expected env to enable actions")
	}
	if cfg.Hormiguero.ScanIntervalSec != 15 {
		t.Fatalf("expected scan interval 15, got %d", cfg.Hormiguero.ScanIntervalSec)
	}
	if got := cfg.Services.URL("switch"); got != "http://switch.internal:8080" {
		t.Fatalf("unexpected switch url %q", got)
	}
	if cfg.Mode != ModeLowPower {
		t.Fatalf("expected low_power mode, got %q", cfg.Mode)
	}
	if !cfg.Hermes.AllowDownload {
		t.Fatal("expected HERMES_ALLOW_DOWNLOAD=1 to enable downloads")
	}
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	isolate(t)
	t.Setenv("VX11_MODE", "turbo")

	if _, err := Load(); err == nil {
		t.Fatal("expected unknown mode to be rejected")
	}
}

func TestValidateRequiresTokenWhenAuthEnabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth.Token = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected missing token to fail validation")
	}
	cfg.Auth.EnableAuth = false
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected auth-disabled config to validate, got %v", err)
	}
}
