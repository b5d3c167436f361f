package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".vx11"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("VX11_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := resolveHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("VX11_HOME")); h != "" {
		if strings.HasPrefix(h, "~") {
			base, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(base, h[1:]), nil
		}
		return h, nil
	}
	return os.UserHomeDir()
}

// Load loads the configuration from file and environment variables.
// Priority: environment > file > defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	for _, f := range LoadEnvFiles() {
		slog.Debug("Loaded env file", "path", f)
	}

	path, err := ConfigPath()
	if err != nil {
		return cfg, nil // Use defaults if we can't find config path
	}

	data, err := loadResolvedConfig(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	applyEnv(cfg)
	normalize(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides each group from VX11_<GROUP>_* variables.
func applyEnv(cfg *Config) {
	envconfig.Process("VX11_LOG", &cfg.Log)
	envconfig.Process("VX11_STORE", &cfg.Store)
	envconfig.Process("VX11_AUTH", &cfg.Auth)
	envconfig.Process("VX11_SERVICES_GATEWAY", &cfg.Services.Gateway)
	envconfig.Process("VX11_SERVICES_MADRE", &cfg.Services.Madre)
	envconfig.Process("VX11_SERVICES_SWITCH", &cfg.Services.Switch)
	envconfig.Process("VX11_SERVICES_HERMES", &cfg.Services.Hermes)
	envconfig.Process("VX11_SERVICES_SPAWNER", &cfg.Services.Spawner)
	envconfig.Process("VX11_SERVICES_SANDBOX", &cfg.Services.Sandbox)
	envconfig.Process("VX11_SERVICES_HORMIGUERO", &cfg.Services.Hormiguero)
	envconfig.Process("VX11_SERVICES_MANIFESTATOR", &cfg.Services.Manifestator)
	envconfig.Process("VX11_SERVICES_SHUB", &cfg.Services.Shub)
	envconfig.Process("VX11_GATEWAY", &cfg.Gateway)
	envconfig.Process("VX11_MADRE", &cfg.Madre)
	envconfig.Process("VX11_SWITCH", &cfg.Switch)
	envconfig.Process("VX11_HERMES", &cfg.Hermes)
	envconfig.Process("VX11_SPAWNER", &cfg.Spawner)
	envconfig.Process("VX11_SANDBOX", &cfg.Sandbox)
	envconfig.Process("VX11_HORMIGUERO", &cfg.Hormiguero)
	envconfig.Process("VX11_MANIFESTATOR", &cfg.Manifestator)
	envconfig.Process("VX11_EVENTS", &cfg.Events)
	envconfig.Process("VX11_NOTIFY", &cfg.Notify)

	if mode := strings.TrimSpace(os.Getenv("VX11_MODE")); mode != "" {
		cfg.Mode = mode
	}
	// Unprefixed download switch, accepted as 0/1 or true/false.
	if v, ok := os.LookupEnv("HERMES_ALLOW_DOWNLOAD"); ok {
		cfg.Hermes.AllowDownload = parseBoolish(v)
	}
	if tok := strings.TrimSpace(os.Getenv("VX11_TOKEN")); tok != "" && cfg.Auth.Token == "" {
		cfg.Auth.Token = tok
	}
}

func normalize(cfg *Config) {
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	if cfg.Mode == "" {
		cfg.Mode = ModeFull
	}
	if strings.TrimSpace(cfg.Auth.Header) == "" {
		cfg.Auth.Header = "X-VX11-Token"
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Store.Driver)) {
	case "sqlite3":
		cfg.Store.Driver = "sqlite3"
	default:
		cfg.Store.Driver = "sqlite"
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Log.Format)) {
	case "json":
		cfg.Log.Format = "json"
	default:
		cfg.Log.Format = "text"
	}
	if cfg.Spawner.MaxActive <= 0 {
		cfg.Spawner.MaxActive = 5
	}
	if cfg.Madre.DefaultMaxRetries < 0 {
		cfg.Madre.DefaultMaxRetries = 0
	}
	if cfg.Sandbox.MaxOutputBytes <= 0 {
		cfg.Sandbox.MaxOutputBytes = 64 * 1024
	}
	if cfg.Hormiguero.ScanIntervalMultiplierCPUHigh < 1 {
		cfg.Hormiguero.ScanIntervalMultiplierCPUHigh = 1
	}
	if strings.TrimSpace(cfg.Events.KafkaTopic) == "" {
		cfg.Events.KafkaTopic = "vx11.events"
	}

	expandHome(&cfg.Store.Path)
	expandHome(&cfg.Hermes.ModelsDir)
	expandHome(&cfg.Sandbox.Root)
	expandHome(&cfg.Hormiguero.LockPath)
	expandHome(&cfg.Hormiguero.RepoRoot)
	expandHome(&cfg.Hormiguero.CanonicalMapPath)
	expandHome(&cfg.Manifestator.RepoRoot)
	expandHome(&cfg.Manifestator.CanonicalMapPath)
}

// Validate rejects configurations that cannot be served.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if !IsValidMode(cfg.Mode) {
		return fmt.Errorf("invalid mode %q (want one of %s)", cfg.Mode, strings.Join(Modes(), ", "))
	}
	if cfg.Auth.EnableAuth && strings.TrimSpace(cfg.Auth.Token) == "" {
		return fmt.Errorf("auth is enabled but no token is configured (set VX11_AUTH_TOKEN)")
	}
	if cfg.Hormiguero.CPUPressureThresholdPct <= 0 || cfg.Hormiguero.CPUPressureThresholdPct > 100 {
		return fmt.Errorf("hormiguero cpu threshold must be in (0,100], got %v", cfg.Hormiguero.CPUPressureThresholdPct)
	}
	return nil
}

func expandHome(p *string) {
	if strings.HasPrefix(*p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			*p = filepath.Join(home, (*p)[1:])
		}
	}
}

func parseBoolish(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func loadResolvedConfig(path string) ([]byte, error) {
	obj, err := loadConfigObject(path, map[string]struct{}{})
	if err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}

func loadConfigObject(path string, visited map[string]struct{}) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if _, seen := visited[absPath]; seen {
		return nil, fmt.Errorf("config include cycle detected at %s", absPath)
	}
	visited[absPath] = struct{}{}
	defer delete(visited, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		raw = map[string]any{}
	}

	merged := map[string]any{}
	if includeRaw, ok := raw["$include"]; ok {
		includeFiles, err := parseIncludes(includeRaw)
		if err != nil {
			return nil, err
		}
		baseDir := filepath.Dir(absPath)
		for _, includePath := range includeFiles {
			resolvedPath := includePath
			if !filepath.IsAbs(includePath) {
				resolvedPath = filepath.Join(baseDir, includePath)
			}
			child, err := loadConfigObject(resolvedPath, visited)
			if err != nil {
				return nil, err
			}
			deepMerge(merged, child)
		}
	}
	delete(raw, "$include")
	substituteEnvValues(raw)
	deepMerge(merged, raw)
	return merged, nil
}

func parseIncludes(v any) ([]string, error) {
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, nil
		}
		return []string{t}, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("$include entries must be strings")
			}
			if strings.TrimSpace(s) == "" {
				continue
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("$include must be a string or array of strings")
	}
}

func deepMerge(dst, src map[string]any) {
	for key, val := range src {
		srcMap, srcIsMap := val.(map[string]any)
		if !srcIsMap {
			dst[key] = val
			continue
		}
		dstMap, dstIsMap := dst[key].(map[string]any)
		if !dstIsMap {
			dstMap = map[string]any{}
			dst[key] = dstMap
		}
		deepMerge(dstMap, srcMap)
	}
}

func substituteEnvValues(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = substituteEnvValues(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = substituteEnvValues(item)
		}
		return t
	case string:
		return envPattern.ReplaceAllStringFunc(t, func(match string) string {
			parts := envPattern.FindStringSubmatch(match)
			if len(parts) != 2 {
				return match
			}
			if value, ok := os.LookupEnv(parts[1]); ok {
				return value
			}
			return match
		})
	default:
		return v
	}
}
