// Package config provides configuration types and loading for vx11 services.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration struct.
// Every service reads the same file; each one only looks at its own group
// plus Store, Auth and Services.
type Config struct {
	Mode         string             `json:"mode"`
	Log          LogConfig          `json:"log"`
	Store        StoreConfig        `json:"store"`
	Auth         AuthConfig         `json:"auth"`
	Services     ServicesConfig     `json:"services"`
	Gateway      GatewayConfig      `json:"gateway"`
	Madre        MadreConfig        `json:"madre"`
	Switch       SwitchConfig       `json:"switch"`
	Hermes       HermesConfig       `json:"hermes"`
	Spawner      SpawnerConfig      `json:"spawner"`
	Sandbox      SandboxConfig      `json:"sandbox"`
	Hormiguero   HormigueroConfig   `json:"hormiguero"`
	Manifestator ManifestatorConfig `json:"manifestator"`
	Events       EventsConfig       `json:"events"`
	Notify       NotifyConfig       `json:"notify"`
}

// ---------------------------------------------------------------------------
// Log / Store / Auth
// ---------------------------------------------------------------------------

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // "text" or "json"
}

// StoreConfig points every service at the shared state store.
type StoreConfig struct {
	Driver string `json:"driver"` // "sqlite" (pure Go) or "sqlite3" (cgo)
	Path   string `json:"path"`
}

// AuthConfig holds the shared-secret settings.
type AuthConfig struct {
	EnableAuth bool   `json:"enableAuth" envconfig:"ENABLE_AUTH"`
	Header     string `json:"header"`
	Token      string `json:"token"`
}

// ---------------------------------------------------------------------------
// Services – network addresses
// ---------------------------------------------------------------------------

// Endpoint is the bind address and the URL other services use to reach it.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	URL  string `json:"url,omitempty"`
}

// Addr returns host:port for binding.
func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// BaseURL returns the explicit URL override or one derived from host/port.
func (e Endpoint) BaseURL() string {
	if u := strings.TrimSpace(e.URL); u != "" {
		return strings.TrimRight(u, "/")
	}
	host := e.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, e.Port)
}

// ServicesConfig lists every service endpoint in the cluster.
type ServicesConfig struct {
	Gateway      Endpoint `json:"gateway"`
	Madre        Endpoint `json:"madre"`
	Switch       Endpoint `json:"switch"`
	Hermes       Endpoint `json:"hermes"`
	Spawner      Endpoint `json:"spawner"`
	Sandbox      Endpoint `json:"sandbox"`
	Hormiguero   Endpoint `json:"hormiguero"`
	Manifestator Endpoint `json:"manifestator"`
	Shub         Endpoint `json:"shub"`
}

// Lookup returns the endpoint registered under a module name.
func (s ServicesConfig) Lookup(name string) (Endpoint, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case ServiceGateway:
		return s.Gateway, true
	case ServiceMadre:
		return s.Madre, true
	case ServiceSwitch:
		return s.Switch, true
	case ServiceHermes:
		return s.Hermes, true
	case ServiceSpawner, "spawn":
		return s.Spawner, true
	case ServiceSandbox, "mcp":
		return s.Sandbox, true
	case ServiceHormiguero:
		return s.Hormiguero, true
	case ServiceManifestator:
		return s.Manifestator, true
	case ServiceShub:
		return s.Shub, true
	}
	return Endpoint{}, false
}

// URL returns the base URL for a module or "" when unknown.
func (s ServicesConfig) URL(name string) string {
	ep, ok := s.Lookup(name)
	if !ok {
		return ""
	}
	return ep.BaseURL()
}

// ---------------------------------------------------------------------------
// Per-service groups
// ---------------------------------------------------------------------------

// GatewayConfig contains front-door settings.
type GatewayConfig struct {
	RateLimitPerMinute int      `json:"rateLimitPerMinute" envconfig:"RATE_LIMIT_PER_MINUTE"`
	CORSAllowOrigins   []string `json:"corsAllowOrigins" envconfig:"CORS_ALLOW_ORIGINS"`
	ProxyTimeoutSec    int      `json:"proxyTimeoutSec" envconfig:"PROXY_TIMEOUT_SEC"`
	HealthTimeoutSec   int      `json:"healthTimeoutSec" envconfig:"HEALTH_TIMEOUT_SEC"`
	RecentEvents       int      `json:"recentEvents" envconfig:"RECENT_EVENTS"`
}

// MadreConfig contains orchestrator settings.
type MadreConfig struct {
	CriticalDeps       []string `json:"criticalDeps" envconfig:"CRITICAL_DEPS"`
	HealthTimeoutSec   int      `json:"healthTimeoutSec" envconfig:"HEALTH_TIMEOUT_SEC"`
	ControlTimeoutSec  int      `json:"controlTimeoutSec" envconfig:"CONTROL_TIMEOUT_SEC"`
	UseSwitchRefiner   bool     `json:"useSwitchRefiner" envconfig:"USE_SWITCH_REFINER"`
	ShubEnabled        bool     `json:"shubEnabled" envconfig:"SHUB_ENABLED"`
	DefaultMaxRetries  int      `json:"defaultMaxRetries" envconfig:"DEFAULT_MAX_RETRIES"`
	DefaultDaughterTTL int      `json:"defaultDaughterTtlSec" envconfig:"DEFAULT_DAUGHTER_TTL_SEC"`
	ConfirmTTLSec      int      `json:"confirmTtlSec" envconfig:"CONFIRM_TTL_SEC"`
}

// SwitchConfig contains router settings.
type SwitchConfig struct {
	EngineTimeoutSec    int  `json:"engineTimeoutSec" envconfig:"ENGINE_TIMEOUT_SEC"`
	AllowRemoteDefault  bool `json:"allowRemoteDefault" envconfig:"ALLOW_REMOTE_DEFAULT"`
	CPUHighMaxLatencyMs int  `json:"cpuHighMaxLatencyMs" envconfig:"CPU_HIGH_MAX_LATENCY_MS"`
}

// HermesConfig contains registry settings.
type HermesConfig struct {
	ModelsDir     string   `json:"modelsDir" envconfig:"MODELS_DIR"`
	KnownCLIs     []string `json:"knownClis" envconfig:"KNOWN_CLIS"`
	AllowDownload bool     `json:"allowDownload" envconfig:"ALLOW_DOWNLOAD"`
	DefaultQuota  int      `json:"defaultQuotaTokensPerDay" envconfig:"DEFAULT_QUOTA"`
	CLITimeoutSec int      `json:"cliTimeoutSec" envconfig:"CLI_TIMEOUT_SEC"`
	ModelEndpoint string   `json:"modelEndpoint" envconfig:"MODEL_ENDPOINT"`
}

// SpawnerConfig contains daughter lifecycle settings.
type SpawnerConfig struct {
	MaxActive        int      `json:"maxActive" envconfig:"MAX_ACTIVE"`
	HeartbeatTTLSec  int      `json:"heartbeatTtlSec" envconfig:"HEARTBEAT_TTL_SEC"`
	SweepIntervalSec int      `json:"sweepIntervalSec" envconfig:"SWEEP_INTERVAL_SEC"`
	AllowedCommands  []string `json:"allowedCommands" envconfig:"ALLOWED_COMMANDS"`
	ExecTimeoutSec   int      `json:"execTimeoutSec" envconfig:"EXEC_TIMEOUT_SEC"`
	NotifyTimeoutSec int      `json:"notifyTimeoutSec" envconfig:"NOTIFY_TIMEOUT_SEC"`
}

// SandboxConfig contains sandboxed executor settings.
type SandboxConfig struct {
	Root            string   `json:"root"`
	AllowedCommands []string `json:"allowedCommands" envconfig:"ALLOWED_COMMANDS"`
	MaxTimeoutSec   int      `json:"maxTimeoutSec" envconfig:"MAX_TIMEOUT_SEC"`
	MaxOutputBytes  int      `json:"maxOutputBytes" envconfig:"MAX_OUTPUT_BYTES"`
}

// HormigueroConfig contains the autonomic scanner settings.
type HormigueroConfig struct {
	Enabled                       bool    `json:"enabled"`
	ActionsEnabled                bool    `json:"actionsEnabled" envconfig:"ACTIONS_ENABLED"`
	RepoRoot                      string  `json:"repoRoot" envconfig:"REPO_ROOT"`
	CanonicalMapPath              string  `json:"canonicalMapPath" envconfig:"CANONICAL_MAP_PATH"`
	ScanIntervalSec               int     `json:"scanIntervalSec" envconfig:"SCAN_INTERVAL_SEC"`
	ScanJitterSec                 int     `json:"scanJitterSec" envconfig:"SCAN_JITTER_SEC"`
	ScanBackoffMaxSec             int     `json:"scanBackoffMaxSec" envconfig:"SCAN_BACKOFF_MAX_SEC"`
	CPUPressureThresholdPct       float64 `json:"cpuPressureThresholdPct" envconfig:"CPU_PRESSURE_THRESHOLD_PCT"`
	CPUPressureWindowSec          int     `json:"cpuPressureWindowSec" envconfig:"CPU_PRESSURE_WINDOW_SEC"`
	ScanIntervalMultiplierCPUHigh float64 `json:"scanIntervalMultiplierCpuHigh" envconfig:"SCAN_INTERVAL_MULTIPLIER_CPU_HIGH"`
	ManifestatorFailureLimit      int     `json:"manifestatorFailureLimit" envconfig:"MANIFESTATOR_FAILURE_LIMIT"`
	ManifestatorBackoffCycles     int     `json:"manifestatorBackoffCycles" envconfig:"MANIFESTATOR_BACKOFF_CYCLES"`
	LockPath                      string  `json:"lockPath" envconfig:"LOCK_PATH"`
}

// ManifestatorConfig contains reconciler settings.
type ManifestatorConfig struct {
	RepoRoot         string `json:"repoRoot" envconfig:"REPO_ROOT"`
	BackupRoot       string `json:"backupRoot" envconfig:"BACKUP_ROOT"`
	CanonicalMapPath string `json:"canonicalMapPath" envconfig:"CANONICAL_MAP_PATH"`
}

// EventsConfig configures the gateway event sink.
type EventsConfig struct {
	KafkaBrokers string `json:"kafkaBrokers" envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string `json:"kafkaTopic" envconfig:"KAFKA_TOPIC"`
}

// NotifyConfig configures incident notifications.
type NotifyConfig struct {
	SlackWebhookURL string `json:"slackWebhookUrl" envconfig:"SLACK_WEBHOOK_URL"`
	MinSeverity     string `json:"minSeverity" envconfig:"MIN_SEVERITY"`
}

// Seconds converts an integer second setting into a duration, falling back
// to def when the setting is not positive.
func Seconds(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Second
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Mode: ModeFull,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "~/.vx11/vx11.db",
		},
		Auth: AuthConfig{
			EnableAuth: true,
			Header:     "X-VX11-Token",
		},
		Services: ServicesConfig{
			Gateway:      Endpoint{Host: "127.0.0.1", Port: 8000},
			Madre:        Endpoint{Host: "127.0.0.1", Port: 8001},
			Switch:       Endpoint{Host: "127.0.0.1", Port: 8002},
			Hermes:       Endpoint{Host: "127.0.0.1", Port: 8003},
			Hormiguero:   Endpoint{Host: "127.0.0.1", Port: 8004},
			Manifestator: Endpoint{Host: "127.0.0.1", Port: 8005},
			Shub:         Endpoint{Host: "127.0.0.1", Port: 8007},
			Spawner:      Endpoint{Host: "127.0.0.1", Port: 8008},
			Sandbox:      Endpoint{Host: "127.0.0.1", Port: 8009},
		},
		Gateway: GatewayConfig{
			RateLimitPerMinute: 100,
			CORSAllowOrigins:   []string{"http://localhost:3000", "http://127.0.0.1:3000"},
			ProxyTimeoutSec:    30,
			HealthTimeoutSec:   3,
			RecentEvents:       256,
		},
		Madre: MadreConfig{
			CriticalDeps:       []string{ServiceSwitch, ServiceHermes, ServiceSpawner},
			HealthTimeoutSec:   2,
			ControlTimeoutSec:  5,
			DefaultMaxRetries:  2,
			DefaultDaughterTTL: 120,
			ConfirmTTLSec:      900,
		},
		Switch: SwitchConfig{
			EngineTimeoutSec:    30,
			AllowRemoteDefault:  false,
			CPUHighMaxLatencyMs: 500,
		},
		Hermes: HermesConfig{
			ModelsDir:     "~/.vx11/models",
			KnownCLIs:     []string{"claude", "gemini", "codex", "ollama", "llama-cli", "git", "docker", "kubectl", "curl"},
			DefaultQuota:  -1,
			CLITimeoutSec: 30,
		},
		Spawner: SpawnerConfig{
			MaxActive:        5,
			HeartbeatTTLSec:  120,
			SweepIntervalSec: 15,
			AllowedCommands:  []string{"echo", "ls", "cat", "python3", "git", "grep", "wc", "sleep", "true", "false"},
			ExecTimeoutSec:   60,
			NotifyTimeoutSec: 5,
		},
		Sandbox: SandboxConfig{
			Root:            "~/.vx11/sandbox",
			AllowedCommands: []string{"echo", "ls", "cat", "python3", "git", "grep", "wc", "sleep", "true", "false", "head", "tail", "pwd"},
			MaxTimeoutSec:   120,
			MaxOutputBytes:  64 * 1024,
		},
		Hormiguero: HormigueroConfig{
			Enabled:                       true,
			ActionsEnabled:                false,
			RepoRoot:                      ".",
			ScanIntervalSec:               60,
			ScanJitterSec:                 5,
			ScanBackoffMaxSec:             600,
			CPUPressureThresholdPct:       85,
			CPUPressureWindowSec:          60,
			ScanIntervalMultiplierCPUHigh: 3,
			ManifestatorFailureLimit:      3,
			ManifestatorBackoffCycles:     5,
			LockPath:                      "~/.vx11/hormiguero.lock",
		},
		Manifestator: ManifestatorConfig{
			RepoRoot:   ".",
			BackupRoot: "build/backups",
		},
		Events: EventsConfig{
			KafkaTopic: "vx11.events",
		},
		Notify: NotifyConfig{
			MinSeverity: "error",
		},
	}
}
