package store

import (
	"time"
)

// Intent sources.
const (
	SourceUser       = "user"
	SourceHormiguero = "hormiguero"
	SourceOperator   = "operator"
	SourceShub       = "shub"
)

// Intent modes.
const (
	ModeMadre         = "MADRE"
	ModeAudioEngineer = "AUDIO_ENGINEER"
)

// Risk levels.
const (
	RiskLow  = "LOW"
	RiskMed  = "MED"
	RiskHigh = "HIGH"
)

// Plan and step statuses.
const (
	PlanPending = "PENDING"
	PlanRunning = "RUNNING"
	PlanWaiting = "WAITING"
	PlanDone    = "DONE"
	PlanError   = "ERROR"

	StepPending = "PENDING"
	StepRunning = "RUNNING"
	StepWaiting = "WAITING"
	StepDone    = "DONE"
	StepError   = "ERROR"
	StepSkipped = "SKIPPED"
)

// Step types.
const (
	StepSystemHealthcheck  = "SYSTEM_HEALTHCHECK"
	StepCallSwitch         = "CALL_SWITCH"
	StepCallHormigueroTask = "CALL_HORMIGUERO_TASK"
	StepCallManifestator   = "CALL_MANIFESTATOR"
	StepCallShub           = "CALL_SHUB"
	StepSpawnerRequest     = "SPAWNER_REQUEST"
	StepNoop               = "NOOP"
)

// Intent result statuses.
const (
	ResultPlanned = "planned"
	ResultDone    = "done"
	ResultError   = "error"
	ResultDenied  = "denied"
)

// DaughterTask statuses.
const (
	TaskPending   = "pending"
	TaskSpawned   = "spawned"
	TaskRunning   = "running"
	TaskFinished  = "finished"
	TaskFailed    = "failed"
	TaskExpired   = "expired"
	TaskCancelled = "cancelled"
)

// Daughter statuses.
const (
	DaughterSpawned  = "spawned"
	DaughterRunning  = "running"
	DaughterFinished = "finished"
	DaughterFailed   = "failed"
	DaughterKilled   = "killed"
)

// Attempt statuses.
const (
	AttemptRunning   = "running"
	AttemptCompleted = "completed"
	AttemptFailed    = "failed"
	AttemptKilled    = "killed"
)

// Engine types.
const (
	EngineLocalModel = "local_model"
	EngineCLI        = "cli"
	EngineRemoteLLM  = "remote_llm"
)

// Incident severities and statuses.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"

	IncidentOpen         = "open"
	IncidentAcknowledged = "acknowledged"
	IncidentClosed       = "closed"
)

// Pheromone statuses.
const (
	PheromonePending   = "pending"
	PheromoneApproved  = "approved"
	PheromoneDenied    = "denied"
	PheromoneExecuting = "executing"
	PheromoneExecuted  = "executed"
	PheromoneFailed    = "failed"
)

// DSL is the structured form of a parsed message.
type DSL struct {
	Domain       string         `json:"domain"`
	Action       string         `json:"action"`
	Parameters   map[string]any `json:"parameters"`
	Confidence   float64        `json:"confidence"`
	OriginalText string         `json:"original_text"`
	Warnings     []string       `json:"warnings"`
}

// Intent is a parsed, risk-classified request.
type Intent struct {
	IntentID             string     `json:"intent_id"`
	SessionID            string     `json:"session_id"`
	Source               string     `json:"source"`
	Mode                 string     `json:"mode"`
	DSL                  DSL        `json:"dsl"`
	Risk                 string     `json:"risk"`
	RequiresConfirmation bool       `json:"requires_confirmation"`
	Targets              []string   `json:"targets"`
	ResultStatus         string     `json:"result_status,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	ClosedAt             *time.Time `json:"closed_at,omitempty"`
}

// Plan is the ordered step sequence for one intent.
type Plan struct {
	PlanID    string    `json:"plan_id"`
	IntentID  string    `json:"intent_id"`
	SessionID string    `json:"session_id"`
	Status    string    `json:"status"`
	Mode      string    `json:"mode"`
	Steps     []Step    `json:"steps"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Step is one unit of plan execution.
type Step struct {
	StepID     string         `json:"step_id"`
	PlanID     string         `json:"plan_id"`
	Seq        int            `json:"seq"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload"`
	Blocking   bool           `json:"blocking"`
	Status     string         `json:"status"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// MadreAction is an append-only audit record.
type MadreAction struct {
	ID        int64     `json:"id"`
	Module    string    `json:"module"`
	Action    string    `json:"action"`
	Reason    string    `json:"reason"`
	IntentID  string    `json:"intent_id,omitempty"`
	PlanID    string    `json:"plan_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Confirmation is a pending confirm token for a MED/HIGH intent.
type Confirmation struct {
	Token     string     `json:"-"`
	IntentID  string     `json:"intent_id"`
	PlanID    string     `json:"plan_id"`
	Target    string     `json:"target"`
	Action    string     `json:"action"`
	Status    string     `json:"status"` // pending, used, expired
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
}

// IADecision records which parser or refiner produced an intent's DSL.
type IADecision struct {
	ID         int64     `json:"id"`
	IntentID   string    `json:"intent_id"`
	Module     string    `json:"module"`
	Decision   string    `json:"decision"`
	Confidence float64   `json:"confidence"`
	Detail     string    `json:"detail"`
	Timestamp  time.Time `json:"timestamp"`
}

// DaughterTask is a durable unit of work owned by Spawner.
type DaughterTask struct {
	ID           string         `json:"id"`
	IntentID     string         `json:"intent_id"`
	PlanID       string         `json:"plan_id,omitempty"`
	Source       string         `json:"source"`
	Priority     int            `json:"priority"`
	Status       string         `json:"status"`
	TaskType     string         `json:"task_type"`
	Description  string         `json:"description"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Plan         map[string]any `json:"plan,omitempty"`
	CurrentRetry int            `json:"current_retry"`
	MaxRetries   int            `json:"max_retries"`
	TTLSeconds   int            `json:"ttl_seconds"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Daughter is one ephemeral worker of a task.
type Daughter struct {
	ID              string     `json:"id"`
	TaskID          string     `json:"task_id"`
	Name            string     `json:"name"`
	Purpose         string     `json:"purpose"`
	Tools           []string   `json:"tools"`
	TTLSeconds      int        `json:"ttl_seconds"`
	Status          string     `json:"status"`
	MutationLevel   int        `json:"mutation_level"`
	LastHeartbeatAt time.Time  `json:"last_heartbeat_at"`
	ErrorLast       string     `json:"error_last,omitempty"`
	KilledBy        string     `json:"killed_by,omitempty"`
	DeathContext    string     `json:"death_context,omitempty"`
	Cmd             string     `json:"cmd"`
	Args            []string   `json:"args,omitempty"`
	Cwd             string     `json:"cwd,omitempty"`
	Stdout          string     `json:"stdout,omitempty"`
	Stderr          string     `json:"stderr,omitempty"`
	ExitCode        int        `json:"exit_code"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// DaughterAttempt is one numbered execution of a daughter.
type DaughterAttempt struct {
	ID              string     `json:"id"`
	DaughterID      string     `json:"daughter_id"`
	AttemptNumber   int        `json:"attempt_number"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	Status          string     `json:"status"`
	TokensUsedCLI   int        `json:"tokens_used_cli"`
	TokensUsedLocal int        `json:"tokens_used_local"`
	SwitchModelUsed string     `json:"switch_model_used,omitempty"`
	CLIProviderUsed string     `json:"cli_provider_used,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

// Engine is a selectable execution backend.
type Engine struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	EngineType        string     `json:"engine_type"`
	Domain            string     `json:"domain"`
	Endpoint          string     `json:"endpoint"`
	Version           string     `json:"version"`
	QuotaTokensPerDay int        `json:"quota_tokens_per_day"`
	QuotaUsedToday    int        `json:"quota_used_today"`
	QuotaResetAt      time.Time  `json:"quota_reset_at"`
	LatencyMs         int        `json:"latency_ms"`
	CostPerCall       float64    `json:"cost_per_call"`
	Enabled           bool       `json:"enabled"`
	LastUsed          *time.Time `json:"last_used,omitempty"`
}

// CLIEntry is a registered command-line tool.
type CLIEntry struct {
	Name           string    `json:"name"`
	BinPath        string    `json:"bin_path"`
	Available      bool      `json:"available"`
	CLIType        string    `json:"cli_type"`
	TokenConfigKey string    `json:"token_config_key,omitempty"`
	RateLimitDaily int       `json:"rate_limit_daily,omitempty"`
	UsedToday      int       `json:"used_today"`
	LastChecked    time.Time `json:"last_checked"`
}

// RoutingEvent is an append-only routing audit row.
type RoutingEvent struct {
	ID             int64     `json:"id"`
	TraceID        string    `json:"trace_id"`
	RouteType      string    `json:"route_type"`
	ProviderID     string    `json:"provider_id"`
	Score          float64   `json:"score"`
	ReasoningShort string    `json:"reasoning_short"`
	Timestamp      time.Time `json:"timestamp"`
}

// ModelUsageStat is an append-only usage row per executed call.
type ModelUsageStat struct {
	ID         int64     `json:"id"`
	EngineID   string    `json:"engine_id"`
	EngineName string    `json:"engine_name"`
	Domain     string    `json:"domain"`
	TokensUsed int       `json:"tokens_used"`
	LatencyMs  int       `json:"latency_ms"`
	Success    bool      `json:"success"`
	TraceID    string    `json:"trace_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// Incident is a deduplicated anomaly record.
type Incident struct {
	IncidentID       string         `json:"incident_id"`
	Kind             string         `json:"kind"`
	Severity         string         `json:"severity"`
	Status           string         `json:"status"`
	Title            string         `json:"title"`
	Description      string         `json:"description"`
	Evidence         map[string]any `json:"evidence,omitempty"`
	Source           string         `json:"source"`
	CorrelationID    string         `json:"correlation_id"`
	SuggestedActions []string       `json:"suggested_actions,omitempty"`
	DetectedAt       time.Time      `json:"detected_at"`
	FirstSeenAt      time.Time      `json:"first_seen_at"`
	LastSeenAt       time.Time      `json:"last_seen_at"`
	Occurrences      int            `json:"occurrences"`
}

// Pheromone is a proposed or approved housekeeping action.
type Pheromone struct {
	PheromoneID   string         `json:"pheromone_id"`
	IncidentID    string         `json:"incident_id"`
	CorrelationID string         `json:"correlation_id"`
	ActionKind    string         `json:"action_kind"`
	ActionPayload map[string]any `json:"action_payload,omitempty"`
	RequestedBy   string         `json:"requested_by"`
	ApprovedBy    string         `json:"approved_by,omitempty"`
	Status        string         `json:"status"`
	Result        map[string]any `json:"result,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// HormigaState is the persisted state of one scanning ant.
type HormigaState struct {
	HormigaID       string         `json:"hormiga_id"`
	Name            string         `json:"name"`
	Role            string         `json:"role"`
	Enabled         bool           `json:"enabled"`
	AggressionLevel int            `json:"aggression_level"`
	ScanIntervalSec int            `json:"scan_interval_sec"`
	LastScanAt      *time.Time     `json:"last_scan_at,omitempty"`
	LastOKAt        *time.Time     `json:"last_ok_at,omitempty"`
	LastErrorAt     *time.Time     `json:"last_error_at,omitempty"`
	LastError       string         `json:"last_error,omitempty"`
	Stats           map[string]any `json:"stats,omitempty"`
}

// Schema creates every table. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS intents (
	intent_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL DEFAULT 'user',
	mode TEXT NOT NULL DEFAULT 'MADRE',
	dsl TEXT NOT NULL DEFAULT '',
	risk TEXT NOT NULL DEFAULT 'LOW',
	requires_confirmation INTEGER NOT NULL DEFAULT 0,
	targets TEXT NOT NULL DEFAULT '',
	result_status TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	closed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_intents_session ON intents(session_id);

CREATE TABLE IF NOT EXISTS plans (
	plan_id TEXT PRIMARY KEY,
	intent_id TEXT NOT NULL UNIQUE REFERENCES intents(intent_id) ON DELETE CASCADE,
	session_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'PENDING',
	mode TEXT NOT NULL DEFAULT 'MADRE',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_plans_status ON plans(status);

CREATE TABLE IF NOT EXISTS steps (
	step_id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL REFERENCES plans(plan_id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	type TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '',
	blocking INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'PENDING',
	result TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	finished_at TEXT,
	UNIQUE(plan_id, seq)
);

CREATE TABLE IF NOT EXISTS madre_actions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	module TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	intent_id TEXT NOT NULL DEFAULT '',
	plan_id TEXT NOT NULL DEFAULT '',
	timestamp TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS confirmations (
	token TEXT PRIMARY KEY,
	intent_id TEXT NOT NULL,
	plan_id TEXT NOT NULL,
	target TEXT NOT NULL,
	action TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	used_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_confirmations_lookup ON confirmations(target, action, status);

CREATE TABLE IF NOT EXISTS ia_decisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	intent_id TEXT NOT NULL DEFAULT '',
	module TEXT NOT NULL,
	decision TEXT NOT NULL,
	confidence REAL NOT NULL DEFAULT 0,
	detail TEXT NOT NULL DEFAULT '',
	timestamp TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS daughter_tasks (
	id TEXT PRIMARY KEY,
	intent_id TEXT NOT NULL DEFAULT '',
	plan_id TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL DEFAULT 'madre',
	priority INTEGER NOT NULL DEFAULT 5 CHECK (priority BETWEEN 0 AND 9),
	status TEXT NOT NULL DEFAULT 'pending',
	task_type TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '',
	plan TEXT NOT NULL DEFAULT '',
	current_retry INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 2,
	ttl_seconds INTEGER NOT NULL DEFAULT 120,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	CHECK (current_retry <= max_retries)
);
CREATE INDEX IF NOT EXISTS idx_daughter_tasks_status ON daughter_tasks(status);

CREATE TABLE IF NOT EXISTS daughters (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES daughter_tasks(id) ON DELETE CASCADE,
	name TEXT NOT NULL DEFAULT '',
	purpose TEXT NOT NULL DEFAULT '',
	tools TEXT NOT NULL DEFAULT '',
	ttl_seconds INTEGER NOT NULL DEFAULT 120,
	status TEXT NOT NULL DEFAULT 'spawned',
	mutation_level INTEGER NOT NULL DEFAULT 0,
	last_heartbeat_at TEXT NOT NULL,
	error_last TEXT NOT NULL DEFAULT '',
	killed_by TEXT NOT NULL DEFAULT '',
	death_context TEXT NOT NULL DEFAULT '',
	cmd TEXT NOT NULL DEFAULT '',
	args TEXT NOT NULL DEFAULT '',
	cwd TEXT NOT NULL DEFAULT '',
	stdout TEXT NOT NULL DEFAULT '',
	stderr TEXT NOT NULL DEFAULT '',
	exit_code INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	finished_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_daughters_task ON daughters(task_id);
CREATE INDEX IF NOT EXISTS idx_daughters_status ON daughters(status);

CREATE TABLE IF NOT EXISTS daughter_attempts (
	id TEXT PRIMARY KEY,
	daughter_id TEXT NOT NULL REFERENCES daughters(id) ON DELETE CASCADE,
	attempt_number INTEGER NOT NULL,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	status TEXT NOT NULL DEFAULT 'running',
	tokens_used_cli INTEGER NOT NULL DEFAULT 0,
	tokens_used_local INTEGER NOT NULL DEFAULT 0,
	switch_model_used TEXT NOT NULL DEFAULT '',
	cli_provider_used TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	UNIQUE(daughter_id, attempt_number)
);

CREATE TABLE IF NOT EXISTS engines (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	engine_type TEXT NOT NULL,
	domain TEXT NOT NULL DEFAULT 'general',
	endpoint TEXT NOT NULL DEFAULT '',
	version TEXT NOT NULL DEFAULT '',
	quota_tokens_per_day INTEGER NOT NULL DEFAULT -1,
	quota_used_today INTEGER NOT NULL DEFAULT 0,
	quota_reset_at TEXT NOT NULL,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	cost_per_call REAL NOT NULL DEFAULT 0,
	enabled INTEGER NOT NULL DEFAULT 1,
	last_used TEXT,
	CHECK (quota_tokens_per_day < 0 OR quota_used_today <= quota_tokens_per_day)
);
CREATE INDEX IF NOT EXISTS idx_engines_domain ON engines(domain, enabled);

CREATE TABLE IF NOT EXISTS cli_registry (
	name TEXT PRIMARY KEY,
	bin_path TEXT NOT NULL DEFAULT '',
	available INTEGER NOT NULL DEFAULT 0,
	cli_type TEXT NOT NULL DEFAULT '',
	token_config_key TEXT NOT NULL DEFAULT '',
	rate_limit_daily INTEGER NOT NULL DEFAULT 0,
	used_today INTEGER NOT NULL DEFAULT 0,
	last_checked TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS routing_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trace_id TEXT NOT NULL,
	route_type TEXT NOT NULL,
	provider_id TEXT NOT NULL DEFAULT '',
	score REAL NOT NULL DEFAULT 0,
	reasoning_short TEXT NOT NULL DEFAULT '',
	timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_routing_events_trace ON routing_events(trace_id);

CREATE TABLE IF NOT EXISTS model_usage_stats (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	engine_id TEXT NOT NULL,
	engine_name TEXT NOT NULL DEFAULT '',
	domain TEXT NOT NULL DEFAULT '',
	tokens_used INTEGER NOT NULL DEFAULT 0,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	success INTEGER NOT NULL DEFAULT 1,
	trace_id TEXT NOT NULL DEFAULT '',
	timestamp TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS incidents (
	incident_id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	severity TEXT NOT NULL DEFAULT 'warning',
	status TEXT NOT NULL DEFAULT 'open',
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	evidence TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	suggested_actions TEXT NOT NULL DEFAULT '',
	detected_at TEXT NOT NULL,
	first_seen_at TEXT NOT NULL,
	last_seen_at TEXT NOT NULL,
	occurrences INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status);

CREATE TABLE IF NOT EXISTS pheromones (
	pheromone_id TEXT PRIMARY KEY,
	incident_id TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	action_kind TEXT NOT NULL,
	action_payload TEXT NOT NULL DEFAULT '',
	requested_by TEXT NOT NULL DEFAULT '',
	approved_by TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	result TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pheromones_correlation ON pheromones(correlation_id, status);

CREATE TABLE IF NOT EXISTS hormiga_state (
	hormiga_id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	role TEXT NOT NULL DEFAULT '',
	enabled INTEGER NOT NULL DEFAULT 1,
	aggression_level INTEGER NOT NULL DEFAULT 0,
	scan_interval_sec INTEGER NOT NULL DEFAULT 60,
	last_scan_at TEXT,
	last_ok_at TEXT,
	last_error_at TEXT,
	last_error TEXT NOT NULL DEFAULT '',
	stats TEXT NOT NULL DEFAULT ''
);
`
