// Package spawner owns the daughter lifecycle: admission, sandboxed
// execution, heartbeats, reports, cancellation and TTL expiry.
package spawner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vx11/vx11/internal/apierr"
	"github.com/vx11/vx11/internal/config"
	"github.com/vx11/vx11/internal/httpx"
	"github.com/vx11/vx11/internal/sandbox"
	"github.com/vx11/vx11/internal/scheduler"
	"github.com/vx11/vx11/internal/store"
)

// Kill reasons recorded in death_context.
const (
	ReasonTTLExpired = "ttl_expired"
	ReasonOperator   = "operator_kill"
	ReasonCancelled  = "task_cancelled"
)

// SpawnRequest asks for a new daughter. When TaskID is empty a task is
// created for it.
type SpawnRequest struct {
	TaskID      string            `json:"task_id,omitempty"`
	IntentID    string            `json:"intent_id,omitempty"`
	PlanID      string            `json:"plan_id,omitempty"`
	TaskType    string            `json:"task_type,omitempty"`
	Description string            `json:"description,omitempty"`
	Priority    int               `json:"priority,omitempty"`
	MaxRetries  *int              `json:"max_retries,omitempty"`
	Name        string            `json:"name,omitempty"`
	Purpose     string            `json:"purpose,omitempty"`
	Tools       []string          `json:"tools,omitempty"`
	Cmd         string            `json:"cmd"`
	Args        []string          `json:"args,omitempty"`
	Cwd         string            `json:"cwd,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	TTLSeconds  int               `json:"ttl_seconds,omitempty"`
	Timeout     float64           `json:"timeout,omitempty"`
	// Wait blocks the call until the daughter reaches a terminal state.
	Wait bool `json:"wait,omitempty"`
}

// SpawnResponse describes the created daughter.
type SpawnResponse struct {
	Status        string `json:"status"`
	DaughterID    string `json:"daughter_id"`
	TaskID        string `json:"task_id"`
	AttemptNumber int    `json:"attempt_number"`
	MutationLevel int    `json:"mutation_level"`
	// DaughterStatus is set when Wait was requested.
	DaughterStatus string `json:"daughter_status,omitempty"`
	ExitCode       *int   `json:"exit_code,omitempty"`
}

// ReportRequest finalizes an attempt.
type ReportRequest struct {
	DaughterID      string `json:"daughter_id"`
	AttemptNumber   int    `json:"attempt_number"`
	Status          string `json:"status"`
	TokensUsedCLI   int    `json:"tokens_used_cli"`
	TokensUsedLocal int    `json:"tokens_used_local"`
	SwitchModelUsed string `json:"switch_model_used,omitempty"`
	CLIProviderUsed string `json:"cli_provider_used,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

// ReportResult tells the reporter whether the report was applied.
type ReportResult struct {
	Status         string `json:"status"`
	DaughterID     string `json:"daughter_id"`
	DaughterStatus string `json:"daughter_status"`
}

type output struct {
	stdout, stderr string
	exitCode       int
}

// Service implements the Spawner operations.
type Service struct {
	store  *store.Store
	cfg    config.SpawnerConfig
	client *httpx.Client
	urls   Endpoints

	allowed map[string]bool
	sem     *scheduler.Semaphore

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// Endpoints are the collaborators Spawner calls. Empty URLs disable the
// corresponding call.
type Endpoints struct {
	Sandbox string
	Madre   string
	Gateway string
}

// New creates the service.
func New(s *store.Store, cfg config.SpawnerConfig, client *httpx.Client, urls Endpoints) *Service {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = 5
	}
	allowed := make(map[string]bool, len(cfg.AllowedCommands))
	for _, c := range cfg.AllowedCommands {
		allowed[strings.TrimSpace(c)] = true
	}
	urls.Sandbox = strings.TrimRight(urls.Sandbox, "/")
	urls.Madre = strings.TrimRight(urls.Madre, "/")
	urls.Gateway = strings.TrimRight(urls.Gateway, "/")
	return &Service{
		store:   s,
		cfg:     cfg,
		client:  client,
		urls:    urls,
		allowed: allowed,
		sem:     scheduler.NewSemaphore(cfg.MaxActive),
		running: make(map[string]context.CancelFunc),
	}
}

// splitCommand accepts both {"cmd":"echo","args":["hi"]} and {"cmd":"echo hi"}.
func splitCommand(cmd string, args []string) (string, []string) {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return "", args
	}
	return fields[0], append(fields[1:], args...)
}

// Spawn admits a daughter and starts executing it in the sandbox.
func (s *Service) Spawn(ctx context.Context, req SpawnRequest) (*SpawnResponse, error) {
	cmd, args := splitCommand(req.Cmd, req.Args)
	if cmd == "" {
		return nil, apierr.New(apierr.KindValidation, "cmd is required")
	}
	if base := filepath.Base(cmd); base != cmd || !s.allowed[base] {
		return nil, apierr.New(apierr.KindPolicyDenied, "command %q is not allowed", cmd)
	}

	active, err := s.store.CountActiveDaughters(ctx)
	if err != nil {
		return nil, err
	}
	if active >= s.cfg.MaxActive || !s.sem.TryAcquire() {
		return nil, apierr.New(apierr.KindCapacityExceeded, "capacity_reached: %d active daughters", active).
			WithStatus(429).WithDetail(map[string]any{"active": active, "max_active": s.cfg.MaxActive})
	}
	release := true
	defer func() {
		if release {
			s.sem.Release()
		}
	}()

	task, err := s.resolveTask(ctx, req)
	if err != nil {
		return nil, err
	}
	ttl := req.TTLSeconds
	if ttl <= 0 {
		ttl = task.TTLSeconds
	}
	if ttl <= 0 {
		ttl = s.cfg.HeartbeatTTLSec
	}
	name := req.Name
	if name == "" {
		name = fmt.Sprintf("%s-r%d", cmd, task.CurrentRetry)
	}
	d := &store.Daughter{
		TaskID: task.ID, Name: name, Purpose: req.Purpose, Tools: req.Tools, TTLSeconds: ttl,
		MutationLevel: task.CurrentRetry, Cmd: cmd, Args: args, Cwd: req.Cwd,
	}
	att, err := s.store.CreateDaughterWithAttempt(ctx, d)
	if err != nil {
		return nil, err
	}
	if task.Status == store.TaskPending {
		if _, err := s.store.SetTaskStatus(ctx, task.ID, store.TaskSpawned); err != nil {
			slog.Warn("Spawner task status update failed", "task_id", task.ID, "error", err)
		}
	}
	slog.Info("Spawner daughter created", "daughter_id", d.ID, "task_id", task.ID, "cmd", cmd,
		"mutation_level", d.MutationLevel)
	s.publish(eventSpawnCreated, map[string]any{
		"daughter_id": d.ID, "task_id": task.ID, "cmd": cmd, "mutation_level": d.MutationLevel,
	})

	timeout := time.Duration(req.Timeout * float64(time.Second))
	if timeout <= 0 {
		timeout = config.Seconds(s.cfg.ExecTimeoutSec, time.Minute)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	s.mu.Lock()
	s.running[d.ID] = cancel
	s.mu.Unlock()

	release = false
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(finished)
		defer s.sem.Release()
		defer s.forget(d.ID)
		s.execute(runCtx, d, att.AttemptNumber, sandbox.Request{Cmd: cmd, Args: args, Cwd: req.Cwd, Env: req.Env, Timeout: timeout.Seconds()}, timeout)
	}()

	resp := &SpawnResponse{Status: "spawned", DaughterID: d.ID, TaskID: task.ID,
		AttemptNumber: att.AttemptNumber, MutationLevel: d.MutationLevel}
	if req.Wait {
		select {
		case <-finished:
		case <-ctx.Done():
			return resp, nil
		}
		if got, err := s.store.GetDaughter(ctx, d.ID); err == nil {
			resp.DaughterStatus = got.Status
			code := got.ExitCode
			resp.ExitCode = &code
		}
	}
	return resp, nil
}

func (s *Service) resolveTask(ctx context.Context, req SpawnRequest) (*store.DaughterTask, error) {
	if req.TaskID != "" {
		task, err := s.store.GetTask(ctx, req.TaskID)
		if err != nil {
			return nil, err
		}
		for _, st := range store.TerminalTaskStatuses {
			if task.Status == st {
				return nil, apierr.New(apierr.KindValidation, "task %s is %s", task.ID, task.Status)
			}
		}
		return task, nil
	}
	maxRetries := 2
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	taskType := req.TaskType
	if taskType == "" {
		taskType = "exec"
	}
	task := &store.DaughterTask{
		IntentID: req.IntentID, PlanID: req.PlanID, Source: "spawner", Priority: req.Priority,
		TaskType: taskType, Description: req.Description, MaxRetries: maxRetries, TTLSeconds: req.TTLSeconds,
		Plan: map[string]any{"cmd": req.Cmd, "args": req.Args, "cwd": req.Cwd},
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// execute runs one attempt in the sandbox and reports the outcome.
func (s *Service) execute(ctx context.Context, d *store.Daughter, attempt int, req sandbox.Request, timeout time.Duration) {
	if ok, err := s.store.TransitionDaughter(ctx, d.ID, []string{store.DaughterSpawned}, store.DaughterRunning, store.DaughterUpdate{}); err != nil || !ok {
		return
	}
	if _, err := s.store.SetTaskStatus(ctx, d.TaskID, store.TaskRunning); err != nil {
		slog.Warn("Spawner task status update failed", "task_id", d.TaskID, "error", err)
	}

	rep := ReportRequest{DaughterID: d.ID, AttemptNumber: attempt, CLIProviderUsed: req.Cmd}
	var out output
	var res sandbox.Result
	err := s.sandboxExec(ctx, req, timeout, &res)
	switch {
	case ctx.Err() != nil:
		// Killed while running; Kill already finalized the rows.
		return
	case err != nil:
		rep.Status = store.AttemptFailed
		rep.ErrorMessage = err.Error()
		out.exitCode = -1
	case res.Status == sandbox.StatusOK && res.ExitCode == 0:
		rep.Status = store.AttemptCompleted
		out = output{stdout: res.Stdout, stderr: res.Stderr, exitCode: res.ExitCode}
	default:
		rep.Status = store.AttemptFailed
		out = output{stdout: res.Stdout, stderr: res.Stderr, exitCode: res.ExitCode}
		rep.ErrorMessage = fmt.Sprintf("%s: exit %d: %s", res.Status, res.ExitCode, truncate(strings.TrimSpace(res.Stderr), 500))
	}
	if _, err := s.finalize(context.Background(), rep, &out); err != nil {
		slog.Warn("Spawner report failed", "daughter_id", d.ID, "error", err)
	}
}

func (s *Service) sandboxExec(ctx context.Context, req sandbox.Request, timeout time.Duration, res *sandbox.Result) error {
	if s.urls.Sandbox == "" {
		return apierr.New(apierr.KindUpstreamUnavailable, "sandbox not configured")
	}
	return s.client.PostJSON(ctx, s.urls.Sandbox+"/mcp/sandbox/exec_cmd", timeout+5*time.Second, req, res)
}

// Report finalizes an attempt on behalf of an external executor.
func (s *Service) Report(ctx context.Context, req ReportRequest) (*ReportResult, error) {
	if req.DaughterID == "" {
		return nil, apierr.New(apierr.KindValidation, "daughter_id is required")
	}
	switch req.Status {
	case store.AttemptCompleted, store.AttemptFailed, store.AttemptKilled:
	default:
		return nil, apierr.New(apierr.KindValidation, "status must be completed, failed or killed")
	}
	return s.finalize(ctx, req, nil)
}

func (s *Service) finalize(ctx context.Context, req ReportRequest, out *output) (*ReportResult, error) {
	d, err := s.store.GetDaughter(ctx, req.DaughterID)
	if err != nil {
		return nil, err
	}
	attempt := req.AttemptNumber
	if attempt <= 0 {
		attempt, err = s.runningAttempt(ctx, d.ID)
		if err != nil {
			return nil, err
		}
	}
	ignored := &ReportResult{Status: "ignored", DaughterID: d.ID, DaughterStatus: d.Status}
	ok, err := s.store.FinishAttempt(ctx, d.ID, attempt, store.AttemptReport{
		Status: req.Status, TokensUsedCLI: req.TokensUsedCLI, TokensUsedLocal: req.TokensUsedLocal,
		SwitchModelUsed: req.SwitchModelUsed, CLIProviderUsed: req.CLIProviderUsed, ErrorMessage: req.ErrorMessage,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return ignored, nil
	}

	to := store.DaughterFinished
	switch req.Status {
	case store.AttemptFailed:
		to = store.DaughterFailed
	case store.AttemptKilled:
		to = store.DaughterKilled
	}
	upd := store.DaughterUpdate{}
	if req.ErrorMessage != "" {
		upd.ErrorLast = &req.ErrorMessage
	}
	if out != nil {
		upd.Stdout, upd.Stderr, upd.ExitCode = &out.stdout, &out.stderr, &out.exitCode
	}
	moved, err := s.store.TransitionDaughter(ctx, d.ID, store.ActiveDaughterStatuses, to, upd)
	if err != nil {
		return nil, err
	}
	if !moved {
		return ignored, nil
	}
	if to == store.DaughterFinished {
		if _, err := s.store.SetTaskStatus(ctx, d.TaskID, store.TaskFinished); err != nil {
			slog.Warn("Spawner task status update failed", "task_id", d.TaskID, "error", err)
		}
	}
	slog.Info("Spawner daughter finished", "daughter_id", d.ID, "task_id", d.TaskID, "status", to, "attempt", attempt)

	result := map[string]any{
		"attempt_number": attempt, "mutation_level": d.MutationLevel,
		"tokens_used_cli": req.TokensUsedCLI, "tokens_used_local": req.TokensUsedLocal,
	}
	if req.ErrorMessage != "" {
		result["error_message"] = req.ErrorMessage
	}
	if out != nil {
		result["exit_code"] = out.exitCode
		result["stdout"] = truncate(out.stdout, 2000)
	}
	provider := req.CLIProviderUsed
	if provider == "" {
		provider = req.SwitchModelUsed
	}
	s.notifyTerminal(d, to, result, provider)
	return &ReportResult{Status: "ok", DaughterID: d.ID, DaughterStatus: to}, nil
}

func (s *Service) runningAttempt(ctx context.Context, daughterID string) (int, error) {
	atts, err := s.store.ListAttempts(ctx, daughterID)
	if err != nil {
		return 0, err
	}
	for i := len(atts) - 1; i >= 0; i-- {
		if atts[i].Status == store.AttemptRunning {
			return atts[i].AttemptNumber, nil
		}
	}
	if len(atts) == 0 {
		return 0, apierr.New(apierr.KindNotFound, "daughter %s has no attempts", daughterID)
	}
	return atts[len(atts)-1].AttemptNumber, nil
}

// Heartbeat stamps a live daughter. Heartbeats for terminal daughters are
// ignored.
func (s *Service) Heartbeat(ctx context.Context, daughterID string) (bool, error) {
	if daughterID == "" {
		return false, apierr.New(apierr.KindValidation, "daughter_id is required")
	}
	ok, err := s.store.Heartbeat(ctx, daughterID)
	if err != nil || ok {
		return ok, err
	}
	if _, err := s.store.GetDaughter(ctx, daughterID); err != nil {
		return false, err
	}
	return false, nil
}

// KillResult is returned by Kill.
type KillResult struct {
	Status     string `json:"status"`
	DaughterID string `json:"daughter_id"`
	Already    bool   `json:"already_terminal,omitempty"`
}

// Kill stops a daughter and records who killed it and why. Killing a
// terminal daughter is a no-op.
func (s *Service) Kill(ctx context.Context, daughterID, killedBy, reason string) (*KillResult, error) {
	d, err := s.store.GetDaughter(ctx, daughterID)
	if err != nil {
		return nil, err
	}
	if killedBy == "" {
		killedBy = "operator"
	}
	if reason == "" {
		reason = ReasonOperator
	}
	s.mu.Lock()
	cancel := s.running[daughterID]
	delete(s.running, daughterID)
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	moved, err := s.store.TransitionDaughter(ctx, d.ID, store.ActiveDaughterStatuses, store.DaughterKilled,
		store.DaughterUpdate{KilledBy: killedBy, DeathContext: reason, ErrorLast: &reason})
	if err != nil {
		return nil, err
	}
	if !moved {
		return &KillResult{Status: store.DaughterKilled, DaughterID: d.ID, Already: true}, nil
	}
	if n, err := s.runningAttempt(ctx, d.ID); err == nil {
		if _, err := s.store.FinishAttempt(ctx, d.ID, n, store.AttemptReport{Status: store.AttemptKilled, ErrorMessage: reason}); err != nil {
			slog.Warn("Spawner attempt kill failed", "daughter_id", d.ID, "error", err)
		}
	}
	slog.Info("Spawner daughter killed", "daughter_id", d.ID, "killed_by", killedBy, "reason", reason)
	s.notifyTerminal(d, store.DaughterKilled, map[string]any{"killed_by": killedBy, "death_context": reason,
		"mutation_level": d.MutationLevel, "error_message": reason}, "")
	return &KillResult{Status: store.DaughterKilled, DaughterID: d.ID}, nil
}

// KillAll kills every live daughter and returns how many were stopped.
func (s *Service) KillAll(ctx context.Context, killedBy string) (int, error) {
	live, err := s.store.ListDaughters(ctx, store.DaughterFilter{Statuses: store.ActiveDaughterStatuses})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range live {
		res, err := s.Kill(ctx, d.ID, killedBy, ReasonOperator)
		if err != nil {
			return n, err
		}
		if !res.Already {
			n++
		}
	}
	return n, nil
}

// Sweep kills daughters whose heartbeat is older than their TTL.
func (s *Service) Sweep(ctx context.Context) error {
	stale, err := s.store.StaleDaughters(ctx, s.store.Now())
	if err != nil {
		return err
	}
	var errs []error
	for _, d := range stale {
		if _, err := s.Kill(ctx, d.ID, "sweeper", ReasonTTLExpired); err != nil {
			errs = append(errs, err)
		}
	}
	if len(stale) > 0 {
		slog.Info("Spawner sweep", "expired", len(stale))
	}
	return errors.Join(errs...)
}

// Sweeper returns the background loop that expires stale daughters.
func (s *Service) Sweeper() *scheduler.Loop {
	interval := config.Seconds(s.cfg.SweepIntervalSec, 15*time.Second)
	return &scheduler.Loop{
		Name:       "spawner-sweeper",
		Interval:   func() time.Duration { return interval },
		Jitter:     interval / 10,
		BackoffMax: 10 * interval,
		Tick:       s.Sweep,
	}
}

// Status is a daughter with its attempts.
type Status struct {
	Daughter store.Daughter          `json:"daughter"`
	Attempts []store.DaughterAttempt `json:"attempts"`
	InMemory bool                    `json:"in_memory"`
}

// Get returns a daughter's status and attempts.
func (s *Service) Get(ctx context.Context, daughterID string) (*Status, error) {
	d, err := s.store.GetDaughter(ctx, daughterID)
	if err != nil {
		return nil, err
	}
	atts, err := s.store.ListAttempts(ctx, daughterID)
	if err != nil {
		return nil, err
	}
	if atts == nil {
		atts = []store.DaughterAttempt{}
	}
	s.mu.Lock()
	_, live := s.running[daughterID]
	s.mu.Unlock()
	return &Status{Daughter: *d, Attempts: atts, InMemory: live}, nil
}

// List returns daughters filtered by status and task.
func (s *Service) List(ctx context.Context, statuses []string, taskID string, limit int) ([]store.Daughter, error) {
	return s.store.ListDaughters(ctx, store.DaughterFilter{TaskID: taskID, Statuses: statuses, Limit: limit})
}

// Active returns the number of in-memory running daughters.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Close waits for running executions and pending notifications.
func (s *Service) Close() {
	s.wg.Wait()
}

func (s *Service) forget(id string) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
