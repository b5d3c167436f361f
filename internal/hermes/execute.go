package hermes

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/vx11/vx11/internal/apierr"
	"github.com/vx11/vx11/internal/store"
)

// ExecuteRequest runs a prompt on one engine.
type ExecuteRequest struct {
	EngineID string `json:"engine_id"`
	Prompt   string `json:"prompt"`
	Domain   string `json:"domain,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

// ExecuteResult is the engine's answer.
type ExecuteResult struct {
	Status     string `json:"status"`
	EngineID   string `json:"engine_id"`
	EngineName string `json:"engine_name"`
	EngineType string `json:"engine_type"`
	Answer     string `json:"answer"`
	TokensUsed int    `json:"tokens_used"`
	LatencyMs  int    `json:"latency_ms"`
}

// EstimateTokens approximates token usage as a quarter of the characters
// exchanged, never below one.
func EstimateTokens(query, answer string) int {
	n := (len(query) + len(answer)) / 4
	if n < 1 {
		return 1
	}
	return n
}

type sandboxExec struct {
	Cmd     string   `json:"cmd"`
	Args    []string `json:"args"`
	Timeout float64  `json:"timeout"`
}

type sandboxResult struct {
	Status   string `json:"status"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Execute runs the prompt on the engine and records a usage stat. Quota is
// not charged here; callers use UseQuota with the returned token estimate.
func (s *Service) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	if req.EngineID == "" {
		return nil, apierr.New(apierr.KindValidation, "engine_id is required")
	}
	e, err := s.store.GetEngine(ctx, req.EngineID)
	if err != nil {
		return nil, err
	}
	if !e.Enabled {
		return nil, apierr.New(apierr.KindPolicyDenied, "engine %s is disabled", e.Name)
	}
	if _, err := s.store.ResetQuotaIfDue(ctx, e); err != nil {
		return nil, err
	}
	if e.QuotaTokensPerDay >= 0 && e.QuotaUsedToday >= e.QuotaTokensPerDay {
		return nil, apierr.New(apierr.KindCapacityExceeded, "engine %s quota exhausted", e.Name).WithStatus(403)
	}

	start := time.Now()
	var answer string
	switch e.EngineType {
	case store.EngineCLI:
		answer, err = s.execCLI(ctx, e, req.Prompt)
	default:
		answer, err = s.execHTTP(ctx, e, req.Prompt)
	}
	latency := int(time.Since(start).Milliseconds())
	tokens := EstimateTokens(req.Prompt, answer)

	domain := req.Domain
	if domain == "" {
		domain = e.Domain
	}
	stat := &store.ModelUsageStat{
		EngineID: e.ID, EngineName: e.Name, Domain: domain, TokensUsed: tokens,
		LatencyMs: latency, Success: err == nil, TraceID: req.TraceID,
	}
	if serr := s.store.AppendUsageStat(ctx, stat); serr != nil {
		slog.Warn("Hermes usage stat write failed", "engine", e.Name, "error", serr)
	}
	if err != nil {
		slog.Warn("Hermes engine execution failed", "engine", e.Name, "type", e.EngineType, "error", err)
		return nil, err
	}
	return &ExecuteResult{
		Status: "ok", EngineID: e.ID, EngineName: e.Name, EngineType: e.EngineType,
		Answer: answer, TokensUsed: tokens, LatencyMs: latency,
	}, nil
}

func (s *Service) execHTTP(ctx context.Context, e *store.Engine, prompt string) (string, error) {
	if e.Endpoint == "" {
		return "", apierr.New(apierr.KindUpstreamUnavailable, "engine %s has no endpoint", e.Name)
	}
	var out map[string]any
	in := map[string]any{"model": e.Name, "prompt": prompt, "stream": false}
	if err := s.client.PostJSON(ctx, e.Endpoint, timeoutOr(s.cfg.CLITimeoutSec, 30*time.Second), in, &out); err != nil {
		return "", err
	}
	for _, key := range []string{"answer", "response", "text", "output", "content"} {
		if v, ok := out[key].(string); ok && v != "" {
			return v, nil
		}
	}
	return "", apierr.New(apierr.KindUpstreamUnavailable, "engine %s returned no answer", e.Name)
}

func (s *Service) execCLI(ctx context.Context, e *store.Engine, prompt string) (string, error) {
	if s.sandboxURL == "" {
		return "", apierr.New(apierr.KindUpstreamUnavailable, "sandbox not configured")
	}
	name := strings.TrimPrefix(e.Name, "cli:")
	timeout := timeoutOr(s.cfg.CLITimeoutSec, 30*time.Second)
	var res sandboxResult
	in := sandboxExec{Cmd: name, Args: cliArgs(name, prompt), Timeout: timeout.Seconds()}
	if err := s.client.PostJSON(ctx, s.sandboxURL+"/mcp/sandbox/exec_cmd", timeout+5*time.Second, in, &res); err != nil {
		return "", err
	}
	switch res.Status {
	case "ok":
		return strings.TrimSpace(res.Stdout), nil
	case "timeout":
		return "", apierr.New(apierr.KindUpstreamTimeout, "cli %s timed out", name)
	default:
		return "", apierr.New(apierr.KindUpstreamUnavailable, "cli %s exited %d: %s", name, res.ExitCode, truncate(res.Stderr, 200))
	}
}

// cliArgs builds the argument vector for a prompt-driven CLI. Tool CLIs
// take the prompt as their own argument list.
func cliArgs(name, prompt string) []string {
	switch name {
	case "claude", "gemini":
		return []string{"-p", prompt}
	case "codex":
		return []string{"exec", prompt}
	case "ollama":
		return []string{"run", "llama3", prompt}
	case "llama-cli":
		return []string{"-p", prompt, "-n", "256"}
	default:
		return strings.Fields(prompt)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
