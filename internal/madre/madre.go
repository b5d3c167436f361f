// Package madre is the orchestrator: it parses messages into intents,
// classifies their risk, plans steps, runs them in order and gates
// MED/HIGH work behind confirmation tokens.
package madre

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vx11/vx11/internal/apierr"
	"github.com/vx11/vx11/internal/config"
	"github.com/vx11/vx11/internal/httpx"
	"github.com/vx11/vx11/internal/policy"
	"github.com/vx11/vx11/internal/store"
)

// ChatRequest is a natural-language request.
type ChatRequest struct {
	Message   string         `json:"message"`
	SessionID string         `json:"session_id,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// ChatResponse is returned for every chat or intent, whatever the mode.
type ChatResponse struct {
	Response  string            `json:"response"`
	SessionID string            `json:"session_id"`
	IntentID  string            `json:"intent_id"`
	PlanID    string            `json:"plan_id"`
	Status    string            `json:"status"`
	Mode      string            `json:"mode"`
	Risk      string            `json:"risk"`
	Warnings  []string          `json:"warnings"`
	Targets   []string          `json:"targets"`
	Actions   []ControlResponse `json:"actions"`
	Degraded  bool              `json:"degraded,omitempty"`
	Steps     []store.Step      `json:"steps,omitempty"`
}

// Service implements the Madre operations.
type Service struct {
	store  *store.Store
	cfg    *config.Config
	client *httpx.Client
	policy policy.Engine
	gate   *policy.Gate
	locks  keyedLocks
}

// New creates the orchestrator.
func New(s *store.Store, cfg *config.Config, client *httpx.Client) *Service {
	return &Service{
		store:  s,
		cfg:    cfg,
		client: client,
		policy: policy.NewDefaultEngine(),
		gate:   policy.NewGate(s, config.Seconds(cfg.Madre.ConfirmTTLSec, policy.DefaultConfirmTTL)),
	}
}

func (s *Service) healthTimeout() time.Duration {
	return config.Seconds(s.cfg.Madre.HealthTimeoutSec, 2*time.Second)
}

func (s *Service) controlTimeout() time.Duration {
	return config.Seconds(s.cfg.Madre.ControlTimeoutSec, 5*time.Second)
}

func (s *Service) engineTimeout() time.Duration {
	return config.Seconds(s.cfg.Switch.EngineTimeoutSec, 30*time.Second) + 5*time.Second
}

// intake is one request on its way to becoming an intent.
type intake struct {
	source    string
	sessionID string
	dsl       store.DSL
	parser    string
	mode      string
	targets   []string
	// target and action override what is derived from the DSL.
	target string
	action string
	// body replaces the chat step body when set.
	body []store.Step
}

// Chat parses a message, plans it and runs the plan as far as it can go.
func (s *Service) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, apierr.New(apierr.KindValidation, "message is required")
	}
	dsl, parser := s.refine(ctx, Parse(req.Message))
	mode, _ := req.Context["mode"].(string)
	return s.handle(ctx, intake{
		source:    store.SourceUser,
		sessionID: req.SessionID,
		dsl:       dsl,
		parser:    parser,
		mode:      mode,
	})
}

func (s *Service) handle(ctx context.Context, in intake) (*ChatResponse, error) {
	if in.sessionID == "" {
		in.sessionID = uuid.NewString()
	}
	targets := in.targets
	if targets == nil {
		targets = stringList(in.dsl.Parameters["targets"])
	}
	target := in.target
	if target == "" {
		target = DomainSystem
		if len(targets) > 0 {
			target = targets[0]
		}
	}
	action := in.action
	if action == "" {
		action = in.dsl.Action
	}
	mode := store.ModeMadre
	if in.dsl.Domain == DomainAudio || strings.EqualFold(in.mode, store.ModeAudioEngineer) {
		mode = store.ModeAudioEngineer
	}

	decision := s.policy.Evaluate(policy.Context{Target: target, Action: action, Source: in.source, TraceID: in.sessionID})
	intent := &store.Intent{
		SessionID:            in.sessionID,
		Source:               in.source,
		Mode:                 mode,
		DSL:                  in.dsl,
		Risk:                 decision.Risk,
		RequiresConfirmation: decision.RequiresConfirmation,
		Targets:              targets,
		ResultStatus:         store.ResultPlanned,
	}
	if intent.Targets == nil {
		intent.Targets = []string{}
	}

	if decision.Suicidal {
		return s.deny(ctx, intent, target, action, decision.Reason)
	}

	var steps []store.Step
	if in.body != nil {
		steps = s.planSteps(intent, target, action, in.body)
	} else {
		steps = s.BuildPlan(intent, target, action)
	}
	plan := &store.Plan{Steps: steps}
	if err := s.store.CreateIntentWithPlan(ctx, intent, plan); err != nil {
		return nil, err
	}
	s.recordDecision(ctx, intent.IntentID, in.parser, in.dsl)
	s.audit(ctx, intent.IntentID, plan.PlanID, "intent_created",
		fmt.Sprintf("%s/%s risk=%s source=%s", target, action, decision.Risk, in.source))
	slog.Info("Madre intent planned", "intent_id", intent.IntentID, "plan_id", plan.PlanID,
		"target", target, "action", action, "risk", decision.Risk, "steps", len(steps))

	var actions []ControlResponse
	if intent.RequiresConfirmation {
		token, err := s.gate.Issue(ctx, intent.IntentID, plan.PlanID, target, action)
		if err != nil {
			return nil, err
		}
		actions = append(actions, ControlResponse{
			Status:       ControlPending,
			ActionID:     intent.IntentID,
			ConfirmToken: token,
			Reason:       decision.Reason,
			PlanID:       plan.PlanID,
			Risk:         decision.Risk,
		})
	}

	ran, err := s.runPlan(ctx, plan.PlanID)
	if err != nil {
		return nil, err
	}
	return s.chatResponse(intent, ran, actions), nil
}

// deny records a refused intent with a skipped plan.
func (s *Service) deny(ctx context.Context, intent *store.Intent, target, action, reason string) (*ChatResponse, error) {
	intent.ResultStatus = store.ResultDenied
	intent.DSL.Warnings = append(intent.DSL.Warnings, ReasonDeniedSuicidal)
	plan := &store.Plan{Status: store.PlanError, Steps: []store.Step{{
		Type:   store.StepNoop,
		Status: store.StepSkipped,
		Payload: map[string]any{
			"reason": ReasonDeniedSuicidal,
			"target": target,
			"action": action,
		},
	}}}
	if err := s.store.CreateIntentWithPlan(ctx, intent, plan); err != nil {
		return nil, err
	}
	if err := s.store.CloseIntent(ctx, intent.IntentID, store.ResultDenied); err != nil {
		slog.Warn("Madre close intent failed", "intent_id", intent.IntentID, "error", err)
	}
	s.audit(ctx, intent.IntentID, plan.PlanID, "intent_denied", reason)
	actions := []ControlResponse{{Status: ControlDenied, ActionID: intent.IntentID, Reason: reason, PlanID: plan.PlanID, Risk: intent.Risk}}
	resp := s.chatResponse(intent, plan, actions)
	resp.Response = fmt.Sprintf("Refused: %s", reason)
	return resp, nil
}

func (s *Service) chatResponse(intent *store.Intent, plan *store.Plan, actions []ControlResponse) *ChatResponse {
	resp := &ChatResponse{
		SessionID: intent.SessionID,
		IntentID:  intent.IntentID,
		PlanID:    plan.PlanID,
		Status:    plan.Status,
		Mode:      intent.Mode,
		Risk:      intent.Risk,
		Warnings:  append([]string{}, intent.DSL.Warnings...),
		Targets:   intent.Targets,
		Actions:   actions,
		Steps:     plan.Steps,
	}
	if resp.Actions == nil {
		resp.Actions = []ControlResponse{}
	}
	for _, st := range plan.Steps {
		if st.Type == store.StepNoop && st.Payload["reason"] == ReasonShubDisabled && !slices.Contains(resp.Warnings, ReasonShubDisabled) {
			resp.Warnings = append(resp.Warnings, ReasonShubDisabled)
		}
	}

	answer, degraded := switchAnswer(plan.Steps)
	resp.Degraded = degraded
	switch {
	case plan.Status == store.PlanWaiting:
		resp.Response = fmt.Sprintf("Confirmation required: %s risk. Submit the confirm token to continue.", intent.Risk)
	case degraded:
		resp.Response = fmt.Sprintf("[degraded] %s/%s accepted locally; the router is unavailable.", intent.DSL.Domain, intent.DSL.Action)
	case answer != "":
		resp.Response = answer
	default:
		done := 0
		for _, st := range plan.Steps {
			if st.Status == store.StepDone {
				done++
			}
		}
		resp.Response = fmt.Sprintf("Plan %s: %d/%d steps done.", strings.ToLower(plan.Status), done, len(plan.Steps))
	}
	return resp
}

// switchAnswer extracts the router answer from a plan. A failed or degraded
// CALL_SWITCH step reports degraded.
func switchAnswer(steps []store.Step) (string, bool) {
	for _, st := range steps {
		if st.Type != store.StepCallSwitch {
			continue
		}
		switch st.Status {
		case store.StepError:
			return "", true
		case store.StepDone:
			answer, _ := st.Result["answer"].(string)
			degraded, _ := st.Result["degraded"].(bool)
			return answer, degraded
		}
	}
	return "", false
}

func (s *Service) audit(ctx context.Context, intentID, planID, action, reason string) {
	a := &store.MadreAction{Module: config.ServiceMadre, Action: action, Reason: reason, IntentID: intentID, PlanID: planID}
	if err := s.store.AppendMadreAction(ctx, a); err != nil {
		slog.Warn("Madre action not recorded", "action", action, "error", err)
	}
}

// stringList accepts []string or a decoded JSON array.
func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			if s, ok := x.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// intFrom reads an integer from a decoded JSON payload value.
func intFrom(v any, def int) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	}
	return def
}

// keyedLocks serialises work per plan or task id.
type keyedLocks struct {
	mu sync.Mutex
	m  map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedLocks) Lock(key string) func() {
	k.mu.Lock()
	if k.m == nil {
		k.m = make(map[string]*keyedLock)
	}
	l := k.m[key]
	if l == nil {
		l = &keyedLock{}
		k.m[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}
