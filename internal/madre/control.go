package madre

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vx11/vx11/internal/apierr"
	"github.com/vx11/vx11/internal/policy"
	"github.com/vx11/vx11/internal/store"
)

// ControlResponse statuses.
const (
	ControlAccepted = "accepted"
	ControlPending  = "pending_confirmation"
	ControlDenied   = "denied"
)

// ControlRequest is an imperative (target, action) request.
type ControlRequest struct {
	Target       string         `json:"target"`
	Action       string         `json:"action"`
	Params       map[string]any `json:"params,omitempty"`
	ConfirmToken string         `json:"confirm_token,omitempty"`
	// PlanID names the waiting plan a token is meant for. A mismatching
	// token fails that plan.
	PlanID    string `json:"plan_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// ControlResponse is the outcome of a control request.
type ControlResponse struct {
	Status       string `json:"status"`
	ActionID     string `json:"action_id,omitempty"`
	ConfirmToken string `json:"confirm_token,omitempty"`
	Reason       string `json:"reason,omitempty"`
	PlanID       string `json:"plan_id,omitempty"`
	Risk         string `json:"risk,omitempty"`
}

// Control classifies and gates an imperative request. LOW actions run at
// once; MED and HIGH actions return a confirm token unless one is
// presented; suicidal actions are always denied.
func (s *Service) Control(ctx context.Context, req ControlRequest) (*ControlResponse, error) {
	target := strings.ToLower(strings.TrimSpace(req.Target))
	action := strings.ToLower(strings.TrimSpace(req.Action))
	if target == "" || action == "" {
		return nil, apierr.New(apierr.KindValidation, "target and action are required")
	}
	decision := s.policy.Evaluate(policy.Context{Target: target, Action: action, Source: store.SourceOperator, TraceID: req.SessionID})
	if decision.Suicidal {
		s.audit(ctx, "", req.PlanID, "control_denied", decision.Reason)
		return &ControlResponse{Status: ControlDenied, Reason: decision.Reason, Risk: decision.Risk, PlanID: req.PlanID}, nil
	}

	if req.ConfirmToken != "" {
		return s.redeem(ctx, target, action, req, decision)
	}

	dsl := store.DSL{
		Domain:       DomainSystem,
		Action:       action,
		Parameters:   req.Params,
		Confidence:   1,
		OriginalText: fmt.Sprintf("%s %s", action, target),
		Warnings:     []string{},
	}
	if dsl.Parameters == nil {
		dsl.Parameters = map[string]any{}
	}
	resp, err := s.handle(ctx, intake{
		source:    store.SourceOperator,
		sessionID: req.SessionID,
		dsl:       dsl,
		parser:    "control",
		targets:   []string{target},
		target:    target,
		action:    action,
		body:      append([]store.Step{}, s.controlSteps(target)...),
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Actions) > 0 {
		out := resp.Actions[0]
		return &out, nil
	}
	return &ControlResponse{Status: ControlAccepted, ActionID: resp.IntentID, PlanID: resp.PlanID, Reason: decision.Reason, Risk: decision.Risk}, nil
}

// redeem consumes a confirm token and resumes the plan it was issued for.
func (s *Service) redeem(ctx context.Context, target, action string, req ControlRequest, decision policy.Decision) (*ControlResponse, error) {
	conf, err := s.gate.Redeem(ctx, target, action, req.ConfirmToken)
	if err != nil {
		if !apierr.Is(err, apierr.KindPolicyDenied) {
			return nil, err
		}
		if req.PlanID != "" {
			if ferr := s.failWaitingPlan(ctx, req.PlanID, "confirm_token mismatch"); ferr != nil {
				slog.Warn("Madre fail plan after token mismatch", "plan_id", req.PlanID, "error", ferr)
			}
		}
		s.audit(ctx, "", req.PlanID, "control_denied", "confirm_token mismatch")
		return &ControlResponse{Status: ControlDenied, Reason: "confirm_token mismatch", PlanID: req.PlanID, Risk: decision.Risk}, nil
	}

	s.audit(ctx, conf.IntentID, conf.PlanID, "control_confirmed", fmt.Sprintf("%s/%s", target, action))
	if conf.PlanID != "" {
		if err := s.releasePlan(ctx, conf.PlanID); err != nil {
			return nil, err
		}
		if _, err := s.runPlan(ctx, conf.PlanID); err != nil {
			return nil, err
		}
	}
	slog.Info("Madre control accepted", "target", target, "action", action, "plan_id", conf.PlanID)
	return &ControlResponse{Status: ControlAccepted, ActionID: conf.IntentID, PlanID: conf.PlanID, Reason: "confirmed", Risk: decision.Risk}, nil
}

// releasePlan marks a plan's waiting confirmation steps done.
func (s *Service) releasePlan(ctx context.Context, planID string) error {
	unlock := s.locks.Lock("plan:" + planID)
	defer unlock()
	steps, err := s.store.ListSteps(ctx, planID)
	if err != nil {
		return err
	}
	for _, st := range steps {
		if st.Status != store.StepWaiting || st.Payload["reason"] != ReasonAwaitingConfirmation {
			continue
		}
		if _, err := s.store.TransitionStep(ctx, st.StepID, []string{store.StepWaiting}, store.StepDone,
			map[string]any{"reason": ReasonAwaitingConfirmation, "confirmed": true}, ""); err != nil {
			return err
		}
	}
	return nil
}

// failWaitingPlan ends a waiting plan: the gate step errors, the rest is
// skipped and the intent is closed as denied.
func (s *Service) failWaitingPlan(ctx context.Context, planID, reason string) error {
	unlock := s.locks.Lock("plan:" + planID)
	defer unlock()
	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	if plan.Status != store.PlanWaiting {
		return nil
	}
	for _, st := range plan.Steps {
		switch st.Status {
		case store.StepWaiting:
			_, err = s.store.TransitionStep(ctx, st.StepID, []string{store.StepWaiting}, store.StepError, st.Result, reason)
		case store.StepPending:
			_, err = s.store.TransitionStep(ctx, st.StepID, []string{store.StepPending}, store.StepSkipped, nil, reason)
		}
		if err != nil {
			return err
		}
	}
	if err := s.store.UpdatePlanStatus(ctx, planID, store.PlanError); err != nil {
		return err
	}
	if err := s.store.CloseIntent(ctx, plan.IntentID, store.ResultDenied); err != nil {
		return err
	}
	s.audit(ctx, plan.IntentID, planID, "plan_failed", reason)
	return nil
}
