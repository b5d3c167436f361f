package madre

import (
	"context"
	"strings"

	"github.com/vx11/vx11/internal/apierr"
	"github.com/vx11/vx11/internal/config"
	"github.com/vx11/vx11/internal/policy"
	"github.com/vx11/vx11/internal/store"
)

// Intent types accepted from Hormiguero and operators.
const (
	IntentOrganize     = "organize"
	IntentStabilizeCPU = "stabilize_cpu"
	IntentScan         = "scan"
)

// stabilizeProposals are the only suggestions a stabilize_cpu intent may
// carry.
var stabilizeProposals = map[string]bool{
	"pause_builders":           true,
	"stop_optional_module":     true,
	"restart_flapping_service": true,
}

// IntentRequest is a system intent. Either Type or Message is required.
type IntentRequest struct {
	Type          string         `json:"type,omitempty"`
	Source        string         `json:"source,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	Message       string         `json:"message,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	Targets       []string       `json:"targets,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// SubmitIntent records and runs a system intent.
func (s *Service) SubmitIntent(ctx context.Context, req IntentRequest) (*ChatResponse, error) {
	source := req.Source
	if source == "" {
		source = store.SourceOperator
	}
	switch source {
	case store.SourceUser, store.SourceHormiguero, store.SourceOperator, store.SourceShub:
	default:
		return nil, apierr.New(apierr.KindValidation, "unknown source %q", source)
	}
	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	if req.Type == "" {
		if strings.TrimSpace(req.Message) == "" {
			return nil, apierr.New(apierr.KindValidation, "type or message is required")
		}
		dsl, parser := s.refine(ctx, Parse(req.Message))
		return s.handle(ctx, intake{source: source, sessionID: req.SessionID, dsl: dsl, parser: parser, targets: req.Targets})
	}

	var body []store.Step
	switch req.Type {
	case IntentOrganize:
		body = organizeSteps(payload)
	case IntentStabilizeCPU:
		if err := ValidateStabilize(payload); err != nil {
			return nil, err
		}
		body = stabilizeSteps(payload)
	case IntentScan:
		body = scanSteps(payload)
	default:
		return nil, apierr.New(apierr.KindValidation, "unknown intent type %q", req.Type)
	}
	text := req.Message
	if text == "" {
		text = req.Type
	}
	params := map[string]any{}
	for k, v := range payload {
		params[k] = v
	}
	if req.CorrelationID != "" {
		params["correlation_id"] = req.CorrelationID
	}
	dsl := store.DSL{
		Domain:       DomainSystem,
		Action:       req.Type,
		Parameters:   params,
		Confidence:   1,
		OriginalText: text,
		Warnings:     []string{},
	}
	targets := req.Targets
	if targets == nil {
		targets = []string{}
	}
	return s.handle(ctx, intake{
		source:    source,
		sessionID: req.SessionID,
		dsl:       dsl,
		parser:    "intent:" + req.Type,
		targets:   targets,
		target:    DomainSystem,
		action:    req.Type,
		body:      body,
	})
}

// ValidateStabilize enforces the stabilize_cpu contract: host processes
// are never killed, only VX11 services are touched, at most three
// proposals, none of them executable.
func ValidateStabilize(payload map[string]any) error {
	c, _ := payload["constraints"].(map[string]any)
	if c == nil {
		return apierr.New(apierr.KindValidation, "constraints are required")
	}
	if v, _ := c["no_kill_host_pids"].(bool); !v {
		return apierr.New(apierr.KindValidation, "constraints.no_kill_host_pids must be true")
	}
	if v, _ := c["only_vx11_services"].(bool); !v {
		return apierr.New(apierr.KindValidation, "constraints.only_vx11_services must be true")
	}
	maxActions := intFrom(c["max_actions"], 0)
	if maxActions <= 0 || maxActions > 3 {
		return apierr.New(apierr.KindValidation, "constraints.max_actions must be between 1 and 3")
	}
	raw, _ := payload["suggested_actions"].([]any)
	if len(raw) > maxActions {
		return apierr.New(apierr.KindValidation, "%d suggested actions exceed max_actions %d", len(raw), maxActions)
	}
	for i, item := range raw {
		a, ok := item.(map[string]any)
		if !ok {
			return apierr.New(apierr.KindValidation, "suggested_actions[%d] is not an object", i)
		}
		name, _ := a["action"].(string)
		if !stabilizeProposals[name] {
			return apierr.New(apierr.KindValidation, "suggested_actions[%d]: %q is not an allowed proposal", i, name)
		}
		if exec, _ := a["executable"].(bool); exec {
			return apierr.New(apierr.KindValidation, "suggested_actions[%d] must not be executable", i)
		}
	}
	return nil
}

// OrganizeRequest asks for a filesystem patch plan, and optionally its
// application.
type OrganizeRequest struct {
	DryRun       *bool          `json:"dry_run,omitempty"`
	Drift        map[string]any `json:"drift,omitempty"`
	ConfirmToken string         `json:"confirm_token,omitempty"`
}

// Organize fetches a patch plan from Manifestator. Applying it is a MED
// risk patch action and needs a confirm token.
func (s *Service) Organize(ctx context.Context, req OrganizeRequest) (map[string]any, error) {
	dryRun := req.DryRun == nil || *req.DryRun
	plan, err := s.callService(ctx, config.ServiceManifestator, pathManifestatorPlan,
		map[string]any{"intent": IntentOrganize, "drift": req.Drift}, s.controlTimeout())
	if err != nil {
		return nil, err
	}
	out := map[string]any{"status": "ok", "dry_run": dryRun, "patch": plan["patch"]}
	if dryRun {
		s.audit(ctx, "", "", "organize_planned", "dry run")
		return out, nil
	}

	const target, action = config.ServiceManifestator, "patch"
	decision := s.policy.Evaluate(policy.Context{Target: target, Action: action, Source: store.SourceOperator})
	if decision.RequiresConfirmation {
		if req.ConfirmToken == "" {
			token, err := s.gate.Issue(ctx, "", "", target, action)
			if err != nil {
				return nil, err
			}
			return nil, apierr.PolicyDenied(decision.Reason, token)
		}
		if _, err := s.gate.Redeem(ctx, target, action, req.ConfirmToken); err != nil {
			return nil, err
		}
	}
	applied, err := s.callService(ctx, config.ServiceManifestator, "/manifestator/apply",
		map[string]any{"patch": plan["patch"], "dry_run": false}, s.controlTimeout())
	if err != nil {
		return nil, err
	}
	out["apply"] = applied
	s.audit(ctx, "", "", "organize_applied", "confirmed patch applied")
	return out, nil
}
