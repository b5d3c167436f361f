package madre

import (
	"strings"

	"github.com/vx11/vx11/internal/store"
)

// NOOP reasons.
const (
	ReasonAwaitingConfirmation = "awaiting_confirmation"
	ReasonShubDisabled         = "shub_disabled"
	ReasonPlanComplete         = "plan_complete"
	ReasonDeniedSuicidal       = "deny_suicidal"
	ReasonCPUProposals         = "cpu_proposals_recorded"
	ReasonCPUGate              = "cpu_gate"
	ReasonPatchAttached        = "patch_attached"
	ReasonPatchDeferred        = "patchplan_deferred"
)

// BuildPlan turns a classified chat intent into its ordered steps.
func (s *Service) BuildPlan(in *store.Intent, target, action string) []store.Step {
	var body []store.Step
	switch in.Mode {
	case store.ModeAudioEngineer:
		if s.cfg.Madre.ShubEnabled {
			body = append(body, store.Step{Type: store.StepCallShub, Payload: map[string]any{
				"action": in.DSL.Action,
				"text":   in.DSL.OriginalText,
			}})
		} else {
			body = append(body, noop(ReasonShubDisabled))
		}
	default:
		body = append(body, store.Step{Type: store.StepCallSwitch, Payload: map[string]any{
			"query":  in.DSL.OriginalText,
			"domain": in.DSL.Domain,
			"action": in.DSL.Action,
		}})
		if len(in.Targets) > 0 {
			body = append(body, store.Step{Type: store.StepSystemHealthcheck, Payload: map[string]any{
				"targets": in.Targets,
				"scope":   "targets",
			}})
		}
		if LongRunning(in.DSL) {
			body = append(body, s.spawnerStep(in))
		}
	}
	return s.planSteps(in, target, action, body)
}

// planSteps frames body with the critical healthcheck, the confirmation
// gate when the intent needs one, and the plan_complete sentinel.
func (s *Service) planSteps(in *store.Intent, target, action string, body []store.Step) []store.Step {
	steps := []store.Step{s.criticalHealthcheck()}
	if in.RequiresConfirmation {
		steps = append(steps, store.Step{
			Type:     store.StepNoop,
			Blocking: true,
			Status:   store.StepWaiting,
			Payload: map[string]any{
				"reason": ReasonAwaitingConfirmation,
				"target": target,
				"action": action,
				"risk":   in.Risk,
			},
		})
	}
	steps = append(steps, body...)
	return append(steps, noop(ReasonPlanComplete))
}

func (s *Service) criticalHealthcheck() store.Step {
	return store.Step{Type: store.StepSystemHealthcheck, Payload: map[string]any{
		"targets": append([]string(nil), s.cfg.Madre.CriticalDeps...),
		"scope":   "critical",
	}}
}

func (s *Service) spawnerStep(in *store.Intent) store.Step {
	command, _ := in.DSL.Parameters["command"].(string)
	fields := strings.Fields(command)
	payload := map[string]any{
		"task_type":   in.DSL.Action,
		"description": in.DSL.OriginalText,
		"max_retries": s.cfg.Madre.DefaultMaxRetries,
		"ttl_seconds": s.cfg.Madre.DefaultDaughterTTL,
	}
	if len(fields) > 0 {
		payload["cmd"] = fields[0]
		payload["args"] = fields[1:]
	}
	return store.Step{Type: store.StepSpawnerRequest, Payload: payload}
}

func noop(reason string) store.Step {
	return store.Step{Type: store.StepNoop, Payload: map[string]any{"reason": reason}}
}

// organizeSteps asks Manifestator for a patch plan covering the reported
// drift. Nothing is applied. A patch already attached by the sender is
// recorded as is, and a gated or deferred intent does not reach
// Manifestator.
func organizeSteps(payload map[string]any) []store.Step {
	if gated, _ := payload["cpu_gate"].(bool); gated {
		return []store.Step{noop(ReasonCPUGate)}
	}
	if deferred, _ := payload["defer_patchplan"].(bool); deferred {
		return []store.Step{noop(ReasonPatchDeferred)}
	}
	if patch, ok := payload["patch"]; ok && patch != nil {
		return []store.Step{{Type: store.StepNoop, Payload: map[string]any{
			"reason": ReasonPatchAttached,
			"patch":  patch,
		}}}
	}
	return []store.Step{{Type: store.StepCallManifestator, Payload: map[string]any{
		"intent": "organize",
		"drift":  payload["drift"],
	}}}
}

// stabilizeSteps records CPU proposals. Nothing is executed on the host.
func stabilizeSteps(payload map[string]any) []store.Step {
	return []store.Step{{Type: store.StepNoop, Payload: map[string]any{
		"reason":            ReasonCPUProposals,
		"suggested_actions": payload["suggested_actions"],
		"constraints":       payload["constraints"],
	}}}
}

func scanSteps(payload map[string]any) []store.Step {
	body := map[string]any{"all": true}
	if ant, ok := payload["ant"].(string); ok && ant != "" {
		body = map[string]any{"ant": ant}
	}
	return []store.Step{{Type: store.StepCallHormigueroTask, Payload: body}}
}

// controlSteps checks the controlled module when it is one of ours.
func (s *Service) controlSteps(target string) []store.Step {
	if s.cfg.Services.URL(target) == "" {
		return nil
	}
	return []store.Step{{Type: store.StepSystemHealthcheck, Payload: map[string]any{
		"targets": []string{target},
		"scope":   "targets",
	}}}
}
