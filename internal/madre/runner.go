package madre

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vx11/vx11/internal/apierr"
	"github.com/vx11/vx11/internal/config"
	"github.com/vx11/vx11/internal/store"
)

// Canonical endpoints for outbound step types.
const (
	pathSwitchRoute      = "/switch/route-v5"
	pathHormigueroScan   = "/hormiguero/scan/once"
	pathManifestatorPlan = "/manifestator/patchplan"
	pathShubTask         = "/shub/task"
	pathSpawnerSpawn     = "/spawner/spawn"
)

// runPlan executes a plan's steps in order until it finishes or reaches a
// blocking WAITING step. Steps already in a terminal state are not rerun, so
// a resumed plan picks up where it stopped.
func (s *Service) runPlan(ctx context.Context, planID string) (*store.Plan, error) {
	unlock := s.locks.Lock("plan:" + planID)
	defer unlock()
	// A plan keeps running when the caller goes away.
	ctx = context.WithoutCancel(ctx)

	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status == store.PlanDone || plan.Status == store.PlanError {
		return plan, nil
	}
	if err := s.store.UpdatePlanStatus(ctx, planID, store.PlanRunning); err != nil {
		return nil, err
	}

	for _, st := range plan.Steps {
		switch st.Status {
		case store.StepDone, store.StepError, store.StepSkipped:
			continue
		case store.StepWaiting:
			if !st.Blocking {
				continue
			}
			if err := s.store.UpdatePlanStatus(ctx, planID, store.PlanWaiting); err != nil {
				return nil, err
			}
			s.audit(ctx, plan.IntentID, planID, "plan_waiting", fmt.Sprintf("step %d %v", st.Seq, st.Payload["reason"]))
			slog.Info("Madre plan waiting", "plan_id", planID, "step", st.Seq)
			return s.store.GetPlan(ctx, planID)
		}

		ok, err := s.store.TransitionStep(ctx, st.StepID, []string{store.StepPending, store.StepRunning}, store.StepRunning, nil, "")
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		result, execErr := s.executeStep(ctx, plan, st)
		to, errText := store.StepDone, ""
		if execErr != nil {
			to, errText = store.StepError, execErr.Error()
			slog.Warn("Madre step failed", "plan_id", planID, "step", st.Seq, "type", st.Type, "error", execErr)
		}
		if _, err := s.store.TransitionStep(ctx, st.StepID, []string{store.StepRunning}, to, result, errText); err != nil {
			return nil, err
		}
		reason := st.Type
		if errText != "" {
			reason += ": " + errText
		}
		s.audit(ctx, plan.IntentID, planID, "step_"+strings.ToLower(to), reason)
	}

	if err := s.store.UpdatePlanStatus(ctx, planID, store.PlanDone); err != nil {
		return nil, err
	}
	final, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	result := planResult(final.Steps)
	if err := s.store.CloseIntent(ctx, plan.IntentID, result); err != nil {
		slog.Warn("Madre close intent failed", "intent_id", plan.IntentID, "error", err)
	}
	s.audit(ctx, plan.IntentID, planID, "plan_done", fmt.Sprintf("%d steps, result %s", len(final.Steps), result))
	return final, nil
}

// planResult is the result_status of a finished plan: error when every step
// that does real work failed, done otherwise. NOOP and healthcheck steps do
// not count.
func planResult(steps []store.Step) string {
	failed := false
	for _, st := range steps {
		if st.Type == store.StepNoop || st.Type == store.StepSystemHealthcheck {
			continue
		}
		switch st.Status {
		case store.StepDone:
			return store.ResultDone
		case store.StepError:
			failed = true
		}
	}
	if failed {
		return store.ResultError
	}
	return store.ResultDone
}

// executeStep runs one step. Errors are recorded on the step and never
// abort the plan.
func (s *Service) executeStep(ctx context.Context, plan *store.Plan, st store.Step) (map[string]any, error) {
	switch st.Type {
	case store.StepSystemHealthcheck:
		return s.healthcheck(ctx, stringList(st.Payload["targets"])), nil
	case store.StepCallSwitch:
		body := map[string]any{"query": st.Payload["query"], "trace_id": plan.PlanID}
		return s.callService(ctx, config.ServiceSwitch, pathSwitchRoute, body, s.engineTimeout())
	case store.StepCallHormigueroTask:
		return s.callService(ctx, config.ServiceHormiguero, pathHormigueroScan, st.Payload, s.controlTimeout())
	case store.StepCallManifestator:
		return s.callService(ctx, config.ServiceManifestator, pathManifestatorPlan, st.Payload, s.controlTimeout())
	case store.StepCallShub:
		return s.callService(ctx, config.ServiceShub, pathShubTask, st.Payload, s.controlTimeout())
	case store.StepSpawnerRequest:
		return s.requestSpawn(ctx, plan, st.Payload)
	case store.StepNoop:
		return map[string]any{"reason": st.Payload["reason"]}, nil
	}
	return nil, apierr.New(apierr.KindValidation, "unknown step type %q", st.Type)
}

func (s *Service) callService(ctx context.Context, service, path string, body any, timeout time.Duration) (map[string]any, error) {
	base := s.cfg.Services.URL(service)
	if base == "" {
		return nil, apierr.New(apierr.KindUpstreamUnavailable, "no endpoint for %s", service)
	}
	out := map[string]any{}
	if err := s.client.PostJSON(ctx, base+path, timeout, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// HealthResult is the probe outcome for one module.
type HealthResult struct {
	OK         bool   `json:"ok"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// healthcheck probes targets in parallel.
func (s *Service) healthcheck(ctx context.Context, targets []string) map[string]any {
	results := s.probe(ctx, targets)
	up, down := 0, 0
	byName := make(map[string]any, len(results))
	for name, r := range results {
		if r.OK {
			up++
		} else {
			down++
		}
		byName[name] = r
	}
	return map[string]any{"results": byName, "up": up, "down": down}
}

func (s *Service) probe(ctx context.Context, targets []string) map[string]HealthResult {
	var (
		mu  sync.Mutex
		g   errgroup.Group
		out = make(map[string]HealthResult, len(targets))
	)
	for _, name := range targets {
		g.Go(func() error {
			var r HealthResult
			if base := s.cfg.Services.URL(name); base == "" {
				r.Error = "unknown target"
			} else {
				code, err := s.client.Health(ctx, base+"/health", s.healthTimeout())
				r.StatusCode = code
				r.OK = err == nil && code == 200
				if err != nil {
					r.Error = err.Error()
				}
			}
			mu.Lock()
			out[name] = r
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

type spawnRequest struct {
	TaskID      string            `json:"task_id"`
	Name        string            `json:"name,omitempty"`
	Purpose     string            `json:"purpose,omitempty"`
	Cmd         string            `json:"cmd"`
	Args        []string          `json:"args,omitempty"`
	Cwd         string            `json:"cwd,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	TTLSeconds  int               `json:"ttl_seconds,omitempty"`
	Description string            `json:"description,omitempty"`
}

type spawnResponse struct {
	Status        string `json:"status"`
	DaughterID    string `json:"daughter_id"`
	TaskID        string `json:"task_id"`
	AttemptNumber int    `json:"attempt_number"`
	MutationLevel int    `json:"mutation_level"`
}

// requestSpawn records a DaughterTask and asks Spawner to start its first
// daughter. A rejected spawn fails the task.
func (s *Service) requestSpawn(ctx context.Context, plan *store.Plan, payload map[string]any) (map[string]any, error) {
	cmd, _ := payload["cmd"].(string)
	if strings.TrimSpace(cmd) == "" {
		return nil, apierr.New(apierr.KindValidation, "no command to spawn")
	}
	args := stringList(payload["args"])
	taskType, _ := payload["task_type"].(string)
	description, _ := payload["description"].(string)
	task := &store.DaughterTask{
		IntentID:    plan.IntentID,
		PlanID:      plan.PlanID,
		Source:      config.ServiceMadre,
		TaskType:    taskType,
		Description: description,
		MaxRetries:  intFrom(payload["max_retries"], s.cfg.Madre.DefaultMaxRetries),
		TTLSeconds:  intFrom(payload["ttl_seconds"], s.cfg.Madre.DefaultDaughterTTL),
		Plan:        map[string]any{"cmd": cmd, "args": args},
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	resp, err := s.spawn(ctx, task, 0)
	if err != nil {
		if _, serr := s.store.SetTaskStatus(ctx, task.ID, store.TaskFailed); serr != nil {
			slog.Warn("Madre task status update failed", "task_id", task.ID, "error", serr)
		}
		return map[string]any{"task_id": task.ID}, err
	}
	return map[string]any{
		"task_id":        task.ID,
		"daughter_id":    resp.DaughterID,
		"attempt_number": resp.AttemptNumber,
		"mutation_level": resp.MutationLevel,
	}, nil
}

// spawn starts a daughter for task at the given mutation level.
func (s *Service) spawn(ctx context.Context, task *store.DaughterTask, mutation int) (*spawnResponse, error) {
	base := s.cfg.Services.URL(config.ServiceSpawner)
	cmd, _ := task.Plan["cmd"].(string)
	cwd, _ := task.Plan["cwd"].(string)
	req := spawnRequest{
		TaskID:      task.ID,
		Name:        fmt.Sprintf("%s-m%d", task.TaskType, mutation),
		Purpose:     task.Description,
		Cmd:         cmd,
		Args:        stringList(task.Plan["args"]),
		Cwd:         cwd,
		Env:         map[string]string{"VX11_MUTATION_LEVEL": fmt.Sprint(mutation)},
		TTLSeconds:  task.TTLSeconds,
		Description: task.Description,
	}
	var resp spawnResponse
	if err := s.client.PostJSON(ctx, base+pathSpawnerSpawn, s.controlTimeout(), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
