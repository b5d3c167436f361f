package madre

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/vx11/vx11/internal/apierr"
	"github.com/vx11/vx11/internal/config"
	"github.com/vx11/vx11/internal/store"
)

// Callback decisions.
const (
	DecisionFinished       = "finished"
	DecisionRetry          = "retry"
	DecisionExhausted      = "exhausted"
	DecisionNoRetry        = "no_retry"
	DecisionWaitSiblings   = "waiting_siblings"
	DecisionRetryFailed    = "retry_spawn_failed"
	DecisionAlreadyClosed  = "task_closed"
	deathContextTTLExpired = "ttl_expired"
)

// CallbackRequest is what Spawner posts on every terminal daughter.
type CallbackRequest struct {
	SpawnID  string         `json:"spawn_id"`
	Status   string         `json:"status"`
	TaskID   string         `json:"task_id"`
	Result   map[string]any `json:"result,omitempty"`
	Provider string         `json:"provider,omitempty"`
}

// CallbackResult reports what Madre decided for the task.
type CallbackResult struct {
	Status        string `json:"status"`
	Decision      string `json:"decision"`
	TaskID        string `json:"task_id"`
	TaskStatus    string `json:"task_status"`
	CurrentRetry  int    `json:"current_retry"`
	DaughterID    string `json:"daughter_id,omitempty"`
	MutationLevel int    `json:"mutation_level,omitempty"`
}

// Callback applies the retry policy. A failed daughter, or one killed for
// an expired heartbeat, is retried with mutation_level+1 while
// current_retry+1 < max_retries; otherwise the task fails. Retries are
// only considered once no sibling daughter of the task is still live.
func (s *Service) Callback(ctx context.Context, cb CallbackRequest) (*CallbackResult, error) {
	if cb.TaskID == "" {
		return nil, apierr.New(apierr.KindValidation, "task_id is required")
	}
	switch cb.Status {
	case store.DaughterFinished, store.DaughterFailed, store.DaughterKilled:
	default:
		return nil, apierr.New(apierr.KindValidation, "status must be finished, failed or killed")
	}
	unlock := s.locks.Lock("task:" + cb.TaskID)
	defer unlock()

	task, err := s.store.GetTask(ctx, cb.TaskID)
	if err != nil {
		return nil, err
	}
	res := &CallbackResult{Status: "ok", TaskID: task.ID, CurrentRetry: task.CurrentRetry, TaskStatus: task.Status}
	if slices.Contains(store.TerminalTaskStatuses, task.Status) && !(cb.Status == store.DaughterFinished && task.Status == store.TaskFinished) {
		res.Status, res.Decision = "ignored", DecisionAlreadyClosed
		return res, nil
	}

	if cb.Status == store.DaughterFinished {
		s.setTask(ctx, task, store.TaskFinished, res)
		res.Decision = DecisionFinished
		s.audit(ctx, task.IntentID, task.PlanID, "task_finished", fmt.Sprintf("task %s daughter %s", task.ID, cb.SpawnID))
		return res, nil
	}

	if cb.Status == store.DaughterKilled {
		if reason, _ := cb.Result["death_context"].(string); reason != deathContextTTLExpired {
			s.setTask(ctx, task, store.TaskFailed, res)
			res.Decision = DecisionNoRetry
			s.audit(ctx, task.IntentID, task.PlanID, "task_failed", fmt.Sprintf("task %s daughter %s killed: %s", task.ID, cb.SpawnID, reason))
			return res, nil
		}
	}

	live, err := s.store.ListDaughters(ctx, store.DaughterFilter{TaskID: task.ID, Statuses: store.ActiveDaughterStatuses})
	if err != nil {
		return nil, err
	}
	for _, d := range live {
		if d.ID != cb.SpawnID {
			res.Decision = DecisionWaitSiblings
			return res, nil
		}
	}

	if task.CurrentRetry+1 >= task.MaxRetries {
		s.setTask(ctx, task, store.TaskFailed, res)
		res.Decision = DecisionExhausted
		s.audit(ctx, task.IntentID, task.PlanID, "task_failed",
			fmt.Sprintf("task %s retries exhausted at %d/%d", task.ID, task.CurrentRetry, task.MaxRetries))
		slog.Info("Madre task failed", "task_id", task.ID, "current_retry", task.CurrentRetry, "max_retries", task.MaxRetries)
		return res, nil
	}

	retry, bumped, err := s.store.BumpTaskRetry(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	if !bumped {
		s.setTask(ctx, task, store.TaskFailed, res)
		res.Decision = DecisionExhausted
		return res, nil
	}
	task.CurrentRetry = retry
	res.CurrentRetry = retry
	res.TaskStatus = store.TaskRunning

	spawned, err := s.spawn(ctx, task, retry)
	if err != nil {
		slog.Warn("Madre retry spawn failed", "task_id", task.ID, "retry", retry, "error", err)
		s.setTask(ctx, task, store.TaskFailed, res)
		res.Decision = DecisionRetryFailed
		s.audit(ctx, task.IntentID, task.PlanID, "task_failed", fmt.Sprintf("task %s retry %d not spawned: %v", task.ID, retry, err))
		return res, nil
	}
	res.Decision = DecisionRetry
	res.DaughterID = spawned.DaughterID
	res.MutationLevel = spawned.MutationLevel
	s.audit(ctx, task.IntentID, task.PlanID, "retry_scheduled",
		fmt.Sprintf("task %s retry %d daughter %s", task.ID, retry, spawned.DaughterID))
	slog.Info("Madre retry scheduled", "task_id", task.ID, "retry", retry, "daughter_id", spawned.DaughterID)
	return res, nil
}

func (s *Service) setTask(ctx context.Context, task *store.DaughterTask, status string, res *CallbackResult) {
	ok, err := s.store.SetTaskStatus(ctx, task.ID, status)
	if err != nil {
		slog.Warn("Madre task status update failed", "task_id", task.ID, "status", status, "error", err)
		return
	}
	if ok {
		res.TaskStatus = status
	}
}

// CancelResult reports a task cancellation.
type CancelResult struct {
	Status string   `json:"status"`
	TaskID string   `json:"task_id"`
	Killed int      `json:"killed"`
	Errors []string `json:"errors,omitempty"`
}

type killRequest struct {
	KilledBy string `json:"killed_by"`
	Reason   string `json:"reason"`
}

// CancelTask cancels a task and kills its live daughters through Spawner.
// When Spawner is unreachable the rows are killed directly.
func (s *Service) CancelTask(ctx context.Context, taskID string) (*CancelResult, error) {
	unlock := s.locks.Lock("task:" + taskID)
	defer unlock()
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	res := &CancelResult{Status: store.TaskCancelled, TaskID: task.ID}
	if slices.Contains(store.TerminalTaskStatuses, task.Status) {
		res.Status = task.Status
		return res, nil
	}
	if _, err := s.store.SetTaskStatus(ctx, task.ID, store.TaskCancelled); err != nil {
		return nil, err
	}
	live, err := s.store.ListDaughters(ctx, store.DaughterFilter{TaskID: task.ID, Statuses: store.ActiveDaughterStatuses})
	if err != nil {
		return nil, err
	}
	base := s.cfg.Services.URL(config.ServiceSpawner)
	reason := "task_cancelled"
	for _, d := range live {
		err := s.client.PostJSON(ctx, base+"/spawn/kill/"+d.ID, s.controlTimeout(),
			killRequest{KilledBy: config.ServiceMadre, Reason: reason}, nil)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", d.ID, err))
			moved, derr := s.store.TransitionDaughter(ctx, d.ID, store.ActiveDaughterStatuses, store.DaughterKilled,
				store.DaughterUpdate{KilledBy: config.ServiceMadre, DeathContext: reason, ErrorLast: &reason})
			if derr != nil || !moved {
				continue
			}
		}
		res.Killed++
	}
	s.audit(ctx, task.IntentID, task.PlanID, "task_cancelled", fmt.Sprintf("task %s killed %d daughters", task.ID, res.Killed))
	slog.Info("Madre task cancelled", "task_id", task.ID, "killed", res.Killed)
	return res, nil
}

// ActiveTasks lists tasks that have not reached a terminal state.
func (s *Service) ActiveTasks(ctx context.Context, limit int) ([]store.DaughterTask, error) {
	return s.store.ListTasks(ctx, []string{store.TaskPending, store.TaskSpawned, store.TaskRunning}, limit)
}

// ActiveDaughters lists spawned or running daughters.
func (s *Service) ActiveDaughters(ctx context.Context, limit int) ([]store.Daughter, error) {
	return s.store.ListDaughters(ctx, store.DaughterFilter{Statuses: store.ActiveDaughterStatuses, Limit: limit})
}

// StatusReport is the orchestrator snapshot.
type StatusReport struct {
	Status          string                  `json:"status"`
	Plans           map[string]int          `json:"plans"`
	Intents         map[string]int          `json:"intents"`
	ActiveTasks     int                     `json:"active_tasks"`
	ActiveDaughters int                     `json:"active_daughters"`
	Dependencies    map[string]HealthResult `json:"dependencies"`
	RecentActions   []store.MadreAction     `json:"recent_actions"`
}

// Status summarises plans, intents, daughters and dependency health.
func (s *Service) Status(ctx context.Context) (*StatusReport, error) {
	plans, err := s.store.CountPlansByStatus(ctx)
	if err != nil {
		return nil, err
	}
	intents, err := s.store.CountIntentsByResult(ctx)
	if err != nil {
		return nil, err
	}
	tasks, err := s.ActiveTasks(ctx, 1000)
	if err != nil {
		return nil, err
	}
	daughters, err := s.store.CountActiveDaughters(ctx)
	if err != nil {
		return nil, err
	}
	actions, err := s.store.ListMadreActions(ctx, "", 20)
	if err != nil {
		return nil, err
	}
	if actions == nil {
		actions = []store.MadreAction{}
	}
	deps := s.probe(ctx, s.cfg.Madre.CriticalDeps)
	status := "ok"
	for _, r := range deps {
		if !r.OK {
			status = "degraded"
		}
	}
	return &StatusReport{
		Status:          status,
		Plans:           plans,
		Intents:         intents,
		ActiveTasks:     len(tasks),
		ActiveDaughters: daughters,
		Dependencies:    deps,
		RecentActions:   actions,
	}, nil
}
