package hormiguero

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"time"

	"github.com/vx11/vx11/internal/apierr"
	"github.com/vx11/vx11/internal/approval"
	"github.com/vx11/vx11/internal/httpx"
	"github.com/vx11/vx11/internal/manifestator"
	"github.com/vx11/vx11/internal/store"
)

// Allowlisted actions.
const (
	ActionCleanupPycache    = "cleanup_pycache"
	ActionCleanupEmptyDirs  = "cleanup_empty_dirs"
	ActionManifestatorPatch = "manifestator_patch"
)

// Executors.
const (
	ExecHormiguero   = "hormiguero"
	ExecManifestator = "manifestator"
)

var destructiveAction = regexp.MustCompile(`(?i)(kill|rm_rf|delete|drop|wipe|format|reboot|shutdown|truncate|chmod|chown)`)

var allowedActions = map[string]string{
	ActionCleanupPycache:    "removes __pycache__ directories",
	ActionCleanupEmptyDirs:  "removes empty directories",
	ActionManifestatorPatch: "delegated to manifestator apply",
}

// ActionRequest is one proposed action.
type ActionRequest struct {
	Action string              `json:"action"`
	Path   string              `json:"path,omitempty"`
	Patch  *manifestator.Patch `json:"patch,omitempty"`
}

// Verdict classifies an action.
type Verdict struct {
	Action   string `json:"action"`
	Allowed  bool   `json:"allowed"`
	Reason   string `json:"reason"`
	Executor string `json:"executor,omitempty"`
}

// ActionResult is the outcome of one applied action.
type ActionResult struct {
	Verdict
	Status string         `json:"status"`
	Error  string         `json:"error,omitempty"`
	Detail map[string]any `json:"detail,omitempty"`
}

// ApplyRequest is the body of POST /hormiguero/actions/apply.
type ApplyRequest struct {
	CorrelationID string          `json:"correlation_id"`
	Actions       []ActionRequest `json:"actions"`
}

// ApplyResponse reports what was done under which pheromone.
type ApplyResponse struct {
	Status      string         `json:"status"`
	PheromoneID string         `json:"pheromone_id"`
	Results     []ActionResult `json:"results"`
}

// Executor runs allowlisted housekeeping actions inside the repository
// root once a pheromone has been approved.
type Executor struct {
	root            string
	enabled         bool
	approvals       *approval.Manager
	client          *httpx.Client
	manifestatorURL string
	timeout         time.Duration
}

func NewExecutor(root string, enabled bool, approvals *approval.Manager, client *httpx.Client, manifestatorURL string) *Executor {
	if root == "" {
		root = "."
	}
	return &Executor{
		root:            root,
		enabled:         enabled,
		approvals:       approvals,
		client:          client,
		manifestatorURL: manifestatorURL,
		timeout:         30 * time.Second,
	}
}

// Classify decides whether an action may run and who runs it.
func Classify(a ActionRequest) Verdict {
	v := Verdict{Action: a.Action}
	reason, ok := allowedActions[a.Action]
	switch {
	case a.Action == "":
		v.Reason = "action is required"
	case !ok && destructiveAction.MatchString(a.Action):
		v.Reason = "destructive action"
	case !ok:
		v.Reason = "not in allowlist"
	case a.Path != "" && !filepath.IsLocal(filepath.FromSlash(a.Path)):
		v.Reason = "path escapes the repository"
	case a.Action == ActionManifestatorPatch && a.Patch == nil:
		v.Reason = "patch is required"
	case a.Action == ActionManifestatorPatch:
		if problems := manifestator.Validate(a.Patch); len(problems) > 0 {
			v.Reason = fmt.Sprintf("patch invalid: %s", problems[0].Error)
			break
		}
		v.Allowed, v.Reason, v.Executor = true, reason, ExecManifestator
	default:
		v.Allowed, v.Reason, v.Executor = true, reason, ExecHormiguero
	}
	return v
}

// Preview classifies every action without running anything.
func Preview(actions []ActionRequest) []Verdict {
	out := make([]Verdict, len(actions))
	for i, a := range actions {
		out[i] = Classify(a)
	}
	return out
}

// proposedAction rebuilds the action a pheromone was approved for from its
// kind and payload.
func proposedAction(kind string, payload map[string]any) (ActionRequest, error) {
	a := ActionRequest{}
	if len(payload) > 0 {
		data, err := json.Marshal(payload)
		if err != nil {
			return a, fmt.Errorf("encode action payload: %w", err)
		}
		if err := json.Unmarshal(data, &a); err != nil {
			return a, apierr.Wrap(apierr.KindValidation, err, "action payload")
		}
	}
	a.Action = kind
	return a, nil
}

// sameAction reports whether a requested action is the one that was approved.
func sameAction(got, want ActionRequest) bool {
	if got.Action != want.Action || path.Clean("/"+got.Path) != path.Clean("/"+want.Path) {
		return false
	}
	if got.Patch == nil || want.Patch == nil {
		return got.Patch == nil && want.Patch == nil
	}
	a, errA := json.Marshal(got.Patch)
	b, errB := json.Marshal(want.Patch)
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

// Apply runs the actions under the approved pheromone matching
// req.CorrelationID and records the outcome on it. Every action must be the
// one the pheromone approved; the pheromone is claimed before anything runs.
func (e *Executor) Apply(ctx context.Context, req ApplyRequest) (*ApplyResponse, error) {
	if !e.enabled {
		return nil, apierr.New(apierr.KindPolicyDenied, "hormiguero actions are disabled")
	}
	if len(req.Actions) == 0 {
		return nil, apierr.New(apierr.KindValidation, "actions are required")
	}
	ph, err := e.approvals.Approved(ctx, req.CorrelationID)
	if err != nil {
		return nil, err
	}
	approved, err := proposedAction(ph.ActionKind, ph.ActionPayload)
	if err != nil {
		return nil, err
	}
	for _, a := range req.Actions {
		if !sameAction(a, approved) {
			return nil, apierr.New(apierr.KindPolicyDenied, "action %s was not approved by pheromone %s", a.Action, ph.PheromoneID)
		}
	}
	if err := e.approvals.Claim(ctx, ph.PheromoneID); err != nil {
		return nil, err
	}

	resp := &ApplyResponse{Status: "ok", PheromoneID: ph.PheromoneID, Results: make([]ActionResult, 0, len(req.Actions))}
	success := true
	for _, a := range req.Actions {
		res := ActionResult{Verdict: Classify(a)}
		if !res.Allowed {
			res.Status = "denied"
			success = false
			resp.Results = append(resp.Results, res)
			continue
		}
		detail, err := e.run(ctx, a)
		res.Detail = detail
		if err != nil {
			res.Status = "error"
			res.Error = err.Error()
			success = false
		} else {
			res.Status = "ok"
		}
		resp.Results = append(resp.Results, res)
	}
	if !success {
		resp.Status = "partial"
	}

	outcome := map[string]any{"status": resp.Status, "results": resp.Results}
	if err := e.approvals.Complete(ctx, ph.PheromoneID, success, outcome); err != nil {
		slog.Warn("Pheromone outcome not recorded", "pheromone_id", ph.PheromoneID, "error", err)
	}
	slog.Info("Hormiguero actions applied", "pheromone_id", ph.PheromoneID, "actions", len(req.Actions), "status", resp.Status)
	return resp, nil
}

func (e *Executor) run(ctx context.Context, a ActionRequest) (map[string]any, error) {
	switch a.Action {
	case ActionCleanupPycache:
		n, err := e.removeDirs(a.Path, func(path string, d fs.DirEntry) bool { return d.Name() == "__pycache__" })
		return map[string]any{"removed": n}, err
	case ActionCleanupEmptyDirs:
		n, err := e.removeDirs(a.Path, func(path string, d fs.DirEntry) bool {
			entries, err := os.ReadDir(path)
			return err == nil && len(entries) == 0
		})
		return map[string]any{"removed": n}, err
	case ActionManifestatorPatch:
		if e.manifestatorURL == "" {
			return nil, apierr.New(apierr.KindUpstreamUnavailable, "manifestator not configured")
		}
		var out manifestator.ApplyResult
		body := map[string]any{"patch": a.Patch, "dry_run": false}
		if err := e.client.PostJSON(ctx, e.manifestatorURL+"/manifestator/apply", e.timeout, body, &out); err != nil {
			return nil, err
		}
		detail := map[string]any{"apply_status": out.Status, "applied": out.Applied, "failed": out.Failed, "backup_root": out.BackupRoot}
		if out.Status != manifestator.StatusOK {
			return detail, fmt.Errorf("manifestator apply %s", out.Status)
		}
		return detail, nil
	}
	return nil, fmt.Errorf("no executor for %q", a.Action)
}

// removeDirs deletes matching directories under the repository root. .git
// is never entered.
func (e *Executor) removeDirs(sub string, match func(string, fs.DirEntry) bool) (int, error) {
	base := e.root
	if sub != "" {
		base = filepath.Join(e.root, filepath.FromSlash(sub))
	}
	var targets []string
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() || path == base {
			return nil
		}
		if d.Name() == ".git" {
			return filepath.SkipDir
		}
		if match(path, d) {
			targets = append(targets, path)
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, t := range targets {
		if err := os.RemoveAll(t); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// ProposeRequest records an action awaiting approval.
type ProposeRequest struct {
	IncidentID    string         `json:"incident_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	ActionKind    string         `json:"action_kind"`
	ActionPayload map[string]any `json:"action_payload,omitempty"`
	RequestedBy   string         `json:"requested_by,omitempty"`
}

// Propose records a pending pheromone for an allowlisted action.
func (e *Executor) Propose(ctx context.Context, req ProposeRequest) (*store.Pheromone, error) {
	a, err := proposedAction(req.ActionKind, req.ActionPayload)
	if err != nil {
		return nil, err
	}
	if v := Classify(a); !v.Allowed {
		return nil, apierr.New(apierr.KindPolicyDenied, "%s: %s", req.ActionKind, v.Reason)
	}
	by := req.RequestedBy
	if by == "" {
		by = ExecHormiguero
	}
	p := &store.Pheromone{
		IncidentID:    req.IncidentID,
		CorrelationID: req.CorrelationID,
		ActionKind:    req.ActionKind,
		ActionPayload: req.ActionPayload,
		RequestedBy:   by,
	}
	if _, err := e.approvals.Request(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}
