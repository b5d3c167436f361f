package hormiguero

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vx11/vx11/internal/apierr"
	"github.com/vx11/vx11/internal/approval"
	"github.com/vx11/vx11/internal/httpx"
	"github.com/vx11/vx11/internal/manifestator"
	"github.com/vx11/vx11/internal/store"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		action  ActionRequest
		allowed bool
		reason  string
	}{
		{ActionRequest{Action: ActionCleanupPycache}, true, "removes __pycache__ directories"},
		{ActionRequest{Action: "kill_process"}, false, "destructive action"},
		{ActionRequest{Action: "rm_rf_root"}, false, "destructive action"},
		{ActionRequest{Action: "frobnicate"}, false, "not in allowlist"},
		{ActionRequest{}, false, "action is required"},
		{ActionRequest{Action: ActionCleanupPycache, Path: "../elsewhere"}, false, "path escapes the repository"},
		{ActionRequest{Action: ActionManifestatorPatch}, false, "patch is required"},
	}
	for _, tt := range tests {
		t.Run(tt.action.Action+"/"+tt.reason, func(t *testing.T) {
			v := Classify(tt.action)
			assert.Equal(t, tt.allowed, v.Allowed)
			assert.Equal(t, tt.reason, v.Reason)
		})
	}

	bad := Classify(ActionRequest{Action: ActionManifestatorPatch, Patch: &manifestator.Patch{
		Operations: []manifestator.Operation{{Op: "chmod", Path: "x"}},
	}})
	assert.False(t, bad.Allowed)
	assert.Contains(t, bad.Reason, "patch invalid")

	good := Classify(ActionRequest{Action: ActionManifestatorPatch, Patch: &manifestator.Patch{}})
	assert.True(t, good.Allowed)
	assert.Equal(t, ExecManifestator, good.Executor)
}

func mkdir(t *testing.T, root string, rel ...string) {
	t.Helper()
	for _, r := range rel {
		require.NoError(t, os.MkdirAll(filepath.Join(root, filepath.FromSlash(r)), 0o755))
	}
}

func TestApplyCleanupActions(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	root := t.TempDir()
	mkdir(t, root, "pkg/__pycache__", "pkg/sub/__pycache__", ".git/__pycache__", "empty", "keep")
	require.NoError(t, os.WriteFile(filepath.Join(root, "pkg", "__pycache__", "m.pyc"), []byte{0}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep", "f"), []byte("x"), 0o644))

	approvals := approval.NewManager(s)
	exec := NewExecutor(root, true, approvals, httpx.NewClient("X-VX11-Token", ""), "")
	ph, err := exec.Propose(ctx, ProposeRequest{ActionKind: ActionCleanupPycache, CorrelationID: "corr-1"})
	require.NoError(t, err)
	assert.Equal(t, "corr-1", ph.CorrelationID)
	_, err = approvals.Respond(ctx, ph.PheromoneID, true, "ops")
	require.NoError(t, err)

	resp, err := exec.Apply(ctx, ApplyRequest{CorrelationID: "corr-1", Actions: []ActionRequest{{Action: ActionCleanupPycache}}})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, ph.PheromoneID, resp.PheromoneID)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "ok", resp.Results[0].Status)
	assert.Equal(t, 2, resp.Results[0].Detail["removed"])

	assert.NoDirExists(t, filepath.Join(root, "pkg", "__pycache__"))
	assert.NoDirExists(t, filepath.Join(root, "pkg", "sub", "__pycache__"))
	assert.DirExists(t, filepath.Join(root, ".git", "__pycache__"))
	assert.DirExists(t, filepath.Join(root, "empty"))

	done, err := s.GetPheromone(ctx, ph.PheromoneID)
	require.NoError(t, err)
	assert.Equal(t, store.PheromoneExecuted, done.Status)

	// The pheromone is spent.
	_, err = exec.Apply(ctx, ApplyRequest{CorrelationID: "corr-1", Actions: []ActionRequest{{Action: ActionCleanupPycache}}})
	assert.Equal(t, apierr.KindPolicyDenied, apierr.KindOf(err))

	_, err = exec.Propose(ctx, ProposeRequest{ActionKind: "kill_process"})
	assert.Equal(t, apierr.KindPolicyDenied, apierr.KindOf(err))
}

func TestApplyOnlyRunsTheApprovedAction(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	root := t.TempDir()
	mkdir(t, root, "a/__pycache__", "b/__pycache__", "empty")

	approvals := approval.NewManager(s)
	exec := NewExecutor(root, true, approvals, httpx.NewClient("X-VX11-Token", ""), "http://127.0.0.1:1")
	ph, err := exec.Propose(ctx, ProposeRequest{
		ActionKind:    ActionCleanupPycache,
		CorrelationID: "c1",
		ActionPayload: map[string]any{"path": "a"},
	})
	require.NoError(t, err)
	_, err = approvals.Respond(ctx, ph.PheromoneID, true, "ops")
	require.NoError(t, err)

	rejected := [][]ActionRequest{
		{{Action: ActionCleanupEmptyDirs, Path: "a"}},
		{{Action: ActionCleanupPycache}},
		{{Action: ActionCleanupPycache, Path: "b"}},
		{{Action: ActionCleanupPycache, Path: "a"}, {Action: "kill_process"}},
		{{Action: ActionManifestatorPatch, Patch: &manifestator.Patch{}}},
	}
	for _, actions := range rejected {
		_, err := exec.Apply(ctx, ApplyRequest{CorrelationID: "c1", Actions: actions})
		assert.Equal(t, apierr.KindPolicyDenied, apierr.KindOf(err), "%+v", actions)
	}
	assert.DirExists(t, filepath.Join(root, "empty"))
	assert.DirExists(t, filepath.Join(root, "a", "__pycache__"))
	assert.DirExists(t, filepath.Join(root, "b", "__pycache__"))

	// Rejected requests do not spend the approval.
	still, err := s.GetPheromone(ctx, ph.PheromoneID)
	require.NoError(t, err)
	assert.Equal(t, store.PheromoneApproved, still.Status)

	resp, err := exec.Apply(ctx, ApplyRequest{CorrelationID: "c1", Actions: []ActionRequest{{Action: ActionCleanupPycache, Path: "./a"}}})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.NoDirExists(t, filepath.Join(root, "a", "__pycache__"))
	assert.DirExists(t, filepath.Join(root, "b", "__pycache__"))
}

func TestApplyPatchMustMatchProposal(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	approvals := approval.NewManager(s)
	exec := NewExecutor(t.TempDir(), true, approvals, httpx.NewClient("X-VX11-Token", ""), "http://127.0.0.1:1")

	_, err := exec.Propose(ctx, ProposeRequest{ActionKind: ActionManifestatorPatch, CorrelationID: "p0"})
	assert.Equal(t, apierr.KindPolicyDenied, apierr.KindOf(err), "a patch proposal needs its patch")

	proposed := manifestator.Patch{Operations: []manifestator.Operation{{Op: manifestator.OpCreate, Path: "logs", Dir: true}}}
	ph, err := exec.Propose(ctx, ProposeRequest{
		ActionKind:    ActionManifestatorPatch,
		CorrelationID: "p1",
		ActionPayload: map[string]any{"patch": proposed},
	})
	require.NoError(t, err)
	_, err = approvals.Respond(ctx, ph.PheromoneID, true, "ops")
	require.NoError(t, err)

	other := manifestator.Patch{Operations: []manifestator.Operation{{Op: manifestator.OpCreate, Path: "elsewhere", Dir: true}}}
	_, err = exec.Apply(ctx, ApplyRequest{CorrelationID: "p1", Actions: []ActionRequest{{Action: ActionManifestatorPatch, Patch: &other}}})
	assert.Equal(t, apierr.KindPolicyDenied, apierr.KindOf(err))
	still, err := s.GetPheromone(ctx, ph.PheromoneID)
	require.NoError(t, err)
	assert.Equal(t, store.PheromoneApproved, still.Status)
}

func TestHTTPSurface(t *testing.T) {
	s := openStore(t)
	root, mapPath := driftRepo(t)
	client := httpx.NewClient("X-VX11-Token", "")
	ant, err := NewFSDriftAnt(root, mapPath)
	require.NoError(t, err)
	approvals := approval.NewManager(s)
	svc := Assemble(s, NewQueen(s, testConfig(), client, Endpoints{}, ant), NewExecutor(root, false, approvals, client, ""), approvals)
	srv := httptest.NewServer(svc.Routes())
	defer srv.Close()

	do := func(method, path string, body any, out any) int {
		var buf bytes.Buffer
		if body != nil {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
		req, err := http.NewRequest(method, srv.URL+path, &buf)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		if out != nil {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
		}
		return resp.StatusCode
	}

	var scan struct {
		Status string     `json:"status"`
		Report TickReport `json:"report"`
	}
	require.Equal(t, http.StatusOK, do(http.MethodPost, "/hormiguero/scan/once", map[string]any{"all": true}, &scan))
	assert.Equal(t, "ok", scan.Status)
	require.Len(t, scan.Report.Incidents, 1)

	var incidents struct {
		Incidents []store.Incident `json:"incidents"`
	}
	require.Equal(t, http.StatusOK, do(http.MethodGet, "/hormiguero/incidents?status=open", nil, &incidents))
	require.Len(t, incidents.Incidents, 1)
	assert.Equal(t, AntFSDrift, incidents.Incidents[0].Kind)

	var proposed struct {
		Pheromone store.Pheromone `json:"pheromone"`
	}
	require.Equal(t, http.StatusCreated, do(http.MethodPost, "/hormiguero/pheromones",
		map[string]any{"action_kind": ActionCleanupPycache, "incident_id": incidents.Incidents[0].IncidentID}, &proposed))
	id := proposed.Pheromone.PheromoneID
	require.NotEmpty(t, id)

	require.Equal(t, http.StatusOK, do(http.MethodPost, "/hormiguero/pheromones/"+id+"/deny", map[string]any{"by": "ops"}, nil))
	assert.Equal(t, http.StatusUnprocessableEntity, do(http.MethodPost, "/hormiguero/pheromones/"+id+"/approve", nil, nil))

	var pheromones struct {
		Pheromones []store.Pheromone `json:"pheromones"`
	}
	require.Equal(t, http.StatusOK, do(http.MethodGet, "/hormiguero/pheromones?status=denied", nil, &pheromones))
	require.Len(t, pheromones.Pheromones, 1)
	assert.Equal(t, "ops", pheromones.Pheromones[0].ApprovedBy)

	var preview struct {
		Allowed int       `json:"allowed"`
		Denied  int       `json:"denied"`
		Actions []Verdict `json:"actions"`
	}
	require.Equal(t, http.StatusOK, do(http.MethodPost, "/hormiguero/actions/preview",
		map[string]any{"actions": []map[string]any{{"action": ActionCleanupPycache}, {"action": "delete_everything"}}}, &preview))
	assert.Equal(t, 1, preview.Allowed)
	assert.Equal(t, 1, preview.Denied)

	// Actions are disabled in this service.
	assert.Equal(t, http.StatusForbidden, do(http.MethodPost, "/hormiguero/actions/apply",
		map[string]any{"correlation_id": id, "actions": []map[string]any{{"action": ActionCleanupPycache}}}, nil))

	var state struct {
		Ants []store.HormigaState `json:"ants"`
	}
	require.Equal(t, http.StatusOK, do(http.MethodGet, "/hormiguero/state", nil, &state))
	require.Len(t, state.Ants, 1)
	assert.Equal(t, AntFSDrift, state.Ants[0].Name)
}
