package spawner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vx11/vx11/internal/apierr"
	"github.com/vx11/vx11/internal/config"
	"github.com/vx11/vx11/internal/httpx"
	"github.com/vx11/vx11/internal/sandbox"
	"github.com/vx11/vx11/internal/store"
)

type callbackRecorder struct {
	mu        sync.Mutex
	callbacks []Callback
	events    []gatewayEvent
}

func (c *callbackRecorder) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /madre/callback", func(w http.ResponseWriter, r *http.Request) {
		var cb Callback
		_ = json.NewDecoder(r.Body).Decode(&cb)
		c.mu.Lock()
		c.callbacks = append(c.callbacks, cb)
		c.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /events/ingest", func(w http.ResponseWriter, r *http.Request) {
		var ev gatewayEvent
		_ = json.NewDecoder(r.Body).Decode(&ev)
		c.mu.Lock()
		c.events = append(c.events, ev)
		c.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (c *callbackRecorder) snapshot() ([]Callback, []gatewayEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Callback(nil), c.callbacks...), append([]gatewayEvent(nil), c.events...)
}

type harness struct {
	svc   *Service
	store *store.Store
	rec   *callbackRecorder
}

func newHarness(t *testing.T, sandboxHandler http.Handler, maxActive int) *harness {
	t.Helper()
	s, err := store.Open("sqlite", filepath.Join(t.TempDir(), "spawner.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	if sandboxHandler == nil {
		ex, err := sandbox.NewExecutor(config.SandboxConfig{Root: t.TempDir(), AllowedCommands: []string{"echo", "false", "sleep"}})
		require.NoError(t, err)
		sandboxHandler = sandbox.Routes(ex)
	}
	sb := httptest.NewServer(sandboxHandler)
	t.Cleanup(sb.Close)

	rec := &callbackRecorder{}
	peer := httptest.NewServer(rec.handler())
	t.Cleanup(peer.Close)

	cfg := config.DefaultConfig().Spawner
	cfg.MaxActive = maxActive
	svc := New(s, cfg, httpx.NewClient("X-VX11-Token", "tok"), Endpoints{Sandbox: sb.URL, Madre: peer.URL, Gateway: peer.URL})
	t.Cleanup(svc.Close)
	return &harness{svc: svc, store: s, rec: rec}
}

func TestSpawnRunsToCompletion(t *testing.T) {
	h := newHarness(t, nil, 5)
	ctx := context.Background()

	resp, err := h.svc.Spawn(ctx, SpawnRequest{Cmd: "echo", Args: []string{"hi"}, Wait: true})
	require.NoError(t, err)
	assert.Equal(t, "spawned", resp.Status)
	assert.Equal(t, store.DaughterFinished, resp.DaughterStatus)
	assert.Equal(t, 1, resp.AttemptNumber)
	assert.Zero(t, resp.MutationLevel)

	d, err := h.store.GetDaughter(ctx, resp.DaughterID)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", d.Stdout)
	task, err := h.store.GetTask(ctx, resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFinished, task.Status)

	h.svc.Close()
	cbs, events := h.rec.snapshot()
	require.Len(t, cbs, 1)
	assert.Equal(t, store.DaughterFinished, cbs[0].Status)
	assert.Equal(t, resp.TaskID, cbs[0].TaskID)
	assert.Equal(t, "echo", cbs[0].Provider)
	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.ElementsMatch(t, []string{eventSpawnCreated, eventSpawnFinished}, types)
}

func TestSpawnFailureRecordsError(t *testing.T) {
	h := newHarness(t, nil, 5)
	resp, err := h.svc.Spawn(context.Background(), SpawnRequest{Cmd: "false", Wait: true})
	require.NoError(t, err)
	assert.Equal(t, store.DaughterFailed, resp.DaughterStatus)

	d, _ := h.store.GetDaughter(context.Background(), resp.DaughterID)
	assert.NotEmpty(t, d.ErrorLast)
	assert.Equal(t, 1, d.ExitCode)
}

func TestSpawnRejectsCommandsOffAllowlist(t *testing.T) {
	h := newHarness(t, nil, 5)
	for _, cmd := range []string{"rm", "/bin/echo", ""} {
		_, err := h.svc.Spawn(context.Background(), SpawnRequest{Cmd: cmd})
		require.Error(t, err, cmd)
	}
	_, err := h.svc.Spawn(context.Background(), SpawnRequest{Cmd: "rm -rf /"})
	assert.True(t, apierr.Is(err, apierr.KindPolicyDenied))
}

func blockingSandbox(started chan<- struct{}) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		<-r.Context().Done()
	})
}

func TestSpawnCapacityAndKill(t *testing.T) {
	started := make(chan struct{}, 4)
	h := newHarness(t, blockingSandbox(started), 1)
	ctx := context.Background()

	first, err := h.svc.Spawn(ctx, SpawnRequest{Cmd: "sleep", Args: []string{"30"}})
	require.NoError(t, err)
	<-started

	_, err = h.svc.Spawn(ctx, SpawnRequest{Cmd: "echo"})
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindCapacityExceeded))
	assert.Equal(t, http.StatusTooManyRequests, apierr.StatusOf(err))

	res, err := h.svc.Kill(ctx, first.DaughterID, "test", "")
	require.NoError(t, err)
	assert.False(t, res.Already)

	again, err := h.svc.Kill(ctx, first.DaughterID, "test", "")
	require.NoError(t, err)
	assert.True(t, again.Already)

	d, _ := h.store.GetDaughter(ctx, first.DaughterID)
	assert.Equal(t, store.DaughterKilled, d.Status)
	assert.Equal(t, "test", d.KilledBy)
	assert.Equal(t, ReasonOperator, d.DeathContext)
	atts, _ := h.store.ListAttempts(ctx, first.DaughterID)
	require.Len(t, atts, 1)
	assert.Equal(t, store.AttemptKilled, atts[0].Status)

	h.svc.Close()
	second, err := h.svc.Spawn(ctx, SpawnRequest{Cmd: "echo"})
	require.NoError(t, err, "slot must be released after kill")
	<-started
	_, err = h.svc.Kill(ctx, second.DaughterID, "test", "")
	require.NoError(t, err)
}

func TestReportRollsUpAndIgnoresDuplicates(t *testing.T) {
	h := newHarness(t, nil, 5)
	ctx := context.Background()
	task := &store.DaughterTask{TaskType: "exec", MaxRetries: 2}
	require.NoError(t, h.store.CreateTask(ctx, task))
	d := &store.Daughter{TaskID: task.ID, Name: "external", Cmd: "echo"}
	_, err := h.store.CreateDaughterWithAttempt(ctx, d)
	require.NoError(t, err)

	res, err := h.svc.Report(ctx, ReportRequest{DaughterID: d.ID, AttemptNumber: 1, Status: store.AttemptFailed,
		ErrorMessage: "engine crashed", TokensUsedCLI: 12, CLIProviderUsed: "claude"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Status)
	assert.Equal(t, store.DaughterFailed, res.DaughterStatus)

	got, _ := h.store.GetDaughter(ctx, d.ID)
	assert.Equal(t, "engine crashed", got.ErrorLast)

	dup, err := h.svc.Report(ctx, ReportRequest{DaughterID: d.ID, AttemptNumber: 1, Status: store.AttemptCompleted})
	require.NoError(t, err)
	assert.Equal(t, "ignored", dup.Status)

	_, err = h.svc.Report(ctx, ReportRequest{DaughterID: d.ID, Status: "weird"})
	assert.True(t, apierr.Is(err, apierr.KindValidation))
	_, err = h.svc.Report(ctx, ReportRequest{DaughterID: "missing", Status: store.AttemptFailed})
	assert.True(t, apierr.Is(err, apierr.KindNotFound))
}

func TestHeartbeatAndSweep(t *testing.T) {
	h := newHarness(t, nil, 5)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	h.store.SetClock(func() time.Time { return base })

	task := &store.DaughterTask{TaskType: "exec"}
	require.NoError(t, h.store.CreateTask(ctx, task))
	d := &store.Daughter{TaskID: task.ID, Name: "hb", TTLSeconds: 30}
	_, err := h.store.CreateDaughterWithAttempt(ctx, d)
	require.NoError(t, err)

	h.store.SetClock(func() time.Time { return base.Add(20 * time.Second) })
	ok, err := h.svc.Heartbeat(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	h.store.SetClock(func() time.Time { return base.Add(45 * time.Second) })
	require.NoError(t, h.svc.Sweep(ctx))
	got, _ := h.store.GetDaughter(ctx, d.ID)
	assert.Equal(t, store.DaughterSpawned, got.Status, "heartbeat kept it alive")

	h.store.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	require.NoError(t, h.svc.Sweep(ctx))
	got, _ = h.store.GetDaughter(ctx, d.ID)
	assert.Equal(t, store.DaughterKilled, got.Status)
	assert.Equal(t, ReasonTTLExpired, got.DeathContext)
	assert.Equal(t, "sweeper", got.KilledBy)

	ok, err = h.svc.Heartbeat(ctx, d.ID)
	require.NoError(t, err)
	assert.False(t, ok, "heartbeat on killed daughter is ignored")

	_, err = h.svc.Heartbeat(ctx, "missing")
	assert.True(t, apierr.Is(err, apierr.KindNotFound))
}

func TestRoutesSpawnAndOutput(t *testing.T) {
	h := newHarness(t, nil, 5)
	srv := httptest.NewServer(h.svc.Routes())
	defer srv.Close()
	client := httpx.NewClient("X-VX11-Token", "")
	ctx := context.Background()

	var resp SpawnResponse
	require.NoError(t, client.PostJSON(ctx, srv.URL+"/spawner/spawn", 5*time.Second,
		SpawnRequest{Cmd: "echo out", Wait: true}, &resp))
	require.Equal(t, store.DaughterFinished, resp.DaughterStatus)

	var out struct {
		Stdout   string `json:"stdout"`
		ExitCode int    `json:"exit_code"`
	}
	require.NoError(t, client.GetJSON(ctx, srv.URL+"/spawn/output/"+resp.DaughterID, time.Second, &out))
	assert.Equal(t, "out\n", out.Stdout)

	var list struct {
		Daughters []store.Daughter `json:"daughters"`
	}
	require.NoError(t, client.GetJSON(ctx, srv.URL+"/spawn/list?status=finished", time.Second, &list))
	assert.Len(t, list.Daughters, 1)

	err := client.PostJSON(ctx, srv.URL+"/spawn/kill/nope", time.Second, nil, nil)
	assert.True(t, apierr.Is(err, apierr.KindNotFound))
}
