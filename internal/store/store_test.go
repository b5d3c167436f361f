package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite", filepath.Join(t.TempDir(), "vx11.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open("postgres", filepath.Join(t.TempDir(), "x.db")); err == nil {
		t.Fatal("expected unknown driver to be rejected")
	}
}

func TestIntegrityCheckHealthy(t *testing.T) {
	s := newTestStore(t)
	problems, err := s.IntegrityCheck(context.Background())
	if err != nil {
		t.Fatalf("integrity check: %v", err)
	}
	if len(problems) != 0 {
		t.Fatalf("expected healthy db, got %v", problems)
	}
}

func TestTimestampLayoutSortsLexically(t *testing.T) {
	a := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	b := a.Add(time.Nanosecond * 994)
	if !(fmtTS(a) < fmtTS(b)) {
		t.Fatalf("expected %s < %s", fmtTS(a), fmtTS(b))
	}
	if got := parseTS(fmtTS(a)); !got.Equal(a) {
		t.Fatalf("round trip mismatch: %v vs %v", got, a)
	}
}

func TestCreateIntentWithPlanAndTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := &Intent{
		SessionID: "s1",
		Source:    SourceUser,
		Mode:      ModeMadre,
		DSL:       DSL{Domain: "system", Action: "status", Confidence: 0.4, OriginalText: "status of switch"},
		Risk:      RiskLow,
		Targets:   []string{"switch"},
	}
	p := &Plan{Steps: []Step{
		{Type: StepSystemHealthcheck, Payload: map[string]any{"targets": []string{"switch"}}},
		{Type: StepCallSwitch, Payload: map[string]any{"query": "status of switch"}},
		{Type: StepNoop, Payload: map[string]any{"reason": "plan_complete"}},
	}}
	if err := s.CreateIntentWithPlan(ctx, in, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetPlanByIntent(ctx, in.IntentID)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if len(got.Steps) != 3 || got.Steps[0].Type != StepSystemHealthcheck || got.Steps[2].Seq != 2 {
		t.Fatalf("unexpected steps: %+v", got.Steps)
	}

	ok, err := s.TransitionStep(ctx, got.Steps[0].StepID, []string{StepPending}, StepDone, map[string]any{"up": true}, "")
	if err != nil || !ok {
		t.Fatalf("transition: ok=%v err=%v", ok, err)
	}
	// Second transition from PENDING must lose.
	ok, err = s.TransitionStep(ctx, got.Steps[0].StepID, []string{StepPending}, StepError, nil, "late")
	if err != nil || ok {
		t.Fatalf("expected stale transition to be rejected, ok=%v err=%v", ok, err)
	}
	st, err := s.GetStep(ctx, got.Steps[0].StepID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != StepDone || st.FinishedAt == nil || st.Result["up"] != true {
		t.Fatalf("unexpected step after transition: %+v", st)
	}
	if st.UpdatedAt.Before(st.CreatedAt) {
		t.Fatalf("updated_at before created_at")
	}

	if err := s.CloseIntent(ctx, in.IntentID, ResultDone); err != nil {
		t.Fatal(err)
	}
	closed, _ := s.GetIntent(ctx, in.IntentID)
	if closed.ResultStatus != ResultDone || closed.ClosedAt == nil {
		t.Fatalf("intent not closed: %+v", closed)
	}
	if err := s.CloseIntent(ctx, "missing", ResultDone); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPlanUpdatedAtNeverMovesBackwards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return base })

	in := &Intent{Source: SourceUser, Mode: ModeMadre, Risk: RiskLow}
	p := &Plan{Steps: []Step{{Type: StepNoop}}}
	if err := s.CreateIntentWithPlan(ctx, in, p); err != nil {
		t.Fatal(err)
	}
	s.SetClock(func() time.Time { return base.Add(-time.Hour) })
	if err := s.UpdatePlanStatus(ctx, p.PlanID, PlanRunning); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetPlan(ctx, p.PlanID)
	if !got.UpdatedAt.Equal(base) {
		t.Fatalf("expected updated_at to stay at %v, got %v", base, got.UpdatedAt)
	}
}

func TestConfirmationConsumeOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := &Confirmation{Token: "tok-1", IntentID: "i", PlanID: "p", Target: "system", Action: "delete"}
	if err := s.CreateConfirmation(ctx, c, time.Hour); err != nil {
		t.Fatal(err)
	}
	pending, err := s.PendingConfirmations(ctx, "system", "delete")
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected one pending confirmation, got %d (%v)", len(pending), err)
	}
	ok, _ := s.ConsumeConfirmation(ctx, "tok-1")
	if !ok {
		t.Fatal("expected first consume to succeed")
	}
	ok, _ = s.ConsumeConfirmation(ctx, "tok-1")
	if ok {
		t.Fatal("expected second consume to fail")
	}
}

func TestMadreActionsAppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, a := range []string{"plan_created", "step_done"} {
		if err := s.AppendMadreAction(ctx, &MadreAction{Module: "madre", Action: a, PlanID: "p1"}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.ListMadreActions(ctx, "p1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Action != "plan_created" || got[1].ID <= got[0].ID {
		t.Fatalf("unexpected actions: %+v", got)
	}
}

func TestUseQuotaConcurrentNearCap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := &Engine{Name: "E", EngineType: EngineLocalModel, Domain: "general", QuotaTokensPerDay: 100, QuotaUsedToday: 95, Enabled: true}
	if _, err := s.UpsertEngine(ctx, e); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	results := make([]bool, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = s.UseQuota(ctx, e.ID, 10)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			t.Fatalf("use quota: %v", err)
		}
	}
	wins := 0
	for _, r := range results {
		if r {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	got, _ := s.GetEngine(ctx, e.ID)
	if got.QuotaUsedToday != 100 {
		t.Fatalf("expected used=100 (capped), got %d", got.QuotaUsedToday)
	}
}

func TestUseQuotaResetsAfterWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return base })

	e := &Engine{Name: "E", EngineType: EngineCLI, Domain: "general", QuotaTokensPerDay: 50, QuotaUsedToday: 50, Enabled: true}
	if _, err := s.UpsertEngine(ctx, e); err != nil {
		t.Fatal(err)
	}
	if ok, _, _ := s.UseQuota(ctx, e.ID, 1); ok {
		t.Fatal("expected exhausted engine to reject")
	}

	s.SetClock(func() time.Time { return base.Add(3*QuotaWindow + time.Minute) })
	ok, fresh, err := s.UseQuota(ctx, e.ID, 5)
	if err != nil || !ok {
		t.Fatalf("expected quota after reset, ok=%v err=%v", ok, err)
	}
	if fresh.QuotaUsedToday != 5 {
		t.Fatalf("expected used=5, got %d", fresh.QuotaUsedToday)
	}
	if !fresh.QuotaResetAt.After(base.Add(3 * QuotaWindow)) {
		t.Fatalf("reset window not advanced past now: %v", fresh.QuotaResetAt)
	}
}

func TestUseQuotaUnlimited(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := &Engine{Name: "free", EngineType: EngineLocalModel, Domain: "general", QuotaTokensPerDay: -1, Enabled: true}
	if _, err := s.UpsertEngine(ctx, e); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if ok, _, err := s.UseQuota(ctx, e.ID, 1000); err != nil || !ok {
			t.Fatalf("unlimited engine rejected: ok=%v err=%v", ok, err)
		}
	}
}

func TestUpsertEngineAndCLIIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		e := &Engine{Name: "llama", EngineType: EngineLocalModel, Domain: "general", QuotaTokensPerDay: -1, Enabled: true}
		created, err := s.UpsertEngine(ctx, e)
		if err != nil {
			t.Fatal(err)
		}
		if created != (i == 0) {
			t.Fatalf("iteration %d: created=%v", i, created)
		}
		c := &CLIEntry{Name: "git", BinPath: "/usr/bin/git", Available: true, CLIType: "infrastructure"}
		created, err = s.UpsertCLI(ctx, c)
		if err != nil {
			t.Fatal(err)
		}
		if created != (i == 0) {
			t.Fatalf("cli iteration %d: created=%v", i, created)
		}
	}
	engines, clis, err := s.CountRegistry(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if engines != 1 || clis != 1 {
		t.Fatalf("expected 1/1 rows, got %d/%d", engines, clis)
	}
}

func TestUpsertIncidentIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

	first := &Incident{Kind: "fs_drift", Title: "drift", Source: "hormiguero", CorrelationID: "repo", Severity: SeverityWarning, DetectedAt: t0}
	inc, created, err := s.UpsertIncident(ctx, first)
	if err != nil || !created {
		t.Fatalf("first upsert: created=%v err=%v", created, err)
	}

	second := &Incident{Kind: "fs_drift", Title: "drift", Source: "hormiguero", CorrelationID: "repo",
		Severity: SeverityCritical, Description: "changed", DetectedAt: t0.Add(time.Minute)}
	inc2, created, err := s.UpsertIncident(ctx, second)
	if err != nil || created {
		t.Fatalf("second upsert: created=%v err=%v", created, err)
	}
	if inc2.IncidentID != inc.IncidentID {
		t.Fatalf("identity changed: %s vs %s", inc2.IncidentID, inc.IncidentID)
	}
	if !inc2.LastSeenAt.Equal(t0.Add(time.Minute)) || !inc2.FirstSeenAt.Equal(t0) {
		t.Fatalf("unexpected seen times: first=%v last=%v", inc2.FirstSeenAt, inc2.LastSeenAt)
	}
	if inc2.Severity != SeverityWarning || inc2.Description != "" {
		t.Fatalf("re-detection must only touch last_seen_at: %+v", inc2)
	}

	// An older observation never moves last_seen_at backwards.
	third := &Incident{Kind: "fs_drift", Title: "drift", Source: "hormiguero", CorrelationID: "repo", DetectedAt: t0}
	inc3, _, _ := s.UpsertIncident(ctx, third)
	if !inc3.LastSeenAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("last_seen_at moved backwards: %v", inc3.LastSeenAt)
	}

	all, _ := s.ListIncidents(ctx, "", 10)
	if len(all) != 1 {
		t.Fatalf("expected exactly one incident row, got %d", len(all))
	}
}

func TestPheromoneLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := &Pheromone{IncidentID: "inc_x", CorrelationID: "corr-1", ActionKind: "cleanup_pycache", RequestedBy: "queen"}
	if err := s.CreatePheromone(ctx, p); err != nil {
		t.Fatal(err)
	}
	if _, err := s.FindPheromoneByCorrelation(ctx, "corr-1", PheromoneApproved); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no approved pheromone yet, got %v", err)
	}
	ok, err := s.TransitionPheromone(ctx, p.PheromoneID, PheromonePending, PheromoneApproved, "operator", nil)
	if err != nil || !ok {
		t.Fatalf("approve: ok=%v err=%v", ok, err)
	}
	got, err := s.FindPheromoneByCorrelation(ctx, "corr-1", PheromoneApproved)
	if err != nil {
		t.Fatal(err)
	}
	if got.ApprovedBy != "operator" {
		t.Fatalf("approved_by not recorded: %+v", got)
	}
	ok, _ = s.TransitionPheromone(ctx, p.PheromoneID, PheromonePending, PheromoneDenied, "", nil)
	if ok {
		t.Fatal("approved pheromone must not be deniable from pending")
	}
}

func TestHormigaStateUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	if err := s.UpsertHormigaState(ctx, &HormigaState{Name: "fs_drift", Role: "scanner", Enabled: true, LastScanAt: &now, LastOKAt: &now}); err != nil {
		t.Fatal(err)
	}
	later := now.Add(time.Minute)
	if err := s.UpsertHormigaState(ctx, &HormigaState{Name: "fs_drift", Role: "scanner", Enabled: true, LastScanAt: &later, LastErrorAt: &later, LastError: "boom"}); err != nil {
		t.Fatal(err)
	}
	states, err := s.ListHormigaStates(ctx)
	if err != nil || len(states) != 1 {
		t.Fatalf("expected one state row, got %d (%v)", len(states), err)
	}
	if states[0].LastOKAt == nil || states[0].LastError != "boom" {
		t.Fatalf("expected last_ok_at preserved and last_error set: %+v", states[0])
	}
}
