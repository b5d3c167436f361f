package store

import (
	"context"
	"testing"
	"time"
)

func TestDaughterLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &DaughterTask{IntentID: "i1", TaskType: "exec", Description: "echo", MaxRetries: 2, TTLSeconds: 60}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	d := &Daughter{TaskID: task.ID, Name: "d1", Cmd: "echo", Args: []string{"hi"}, TTLSeconds: 60}
	att, err := s.CreateDaughterWithAttempt(ctx, d)
	if err != nil {
		t.Fatal(err)
	}
	if att.AttemptNumber != 1 || att.Status != AttemptRunning {
		t.Fatalf("unexpected first attempt: %+v", att)
	}
	if n, _ := s.CountActiveDaughters(ctx); n != 1 {
		t.Fatalf("expected 1 active daughter, got %d", n)
	}

	ok, err := s.TransitionDaughter(ctx, d.ID, []string{DaughterSpawned}, DaughterRunning, DaughterUpdate{})
	if err != nil || !ok {
		t.Fatalf("spawned->running: ok=%v err=%v", ok, err)
	}
	msg := "exit 1"
	ok, _ = s.TransitionDaughter(ctx, d.ID, []string{DaughterRunning}, DaughterFailed, DaughterUpdate{ErrorLast: &msg})
	if !ok {
		t.Fatal("running->failed rejected")
	}
	// Terminal daughters ignore heartbeats.
	if ok, _ := s.Heartbeat(ctx, d.ID); ok {
		t.Fatal("heartbeat on failed daughter should be ignored")
	}
	got, _ := s.GetDaughter(ctx, d.ID)
	if got.Status != DaughterFailed || got.ErrorLast != "exit 1" || got.FinishedAt == nil {
		t.Fatalf("unexpected daughter: %+v", got)
	}

	ok, _ = s.FinishAttempt(ctx, d.ID, 1, AttemptReport{Status: AttemptFailed, ErrorMessage: "exit 1", TokensUsedCLI: 3})
	if !ok {
		t.Fatal("finish attempt rejected")
	}
	ok, _ = s.FinishAttempt(ctx, d.ID, 1, AttemptReport{Status: AttemptCompleted})
	if ok {
		t.Fatal("attempt finalized twice")
	}
	next, err := s.AddAttempt(ctx, d.ID)
	if err != nil || next.AttemptNumber != 2 {
		t.Fatalf("expected attempt 2, got %+v (%v)", next, err)
	}
}

func TestBumpTaskRetryStopsAtMax(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := &DaughterTask{TaskType: "exec", MaxRetries: 2}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	for want := 1; want <= 2; want++ {
		retry, bumped, err := s.BumpTaskRetry(ctx, task.ID)
		if err != nil || !bumped || retry != want {
			t.Fatalf("bump %d: retry=%d bumped=%v err=%v", want, retry, bumped, err)
		}
	}
	retry, bumped, err := s.BumpTaskRetry(ctx, task.ID)
	if err != nil || bumped || retry != 2 {
		t.Fatalf("expected bump to stop at max: retry=%d bumped=%v err=%v", retry, bumped, err)
	}
}

func TestSetTaskStatusTerminalIsSticky(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := &DaughterTask{TaskType: "exec"}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.SetTaskStatus(ctx, task.ID, TaskCancelled); !ok {
		t.Fatal("cancel rejected")
	}
	if ok, _ := s.SetTaskStatus(ctx, task.ID, TaskRunning); ok {
		t.Fatal("cancelled task moved back to running")
	}
}

func TestStaleDaughters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return base })

	task := &DaughterTask{TaskType: "exec"}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	short := &Daughter{TaskID: task.ID, Name: "short", TTLSeconds: 30}
	long := &Daughter{TaskID: task.ID, Name: "long", TTLSeconds: 300}
	if _, err := s.CreateDaughterWithAttempt(ctx, short); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateDaughterWithAttempt(ctx, long); err != nil {
		t.Fatal(err)
	}

	stale, err := s.StaleDaughters(ctx, base.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].ID != short.ID {
		t.Fatalf("expected only the short-ttl daughter to be stale, got %+v", stale)
	}
}
