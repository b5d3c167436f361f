package approval

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/vx11/vx11/internal/apierr"
	"github.com/vx11/vx11/internal/store"
)

func newManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	s, err := store.Open("sqlite", filepath.Join(t.TempDir(), "vx11.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewManager(s), s
}

func TestApproveThenComplete(t *testing.T) {
	m, s := newManager(t)
	ctx := context.Background()

	id, err := m.Request(ctx, &store.Pheromone{CorrelationID: "corr-1", ActionKind: "cleanup_pycache", RequestedBy: "hormiguero"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Approved(ctx, "corr-1"); !apierr.Is(err, apierr.KindPolicyDenied) {
		t.Fatalf("pending pheromone must not count as approved, got %v", err)
	}

	p, err := m.Respond(ctx, id, true, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != store.PheromoneApproved || p.ApprovedBy != "alice" {
		t.Fatalf("unexpected pheromone: %+v", p)
	}
	if got, err := m.Approved(ctx, "corr-1"); err != nil || got.PheromoneID != id {
		t.Fatalf("approved lookup: %+v %v", got, err)
	}

	if err := m.Complete(ctx, id, true, nil); err == nil {
		t.Fatal("completing an unclaimed pheromone should fail")
	}
	if err := m.Claim(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := m.Claim(ctx, id); !apierr.Is(err, apierr.KindPolicyDenied) {
		t.Fatalf("second claim should be denied, got %v", err)
	}
	if _, err := m.Approved(ctx, "corr-1"); !apierr.Is(err, apierr.KindPolicyDenied) {
		t.Fatalf("claimed pheromone must not count as approved, got %v", err)
	}
	if err := m.Complete(ctx, id, true, map[string]any{"removed": 3}); err != nil {
		t.Fatal(err)
	}
	final, _ := s.GetPheromone(ctx, id)
	if final.Status != store.PheromoneExecuted {
		t.Fatalf("expected executed, got %s", final.Status)
	}
	if err := m.Complete(ctx, id, true, nil); err == nil {
		t.Fatal("completing twice should fail")
	}
}

func TestDenyIsFinal(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	id, _ := m.Request(ctx, &store.Pheromone{ActionKind: "cleanup_pycache"})
	if _, err := m.Respond(ctx, id, false, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Respond(ctx, id, true, "bob"); !apierr.Is(err, apierr.KindValidation) {
		t.Fatalf("re-approving a denied pheromone should fail validation, got %v", err)
	}
}

func TestRespondUnknown(t *testing.T) {
	m, _ := newManager(t)
	if _, err := m.Respond(context.Background(), "ph_missing", true, "x"); !apierr.Is(err, apierr.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}
