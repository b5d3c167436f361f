package policy

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/vx11/vx11/internal/apierr"
	"github.com/vx11/vx11/internal/store"
)

func newGate(t *testing.T) *Gate {
	t.Helper()
	s, err := store.Open("sqlite", filepath.Join(t.TempDir(), "vx11.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewGate(s, 0)
}

func TestGateRedeemOnce(t *testing.T) {
	g := newGate(t)
	ctx := context.Background()

	tok, err := g.Issue(ctx, "intent-1", "plan-1", "system", "delete")
	if err != nil {
		t.Fatal(err)
	}
	if len(tok) < 30 {
		t.Fatalf("token too short: %q", tok)
	}
	c, err := g.Redeem(ctx, "system", "delete", tok)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if c.PlanID != "plan-1" {
		t.Fatalf("unexpected confirmation: %+v", c)
	}
	if _, err := g.Redeem(ctx, "system", "delete", tok); !apierr.Is(err, apierr.KindPolicyDenied) {
		t.Fatalf("second redeem should be denied, got %v", err)
	}
}

func TestGateRejectsMismatch(t *testing.T) {
	g := newGate(t)
	ctx := context.Background()
	tok, _ := g.Issue(ctx, "i", "p", "system", "delete")

	if _, err := g.Redeem(ctx, "system", "delete", "wrong"); !apierr.Is(err, apierr.KindPolicyDenied) {
		t.Fatalf("expected policy denial, got %v", err)
	}
	if _, err := g.Redeem(ctx, "system", "reset", tok); !apierr.Is(err, apierr.KindPolicyDenied) {
		t.Fatalf("token must be bound to its action, got %v", err)
	}
	if _, err := g.Redeem(ctx, "system", "delete", ""); !apierr.Is(err, apierr.KindPolicyDenied) {
		t.Fatalf("empty token must be denied, got %v", err)
	}
}
