// Package approval gates Hormiguero housekeeping actions behind operator
// approved pheromones.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vx11/vx11/internal/apierr"
	"github.com/vx11/vx11/internal/store"
)

// Manager handles the pheromone lifecycle: request, respond, execute.
type Manager struct {
	store *store.Store
}

// NewManager creates an approval manager backed by the shared store.
func NewManager(s *store.Store) *Manager {
	return &Manager{store: s}
}

// Request records a pending pheromone for an action and returns its id.
func (m *Manager) Request(ctx context.Context, p *store.Pheromone) (string, error) {
	p.Status = store.PheromonePending
	p.ApprovedBy = ""
	if err := m.store.CreatePheromone(ctx, p); err != nil {
		return "", err
	}
	slog.Info("Pheromone requested", "pheromone_id", p.PheromoneID, "action", p.ActionKind, "incident_id", p.IncidentID)
	return p.PheromoneID, nil
}

// Respond approves or denies a pending pheromone.
func (m *Manager) Respond(ctx context.Context, id string, approved bool, by string) (*store.Pheromone, error) {
	if by == "" {
		by = "operator"
	}
	to := store.PheromoneDenied
	if approved {
		to = store.PheromoneApproved
	}
	ok, err := m.store.TransitionPheromone(ctx, id, store.PheromonePending, to, by, nil)
	if err != nil {
		return nil, err
	}
	p, err := m.store.GetPheromone(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return p, apierr.New(apierr.KindValidation, "pheromone %s is %s, not pending", id, p.Status)
	}
	slog.Info("Pheromone responded", "pheromone_id", id, "status", to, "by", by)
	return p, nil
}

// Approved returns the approved pheromone for a correlation id, or a policy
// denial when none exists.
func (m *Manager) Approved(ctx context.Context, correlationID string) (*store.Pheromone, error) {
	if correlationID == "" {
		return nil, apierr.New(apierr.KindPolicyDenied, "correlation_id required")
	}
	p, err := m.store.FindPheromoneByCorrelation(ctx, correlationID, store.PheromoneApproved)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.New(apierr.KindPolicyDenied, "no approved pheromone for %s", correlationID)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Claim moves an approved pheromone to executing. Only one caller can
// claim a given approval.
func (m *Manager) Claim(ctx context.Context, id string) error {
	ok, err := m.store.TransitionPheromone(ctx, id, store.PheromoneApproved, store.PheromoneExecuting, "", nil)
	if err != nil {
		return err
	}
	if !ok {
		return apierr.New(apierr.KindPolicyDenied, "pheromone %s is no longer approved", id)
	}
	return nil
}

// Complete records the outcome of a claimed pheromone.
func (m *Manager) Complete(ctx context.Context, id string, success bool, result map[string]any) error {
	to := store.PheromoneExecuted
	if !success {
		to = store.PheromoneFailed
	}
	ok, err := m.store.TransitionPheromone(ctx, id, store.PheromoneExecuting, to, "", result)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("pheromone %s: not executing", id)
	}
	return nil
}
