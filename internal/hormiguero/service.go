package hormiguero

import (
	"context"
	"time"

	"github.com/vx11/vx11/internal/apierr"
	"github.com/vx11/vx11/internal/approval"
	"github.com/vx11/vx11/internal/config"
	"github.com/vx11/vx11/internal/httpx"
	"github.com/vx11/vx11/internal/store"
)

// Service is the Hormiguero process: the Queen, the action executor and
// the pheromone approvals.
type Service struct {
	store     *store.Store
	queen     *Queen
	exec      *Executor
	approvals *approval.Manager
}

// Assemble wires an existing Queen and Executor into a Service.
func Assemble(s *store.Store, q *Queen, e *Executor, approvals *approval.Manager) *Service {
	return &Service{store: s, queen: q, exec: e, approvals: approvals}
}

// New builds the standard ant set from cfg.
func New(s *store.Store, cfg *config.Config, client *httpx.Client) (*Service, error) {
	h := cfg.Hormiguero
	drift, err := NewFSDriftAnt(h.RepoRoot, h.CanonicalMapPath)
	if err != nil {
		return nil, err
	}
	probed := map[string]string{}
	for _, name := range []string{
		config.ServiceGateway, config.ServiceMadre, config.ServiceSwitch, config.ServiceHermes,
		config.ServiceSpawner, config.ServiceManifestator,
	} {
		if url := cfg.Services.URL(name); url != "" {
			probed[name] = url
		}
	}
	health := NewHealthAnt(client, probed, config.Seconds(cfg.Madre.HealthTimeoutSec, 3*time.Second))
	cpu := NewCPUPressureAnt(nil, h.CPUPressureThresholdPct, config.Seconds(h.CPUPressureWindowSec, time.Minute))

	urls := Endpoints{
		Madre:        cfg.Services.URL(config.ServiceMadre),
		Switch:       cfg.Services.URL(config.ServiceSwitch),
		Manifestator: cfg.Services.URL(config.ServiceManifestator),
		Gateway:      cfg.Services.URL(config.ServiceGateway),
	}
	q := NewQueen(s, h, client, urls, cpu, drift, health, NewDBSanityAnt(s))
	if n := NewSlackNotifier(cfg.Notify.SlackWebhookURL, cfg.Notify.MinSeverity); n != nil {
		q.SetNotifier(n)
	}
	approvals := approval.NewManager(s)
	exec := NewExecutor(h.RepoRoot, h.ActionsEnabled, approvals, client, urls.Manifestator)
	return Assemble(s, q, exec, approvals), nil
}

// Queen returns the scanner coordinator.
func (s *Service) Queen() *Queen { return s.queen }

// Run drives the scan loop.
func (s *Service) Run(ctx context.Context) error { return s.queen.Run(ctx) }

// Close waits for pending event deliveries.
func (s *Service) Close() { s.queen.Close() }

// RespondPheromone approves or denies a pending pheromone.
func (s *Service) RespondPheromone(ctx context.Context, id string, approved bool, by string) (*store.Pheromone, error) {
	if id == "" {
		return nil, apierr.New(apierr.KindValidation, "pheromone id is required")
	}
	return s.approvals.Respond(ctx, id, approved, by)
}
