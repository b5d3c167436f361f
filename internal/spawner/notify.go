package spawner

import (
	"context"
	"log/slog"
	"time"

	"github.com/vx11/vx11/internal/config"
	"github.com/vx11/vx11/internal/store"
)

const (
	eventSpawnCreated  = "spawn_created"
	eventSpawnFinished = "spawn_finished"
)

// Callback is the body posted to Madre on every terminal transition.
type Callback struct {
	SpawnID  string         `json:"spawn_id"`
	Status   string         `json:"status"`
	TaskID   string         `json:"task_id"`
	Result   map[string]any `json:"result,omitempty"`
	Provider string         `json:"provider,omitempty"`
}

type gatewayEvent struct {
	Type    string         `json:"type"`
	Source  string         `json:"source"`
	Payload map[string]any `json:"payload"`
}

func (s *Service) notifyTimeout() time.Duration {
	return config.Seconds(s.cfg.NotifyTimeoutSec, 5*time.Second)
}

// notifyTerminal tells Madre and the gateway that a daughter ended.
// Delivery failures are logged and otherwise ignored.
func (s *Service) notifyTerminal(d *store.Daughter, status string, result map[string]any, provider string) {
	cb := Callback{SpawnID: d.ID, Status: status, TaskID: d.TaskID, Result: result, Provider: provider}
	if s.urls.Madre != "" {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), s.notifyTimeout())
			defer cancel()
			if err := s.client.PostJSON(ctx, s.urls.Madre+"/madre/callback", s.notifyTimeout(), cb, nil); err != nil {
				slog.Warn("Spawner madre callback failed", "daughter_id", d.ID, "status", status, "error", err)
			}
		}()
	}
	s.publish(eventSpawnFinished, map[string]any{
		"daughter_id": d.ID, "task_id": d.TaskID, "status": status, "provider": provider,
	})
}

func (s *Service) publish(eventType string, payload map[string]any) {
	if s.urls.Gateway == "" {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.notifyTimeout())
		defer cancel()
		evt := gatewayEvent{Type: eventType, Source: config.ServiceSpawner, Payload: payload}
		if err := s.client.PostJSON(ctx, s.urls.Gateway+"/events/ingest", s.notifyTimeout(), evt, nil); err != nil {
			slog.Debug("Spawner event publish failed", "type", eventType, "error", err)
		}
	}()
}
