package hormiguero

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/slack-go/slack"

	"github.com/vx11/vx11/internal/store"
)

// Notifier is told about newly detected incidents.
type Notifier interface {
	IncidentOpened(ctx context.Context, inc *store.Incident) error
}

var severityRank = map[string]int{
	store.SeverityInfo:     0,
	store.SeverityWarning:  1,
	store.SeverityError:    2,
	store.SeverityCritical: 3,
}

// AtLeast reports whether severity is at or above min. Unknown minimums
// default to error.
func AtLeast(severity, min string) bool {
	m, ok := severityRank[min]
	if !ok {
		m = severityRank[store.SeverityError]
	}
	return severityRank[severity] >= m
}

// SlackNotifier posts incidents to a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL  string
	minSeverity string
	timeout     time.Duration
}

// NewSlackNotifier returns nil when webhookURL is empty.
func NewSlackNotifier(webhookURL, minSeverity string) *SlackNotifier {
	if webhookURL == "" {
		return nil
	}
	return &SlackNotifier{webhookURL: webhookURL, minSeverity: minSeverity, timeout: 5 * time.Second}
}

var severityColor = map[string]string{
	store.SeverityInfo:     "#439FE0",
	store.SeverityWarning:  "warning",
	store.SeverityError:    "danger",
	store.SeverityCritical: "danger",
}

func (n *SlackNotifier) IncidentOpened(ctx context.Context, inc *store.Incident) error {
	if !AtLeast(inc.Severity, n.minSeverity) {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf("[%s] %s", inc.Severity, inc.Title),
		Attachments: []slack.Attachment{{
			Color:  severityColor[inc.Severity],
			Text:   inc.Description,
			Footer: inc.IncidentID,
			Fields: []slack.AttachmentField{
				{Title: "kind", Value: inc.Kind, Short: true},
				{Title: "source", Value: inc.Source, Short: true},
			},
		}},
	}
	if err := slack.PostWebhookContext(ctx, n.webhookURL, msg); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	slog.Info("Incident notification sent", "incident_id", inc.IncidentID, "severity", inc.Severity)
	return nil
}
