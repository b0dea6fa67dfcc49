package domain

import "time"

// WebhookService is the outbound service a Webhook posts to.
type WebhookService string

const (
	WebhookSlack   WebhookService = "slack"
	WebhookDiscord WebhookService = "discord"
)

// Webhook is a per-workspace outbound subscription.
type Webhook struct {
	ID          string
	WorkspaceID string
	Service     WebhookService
	URL         string
	Events      []EventType
	Active      bool
	CreatedAt   time.Time
}

// Subscribes reports whether the webhook is active and subscribed to
// et.
func (w *Webhook) Subscribes(et EventType) bool {
	if !w.Active {
		return false
	}
	for _, e := range w.Events {
		if e == et {
			return true
		}
	}
	return false
}

// MigrationRecord is one row of the applied-migrations ledger.
type MigrationRecord struct {
	Version     int
	Name        string
	AppliedAt   time.Time
	Description string
}
