package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WebhookEvent is one outbound notification row. It is created by the event
// source and mutated only by the delivery engine. (EventID, EventType) is
// unique so a duplicate enqueue within the dedup window maps to the row
// already on file.
type WebhookEvent struct {
	ID                 uuid.UUID     `db:"id"`
	EventID            string        `db:"event_id"`
	EventType          string        `db:"event_type"`
	Payload            []byte        `db:"payload"` // immutable snapshot, JSONB
	EndpointURL        string        `db:"endpoint_url"`
	Status             WebhookStatus `db:"status"`
	Attempts           int           `db:"attempts"`
	MaxAttempts        int           `db:"max_attempts"`
	ScheduledAt        time.Time     `db:"scheduled_at"`
	NextAttemptAt      time.Time     `db:"next_attempt_at"`
	LeaseExpiresAt     *time.Time    `db:"lease_expires_at"`
	DeliveredAt        *time.Time    `db:"delivered_at"`
	ResponseStatusCode *int          `db:"response_status_code"`
	ErrorMessage       *string       `db:"error_message"`
	CorrelationID      string        `db:"correlation_id"`
	CreatedAt          time.Time     `db:"created_at"`
}

// WebhookStatus represents valid webhook delivery states
type WebhookStatus string

const (
	WebhookPending   WebhookStatus = "PENDING"
	WebhookRetrying  WebhookStatus = "RETRYING"
	WebhookDelivered WebhookStatus = "DELIVERED"
	WebhookFailed    WebhookStatus = "FAILED"
)

// IsTerminal reports whether the engine may never touch the row again.
func (s WebhookStatus) IsTerminal() bool {
	return s == WebhookDelivered || s == WebhookFailed
}

// ParseWebhookStatus decodes a persisted delivery status. Same policy as
// ParseTransactionStatus: unknown values raise, never default.
func ParseWebhookStatus(s string) (WebhookStatus, error) {
	switch WebhookStatus(s) {
	case WebhookPending, WebhookRetrying, WebhookDelivered, WebhookFailed:
		return WebhookStatus(s), nil
	}
	return "", fmt.Errorf("unrecognized webhook status %q", s)
}
