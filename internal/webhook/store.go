package webhook

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/payflow-gateway/internal/models"
)

// Storage sentinels returned by Store implementations.
var (
	ErrEventNotFound  = errors.New("webhook event not found")
	ErrDuplicateEvent = errors.New("duplicate (event_id, event_type)")
)

// Store is the durable queue backing the delivery engine. Rows are created
// once at enqueue and then mutated only through the claim/outcome methods,
// which are all conditional updates so concurrent workers cannot
// double-process one event.
type Store interface {
	// CreateEvent inserts a PENDING row. The unique (event_id, event_type)
	// pair returns ErrDuplicateEvent on a losing insert.
	CreateEvent(ctx context.Context, ev *models.WebhookEvent) error
	GetEvent(ctx context.Context, id uuid.UUID) (*models.WebhookEvent, error)

	// FindRecentByIdentity returns a row for the identity pair created at or
	// after since, or ErrEventNotFound.
	FindRecentByIdentity(ctx context.Context, eventID, eventType string, since time.Time) (*models.WebhookEvent, error)

	// Claim leases a due, unclaimed, non-terminal row for one delivery
	// attempt. It reports false when the row is not claimable (not due,
	// already leased, or terminal).
	Claim(ctx context.Context, id uuid.UUID, now time.Time, lease time.Duration) (*models.WebhookEvent, bool, error)

	// MarkDelivered finalizes a row after a 2xx response.
	MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time, attempts, statusCode int) error

	// RecordFailure increments attempts and either schedules the next try
	// (status RETRYING) or dead-letters the row (status FAILED). It clears
	// the lease either way.
	RecordFailure(ctx context.Context, id uuid.UUID, attempts int, status models.WebhookStatus, nextAttemptAt time.Time, statusCode *int, errMsg string) error

	// Due selects rows matching the retry predicate: next_attempt_at <= now,
	// status PENDING or RETRYING, attempts below max_attempts, lease free.
	Due(ctx context.Context, now time.Time, limit int) ([]*models.WebhookEvent, error)

	// PurgeTerminal deletes DELIVERED rows older than deliveredBefore and
	// FAILED rows older than failedBefore. Non-terminal rows are never
	// touched.
	PurgeTerminal(ctx context.Context, deliveredBefore, failedBefore time.Time) (int64, error)
}
