package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/payflow-gateway/internal/models"
)

// PgStore is the pgx-backed Store.
type PgStore struct {
	db *pgxpool.Pool
}

// NewPgStore creates a Store backed by the given connection pool.
func NewPgStore(db *pgxpool.Pool) *PgStore {
	return &PgStore{db: db}
}

const eventColumns = `
	id, event_id, event_type, payload, endpoint_url, status, attempts,
	max_attempts, scheduled_at, next_attempt_at, lease_expires_at,
	delivered_at, response_status_code, error_message, correlation_id, created_at
`

// CreateEvent inserts a PENDING row; the unique (event_id, event_type)
// index is the dedup arbiter under concurrency.
func (s *PgStore) CreateEvent(ctx context.Context, ev *models.WebhookEvent) error {
	insertSQL := `
		INSERT INTO webhook_events (
			id, event_id, event_type, payload, endpoint_url, status, attempts,
			max_attempts, scheduled_at, next_attempt_at, correlation_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := s.db.Exec(ctx, insertSQL,
		ev.ID, ev.EventID, ev.EventType, ev.Payload, ev.EndpointURL,
		string(ev.Status), ev.Attempts, ev.MaxAttempts,
		ev.ScheduledAt, ev.NextAttemptAt, ev.CorrelationID, ev.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("insert webhook event: %w", ErrDuplicateEvent)
		}
		return fmt.Errorf("failed to insert webhook event: %w", err)
	}
	return nil
}

// GetEvent fetches one row by id.
func (s *PgStore) GetEvent(ctx context.Context, id uuid.UUID) (*models.WebhookEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM webhook_events WHERE id = $1`
	return s.scanEvent(s.db.QueryRow(ctx, query, id))
}

// FindRecentByIdentity fetches a row by its source identity pair within the
// dedup window.
func (s *PgStore) FindRecentByIdentity(ctx context.Context, eventID, eventType string, since time.Time) (*models.WebhookEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM webhook_events
		WHERE event_id = $1 AND event_type = $2 AND created_at >= $3
	`
	return s.scanEvent(s.db.QueryRow(ctx, query, eventID, eventType, since))
}

// Claim takes a lease on a due row. The conditional UPDATE is the whole
// locking story: zero rows means another worker holds it or it is not due.
func (s *PgStore) Claim(ctx context.Context, id uuid.UUID, now time.Time, lease time.Duration) (*models.WebhookEvent, bool, error) {
	claimSQL := `
		UPDATE webhook_events
		SET lease_expires_at = $1
		WHERE id = $2
		  AND status IN ('PENDING', 'RETRYING')
		  AND attempts < max_attempts
		  AND next_attempt_at <= $3
		  AND (lease_expires_at IS NULL OR lease_expires_at < $3)
		RETURNING ` + eventColumns

	ev, err := s.scanEvent(s.db.QueryRow(ctx, claimSQL, now.Add(lease), id, now))
	if errors.Is(err, ErrEventNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return ev, true, nil
}

// MarkDelivered finalizes a row after a 2xx response.
func (s *PgStore) MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time, attempts, statusCode int) error {
	updateSQL := `
		UPDATE webhook_events
		SET status = 'DELIVERED',
		    attempts = $1,
		    delivered_at = $2,
		    response_status_code = $3,
		    lease_expires_at = NULL,
		    error_message = NULL
		WHERE id = $4 AND status IN ('PENDING', 'RETRYING')
	`
	_, err := s.db.Exec(ctx, updateSQL, attempts, at, statusCode, id)
	if err != nil {
		return fmt.Errorf("failed to mark webhook %s delivered: %w", id, err)
	}
	return nil
}

// RecordFailure persists a failed attempt, rescheduling or dead-lettering.
func (s *PgStore) RecordFailure(ctx context.Context, id uuid.UUID, attempts int, status models.WebhookStatus, nextAttemptAt time.Time, statusCode *int, errMsg string) error {
	updateSQL := `
		UPDATE webhook_events
		SET status = $1,
		    attempts = $2,
		    next_attempt_at = $3,
		    response_status_code = $4,
		    error_message = $5,
		    lease_expires_at = NULL
		WHERE id = $6 AND status IN ('PENDING', 'RETRYING')
	`
	_, err := s.db.Exec(ctx, updateSQL, string(status), attempts, nextAttemptAt, statusCode, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to record webhook %s failure: %w", id, err)
	}
	return nil
}

// Due returns claimable rows ordered by next_attempt_at.
func (s *PgStore) Due(ctx context.Context, now time.Time, limit int) ([]*models.WebhookEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM webhook_events
		WHERE status IN ('PENDING', 'RETRYING')
		  AND attempts < max_attempts
		  AND next_attempt_at <= $1
		  AND (lease_expires_at IS NULL OR lease_expires_at < $1)
		ORDER BY next_attempt_at
		LIMIT $2
	`

	rows, err := s.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select due webhooks: %w", err)
	}
	defer rows.Close()

	var events []*models.WebhookEvent
	for rows.Next() {
		ev, err := s.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PurgeTerminal deletes aged terminal rows. PENDING/RETRYING rows are
// excluded by the status predicate, so it is safe alongside delivery.
func (s *PgStore) PurgeTerminal(ctx context.Context, deliveredBefore, failedBefore time.Time) (int64, error) {
	deleteSQL := `
		DELETE FROM webhook_events
		WHERE (status = 'DELIVERED' AND delivered_at < $1)
		   OR (status = 'FAILED' AND created_at < $2)
	`
	result, err := s.db.Exec(ctx, deleteSQL, deliveredBefore, failedBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to purge webhook events: %w", err)
	}
	return result.RowsAffected(), nil
}

func (s *PgStore) scanEvent(row pgx.Row) (*models.WebhookEvent, error) {
	var ev models.WebhookEvent
	var rawStatus string

	err := row.Scan(
		&ev.ID,
		&ev.EventID,
		&ev.EventType,
		&ev.Payload,
		&ev.EndpointURL,
		&rawStatus,
		&ev.Attempts,
		&ev.MaxAttempts,
		&ev.ScheduledAt,
		&ev.NextAttemptAt,
		&ev.LeaseExpiresAt,
		&ev.DeliveredAt,
		&ev.ResponseStatusCode,
		&ev.ErrorMessage,
		&ev.CorrelationID,
		&ev.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan webhook event: %w", err)
	}

	if ev.Status, err = models.ParseWebhookStatus(rawStatus); err != nil {
		return nil, err
	}
	return &ev, nil
}
