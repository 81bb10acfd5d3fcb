package webhook

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/payflow-gateway/internal/models"
)

// Dispatcher schedules a delivery attempt for a row at a point in time.
// Production wires the asynq client here; the polling reconciler is the
// safety net when a dispatch is lost.
type Dispatcher interface {
	Dispatch(ctx context.Context, id uuid.UUID, at time.Time) error
}

// ExhaustedRetriesError marks a webhook that burned its whole attempt
// budget and was dead-lettered. It surfaces to operational tooling; the
// original transaction caller already got a synchronous result.
type ExhaustedRetriesError struct {
	EventRowID uuid.UUID
	EventID    string
	EventType  string
	Attempts   int
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("webhook %s (%s/%s) failed permanently after %d attempts",
		e.EventRowID, e.EventID, e.EventType, e.Attempts)
}

// Config holds delivery tuning.
type Config struct {
	Secret             []byte
	DefaultMaxAttempts int
	BackoffBase        time.Duration
	BackoffCap         time.Duration
	// JitterFraction is the upper bound of the random addition, as a
	// fraction of the backoff delay. Capped at 0.20.
	JitterFraction  float64
	DedupWindow     time.Duration
	LeaseDuration   time.Duration
	DeliveryTimeout time.Duration
}

// Engine is the webhook delivery engine: it owns enqueue dedup, the
// claim/lease protocol, signed delivery, and the backoff schedule.
type Engine struct {
	store      Store
	dispatcher Dispatcher
	client     *http.Client
	cfg        Config

	// Now and Rand are injectable for tests.
	Now  func() time.Time
	Rand func() float64
}

// NewEngine creates a delivery engine.
func NewEngine(store Store, dispatcher Dispatcher, cfg Config) *Engine {
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 30 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 4 * time.Hour
	}
	if cfg.JitterFraction <= 0 || cfg.JitterFraction > 0.20 {
		cfg.JitterFraction = 0.20
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 24 * time.Hour
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = time.Minute
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 10 * time.Second
	}

	return &Engine{
		store:      store,
		dispatcher: dispatcher,
		cfg:        cfg,
		client: &http.Client{
			Timeout: cfg.DeliveryTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
			},
		},
	}
}

// EnqueueRequest describes one outbound notification.
type EnqueueRequest struct {
	EventID       string
	EventType     string
	Payload       []byte
	EndpointURL   string
	CorrelationID string
	// MaxAttempts overrides the engine default when positive.
	MaxAttempts int
}

// Enqueue creates a deliverable row scheduled immediately. A duplicate
// (eventID, eventType) within the dedup window returns the existing row and
// creates nothing.
func (e *Engine) Enqueue(ctx context.Context, req EnqueueRequest) (*models.WebhookEvent, error) {
	if req.EventID == "" || req.EventType == "" {
		return nil, fmt.Errorf("enqueue requires an event identity pair")
	}

	now := e.now()

	existing, err := e.store.FindRecentByIdentity(ctx, req.EventID, req.EventType, now.Add(-e.cfg.DedupWindow))
	if err == nil {
		log.Printf("Webhook enqueue deduplicated: %s/%s -> %s", req.EventID, req.EventType, existing.ID)
		return existing, nil
	}
	if !errors.Is(err, ErrEventNotFound) {
		return nil, err
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.cfg.DefaultMaxAttempts
	}

	ev := &models.WebhookEvent{
		ID:            uuid.New(),
		EventID:       req.EventID,
		EventType:     req.EventType,
		Payload:       req.Payload,
		EndpointURL:   req.EndpointURL,
		Status:        models.WebhookPending,
		Attempts:      0,
		MaxAttempts:   maxAttempts,
		ScheduledAt:   now,
		NextAttemptAt: now,
		CorrelationID: req.CorrelationID,
		CreatedAt:     now,
	}

	if err := e.store.CreateEvent(ctx, ev); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			// Lost the insert race: the winner's row is the handle.
			winner, gerr := e.store.FindRecentByIdentity(ctx, req.EventID, req.EventType, time.Time{})
			if gerr != nil {
				return nil, fmt.Errorf("duplicate webhook event but winner not readable: %w", gerr)
			}
			return winner, nil
		}
		return nil, err
	}

	e.schedule(ctx, ev.ID, ev.NextAttemptAt)
	log.Printf("Webhook enqueued: %s (%s/%s) -> %s", ev.ID, ev.EventID, ev.EventType, ev.EndpointURL)
	return ev, nil
}

// Deliver claims the row and performs one delivery attempt. It returns the
// row's post-attempt state; an *ExhaustedRetriesError accompanies a
// dead-lettered row.
func (e *Engine) Deliver(ctx context.Context, id uuid.UUID) (*models.WebhookEvent, error) {
	now := e.now()

	ev, claimed, err := e.store.Claim(ctx, id, now, e.cfg.LeaseDuration)
	if err != nil {
		return nil, err
	}
	if !claimed {
		// Not due, already leased by another worker, or terminal.
		return e.store.GetEvent(ctx, id)
	}

	statusCode, attemptErr := e.attempt(ctx, ev)
	attempts := ev.Attempts + 1

	if attemptErr == nil {
		if err := e.store.MarkDelivered(ctx, ev.ID, e.now(), attempts, statusCode); err != nil {
			return nil, err
		}
		log.Printf("Webhook %s delivered (attempt %d, status %d)", ev.ID, attempts, statusCode)
		return e.store.GetEvent(ctx, id)
	}

	var codePtr *int
	if statusCode > 0 {
		codePtr = &statusCode
	}

	if attempts >= ev.MaxAttempts {
		if err := e.store.RecordFailure(ctx, ev.ID, attempts, models.WebhookFailed, ev.NextAttemptAt, codePtr, attemptErr.Error()); err != nil {
			return nil, err
		}
		log.Printf("Webhook %s dead-lettered after %d attempts: %v", ev.ID, attempts, attemptErr)
		updated, gerr := e.store.GetEvent(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return updated, &ExhaustedRetriesError{
			EventRowID: ev.ID,
			EventID:    ev.EventID,
			EventType:  ev.EventType,
			Attempts:   attempts,
		}
	}

	next := e.now().Add(e.backoffDelay(attempts))
	if err := e.store.RecordFailure(ctx, ev.ID, attempts, models.WebhookRetrying, next, codePtr, attemptErr.Error()); err != nil {
		return nil, err
	}
	e.schedule(ctx, ev.ID, next)
	log.Printf("Webhook %s attempt %d/%d failed (%v), next at %s", ev.ID, attempts, ev.MaxAttempts, attemptErr, next.Format(time.RFC3339))
	return e.store.GetEvent(ctx, id)
}

// Cancel is the out-of-band operator action: it dead-letters a pending or
// retrying row. An in-flight attempt is not interrupted, but nothing runs
// after it.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) error {
	ev, err := e.store.GetEvent(ctx, id)
	if err != nil {
		return err
	}
	if ev.Status.IsTerminal() {
		return nil
	}
	return e.store.RecordFailure(ctx, ev.ID, ev.Attempts, models.WebhookFailed, ev.NextAttemptAt, nil, "cancelled by operator")
}

// envelope is the outbound body contract.
type envelope struct {
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	OccurredAt    time.Time       `json:"occurredAt"`
	CorrelationID string          `json:"correlationId"`
	Data          json.RawMessage `json:"data"`
}

// attempt performs the signed POST. Any non-2xx outcome, including
// transport failure, is a failed attempt.
func (e *Engine) attempt(ctx context.Context, ev *models.WebhookEvent) (int, error) {
	body, err := json.Marshal(envelope{
		EventID:       ev.EventID,
		EventType:     ev.EventType,
		OccurredAt:    ev.CreatedAt.UTC(),
		CorrelationID: ev.CorrelationID,
		Data:          json.RawMessage(ev.Payload),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ev.EndpointURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", Sign(e.cfg.Secret, body))

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("webhook POST failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// backoffDelay computes min(cap, base * 2^(attempts-1)) plus jitter of at
// most JitterFraction of the delay.
func (e *Engine) backoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	delay := time.Duration(float64(e.cfg.BackoffBase) * math.Pow(2, float64(attempts-1)))
	if delay > e.cfg.BackoffCap || delay <= 0 {
		delay = e.cfg.BackoffCap
	}

	jitter := time.Duration(e.rand() * e.cfg.JitterFraction * float64(delay))
	return delay + jitter
}

// schedule hands the row to the dispatcher; a lost dispatch is recovered by
// the polling reconciler.
func (e *Engine) schedule(ctx context.Context, id uuid.UUID, at time.Time) {
	if e.dispatcher == nil {
		return
	}
	if err := e.dispatcher.Dispatch(ctx, id, at); err != nil {
		log.Printf("Failed to dispatch webhook %s: %v", id, err)
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

func (e *Engine) rand() float64 {
	if e.Rand != nil {
		return e.Rand()
	}
	return rand.Float64()
}
