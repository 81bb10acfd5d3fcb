package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/payflow-gateway/internal/payment"
	"github.com/payflow-gateway/internal/webhook"
)

const (
	TypeDeliverWebhook  = "webhook:deliver"
	TypeProcessCallback = "callback:process"
)

// Processor handles background job processing
type Processor struct {
	engine *webhook.Engine
	tlm    *payment.Service
}

// NewProcessor creates a new worker processor
func NewProcessor(engine *webhook.Engine, tlm *payment.Service) *Processor {
	return &Processor{
		engine: engine,
		tlm:    tlm,
	}
}

// deliverPayload is the webhook delivery task body.
type deliverPayload struct {
	EventRowID uuid.UUID `json:"event_row_id"`
}

// NewDeliverWebhookTask creates a delivery task for one webhook row.
// Asynq-level retry is disabled: the delivery engine owns the backoff
// schedule, and double retry layers would violate it.
func NewDeliverWebhookTask(eventRowID uuid.UUID) (*asynq.Task, []asynq.Option, error) {
	payload, err := json.Marshal(deliverPayload{EventRowID: eventRowID})
	if err != nil {
		return nil, nil, err
	}
	opts := []asynq.Option{asynq.Queue("critical"), asynq.MaxRetry(0)}
	return asynq.NewTask(TypeDeliverWebhook, payload), opts, nil
}

// NewProcessCallbackTask creates a processor-callback task from the raw,
// already signature-verified body.
func NewProcessCallbackTask(body []byte) (*asynq.Task, error) {
	return asynq.NewTask(TypeProcessCallback, body), nil
}

// DeliverWebhook performs one delivery attempt through the engine.
func (p *Processor) DeliverWebhook(ctx context.Context, t *asynq.Task) error {
	var payload deliverPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal delivery task: %w", err)
	}

	_, err := p.engine.Deliver(ctx, payload.EventRowID)

	var exhausted *webhook.ExhaustedRetriesError
	if errors.As(err, &exhausted) {
		// Dead-lettered. Operational concern, not a task failure: the row
		// is terminal and retrying the task would do nothing.
		log.Printf("DEAD-LETTER: %v", exhausted)
		return nil
	}
	if err != nil {
		return fmt.Errorf("webhook delivery %s: %w", payload.EventRowID, err)
	}
	return nil
}

// CallbackPayload is the processor's settlement notification body.
type CallbackPayload struct {
	ExternalTransactionID string    `json:"external_transaction_id"`
	Status                string    `json:"status"`
	OccurredAt            time.Time `json:"occurred_at"`
}

// ProcessCallback applies a processor settlement callback through the
// transaction lifecycle manager, never by writing status directly.
func (p *Processor) ProcessCallback(ctx context.Context, t *asynq.Task) error {
	var callback CallbackPayload
	if err := json.Unmarshal(t.Payload(), &callback); err != nil {
		return fmt.Errorf("failed to unmarshal callback: %w", err)
	}

	if callback.ExternalTransactionID == "" {
		return fmt.Errorf("missing external_transaction_id in callback")
	}

	log.Printf("Processing settlement callback for %s (status %s)", callback.ExternalTransactionID, callback.Status)

	if callback.Status != "SETTLED" {
		log.Printf("Ignoring callback status %s for %s", callback.Status, callback.ExternalTransactionID)
		return nil
	}

	tx, err := p.tlm.Settle(ctx, callback.ExternalTransactionID)
	if errors.Is(err, payment.ErrNotFound) {
		// The processor may notify before our own write is visible; let
		// asynq's task retry pick it up.
		return fmt.Errorf("transaction %s not found yet: %w", callback.ExternalTransactionID, err)
	}
	var stateErr *payment.InvalidStateTransitionError
	if errors.As(err, &stateErr) {
		// Already voided/failed on our side. Nothing to converge.
		log.Printf("Settlement callback for %s dropped: %v", callback.ExternalTransactionID, stateErr)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to settle %s: %w", callback.ExternalTransactionID, err)
	}

	log.Printf("Transaction %s settled (status %s)", tx.ID, tx.Status)
	return nil
}
