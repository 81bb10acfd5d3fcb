// Package events turns committed transaction state changes into outbound
// webhook notifications. It is the only producer of webhook rows.
package events

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/payflow-gateway/internal/models"
	"github.com/payflow-gateway/internal/webhook"
)

// Event types sent to consumers.
const (
	EventPaymentCompleted  = "payment.completed"
	EventPaymentAuthorized = "payment.authorized"
	EventPaymentCaptured   = "payment.captured"
	EventPaymentSettled    = "payment.settled"
	EventPaymentVoided     = "payment.voided"
	EventPaymentFailed     = "payment.failed"
	EventRefundCompleted   = "refund.completed"
)

// Enqueuer is the slice of the delivery engine the source needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, req webhook.EnqueueRequest) (*models.WebhookEvent, error)
}

// Source maps transaction changes to webhook events for one consumer
// endpoint.
type Source struct {
	engine      Enqueuer
	endpointURL string
}

// NewSource creates an event source delivering to endpointURL.
func NewSource(engine Enqueuer, endpointURL string) *Source {
	return &Source{engine: engine, endpointURL: endpointURL}
}

// snapshot is the immutable transaction view embedded as the event data.
// Consumers must use its status and timestamp, not webhook arrival order.
type snapshot struct {
	TransactionID         string  `json:"transactionId"`
	ExternalTransactionID *string `json:"externalTransactionId,omitempty"`
	TransactionType       string  `json:"transactionType"`
	Status                string  `json:"status"`
	Amount                string  `json:"amount"`
	Currency              string  `json:"currency"`
	ParentTransactionID   *string `json:"parentTransactionId,omitempty"`
	ResponseCode          *string `json:"responseCode,omitempty"`
	ProcessedAt           *time.Time `json:"processedAt,omitempty"`
}

// TransactionChanged implements payment.EventSink.
func (s *Source) TransactionChanged(ctx context.Context, tx *models.Transaction) {
	eventType, ok := eventTypeFor(tx)
	if !ok {
		return
	}

	snap := snapshot{
		TransactionID:         tx.ID.String(),
		ExternalTransactionID: tx.ExternalTransactionID,
		TransactionType:       string(tx.Type),
		Status:                string(tx.Status),
		Amount:                tx.Amount.StringFixed(2),
		Currency:              tx.Currency,
		ResponseCode:          tx.ResponseCode,
		ProcessedAt:           tx.ProcessedAt,
	}
	if tx.ParentTransactionID != nil {
		pid := tx.ParentTransactionID.String()
		snap.ParentTransactionID = &pid
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		log.Printf("Failed to marshal snapshot for transaction %s: %v", tx.ID, err)
		return
	}

	// One event identity per (transaction, type): a replayed transition
	// dedups at enqueue instead of double-notifying.
	_, err = s.engine.Enqueue(ctx, webhook.EnqueueRequest{
		EventID:       tx.ID.String(),
		EventType:     eventType,
		Payload:       payload,
		EndpointURL:   s.endpointURL,
		CorrelationID: correlationOrNew(tx.CorrelationID),
	})
	if err != nil {
		// Webhooks are notifications; a failed enqueue never fails the
		// transaction that triggered it.
		log.Printf("Failed to enqueue %s for transaction %s: %v", eventType, tx.ID, err)
	}
}

// eventTypeFor maps a committed (type, status) pair to its event type.
// Pairs with no mapping produce no notification; parent echoes of child
// operations are covered by the child's own event.
func eventTypeFor(tx *models.Transaction) (string, bool) {
	switch {
	case tx.Status == models.StatusFailed:
		return EventPaymentFailed, true
	case tx.Type == models.TypePurchase && tx.Status == models.StatusSettled:
		return EventPaymentCompleted, true
	case tx.Type == models.TypeAuthorize && tx.Status == models.StatusAuthorized:
		return EventPaymentAuthorized, true
	case tx.Type == models.TypeAuthorize && tx.Status == models.StatusSettled:
		return EventPaymentSettled, true
	case tx.Type == models.TypeCapture && tx.Status == models.StatusSettled:
		return EventPaymentCaptured, true
	case tx.Type == models.TypeVoid && tx.Status == models.StatusSettled:
		return EventPaymentVoided, true
	case tx.Type == models.TypeRefund && tx.Status == models.StatusSettled:
		return EventRefundCompleted, true
	}
	return "", false
}

func correlationOrNew(correlationID string) string {
	if correlationID != "" {
		return correlationID
	}
	return uuid.NewString()
}
