package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/payflow-gateway/internal/models"
	"github.com/payflow-gateway/internal/webhook"
)

// recordingEnqueuer captures enqueue requests instead of delivering them.
type recordingEnqueuer struct {
	requests []webhook.EnqueueRequest
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, req webhook.EnqueueRequest) (*models.WebhookEvent, error) {
	r.requests = append(r.requests, req)
	return &models.WebhookEvent{ID: uuid.New()}, nil
}

func tx(txType models.TransactionType, status models.TransactionStatus) *models.Transaction {
	ext := "ext_abc"
	return &models.Transaction{
		ID:                    uuid.New(),
		ExternalTransactionID: &ext,
		IdempotencyKey:        uuid.NewString(),
		Type:                  txType,
		Status:                status,
		Amount:                decimal.RequireFromString("10.00"),
		Currency:              "USD",
		CorrelationID:         "corr-1",
		CreatedAt:             time.Now().UTC(),
	}
}

func TestTransactionChangedMapsEventTypes(t *testing.T) {
	cases := []struct {
		txType models.TransactionType
		status models.TransactionStatus
		want   string
	}{
		{models.TypePurchase, models.StatusSettled, EventPaymentCompleted},
		{models.TypePurchase, models.StatusFailed, EventPaymentFailed},
		{models.TypeAuthorize, models.StatusAuthorized, EventPaymentAuthorized},
		{models.TypeAuthorize, models.StatusSettled, EventPaymentSettled},
		{models.TypeAuthorize, models.StatusFailed, EventPaymentFailed},
		{models.TypeCapture, models.StatusSettled, EventPaymentCaptured},
		{models.TypeVoid, models.StatusSettled, EventPaymentVoided},
		{models.TypeRefund, models.StatusSettled, EventRefundCompleted},
	}

	for _, tc := range cases {
		enq := &recordingEnqueuer{}
		source := NewSource(enq, "http://consumer.example/hook")

		source.TransactionChanged(context.Background(), tx(tc.txType, tc.status))

		if len(enq.requests) != 1 {
			t.Fatalf("%s/%s: %d enqueues, want 1", tc.txType, tc.status, len(enq.requests))
		}
		if enq.requests[0].EventType != tc.want {
			t.Errorf("%s/%s mapped to %s, want %s", tc.txType, tc.status, enq.requests[0].EventType, tc.want)
		}
	}
}

func TestTransactionChangedSkipsUnmappedPairs(t *testing.T) {
	enq := &recordingEnqueuer{}
	source := NewSource(enq, "http://consumer.example/hook")

	// Parent echoes of child operations carry no event of their own.
	for _, change := range []*models.Transaction{
		tx(models.TypeAuthorize, models.StatusCaptured),
		tx(models.TypeAuthorize, models.StatusVoided),
		tx(models.TypePurchase, models.StatusCancelled),
		tx(models.TypePurchase, models.StatusPending),
	} {
		source.TransactionChanged(context.Background(), change)
	}

	if len(enq.requests) != 0 {
		t.Fatalf("unmapped pairs produced %d enqueues", len(enq.requests))
	}
}

func TestTransactionChangedEventIdentityAndPayload(t *testing.T) {
	enq := &recordingEnqueuer{}
	source := NewSource(enq, "http://consumer.example/hook")

	change := tx(models.TypePurchase, models.StatusSettled)
	source.TransactionChanged(context.Background(), change)

	if len(enq.requests) != 1 {
		t.Fatalf("%d enqueues, want 1", len(enq.requests))
	}
	req := enq.requests[0]

	// Event identity is the transaction id: a replayed transition dedups in
	// the delivery engine instead of double-notifying.
	if req.EventID != change.ID.String() {
		t.Fatalf("event id = %s, want %s", req.EventID, change.ID)
	}
	if req.EndpointURL != "http://consumer.example/hook" {
		t.Fatalf("endpoint = %s", req.EndpointURL)
	}
	if req.CorrelationID != "corr-1" {
		t.Fatalf("correlation id = %s", req.CorrelationID)
	}

	var snap struct {
		TransactionID         string  `json:"transactionId"`
		ExternalTransactionID *string `json:"externalTransactionId"`
		TransactionType       string  `json:"transactionType"`
		Status                string  `json:"status"`
		Amount                string  `json:"amount"`
		Currency              string  `json:"currency"`
	}
	if err := json.Unmarshal(req.Payload, &snap); err != nil {
		t.Fatalf("payload not decodable: %v", err)
	}
	if snap.TransactionID != change.ID.String() {
		t.Errorf("snapshot transaction id = %s", snap.TransactionID)
	}
	if snap.Status != "SETTLED" || snap.TransactionType != "PURCHASE" {
		t.Errorf("snapshot state = %s/%s", snap.TransactionType, snap.Status)
	}
	if snap.Amount != "10.00" || snap.Currency != "USD" {
		t.Errorf("snapshot money = %s %s", snap.Amount, snap.Currency)
	}
	if snap.ExternalTransactionID == nil || *snap.ExternalTransactionID != "ext_abc" {
		t.Errorf("snapshot external id = %v", snap.ExternalTransactionID)
	}
}
