package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/payflow-gateway/internal/models"
	"github.com/payflow-gateway/internal/payment"
	"github.com/payflow-gateway/internal/processor"
	"github.com/payflow-gateway/internal/webhook"
)

func newTestProcessor(t *testing.T, maxAttempts int) (*Processor, *payment.MemoryStore, *webhook.MemoryStore) {
	t.Helper()

	whStore := webhook.NewMemoryStore()
	engine := webhook.NewEngine(whStore, nil, webhook.Config{
		Secret:             []byte("whsec_test"),
		DefaultMaxAttempts: maxAttempts,
	})

	txStore := payment.NewMemoryStore()
	tlm := payment.NewService(txStore, processor.NewStubGateway(), nil, payment.Config{})

	return NewProcessor(engine, tlm), txStore, whStore
}

func capturedTransaction(t *testing.T, p *Processor) string {
	t.Helper()
	ctx := context.Background()

	auth, err := p.tlm.Authorize(ctx, payment.PaymentRequest{
		Amount:             decimal.RequireFromString("30.00"),
		Currency:           "USD",
		PaymentMethodToken: "tok_visa",
		IdempotencyKey:     "key-w-auth",
	})
	if err != nil {
		t.Fatalf("authorize failed: %v", err)
	}
	if _, err := p.tlm.Capture(ctx, payment.ChildRequest{
		ParentID:       auth.ID,
		Amount:         decimal.RequireFromString("30.00"),
		IdempotencyKey: "key-w-cap",
	}); err != nil {
		t.Fatalf("capture failed: %v", err)
	}

	parent, err := p.tlm.GetStatus(ctx, auth.ID)
	if err != nil {
		t.Fatalf("parent not readable: %v", err)
	}
	return *parent.ExternalTransactionID
}

func TestProcessCallbackSettlesTransaction(t *testing.T) {
	p, _, _ := newTestProcessor(t, 5)
	ext := capturedTransaction(t, p)

	body, _ := json.Marshal(CallbackPayload{
		ExternalTransactionID: ext,
		Status:                "SETTLED",
		OccurredAt:            time.Now().UTC(),
	})
	task, err := NewProcessCallbackTask(body)
	if err != nil {
		t.Fatalf("task build failed: %v", err)
	}

	if err := p.ProcessCallback(context.Background(), task); err != nil {
		t.Fatalf("callback processing failed: %v", err)
	}

	tx, err := p.tlm.Settle(context.Background(), ext)
	if err != nil {
		t.Fatalf("post-callback read failed: %v", err)
	}
	if tx.Status != models.StatusSettled {
		t.Fatalf("status after callback = %s", tx.Status)
	}
}

func TestProcessCallbackUnknownTransactionRetries(t *testing.T) {
	p, _, _ := newTestProcessor(t, 5)

	body, _ := json.Marshal(CallbackPayload{
		ExternalTransactionID: "ext_not_ours_yet",
		Status:                "SETTLED",
	})
	task, _ := NewProcessCallbackTask(body)

	// The processor can notify before our write is visible; the task must
	// fail so asynq retries it.
	if err := p.ProcessCallback(context.Background(), task); err == nil {
		t.Fatal("expected an error for an unknown external id")
	}
}

func TestProcessCallbackIgnoresNonSettledStatuses(t *testing.T) {
	p, _, _ := newTestProcessor(t, 5)

	body, _ := json.Marshal(CallbackPayload{
		ExternalTransactionID: "ext_whatever",
		Status:                "IN_REVIEW",
	})
	task, _ := NewProcessCallbackTask(body)

	if err := p.ProcessCallback(context.Background(), task); err != nil {
		t.Fatalf("non-settlement callback must be dropped silently, got %v", err)
	}
}

func TestProcessCallbackRejectsMissingExternalID(t *testing.T) {
	p, _, _ := newTestProcessor(t, 5)

	body, _ := json.Marshal(CallbackPayload{Status: "SETTLED"})
	task, _ := NewProcessCallbackTask(body)

	if err := p.ProcessCallback(context.Background(), task); err == nil {
		t.Fatal("expected an error for a callback without external_transaction_id")
	}
}

func TestDeliverWebhookTaskDeliversRow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, _, whStore := newTestProcessor(t, 5)

	ev, err := p.engine.Enqueue(context.Background(), webhook.EnqueueRequest{
		EventID:     "tx-w1",
		EventType:   "payment.completed",
		Payload:     []byte(`{}`),
		EndpointURL: srv.URL,
	})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	task, _, err := NewDeliverWebhookTask(ev.ID)
	if err != nil {
		t.Fatalf("task build failed: %v", err)
	}
	if err := p.DeliverWebhook(context.Background(), task); err != nil {
		t.Fatalf("delivery task failed: %v", err)
	}

	stored, err := whStore.GetEvent(context.Background(), ev.ID)
	if err != nil {
		t.Fatalf("row not readable: %v", err)
	}
	if stored.Status != models.WebhookDelivered {
		t.Fatalf("status = %s", stored.Status)
	}
}

func TestDeliverWebhookSwallowsDeadLetter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, _, whStore := newTestProcessor(t, 1)

	ev, err := p.engine.Enqueue(context.Background(), webhook.EnqueueRequest{
		EventID:     "tx-w2",
		EventType:   "payment.completed",
		Payload:     []byte(`{}`),
		EndpointURL: srv.URL,
	})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	task, _, err := NewDeliverWebhookTask(ev.ID)
	if err != nil {
		t.Fatalf("task build failed: %v", err)
	}

	// Exhausted retries dead-letter the row; the asynq task itself succeeds
	// so the queue never re-runs a terminal delivery.
	if err := p.DeliverWebhook(context.Background(), task); err != nil {
		t.Fatalf("dead-letter must not fail the task, got %v", err)
	}

	stored, _ := whStore.GetEvent(context.Background(), ev.ID)
	if stored.Status != models.WebhookFailed {
		t.Fatalf("status = %s", stored.Status)
	}
}
