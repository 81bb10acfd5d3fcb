package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/payflow-gateway/internal/models"
)

// recordingDispatcher captures schedule calls.
type recordingDispatcher struct {
	mu         sync.Mutex
	dispatches []struct {
		ID uuid.UUID
		At time.Time
	}
}

func (d *recordingDispatcher) Dispatch(_ context.Context, id uuid.UUID, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dispatches = append(d.dispatches, struct {
		ID uuid.UUID
		At time.Time
	}{id, at})
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dispatches)
}

func (d *recordingDispatcher) last() (uuid.UUID, time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.dispatches) == 0 {
		return uuid.Nil, time.Time{}
	}
	entry := d.dispatches[len(d.dispatches)-1]
	return entry.ID, entry.At
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testSecret = []byte("whsec_test")

func newTestEngine(t *testing.T, maxAttempts int) (*Engine, *MemoryStore, *recordingDispatcher, *testClock) {
	t.Helper()
	store := NewMemoryStore()
	dispatcher := &recordingDispatcher{}
	clock := newTestClock()
	engine := NewEngine(store, dispatcher, Config{
		Secret:             testSecret,
		DefaultMaxAttempts: maxAttempts,
		BackoffBase:        30 * time.Second,
		BackoffCap:         4 * time.Hour,
		DeliveryTimeout:    2 * time.Second,
	})
	engine.Now = clock.Now
	engine.Rand = func() float64 { return 0 } // deterministic: no jitter
	return engine, store, dispatcher, clock
}

func enqueueOne(t *testing.T, engine *Engine, url string) *models.WebhookEvent {
	t.Helper()
	ev, err := engine.Enqueue(context.Background(), EnqueueRequest{
		EventID:     "tx-123",
		EventType:   "payment.completed",
		Payload:     []byte(`{"transactionId":"tx-123","status":"SETTLED"}`),
		EndpointURL: url,
	})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	return ev
}

func TestEnqueueDeduplicatesWithinWindow(t *testing.T) {
	engine, store, dispatcher, _ := newTestEngine(t, 5)
	ctx := context.Background()

	first := enqueueOne(t, engine, "http://consumer.example/hook")
	second := enqueueOne(t, engine, "http://consumer.example/hook")

	if first.ID != second.ID {
		t.Fatalf("duplicate enqueue created a new row: %s vs %s", first.ID, second.ID)
	}
	if dispatcher.count() != 1 {
		t.Fatalf("duplicate enqueue must not re-dispatch, got %d dispatches", dispatcher.count())
	}

	// Different event type with the same event id is a distinct identity.
	other, err := engine.Enqueue(ctx, EnqueueRequest{
		EventID:     "tx-123",
		EventType:   "payment.failed",
		Payload:     []byte(`{}`),
		EndpointURL: "http://consumer.example/hook",
	})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if other.ID == first.ID {
		t.Fatal("distinct event types must not dedup against each other")
	}

	if _, err := store.GetEvent(ctx, first.ID); err != nil {
		t.Fatalf("row not readable: %v", err)
	}
}

func TestEnqueuePastDedupWindowStillResolvesToPersistedRow(t *testing.T) {
	engine, _, _, clock := newTestEngine(t, 5)

	first := enqueueOne(t, engine, "http://consumer.example/hook")

	// Past the window the fast-path lookup misses, but the unique identity
	// index still maps the enqueue to the row on file.
	clock.Advance(25 * time.Hour)
	second := enqueueOne(t, engine, "http://consumer.example/hook")

	if second.ID != first.ID {
		t.Fatalf("expected the persisted row, got %s vs %s", second.ID, first.ID)
	}
}

func TestEnqueueRequiresIdentity(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, 5)

	if _, err := engine.Enqueue(context.Background(), EnqueueRequest{EventType: "payment.completed"}); err == nil {
		t.Error("enqueue without event id must fail")
	}
	if _, err := engine.Enqueue(context.Background(), EnqueueRequest{EventID: "tx-1"}); err == nil {
		t.Error("enqueue without event type must fail")
	}
}

func TestDeliverSignsAndPostsEnvelope(t *testing.T) {
	var (
		mu       sync.Mutex
		received []byte
		sig      string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ := io.ReadAll(r.Body)
		received = body
		sig = r.Header.Get("X-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	engine, store, _, _ := newTestEngine(t, 5)
	ctx := context.Background()

	ev := enqueueOne(t, engine, srv.URL)

	delivered, err := engine.Deliver(ctx, ev.ID)
	if err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if delivered.Status != models.WebhookDelivered {
		t.Fatalf("status after delivery = %s", delivered.Status)
	}
	if delivered.Attempts != 1 {
		t.Fatalf("attempts = %d", delivered.Attempts)
	}
	if delivered.DeliveredAt == nil {
		t.Fatal("delivered_at not recorded")
	}
	if delivered.ResponseStatusCode == nil || *delivered.ResponseStatusCode != http.StatusOK {
		t.Fatalf("response status = %v", delivered.ResponseStatusCode)
	}

	mu.Lock()
	defer mu.Unlock()
	if err := Verify(testSecret, received, sig); err != nil {
		t.Fatalf("delivered signature does not verify: %v", err)
	}

	var env struct {
		EventID       string          `json:"eventId"`
		EventType     string          `json:"eventType"`
		OccurredAt    time.Time       `json:"occurredAt"`
		CorrelationID string          `json:"correlationId"`
		Data          json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(received, &env); err != nil {
		t.Fatalf("envelope not decodable: %v", err)
	}
	if env.EventID != "tx-123" || env.EventType != "payment.completed" {
		t.Fatalf("envelope identity = %s/%s", env.EventID, env.EventType)
	}
	if string(env.Data) != `{"transactionId":"tx-123","status":"SETTLED"}` {
		t.Fatalf("payload altered in transit: %s", env.Data)
	}

	// Row is terminal: a re-delivery claims nothing and posts nothing.
	again, err := engine.Deliver(ctx, ev.ID)
	if err != nil {
		t.Fatalf("re-deliver errored: %v", err)
	}
	if again.Attempts != 1 {
		t.Fatalf("re-deliver touched a terminal row: attempts = %d", again.Attempts)
	}

	if _, err := store.GetEvent(ctx, ev.ID); err != nil {
		t.Fatalf("row not readable: %v", err)
	}
}

func TestDeliverRetriesWithExponentialBackoff(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		n := hits
		mu.Unlock()
		if n <= 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	engine, store, _, clock := newTestEngine(t, 5)
	ctx := context.Background()

	ev := enqueueOne(t, engine, srv.URL)

	// With Rand pinned to 0 the schedule is exactly base * 2^(attempts-1).
	expectedDelays := []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}

	for i, want := range expectedDelays {
		before := clock.Now()
		after, err := engine.Deliver(ctx, ev.ID)
		if err != nil {
			t.Fatalf("attempt %d errored: %v", i+1, err)
		}
		if after.Status != models.WebhookRetrying {
			t.Fatalf("attempt %d status = %s", i+1, after.Status)
		}
		if after.Attempts != i+1 {
			t.Fatalf("attempt %d recorded attempts = %d", i+1, after.Attempts)
		}
		if got := after.NextAttemptAt.Sub(before); got != want {
			t.Fatalf("attempt %d backoff = %s, want %s", i+1, got, want)
		}
		clock.Advance(want)
	}

	final, err := engine.Deliver(ctx, ev.ID)
	if err != nil {
		t.Fatalf("final attempt errored: %v", err)
	}
	if final.Status != models.WebhookDelivered {
		t.Fatalf("final status = %s", final.Status)
	}
	if final.Attempts != 4 {
		t.Fatalf("final attempts = %d", final.Attempts)
	}

	stored, _ := store.GetEvent(ctx, ev.ID)
	if stored.Status != models.WebhookDelivered {
		t.Fatalf("stored status = %s", stored.Status)
	}
}

func TestBackoffIsCappedAndJittered(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, 10)

	// Rand = 0: pure exponential.
	if got := engine.backoffDelay(1); got != 30*time.Second {
		t.Fatalf("delay(1) = %s", got)
	}
	if got := engine.backoffDelay(5); got != 480*time.Second {
		t.Fatalf("delay(5) = %s", got)
	}
	// 30s * 2^10 would exceed the 4h cap.
	if got := engine.backoffDelay(11); got != 4*time.Hour {
		t.Fatalf("delay(11) = %s, want cap", got)
	}

	// Rand = 1: the jitter never exceeds 20% of the delay.
	engine.Rand = func() float64 { return 1 }
	base := 30 * time.Second
	if got := engine.backoffDelay(1); got != base+base/5 {
		t.Fatalf("jittered delay(1) = %s, want %s", got, base+base/5)
	}
	if got := engine.backoffDelay(11); got != 4*time.Hour+4*time.Hour/5 {
		t.Fatalf("jittered delay at cap = %s", got)
	}
}

func TestDeliverDeadLettersAtMaxAttempts(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	engine, store, _, clock := newTestEngine(t, 3)
	ctx := context.Background()

	ev := enqueueOne(t, engine, srv.URL)

	for i := 0; i < 2; i++ {
		after, err := engine.Deliver(ctx, ev.ID)
		if err != nil {
			t.Fatalf("attempt %d errored: %v", i+1, err)
		}
		clock.Advance(after.NextAttemptAt.Sub(clock.Now()))
	}

	final, err := engine.Deliver(ctx, ev.ID)
	var exhausted *ExhaustedRetriesError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedRetriesError, got %v", err)
	}
	if exhausted.Attempts != 3 {
		t.Fatalf("exhausted attempts = %d", exhausted.Attempts)
	}
	if final.Status != models.WebhookFailed {
		t.Fatalf("final status = %s", final.Status)
	}
	if final.Attempts != 3 {
		t.Fatalf("final attempts = %d", final.Attempts)
	}
	if final.ErrorMessage == nil {
		t.Fatal("dead-lettered row must record the last error")
	}

	// FAILED is terminal: no further attempts regardless of time.
	clock.Advance(24 * time.Hour)
	mu.Lock()
	before := hits
	mu.Unlock()
	if _, err := engine.Deliver(ctx, ev.ID); err != nil {
		t.Fatalf("deliver against terminal row errored: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if hits != before {
		t.Fatal("terminal row was posted again")
	}

	stored, _ := store.GetEvent(ctx, ev.ID)
	if stored.Status != models.WebhookFailed {
		t.Fatalf("stored status = %s", stored.Status)
	}
}

func TestLeaseBlocksConcurrentClaim(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	engine, store, _, clock := newTestEngine(t, 5)
	ctx := context.Background()

	ev := enqueueOne(t, engine, srv.URL)

	// Simulate another worker holding the lease.
	if _, claimed, err := store.Claim(ctx, ev.ID, clock.Now(), time.Minute); err != nil || !claimed {
		t.Fatalf("manual claim: claimed=%v err=%v", claimed, err)
	}

	if _, err := engine.Deliver(ctx, ev.ID); err != nil {
		t.Fatalf("deliver while leased errored: %v", err)
	}
	mu.Lock()
	if hits != 0 {
		mu.Unlock()
		t.Fatal("leased row must not be delivered by a second worker")
	}
	mu.Unlock()

	// After the lease expires the row is claimable again.
	clock.Advance(2 * time.Minute)
	after, err := engine.Deliver(ctx, ev.ID)
	if err != nil {
		t.Fatalf("deliver after lease expiry errored: %v", err)
	}
	if after.Status != models.WebhookDelivered {
		t.Fatalf("status after expired-lease reclaim = %s", after.Status)
	}
}

func TestDeliverNotDueYet(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	engine, _, _, _ := newTestEngine(t, 5)
	ctx := context.Background()

	ev := enqueueOne(t, engine, srv.URL)

	// First failure pushes next_attempt_at into the future.
	if _, err := engine.Deliver(ctx, ev.ID); err != nil {
		t.Fatalf("first attempt errored: %v", err)
	}

	// The clock has not advanced: an early re-dispatch claims nothing.
	after, err := engine.Deliver(ctx, ev.ID)
	if err != nil {
		t.Fatalf("early deliver errored: %v", err)
	}
	if after.Attempts != 1 {
		t.Fatalf("early deliver performed an attempt: %d", after.Attempts)
	}
	mu.Lock()
	defer mu.Unlock()
	if hits != 1 {
		t.Fatalf("endpoint hit %d times", hits)
	}
}

func TestCancelDeadLettersNonTerminalRow(t *testing.T) {
	engine, store, _, _ := newTestEngine(t, 5)
	ctx := context.Background()

	ev := enqueueOne(t, engine, "http://consumer.example/hook")

	if err := engine.Cancel(ctx, ev.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	cancelled, _ := store.GetEvent(ctx, ev.ID)
	if cancelled.Status != models.WebhookFailed {
		t.Fatalf("status after cancel = %s", cancelled.Status)
	}
	if cancelled.ErrorMessage == nil || *cancelled.ErrorMessage != "cancelled by operator" {
		t.Fatalf("error message = %v", cancelled.ErrorMessage)
	}

	// Cancel is idempotent on terminal rows.
	if err := engine.Cancel(ctx, ev.ID); err != nil {
		t.Fatalf("second cancel errored: %v", err)
	}
}
