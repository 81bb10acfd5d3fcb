package webhook

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/payflow-gateway/internal/models"
)

// MemoryStore is an in-memory Store for tests and local development,
// mirroring the pg store's conditional-update semantics.
type MemoryStore struct {
	mu         sync.Mutex
	byID       map[uuid.UUID]*models.WebhookEvent
	byIdentity map[identityKey]uuid.UUID
}

type identityKey struct {
	eventID   string
	eventType string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       make(map[uuid.UUID]*models.WebhookEvent),
		byIdentity: make(map[identityKey]uuid.UUID),
	}
}

// CreateEvent implements Store.
func (m *MemoryStore) CreateEvent(_ context.Context, ev *models.WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := identityKey{ev.EventID, ev.EventType}
	if _, exists := m.byIdentity[key]; exists {
		return ErrDuplicateEvent
	}

	cp := *ev
	m.byID[cp.ID] = &cp
	m.byIdentity[key] = cp.ID
	return nil
}

// GetEvent implements Store.
func (m *MemoryStore) GetEvent(_ context.Context, id uuid.UUID) (*models.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyOf(id)
}

// FindRecentByIdentity implements Store.
func (m *MemoryStore) FindRecentByIdentity(_ context.Context, eventID, eventType string, since time.Time) (*models.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byIdentity[identityKey{eventID, eventType}]
	if !ok {
		return nil, ErrEventNotFound
	}
	ev := m.byID[id]
	if ev.CreatedAt.Before(since) {
		return nil, ErrEventNotFound
	}
	return m.copyOf(id)
}

// Claim implements Store.
func (m *MemoryStore) Claim(_ context.Context, id uuid.UUID, now time.Time, lease time.Duration) (*models.WebhookEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.byID[id]
	if !ok {
		return nil, false, nil
	}
	if !m.claimable(ev, now) {
		return nil, false, nil
	}

	expires := now.Add(lease)
	ev.LeaseExpiresAt = &expires
	cp := *ev
	return &cp, true, nil
}

// MarkDelivered implements Store.
func (m *MemoryStore) MarkDelivered(_ context.Context, id uuid.UUID, at time.Time, attempts, statusCode int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.byID[id]
	if !ok || ev.Status.IsTerminal() {
		return nil
	}
	ev.Status = models.WebhookDelivered
	ev.Attempts = attempts
	ev.DeliveredAt = &at
	ev.ResponseStatusCode = &statusCode
	ev.LeaseExpiresAt = nil
	ev.ErrorMessage = nil
	return nil
}

// RecordFailure implements Store.
func (m *MemoryStore) RecordFailure(_ context.Context, id uuid.UUID, attempts int, status models.WebhookStatus, nextAttemptAt time.Time, statusCode *int, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.byID[id]
	if !ok || ev.Status.IsTerminal() {
		return nil
	}
	ev.Status = status
	ev.Attempts = attempts
	ev.NextAttemptAt = nextAttemptAt
	ev.ResponseStatusCode = statusCode
	ev.ErrorMessage = &errMsg
	ev.LeaseExpiresAt = nil
	return nil
}

// Due implements Store.
func (m *MemoryStore) Due(_ context.Context, now time.Time, limit int) ([]*models.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var events []*models.WebhookEvent
	for _, ev := range m.byID {
		if len(events) >= limit {
			break
		}
		if m.claimable(ev, now) {
			cp := *ev
			events = append(events, &cp)
		}
	}
	return events, nil
}

// PurgeTerminal implements Store.
func (m *MemoryStore) PurgeTerminal(_ context.Context, deliveredBefore, failedBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int64
	for id, ev := range m.byID {
		remove := (ev.Status == models.WebhookDelivered && ev.DeliveredAt != nil && ev.DeliveredAt.Before(deliveredBefore)) ||
			(ev.Status == models.WebhookFailed && ev.CreatedAt.Before(failedBefore))
		if remove {
			delete(m.byID, id)
			delete(m.byIdentity, identityKey{ev.EventID, ev.EventType})
			purged++
		}
	}
	return purged, nil
}

// claimable mirrors the pg store's selection predicate; caller holds lock.
func (m *MemoryStore) claimable(ev *models.WebhookEvent, now time.Time) bool {
	if ev.Status != models.WebhookPending && ev.Status != models.WebhookRetrying {
		return false
	}
	if ev.Attempts >= ev.MaxAttempts {
		return false
	}
	if ev.NextAttemptAt.After(now) {
		return false
	}
	if ev.LeaseExpiresAt != nil && !ev.LeaseExpiresAt.Before(now) {
		return false
	}
	return true
}

func (m *MemoryStore) copyOf(id uuid.UUID) (*models.WebhookEvent, error) {
	ev, ok := m.byID[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *ev
	return &cp, nil
}
