package payment

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/payflow-gateway/internal/models"
)

// MemoryStore is an in-memory Store for tests and local development. It
// mirrors the pg store's semantics: unique idempotency keys and conditional
// status transitions.
type MemoryStore struct {
	mu    sync.Mutex
	byID  map[uuid.UUID]*models.Transaction
	byKey map[string]uuid.UUID
	byExt map[string]uuid.UUID
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[uuid.UUID]*models.Transaction),
		byKey: make(map[string]uuid.UUID),
		byExt: make(map[string]uuid.UUID),
	}
}

// CreateTransaction implements Store.
func (m *MemoryStore) CreateTransaction(_ context.Context, tx *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byKey[tx.IdempotencyKey]; exists {
		return ErrDuplicateIdempotencyKey
	}

	cp := *tx
	m.byID[cp.ID] = &cp
	m.byKey[cp.IdempotencyKey] = cp.ID
	return nil
}

// GetTransaction implements Store.
func (m *MemoryStore) GetTransaction(_ context.Context, id uuid.UUID) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyOf(id)
}

// GetTransactionByIdempotencyKey implements Store.
func (m *MemoryStore) GetTransactionByIdempotencyKey(_ context.Context, key string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	return m.copyOf(id)
}

// GetTransactionByExternalID implements Store.
func (m *MemoryStore) GetTransactionByExternalID(_ context.Context, externalID string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byExt[externalID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.copyOf(id)
}

// TransitionStatus implements Store.
func (m *MemoryStore) TransitionStatus(_ context.Context, id uuid.UUID, from, to models.TransactionStatus, upd TransitionUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.byID[id]
	if !ok || tx.Status != from {
		return false, nil
	}

	tx.Status = to
	if upd.ExternalTransactionID != nil {
		tx.ExternalTransactionID = upd.ExternalTransactionID
		m.byExt[*upd.ExternalTransactionID] = id
	}
	if upd.ResponseCode != nil {
		tx.ResponseCode = upd.ResponseCode
	}
	if upd.ResponseReason != nil {
		tx.ResponseReason = upd.ResponseReason
	}
	now := time.Now().UTC()
	tx.ProcessedAt = &now
	return true, nil
}

// RefundedTotal implements Store.
func (m *MemoryStore) RefundedTotal(_ context.Context, parentID uuid.UUID) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := decimal.Zero
	for _, tx := range m.byID {
		if tx.ParentTransactionID != nil && *tx.ParentTransactionID == parentID &&
			tx.Type == models.TypeRefund &&
			(tx.Status == models.StatusSettled || tx.Status == models.StatusPending) {
			total = total.Add(tx.Amount)
		}
	}
	return total, nil
}

// copyOf returns a defensive copy; caller holds the lock.
func (m *MemoryStore) copyOf(id uuid.UUID) (*models.Transaction, error) {
	tx, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tx
	return &cp, nil
}
