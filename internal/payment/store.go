package payment

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/payflow-gateway/internal/models"
)

// TransitionUpdate carries the processor outcome applied together with a
// status change.
type TransitionUpdate struct {
	ExternalTransactionID *string
	ResponseCode          *string
	ResponseReason        *string
}

// Store is the durable home of transactions. The pgx implementation backs
// production; MemoryStore backs tests and local development.
//
// CreateTransaction must enforce idempotency-key uniqueness natively and
// return ErrDuplicateIdempotencyKey on a losing insert, so callers can
// re-read the winner's row instead of racing a check-then-insert.
type Store interface {
	CreateTransaction(ctx context.Context, tx *models.Transaction) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	GetTransactionByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error)
	GetTransactionByExternalID(ctx context.Context, externalID string) (*models.Transaction, error)

	// TransitionStatus atomically moves a transaction from one status to
	// another, recording the processor outcome. It reports false when the
	// row was not in the expected from-status, which means another worker
	// already resolved it.
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to models.TransactionStatus, upd TransitionUpdate) (bool, error)

	// RefundedTotal returns the sum of amounts across SETTLED and PENDING
	// refund children of the given parent as one aggregate query. A PENDING
	// refund reserves balance: its outcome is unknown, so concurrent refunds
	// must not be able to oversubscribe the parent.
	RefundedTotal(ctx context.Context, parentID uuid.UUID) (decimal.Decimal, error)
}
