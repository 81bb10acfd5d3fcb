package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

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

const transactionColumns = `
	id, external_transaction_id, idempotency_key, transaction_type, status,
	amount, currency, payment_method_token, parent_transaction_id,
	response_code, response_reason, correlation_id, created_at, processed_at
`

// CreateTransaction inserts a new PENDING row. The unique constraint on
// idempotency_key is the arbiter for concurrent same-key creates.
func (s *PgStore) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	insertSQL := `
		INSERT INTO transactions (
			id, idempotency_key, transaction_type, status, amount, currency,
			payment_method_token, parent_transaction_id, correlation_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := s.db.Exec(ctx, insertSQL,
		tx.ID,
		tx.IdempotencyKey,
		string(tx.Type),
		string(tx.Status),
		tx.Amount,
		tx.Currency,
		tx.PaymentMethodToken,
		tx.ParentTransactionID,
		tx.CorrelationID,
		tx.CreatedAt,
	)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("insert transaction: %w", ErrDuplicateIdempotencyKey)
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}

	return nil
}

// GetTransaction fetches one row by id.
func (s *PgStore) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	return s.scanTransaction(s.db.QueryRow(ctx, query, id))
}

// GetTransactionByIdempotencyKey fetches the row owning a key.
func (s *PgStore) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE idempotency_key = $1`
	return s.scanTransaction(s.db.QueryRow(ctx, query, key))
}

// GetTransactionByExternalID fetches the row the processor knows by externalID.
func (s *PgStore) GetTransactionByExternalID(ctx context.Context, externalID string) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE external_transaction_id = $1`
	return s.scanTransaction(s.db.QueryRow(ctx, query, externalID))
}

// TransitionStatus applies a conditional status update. The WHERE clause on
// the expected from-status makes concurrent resolvers race-safe: exactly one
// wins, the rest observe zero rows.
func (s *PgStore) TransitionStatus(ctx context.Context, id uuid.UUID, from, to models.TransactionStatus, upd TransitionUpdate) (bool, error) {
	updateSQL := `
		UPDATE transactions
		SET status = $1,
		    external_transaction_id = COALESCE($2, external_transaction_id),
		    response_code = COALESCE($3, response_code),
		    response_reason = COALESCE($4, response_reason),
		    processed_at = NOW()
		WHERE id = $5 AND status = $6
	`

	result, err := s.db.Exec(ctx, updateSQL,
		string(to), upd.ExternalTransactionID, upd.ResponseCode, upd.ResponseReason, id, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to transition transaction %s: %w", id, err)
	}

	return result.RowsAffected() > 0, nil
}

// RefundedTotal computes the settled-plus-reserved refund total for a parent
// in one aggregate query, never by enumerating children application-side.
// PENDING refunds count: they may still settle at the processor.
func (s *PgStore) RefundedTotal(ctx context.Context, parentID uuid.UUID) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(amount), 0)
		FROM transactions
		WHERE parent_transaction_id = $1
		  AND transaction_type = 'REFUND'
		  AND status IN ('SETTLED', 'PENDING')
	`

	var total decimal.Decimal
	if err := s.db.QueryRow(ctx, query, parentID).Scan(&total); err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum refunds for %s: %w", parentID, err)
	}

	return total, nil
}

func (s *PgStore) scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var tx models.Transaction
	var rawType, rawStatus string

	err := row.Scan(
		&tx.ID,
		&tx.ExternalTransactionID,
		&tx.IdempotencyKey,
		&rawType,
		&rawStatus,
		&tx.Amount,
		&tx.Currency,
		&tx.PaymentMethodToken,
		&tx.ParentTransactionID,
		&tx.ResponseCode,
		&tx.ResponseReason,
		&tx.CorrelationID,
		&tx.CreatedAt,
		&tx.ProcessedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}

	if tx.Type, err = models.ParseTransactionType(rawType); err != nil {
		return nil, err
	}
	if tx.Status, err = models.ParseTransactionStatus(rawStatus); err != nil {
		return nil, err
	}

	return &tx, nil
}
