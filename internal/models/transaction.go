package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transaction represents one money-moving operation against the processor.
// Capture, void and refund are stored as child rows referencing their parent
// through ParentTransactionID; the link is an identifier, never a pointer.
type Transaction struct {
	ID                    uuid.UUID         `db:"id"`
	ExternalTransactionID *string           `db:"external_transaction_id"`
	IdempotencyKey        string            `db:"idempotency_key"`
	Type                  TransactionType   `db:"transaction_type"`
	Status                TransactionStatus `db:"status"`
	Amount                decimal.Decimal   `db:"amount"`
	Currency              string            `db:"currency"`
	PaymentMethodToken    string            `db:"payment_method_token"`
	ParentTransactionID   *uuid.UUID        `db:"parent_transaction_id"`
	ResponseCode          *string           `db:"response_code"`
	ResponseReason        *string           `db:"response_reason"`
	CorrelationID         string            `db:"correlation_id"`
	CreatedAt             time.Time         `db:"created_at"`
	ProcessedAt           *time.Time        `db:"processed_at"`
}

// TransactionType classifies the operation submitted to the processor.
type TransactionType string

const (
	TypePurchase  TransactionType = "PURCHASE"
	TypeAuthorize TransactionType = "AUTHORIZE"
	TypeCapture   TransactionType = "CAPTURE"
	TypeVoid      TransactionType = "VOID"
	TypeRefund    TransactionType = "REFUND"
)

// TransactionStatus represents valid transaction states
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "PENDING"
	StatusAuthorized TransactionStatus = "AUTHORIZED"
	StatusCaptured   TransactionStatus = "CAPTURED"
	StatusSettled    TransactionStatus = "SETTLED"
	StatusVoided     TransactionStatus = "VOIDED"
	StatusFailed     TransactionStatus = "FAILED"
	StatusCancelled  TransactionStatus = "CANCELLED"
)

// IsTerminal reports whether no further parent-status transitions are allowed.
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case StatusSettled, StatusVoided, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsValidTransition checks if a status transition is allowed
func IsValidTransition(from, to TransactionStatus) bool {
	validTransitions := map[TransactionStatus][]TransactionStatus{
		StatusPending:    {StatusAuthorized, StatusCaptured, StatusSettled, StatusFailed, StatusVoided, StatusCancelled},
		StatusAuthorized: {StatusCaptured, StatusVoided},
		StatusCaptured:   {StatusSettled},
		// No transitions allowed from terminal states
		StatusSettled:   {},
		StatusVoided:    {},
		StatusFailed:    {},
		StatusCancelled: {},
	}

	allowed, exists := validTransitions[from]
	if !exists {
		return false
	}

	for _, validTo := range allowed {
		if validTo == to {
			return true
		}
	}

	return false
}

// ParseTransactionStatus decodes a persisted status value. Unrecognized
// values are an error, never coerced to a fallback; a bad value in storage
// means corruption and must surface.
func ParseTransactionStatus(s string) (TransactionStatus, error) {
	switch TransactionStatus(s) {
	case StatusPending, StatusAuthorized, StatusCaptured, StatusSettled,
		StatusVoided, StatusFailed, StatusCancelled:
		return TransactionStatus(s), nil
	}
	return "", fmt.Errorf("unrecognized transaction status %q", s)
}

// ParseTransactionType decodes a persisted transaction type value.
func ParseTransactionType(s string) (TransactionType, error) {
	switch TransactionType(s) {
	case TypePurchase, TypeAuthorize, TypeCapture, TypeVoid, TypeRefund:
		return TransactionType(s), nil
	}
	return "", fmt.Errorf("unrecognized transaction type %q", s)
}
