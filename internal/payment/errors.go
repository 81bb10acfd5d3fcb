package payment

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/payflow-gateway/internal/models"
)

// Storage sentinels returned by Store implementations.
var (
	ErrNotFound                = errors.New("transaction not found")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// ValidationError rejects malformed input before any processor call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// ConflictError is returned when an idempotency key is reused with a
// different amount or currency, or when a concurrent create never resolves
// within the wait window.
type ConflictError struct {
	IdempotencyKey string
	Reason         string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("idempotency conflict on key %s: %s", e.IdempotencyKey, e.Reason)
}

// InvalidStateTransitionError rejects a capture, void or refund whose parent
// is in an incompatible state or whose amount exceeds the available balance.
// No processor call is made.
type InvalidStateTransitionError struct {
	TransactionID string
	From          models.TransactionStatus
	Operation     models.TransactionType
	Reason        string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid %s against transaction %s in state %s: %s",
		e.Operation, e.TransactionID, e.From, e.Reason)
}

// ProcessorError is a normal decline from the processor, not a system
// fault. It carries the persisted FAILED transaction so callers still get a
// definitive result.
type ProcessorError struct {
	Transaction  *models.Transaction
	ResponseCode string
	Reason       string
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("processor declined (code %s): %s", e.ResponseCode, e.Reason)
}

// refundBalanceError builds the InvalidStateTransition for a refund that
// exceeds the remaining refundable balance.
func refundBalanceError(parentID string, from models.TransactionStatus, requested, remaining decimal.Decimal) *InvalidStateTransitionError {
	return &InvalidStateTransitionError{
		TransactionID: parentID,
		From:          from,
		Operation:     models.TypeRefund,
		Reason:        fmt.Sprintf("refund of %s exceeds remaining refundable balance %s", requested, remaining),
	}
}
