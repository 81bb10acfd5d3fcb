package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/payflow-gateway/internal/models"
)

// Gateway is the synchronous contract to the external card processor.
// A decline is a normal response with Approved=false; only transport
// failures are returned as errors.
type Gateway interface {
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error)
}

// SubmitRequest carries one operation to the processor.
type SubmitRequest struct {
	TransactionType    models.TransactionType
	Amount             decimal.Decimal
	Currency           string
	PaymentMethodToken string
	// ParentExternalID references the processor-side transaction for
	// capture, void and refund operations. Empty for purchase/authorize.
	ParentExternalID string
	Reference        string
}

// SubmitResponse is the processor's verdict on a submitted operation.
type SubmitResponse struct {
	Approved              bool
	ExternalTransactionID string
	ResponseCode          string
	ResponseReasonText    string
	AVSResult             string
	CVVResult             string
}

// NetworkError indicates the processor was unreachable or timed out. The
// operation outcome is unknown; the caller must not assume the charge did
// not happen and must retry with the same idempotency key.
type NetworkError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *NetworkError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("processor %s timed out: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("processor %s network failure: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsNetworkError reports whether err is a processor transport failure.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
