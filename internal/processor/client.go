package processor

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Client is the HTTP implementation of Gateway.
type Client struct {
	submitURL string
	apiKey    string
	client    *http.Client
}

// NewClient creates a processor client with SSL verification enforced
func NewClient(submitURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		submitURL: submitURL,
		apiKey:    apiKey,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
			},
		},
	}
}

// submitWire is the processor's request schema.
type submitWire struct {
	TransactionType    string `json:"transaction_type"`
	Amount             string `json:"amount"`
	Currency           string `json:"currency"`
	PaymentMethodToken string `json:"payment_method_token"`
	ParentExternalID   string `json:"parent_external_id,omitempty"`
	Reference          string `json:"reference"`
}

// responseWire is the processor's response schema.
type responseWire struct {
	Approved              bool   `json:"approved"`
	ExternalTransactionID string `json:"external_transaction_id"`
	ResponseCode          string `json:"response_code"`
	ResponseReasonText    string `json:"response_reason_text"`
	AVSResult             string `json:"avs_result"`
	CVVResult             string `json:"cvv_result"`
}

// Submit posts one operation to the processor. Transport failures come back
// as *NetworkError so callers can tell "unknown outcome" from a decline.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	wire := submitWire{
		TransactionType:    string(req.TransactionType),
		Amount:             req.Amount.StringFixed(2),
		Currency:           req.Currency,
		PaymentMethodToken: req.PaymentMethodToken,
		ParentExternalID:   req.ParentExternalID,
		Reference:          req.Reference,
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal submit request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.submitURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &NetworkError{Op: "submit", Timeout: isTimeout(err), Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: "submit", Timeout: isTimeout(err), Err: err}
	}

	if resp.StatusCode >= 500 {
		// Processor-side fault, outcome unknown. Treated like a transport
		// failure so the idempotency key stays resumable.
		return nil, &NetworkError{
			Op:  "submit",
			Err: fmt.Errorf("processor returned status %d: %s", resp.StatusCode, string(respBody)),
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("submit rejected with status %d: %s", resp.StatusCode, string(respBody))
	}

	var wireResp responseWire
	if err := json.Unmarshal(respBody, &wireResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal processor response: %w", err)
	}

	return &SubmitResponse{
		Approved:              wireResp.Approved,
		ExternalTransactionID: wireResp.ExternalTransactionID,
		ResponseCode:          wireResp.ResponseCode,
		ResponseReasonText:    wireResp.ResponseReasonText,
		AVSResult:             wireResp.AVSResult,
		CVVResult:             wireResp.CVVResult,
	}, nil
}

// isTimeout reports whether err was a deadline rather than a refused or
// reset connection.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
