package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/payflow-gateway/internal/models"
	"github.com/payflow-gateway/internal/payment"
	"github.com/payflow-gateway/internal/processor"
	"github.com/payflow-gateway/internal/webhook"
	"github.com/payflow-gateway/internal/worker"
)

// Handler holds dependencies for HTTP handlers
type Handler struct {
	db             *pgxpool.Pool
	tlm            *payment.Service
	queueClient    *asynq.Client
	validator      *validator.Validate
	callbackSecret []byte
}

// NewHandler creates a new handler instance
func NewHandler(db *pgxpool.Pool, tlm *payment.Service, queueClient *asynq.Client, callbackSecret []byte) *Handler {
	return &Handler{
		db:             db,
		tlm:            tlm,
		queueClient:    queueClient,
		validator:      validator.New(),
		callbackSecret: callbackSecret,
	}
}

// PaymentOpRequest is the /purchase and /authorize request body.
type PaymentOpRequest struct {
	Amount             string `json:"amount" validate:"required"`
	Currency           string `json:"currency" validate:"required,len=3,alpha"`
	PaymentMethodToken string `json:"payment_method_token" validate:"required"`
	IdempotencyKey     string `json:"idempotency_key" validate:"required"`
	CorrelationID      string `json:"correlation_id" validate:"omitempty"`
}

// ChildOpRequest is the capture/void/refund request body. Amount is
// optional for void, which always reverses the full parent amount.
type ChildOpRequest struct {
	Amount         string `json:"amount" validate:"omitempty"`
	IdempotencyKey string `json:"idempotency_key" validate:"required"`
	CorrelationID  string `json:"correlation_id" validate:"omitempty"`
}

// transactionResponse is the wire view of a transaction.
type transactionResponse struct {
	TransactionID         string     `json:"transaction_id"`
	ExternalTransactionID *string    `json:"external_transaction_id,omitempty"`
	TransactionType       string     `json:"transaction_type"`
	Status                string     `json:"status"`
	Amount                string     `json:"amount"`
	Currency              string     `json:"currency"`
	ParentTransactionID   *string    `json:"parent_transaction_id,omitempty"`
	ResponseCode          *string    `json:"response_code,omitempty"`
	ResponseReason        *string    `json:"response_reason,omitempty"`
	CorrelationID         string     `json:"correlation_id"`
	CreatedAt             time.Time  `json:"created_at"`
	ProcessedAt           *time.Time `json:"processed_at,omitempty"`
}

func toResponse(tx *models.Transaction) transactionResponse {
	resp := transactionResponse{
		TransactionID:         tx.ID.String(),
		ExternalTransactionID: tx.ExternalTransactionID,
		TransactionType:       string(tx.Type),
		Status:                string(tx.Status),
		Amount:                tx.Amount.StringFixed(2),
		Currency:              tx.Currency,
		ResponseCode:          tx.ResponseCode,
		ResponseReason:        tx.ResponseReason,
		CorrelationID:         tx.CorrelationID,
		CreatedAt:             tx.CreatedAt,
		ProcessedAt:           tx.ProcessedAt,
	}
	if tx.ParentTransactionID != nil {
		pid := tx.ParentTransactionID.String()
		resp.ParentTransactionID = &pid
	}
	return resp
}

// Purchase handles POST /purchase
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	h.handlePaymentOp(w, r, h.tlm.Purchase)
}

// Authorize handles POST /authorize
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	h.handlePaymentOp(w, r, h.tlm.Authorize)
}

func (h *Handler) handlePaymentOp(w http.ResponseWriter, r *http.Request, op func(context.Context, payment.PaymentRequest) (*models.Transaction, error)) {
	var req PaymentOpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}

	if err := h.validator.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid amount format")
		return
	}

	tx, err := op(r.Context(), payment.PaymentRequest{
		Amount:             amount,
		Currency:           req.Currency,
		PaymentMethodToken: req.PaymentMethodToken,
		IdempotencyKey:     req.IdempotencyKey,
		CorrelationID:      req.CorrelationID,
	})
	h.respondTransaction(w, tx, err, http.StatusCreated)
}

// Capture handles POST /transactions/{id}/capture
func (h *Handler) Capture(w http.ResponseWriter, r *http.Request) {
	h.handleChildOp(w, r, h.tlm.Capture)
}

// Void handles POST /transactions/{id}/void
func (h *Handler) Void(w http.ResponseWriter, r *http.Request) {
	h.handleChildOp(w, r, h.tlm.Void)
}

// Refund handles POST /transactions/{id}/refund
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	h.handleChildOp(w, r, h.tlm.Refund)
}

func (h *Handler) handleChildOp(w http.ResponseWriter, r *http.Request, op func(context.Context, payment.ChildRequest) (*models.Transaction, error)) {
	parentID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid transaction id")
		return
	}

	var req ChildOpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}

	if err := h.validator.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	amount := decimal.Zero
	if req.Amount != "" {
		if amount, err = decimal.NewFromString(req.Amount); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid amount format")
			return
		}
	}

	tx, err := op(r.Context(), payment.ChildRequest{
		ParentID:       parentID,
		Amount:         amount,
		IdempotencyKey: req.IdempotencyKey,
		CorrelationID:  req.CorrelationID,
	})
	h.respondTransaction(w, tx, err, http.StatusCreated)
}

// GetTransaction handles GET /transactions/{id}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid transaction id")
		return
	}

	tx, err := h.tlm.GetStatus(r.Context(), id)
	if errors.Is(err, payment.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Transaction not found")
		return
	}
	if err != nil {
		log.Printf("Status lookup failed for %s: %v", id, err)
		respondError(w, http.StatusInternalServerError, "Failed to load transaction")
		return
	}

	respondJSON(w, http.StatusOK, toResponse(tx))
}

// ProcessorCallback handles POST /callback (non-blocking). The signature is
// verified synchronously; the state transition happens in the background.
func (h *Handler) ProcessorCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("Failed to read callback body: %v", err)
		respondError(w, http.StatusBadRequest, "Failed to read request")
		return
	}

	if err := webhook.Verify(h.callbackSecret, body, r.Header.Get("X-Signature")); err != nil {
		log.Printf("Rejected callback with invalid signature from %s", r.RemoteAddr)
		respondError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	// Minimal validation: ensure it's valid JSON before queueing
	var rawPayload map[string]interface{}
	if err := json.Unmarshal(body, &rawPayload); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	task, err := worker.NewProcessCallbackTask(body)
	if err != nil {
		log.Printf("Failed to create callback task: %v", err)
		respondError(w, http.StatusInternalServerError, "Failed to queue callback")
		return
	}

	info, err := h.queueClient.Enqueue(task, asynq.Queue("default"), asynq.MaxRetry(3))
	if err != nil {
		log.Printf("Failed to enqueue callback task: %v", err)
		respondError(w, http.StatusInternalServerError, "Failed to queue callback")
		return
	}

	log.Printf("Callback queued: task_id=%s", info.ID)
	respondJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	health := map[string]string{
		"status": "ok",
	}

	if err := h.db.Ping(ctx); err != nil {
		health["database"] = "down"
		health["status"] = "degraded"
	} else {
		health["database"] = "up"
	}

	status := http.StatusOK
	if health["status"] != "ok" {
		status = http.StatusServiceUnavailable
	}

	respondJSON(w, status, health)
}

// respondTransaction maps a service outcome to a response, including the
// partial results that accompany declines and the NetworkError window.
func (h *Handler) respondTransaction(w http.ResponseWriter, tx *models.Transaction, err error, okStatus int) {
	if err == nil {
		respondJSON(w, okStatus, toResponse(tx))
		return
	}

	var valErr *payment.ValidationError
	if errors.As(err, &valErr) {
		respondError(w, http.StatusBadRequest, valErr.Error())
		return
	}

	var conflictErr *payment.ConflictError
	if errors.As(err, &conflictErr) {
		respondError(w, http.StatusConflict, conflictErr.Error())
		return
	}

	var stateErr *payment.InvalidStateTransitionError
	if errors.As(err, &stateErr) {
		respondError(w, http.StatusUnprocessableEntity, stateErr.Error())
		return
	}

	var procErr *payment.ProcessorError
	if errors.As(err, &procErr) {
		// A decline is a definitive result; return the FAILED transaction.
		respondJSON(w, http.StatusPaymentRequired, toResponse(procErr.Transaction))
		return
	}

	if processor.IsNetworkError(err) {
		// Outcome unknown; the row is PENDING and the documented contract
		// is retry with the same idempotency key.
		payload := map[string]interface{}{
			"error": "processor unreachable, retry with the same idempotency_key",
		}
		if tx != nil {
			payload["transaction_id"] = tx.ID.String()
			payload["status"] = string(tx.Status)
		}
		respondJSON(w, http.StatusBadGateway, payload)
		return
	}

	log.Printf("Transaction operation failed: %v", err)
	respondError(w, http.StatusInternalServerError, "Transaction failed")
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
