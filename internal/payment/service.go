package payment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/payflow-gateway/internal/models"
	"github.com/payflow-gateway/internal/processor"
)

// EventSink receives every committed transaction state change. The event
// source behind it decides which changes become outbound webhooks.
type EventSink interface {
	TransactionChanged(ctx context.Context, tx *models.Transaction)
}

// Config holds the idempotency timing knobs.
type Config struct {
	// IdempotencyWait bounds how long a losing concurrent caller polls for
	// the winner's result before surfacing ConflictError.
	IdempotencyWait time.Duration
	// IdempotencyPollInterval is the losing caller's re-read cadence.
	IdempotencyPollInterval time.Duration
	// PendingTakeoverAge is how old a PENDING row must be before a replayed
	// idempotency key re-drives the processor call instead of waiting. This
	// is the recovery path after a NetworkError left the row PENDING.
	PendingTakeoverAge time.Duration
}

// Service owns the transaction state machine and idempotency enforcement.
type Service struct {
	store   Store
	gateway processor.Gateway
	sink    EventSink
	cfg     Config

	// group coalesces concurrent in-process submissions of one idempotency
	// key into a single processor call. Cross-process races fall back to the
	// storage unique constraint plus read-after-failed-insert.
	group singleflight.Group

	// Now is injectable for tests.
	Now func() time.Time
}

// NewService creates the transaction lifecycle manager.
func NewService(store Store, gateway processor.Gateway, sink EventSink, cfg Config) *Service {
	if cfg.IdempotencyWait <= 0 {
		cfg.IdempotencyWait = 10 * time.Second
	}
	if cfg.IdempotencyPollInterval <= 0 {
		cfg.IdempotencyPollInterval = 100 * time.Millisecond
	}
	if cfg.PendingTakeoverAge <= 0 {
		cfg.PendingTakeoverAge = 2 * time.Minute
	}
	return &Service{
		store:   store,
		gateway: gateway,
		sink:    sink,
		cfg:     cfg,
	}
}

// PaymentRequest is a purchase or authorize submission.
type PaymentRequest struct {
	Amount             decimal.Decimal
	Currency           string
	PaymentMethodToken string
	IdempotencyKey     string
	CorrelationID      string
}

// ChildRequest is a capture, void or refund against an existing transaction.
type ChildRequest struct {
	ParentID       uuid.UUID
	Amount         decimal.Decimal
	IdempotencyKey string
	CorrelationID  string
}

// Purchase submits a combined authorize-and-capture. An approved purchase
// lands directly in SETTLED.
func (s *Service) Purchase(ctx context.Context, req PaymentRequest) (*models.Transaction, error) {
	return s.submitPayment(ctx, models.TypePurchase, req)
}

// Authorize places a hold; the money moves later via Capture.
func (s *Service) Authorize(ctx context.Context, req PaymentRequest) (*models.Transaction, error) {
	return s.submitPayment(ctx, models.TypeAuthorize, req)
}

// Capture settles a prior authorization, fully or partially.
func (s *Service) Capture(ctx context.Context, req ChildRequest) (*models.Transaction, error) {
	return s.submitChild(ctx, models.TypeCapture, req)
}

// Void reverses an authorization (or an uncaptured purchase) before it
// settles. Amount, when non-zero, must match the parent amount.
func (s *Service) Void(ctx context.Context, req ChildRequest) (*models.Transaction, error) {
	return s.submitChild(ctx, models.TypeVoid, req)
}

// Refund returns settled money as a new child transaction; the parent row
// is never mutated.
func (s *Service) Refund(ctx context.Context, req ChildRequest) (*models.Transaction, error) {
	return s.submitChild(ctx, models.TypeRefund, req)
}

// GetStatus is a pure read; it never calls the processor.
func (s *Service) GetStatus(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// Settle applies a processor settlement notification. Inbound callbacks
// land here; they never write status directly.
func (s *Service) Settle(ctx context.Context, externalID string) (*models.Transaction, error) {
	tx, err := s.store.GetTransactionByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}

	if tx.Status == models.StatusSettled {
		return tx, nil
	}
	if !models.IsValidTransition(tx.Status, models.StatusSettled) {
		return nil, &InvalidStateTransitionError{
			TransactionID: tx.ID.String(),
			From:          tx.Status,
			Operation:     tx.Type,
			Reason:        "settlement against a non-settleable state",
		}
	}

	moved, err := s.store.TransitionStatus(ctx, tx.ID, tx.Status, models.StatusSettled, TransitionUpdate{})
	if err != nil {
		return nil, err
	}

	updated, err := s.store.GetTransaction(ctx, tx.ID)
	if err != nil {
		return nil, err
	}
	if moved {
		log.Printf("Transaction %s settled via processor callback", tx.ID)
		s.emit(ctx, updated)
	}
	return updated, nil
}

// submitPayment runs the idempotent create-and-submit flow for purchase and
// authorize.
func (s *Service) submitPayment(ctx context.Context, txType models.TransactionType, req PaymentRequest) (*models.Transaction, error) {
	if err := validatePayment(req); err != nil {
		return nil, err
	}

	v, err, _ := s.group.Do(req.IdempotencyKey, func() (interface{}, error) {
		return s.resolvePayment(ctx, txType, req)
	})

	tx, _ := v.(*models.Transaction)
	if err != nil {
		return tx, err
	}
	return tx, nil
}

// resolvePayment is the single-flight body: exactly one concurrent caller
// per key executes it at a time within this process.
func (s *Service) resolvePayment(ctx context.Context, txType models.TransactionType, req PaymentRequest) (*models.Transaction, error) {
	existing, err := s.store.GetTransactionByIdempotencyKey(ctx, req.IdempotencyKey)
	if err == nil {
		return s.replay(ctx, existing, txType, req.Amount, req.Currency)
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	tx := &models.Transaction{
		ID:                 uuid.New(),
		IdempotencyKey:     req.IdempotencyKey,
		Type:               txType,
		Status:             models.StatusPending,
		Amount:             req.Amount,
		Currency:           req.Currency,
		PaymentMethodToken: req.PaymentMethodToken,
		CorrelationID:      correlationOrNew(req.CorrelationID),
		CreatedAt:          s.now(),
	}

	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			// Lost the insert race to another process: read the winner's
			// row and fold into the replay path.
			winner, gerr := s.store.GetTransactionByIdempotencyKey(ctx, req.IdempotencyKey)
			if gerr != nil {
				return nil, &ConflictError{IdempotencyKey: req.IdempotencyKey, Reason: "concurrent create did not resolve"}
			}
			return s.replay(ctx, winner, txType, req.Amount, req.Currency)
		}
		return nil, err
	}

	return s.drive(ctx, tx, "")
}

// checkReplayIdentity rejects an idempotency key reused with a different
// operation, amount or currency.
func checkReplayIdentity(existing *models.Transaction, txType models.TransactionType, amount decimal.Decimal, currency string) error {
	if existing.Type != txType {
		return &ConflictError{
			IdempotencyKey: existing.IdempotencyKey,
			Reason:         fmt.Sprintf("key already bound to a %s operation", existing.Type),
		}
	}
	if !existing.Amount.Equal(amount) || (currency != "" && existing.Currency != currency) {
		return &ConflictError{
			IdempotencyKey: existing.IdempotencyKey,
			Reason:         "key reused with a different amount or currency",
		}
	}
	return nil
}

// replay enforces the idempotent-replay contract for purchase and authorize
// rows: identical resubmissions return the persisted result, divergent ones
// are conflicts, and PENDING rows are either taken over (stale) or awaited.
func (s *Service) replay(ctx context.Context, existing *models.Transaction, txType models.TransactionType, amount decimal.Decimal, currency string) (*models.Transaction, error) {
	if err := checkReplayIdentity(existing, txType, amount, currency); err != nil {
		return nil, err
	}

	if existing.Status != models.StatusPending {
		return existing, nil
	}

	if s.now().Sub(existing.CreatedAt) >= s.cfg.PendingTakeoverAge {
		// The earlier attempt died in the NetworkError window. This retry
		// owns the row now; the conditional transition keeps a revived
		// original from double-applying.
		log.Printf("Taking over stale PENDING transaction %s (key %s)", existing.ID, existing.IdempotencyKey)
		return s.drive(ctx, existing, "")
	}

	return s.awaitResolution(ctx, existing.IdempotencyKey)
}

// replayChild is the replay contract for capture, void and refund rows. A
// stale PENDING child is taken over like a payment row, except that the
// parent-state and balance preconditions must hold against current state
// (sibling operations may have raced the dead attempt) and a successful
// drive still owes the parent its transition.
func (s *Service) replayChild(ctx context.Context, existing *models.Transaction, txType models.TransactionType, amount decimal.Decimal, parent *models.Transaction) (*models.Transaction, error) {
	if err := checkReplayIdentity(existing, txType, amount, parent.Currency); err != nil {
		return nil, err
	}

	if existing.Status != models.StatusPending {
		return existing, nil
	}

	if s.now().Sub(existing.CreatedAt) < s.cfg.PendingTakeoverAge {
		return s.awaitResolution(ctx, existing.IdempotencyKey)
	}

	log.Printf("Taking over stale PENDING transaction %s (key %s)", existing.ID, existing.IdempotencyKey)

	// The row being taken over reserves balance itself; exclude it so the
	// retry is not rejected by its own reservation.
	if err := s.checkChildPreconditions(ctx, txType, parent, amount, existing); err != nil {
		return nil, err
	}

	if txType == models.TypeVoid && parent.Type == models.TypePurchase && parent.Status == models.StatusPending {
		return s.voidPendingPurchase(ctx, parent, existing)
	}
	if parent.ExternalTransactionID == nil {
		return nil, &InvalidStateTransitionError{
			TransactionID: parent.ID.String(),
			From:          parent.Status,
			Operation:     txType,
			Reason:        "parent has no processor reference",
		}
	}

	resolved, err := s.drive(ctx, existing, *parent.ExternalTransactionID)
	if err != nil {
		return resolved, err
	}

	s.applyParentTransition(ctx, txType, parent)
	return resolved, nil
}

// awaitResolution polls a live winner's row until it leaves PENDING or the
// bounded wait expires.
func (s *Service) awaitResolution(ctx context.Context, key string) (*models.Transaction, error) {
	deadline := s.now().Add(s.cfg.IdempotencyWait)
	ticker := time.NewTicker(s.cfg.IdempotencyPollInterval)
	defer ticker.Stop()

	for {
		tx, err := s.store.GetTransactionByIdempotencyKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if tx.Status != models.StatusPending {
			return tx, nil
		}
		if s.now().After(deadline) {
			return nil, &ConflictError{IdempotencyKey: key, Reason: "concurrent request with this key has not resolved"}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// drive performs the one processor call for a PENDING row and persists the
// outcome. A transport failure leaves the row PENDING and resumable.
func (s *Service) drive(ctx context.Context, tx *models.Transaction, parentExternalID string) (*models.Transaction, error) {
	resp, err := s.gateway.Submit(ctx, processor.SubmitRequest{
		TransactionType:    tx.Type,
		Amount:             tx.Amount,
		Currency:           tx.Currency,
		PaymentMethodToken: tx.PaymentMethodToken,
		ParentExternalID:   parentExternalID,
		Reference:          tx.ID.String(),
	})
	if err != nil {
		if processor.IsNetworkError(err) {
			log.Printf("Processor unreachable for transaction %s, row stays PENDING: %v", tx.ID, err)
			return tx, fmt.Errorf("transaction %s outcome unknown, retry with the same idempotency key: %w", tx.ID, err)
		}
		return nil, fmt.Errorf("processor submit for %s: %w", tx.ID, err)
	}

	target := models.StatusFailed
	if resp.Approved {
		target = approvedStatus(tx.Type)
	}

	upd := TransitionUpdate{
		ResponseCode:   &resp.ResponseCode,
		ResponseReason: &resp.ResponseReasonText,
	}
	if resp.ExternalTransactionID != "" {
		upd.ExternalTransactionID = &resp.ExternalTransactionID
	}

	moved, err := s.store.TransitionStatus(ctx, tx.ID, models.StatusPending, target, upd)
	if err != nil {
		return nil, err
	}

	updated, err := s.store.GetTransaction(ctx, tx.ID)
	if err != nil {
		return nil, err
	}
	if !moved {
		// Another retrier resolved the row between our call and our write.
		// Its persisted outcome wins.
		log.Printf("Transaction %s already resolved to %s by a concurrent retry", tx.ID, updated.Status)
		return updated, nil
	}

	log.Printf("Transaction %s (%s) resolved to %s", updated.ID, updated.Type, updated.Status)
	s.emit(ctx, updated)

	if !resp.Approved {
		return updated, &ProcessorError{
			Transaction:  updated,
			ResponseCode: resp.ResponseCode,
			Reason:       resp.ResponseReasonText,
		}
	}
	return updated, nil
}

// approvedStatus maps an approved processor response to the operation's
// terminal status.
func approvedStatus(t models.TransactionType) models.TransactionStatus {
	switch t {
	case models.TypeAuthorize:
		return models.StatusAuthorized
	default:
		// Purchase settles synchronously; capture, void and refund children
		// record their completed operation as SETTLED.
		return models.StatusSettled
	}
}

// submitChild validates the parent and balance, then runs the same
// idempotent submit flow for capture, void and refund.
func (s *Service) submitChild(ctx context.Context, txType models.TransactionType, req ChildRequest) (*models.Transaction, error) {
	if err := validateChild(txType, req); err != nil {
		return nil, err
	}

	v, err, _ := s.group.Do(req.IdempotencyKey, func() (interface{}, error) {
		return s.resolveChild(ctx, txType, req)
	})

	tx, _ := v.(*models.Transaction)
	if err != nil {
		return tx, err
	}
	return tx, nil
}

func (s *Service) resolveChild(ctx context.Context, txType models.TransactionType, req ChildRequest) (*models.Transaction, error) {
	parent, err := s.store.GetTransaction(ctx, req.ParentID)
	if errors.Is(err, ErrNotFound) {
		return nil, &ValidationError{Field: "parentTransactionId", Reason: "no such transaction"}
	}
	if err != nil {
		return nil, err
	}

	amount := req.Amount
	if txType == models.TypeVoid && amount.IsZero() {
		amount = parent.Amount
	}

	existing, err := s.store.GetTransactionByIdempotencyKey(ctx, req.IdempotencyKey)
	if err == nil {
		return s.replayChild(ctx, existing, txType, amount, parent)
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// Preconditions run before the row is created and before any processor
	// call; a violated precondition performs no side effect.
	if err := s.checkChildPreconditions(ctx, txType, parent, amount, nil); err != nil {
		return nil, err
	}

	// A purchase still PENDING has nothing at the processor to reverse; its
	// void is resolved locally. Every other child operation needs the
	// parent's processor reference.
	localVoid := txType == models.TypeVoid && parent.Type == models.TypePurchase && parent.Status == models.StatusPending
	if !localVoid && parent.ExternalTransactionID == nil {
		return nil, &InvalidStateTransitionError{
			TransactionID: parent.ID.String(),
			From:          parent.Status,
			Operation:     txType,
			Reason:        "parent has no processor reference",
		}
	}

	child := &models.Transaction{
		ID:                  uuid.New(),
		IdempotencyKey:      req.IdempotencyKey,
		Type:                txType,
		Status:              models.StatusPending,
		Amount:              amount,
		Currency:            parent.Currency,
		PaymentMethodToken:  parent.PaymentMethodToken,
		ParentTransactionID: &parent.ID,
		CorrelationID:       correlationOrNew(req.CorrelationID),
		CreatedAt:           s.now(),
	}

	if err := s.store.CreateTransaction(ctx, child); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			winner, gerr := s.store.GetTransactionByIdempotencyKey(ctx, req.IdempotencyKey)
			if gerr != nil {
				return nil, &ConflictError{IdempotencyKey: req.IdempotencyKey, Reason: "concurrent create did not resolve"}
			}
			return s.replayChild(ctx, winner, txType, amount, parent)
		}
		return nil, err
	}

	if localVoid {
		return s.voidPendingPurchase(ctx, parent, child)
	}

	resolved, err := s.drive(ctx, child, *parent.ExternalTransactionID)
	if err != nil {
		return resolved, err
	}

	s.applyParentTransition(ctx, txType, parent)
	return resolved, nil
}

// checkChildPreconditions enforces the parent-state and balance rules.
// exclude, when non-nil, is a PENDING child being taken over; its own
// reservation does not count against it.
func (s *Service) checkChildPreconditions(ctx context.Context, txType models.TransactionType, parent *models.Transaction, amount decimal.Decimal, exclude *models.Transaction) error {
	switch txType {
	case models.TypeCapture:
		if parent.Status != models.StatusAuthorized {
			return &InvalidStateTransitionError{
				TransactionID: parent.ID.String(),
				From:          parent.Status,
				Operation:     txType,
				Reason:        "capture requires an AUTHORIZED parent",
			}
		}
		if amount.GreaterThan(parent.Amount) {
			return &InvalidStateTransitionError{
				TransactionID: parent.ID.String(),
				From:          parent.Status,
				Operation:     txType,
				Reason:        fmt.Sprintf("capture of %s exceeds authorized amount %s", amount, parent.Amount),
			}
		}

	case models.TypeVoid:
		voidable := parent.Status == models.StatusAuthorized ||
			(parent.Type == models.TypePurchase && parent.Status == models.StatusPending)
		if !voidable {
			return &InvalidStateTransitionError{
				TransactionID: parent.ID.String(),
				From:          parent.Status,
				Operation:     txType,
				Reason:        "void requires an AUTHORIZED parent or an uncaptured purchase",
			}
		}
		if !amount.Equal(parent.Amount) {
			return &ValidationError{Field: "amount", Reason: "void must reverse the full parent amount"}
		}

	case models.TypeRefund:
		if parent.Status != models.StatusSettled && parent.Status != models.StatusCaptured {
			return &InvalidStateTransitionError{
				TransactionID: parent.ID.String(),
				From:          parent.Status,
				Operation:     txType,
				Reason:        "refund requires a SETTLED or CAPTURED parent",
			}
		}
		reserved, err := s.store.RefundedTotal(ctx, parent.ID)
		if err != nil {
			return err
		}
		if exclude != nil && exclude.Type == models.TypeRefund && exclude.Status == models.StatusPending {
			reserved = reserved.Sub(exclude.Amount)
		}
		remaining := parent.Amount.Sub(reserved)
		if amount.GreaterThan(remaining) {
			return refundBalanceError(parent.ID.String(), parent.Status, amount, remaining)
		}
	}

	return nil
}

// voidPendingPurchase cancels a purchase that never obtained a processor
// reference. No processor call is made; the conditional parent update is the
// arbiter against a concurrently resolving purchase.
func (s *Service) voidPendingPurchase(ctx context.Context, parent, child *models.Transaction) (*models.Transaction, error) {
	moved, err := s.store.TransitionStatus(ctx, parent.ID, models.StatusPending, models.StatusCancelled, TransitionUpdate{})
	if err != nil {
		return nil, err
	}
	if !moved {
		// The purchase resolved while the void was in flight. The child row
		// is finalized FAILED so its idempotency key replays this outcome.
		reason := "purchase resolved before the void applied"
		if _, terr := s.store.TransitionStatus(ctx, child.ID, models.StatusPending, models.StatusFailed, TransitionUpdate{ResponseReason: &reason}); terr != nil {
			return nil, terr
		}
		current, gerr := s.store.GetTransaction(ctx, parent.ID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, &InvalidStateTransitionError{
			TransactionID: parent.ID.String(),
			From:          current.Status,
			Operation:     models.TypeVoid,
			Reason:        "purchase resolved before the void applied",
		}
	}

	reason := "cancelled before processor settlement"
	if _, err := s.store.TransitionStatus(ctx, child.ID, models.StatusPending, models.StatusSettled, TransitionUpdate{ResponseReason: &reason}); err != nil {
		return nil, err
	}

	updated, err := s.store.GetTransaction(ctx, child.ID)
	if err != nil {
		return nil, err
	}

	log.Printf("Purchase %s cancelled locally by void %s", parent.ID, child.ID)
	s.emit(ctx, updated)
	return updated, nil
}

// applyParentTransition moves the parent after an approved child operation.
// A lost conditional update means a concurrent operation already moved the
// parent; the processor is the arbiter in that case.
func (s *Service) applyParentTransition(ctx context.Context, txType models.TransactionType, parent *models.Transaction) {
	var target models.TransactionStatus
	switch txType {
	case models.TypeCapture:
		target = models.StatusCaptured
	case models.TypeVoid:
		// Voids of PENDING purchases resolve through voidPendingPurchase, so
		// the parent here is always AUTHORIZED.
		target = models.StatusVoided
	default:
		return // refund never mutates the parent
	}

	moved, err := s.store.TransitionStatus(ctx, parent.ID, parent.Status, target, TransitionUpdate{})
	if err != nil {
		log.Printf("Failed to transition parent %s to %s: %v", parent.ID, target, err)
		return
	}
	if !moved {
		log.Printf("Parent %s no longer in %s, skipping transition to %s", parent.ID, parent.Status, target)
	}
}

func (s *Service) emit(ctx context.Context, tx *models.Transaction) {
	if s.sink != nil {
		s.sink.TransactionChanged(ctx, tx)
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func validatePayment(req PaymentRequest) error {
	if req.IdempotencyKey == "" {
		return &ValidationError{Field: "idempotencyKey", Reason: "required"}
	}
	if !req.Amount.IsPositive() {
		return &ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	if len(req.Currency) != 3 {
		return &ValidationError{Field: "currency", Reason: "must be a 3-letter ISO 4217 code"}
	}
	if req.PaymentMethodToken == "" {
		return &ValidationError{Field: "paymentMethodToken", Reason: "required"}
	}
	return nil
}

func validateChild(txType models.TransactionType, req ChildRequest) error {
	if req.IdempotencyKey == "" {
		return &ValidationError{Field: "idempotencyKey", Reason: "required"}
	}
	if req.ParentID == uuid.Nil {
		return &ValidationError{Field: "parentTransactionId", Reason: "required"}
	}
	// Void defaults a zero amount to the full parent amount.
	if txType != models.TypeVoid && !req.Amount.IsPositive() {
		return &ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	return nil
}

func correlationOrNew(correlationID string) string {
	if correlationID != "" {
		return correlationID
	}
	return uuid.NewString()
}
