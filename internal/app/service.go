/**
 * @description
 * This file contains the Release Workflow Engine. The `Service` struct orchestrates
 * every escrow money movement: deposits, payments, holds and releases, coordinating
 * the Ledger Store, the payment gateway, the release scorer and the event sink.
 *
 * Key features:
 * - Every balance change happens inside one unit of work and is retried on
 *   ConcurrencyConflict.
 * - AUTO releases are gated on the release score; MANUAL releases wait for both
 *   parties; FORCE releases are admin-only.
 * - Receipts and notifications are emitted only after the ledger commits.
 *
 * @dependencies
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/gatewayclient: For external payment verification.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/SatsToGo-Devs/ulomu-direct-homes-sub001/internal/domain"
	"github.com/SatsToGo-Devs/ulomu-direct-homes-sub001/internal/store"
	"github.com/SatsToGo-Devs/ulomu-direct-homes-sub001/pkg/gatewayclient"
	"github.com/google/uuid"
)

const (
	maxIdempotencyKeyLength = 128
	maxEvidenceURLs         = 20
)

// PaymentVerifier confirms an external payment reference.
type PaymentVerifier interface {
	Verify(ctx context.Context, reference string) (*gatewayclient.VerifyResult, error)
}

// RateLimiter is satisfied by RedisRateLimiter.
type RateLimiter interface {
	Allow(ctx context.Context, scope, subject string) (RateLimitDecision, error)
}

// Options tunes the workflow engine.
type Options struct {
	ConflictRetryMaxAttempts int
	DepositIdempotencyTTL    time.Duration
	// Clock overrides time.Now, mainly for tests.
	Clock func() time.Time
}

// Service provides the escrow workflow operations.
type Service struct {
	repo    store.Repository
	gateway PaymentVerifier
	events  EventEmitter
	limiter RateLimiter
	opts    Options
	now     func() time.Time
}

// NewService creates a new escrow service. gateway, events and limiter may be nil.
func NewService(repo store.Repository, gateway PaymentVerifier, events EventEmitter, limiter RateLimiter, opts Options) *Service {
	if opts.DepositIdempotencyTTL <= 0 {
		opts.DepositIdempotencyTTL = 24 * time.Hour
	}
	now := opts.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		repo:    repo,
		gateway: gateway,
		events:  events,
		limiter: limiter,
		opts:    opts,
		now:     now,
	}
}

// Deposit credits the caller's escrow account, creating it on first use. A
// non-empty idempotency key makes retries of the same deposit replay the
// original outcome instead of crediting twice.
func (s *Service) Deposit(ctx context.Context, caller domain.Caller, req domain.DepositRequest) (*domain.DepositResult, error) {
	if err := requireUser(caller); err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if len(key) > maxIdempotencyKeyLength {
		return nil, fmt.Errorf("%w: idempotency key exceeds %d characters", domain.ErrInvalidInput, maxIdempotencyKeyLength)
	}

	var (
		result *domain.DepositResult
		record *domain.EscrowTransaction
	)
	err := s.withRetry(ctx, "deposit", func(ctx context.Context, tx store.Tx) error {
		result, record = nil, nil
		now := s.now()

		if key != "" {
			existing, err := tx.GetDepositIdempotency(ctx, caller.ID, key, now)
			if err != nil {
				return err
			}
			if existing != nil {
				if existing.Amount != req.Amount {
					return domain.ErrIdempotencyConflict
				}
				account, err := tx.GetAccount(ctx, caller.ID)
				if err != nil {
					return err
				}
				result = &domain.DepositResult{
					TransactionID:  existing.TransactionID,
					AccountBalance: account.Balance,
					FrozenBalance:  account.FrozenBalance,
					Replayed:       true,
				}
				return nil
			}
		}

		if _, err := tx.UpsertAccount(ctx, caller.ID); err != nil {
			return err
		}
		account, err := tx.AdjustBalances(ctx, caller.ID, req.Amount, 0)
		if err != nil {
			return err
		}

		record = &domain.EscrowTransaction{
			ID:              uuid.New(),
			EscrowAccountID: account.ID,
			PayerID:         caller.ID,
			Amount:          req.Amount,
			Type:            domain.TransactionTypeDeposit,
			Status:          domain.TransactionStatusCompleted,
			Description:     "Escrow deposit",
			EvidenceURLs:    []string{},
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.InsertTransaction(ctx, record); err != nil {
			return err
		}

		if key != "" {
			if err := tx.SaveDepositIdempotency(ctx, domain.DepositIdempotency{
				OwnerID:       caller.ID,
				Key:           key,
				Amount:        req.Amount,
				TransactionID: record.ID,
				ExpiresAt:     now.Add(s.opts.DepositIdempotencyTTL),
			}); err != nil {
				return err
			}
		}

		result = &domain.DepositResult{
			TransactionID:  record.ID,
			AccountBalance: account.Balance,
			FrozenBalance:  account.FrozenBalance,
		}
		return nil
	})
	if err != nil {
		log.Printf("level=warn component=escrow op=deposit owner_id=%s amount=%d kind=%s err=%v", caller.ID, req.Amount, domain.ErrorKind(err), err)
		return nil, err
	}

	if record != nil {
		s.emitReceipt(record, "", nil)
		log.Printf("level=info component=escrow op=deposit owner_id=%s tx_id=%s amount=%d balance=%d", caller.ID, record.ID, req.Amount, result.AccountBalance)
	} else {
		log.Printf("level=info component=escrow op=deposit owner_id=%s tx_id=%s msg=\"idempotent replay\"", caller.ID, result.TransactionID)
	}
	return result, nil
}

// Pay debits the caller's available balance for a payee or an invoice. The
// debit, the invoice settlement and the PAYMENT record commit together.
func (s *Service) Pay(ctx context.Context, caller domain.Caller, req domain.PaymentRequest) (*domain.PaymentResult, error) {
	if err := requireUser(caller); err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	invoiceRef := ""
	if req.InvoiceRef != nil {
		invoiceRef = strings.TrimSpace(*req.InvoiceRef)
	}
	if req.PayeeID == nil && invoiceRef == "" {
		return nil, fmt.Errorf("%w: payee_id or invoice_ref is required", domain.ErrInvalidInput)
	}
	if req.PayeeID != nil && *req.PayeeID == caller.ID {
		return nil, fmt.Errorf("%w: cannot pay yourself", domain.ErrInvalidInput)
	}

	var (
		record  *domain.EscrowTransaction
		balance int64
	)
	err := s.withRetry(ctx, "pay", func(ctx context.Context, tx store.Tx) error {
		record = nil
		now := s.now()
		payeeID := req.PayeeID

		var invoice *domain.Invoice
		if invoiceRef != "" {
			inv, err := tx.GetInvoiceByReference(ctx, invoiceRef)
			if err != nil {
				return err
			}
			if inv.Status != domain.InvoiceStatusOpen {
				return fmt.Errorf("%w: invoice %s is already %s", domain.ErrInvalidState, inv.Reference, inv.Status)
			}
			if inv.PayerID != caller.ID {
				return domain.ErrForbidden
			}
			if inv.Amount != req.Amount {
				return fmt.Errorf("%w: invoice amount is %d", domain.ErrInvalidAmount, inv.Amount)
			}
			if payeeID == nil {
				payeeID = inv.PayeeID
			} else if inv.PayeeID != nil && *inv.PayeeID != *payeeID {
				return fmt.Errorf("%w: payee does not match invoice", domain.ErrInvalidInput)
			}
			invoice = inv
		}

		if err := tx.LockAccounts(ctx, caller.ID); err != nil {
			return err
		}
		account, err := tx.GetAccount(ctx, caller.ID)
		if err != nil {
			if errors.Is(err, domain.ErrAccountNotFound) {
				return domain.ErrInsufficientFunds
			}
			return err
		}
		if account.Balance < req.Amount {
			return domain.ErrInsufficientFunds
		}
		account, err = tx.AdjustBalances(ctx, caller.ID, -req.Amount, 0)
		if err != nil {
			return err
		}

		record = &domain.EscrowTransaction{
			ID:              uuid.New(),
			EscrowAccountID: account.ID,
			PayerID:         caller.ID,
			PayeeID:         payeeID,
			Amount:          req.Amount,
			Type:            domain.TransactionTypePayment,
			Status:          domain.TransactionStatusCompleted,
			Description:     strings.TrimSpace(req.Description),
			EvidenceURLs:    []string{},
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if invoice != nil {
			ref := invoice.Reference
			record.InvoiceRef = &ref
		}
		if err := tx.InsertTransaction(ctx, record); err != nil {
			return err
		}
		if invoice != nil {
			if err := tx.MarkInvoicePaid(ctx, invoice.ID, record.ID, now); err != nil {
				return err
			}
		}
		balance = account.Balance
		return nil
	})
	if err != nil {
		log.Printf("level=warn component=escrow op=pay payer_id=%s amount=%d kind=%s err=%v", caller.ID, req.Amount, domain.ErrorKind(err), err)
		return nil, err
	}

	s.emitReceipt(record, "", nil)
	if record.PayeeID != nil {
		s.notify(*record.PayeeID, "payment", "Payment received", fmt.Sprintf("You received a payment of %d kobo.", record.Amount), record, nil)
	}
	log.Printf("level=info component=escrow op=pay payer_id=%s tx_id=%s amount=%d balance=%d", caller.ID, record.ID, record.Amount, balance)
	return &domain.PaymentResult{TransactionID: record.ID, AccountBalance: balance}, nil
}

// Hold escrows funds for a payee until a release condition is met. With a
// payment reference the hold is funded by an external gateway payment instead
// of the caller's balance and starts PENDING.
func (s *Service) Hold(ctx context.Context, caller domain.Caller, req domain.HoldRequest) (*domain.EscrowTransaction, error) {
	if err := requireUser(caller); err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if req.PayeeID != nil && *req.PayeeID == caller.ID {
		return nil, fmt.Errorf("%w: payee must differ from payer", domain.ErrInvalidInput)
	}
	reference := ""
	if req.PaymentReference != nil {
		reference = strings.TrimSpace(*req.PaymentReference)
	}

	var record *domain.EscrowTransaction
	err := s.withRetry(ctx, "hold", func(ctx context.Context, tx store.Tx) error {
		record = nil
		now := s.now()

		record = &domain.EscrowTransaction{
			ID:               uuid.New(),
			PayerID:          caller.ID,
			PayeeID:          req.PayeeID,
			Amount:           req.Amount,
			Type:             domain.TransactionTypeHold,
			Purpose:          strings.TrimSpace(req.Purpose),
			Description:      strings.TrimSpace(req.Description),
			ReleaseCondition: strings.TrimSpace(req.ReleaseCondition),
			EvidenceURLs:     []string{},
			CreatedAt:        now,
			UpdatedAt:        now,
		}

		if reference != "" {
			account, err := tx.UpsertAccount(ctx, caller.ID)
			if err != nil {
				return err
			}
			record.EscrowAccountID = account.ID
			record.Status = domain.TransactionStatusPending
			record.PaymentReference = &reference
			return tx.InsertTransaction(ctx, record)
		}

		if err := tx.LockAccounts(ctx, caller.ID); err != nil {
			return err
		}
		account, err := tx.GetAccount(ctx, caller.ID)
		if err != nil {
			if errors.Is(err, domain.ErrAccountNotFound) {
				return domain.ErrInsufficientFunds
			}
			return err
		}
		if account.Balance < req.Amount {
			return domain.ErrInsufficientFunds
		}
		if account, err = tx.AdjustBalances(ctx, caller.ID, -req.Amount, req.Amount); err != nil {
			return err
		}
		record.EscrowAccountID = account.ID
		record.Status = domain.TransactionStatusHeld
		return tx.InsertTransaction(ctx, record)
	})
	if err != nil {
		log.Printf("level=warn component=escrow op=hold payer_id=%s amount=%d kind=%s err=%v", caller.ID, req.Amount, domain.ErrorKind(err), err)
		return nil, err
	}

	if record.PayeeID != nil {
		s.notify(*record.PayeeID, "escrow", "Funds held in escrow",
			fmt.Sprintf("%d kobo is held in escrow for %q.", record.Amount, record.Purpose), record,
			map[string]interface{}{"release_condition": record.ReleaseCondition})
	}
	log.Printf("level=info component=escrow op=hold payer_id=%s tx_id=%s amount=%d status=%s", caller.ID, record.ID, record.Amount, record.Status)
	return record, nil
}

// RequestRelease evaluates a held or pending transaction for release under the
// requested policy. Evidence, notes and rating are persisted whether or not the
// funds move, so later attempts score on everything gathered so far.
func (s *Service) RequestRelease(ctx context.Context, caller domain.Caller, req domain.ReleaseRequest) (*domain.ReleaseResult, error) {
	releaseType, err := domain.ParseReleaseType(string(req.ReleaseType))
	if err != nil {
		return nil, err
	}
	if !domain.ValidRating(req.SatisfactionRating) {
		return nil, fmt.Errorf("%w: satisfaction rating must be between 1 and 5", domain.ErrInvalidInput)
	}
	switch {
	case releaseType == domain.ReleaseTypeForce && !caller.IsAdmin():
		return nil, domain.ErrForbidden
	case releaseType == domain.ReleaseTypeManual && caller.IsSystem():
		return nil, domain.ErrForbidden
	}
	evidence := normalizeEvidence(req.EvidenceURLs)
	if len(evidence) > maxEvidenceURLs {
		return nil, fmt.Errorf("%w: at most %d evidence urls per request", domain.ErrInvalidInput, maxEvidenceURLs)
	}
	if err := s.checkRateLimit(ctx, "release", caller); err != nil {
		return nil, err
	}

	current, err := s.repo.GetTransaction(ctx, req.TransactionID)
	if err != nil {
		return nil, err
	}
	if err := authorizeParty(caller, current); err != nil {
		return nil, err
	}
	if current.Type != domain.TransactionTypeHold || !current.Status.Releasable() {
		return nil, domain.ErrInvalidState
	}
	// Only the payer's side confirms completion; the consumer relays the payer's rating.
	if req.SatisfactionRating != nil && !canConfirmCompletion(caller, current) {
		return nil, fmt.Errorf("%w: only the payer can rate the work", domain.ErrForbidden)
	}
	disputed, err := s.hasOpenDispute(ctx, current.ID)
	if err != nil {
		return nil, err
	}
	if disputed {
		return nil, domain.ErrDisputeOpen
	}

	// The gateway is consulted before the unit of work so no lock is held across the network call.
	verifiedRef, err := s.verifyFunding(ctx, current, req.PaymentReference)
	if err != nil {
		log.Printf("level=warn component=escrow op=request_release tx_id=%s msg=\"payment verification failed\" err=%v", current.ID, err)
		return nil, err
	}

	var (
		result   *domain.ReleaseResult
		released *domain.EscrowTransaction
		awaiting *domain.EscrowTransaction
	)
	err = s.withRetry(ctx, "request_release", func(ctx context.Context, tx store.Tx) error {
		result, released, awaiting = nil, nil, nil
		now := s.now()

		t, err := tx.GetTransaction(ctx, req.TransactionID)
		if err != nil {
			return err
		}
		if !t.Status.Releasable() {
			return domain.ErrInvalidState
		}
		if t.Status == domain.TransactionStatusPending && verifiedRef == nil {
			return fmt.Errorf("%w: pending hold has not been verified", domain.ErrPaymentVerificationFailed)
		}
		open, err := tx.FindOpenDispute(ctx, t.ID)
		if err != nil {
			return err
		}
		if open != nil {
			return domain.ErrDisputeOpen
		}

		merged := mergeEvidence(t.EvidenceURLs, evidence)
		rating := t.SatisfactionRating
		if req.SatisfactionRating != nil {
			rating = req.SatisfactionRating
		}
		score := domain.ComputeReleaseScore(t, len(merged), rating, now)

		patch := domain.TransactionPatch{EvidenceURLs: merged, SatisfactionRating: req.SatisfactionRating}
		if notes := strings.TrimSpace(req.CompletionNotes); notes != "" {
			patch.CompletionNotes = &notes
		}
		confirmed := t.CompletionConfirmed || (rating != nil && *rating >= 4)

		canRelease := false
		var pending []string
		switch releaseType {
		case domain.ReleaseTypeAuto:
			canRelease = score >= domain.AutoReleaseThreshold
		case domain.ReleaseTypeForce:
			canRelease = true
		case domain.ReleaseTypeManual:
			payerConfirmed := t.PayerConfirmedAt != nil
			payeeConfirmed := t.PayeeID == nil || t.PayeeConfirmedAt != nil
			if caller.IsAdmin() || caller.ID == t.PayerID {
				if t.PayerConfirmedAt == nil {
					patch.PayerConfirmedAt = &now
				}
				payerConfirmed = true
				confirmed = true
			}
			if t.PayeeID != nil && (caller.IsAdmin() || caller.ID == *t.PayeeID) {
				if t.PayeeConfirmedAt == nil {
					patch.PayeeConfirmedAt = &now
				}
				payeeConfirmed = true
			}
			if !payerConfirmed {
				pending = append(pending, "payer")
			}
			if !payeeConfirmed {
				pending = append(pending, "payee")
			}
			canRelease = len(pending) == 0
		}
		patch.CompletionConfirmed = &confirmed

		if canRelease {
			if err := releaseFunds(ctx, tx, t); err != nil {
				return err
			}
			completed := domain.TransactionStatusCompleted
			patch.Status = &completed
			patch.ReleasedAt = &now
			if verifiedRef != nil {
				patch.PaymentReference = verifiedRef
			}
		}

		updated, err := tx.UpdateTransaction(ctx, t.ID, patch)
		if err != nil {
			return err
		}
		if canRelease {
			released = updated
		} else if len(pending) > 0 {
			awaiting = updated
		}
		result = &domain.ReleaseResult{
			TransactionID:        updated.ID,
			Status:               updated.Status,
			Score:                score,
			Band:                 domain.BandForScore(score),
			FundsReleased:        canRelease,
			AwaitingConfirmation: pending,
		}
		return nil
	})
	if err != nil {
		log.Printf("level=warn component=escrow op=request_release tx_id=%s release_type=%s kind=%s err=%v", req.TransactionID, releaseType, domain.ErrorKind(err), err)
		return nil, err
	}

	switch {
	case released != nil:
		score := result.Score
		s.emitReceipt(released, releaseType, &score)
		s.notifyRelease(released)
	case awaiting != nil:
		s.notifyAwaitingConfirmation(awaiting, result.AwaitingConfirmation)
	}
	log.Printf("level=info component=escrow op=request_release tx_id=%s release_type=%s score=%d released=%t status=%s", result.TransactionID, releaseType, result.Score, result.FundsReleased, result.Status)
	return result, nil
}

// CancelTransaction fails a non-terminal hold and returns frozen funds to the
// payer. The payer may cancel an unfunded PENDING hold; reversing a HELD
// transaction is an admin action, otherwise parties go through a dispute.
func (s *Service) CancelTransaction(ctx context.Context, caller domain.Caller, transactionID uuid.UUID, reason string) (*domain.EscrowTransaction, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled"
	}

	var cancelled *domain.EscrowTransaction
	err := s.withRetry(ctx, "cancel", func(ctx context.Context, tx store.Tx) error {
		cancelled = nil

		t, err := tx.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if !caller.IsAdmin() && !t.IsParty(caller.ID) {
			return domain.ErrForbidden
		}
		if t.Type != domain.TransactionTypeHold || !t.Status.Releasable() {
			return domain.ErrInvalidState
		}
		if !caller.IsAdmin() {
			if caller.ID != t.PayerID {
				return domain.ErrForbidden
			}
			if t.Status == domain.TransactionStatusHeld {
				return fmt.Errorf("%w: held funds can only be reversed through a dispute", domain.ErrForbidden)
			}
		}
		open, err := tx.FindOpenDispute(ctx, t.ID)
		if err != nil {
			return err
		}
		if open != nil {
			return domain.ErrDisputeOpen
		}

		if err := refundFunds(ctx, tx, t); err != nil {
			return err
		}
		failed := domain.TransactionStatusFailed
		cancelled, err = tx.UpdateTransaction(ctx, t.ID, domain.TransactionPatch{Status: &failed, FailureReason: &reason})
		return err
	})
	if err != nil {
		log.Printf("level=warn component=escrow op=cancel tx_id=%s kind=%s err=%v", transactionID, domain.ErrorKind(err), err)
		return nil, err
	}

	s.notify(cancelled.PayerID, "escrow", "Escrow cancelled", "Your escrow hold was cancelled.", cancelled, map[string]interface{}{"reason": reason})
	if cancelled.PayeeID != nil {
		s.notify(*cancelled.PayeeID, "escrow", "Escrow cancelled", "An escrow hold for you was cancelled.", cancelled, nil)
	}
	log.Printf("level=info component=escrow op=cancel tx_id=%s by=%s", cancelled.ID, caller.ID)
	return cancelled, nil
}

// ReleaseScore previews a transaction's current release score without changing it.
func (s *Service) ReleaseScore(ctx context.Context, caller domain.Caller, transactionID uuid.UUID) (*domain.ReleaseScorePreview, error) {
	t, err := s.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if err := authorizeParty(caller, t); err != nil {
		return nil, err
	}
	disputes, err := s.repo.ListDisputesByTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	score := domain.ComputeReleaseScore(t, len(t.EvidenceURLs), t.SatisfactionRating, now)
	preview := &domain.ReleaseScorePreview{
		TransactionID: t.ID,
		Status:        t.Status,
		Score:         score,
		Band:          domain.BandForScore(score),
		AgeDays:       domain.TransactionAgeDays(t, now),
		EvidenceCount: len(t.EvidenceURLs),
	}
	for _, d := range disputes {
		if d.Status == domain.DisputeStatusOpen {
			preview.DisputeOpen = true
			break
		}
	}
	return preview, nil
}

// GetAccount returns an owner's balances. An owner who never deposited has a zero account.
func (s *Service) GetAccount(ctx context.Context, caller domain.Caller, ownerID uuid.UUID) (*domain.EscrowAccount, error) {
	if caller.ID != ownerID && !caller.IsAdmin() {
		return nil, domain.ErrForbidden
	}
	account, err := s.repo.GetAccount(ctx, ownerID)
	if errors.Is(err, domain.ErrAccountNotFound) {
		return &domain.EscrowAccount{OwnerID: ownerID}, nil
	}
	return account, err
}

func (s *Service) GetTransaction(ctx context.Context, caller domain.Caller, transactionID uuid.UUID) (*domain.EscrowTransaction, error) {
	t, err := s.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if err := authorizeParty(caller, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) ListTransactions(ctx context.Context, caller domain.Caller, ownerID uuid.UUID, opts domain.TransactionListOptions) ([]domain.EscrowTransaction, error) {
	if caller.ID != ownerID && !caller.IsAdmin() {
		return nil, domain.ErrForbidden
	}
	return s.repo.ListTransactionsByOwner(ctx, ownerID, opts)
}

// CreateInvoice issues an invoice payable by req.PayerID to the caller.
func (s *Service) CreateInvoice(ctx context.Context, caller domain.Caller, req domain.CreateInvoiceRequest) (*domain.Invoice, error) {
	if err := requireUser(caller); err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if req.PayerID == uuid.Nil || req.PayerID == caller.ID {
		return nil, fmt.Errorf("%w: invoice needs a payer other than the issuer", domain.ErrInvalidInput)
	}
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		reference = "INV-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
	}

	payee := caller.ID
	invoice := &domain.Invoice{
		ID:        uuid.New(),
		Reference: reference,
		PayerID:   req.PayerID,
		PayeeID:   &payee,
		Amount:    req.Amount,
		Status:    domain.InvoiceStatusOpen,
	}
	if err := s.repo.CreateInvoice(ctx, invoice); err != nil {
		return nil, err
	}
	s.notify(req.PayerID, "invoice", "New invoice", fmt.Sprintf("Invoice %s for %d kobo is awaiting payment.", reference, req.Amount), nil,
		map[string]interface{}{"invoice_ref": reference})
	return invoice, nil
}

// verifyFunding asks the gateway to confirm the payment reference for a
// release. PENDING holds always need a verified reference; HELD holds are
// verified only when the caller supplies one.
func (s *Service) verifyFunding(ctx context.Context, tx *domain.EscrowTransaction, supplied *string) (*string, error) {
	reference := ""
	if supplied != nil {
		reference = strings.TrimSpace(*supplied)
	}
	if tx.Status == domain.TransactionStatusPending {
		stored := ""
		if tx.PaymentReference != nil {
			stored = *tx.PaymentReference
		}
		switch {
		case reference == "":
			reference = stored
		case stored != "" && reference != stored:
			return nil, fmt.Errorf("%w: reference does not match the hold", domain.ErrPaymentVerificationFailed)
		}
		if reference == "" {
			return nil, fmt.Errorf("%w: pending hold has no payment reference", domain.ErrPaymentVerificationFailed)
		}
	}
	if reference == "" {
		return nil, nil
	}
	if s.gateway == nil {
		return nil, fmt.Errorf("%w: payment gateway is not configured", domain.ErrPaymentVerificationFailed)
	}

	result, err := s.gateway.Verify(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPaymentVerificationFailed, err)
	}
	if result == nil || !result.Success {
		status := ""
		if result != nil {
			status = result.Status
		}
		return nil, fmt.Errorf("%w: gateway reported status %q", domain.ErrPaymentVerificationFailed, status)
	}
	if result.Amount < tx.Amount {
		return nil, fmt.Errorf("%w: verified amount %d is below %d", domain.ErrPaymentVerificationFailed, result.Amount, tx.Amount)
	}
	return &reference, nil
}

// hasOpenDispute is a lock-free read used to fail fast before any gateway call.
// The unit of work re-checks under lock.
func (s *Service) hasOpenDispute(ctx context.Context, transactionID uuid.UUID) (bool, error) {
	disputes, err := s.repo.ListDisputesByTransaction(ctx, transactionID)
	if err != nil {
		return false, err
	}
	for _, d := range disputes {
		if d.Status == domain.DisputeStatusOpen {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) checkRateLimit(ctx context.Context, scope string, caller domain.Caller) error {
	if s.limiter == nil || caller.IsSystem() {
		return nil
	}
	decision, err := s.limiter.Allow(ctx, scope, caller.ID.String())
	if err != nil {
		log.Printf("level=warn component=escrow op=rate_limit scope=%s msg=\"limiter unavailable; allowing request\" err=%v", scope, err)
		return nil
	}
	if !decision.Allowed {
		return fmt.Errorf("%w: retry after %ds", domain.ErrRateLimited, decision.RetryAfterSeconds())
	}
	return nil
}

func (s *Service) notifyRelease(tx *domain.EscrowTransaction) {
	body := fmt.Sprintf("%d kobo has been released from escrow.", tx.Amount)
	s.notify(tx.RecipientID(), "escrow", "Escrow released", body, tx, nil)
	if tx.PayeeID != nil {
		s.notify(tx.PayerID, "escrow", "Escrow released", body, tx, nil)
	}
}

func (s *Service) notifyAwaitingConfirmation(tx *domain.EscrowTransaction, pending []string) {
	for _, party := range pending {
		switch party {
		case "payer":
			s.notify(tx.PayerID, "escrow", "Release awaiting your confirmation", "Confirm completion to release the escrowed funds.", tx, nil)
		case "payee":
			if tx.PayeeID != nil {
				s.notify(*tx.PayeeID, "escrow", "Release awaiting your confirmation", "Confirm completion to receive the escrowed funds.", tx, nil)
			}
		}
	}
}

// releaseFunds moves a hold's amount to its recipient. A HELD hold is paid out
// of the payer's frozen balance; a PENDING hold was funded externally, so the
// recipient is credited directly.
func releaseFunds(ctx context.Context, tx store.Tx, t *domain.EscrowTransaction) error {
	recipient := t.RecipientID()
	switch t.Status {
	case domain.TransactionStatusHeld:
		if err := tx.LockAccounts(ctx, t.PayerID, recipient); err != nil {
			return err
		}
		if _, err := tx.AdjustBalances(ctx, t.PayerID, 0, -t.Amount); err != nil {
			return err
		}
		if _, err := tx.UpsertAccount(ctx, recipient); err != nil {
			return err
		}
		_, err := tx.AdjustBalances(ctx, recipient, t.Amount, 0)
		return err
	case domain.TransactionStatusPending:
		if _, err := tx.UpsertAccount(ctx, recipient); err != nil {
			return err
		}
		_, err := tx.AdjustBalances(ctx, recipient, t.Amount, 0)
		return err
	default:
		return domain.ErrInvalidState
	}
}

// refundFunds returns a HELD hold's frozen amount to the payer's balance. A
// PENDING hold never touched the ledger.
func refundFunds(ctx context.Context, tx store.Tx, t *domain.EscrowTransaction) error {
	switch t.Status {
	case domain.TransactionStatusHeld:
		if err := tx.LockAccounts(ctx, t.PayerID); err != nil {
			return err
		}
		_, err := tx.AdjustBalances(ctx, t.PayerID, t.Amount, -t.Amount)
		return err
	case domain.TransactionStatusPending:
		return nil
	default:
		return domain.ErrInvalidState
	}
}

func requireUser(caller domain.Caller) error {
	if caller.ID == uuid.Nil || caller.IsSystem() {
		return domain.ErrForbidden
	}
	return nil
}

// canConfirmCompletion reports whether caller speaks for the payer's side of tx.
func canConfirmCompletion(caller domain.Caller, tx *domain.EscrowTransaction) bool {
	return caller.IsAdmin() || caller.IsSystem() || caller.ID == tx.PayerID
}

func authorizeParty(caller domain.Caller, tx *domain.EscrowTransaction) error {
	if caller.IsAdmin() || caller.IsSystem() || tx.IsParty(caller.ID) {
		return nil
	}
	return domain.ErrForbidden
}

func normalizeEvidence(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if trimmed := strings.TrimSpace(u); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// mergeEvidence appends new references to the stored ones, keeping first-seen order and dropping duplicates.
func mergeEvidence(stored, incoming []string) []string {
	seen := make(map[string]struct{}, len(stored)+len(incoming))
	merged := make([]string, 0, len(stored)+len(incoming))
	for _, list := range [][]string{stored, incoming} {
		for _, u := range list {
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			merged = append(merged, u)
		}
	}
	return merged
}
