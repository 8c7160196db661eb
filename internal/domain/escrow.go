/**
 * @description
 * This file defines the core domain models for the escrow-service: escrow accounts,
 * escrow transactions, disputes and invoices, along with the request/response
 * DTOs used by the application and API layers.
 *
 * @notes
 * - Amounts are stored as `int64` minor units (kobo) to avoid floating-point
 *   inaccuracies with financial data.
 * - Transaction types and statuses are closed string enums; anything arriving from
 *   the outside must go through the Parse* helpers before it reaches the service.
 */

package domain

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TransactionType enumerates the kinds of ledger movement.
type TransactionType string

const (
	TransactionTypeDeposit    TransactionType = "DEPOSIT"
	TransactionTypeHold       TransactionType = "HOLD"
	TransactionTypePayment    TransactionType = "PAYMENT"
	TransactionTypeTransfer   TransactionType = "TRANSFER"
	TransactionTypeWithdrawal TransactionType = "WITHDRAWAL"
)

// ParseTransactionType validates a raw type value.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch t := TransactionType(strings.ToUpper(strings.TrimSpace(raw))); t {
	case TransactionTypeDeposit, TransactionTypeHold, TransactionTypePayment, TransactionTypeTransfer, TransactionTypeWithdrawal:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown transaction type %q", ErrInvalidInput, raw)
}

// TransactionStatus is the state of an escrow transaction.
//
//	PENDING -> HELD | COMPLETED | FAILED
//	HELD    -> COMPLETED | FAILED
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "PENDING"
	TransactionStatusHeld      TransactionStatus = "HELD"
	TransactionStatusCompleted TransactionStatus = "COMPLETED"
	TransactionStatusFailed    TransactionStatus = "FAILED"
)

// ParseTransactionStatus validates a raw status value.
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	switch s := TransactionStatus(strings.ToUpper(strings.TrimSpace(raw))); s {
	case TransactionStatusPending, TransactionStatusHeld, TransactionStatusCompleted, TransactionStatusFailed:
		return s, nil
	}
	return "", fmt.Errorf("%w: unknown transaction status %q", ErrInvalidInput, raw)
}

// IsTerminal reports whether no further transition is allowed.
func (s TransactionStatus) IsTerminal() bool {
	return s == TransactionStatusCompleted || s == TransactionStatusFailed
}

// Releasable reports whether a release or dispute may target a transaction in this status.
func (s TransactionStatus) Releasable() bool {
	return s == TransactionStatusHeld || s == TransactionStatusPending
}

// ReleaseType is the policy under which a release is requested.
type ReleaseType string

const (
	ReleaseTypeAuto   ReleaseType = "AUTO"
	ReleaseTypeManual ReleaseType = "MANUAL"
	ReleaseTypeForce  ReleaseType = "FORCE"
)

func ParseReleaseType(raw string) (ReleaseType, error) {
	switch r := ReleaseType(strings.ToUpper(strings.TrimSpace(raw))); r {
	case ReleaseTypeAuto, ReleaseTypeManual, ReleaseTypeForce:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown release type %q", ErrInvalidInput, raw)
}

type DisputeStatus string

const (
	DisputeStatusOpen     DisputeStatus = "OPEN"
	DisputeStatusResolved DisputeStatus = "RESOLVED"
)

// DisputeOutcome decides where the disputed funds go.
type DisputeOutcome string

const (
	// DisputeOutcomeRelease completes the transaction and pays the payee.
	DisputeOutcomeRelease DisputeOutcome = "release"
	// DisputeOutcomeRefund fails the transaction and returns frozen funds to the payer.
	DisputeOutcomeRefund DisputeOutcome = "refund"
)

func ParseDisputeOutcome(raw string) (DisputeOutcome, error) {
	switch o := DisputeOutcome(strings.ToLower(strings.TrimSpace(raw))); o {
	case DisputeOutcomeRelease, DisputeOutcomeRefund:
		return o, nil
	case "completed", "complete":
		return DisputeOutcomeRelease, nil
	case "failed", "fail", "reverse":
		return DisputeOutcomeRefund, nil
	}
	return "", fmt.Errorf("%w: unknown dispute outcome %q", ErrInvalidInput, raw)
}

type InvoiceStatus string

const (
	InvoiceStatusOpen InvoiceStatus = "OPEN"
	InvoiceStatusPaid InvoiceStatus = "PAID"
)

// Role is the platform role supplied by the identity provider.
type Role string

const (
	RoleTenant   Role = "tenant"
	RoleLandlord Role = "landlord"
	RoleVendor   Role = "vendor"
	RoleAdmin    Role = "admin"
	// RoleSystem is used by scheduled jobs and bus consumers.
	RoleSystem Role = "system"
)

func ParseRole(raw string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(raw))); r {
	case RoleTenant, RoleLandlord, RoleVendor, RoleAdmin, RoleSystem:
		return r, nil
	case "":
		return RoleTenant, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, raw)
}

// Caller identifies who is performing an operation. It is threaded explicitly
// into every service call; the service never reads ambient session state.
type Caller struct {
	ID   uuid.UUID
	Role Role
}

func (c Caller) IsAdmin() bool { return c.Role == RoleAdmin }

// IsSystem reports whether the call originates from an internal job or consumer.
func (c Caller) IsSystem() bool { return c.Role == RoleSystem }

// SystemCaller is the identity used by the auto-release sweep and bus consumers.
var SystemCaller = Caller{ID: uuid.Nil, Role: RoleSystem}

// EscrowAccount is a per-owner ledger entry tracking available and frozen funds.
// It maps to the `escrow_accounts` table.
type EscrowAccount struct {
	ID            uuid.UUID `json:"id"`
	OwnerID       uuid.UUID `json:"owner_id"`
	Balance       int64     `json:"balance"`        // in kobo
	FrozenBalance int64     `json:"frozen_balance"` // in kobo
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Total is the value held by the account across both buckets.
func (a *EscrowAccount) Total() int64 {
	return a.Balance + a.FrozenBalance
}

// EscrowTransaction maps to the `escrow_transactions` table.
type EscrowTransaction struct {
	ID                  uuid.UUID         `json:"id"`
	EscrowAccountID     uuid.UUID         `json:"escrow_account_id"`
	PayerID             uuid.UUID         `json:"payer_id"`
	PayeeID             *uuid.UUID        `json:"payee_id,omitempty"`
	InvoiceRef          *string           `json:"invoice_ref,omitempty"`
	Amount              int64             `json:"amount"` // in kobo
	Type                TransactionType   `json:"type"`
	Status              TransactionStatus `json:"status"`
	Purpose             string            `json:"purpose,omitempty"`
	Description         string            `json:"description,omitempty"`
	ReleaseCondition    string            `json:"release_condition,omitempty"`
	PaymentReference    *string           `json:"payment_reference,omitempty"`
	EvidenceURLs        []string          `json:"evidence_urls"`
	CompletionConfirmed bool              `json:"completion_confirmed"`
	CompletionNotes     string            `json:"completion_notes,omitempty"`
	SatisfactionRating  *int              `json:"satisfaction_rating,omitempty"`
	PayerConfirmedAt    *time.Time        `json:"payer_confirmed_at,omitempty"`
	PayeeConfirmedAt    *time.Time        `json:"payee_confirmed_at,omitempty"`
	ReleasedAt          *time.Time        `json:"released_at,omitempty"`
	FailureReason       *string           `json:"failure_reason,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// IsParty reports whether userID is the payer or the payee.
func (t *EscrowTransaction) IsParty(userID uuid.UUID) bool {
	if t.PayerID == userID {
		return true
	}
	return t.PayeeID != nil && *t.PayeeID == userID
}

// RecipientID is who receives the funds on release: the payee when set, otherwise the payer.
func (t *EscrowTransaction) RecipientID() uuid.UUID {
	if t.PayeeID != nil {
		return *t.PayeeID
	}
	return t.PayerID
}

// TransactionPatch is a partial update applied by Ledger Store implementations.
// Nil fields are left untouched.
type TransactionPatch struct {
	Status              *TransactionStatus
	EvidenceURLs        []string
	CompletionConfirmed *bool
	CompletionNotes     *string
	SatisfactionRating  *int
	PayerConfirmedAt    *time.Time
	PayeeConfirmedAt    *time.Time
	ReleasedAt          *time.Time
	FailureReason       *string
	PaymentReference    *string
}

// Apply copies the set fields of the patch onto tx.
func (p TransactionPatch) Apply(tx *EscrowTransaction, now time.Time) {
	if p.Status != nil {
		tx.Status = *p.Status
	}
	if p.EvidenceURLs != nil {
		tx.EvidenceURLs = append([]string(nil), p.EvidenceURLs...)
	}
	if p.CompletionConfirmed != nil {
		tx.CompletionConfirmed = *p.CompletionConfirmed
	}
	if p.CompletionNotes != nil {
		tx.CompletionNotes = *p.CompletionNotes
	}
	if p.SatisfactionRating != nil {
		rating := *p.SatisfactionRating
		tx.SatisfactionRating = &rating
	}
	if p.PayerConfirmedAt != nil {
		tx.PayerConfirmedAt = p.PayerConfirmedAt
	}
	if p.PayeeConfirmedAt != nil {
		tx.PayeeConfirmedAt = p.PayeeConfirmedAt
	}
	if p.ReleasedAt != nil {
		tx.ReleasedAt = p.ReleasedAt
	}
	if p.FailureReason != nil {
		tx.FailureReason = p.FailureReason
	}
	if p.PaymentReference != nil {
		tx.PaymentReference = p.PaymentReference
	}
	tx.UpdatedAt = now
}

// EscrowDispute maps to the `escrow_disputes` table.
type EscrowDispute struct {
	ID             uuid.UUID       `json:"id"`
	TransactionID  uuid.UUID       `json:"transaction_id"`
	RaisedBy       uuid.UUID       `json:"raised_by"`
	Reason         string          `json:"reason"`
	Status         DisputeStatus   `json:"status"`
	Outcome        *DisputeOutcome `json:"outcome,omitempty"`
	ResolvedBy     *uuid.UUID      `json:"resolved_by,omitempty"`
	ResolutionNote string          `json:"resolution_note,omitempty"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Invoice is a payable obligation settled by a PAYMENT transaction.
type Invoice struct {
	ID            uuid.UUID     `json:"id"`
	Reference     string        `json:"reference"`
	PayerID       uuid.UUID     `json:"payer_id"`
	PayeeID       *uuid.UUID    `json:"payee_id,omitempty"`
	Amount        int64         `json:"amount"`
	Status        InvoiceStatus `json:"status"`
	TransactionID *uuid.UUID    `json:"transaction_id,omitempty"`
	PaidAt        *time.Time    `json:"paid_at,omitempty"`
}

// DepositIdempotency records the outcome of a keyed deposit so retries replay it.
type DepositIdempotency struct {
	OwnerID       uuid.UUID
	Key           string
	Amount        int64
	TransactionID uuid.UUID
	ExpiresAt     time.Time
}

// DepositRequest is the DTO for a deposit into the caller's escrow account.
type DepositRequest struct {
	Amount         int64  `json:"amount"` // in kobo
	IdempotencyKey string `json:"-"`
}

type DepositResult struct {
	TransactionID  uuid.UUID `json:"transaction_id"`
	AccountBalance int64     `json:"account_balance"`
	FrozenBalance  int64     `json:"frozen_balance"`
	Replayed       bool      `json:"replayed,omitempty"`
}

// PaymentRequest debits the payer and settles either a payee or an invoice.
type PaymentRequest struct {
	PayeeID     *uuid.UUID `json:"payee_id,omitempty"`
	InvoiceRef  *string    `json:"invoice_ref,omitempty"`
	Amount      int64      `json:"amount"`
	Description string     `json:"description"`
}

type PaymentResult struct {
	TransactionID  uuid.UUID `json:"transaction_id"`
	AccountBalance int64     `json:"account_balance"`
}

// CreateInvoiceRequest issues an invoice from the caller to PayerID. An empty
// Reference is generated.
type CreateInvoiceRequest struct {
	PayerID   uuid.UUID `json:"payer_id"`
	Amount    int64     `json:"amount"`
	Reference string    `json:"reference,omitempty"`
}

// HoldRequest escrows funds pending a release condition. When PaymentReference is
// set the hold is funded externally and starts PENDING instead of HELD.
type HoldRequest struct {
	PayeeID          *uuid.UUID `json:"payee_id,omitempty"`
	Amount           int64      `json:"amount"`
	Purpose          string     `json:"purpose"`
	ReleaseCondition string     `json:"release_condition"`
	Description      string     `json:"description"`
	PaymentReference *string    `json:"payment_reference,omitempty"`
}

// ReleaseRequest asks the workflow engine to release a held transaction.
type ReleaseRequest struct {
	TransactionID      uuid.UUID   `json:"-"`
	ReleaseType        ReleaseType `json:"release_type"`
	EvidenceURLs       []string    `json:"evidence_urls"`
	SatisfactionRating *int        `json:"satisfaction_rating,omitempty"`
	CompletionNotes    string      `json:"notes,omitempty"`
	PaymentReference   *string     `json:"payment_reference,omitempty"`
}

type ReleaseResult struct {
	TransactionID uuid.UUID         `json:"transaction_id"`
	Status        TransactionStatus `json:"status"`
	Score         int               `json:"score"`
	Band          ReleaseBand       `json:"band"`
	FundsReleased bool              `json:"funds_released"`
	// AwaitingConfirmation lists the parties still expected to confirm a MANUAL release.
	AwaitingConfirmation []string `json:"awaiting_confirmation,omitempty"`
}

type CreateDisputeRequest struct {
	TransactionID uuid.UUID `json:"-"`
	Reason        string    `json:"reason"`
}

type ResolveDisputeRequest struct {
	DisputeID uuid.UUID      `json:"-"`
	Outcome   DisputeOutcome `json:"outcome"`
	Note      string         `json:"note"`
}

type ResolveDisputeResult struct {
	DisputeID         uuid.UUID         `json:"dispute_id"`
	TransactionID     uuid.UUID         `json:"transaction_id"`
	TransactionStatus TransactionStatus `json:"transaction_status"`
}

// TransactionListOptions controls pagination for history queries.
type TransactionListOptions struct {
	Limit  int
	Offset int
}

// HeldTransactionFilter selects candidates for the auto-release sweep.
// Results are ordered by (CreatedAt, ID); a non-nil After resumes strictly
// past that position.
type HeldTransactionFilter struct {
	CreatedBefore time.Time
	After         *HeldTransactionCursor
	Limit         int
}

// HeldTransactionCursor is the keyset position of the last candidate seen.
type HeldTransactionCursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// Before reports whether the cursor sorts before tx.
func (c HeldTransactionCursor) Before(tx *EscrowTransaction) bool {
	if tx.CreatedAt.Equal(c.CreatedAt) {
		return bytes.Compare(c.ID[:], tx.ID[:]) < 0
	}
	return c.CreatedAt.Before(tx.CreatedAt)
}

// ReleaseScorePreview is the read-only view of where a transaction stands.
type ReleaseScorePreview struct {
	TransactionID uuid.UUID         `json:"transaction_id"`
	Status        TransactionStatus `json:"status"`
	Score         int               `json:"score"`
	Band          ReleaseBand       `json:"band"`
	AgeDays       int               `json:"age_days"`
	EvidenceCount int               `json:"evidence_count"`
	DisputeOpen   bool              `json:"dispute_open"`
}
