/**
 * @description
 * This file defines the Ledger Store contract used by the escrow workflow engine.
 * Reads that need no consistency guarantees go through `Repository` directly;
 * every mutation runs inside `WithTransaction`, whose `Tx` applies all changes
 * atomically (commit-or-rollback) with respect to concurrent callers.
 *
 * @notes
 * - `Tx.AdjustBalances` is the only primitive allowed to change balances. It
 *   refuses to drive either bucket below zero.
 * - Implementations translate lock/serialization failures into
 *   `domain.ErrConcurrencyConflict` so callers can retry.
 */

package store

import (
	"context"
	"time"

	"github.com/SatsToGo-Devs/ulomu-direct-homes-sub001/internal/domain"
	"github.com/google/uuid"
)

// Repository is the Ledger Store.
type Repository interface {
	// WithTransaction runs fn inside a unit of work. If fn returns an error every
	// change made through tx is discarded.
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetAccount(ctx context.Context, ownerID uuid.UUID) (*domain.EscrowAccount, error)
	GetTransaction(ctx context.Context, transactionID uuid.UUID) (*domain.EscrowTransaction, error)
	ListTransactionsByOwner(ctx context.Context, ownerID uuid.UUID, opts domain.TransactionListOptions) ([]domain.EscrowTransaction, error)
	GetDispute(ctx context.Context, disputeID uuid.UUID) (*domain.EscrowDispute, error)
	ListDisputesByTransaction(ctx context.Context, transactionID uuid.UUID) ([]domain.EscrowDispute, error)
	FindHeldTransactionsForAutoRelease(ctx context.Context, filter domain.HeldTransactionFilter) ([]domain.EscrowTransaction, error)
	CreateInvoice(ctx context.Context, invoice *domain.Invoice) error
}

// Tx is the set of operations available inside a unit of work.
type Tx interface {
	// LockAccounts takes the row locks for the given owners in a stable order.
	// Owners without an account are skipped.
	LockAccounts(ctx context.Context, ownerIDs ...uuid.UUID) error
	GetAccount(ctx context.Context, ownerID uuid.UUID) (*domain.EscrowAccount, error)
	// UpsertAccount creates the owner's account if missing and returns it.
	UpsertAccount(ctx context.Context, ownerID uuid.UUID) (*domain.EscrowAccount, error)
	// AdjustBalances applies signed deltas to an account. It fails with
	// domain.ErrInsufficientFunds, leaving the row untouched, if either bucket
	// would go negative.
	AdjustBalances(ctx context.Context, ownerID uuid.UUID, balanceDelta, frozenDelta int64) (*domain.EscrowAccount, error)

	GetTransaction(ctx context.Context, transactionID uuid.UUID) (*domain.EscrowTransaction, error)
	InsertTransaction(ctx context.Context, tx *domain.EscrowTransaction) error
	UpdateTransaction(ctx context.Context, transactionID uuid.UUID, patch domain.TransactionPatch) (*domain.EscrowTransaction, error)

	// FindOpenDispute returns nil, nil when the transaction has no OPEN dispute.
	FindOpenDispute(ctx context.Context, transactionID uuid.UUID) (*domain.EscrowDispute, error)
	GetDispute(ctx context.Context, disputeID uuid.UUID) (*domain.EscrowDispute, error)
	InsertDispute(ctx context.Context, dispute *domain.EscrowDispute) error
	// ResolveDispute moves an OPEN dispute to RESOLVED. It fails with
	// domain.ErrInvalidState if the dispute is no longer OPEN.
	ResolveDispute(ctx context.Context, disputeID uuid.UUID, resolvedBy uuid.UUID, outcome domain.DisputeOutcome, note string, resolvedAt time.Time) (*domain.EscrowDispute, error)

	GetInvoiceByReference(ctx context.Context, reference string) (*domain.Invoice, error)
	MarkInvoicePaid(ctx context.Context, invoiceID uuid.UUID, transactionID uuid.UUID, paidAt time.Time) error

	GetDepositIdempotency(ctx context.Context, ownerID uuid.UUID, key string, now time.Time) (*domain.DepositIdempotency, error)
	SaveDepositIdempotency(ctx context.Context, record domain.DepositIdempotency) error
}
