/**
 * @description
 * This file provides the PostgreSQL implementation of the Ledger Store. All
 * multi-row mutations run inside a pgx transaction; balance rows are locked with
 * `SELECT ... FOR UPDATE` so two operations on the same escrow account never
 * interleave their read-modify-write.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/SatsToGo-Devs/ulomu-direct-homes-sub001/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateLockNotAvailable     = "55P03"
	sqlStateUniqueViolation      = "23505"
	sqlStateCheckViolation       = "23514"

	openDisputeIndex      = "escrow_disputes_one_open_idx"
	paymentReferenceIndex = "escrow_transactions_payment_reference_idx"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db          *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db, lockTimeout: 5 * time.Second}
}

// WithTransaction runs fn in a READ COMMITTED transaction with a bounded lock wait.
// Row locks taken through Tx provide the per-account serialization.
func (r *PostgresRepository) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	pgTx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return translateError(fmt.Errorf("begin transaction: %w", err))
	}
	defer pgTx.Rollback(ctx)

	if r.lockTimeout > 0 {
		if _, err := pgTx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())); err != nil {
			return translateError(err)
		}
	}

	if err := fn(ctx, &postgresTx{q: pgTx}); err != nil {
		return translateError(err)
	}

	if err := pgTx.Commit(ctx); err != nil {
		return translateError(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// GetAccount retrieves an owner's escrow account without locking it.
func (r *PostgresRepository) GetAccount(ctx context.Context, ownerID uuid.UUID) (*domain.EscrowAccount, error) {
	return getAccount(ctx, r.db, ownerID, false)
}

// GetTransaction retrieves an escrow transaction by id without locking it.
func (r *PostgresRepository) GetTransaction(ctx context.Context, transactionID uuid.UUID) (*domain.EscrowTransaction, error) {
	return getTransaction(ctx, r.db, transactionID, false)
}

// ListTransactionsByOwner returns the transactions where the owner is payer or payee, newest first.
func (r *PostgresRepository) ListTransactionsByOwner(ctx context.Context, ownerID uuid.UUID, opts domain.TransactionListOptions) ([]domain.EscrowTransaction, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + transactionColumns + `
		FROM escrow_transactions
		WHERE payer_id = $1 OR payee_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`
	rows, err := r.db.Query(ctx, query, ownerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTransactions(rows)
}

// GetDispute retrieves a dispute by id.
func (r *PostgresRepository) GetDispute(ctx context.Context, disputeID uuid.UUID) (*domain.EscrowDispute, error) {
	return getDispute(ctx, r.db, disputeID)
}

// ListDisputesByTransaction returns every dispute raised against a transaction, oldest first.
func (r *PostgresRepository) ListDisputesByTransaction(ctx context.Context, transactionID uuid.UUID) ([]domain.EscrowDispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM escrow_disputes WHERE transaction_id = $1 ORDER BY created_at ASC`
	rows, err := r.db.Query(ctx, query, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var disputes []domain.EscrowDispute
	for rows.Next() {
		dispute, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		disputes = append(disputes, *dispute)
	}
	return disputes, rows.Err()
}

// FindHeldTransactionsForAutoRelease lists HELD transactions old enough to score and
// free of open disputes, in (created_at, id) order starting after filter.After.
func (r *PostgresRepository) FindHeldTransactionsForAutoRelease(ctx context.Context, filter domain.HeldTransactionFilter) ([]domain.EscrowTransaction, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	args := []any{filter.CreatedBefore, limit}
	keyset := ""
	if filter.After != nil {
		args = append(args, filter.After.CreatedAt, filter.After.ID)
		keyset = "AND (t.created_at, t.id) > ($3, $4)"
	}

	query := `SELECT ` + transactionColumns + `
		FROM escrow_transactions t
		WHERE t.status = 'HELD'
		  AND t.created_at <= $1
		  ` + keyset + `
		  AND NOT EXISTS (
			SELECT 1 FROM escrow_disputes d
			WHERE d.transaction_id = t.id AND d.status = 'OPEN'
		  )
		ORDER BY t.created_at ASC, t.id ASC
		LIMIT $2`
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTransactions(rows)
}

// CreateInvoice inserts a new OPEN invoice.
func (r *PostgresRepository) CreateInvoice(ctx context.Context, invoice *domain.Invoice) error {
	if invoice.ID == uuid.Nil {
		invoice.ID = uuid.New()
	}
	if invoice.Status == "" {
		invoice.Status = domain.InvoiceStatusOpen
	}
	query := `
		INSERT INTO escrow_invoices (id, reference, payer_id, payee_id, amount, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.Exec(ctx, query, invoice.ID, invoice.Reference, invoice.PayerID, invoice.PayeeID, invoice.Amount, string(invoice.Status))
	return translateError(err)
}

// postgresTx implements Tx over an open pgx transaction.
type postgresTx struct {
	q querier
}

func (t *postgresTx) LockAccounts(ctx context.Context, ownerIDs ...uuid.UUID) error {
	if len(ownerIDs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(ownerIDs))
	for _, id := range ownerIDs {
		ids = append(ids, id.String())
	}

	// A stable lock order keeps two-account releases from deadlocking each other.
	rows, err := t.q.Query(ctx, `
		SELECT id FROM escrow_accounts
		WHERE owner_id = ANY($1::uuid[])
		ORDER BY owner_id
		FOR UPDATE
	`, ids)
	if err != nil {
		return err
	}
	rows.Close()
	return rows.Err()
}

func (t *postgresTx) GetAccount(ctx context.Context, ownerID uuid.UUID) (*domain.EscrowAccount, error) {
	return getAccount(ctx, t.q, ownerID, true)
}

func (t *postgresTx) UpsertAccount(ctx context.Context, ownerID uuid.UUID) (*domain.EscrowAccount, error) {
	query := `
		INSERT INTO escrow_accounts (id, owner_id)
		VALUES ($1, $2)
		ON CONFLICT (owner_id) DO UPDATE SET owner_id = EXCLUDED.owner_id
		RETURNING id, owner_id, balance, frozen_balance, created_at, updated_at
	`
	var account domain.EscrowAccount
	err := t.q.QueryRow(ctx, query, uuid.New(), ownerID).Scan(
		&account.ID, &account.OwnerID, &account.Balance, &account.FrozenBalance, &account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (t *postgresTx) AdjustBalances(ctx context.Context, ownerID uuid.UUID, balanceDelta, frozenDelta int64) (*domain.EscrowAccount, error) {
	query := `
		UPDATE escrow_accounts
		SET balance = balance + $2, frozen_balance = frozen_balance + $3, updated_at = NOW()
		WHERE owner_id = $1
		  AND balance + $2 >= 0
		  AND frozen_balance + $3 >= 0
		RETURNING id, owner_id, balance, frozen_balance, created_at, updated_at
	`
	var account domain.EscrowAccount
	err := t.q.QueryRow(ctx, query, ownerID, balanceDelta, frozenDelta).Scan(
		&account.ID, &account.OwnerID, &account.Balance, &account.FrozenBalance, &account.CreatedAt, &account.UpdatedAt,
	)
	if err == nil {
		return &account, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	// No row matched: either the account is missing or the guard rejected the deltas.
	existing, getErr := getAccount(ctx, t.q, ownerID, true)
	if getErr != nil && !errors.Is(getErr, domain.ErrAccountNotFound) {
		return nil, getErr
	}
	if existing != nil || balanceDelta < 0 || frozenDelta < 0 {
		return nil, domain.ErrInsufficientFunds
	}
	if _, err := t.UpsertAccount(ctx, ownerID); err != nil {
		return nil, err
	}
	return t.AdjustBalances(ctx, ownerID, balanceDelta, frozenDelta)
}

func (t *postgresTx) GetTransaction(ctx context.Context, transactionID uuid.UUID) (*domain.EscrowTransaction, error) {
	return getTransaction(ctx, t.q, transactionID, true)
}

func (t *postgresTx) InsertTransaction(ctx context.Context, tx *domain.EscrowTransaction) error {
	query := `
		INSERT INTO escrow_transactions (
			id, escrow_account_id, payer_id, payee_id, invoice_ref, amount, type, status,
			purpose, description, release_condition, payment_reference, evidence_urls,
			completion_confirmed, completion_notes, satisfaction_rating, released_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	evidence := tx.EvidenceURLs
	if evidence == nil {
		evidence = []string{}
	}
	_, err := t.q.Exec(ctx, query,
		tx.ID,
		tx.EscrowAccountID,
		tx.PayerID,
		tx.PayeeID,
		tx.InvoiceRef,
		tx.Amount,
		string(tx.Type),
		string(tx.Status),
		tx.Purpose,
		tx.Description,
		tx.ReleaseCondition,
		tx.PaymentReference,
		evidence,
		tx.CompletionConfirmed,
		tx.CompletionNotes,
		ratingParam(tx.SatisfactionRating),
		tx.ReleasedAt,
		tx.CreatedAt,
		tx.UpdatedAt,
	)
	return err
}

func (t *postgresTx) UpdateTransaction(ctx context.Context, transactionID uuid.UUID, patch domain.TransactionPatch) (*domain.EscrowTransaction, error) {
	sets := []string{"updated_at = NOW()"}
	args := []any{transactionID}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.EvidenceURLs != nil {
		add("evidence_urls", patch.EvidenceURLs)
	}
	if patch.CompletionConfirmed != nil {
		add("completion_confirmed", *patch.CompletionConfirmed)
	}
	if patch.CompletionNotes != nil {
		add("completion_notes", *patch.CompletionNotes)
	}
	if patch.SatisfactionRating != nil {
		add("satisfaction_rating", ratingParam(patch.SatisfactionRating))
	}
	if patch.PayerConfirmedAt != nil {
		add("payer_confirmed_at", *patch.PayerConfirmedAt)
	}
	if patch.PayeeConfirmedAt != nil {
		add("payee_confirmed_at", *patch.PayeeConfirmedAt)
	}
	if patch.ReleasedAt != nil {
		add("released_at", *patch.ReleasedAt)
	}
	if patch.FailureReason != nil {
		add("failure_reason", *patch.FailureReason)
	}
	if patch.PaymentReference != nil {
		add("payment_reference", *patch.PaymentReference)
	}

	query := `UPDATE escrow_transactions SET ` + strings.Join(sets, ", ") + ` WHERE id = $1 RETURNING ` + transactionColumns
	tx, err := scanTransaction(t.q.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

func (t *postgresTx) FindOpenDispute(ctx context.Context, transactionID uuid.UUID) (*domain.EscrowDispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM escrow_disputes WHERE transaction_id = $1 AND status = 'OPEN' FOR UPDATE`
	dispute, err := scanDispute(t.q.QueryRow(ctx, query, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return dispute, nil
}

// GetDispute does not lock: ResolveDispute's conditional update is the guard,
// and transaction rows are always locked before dispute rows.
func (t *postgresTx) GetDispute(ctx context.Context, disputeID uuid.UUID) (*domain.EscrowDispute, error) {
	return getDispute(ctx, t.q, disputeID)
}

func (t *postgresTx) InsertDispute(ctx context.Context, dispute *domain.EscrowDispute) error {
	query := `
		INSERT INTO escrow_disputes (id, transaction_id, raised_by, reason, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := t.q.Exec(ctx, query,
		dispute.ID,
		dispute.TransactionID,
		dispute.RaisedBy,
		dispute.Reason,
		string(dispute.Status),
		dispute.CreatedAt,
		dispute.UpdatedAt,
	)
	return err
}

func (t *postgresTx) ResolveDispute(ctx context.Context, disputeID uuid.UUID, resolvedBy uuid.UUID, outcome domain.DisputeOutcome, note string, resolvedAt time.Time) (*domain.EscrowDispute, error) {
	query := `
		UPDATE escrow_disputes
		SET status = 'RESOLVED', outcome = $2, resolved_by = $3, resolution_note = $4, resolved_at = $5, updated_at = NOW()
		WHERE id = $1 AND status = 'OPEN'
		RETURNING ` + disputeColumns
	dispute, err := scanDispute(t.q.QueryRow(ctx, query, disputeID, string(outcome), resolvedBy, note, resolvedAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrInvalidState
		}
		return nil, err
	}
	return dispute, nil
}

func (t *postgresTx) GetInvoiceByReference(ctx context.Context, reference string) (*domain.Invoice, error) {
	var (
		invoice domain.Invoice
		status  string
	)
	query := `
		SELECT id, reference, payer_id, payee_id, amount, status, transaction_id, paid_at
		FROM escrow_invoices
		WHERE reference = $1
		FOR UPDATE
	`
	err := t.q.QueryRow(ctx, query, reference).Scan(
		&invoice.ID, &invoice.Reference, &invoice.PayerID, &invoice.PayeeID,
		&invoice.Amount, &status, &invoice.TransactionID, &invoice.PaidAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrInvoiceNotFound
		}
		return nil, err
	}
	invoice.Status = domain.InvoiceStatus(status)
	return &invoice, nil
}

func (t *postgresTx) MarkInvoicePaid(ctx context.Context, invoiceID uuid.UUID, transactionID uuid.UUID, paidAt time.Time) error {
	query := `UPDATE escrow_invoices SET status = 'PAID', transaction_id = $2, paid_at = $3 WHERE id = $1 AND status = 'OPEN'`
	result, err := t.q.Exec(ctx, query, invoiceID, transactionID, paidAt)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrInvalidState
	}
	return nil
}

func (t *postgresTx) GetDepositIdempotency(ctx context.Context, ownerID uuid.UUID, key string, now time.Time) (*domain.DepositIdempotency, error) {
	var record domain.DepositIdempotency
	query := `
		SELECT owner_id, idempotency_key, amount, transaction_id, expires_at
		FROM escrow_deposit_idempotency
		WHERE owner_id = $1 AND idempotency_key = $2 AND expires_at > $3
		FOR UPDATE
	`
	err := t.q.QueryRow(ctx, query, ownerID, key, now).Scan(
		&record.OwnerID, &record.Key, &record.Amount, &record.TransactionID, &record.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (t *postgresTx) SaveDepositIdempotency(ctx context.Context, record domain.DepositIdempotency) error {
	// Expired keys are overwritten in place.
	query := `
		INSERT INTO escrow_deposit_idempotency (owner_id, idempotency_key, amount, transaction_id, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner_id, idempotency_key) DO UPDATE
		SET amount = EXCLUDED.amount,
			transaction_id = EXCLUDED.transaction_id,
			expires_at = EXCLUDED.expires_at,
			created_at = NOW()
		WHERE escrow_deposit_idempotency.expires_at <= NOW()
	`
	result, err := t.q.Exec(ctx, query, record.OwnerID, record.Key, record.Amount, record.TransactionID, record.ExpiresAt)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		// A concurrent request won the key between our read and write.
		return domain.ErrConcurrencyConflict
	}
	return nil
}

const transactionColumns = `
	id, escrow_account_id, payer_id, payee_id, invoice_ref, amount, type, status,
	purpose, description, release_condition, payment_reference, evidence_urls,
	completion_confirmed, completion_notes, satisfaction_rating, payer_confirmed_at,
	payee_confirmed_at, released_at, failure_reason, created_at, updated_at`

const disputeColumns = `
	id, transaction_id, raised_by, reason, status, outcome, resolved_by,
	resolution_note, resolved_at, created_at, updated_at`

func getAccount(ctx context.Context, q querier, ownerID uuid.UUID, forUpdate bool) (*domain.EscrowAccount, error) {
	query := `SELECT id, owner_id, balance, frozen_balance, created_at, updated_at FROM escrow_accounts WHERE owner_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var account domain.EscrowAccount
	err := q.QueryRow(ctx, query, ownerID).Scan(
		&account.ID, &account.OwnerID, &account.Balance, &account.FrozenBalance, &account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

func getTransaction(ctx context.Context, q querier, transactionID uuid.UUID, forUpdate bool) (*domain.EscrowTransaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM escrow_transactions WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	tx, err := scanTransaction(q.QueryRow(ctx, query, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

func getDispute(ctx context.Context, q querier, disputeID uuid.UUID) (*domain.EscrowDispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM escrow_disputes WHERE id = $1`
	dispute, err := scanDispute(q.QueryRow(ctx, query, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrDisputeNotFound
		}
		return nil, err
	}
	return dispute, nil
}

func collectTransactions(rows pgx.Rows) ([]domain.EscrowTransaction, error) {
	var transactions []domain.EscrowTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, *tx)
	}
	return transactions, rows.Err()
}

func scanTransaction(row pgx.Row) (*domain.EscrowTransaction, error) {
	var (
		tx     domain.EscrowTransaction
		txType string
		status string
		rating *int16
		urls   []string
	)
	err := row.Scan(
		&tx.ID,
		&tx.EscrowAccountID,
		&tx.PayerID,
		&tx.PayeeID,
		&tx.InvoiceRef,
		&tx.Amount,
		&txType,
		&status,
		&tx.Purpose,
		&tx.Description,
		&tx.ReleaseCondition,
		&tx.PaymentReference,
		&urls,
		&tx.CompletionConfirmed,
		&tx.CompletionNotes,
		&rating,
		&tx.PayerConfirmedAt,
		&tx.PayeeConfirmedAt,
		&tx.ReleasedAt,
		&tx.FailureReason,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	// Rows are validated on the way out so a bad value never reaches the service.
	if tx.Type, err = domain.ParseTransactionType(txType); err != nil {
		return nil, err
	}
	if tx.Status, err = domain.ParseTransactionStatus(status); err != nil {
		return nil, err
	}
	if rating != nil {
		value := int(*rating)
		tx.SatisfactionRating = &value
	}
	tx.EvidenceURLs = urls
	if tx.EvidenceURLs == nil {
		tx.EvidenceURLs = []string{}
	}
	return &tx, nil
}

func scanDispute(row pgx.Row) (*domain.EscrowDispute, error) {
	var (
		dispute domain.EscrowDispute
		status  string
		outcome *string
	)
	err := row.Scan(
		&dispute.ID,
		&dispute.TransactionID,
		&dispute.RaisedBy,
		&dispute.Reason,
		&status,
		&outcome,
		&dispute.ResolvedBy,
		&dispute.ResolutionNote,
		&dispute.ResolvedAt,
		&dispute.CreatedAt,
		&dispute.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	dispute.Status = domain.DisputeStatus(status)
	if outcome != nil {
		o := domain.DisputeOutcome(*outcome)
		dispute.Outcome = &o
	}
	return &dispute, nil
}

func ratingParam(rating *int) *int16 {
	if rating == nil {
		return nil
	}
	value := int16(*rating)
	return &value
}

// translateError maps PostgreSQL failures onto the domain taxonomy.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case sqlStateSerializationFailure, sqlStateDeadlockDetected, sqlStateLockNotAvailable:
		log.Printf("level=warn component=store msg=\"concurrency conflict\" sqlstate=%s detail=%q", pgErr.Code, pgErr.Message)
		return fmt.Errorf("%w: %s", domain.ErrConcurrencyConflict, pgErr.Message)
	case sqlStateUniqueViolation:
		switch pgErr.ConstraintName {
		case openDisputeIndex:
			return domain.ErrDuplicateDispute
		case paymentReferenceIndex:
			return domain.ErrPaymentReferenceInUse
		}
	case sqlStateCheckViolation:
		if strings.Contains(pgErr.ConstraintName, "balance") {
			return domain.ErrInsufficientFunds
		}
	}
	return err
}
