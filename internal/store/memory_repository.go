package store

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/SatsToGo-Devs/ulomu-direct-homes-sub001/internal/domain"
	"github.com/google/uuid"
)

// MemoryRepository is an in-process Ledger Store used by tests and by
// STORE_DRIVER=memory. A unit of work holds the repository mutex for its whole
// duration and mutates a private copy of the state, which replaces the live
// state only if fn succeeds.
type MemoryRepository struct {
	mu    sync.Mutex
	state *memoryState
	now   func() time.Time
}

type memoryState struct {
	accounts     map[uuid.UUID]*domain.EscrowAccount
	transactions map[uuid.UUID]*domain.EscrowTransaction
	disputes     map[uuid.UUID]*domain.EscrowDispute
	invoices     map[string]*domain.Invoice
	idempotency  map[string]*domain.DepositIdempotency
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		state: &memoryState{
			accounts:     make(map[uuid.UUID]*domain.EscrowAccount),
			transactions: make(map[uuid.UUID]*domain.EscrowTransaction),
			disputes:     make(map[uuid.UUID]*domain.EscrowDispute),
			invoices:     make(map[string]*domain.Invoice),
			idempotency:  make(map[string]*domain.DepositIdempotency),
		},
		now: time.Now,
	}
}

func (r *MemoryRepository) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := r.state.clone()
	if err := fn(ctx, &memoryTx{state: work, now: r.now}); err != nil {
		return err
	}
	r.state = work
	return nil
}

func (r *MemoryRepository) GetAccount(ctx context.Context, ownerID uuid.UUID) (*domain.EscrowAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.state.accounts[ownerID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	copied := *account
	return &copied, nil
}

func (r *MemoryRepository) GetTransaction(ctx context.Context, transactionID uuid.UUID) (*domain.EscrowTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, ok := r.state.transactions[transactionID]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	return cloneTransaction(tx), nil
}

func (r *MemoryRepository) ListTransactionsByOwner(ctx context.Context, ownerID uuid.UUID, opts domain.TransactionListOptions) ([]domain.EscrowTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []domain.EscrowTransaction
	for _, tx := range r.state.transactions {
		if tx.IsParty(ownerID) {
			matched = append(matched, *cloneTransaction(tx))
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

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
	if offset >= len(matched) {
		return nil, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

func (r *MemoryRepository) GetDispute(ctx context.Context, disputeID uuid.UUID) (*domain.EscrowDispute, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.state.disputes[disputeID]
	if !ok {
		return nil, domain.ErrDisputeNotFound
	}
	return cloneDispute(d), nil
}

func (r *MemoryRepository) ListDisputesByTransaction(ctx context.Context, transactionID uuid.UUID) ([]domain.EscrowDispute, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var disputes []domain.EscrowDispute
	for _, d := range r.state.disputes {
		if d.TransactionID == transactionID {
			disputes = append(disputes, *cloneDispute(d))
		}
	}
	sort.Slice(disputes, func(i, j int) bool {
		return disputes[i].CreatedAt.Before(disputes[j].CreatedAt)
	})
	return disputes, nil
}

func (r *MemoryRepository) FindHeldTransactionsForAutoRelease(ctx context.Context, filter domain.HeldTransactionFilter) ([]domain.EscrowTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []domain.EscrowTransaction
	for _, tx := range r.state.transactions {
		if tx.Status != domain.TransactionStatusHeld || tx.CreatedAt.After(filter.CreatedBefore) {
			continue
		}
		if filter.After != nil && !filter.After.Before(tx) {
			continue
		}
		if r.state.openDispute(tx.ID) != nil {
			continue
		}
		candidates = append(candidates, *cloneTransaction(tx))
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return bytes.Compare(candidates[i].ID[:], candidates[j].ID[:]) < 0
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func (r *MemoryRepository) CreateInvoice(ctx context.Context, invoice *domain.Invoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if invoice.ID == uuid.Nil {
		invoice.ID = uuid.New()
	}
	if invoice.Status == "" {
		invoice.Status = domain.InvoiceStatusOpen
	}
	if _, exists := r.state.invoices[invoice.Reference]; exists {
		return domain.ErrInvalidInput
	}
	copied := *invoice
	r.state.invoices[invoice.Reference] = &copied
	return nil
}

// SumBalances returns the system-wide total of balance and frozen balance.
func (r *MemoryRepository) SumBalances() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var total int64
	for _, account := range r.state.accounts {
		total += account.Total()
	}
	return total
}

// SetTransactionCreatedAt rewrites a transaction's creation time. It exists so
// callers can simulate elapsed time.
func (r *MemoryRepository) SetTransactionCreatedAt(transactionID uuid.UUID, createdAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, ok := r.state.transactions[transactionID]
	if !ok {
		return domain.ErrTransactionNotFound
	}
	tx.CreatedAt = createdAt
	return nil
}

type memoryTx struct {
	state *memoryState
	now   func() time.Time
}

// LockAccounts is a no-op: the unit of work already holds the repository lock.
func (t *memoryTx) LockAccounts(ctx context.Context, ownerIDs ...uuid.UUID) error {
	return nil
}

func (t *memoryTx) GetAccount(ctx context.Context, ownerID uuid.UUID) (*domain.EscrowAccount, error) {
	account, ok := t.state.accounts[ownerID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	copied := *account
	return &copied, nil
}

func (t *memoryTx) UpsertAccount(ctx context.Context, ownerID uuid.UUID) (*domain.EscrowAccount, error) {
	account, ok := t.state.accounts[ownerID]
	if !ok {
		now := t.now()
		account = &domain.EscrowAccount{
			ID:        uuid.New(),
			OwnerID:   ownerID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		t.state.accounts[ownerID] = account
	}
	copied := *account
	return &copied, nil
}

func (t *memoryTx) AdjustBalances(ctx context.Context, ownerID uuid.UUID, balanceDelta, frozenDelta int64) (*domain.EscrowAccount, error) {
	account, ok := t.state.accounts[ownerID]
	if !ok {
		if balanceDelta < 0 || frozenDelta < 0 {
			return nil, domain.ErrInsufficientFunds
		}
		if _, err := t.UpsertAccount(ctx, ownerID); err != nil {
			return nil, err
		}
		account = t.state.accounts[ownerID]
	}
	if account.Balance+balanceDelta < 0 || account.FrozenBalance+frozenDelta < 0 {
		return nil, domain.ErrInsufficientFunds
	}
	account.Balance += balanceDelta
	account.FrozenBalance += frozenDelta
	account.UpdatedAt = t.now()

	copied := *account
	return &copied, nil
}

func (t *memoryTx) GetTransaction(ctx context.Context, transactionID uuid.UUID) (*domain.EscrowTransaction, error) {
	tx, ok := t.state.transactions[transactionID]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	return cloneTransaction(tx), nil
}

func (t *memoryTx) InsertTransaction(ctx context.Context, tx *domain.EscrowTransaction) error {
	if _, exists := t.state.transactions[tx.ID]; exists {
		return domain.ErrInvalidInput
	}
	if t.state.referenceTaken(tx.ID, tx.Type, tx.Status, tx.PaymentReference) {
		return domain.ErrPaymentReferenceInUse
	}
	t.state.transactions[tx.ID] = cloneTransaction(tx)
	return nil
}

func (t *memoryTx) UpdateTransaction(ctx context.Context, transactionID uuid.UUID, patch domain.TransactionPatch) (*domain.EscrowTransaction, error) {
	tx, ok := t.state.transactions[transactionID]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	updated := cloneTransaction(tx)
	patch.Apply(updated, t.now())
	if t.state.referenceTaken(updated.ID, updated.Type, updated.Status, updated.PaymentReference) {
		return nil, domain.ErrPaymentReferenceInUse
	}
	t.state.transactions[transactionID] = updated
	return cloneTransaction(updated), nil
}

func (t *memoryTx) FindOpenDispute(ctx context.Context, transactionID uuid.UUID) (*domain.EscrowDispute, error) {
	if d := t.state.openDispute(transactionID); d != nil {
		return cloneDispute(d), nil
	}
	return nil, nil
}

func (t *memoryTx) GetDispute(ctx context.Context, disputeID uuid.UUID) (*domain.EscrowDispute, error) {
	d, ok := t.state.disputes[disputeID]
	if !ok {
		return nil, domain.ErrDisputeNotFound
	}
	return cloneDispute(d), nil
}

func (t *memoryTx) InsertDispute(ctx context.Context, dispute *domain.EscrowDispute) error {
	if dispute.Status == domain.DisputeStatusOpen && t.state.openDispute(dispute.TransactionID) != nil {
		return domain.ErrDuplicateDispute
	}
	t.state.disputes[dispute.ID] = cloneDispute(dispute)
	return nil
}

func (t *memoryTx) ResolveDispute(ctx context.Context, disputeID uuid.UUID, resolvedBy uuid.UUID, outcome domain.DisputeOutcome, note string, resolvedAt time.Time) (*domain.EscrowDispute, error) {
	d, ok := t.state.disputes[disputeID]
	if !ok {
		return nil, domain.ErrDisputeNotFound
	}
	if d.Status != domain.DisputeStatusOpen {
		return nil, domain.ErrInvalidState
	}
	d.Status = domain.DisputeStatusResolved
	d.Outcome = &outcome
	d.ResolvedBy = &resolvedBy
	d.ResolutionNote = note
	d.ResolvedAt = &resolvedAt
	d.UpdatedAt = resolvedAt
	return cloneDispute(d), nil
}

func (t *memoryTx) GetInvoiceByReference(ctx context.Context, reference string) (*domain.Invoice, error) {
	invoice, ok := t.state.invoices[reference]
	if !ok {
		return nil, domain.ErrInvoiceNotFound
	}
	copied := *invoice
	return &copied, nil
}

func (t *memoryTx) MarkInvoicePaid(ctx context.Context, invoiceID uuid.UUID, transactionID uuid.UUID, paidAt time.Time) error {
	for _, invoice := range t.state.invoices {
		if invoice.ID != invoiceID {
			continue
		}
		if invoice.Status != domain.InvoiceStatusOpen {
			return domain.ErrInvalidState
		}
		invoice.Status = domain.InvoiceStatusPaid
		invoice.TransactionID = &transactionID
		invoice.PaidAt = &paidAt
		return nil
	}
	return domain.ErrInvoiceNotFound
}

func (t *memoryTx) GetDepositIdempotency(ctx context.Context, ownerID uuid.UUID, key string, now time.Time) (*domain.DepositIdempotency, error) {
	record, ok := t.state.idempotency[idempotencyKey(ownerID, key)]
	if !ok || !record.ExpiresAt.After(now) {
		return nil, nil
	}
	copied := *record
	return &copied, nil
}

func (t *memoryTx) SaveDepositIdempotency(ctx context.Context, record domain.DepositIdempotency) error {
	k := idempotencyKey(record.OwnerID, record.Key)
	if existing, ok := t.state.idempotency[k]; ok && existing.ExpiresAt.After(t.now()) {
		return domain.ErrConcurrencyConflict
	}
	t.state.idempotency[k] = &record
	return nil
}

func idempotencyKey(ownerID uuid.UUID, key string) string {
	return ownerID.String() + ":" + key
}

func (s *memoryState) openDispute(transactionID uuid.UUID) *domain.EscrowDispute {
	for _, d := range s.disputes {
		if d.TransactionID == transactionID && d.Status == domain.DisputeStatusOpen {
			return d
		}
	}
	return nil
}

// referenceTaken mirrors escrow_transactions_payment_reference_idx: a payment
// reference may back only one non-FAILED hold.
func (s *memoryState) referenceTaken(id uuid.UUID, txType domain.TransactionType, status domain.TransactionStatus, reference *string) bool {
	if txType != domain.TransactionTypeHold || status == domain.TransactionStatusFailed || reference == nil {
		return false
	}
	for _, other := range s.transactions {
		if other.ID == id || other.Type != domain.TransactionTypeHold || other.Status == domain.TransactionStatusFailed {
			continue
		}
		if other.PaymentReference != nil && *other.PaymentReference == *reference {
			return true
		}
	}
	return false
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		accounts:     make(map[uuid.UUID]*domain.EscrowAccount, len(s.accounts)),
		transactions: make(map[uuid.UUID]*domain.EscrowTransaction, len(s.transactions)),
		disputes:     make(map[uuid.UUID]*domain.EscrowDispute, len(s.disputes)),
		invoices:     make(map[string]*domain.Invoice, len(s.invoices)),
		idempotency:  make(map[string]*domain.DepositIdempotency, len(s.idempotency)),
	}
	for k, v := range s.accounts {
		copied := *v
		c.accounts[k] = &copied
	}
	for k, v := range s.transactions {
		c.transactions[k] = cloneTransaction(v)
	}
	for k, v := range s.disputes {
		c.disputes[k] = cloneDispute(v)
	}
	for k, v := range s.invoices {
		copied := *v
		c.invoices[k] = &copied
	}
	for k, v := range s.idempotency {
		copied := *v
		c.idempotency[k] = &copied
	}
	return c
}

func cloneTransaction(tx *domain.EscrowTransaction) *domain.EscrowTransaction {
	copied := *tx
	copied.EvidenceURLs = append([]string{}, tx.EvidenceURLs...)
	if tx.SatisfactionRating != nil {
		rating := *tx.SatisfactionRating
		copied.SatisfactionRating = &rating
	}
	return &copied
}

func cloneDispute(d *domain.EscrowDispute) *domain.EscrowDispute {
	copied := *d
	if d.Outcome != nil {
		outcome := *d.Outcome
		copied.Outcome = &outcome
	}
	return &copied
}
