package domain

import "errors"

var (
	ErrInvalidAmount             = errors.New("amount must be greater than zero")
	ErrInsufficientFunds         = errors.New("insufficient funds")
	ErrTransactionNotFound       = errors.New("transaction not found")
	ErrAccountNotFound           = errors.New("escrow account not found")
	ErrInvalidState              = errors.New("transaction is not in a valid state for this operation")
	ErrPaymentVerificationFailed = errors.New("payment verification failed")
	ErrDuplicateDispute          = errors.New("an open dispute already exists for this transaction")
	ErrDisputeOpen               = errors.New("transaction has an open dispute")
	ErrDisputeNotFound           = errors.New("dispute not found")
	ErrConcurrencyConflict       = errors.New("concurrent update conflict; retry")
	ErrForbidden                 = errors.New("caller is not allowed to perform this operation")
	ErrIdempotencyConflict       = errors.New("idempotency key reused with a different request")
	ErrInvoiceNotFound           = errors.New("invoice not found")
	ErrInvalidInput              = errors.New("invalid input")
	ErrRateLimited               = errors.New("too many attempts; try again later")
	ErrPaymentReferenceInUse     = errors.New("payment reference already funds another hold")
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrInvalidAmount, "InvalidAmount"},
	{ErrInsufficientFunds, "InsufficientFunds"},
	{ErrTransactionNotFound, "TransactionNotFound"},
	{ErrAccountNotFound, "AccountNotFound"},
	{ErrInvalidState, "InvalidState"},
	{ErrPaymentVerificationFailed, "PaymentVerificationFailed"},
	{ErrDuplicateDispute, "DuplicateDispute"},
	{ErrDisputeOpen, "DisputeOpen"},
	{ErrDisputeNotFound, "DisputeNotFound"},
	{ErrConcurrencyConflict, "ConcurrencyConflict"},
	{ErrForbidden, "Forbidden"},
	{ErrIdempotencyConflict, "IdempotencyConflict"},
	{ErrInvoiceNotFound, "InvoiceNotFound"},
	{ErrInvalidInput, "InvalidInput"},
	{ErrRateLimited, "RateLimited"},
	{ErrPaymentReferenceInUse, "PaymentReferenceInUse"},
}

// ErrorKind returns the stable taxonomy name for err, or "Internal" when err
// does not wrap a domain error.
func ErrorKind(err error) string {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "Internal"
}

// IsRetryable reports whether err may be retried automatically.
// Only ConcurrencyConflict qualifies; everything else needs caller correction.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}
