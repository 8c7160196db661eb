package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/SatsToGo-Devs/ulomu-direct-homes-sub001/internal/domain"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestTranslateError(t *testing.T) {
	plain := errors.New("connection reset")

	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "serialization failure", err: &pgconn.PgError{Code: "40001", Message: "could not serialize access"}, want: domain.ErrConcurrencyConflict},
		{name: "deadlock", err: &pgconn.PgError{Code: "40P01", Message: "deadlock detected"}, want: domain.ErrConcurrencyConflict},
		{name: "lock timeout", err: &pgconn.PgError{Code: "55P03", Message: "canceling statement due to lock timeout"}, want: domain.ErrConcurrencyConflict},
		{name: "wrapped lock timeout", err: fmt.Errorf("update account: %w", &pgconn.PgError{Code: "55P03"}), want: domain.ErrConcurrencyConflict},
		{name: "second open dispute", err: &pgconn.PgError{Code: "23505", ConstraintName: "escrow_disputes_one_open_idx"}, want: domain.ErrDuplicateDispute},
		{name: "payment reference reused", err: &pgconn.PgError{Code: "23505", ConstraintName: "escrow_transactions_payment_reference_idx"}, want: domain.ErrPaymentReferenceInUse},
		{name: "negative balance", err: &pgconn.PgError{Code: "23514", ConstraintName: "escrow_accounts_balance_check"}, want: domain.ErrInsufficientFunds},
		{name: "negative frozen balance", err: &pgconn.PgError{Code: "23514", ConstraintName: "escrow_accounts_frozen_balance_check"}, want: domain.ErrInsufficientFunds},
		{name: "not a postgres error", err: plain, want: plain},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := translateError(tc.err)
			if !errors.Is(got, tc.want) {
				t.Fatalf("translateError(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestTranslateErrorLeavesUnknownConstraintsAlone(t *testing.T) {
	if translateError(nil) != nil {
		t.Fatalf("expected nil to stay nil")
	}

	other := &pgconn.PgError{Code: "23505", ConstraintName: "escrow_accounts_owner_id_key"}
	got := translateError(other)
	if got != error(other) {
		t.Fatalf("expected the original error for an unrelated unique violation, got %v", got)
	}

	check := &pgconn.PgError{Code: "23514", ConstraintName: "escrow_transactions_amount_check"}
	if got := translateError(check); errors.Is(got, domain.ErrInsufficientFunds) {
		t.Fatalf("amount check must not read as insufficient funds")
	}
}
