package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/SatsToGo-Devs/ulomu-direct-homes-sub001/internal/domain"
	"github.com/SatsToGo-Devs/ulomu-direct-homes-sub001/internal/store"
	"github.com/google/uuid"
)

const maxDisputeReasonLength = 2000

// CreateDispute opens a dispute on a held or pending transaction. While it is
// open every release path for the transaction is blocked.
func (s *Service) CreateDispute(ctx context.Context, caller domain.Caller, req domain.CreateDisputeRequest) (*domain.EscrowDispute, error) {
	if err := requireUser(caller); err != nil {
		return nil, err
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: dispute reason is required", domain.ErrInvalidInput)
	}
	if len(reason) > maxDisputeReasonLength {
		return nil, fmt.Errorf("%w: dispute reason exceeds %d characters", domain.ErrInvalidInput, maxDisputeReasonLength)
	}
	if err := s.checkRateLimit(ctx, "dispute", caller); err != nil {
		return nil, err
	}

	var (
		dispute *domain.EscrowDispute
		target  *domain.EscrowTransaction
	)
	err := s.withRetry(ctx, "create_dispute", func(ctx context.Context, tx store.Tx) error {
		dispute, target = nil, nil
		now := s.now()

		t, err := tx.GetTransaction(ctx, req.TransactionID)
		if err != nil {
			return err
		}
		if !caller.IsAdmin() && !t.IsParty(caller.ID) {
			return domain.ErrForbidden
		}
		if !t.Status.Releasable() {
			return domain.ErrInvalidState
		}
		open, err := tx.FindOpenDispute(ctx, t.ID)
		if err != nil {
			return err
		}
		if open != nil {
			return domain.ErrDuplicateDispute
		}

		dispute = &domain.EscrowDispute{
			ID:            uuid.New(),
			TransactionID: t.ID,
			RaisedBy:      caller.ID,
			Reason:        reason,
			Status:        domain.DisputeStatusOpen,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		target = t
		return tx.InsertDispute(ctx, dispute)
	})
	if err != nil {
		log.Printf("level=warn component=escrow op=create_dispute tx_id=%s kind=%s err=%v", req.TransactionID, domain.ErrorKind(err), err)
		return nil, err
	}

	s.emit(domain.RoutingKeyDisputeOpened, domain.DisputeEventPayload{
		DisputeID:     dispute.ID,
		TransactionID: target.ID,
		RaisedBy:      dispute.RaisedBy,
		Reason:        dispute.Reason,
		Status:        dispute.Status,
		OccurredAt:    dispute.CreatedAt,
	})
	for _, party := range disputeCounterparties(target, caller.ID) {
		s.notify(party, "dispute", "Escrow disputed", "A dispute was opened on your escrow transaction. Funds stay frozen until it is resolved.", target,
			map[string]interface{}{"dispute_id": dispute.ID.String()})
	}
	log.Printf("level=info component=escrow op=create_dispute dispute_id=%s tx_id=%s raised_by=%s", dispute.ID, target.ID, caller.ID)
	return dispute, nil
}

// ResolveDispute settles an open dispute. A release outcome pays the
// recipient and completes the transaction; a refund returns frozen funds to
// the payer and fails it.
func (s *Service) ResolveDispute(ctx context.Context, caller domain.Caller, req domain.ResolveDisputeRequest) (*domain.ResolveDisputeResult, error) {
	if !caller.IsAdmin() {
		return nil, domain.ErrForbidden
	}
	outcome, err := domain.ParseDisputeOutcome(string(req.Outcome))
	if err != nil {
		return nil, err
	}
	note := strings.TrimSpace(req.Note)

	current, err := s.repo.GetDispute(ctx, req.DisputeID)
	if err != nil {
		return nil, err
	}
	if current.Status != domain.DisputeStatusOpen {
		return nil, domain.ErrInvalidState
	}

	// Releasing an externally funded hold still needs the gateway to confirm the payment.
	var verifiedRef *string
	if outcome == domain.DisputeOutcomeRelease {
		t, err := s.repo.GetTransaction(ctx, current.TransactionID)
		if err != nil {
			return nil, err
		}
		if t.Status == domain.TransactionStatusPending {
			if verifiedRef, err = s.verifyFunding(ctx, t, nil); err != nil {
				return nil, err
			}
		}
	}

	var (
		resolved *domain.EscrowDispute
		settled  *domain.EscrowTransaction
	)
	err = s.withRetry(ctx, "resolve_dispute", func(ctx context.Context, tx store.Tx) error {
		resolved, settled = nil, nil
		now := s.now()

		t, err := tx.GetTransaction(ctx, current.TransactionID)
		if err != nil {
			return err
		}
		if !t.Status.Releasable() {
			return domain.ErrInvalidState
		}
		if resolved, err = tx.ResolveDispute(ctx, current.ID, caller.ID, outcome, note, now); err != nil {
			return err
		}

		var patch domain.TransactionPatch
		switch outcome {
		case domain.DisputeOutcomeRelease:
			if t.Status == domain.TransactionStatusPending && verifiedRef == nil {
				return fmt.Errorf("%w: pending hold has not been verified", domain.ErrPaymentVerificationFailed)
			}
			if err := releaseFunds(ctx, tx, t); err != nil {
				return err
			}
			completed := domain.TransactionStatusCompleted
			patch.Status = &completed
			patch.ReleasedAt = &now
			patch.PaymentReference = verifiedRef
		case domain.DisputeOutcomeRefund:
			if err := refundFunds(ctx, tx, t); err != nil {
				return err
			}
			failed := domain.TransactionStatusFailed
			reason := "dispute resolved in favour of payer"
			if note != "" {
				reason = note
			}
			patch.Status = &failed
			patch.FailureReason = &reason
		}

		settled, err = tx.UpdateTransaction(ctx, t.ID, patch)
		return err
	})
	if err != nil {
		log.Printf("level=warn component=escrow op=resolve_dispute dispute_id=%s kind=%s err=%v", req.DisputeID, domain.ErrorKind(err), err)
		return nil, err
	}

	o := outcome
	s.emit(domain.RoutingKeyDisputeResolved, domain.DisputeEventPayload{
		DisputeID:     resolved.ID,
		TransactionID: settled.ID,
		RaisedBy:      resolved.RaisedBy,
		Reason:        resolved.Reason,
		Status:        resolved.Status,
		Outcome:       &o,
		OccurredAt:    s.now(),
	})
	s.emitReceipt(settled, "", nil)
	body := "The dispute on your escrow transaction was resolved: funds released."
	if outcome == domain.DisputeOutcomeRefund {
		body = "The dispute on your escrow transaction was resolved: funds returned to the payer."
	}
	for _, party := range disputeCounterparties(settled, uuid.Nil) {
		s.notify(party, "dispute", "Dispute resolved", body, settled, map[string]interface{}{"dispute_id": resolved.ID.String(), "outcome": string(outcome)})
	}
	log.Printf("level=info component=escrow op=resolve_dispute dispute_id=%s tx_id=%s outcome=%s status=%s", resolved.ID, settled.ID, outcome, settled.Status)
	return &domain.ResolveDisputeResult{
		DisputeID:         resolved.ID,
		TransactionID:     settled.ID,
		TransactionStatus: settled.Status,
	}, nil
}

// ListDisputes returns every dispute on a transaction the caller can see.
func (s *Service) ListDisputes(ctx context.Context, caller domain.Caller, transactionID uuid.UUID) ([]domain.EscrowDispute, error) {
	t, err := s.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if err := authorizeParty(caller, t); err != nil {
		return nil, err
	}
	return s.repo.ListDisputesByTransaction(ctx, transactionID)
}

// disputeCounterparties lists the transaction's parties other than exclude.
func disputeCounterparties(t *domain.EscrowTransaction, exclude uuid.UUID) []uuid.UUID {
	var parties []uuid.UUID
	if t.PayerID != exclude {
		parties = append(parties, t.PayerID)
	}
	if t.PayeeID != nil && *t.PayeeID != exclude {
		parties = append(parties, *t.PayeeID)
	}
	return parties
}
