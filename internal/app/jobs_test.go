package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/SatsToGo-Devs/ulomu-direct-homes-sub001/internal/domain"
	"github.com/google/uuid"
)

// finderStub pages through txs, which must already be in (CreatedAt, ID) order.
type finderStub struct {
	txs     []domain.EscrowTransaction
	err     error
	filters []domain.HeldTransactionFilter
}

func (s *finderStub) FindHeldTransactionsForAutoRelease(ctx context.Context, filter domain.HeldTransactionFilter) ([]domain.EscrowTransaction, error) {
	s.filters = append(s.filters, filter)
	if s.err != nil {
		return nil, s.err
	}
	var page []domain.EscrowTransaction
	for i := range s.txs {
		if filter.After != nil && !filter.After.Before(&s.txs[i]) {
			continue
		}
		if len(page) == filter.Limit {
			break
		}
		page = append(page, s.txs[i])
	}
	return page, nil
}

// scriptedReleaser answers per transaction id.
type scriptedReleaser struct {
	outcomes map[uuid.UUID]error
	released map[uuid.UUID]bool
}

func (s *scriptedReleaser) RequestRelease(ctx context.Context, caller domain.Caller, req domain.ReleaseRequest) (*domain.ReleaseResult, error) {
	if err := s.outcomes[req.TransactionID]; err != nil {
		return nil, err
	}
	return &domain.ReleaseResult{TransactionID: req.TransactionID, FundsReleased: s.released[req.TransactionID], Score: 90}, nil
}

func newTestJobs(finder HeldTransactionFinder, releaser Releaser) *Jobs {
	return newTestJobsWithBatch(finder, releaser, 50)
}

func newTestJobsWithBatch(finder HeldTransactionFinder, releaser Releaser, batchSize int) *Jobs {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewJobs(finder, releaser, logger, batchSize)
}

func TestRunAutoReleaseSweepCountsOutcomes(t *testing.T) {
	released, below, disputed, broken := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	finder := &finderStub{txs: []domain.EscrowTransaction{
		{ID: released, CreatedAt: base},
		{ID: below, CreatedAt: base.Add(time.Hour)},
		{ID: disputed, CreatedAt: base.Add(2 * time.Hour)},
		{ID: broken, CreatedAt: base.Add(3 * time.Hour)},
	}}
	releaser := &scriptedReleaser{
		outcomes: map[uuid.UUID]error{disputed: domain.ErrDisputeOpen, broken: errors.New("db down")},
		released: map[uuid.UUID]bool{released: true},
	}
	jobs := newTestJobs(finder, releaser)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	jobs.now = func() time.Time { return fixed }

	result, err := jobs.RunAutoReleaseSweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	want := AutoReleaseSweepResult{Candidates: 4, Released: 1, Skipped: 2, Failed: 1}
	if result != want {
		t.Fatalf("expected %+v, got %+v", want, result)
	}
	if len(finder.filters) != 1 {
		t.Fatalf("expected one page for a short batch, got %d", len(finder.filters))
	}
	first := finder.filters[0]
	if !first.CreatedBefore.Equal(fixed.Add(-domain.AutoReleaseMinAge)) || first.Limit != 50 || first.After != nil {
		t.Fatalf("unexpected filter: %+v", first)
	}
}

func TestRunAutoReleaseSweepPropagatesFinderError(t *testing.T) {
	jobs := newTestJobs(&finderStub{err: errors.New("query failed")}, &scriptedReleaser{})
	if _, err := jobs.RunAutoReleaseSweep(context.Background()); err == nil {
		t.Fatal("expected finder error")
	}
	// The cron entry point logs instead of panicking.
	jobs.ProcessAutoReleases()
}

func TestAutoReleaseSweepAgainstMemoryStore(t *testing.T) {
	h := newTestHarness(t)
	tenant, landlord := user(domain.RoleTenant), user(domain.RoleLandlord)
	h.deposit(t, tenant, 20_000)
	ready := h.hold(t, tenant, landlord, 10_000)
	young := h.hold(t, tenant, landlord, 10_000)

	// Evidence and rating are gathered before the hold matures.
	if _, err := h.svc.RequestRelease(context.Background(), tenant, domain.ReleaseRequest{
		TransactionID:      ready.ID,
		ReleaseType:        domain.ReleaseTypeAuto,
		EvidenceURLs:       []string{"a", "b", "c"},
		SatisfactionRating: intPtr(5),
	}); err != nil {
		t.Fatalf("seed evidence: %v", err)
	}
	if err := h.repo.SetTransactionCreatedAt(ready.ID, time.Now().UTC().Add(-15*24*time.Hour)); err != nil {
		t.Fatalf("age transaction: %v", err)
	}
	h.clock.now = time.Now().UTC()

	jobs := newTestJobs(h.repo, h.svc)
	result, err := jobs.RunAutoReleaseSweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Candidates != 1 || result.Released != 1 {
		t.Fatalf("expected the mature hold to be released, got %+v", result)
	}
	assertBalances(t, h.account(t, landlord.ID), 10_000, 0)
	assertBalances(t, h.account(t, tenant.ID), 0, 10_000)

	stored, _ := h.svc.GetTransaction(context.Background(), admin, young.ID)
	if stored.Status != domain.TransactionStatusHeld {
		t.Fatalf("expected young hold to stay HELD, got %s", stored.Status)
	}
}

func TestRunAutoReleaseSweepPagesPastStuckHolds(t *testing.T) {
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	stuck, later, last := uuid.New(), uuid.New(), uuid.New()
	finder := &finderStub{txs: []domain.EscrowTransaction{
		{ID: stuck, CreatedAt: base},
		{ID: later, CreatedAt: base.Add(time.Hour)},
		{ID: last, CreatedAt: base.Add(2 * time.Hour)},
	}}
	releaser := &scriptedReleaser{released: map[uuid.UUID]bool{later: true, last: true}}
	jobs := newTestJobsWithBatch(finder, releaser, 1)

	result, err := jobs.RunAutoReleaseSweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	want := AutoReleaseSweepResult{Candidates: 3, Released: 2, Skipped: 1}
	if result != want {
		t.Fatalf("expected %+v, got %+v", want, result)
	}
	// Three full pages plus the empty one that ends the walk.
	if len(finder.filters) != 4 {
		t.Fatalf("expected 4 page requests, got %d", len(finder.filters))
	}
	if cursor := finder.filters[1].After; cursor == nil || cursor.ID != stuck || !cursor.CreatedAt.Equal(base) {
		t.Fatalf("expected second page to resume after the stuck hold, got %+v", cursor)
	}
}

func TestAutoReleaseSweepReachesEligibleHoldBehindStuckOne(t *testing.T) {
	h := newTestHarness(t)
	tenant, landlord := user(domain.RoleTenant), user(domain.RoleLandlord)
	h.deposit(t, tenant, 20_000)
	stuck := h.hold(t, tenant, landlord, 10_000)
	eligible := h.hold(t, tenant, landlord, 10_000)

	if _, err := h.svc.RequestRelease(context.Background(), tenant, domain.ReleaseRequest{
		TransactionID:      eligible.ID,
		ReleaseType:        domain.ReleaseTypeAuto,
		EvidenceURLs:       []string{"a"},
		SatisfactionRating: intPtr(5),
	}); err != nil {
		t.Fatalf("seed evidence: %v", err)
	}
	now := time.Now().UTC()
	// No evidence and no confirmation caps the older hold at 50.
	if err := h.repo.SetTransactionCreatedAt(stuck.ID, now.Add(-30*24*time.Hour)); err != nil {
		t.Fatalf("age stuck hold: %v", err)
	}
	if err := h.repo.SetTransactionCreatedAt(eligible.ID, now.Add(-20*24*time.Hour)); err != nil {
		t.Fatalf("age eligible hold: %v", err)
	}
	h.clock.now = now

	jobs := newTestJobsWithBatch(h.repo, h.svc, 1)
	result, err := jobs.RunAutoReleaseSweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Released != 1 || result.Skipped != 1 {
		t.Fatalf("expected one release and one skip, got %+v", result)
	}

	stored, _ := h.svc.GetTransaction(context.Background(), admin, stuck.ID)
	if stored.Status != domain.TransactionStatusHeld {
		t.Fatalf("expected stuck hold to stay HELD, got %s", stored.Status)
	}
	stored, _ = h.svc.GetTransaction(context.Background(), admin, eligible.ID)
	if stored.Status != domain.TransactionStatusCompleted {
		t.Fatalf("expected eligible hold to be released, got %s", stored.Status)
	}
	assertBalances(t, h.account(t, landlord.ID), 10_000, 0)
}
