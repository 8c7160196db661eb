/**
 * @description
 * Scheduled job implementations for the escrow-service.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/SatsToGo-Devs/ulomu-direct-homes-sub001/internal/domain"
)

// HeldTransactionFinder lists sweep candidates.
type HeldTransactionFinder interface {
	FindHeldTransactionsForAutoRelease(ctx context.Context, filter domain.HeldTransactionFilter) ([]domain.EscrowTransaction, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	finder    HeldTransactionFinder
	releaser  Releaser
	logger    *slog.Logger
	batchSize int
	now       func() time.Time
}

// NewJobs creates a new Jobs runner.
func NewJobs(finder HeldTransactionFinder, releaser Releaser, logger *slog.Logger, batchSize int) *Jobs {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Jobs{
		finder:    finder,
		releaser:  releaser,
		logger:    logger,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// AutoReleaseSweepResult summarises one sweep.
type AutoReleaseSweepResult struct {
	Candidates int
	Released   int
	Skipped    int
	Failed     int
}

// ProcessAutoReleases attempts an AUTO release for every held transaction old
// enough to score. Holds that are below the threshold stay HELD and are
// retried on the next run.
func (j *Jobs) ProcessAutoReleases() {
	j.logger.Info("starting escrow auto-release job")
	result, err := j.RunAutoReleaseSweep(context.Background())
	if err != nil {
		j.logger.Error("failed to list auto-release candidates", "error", err)
		return
	}
	j.logger.Info("escrow auto-release job finished",
		"candidates", result.Candidates,
		"released", result.Released,
		"skipped", result.Skipped,
		"failed", result.Failed,
	)
}

// RunAutoReleaseSweep walks every eligible hold once, a batch at a time, so holds
// that keep scoring below the threshold never starve the ones behind them.
func (j *Jobs) RunAutoReleaseSweep(ctx context.Context) (AutoReleaseSweepResult, error) {
	var result AutoReleaseSweepResult
	filter := domain.HeldTransactionFilter{
		CreatedBefore: j.now().Add(-domain.AutoReleaseMinAge),
		Limit:         j.batchSize,
	}

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		batch, err := j.finder.FindHeldTransactionsForAutoRelease(ctx, filter)
		if err != nil {
			return result, err
		}
		result.Candidates += len(batch)
		for i := range batch {
			j.attemptAutoRelease(ctx, &batch[i], &result)
		}
		if len(batch) < j.batchSize {
			break
		}
		last := batch[len(batch)-1]
		filter.After = &domain.HeldTransactionCursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}

	if result.Candidates == 0 {
		j.logger.Info("no held transactions eligible for auto-release")
	}
	return result, nil
}

func (j *Jobs) attemptAutoRelease(ctx context.Context, tx *domain.EscrowTransaction, result *AutoReleaseSweepResult) {
	attemptCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	release, err := j.releaser.RequestRelease(attemptCtx, domain.SystemCaller, domain.ReleaseRequest{
		TransactionID: tx.ID,
		ReleaseType:   domain.ReleaseTypeAuto,
	})

	switch {
	case err == nil && release.FundsReleased:
		result.Released++
		j.logger.Info("auto-released escrow transaction", "tx_id", tx.ID, "score", release.Score)
	case err == nil:
		result.Skipped++
	case errors.Is(err, domain.ErrDisputeOpen), errors.Is(err, domain.ErrInvalidState):
		result.Skipped++
	default:
		result.Failed++
		j.logger.Error("auto-release attempt failed", "tx_id", tx.ID, "error", err)
	}
}
