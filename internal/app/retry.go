package app

import (
	"context"
	"log"
	"time"

	"github.com/SatsToGo-Devs/ulomu-direct-homes-sub001/internal/domain"
	"github.com/SatsToGo-Devs/ulomu-direct-homes-sub001/internal/store"
	"github.com/cenkalti/backoff/v4"
)

const defaultConflictRetryAttempts = 5

func newConflictBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	b.Reset()
	return b
}

// withRetry runs fn in a unit of work, re-running it from scratch while the
// store reports ConcurrencyConflict. Any other error is returned immediately.
// fn must reset whatever it captures, since a retried attempt starts clean.
func (s *Service) withRetry(ctx context.Context, op string, fn func(ctx context.Context, tx store.Tx) error) error {
	attempts := s.opts.ConflictRetryMaxAttempts
	if attempts <= 0 {
		attempts = defaultConflictRetryAttempts
	}

	attempt := 0
	operation := func() error {
		attempt++
		err := s.repo.WithTransaction(ctx, fn)
		if err == nil {
			return nil
		}
		if domain.IsRetryable(err) {
			log.Printf("level=warn component=escrow op=%s attempt=%d msg=\"concurrency conflict; retrying\" err=%v", op, attempt, err)
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(newConflictBackOff(), uint64(attempts-1)), ctx)
	return backoff.Retry(operation, policy)
}
