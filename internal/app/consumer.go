package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/SatsToGo-Devs/ulomu-direct-homes-sub001/internal/domain"
	"github.com/google/uuid"
)

// Releaser is the slice of Service used by the bus consumer and the auto-release job.
type Releaser interface {
	RequestRelease(ctx context.Context, caller domain.Caller, req domain.ReleaseRequest) (*domain.ReleaseResult, error)
}

// MaintenanceCompletionConsumer turns closed maintenance requests into AUTO
// release attempts on the escrow hold that funded them.
type MaintenanceCompletionConsumer struct {
	releaser Releaser
}

func NewMaintenanceCompletionConsumer(releaser Releaser) *MaintenanceCompletionConsumer {
	return &MaintenanceCompletionConsumer{releaser: releaser}
}

// MaintenanceCompletionConsumer exposes the bus handler bound to this service.
func (s *Service) MaintenanceCompletionConsumer() *MaintenanceCompletionConsumer {
	return NewMaintenanceCompletionConsumer(s)
}

// HandleMessage returns false only when redelivery could succeed.
func (c *MaintenanceCompletionConsumer) HandleMessage(body []byte) bool {
	var event domain.MaintenanceCompletedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=maintenance_consumer msg=\"failed to unmarshal payload\" err=%v", err)
		return true
	}

	transactionID, err := uuid.Parse(strings.TrimSpace(event.TransactionID))
	if err != nil {
		log.Printf("level=warn component=maintenance_consumer msg=\"missing or invalid escrow transaction id\" maintenance_request_id=%s", event.MaintenanceRequestID)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	result, err := c.releaser.RequestRelease(ctx, domain.SystemCaller, domain.ReleaseRequest{
		TransactionID:      transactionID,
		ReleaseType:        domain.ReleaseTypeAuto,
		EvidenceURLs:       event.EvidenceURLs,
		SatisfactionRating: event.SatisfactionRating,
		CompletionNotes:    event.Notes,
	})
	if err != nil {
		if shouldRequeue(err) {
			log.Printf("level=error component=maintenance_consumer msg=\"release attempt failed; requeueing\" tx_id=%s err=%v", transactionID, err)
			return false
		}
		log.Printf("level=info component=maintenance_consumer msg=\"release attempt rejected; acknowledging\" tx_id=%s kind=%s err=%v", transactionID, domain.ErrorKind(err), err)
		return true
	}

	log.Printf("level=info component=maintenance_consumer tx_id=%s maintenance_request_id=%s score=%d released=%t", transactionID, event.MaintenanceRequestID, result.Score, result.FundsReleased)
	return true
}

// shouldRequeue separates transient failures from business rejections, which
// would fail identically on every redelivery.
func shouldRequeue(err error) bool {
	if errors.Is(err, domain.ErrConcurrencyConflict) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return domain.ErrorKind(err) == "Internal"
}
