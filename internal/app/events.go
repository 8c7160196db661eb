/**
 * @description
 * Post-commit side effects. Receipts and notifications are queued in memory and
 * published to RabbitMQ by a single background worker; a slow or unavailable
 * broker never blocks or rolls back a ledger mutation.
 */
package app

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/SatsToGo-Devs/ulomu-direct-homes-sub001/internal/domain"
	"github.com/SatsToGo-Devs/ulomu-direct-homes-sub001/pkg/rabbitmq"
	"github.com/google/uuid"
)

// EventEmitter accepts events for best-effort delivery.
type EventEmitter interface {
	Emit(event domain.Event)
}

// EventDispatcher publishes queued events through a rabbitmq.Publisher.
type EventDispatcher struct {
	publisher rabbitmq.Publisher
	exchange  string

	mu     sync.RWMutex
	closed bool
	events chan domain.Event
	done   chan struct{}
}

func NewEventDispatcher(publisher rabbitmq.Publisher, exchange string, buffer int) *EventDispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	return &EventDispatcher{
		publisher: publisher,
		exchange:  exchange,
		events:    make(chan domain.Event, buffer),
		done:      make(chan struct{}),
	}
}

// Start launches the publishing worker.
func (d *EventDispatcher) Start() {
	go d.run()
}

// Emit queues an event. It never blocks: when the queue is full the event is dropped and logged.
func (d *EventDispatcher) Emit(event domain.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		log.Printf("level=warn component=event_dispatcher msg=\"emit after close; dropping\" routing_key=%s", event.RoutingKey)
		return
	}
	select {
	case d.events <- event:
	default:
		log.Printf("level=warn component=event_dispatcher msg=\"queue full; dropping event\" routing_key=%s", event.RoutingKey)
	}
}

// Close stops accepting events and waits for the queue to drain or ctx to expire.
func (d *EventDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *EventDispatcher) run() {
	defer close(d.done)
	for event := range d.events {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.publisher.Publish(ctx, d.exchange, event.RoutingKey, event.Payload); err != nil {
			log.Printf("level=error component=event_dispatcher msg=\"publish failed\" exchange=%s routing_key=%s err=%v", d.exchange, event.RoutingKey, err)
		}
		cancel()
	}
}

func (s *Service) emit(routingKey string, payload interface{}) {
	if s.events == nil {
		return
	}
	s.events.Emit(domain.Event{RoutingKey: routingKey, Payload: payload})
}

func (s *Service) emitReceipt(tx *domain.EscrowTransaction, releaseType domain.ReleaseType, score *int) {
	s.emit(domain.RoutingKeyReceiptIssued, domain.ReceiptIssuedPayload{
		ReceiptID:     uuid.New(),
		TransactionID: tx.ID,
		Type:          tx.Type,
		Status:        tx.Status,
		PayerID:       tx.PayerID,
		PayeeID:       tx.PayeeID,
		Amount:        tx.Amount,
		ReleaseType:   releaseType,
		Score:         score,
		IssuedAt:      s.now(),
	})
}

func (s *Service) notify(userID uuid.UUID, category, title, body string, tx *domain.EscrowTransaction, data map[string]interface{}) {
	if userID == uuid.Nil {
		return
	}
	payload := domain.NotificationPayload{
		UserID:    userID,
		Category:  category,
		Title:     title,
		Body:      body,
		Data:      data,
		CreatedAt: s.now(),
	}
	if tx != nil {
		id := tx.ID
		payload.TransactionID = &id
	}
	s.emit(domain.RoutingKeyNotification, payload)
}
