package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys for events published on the escrow exchange.
const (
	RoutingKeyReceiptIssued      = "escrow.receipt.issued"
	RoutingKeyNotification       = "escrow.notification"
	RoutingKeyDisputeOpened      = "escrow.dispute.opened"
	RoutingKeyDisputeResolved    = "escrow.dispute.resolved"
	RoutingKeyMaintenanceDone    = "maintenance.request.completed"
	RoutingKeyMaintenanceDoneAlt = "maintenance.request.closed"
)

// Event is a fire-and-forget side effect emitted after a ledger mutation commits.
type Event struct {
	RoutingKey string
	Payload    interface{}
}

// ReceiptIssuedPayload is published when funds move.
type ReceiptIssuedPayload struct {
	ReceiptID     uuid.UUID         `json:"receipt_id"`
	TransactionID uuid.UUID         `json:"transaction_id"`
	Type          TransactionType   `json:"type"`
	Status        TransactionStatus `json:"status"`
	PayerID       uuid.UUID         `json:"payer_id"`
	PayeeID       *uuid.UUID        `json:"payee_id,omitempty"`
	Amount        int64             `json:"amount"`
	ReleaseType   ReleaseType       `json:"release_type,omitempty"`
	Score         *int              `json:"score,omitempty"`
	IssuedAt      time.Time         `json:"issued_at"`
}

// NotificationPayload is consumed by the notification delivery service.
type NotificationPayload struct {
	UserID        uuid.UUID              `json:"user_id"`
	Category      string                 `json:"category"`
	Title         string                 `json:"title"`
	Body          string                 `json:"body"`
	TransactionID *uuid.UUID             `json:"transaction_id,omitempty"`
	Data          map[string]interface{} `json:"data,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

type DisputeEventPayload struct {
	DisputeID     uuid.UUID       `json:"dispute_id"`
	TransactionID uuid.UUID       `json:"transaction_id"`
	RaisedBy      uuid.UUID       `json:"raised_by"`
	Status        DisputeStatus   `json:"status"`
	Outcome       *DisputeOutcome `json:"outcome,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// MaintenanceCompletedEvent is published by the maintenance tracker when a work
// order tied to an escrow hold is closed.
type MaintenanceCompletedEvent struct {
	MaintenanceRequestID string   `json:"maintenance_request_id"`
	TransactionID        string   `json:"escrow_transaction_id"`
	EvidenceURLs         []string `json:"evidence_urls"`
	SatisfactionRating   *int     `json:"satisfaction_rating,omitempty"`
	Notes                string   `json:"notes,omitempty"`
}
