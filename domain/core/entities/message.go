package entities

import (
	"time"

	"github.com/google/uuid"
)

// PendingMessage is one inbound communication addressed to an entity.
// Messages form an append-only log: only the acknowledgement flag is ever
// mutated, and only by the integration service after a successful commit.
type PendingMessage struct {
	ID           string    `json:"id" dynamodbav:"MessageID"`
	EntityID     string    `json:"entity_id" dynamodbav:"EntityID"`
	SenderID     string    `json:"sender_id" dynamodbav:"SenderID"`
	Body         string    `json:"body" dynamodbav:"Body"`
	Amount       *int64    `json:"amount,omitempty" dynamodbav:"Amount,omitempty"`
	DeliverAt    time.Time `json:"deliver_at" dynamodbav:"DeliverAt"`
	Acknowledged bool      `json:"acknowledged" dynamodbav:"Acknowledged"`
	CreatedAt    time.Time `json:"created_at" dynamodbav:"CreatedAt"`
}

// NewPendingMessage creates a message scheduled for delivery at deliverAt
func NewPendingMessage(entityID, senderID, body string, amount *int64, deliverAt time.Time) *PendingMessage {
	now := time.Now()
	return &PendingMessage{
		ID:        uuid.New().String(),
		EntityID:  entityID,
		SenderID:  senderID,
		Body:      body,
		Amount:    amount,
		DeliverAt: deliverAt,
		CreatedAt: now,
	}
}

// Delivered reports whether the scheduled delivery time has passed
func (m *PendingMessage) Delivered(now time.Time) bool {
	return !m.DeliverAt.After(now)
}
