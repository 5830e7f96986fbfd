package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Delivery states of an outbox row.
const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusDead      = "dead"
)

// Message is an integration event written in the same transaction as the state
// change it announces.
type Message struct {
	ID          uuid.UUID
	Topic       string
	Key         string
	Payload     json.RawMessage
	Status      string
	Attempts    int
	LastAttempt *time.Time
	CreatedAt   time.Time
}
