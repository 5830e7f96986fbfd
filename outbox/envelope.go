package outbox

import (
	"encoding/json"
	"fmt"
	"time"
)

type wireEnvelope struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Key       string          `json:"key"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

// envelope wraps the payload with the metadata a pub/sub subscriber cannot
// read from headers.
func envelope(m Message) ([]byte, error) {
	b, err := json.Marshal(wireEnvelope{
		ID:        m.ID.String(),
		Topic:     m.Topic,
		Key:       m.Key,
		CreatedAt: m.CreatedAt.UTC(),
		Payload:   m.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("outbox: encode envelope: %w", err)
	}
	return b, nil
}
