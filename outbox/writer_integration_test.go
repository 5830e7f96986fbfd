package outbox

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"disputeflow/test/infra"
)

func TestWriterAndRelay_Integration(t *testing.T) {
	pool := infra.TestPool(t)
	ctx := context.Background()
	topic := "test." + uuid.NewString()

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, NewWriter().Enqueue(ctx, tx, topic, "42", map[string]any{"dispute_id": 42}))
	require.NoError(t, tx.Rollback(ctx))

	repo := NewRepository()
	pending, err := repo.List(ctx, pool, StatusPending, 1000)
	require.NoError(t, err)
	for _, m := range pending {
		require.NotEqual(t, topic, m.Topic, "rolled back enqueue must not persist")
	}

	tx, err = pool.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, NewWriter().Enqueue(ctx, tx, topic, "42", map[string]any{"dispute_id": 42}))
	require.NoError(t, tx.Commit(ctx))

	pub := &topicPublisher{topic: topic}
	relay := NewRelay(pool, repo, pub, RelayOptions{BatchSize: 1000})
	_, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, pub.got, 1)
	assert.Equal(t, "42", pub.got[0].Key)
	assert.JSONEq(t, `{"dispute_id":42}`, string(pub.got[0].Payload))

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		client, err := ConnectRedis(addr)
		require.NoError(t, err)
		defer client.Close()
		require.NoError(t, NewRedisPublisher(client, "disputeflow.").Publish(ctx, pub.got[0]))
	}
}

// topicPublisher accepts only its own topic; rows left by other tests are
// failed back to pending.
type topicPublisher struct {
	topic string
	got   []Message
}

func (p *topicPublisher) Publish(_ context.Context, m Message) error {
	if m.Topic != p.topic {
		return errors.New("foreign topic")
	}
	p.got = append(p.got, m)
	return nil
}
