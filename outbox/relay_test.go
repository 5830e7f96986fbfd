package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"disputeflow/metrics"
	"disputeflow/test/pgxfake"
)

type fakeStore struct {
	mu   sync.Mutex
	rows []Message
}

func (f *fakeStore) add(topic, key string) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New()
	f.rows = append(f.rows, Message{ID: id, Topic: topic, Key: key, Payload: json.RawMessage(`{}`), Status: StatusPending})
	return id
}

func (f *fakeStore) ClaimPending(_ context.Context, _ pgx.Tx, limit int) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Message
	for _, m := range f.rows {
		if m.Status == StatusPending && len(out) < limit {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) update(tx pgx.Tx, id uuid.UUID, fn func(*Message)) {
	pgxfake.Stage(tx, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i := range f.rows {
			if f.rows[i].ID == id {
				fn(&f.rows[i])
			}
		}
	})
}

func (f *fakeStore) MarkProcessed(_ context.Context, tx pgx.Tx, id uuid.UUID, now time.Time) error {
	f.update(tx, id, func(m *Message) {
		m.Status = StatusProcessed
		m.Attempts++
		m.LastAttempt = &now
	})
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, tx pgx.Tx, id uuid.UUID, maxAttempts int, now time.Time) (string, error) {
	f.mu.Lock()
	var attempts int
	for _, m := range f.rows {
		if m.ID == id {
			attempts = m.Attempts + 1
		}
	}
	f.mu.Unlock()
	status := StatusPending
	if attempts >= maxAttempts {
		status = StatusDead
	}
	f.update(tx, id, func(m *Message) {
		m.Attempts = attempts
		m.Status = status
		m.LastAttempt = &now
	})
	return status, nil
}

func (f *fakeStore) status(id uuid.UUID) (string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.rows {
		if m.ID == id {
			return m.Status, m.Attempts
		}
	}
	return "", 0
}

type fakePublisher struct {
	fail map[string]bool
	sent []Message
}

func (p *fakePublisher) Publish(_ context.Context, m Message) error {
	if p.fail[m.Topic] {
		return errors.New("broker down")
	}
	p.sent = append(p.sent, m)
	return nil
}

func TestRelayPublishesAndMarksProcessed(t *testing.T) {
	store := &fakeStore{}
	first := store.add("dispute.initiated", "1")
	second := store.add("dispute.finalized", "1")
	pub := &fakePublisher{}
	log, _ := test.NewNullLogger()
	before := testutil.ToFloat64(metrics.OutboxPublished.WithLabelValues("dispute.finalized", "ok"))

	relay := NewRelay(&pgxfake.Pool{}, store, pub, RelayOptions{BatchSize: 10}).WithLogger(log)
	n, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, pub.sent, 2)
	assert.Equal(t, first, pub.sent[0].ID)

	st, attempts := store.status(second)
	assert.Equal(t, StatusProcessed, st)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.OutboxPublished.WithLabelValues("dispute.finalized", "ok")))

	n, err = relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelayRetriesThenParksDead(t *testing.T) {
	store := &fakeStore{}
	id := store.add("dispute.updated", "7")
	pub := &fakePublisher{fail: map[string]bool{"dispute.updated": true}}
	log, hook := test.NewNullLogger()
	relay := NewRelay(&pgxfake.Pool{}, store, pub, RelayOptions{MaxAttempts: 2}).WithLogger(log)

	n, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	st, attempts := store.status(id)
	assert.Equal(t, StatusPending, st)
	assert.Equal(t, 1, attempts)

	_, err = relay.RunOnce(context.Background())
	require.NoError(t, err)
	st, attempts = store.status(id)
	assert.Equal(t, StatusDead, st)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, "outbox: message parked as dead", hook.LastEntry().Message)

	_, err = relay.RunOnce(context.Background())
	require.NoError(t, err)
	_, attempts = store.status(id)
	assert.Equal(t, 2, attempts)
}

func TestRelayCommitFailureKeepsRowsPending(t *testing.T) {
	store := &fakeStore{}
	id := store.add("dispute.finalized", "3")
	pool := &pgxfake.Pool{CommitErr: errors.New("connection reset")}
	relay := NewRelay(pool, store, &fakePublisher{}, RelayOptions{})

	_, err := relay.RunOnce(context.Background())
	require.Error(t, err)
	st, _ := store.status(id)
	assert.Equal(t, StatusPending, st)
}

func TestEnvelopeCarriesMetadata(t *testing.T) {
	id := uuid.New()
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	b, err := envelope(Message{ID: id, Topic: "dispute.finalized", Key: "9", Payload: json.RawMessage(`{"dispute_id":9}`), CreatedAt: created})
	require.NoError(t, err)

	var got wireEnvelope
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, id.String(), got.ID)
	assert.Equal(t, "9", got.Key)
	assert.JSONEq(t, `{"dispute_id":9}`, string(got.Payload))
	assert.True(t, got.CreatedAt.Equal(created))
}

func TestKafkaPublisherRequiresBrokers(t *testing.T) {
	_, err := NewKafkaPublisher(nil, "")
	require.Error(t, err)

	p, err := NewKafkaPublisher([]string{"localhost:9092"}, "disputeflow.")
	require.NoError(t, err)
	assert.Equal(t, "disputeflow.dispute.finalized", p.Topic("dispute.finalized"))
	require.NoError(t, p.Close())
}

func TestConnectRedisAcceptsURLAndAddress(t *testing.T) {
	c, err := ConnectRedis("redis://localhost:6380/2")
	require.NoError(t, err)
	assert.Equal(t, "localhost:6380", c.Options().Addr)
	assert.Equal(t, 2, c.Options().DB)
	require.NoError(t, c.Close())

	c, err = ConnectRedis("cache:6379")
	require.NoError(t, err)
	assert.Equal(t, "cache:6379", c.Options().Addr)
	assert.Equal(t, "events.dispute.updated", NewRedisPublisher(c, "events.").Channel("dispute.updated"))
	require.NoError(t, c.Close())

	_, err = ConnectRedis("redis://%zz")
	require.Error(t, err)
}
