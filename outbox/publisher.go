package outbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// Publisher delivers a message to the settlement bridge or any other
// subscriber. Delivery is at least once; consumers dedupe on Message.ID.
type Publisher interface {
	Publish(ctx context.Context, m Message) error
}

// RedisPublisher publishes each message on a pub/sub channel named after its
// topic.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

// ConnectRedis accepts either a redis:// URL or a host:port address.
func ConnectRedis(addr string) (*redis.Client, error) {
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opt, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("outbox: parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: addr}), nil
}

func NewRedisPublisher(client *redis.Client, channelPrefix string) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: channelPrefix}
}

func (p *RedisPublisher) Channel(topic string) string {
	return p.prefix + topic
}

func (p *RedisPublisher) Publish(ctx context.Context, m Message) error {
	env, err := envelope(m)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.Channel(m.Topic), env).Err(); err != nil {
		return fmt.Errorf("outbox: redis publish %s: %w", m.Topic, err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// KafkaPublisher writes each message to a Kafka topic keyed by dispute id, so
// events of one dispute stay ordered within a partition.
type KafkaPublisher struct {
	writer      *kafka.Writer
	topicPrefix string
}

func NewKafkaPublisher(brokers []string, topicPrefix string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("outbox: kafka publisher requires at least one broker")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		topicPrefix: topicPrefix,
	}, nil
}

func (p *KafkaPublisher) Topic(topic string) string {
	return p.topicPrefix + topic
}

func (p *KafkaPublisher) Publish(ctx context.Context, m Message) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.Topic(m.Topic),
		Key:   []byte(m.Key),
		Value: m.Payload,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "message_id", Value: []byte(m.ID.String())},
		},
	})
	if err != nil {
		return fmt.Errorf("outbox: kafka publish %s: %w", m.Topic, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher only logs. It is the default when no broker is configured.
type LogPublisher struct {
	log logrus.FieldLogger
}

func NewLogPublisher(log logrus.FieldLogger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, m Message) error {
	p.log.WithFields(logrus.Fields{
		"message_id": m.ID.String(),
		"topic":      m.Topic,
		"key":        m.Key,
	}).Info("outbox message")
	return nil
}
