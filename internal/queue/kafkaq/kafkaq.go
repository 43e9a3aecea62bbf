// Package kafkaq carries stage messages over Kafka topics. Offsets are
// committed only after the handler acknowledges a message.
package kafkaq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/responder/internal/queue"
)

const fetchTimeout = 5 * time.Second

// ErrRedeliveryRequired is returned by Consume when a message could not be
// handled within the retry policy. The offset is left uncommitted so the
// message is redelivered when the consumer group restarts.
var ErrRedeliveryRequired = errors.New("kafkaq: message left uncommitted")

type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config holds broker connection settings.
type Config struct {
	Brokers []string
	GroupID string
}

// Publisher writes messages to one topic, partitioned by message key.
type Publisher struct {
	topic   string
	w       writer
	metrics *queue.Metrics
}

var _ queue.Publisher = (*Publisher)(nil)

// NewPublisher creates a publisher for the topic.
func NewPublisher(cfg Config, topic string, metrics *queue.Metrics) *Publisher {
	return &Publisher{
		topic: topic,
		w: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
		metrics: metrics,
	}
}

// Publish writes one message synchronously.
func (p *Publisher) Publish(ctx context.Context, m *queue.Message) error {
	err := p.w.WriteMessages(ctx, toKafka(m))
	p.metrics.Published(p.topic, err)
	if err != nil {
		return fmt.Errorf("kafka write %s: %w", p.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error { return p.w.Close() }

// Consumer reads one topic as a member of a consumer group.
type Consumer struct {
	topic   string
	r       reader
	logger  log.Logger
	metrics *queue.Metrics
	policy  queue.RetryPolicy
}

var _ queue.Consumer = (*Consumer)(nil)

// NewConsumer creates a group consumer for the topic.
func NewConsumer(cfg Config, topic string, logger log.Logger, metrics *queue.Metrics, policy queue.RetryPolicy) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	})
	return newConsumer(topic, r, logger, metrics, policy)
}

func newConsumer(topic string, r reader, logger log.Logger, metrics *queue.Metrics, policy queue.RetryPolicy) *Consumer {
	if logger == nil {
		logger = log.Nop()
	}
	return &Consumer{
		topic:   topic,
		r:       r,
		logger:  logger.With("queue", topic),
		metrics: metrics,
		policy:  policy.OrDefault(),
	}
}

// Consume delivers messages in partition order until ctx is cancelled. It
// returns ErrRedeliveryRequired when a message exhausts its retries.
func (c *Consumer) Consume(ctx context.Context, h queue.Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
		km, err := c.r.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			c.logger.Error(ctx, err, "failed to fetch message")
			continue
		}

		m := fromKafka(km)
		outcome, ack := queue.Deliver(ctx, c.logger, h, m, c.policy)
		c.metrics.Consumed(c.topic, outcome)
		if !ack {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: partition %d offset %d", ErrRedeliveryRequired, km.Partition, km.Offset)
		}
		if err := c.r.CommitMessages(ctx, km); err != nil {
			c.logger.Error(ctx, err, "failed to commit message",
				"partition", km.Partition, "offset", km.Offset)
		}
	}
}

// Close leaves the group and closes the reader.
func (c *Consumer) Close() error { return c.r.Close() }

func toKafka(m *queue.Message) kafka.Message {
	km := kafka.Message{Value: m.Body}
	if m.Key != "" {
		km.Key = []byte(m.Key)
	}
	km.Headers = make([]kafka.Header, 0, len(m.Attributes))
	for k, v := range m.Attributes {
		km.Headers = append(km.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return km
}

func fromKafka(km kafka.Message) *queue.Message {
	m := &queue.Message{
		Key:        string(km.Key),
		Body:       km.Value,
		Attributes: make(map[string]string, len(km.Headers)),
	}
	for _, h := range km.Headers {
		m.Attributes[h.Key] = string(h.Value)
	}
	m.ID = m.Attributes[queue.AttrMessageID]
	if m.ID == "" {
		m.ID = fmt.Sprintf("%s/%d/%d", km.Topic, km.Partition, km.Offset)
	}
	return m
}
