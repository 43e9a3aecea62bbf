// Package sqsq carries stage messages over Amazon SQS. A message is deleted
// only after the handler acknowledges it; otherwise it becomes visible again
// when its visibility timeout expires.
package sqsq

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/responder/internal/queue"
)

const (
	maxMessages     = 10
	waitTimeSeconds = 20
	receiveErrDelay = 5 * time.Second
)

// API is the subset of the SQS client the queue uses.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Queue publishes to and consumes from one SQS queue URL.
type Queue struct {
	api     API
	url     string
	name    string
	logger  log.Logger
	metrics *queue.Metrics
	policy  queue.RetryPolicy
}

var (
	_ queue.Publisher = (*Queue)(nil)
	_ queue.Consumer  = (*Queue)(nil)
)

// New creates a queue bound to url. name labels logs and metrics.
func New(api API, url, name string, logger log.Logger, metrics *queue.Metrics, policy queue.RetryPolicy) *Queue {
	if logger == nil {
		logger = log.Nop()
	}
	return &Queue{
		api:     api,
		url:     url,
		name:    name,
		logger:  logger.With("queue", name),
		metrics: metrics,
		policy:  policy.OrDefault(),
	}
}

// NewClient builds an SQS client from an AWS config.
func NewClient(cfg aws.Config) *sqs.Client {
	return sqs.NewFromConfig(cfg)
}

// Publish sends one message with its attributes.
func (q *Queue) Publish(ctx context.Context, m *queue.Message) error {
	attrs := make(map[string]types.MessageAttributeValue, len(m.Attributes)+1)
	for k, v := range m.Attributes {
		attrs[k] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
	}
	if m.Key != "" {
		attrs["key"] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(m.Key)}
	}

	_, err := q.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(q.url),
		MessageBody:       aws.String(string(m.Body)),
		MessageAttributes: attrs,
	})
	q.metrics.Published(q.name, err)
	if err != nil {
		return fmt.Errorf("sqs send %s: %w", q.name, err)
	}
	return nil
}

// Consume long-polls the queue and delivers each message until ctx is
// cancelled.
func (q *Queue) Consume(ctx context.Context, h queue.Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		out, err := q.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(q.url),
			MaxNumberOfMessages:   maxMessages,
			WaitTimeSeconds:       waitTimeSeconds,
			MessageAttributeNames: []string{"All"},
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.logger.Error(ctx, err, "failed to receive messages")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(receiveErrDelay):
			}
			continue
		}

		for i := range out.Messages {
			q.deliver(ctx, h, &out.Messages[i])
		}
	}
}

func (q *Queue) deliver(ctx context.Context, h queue.Handler, sm *types.Message) {
	m := fromSQS(sm)
	outcome, ack := queue.Deliver(ctx, q.logger, h, m, q.policy)
	q.metrics.Consumed(q.name, outcome)
	if !ack {
		return
	}
	_, err := q.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: sm.ReceiptHandle,
	})
	if err != nil {
		q.logger.Error(ctx, err, "failed to delete message", "message_id", m.ID)
	}
}

// Close is a no-op; the SQS client holds no per-queue resources.
func (q *Queue) Close() error { return nil }

func fromSQS(sm *types.Message) *queue.Message {
	m := &queue.Message{
		Body:       []byte(aws.ToString(sm.Body)),
		Attributes: make(map[string]string, len(sm.MessageAttributes)),
	}
	for k, v := range sm.MessageAttributes {
		if k == "key" {
			m.Key = aws.ToString(v.StringValue)
			continue
		}
		m.Attributes[k] = aws.ToString(v.StringValue)
	}
	m.ID = m.Attributes[queue.AttrMessageID]
	if m.ID == "" {
		m.ID = aws.ToString(sm.MessageId)
	}
	return m
}
