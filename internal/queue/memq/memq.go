// Package memq is an in-process queue used when no broker is configured and
// in tests. Messages live only as long as the process.
package memq

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/responder/internal/queue"
)

const redeliveryDelay = time.Second

// ErrClosed is returned when publishing to a closed queue.
var ErrClosed = errors.New("memq: queue closed")

// Queue is a buffered channel that implements both queue.Publisher and
// queue.Consumer. Unacknowledged messages are re-enqueued after a delay.
type Queue struct {
	name    string
	ch      chan *queue.Message
	logger  log.Logger
	metrics *queue.Metrics
	policy  queue.RetryPolicy

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

var (
	_ queue.Publisher = (*Queue)(nil)
	_ queue.Consumer  = (*Queue)(nil)
)

// New creates a queue with the given buffer size.
func New(name string, size int, logger log.Logger, metrics *queue.Metrics, policy queue.RetryPolicy) *Queue {
	if logger == nil {
		logger = log.Nop()
	}
	return &Queue{
		name:    name,
		ch:      make(chan *queue.Message, size),
		logger:  logger,
		metrics: metrics,
		policy:  policy.OrDefault(),
		done:    make(chan struct{}),
	}
}

// Publish enqueues a message, blocking while the buffer is full.
func (q *Queue) Publish(ctx context.Context, m *queue.Message) error {
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()
	if closed {
		q.metrics.Published(q.name, ErrClosed)
		return ErrClosed
	}
	select {
	case q.ch <- m:
		q.metrics.Published(q.name, nil)
		return nil
	case <-q.done:
		q.metrics.Published(q.name, ErrClosed)
		return ErrClosed
	case <-ctx.Done():
		q.metrics.Published(q.name, ctx.Err())
		return ctx.Err()
	}
}

// Consume delivers messages to h until ctx is cancelled or the queue closes.
func (q *Queue) Consume(ctx context.Context, h queue.Handler) error {
	L := q.logger.With("queue", q.name)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.done:
			return nil
		case m := <-q.ch:
			outcome, ack := queue.Deliver(ctx, L, h, m, q.policy)
			q.metrics.Consumed(q.name, outcome)
			if !ack && ctx.Err() == nil {
				q.redeliver(ctx, m)
			}
		}
	}
}

func (q *Queue) redeliver(ctx context.Context, m *queue.Message) {
	go func() {
		t := time.NewTimer(redeliveryDelay)
		defer t.Stop()
		select {
		case <-t.C:
			_ = q.Publish(ctx, m)
		case <-ctx.Done():
		case <-q.done:
		}
	}()
}

// Len reports the number of buffered messages.
func (q *Queue) Len() int { return len(q.ch) }

// Close stops consumers and rejects further publishes.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}
