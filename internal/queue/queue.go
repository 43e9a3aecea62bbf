// Package queue defines the message envelope and the publisher and consumer
// contracts shared by the stage queues, plus the retrying delivery loop the
// consumers run handlers through.
//
// Delivery is at-least-once: a message is acknowledged only after its
// handler succeeds or fails permanently. Handlers must tolerate redelivery.
package queue

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"
)

// Well-known attribute keys.
const (
	AttrMessageID          = "message_id"
	AttrSeverity           = "severity"
	AttrImmediateAttention = "immediate_attention"
)

// Message is the unit carried between stages.
type Message struct {
	ID         string
	Key        string
	Body       []byte
	Attributes map[string]string
}

// NewMessage builds a message with a fresh ULID.
func NewMessage(key string, body []byte, attrs map[string]string) *Message {
	m := &Message{
		ID:         ulid.Make().String(),
		Key:        key,
		Body:       body,
		Attributes: make(map[string]string, len(attrs)+1),
	}
	maps.Copy(m.Attributes, attrs)
	m.Attributes[AttrMessageID] = m.ID
	return m
}

// Handler processes one message. Returning nil acknowledges it. Errors wrapped
// with Permanent acknowledge and drop it. Any other error is retried.
type Handler func(ctx context.Context, m *Message) error

// Publisher sends messages to a queue.
type Publisher interface {
	Publish(ctx context.Context, m *Message) error
	Close() error
}

// Consumer delivers messages to a handler until ctx is cancelled.
type Consumer interface {
	Consume(ctx context.Context, h Handler) error
	Close() error
}

// PermanentError marks a handler failure that retrying cannot fix, such as an
// undecodable body.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the message is dropped instead of retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// RetryPolicy bounds how long a message is retried in-process before it is
// left for redelivery.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

// DefaultRetryPolicy is used when a consumer is built without one.
var DefaultRetryPolicy = RetryPolicy{
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     30 * time.Second,
	MaxElapsed:      2 * time.Minute,
}

// OrDefault returns the policy, or DefaultRetryPolicy when p is zero.
func (p RetryPolicy) OrDefault() RetryPolicy {
	if p == (RetryPolicy{}) {
		return DefaultRetryPolicy
	}
	return p
}

// Outcomes reported by Deliver.
const (
	OutcomeAcked   = "acked"
	OutcomeDropped = "dropped"
	OutcomeFailed  = "failed"
)

// Deliver runs h for m, retrying transient errors under the policy. It returns
// the outcome and whether the transport should acknowledge the message.
func Deliver(ctx context.Context, L log.Logger, h Handler, m *Message, p RetryPolicy) (outcome string, ack bool) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval

	attempts := 0
	permanent := false
	op := func() (struct{}, error) {
		attempts++
		err := h(ctx, m)
		if err == nil {
			return struct{}{}, nil
		}
		if IsPermanent(err) {
			permanent = true
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(p.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			L.Warn(ctx, "message handler failed, retrying",
				"message_id", m.ID, "attempt", attempts, "retry_in", next.String(), "error", err)
		}),
	)
	switch {
	case err == nil:
		return OutcomeAcked, true
	case permanent:
		L.Error(ctx, err, "dropping message after permanent failure", "message_id", m.ID)
		return OutcomeDropped, true
	default:
		L.Error(ctx, err, "message handler failed, leaving for redelivery",
			"message_id", m.ID, "attempts", attempts)
		return OutcomeFailed, false
	}
}
