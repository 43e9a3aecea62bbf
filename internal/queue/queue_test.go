package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

var fastPolicy = RetryPolicy{
	InitialInterval: time.Millisecond,
	MaxInterval:     2 * time.Millisecond,
	MaxElapsed:      30 * time.Millisecond,
}

func TestNewMessage(t *testing.T) {
	t.Parallel()

	attrs := map[string]string{AttrSeverity: "LOW"}
	m := NewMessage("key", []byte("b"), attrs)
	if len(m.ID) != 26 {
		t.Errorf("ID = %q, want a ULID", m.ID)
	}
	if m.Attributes[AttrMessageID] != m.ID {
		t.Error("message_id attribute should carry the ID")
	}
	if _, ok := attrs[AttrMessageID]; ok {
		t.Error("caller's attribute map should not be modified")
	}
	if NewMessage("", nil, nil).ID == m.ID {
		t.Error("IDs should be unique")
	}
}

func TestPermanent(t *testing.T) {
	t.Parallel()

	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	base := errors.New("decode")
	err := Permanent(base)
	if !IsPermanent(err) || !errors.Is(err, base) {
		t.Errorf("Permanent(%v) lost identity", base)
	}
	if IsPermanent(base) {
		t.Error("plain error reported as permanent")
	}
}

func TestDeliver(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		failures    int
		permanent   bool
		wantOutcome string
		wantAck     bool
	}{
		{"success", 0, false, OutcomeAcked, true},
		{"transient then success", 2, false, OutcomeAcked, true},
		{"permanent", 1, true, OutcomeDropped, true},
		{"exhausted", 1 << 20, false, OutcomeFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			calls := 0
			h := func(context.Context, *Message) error {
				calls++
				if calls <= tt.failures {
					if tt.permanent {
						return Permanent(errors.New("bad"))
					}
					return errors.New("transient")
				}
				return nil
			}

			outcome, ack := Deliver(context.Background(), log.Nop(), h, NewMessage("", nil, nil), fastPolicy)
			if outcome != tt.wantOutcome || ack != tt.wantAck {
				t.Errorf("Deliver = (%q, %v), want (%q, %v)", outcome, ack, tt.wantOutcome, tt.wantAck)
			}
			if tt.permanent && calls != 1 {
				t.Errorf("permanent failure retried: calls = %d", calls)
			}
		})
	}
}

func TestDeliver_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outcome, ack := Deliver(ctx, log.Nop(), func(context.Context, *Message) error {
		return errors.New("transient")
	}, NewMessage("", nil, nil), DefaultRetryPolicy)
	if ack || outcome != OutcomeFailed {
		t.Errorf("Deliver = (%q, %v), want failed without ack", outcome, ack)
	}
}

func TestRetryPolicy_OrDefault(t *testing.T) {
	t.Parallel()

	if (RetryPolicy{}).OrDefault() != DefaultRetryPolicy {
		t.Error("zero policy should use the default")
	}
	if fastPolicy.OrDefault() != fastPolicy {
		t.Error("explicit policy should be kept")
	}
}
