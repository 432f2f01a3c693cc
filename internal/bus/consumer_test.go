package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/lumenfund/pulse/internal/event"
)

type fakeAcknowledger struct {
	acks    int
	nacks   int
	rejects int
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error { f.acks++; return nil }

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error { f.nacks++; return nil }

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error { f.rejects++; return nil }

func newTestConsumer(handler Handler) *Consumer {
	return NewConsumer("amqp://localhost", "events", "test_queue", []string{"auth.#"}, handler, nil, zerolog.Nop())
}

func TestProcessDispatchesAndAcks(t *testing.T) {
	t.Parallel()

	var got event.Envelope
	c := newTestConsumer(func(ctx context.Context, env event.Envelope) error {
		got = env
		return nil
	})

	ack := &fakeAcknowledger{}
	c.process(context.Background(), amqp.Delivery{
		Acknowledger: ack,
		Body:         []byte(`{"event":"auth.logout","data":{"user_id":42},"timestamp":1700000000}`),
		RoutingKey:   "auth.logout",
	})

	if got.Event != event.AuthLogout {
		t.Errorf("handler event = %q, want %q", got.Event, event.AuthLogout)
	}
	if ack.acks != 1 {
		t.Errorf("acks = %d, want 1", ack.acks)
	}
	if ack.nacks != 0 {
		t.Errorf("nacks = %d, want 0", ack.nacks)
	}
}

func TestProcessFallsBackToRoutingKey(t *testing.T) {
	t.Parallel()

	var got event.Envelope
	c := newTestConsumer(func(ctx context.Context, env event.Envelope) error {
		got = env
		return nil
	})

	ack := &fakeAcknowledger{}
	c.process(context.Background(), amqp.Delivery{
		Acknowledger: ack,
		Body:         []byte(`{"data":{"user_id":42}}`),
		RoutingKey:   "auth.session.snapshot",
	})

	if got.Event != event.AuthSessionSnapshot {
		t.Errorf("handler event = %q, want routing key fallback", got.Event)
	}
	if ack.acks != 1 {
		t.Errorf("acks = %d, want 1", ack.acks)
	}
}

func TestProcessDropsMalformedFrame(t *testing.T) {
	t.Parallel()

	called := false
	c := newTestConsumer(func(ctx context.Context, env event.Envelope) error {
		called = true
		return nil
	})

	ack := &fakeAcknowledger{}
	c.process(context.Background(), amqp.Delivery{
		Acknowledger: ack,
		Body:         []byte(`not json`),
		RoutingKey:   "auth.logout",
	})

	if called {
		t.Error("handler was called for a malformed frame")
	}
	if ack.acks != 1 {
		t.Errorf("acks = %d, want 1 (malformed frames are dropped, not requeued)", ack.acks)
	}
}

func TestProcessAcksWhenHandlerFails(t *testing.T) {
	t.Parallel()

	c := newTestConsumer(func(ctx context.Context, env event.Envelope) error {
		return errors.New("boom")
	})

	ack := &fakeAcknowledger{}
	c.process(context.Background(), amqp.Delivery{
		Acknowledger: ack,
		Body:         []byte(`{"event":"auth.logout","data":{}}`),
	})

	if ack.acks != 1 {
		t.Errorf("acks = %d, want 1 (handler errors must not requeue)", ack.acks)
	}
	if ack.nacks != 0 {
		t.Errorf("nacks = %d, want 0", ack.nacks)
	}
}

func TestConsumerStatusTransitions(t *testing.T) {
	t.Parallel()

	c := newTestConsumer(func(ctx context.Context, env event.Envelope) error { return nil })

	st := c.Status()
	if st.Queue != "test_queue" {
		t.Errorf("queue = %q, want test_queue", st.Queue)
	}
	if st.Connected {
		t.Error("new consumer reports connected")
	}

	c.setState(true, nil)
	st = c.Status()
	if !st.Connected {
		t.Error("status not connected after setState(true)")
	}
	if st.LastError != "" {
		t.Errorf("last error = %q, want empty", st.LastError)
	}

	c.setState(false, errors.New("broker gone"))
	st = c.Status()
	if st.Connected {
		t.Error("status still connected after setState(false)")
	}
	if st.LastError != "broker gone" {
		t.Errorf("last error = %q, want broker gone", st.LastError)
	}

	c.setState(false, context.Canceled)
	if got := c.Status().LastError; got != "" {
		t.Errorf("cancellation recorded as error: %q", got)
	}
}

func TestNextDelayProgression(t *testing.T) {
	t.Parallel()

	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}

	d := reconnectBase
	for i, w := range want {
		d = nextDelay(d)
		if d != w {
			t.Errorf("step %d: delay = %v, want %v", i, d, w)
		}
	}
}
