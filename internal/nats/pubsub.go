package nats

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// EventBus implements core.EventBus with NATS core pub/sub. Delivery is
// at-most-once per subscriber; the periodic reload covers lost messages.
type EventBus struct {
	nc      *nats.Conn
	subject string
	log     *zap.SugaredLogger

	mu     sync.Mutex
	subs   []*nats.Subscription
	closed bool
}

// NewEventBus creates a bus on the event subject of instance.
func NewEventBus(nc *nats.Conn, instance string, log *zap.SugaredLogger) *EventBus {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &EventBus{
		nc:      nc,
		subject: EventSubject(instance),
		log:     log,
	}
}

// Send publishes message to every listener of the instance.
func (b *EventBus) Send(ctx context.Context, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.nc.Publish(b.subject, []byte(message)); err != nil {
		return errors.Wrapf(err, "publish to %s", b.subject)
	}
	return nil
}

// Listen subscribes handler to the instance subject. Messages are handed to
// handler one at a time, in arrival order.
func (b *EventBus) Listen(handler func(message string)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("event bus closed")
	}

	sub, err := b.nc.Subscribe(b.subject, func(msg *nats.Msg) {
		handler(string(msg.Data))
	})
	if err != nil {
		return errors.Wrapf(err, "subscribe to %s", b.subject)
	}
	b.subs = append(b.subs, sub)
	b.log.Debugw("Listening for cluster events", "subject", b.subject)
	return nil
}

// Close unsubscribes all listeners.
func (b *EventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	return nil
}
