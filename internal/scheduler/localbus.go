package scheduler

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

// LocalBus is an in-process event bus. It lets several schedulers in one
// process behave like a cluster. Messages are delivered asynchronously and
// in order to every listener, the sender included.
type LocalBus struct {
	mu        sync.RWMutex
	listeners []*localListener
	closed    bool
}

type localListener struct {
	queue chan string
	fn    func(string)
}

const localBusBuffer = 256

// NewLocalBus returns an empty bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{}
}

// Send delivers message to every listener.
func (b *LocalBus) Send(ctx context.Context, message string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errors.New("local bus closed")
	}
	for _, l := range b.listeners {
		select {
		case l.queue <- message:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Listen registers handler for every future message.
func (b *LocalBus) Listen(handler func(message string)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("local bus closed")
	}
	l := &localListener{queue: make(chan string, localBusBuffer), fn: handler}
	b.listeners = append(b.listeners, l)
	go func() {
		for msg := range l.queue {
			l.fn(msg)
		}
	}()
	return nil
}

// Close stops delivery. Pending messages are still handed to listeners.
func (b *LocalBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, l := range b.listeners {
		close(l.queue)
	}
	b.listeners = nil
}
