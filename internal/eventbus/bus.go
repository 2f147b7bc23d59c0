// Package eventbus provides an in-process, goroutine-safe notification bus
// for core events (session lifecycle, routing outcomes, node membership).
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"calroute/internal/domain"
)

type subscriber struct {
	id      uint64
	filter  domain.EventType // empty matches every event
	handler domain.EventHandler
}

// Bus fans events out to subscribers asynchronously: each delivery runs in
// its own goroutine so a slow observer never stalls the publisher. Handlers
// that panic are recovered and logged.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscriber
	nextID atomic.Uint64
	wg     sync.WaitGroup
	closed atomic.Bool
	logger *slog.Logger
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{logger: logger}
}

var _ domain.EventSink = (*Bus)(nil)

// Publish delivers the event to every matching subscriber. Publishing on a
// closed bus is a silent no-op.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	matched := make([]subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.filter == "" || sub.filter == event.Type {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		b.wg.Add(1)
		go func(sub subscriber) {
			defer b.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked",
						"event", string(event.Type), "panic", r)
				}
			}()
			sub.handler(ctx, event)
		}(sub)
	}
}

// Subscribe registers a handler for one event type and returns its
// unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(subscriber{filter: eventType, handler: handler})
}

// SubscribeAll registers a handler for every event and returns its
// unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add(subscriber{handler: handler})
}

func (b *Bus) add(sub subscriber) func() {
	sub.id = b.nextID.Add(1)

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == sub.id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Close stops accepting publishes and drains in-flight deliveries.
// Idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}
