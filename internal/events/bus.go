package events

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/nathanyu/margin-trading/internal/domain"
	"github.com/nathanyu/margin-trading/internal/telemetry"
)

// Handler consumes one event. It runs on the subscriber's own goroutine.
type Handler func(ctx context.Context, event domain.Event)

// Bus fans outbound events out to subscribers. Each subscriber has an unbounded
// mailbox drained by its own goroutine, so Publish never blocks and every
// subscriber sees events in publish order.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscriber
	closed bool
	logger *slog.Logger
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{logger: logger.With("component", "events")}
}

// Subscribe registers a handler for the given event types, or for every type when none is given.
func (b *Bus) Subscribe(name string, handler Handler, types ...domain.EventType) {
	sub := &subscriber{
		name:    name,
		handler: handler,
		types:   make(map[domain.EventType]bool, len(types)),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		logger:  b.logger.With("subscriber", name),
	}
	for _, t := range types {
		sub.types[t] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.subs = append(b.subs, sub)
	go sub.run()
}

// Publish enqueues events for every interested subscriber.
func (b *Bus) Publish(events ...domain.Event) {
	if len(events) == 0 {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.logger.Warn("publish after close dropped", "count", len(events))
		return
	}

	for _, event := range events {
		telemetry.EventsPublishedTotal.WithLabelValues(string(event.GetType())).Inc()
	}
	for _, sub := range b.subs {
		sub.enqueue(events)
	}
}

// Close stops accepting events and waits until every mailbox is drained.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	for _, sub := range subs {
		<-sub.done
	}
}

type subscriber struct {
	name    string
	handler Handler
	types   map[domain.EventType]bool
	logger  *slog.Logger

	mu      sync.Mutex
	queue   []domain.Event
	closing bool
	notify  chan struct{}
	done    chan struct{}
}

func (s *subscriber) wants(t domain.EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

func (s *subscriber) enqueue(events []domain.Event) {
	s.mu.Lock()
	added := false
	for _, e := range events {
		if s.wants(e.GetType()) {
			s.queue = append(s.queue, e)
			added = true
		}
	}
	s.mu.Unlock()

	if added {
		s.wake()
	}
}

func (s *subscriber) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.wake()
}

func (s *subscriber) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		closing := s.closing
		s.mu.Unlock()

		for _, e := range batch {
			s.deliver(e)
		}
		if len(batch) > 0 {
			continue
		}
		if closing {
			return
		}
		<-s.notify
	}
}

func (s *subscriber) deliver(event domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event handler panicked",
				"type", event.GetType(),
				"key", event.GetKey(),
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	s.handler(context.Background(), event)
}
