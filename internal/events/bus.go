package events

import (
	"context"
	"sync"
	"time"

	"hedge-grid-bot/internal/grid"
)

// Subscriber is a function that handles events
type Subscriber func(ctx context.Context, e grid.Event)

type delivery struct {
	ctx   context.Context
	event grid.Event
}

// subscription queues deliveries for one subscriber and runs them in
// publish order on at most one goroutine at a time
type subscription struct {
	fn       Subscriber
	inflight *sync.WaitGroup

	mu      sync.Mutex
	pending []delivery
	running bool
}

func (s *subscription) enqueue(d delivery) {
	s.inflight.Add(1)
	s.mu.Lock()
	s.pending = append(s.pending, d)
	start := !s.running
	s.running = true
	s.mu.Unlock()

	if start {
		go s.drain()
	}
}

func (s *subscription) drain() {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		d := s.pending[0]
		s.pending[0] = delivery{}
		s.pending = s.pending[1:]
		s.mu.Unlock()

		s.fn(d.ctx, d.event)
		s.inflight.Done()
	}
}

// EventBus fans grid events out to subscribers. It implements grid.EventSink.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[grid.EventType][]*subscription
	allSubs     []*subscription // Subscribers to all events
	inflight    sync.WaitGroup
	now         func() time.Time
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[grid.EventType][]*subscription),
		allSubs:     make([]*subscription, 0),
		now:         time.Now,
	}
}

func (eb *EventBus) newSubscription(fn Subscriber) *subscription {
	return &subscription{fn: fn, inflight: &eb.inflight}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType grid.EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], eb.newSubscription(subscriber))
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, eb.newSubscription(subscriber))
}

// Publish queues e for every matching subscriber and returns without
// waiting, so a slow subscriber never holds up a tick. Each subscriber sees
// events in publish order. The subscriber context is detached from ctx
// cancellation; subscribers bound their own work.
func (eb *EventBus) Publish(ctx context.Context, e grid.Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = eb.now()
	}
	d := delivery{ctx: context.WithoutCancel(ctx), event: e}

	for _, sub := range eb.subscribers[e.Type] {
		sub.enqueue(d)
	}
	for _, sub := range eb.allSubs {
		sub.enqueue(d)
	}
}

// Wait blocks until every event published so far has been delivered
func (eb *EventBus) Wait() {
	eb.inflight.Wait()
}
