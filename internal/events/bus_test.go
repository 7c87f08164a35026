package events

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"hedge-grid-bot/internal/grid"
)

type collector struct {
	mu     sync.Mutex
	events []grid.Event
}

func (c *collector) add(_ context.Context, e grid.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestEventBusRouting(t *testing.T) {
	bus := NewEventBus()
	failures := &collector{}
	all := &collector{}
	bus.Subscribe(grid.EventActionFailed, failures.add)
	bus.SubscribeAll(all.add)

	ctx := context.Background()
	bus.Publish(ctx, grid.Event{Type: grid.EventActionPlanned, Symbol: "BTCUSDT"})
	bus.Publish(ctx, grid.Event{Type: grid.EventActionFailed, Symbol: "BTCUSDT"})
	bus.Publish(ctx, grid.Event{Type: grid.EventTickCompleted, Symbol: "BTCUSDT"})
	bus.Wait()

	if failures.count() != 1 {
		t.Errorf("Expected 1 failure event, got %d", failures.count())
	}
	if all.count() != 3 {
		t.Errorf("Expected 3 events for the catch-all subscriber, got %d", all.count())
	}
}

func TestEventBusStampsTimestamp(t *testing.T) {
	bus := NewEventBus()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	bus.now = func() time.Time { return fixed }
	got := &collector{}
	bus.SubscribeAll(got.add)

	bus.Publish(context.Background(), grid.Event{Type: grid.EventTickCompleted})
	bus.Wait()

	if len(got.events) != 1 || !got.events[0].Timestamp.Equal(fixed) {
		t.Errorf("Expected timestamp %v, got %+v", fixed, got.events)
	}
}

func TestEventBusSurvivesCanceledContext(t *testing.T) {
	bus := NewEventBus()
	var sawCanceled bool
	var mu sync.Mutex
	bus.SubscribeAll(func(ctx context.Context, e grid.Event) {
		mu.Lock()
		defer mu.Unlock()
		sawCanceled = ctx.Err() != nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	bus.Publish(ctx, grid.Event{Type: grid.EventTickFailed})
	cancel()
	bus.Wait()

	if sawCanceled {
		t.Error("Expected subscribers to outlive the publishing context")
	}
}

func TestEventBusDeliversInPublishOrder(t *testing.T) {
	bus := NewEventBus()
	got := &collector{}
	bus.SubscribeAll(func(ctx context.Context, e grid.Event) {
		// uneven handler time would reorder concurrent deliveries
		if e.TickID == "t-0" || e.TickID == "t-3" {
			time.Sleep(5 * time.Millisecond)
		}
		got.add(ctx, e)
	})

	const n = 200
	for i := 0; i < n; i++ {
		bus.Publish(context.Background(), grid.Event{Type: grid.EventActionPlanned, TickID: fmt.Sprintf("t-%d", i)})
	}
	bus.Wait()

	if got.count() != n {
		t.Fatalf("Expected %d events, got %d", n, got.count())
	}
	for i, e := range got.events {
		if want := fmt.Sprintf("t-%d", i); e.TickID != want {
			t.Fatalf("Expected event %d to be %s, got %s", i, want, e.TickID)
		}
	}
}

func TestEventBusSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	bus := NewEventBus()
	release := make(chan struct{})
	bus.Subscribe(grid.EventTickCompleted, func(ctx context.Context, e grid.Event) {
		<-release
	})
	fast := &collector{}
	bus.SubscribeAll(fast.add)

	bus.Publish(context.Background(), grid.Event{Type: grid.EventTickCompleted})
	bus.Publish(context.Background(), grid.Event{Type: grid.EventTickCompleted})

	deadline := time.Now().Add(time.Second)
	for fast.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if fast.count() != 2 {
		t.Errorf("Expected the fast subscriber to get 2 events while the slow one blocks, got %d", fast.count())
	}
	close(release)
	bus.Wait()
}
