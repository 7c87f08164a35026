package grid

import (
	"context"
	"time"
)

// EventType names a structured event published for external consumers
type EventType string

const (
	EventDivergence      EventType = "DIVERGENCE_DETECTED"
	EventActionPlanned   EventType = "ACTION_PLANNED"
	EventActionSucceeded EventType = "ACTION_SUCCEEDED"
	EventActionFailed    EventType = "ACTION_FAILED"
	EventFillDetected    EventType = "PROTECTIVE_FILL_DETECTED"
	EventStateTransition EventType = "STATE_TRANSITION"
	EventTickCompleted   EventType = "TICK_COMPLETED"
	EventTickFailed      EventType = "TICK_FAILED"
)

// Event is what an alerting poller needs without querying the venue itself
type Event struct {
	Type      EventType              `json:"type"`
	TickID    string                 `json:"tick_id"`
	Symbol    string                 `json:"symbol"`
	Side      Side                   `json:"side,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EventSink receives every event. Publish must not block the tick for long;
// delivery failures are the sink's concern.
type EventSink interface {
	Publish(ctx context.Context, e Event)
}

// Recorder receives metric observations
type Recorder interface {
	ObserveTick(d time.Duration, err error)
	ObserveDivergence(d Divergence)
	ObserveAction(a Action, err error)
	ObserveSideState(side Side, state SideState)
}

type nopSink struct{}

func (nopSink) Publish(context.Context, Event) {}

type nopRecorder struct{}

func (nopRecorder) ObserveTick(time.Duration, error) {}
func (nopRecorder) ObserveDivergence(Divergence)     {}
func (nopRecorder) ObserveAction(Action, error)      {}
func (nopRecorder) ObserveSideState(Side, SideState) {}
