package api

import (
	"context"
	"sync"
	"time"

	"hedge-grid-bot/internal/grid"
)

// TickTracker wraps a grid.Ticker and remembers the outcome of the latest
// tick for the status and health endpoints.
type TickTracker struct {
	next grid.Ticker
	now  func() time.Time

	mu                  sync.RWMutex
	last                *grid.TickResult
	lastErr             error
	lastSuccessAt       time.Time
	lastAttemptAt       time.Time
	consecutiveFailures int
	totalTicks          int64
}

func NewTickTracker(next grid.Ticker) *TickTracker {
	return &TickTracker{next: next, now: time.Now}
}

// Tick delegates to the wrapped ticker and records the result
func (t *TickTracker) Tick(ctx context.Context) (grid.TickResult, error) {
	res, err := t.next.Tick(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalTicks++
	t.lastAttemptAt = t.now()
	if err != nil {
		t.lastErr = err
		t.consecutiveFailures++
		return res, err
	}
	t.last = &res
	t.lastErr = nil
	t.lastSuccessAt = t.lastAttemptAt
	t.consecutiveFailures = 0
	return res, nil
}

// TickSummary is the JSON view of a completed tick
type TickSummary struct {
	TickID      string                       `json:"tick_id"`
	StartedAt   time.Time                    `json:"started_at"`
	DurationMs  int64                        `json:"duration_ms"`
	Price       float64                      `json:"price"`
	Positions   []PositionView               `json:"positions"`
	OpenOrders  []OrderView                  `json:"open_orders"`
	States      map[grid.Side]grid.SideState `json:"states"`
	Divergences []string                     `json:"divergences"`
	Actions     []string                     `json:"actions"`
	Succeeded   int                          `json:"succeeded"`
	Failed      int                          `json:"failed"`
}

type PositionView struct {
	Side          grid.Side `json:"side"`
	Quantity      float64   `json:"quantity"`
	EntryPrice    float64   `json:"entry_price"`
	MarkPrice     float64   `json:"mark_price"`
	UnrealizedPnl float64   `json:"unrealized_pnl"`
}

type OrderView struct {
	ID           string         `json:"id"`
	Kind         grid.OrderKind `json:"kind"`
	Side         grid.OrderSide `json:"side"`
	PositionSide grid.Side      `json:"position_side"`
	Price        float64        `json:"price,omitempty"`
	StopPrice    float64        `json:"stop_price,omitempty"`
	Quantity     float64        `json:"quantity"`
}

// TickStatus is a point-in-time copy of the tracker state
type TickStatus struct {
	TotalTicks          int64        `json:"total_ticks"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastError           string       `json:"last_error,omitempty"`
	LastAttemptAt       time.Time    `json:"last_attempt_at"`
	LastSuccessAt       time.Time    `json:"last_success_at"`
	LastTick            *TickSummary `json:"last_tick,omitempty"`
}

func (t *TickTracker) Status() TickStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st := TickStatus{
		TotalTicks:          t.totalTicks,
		ConsecutiveFailures: t.consecutiveFailures,
		LastAttemptAt:       t.lastAttemptAt,
		LastSuccessAt:       t.lastSuccessAt,
	}
	if t.lastErr != nil {
		st.LastError = t.lastErr.Error()
	}
	if t.last != nil {
		st.LastTick = summarize(*t.last)
	}
	return st
}

// Healthy reports whether a tick succeeded within maxAge
func (t *TickTracker) Healthy(maxAge time.Duration) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.lastSuccessAt.IsZero() {
		return false
	}
	return t.now().Sub(t.lastSuccessAt) <= maxAge
}

func summarize(res grid.TickResult) *TickSummary {
	s := &TickSummary{
		TickID:      res.TickID,
		StartedAt:   res.StartedAt,
		DurationMs:  res.Duration.Milliseconds(),
		Price:       res.Snapshot.Price,
		Positions:   make([]PositionView, 0, len(res.Snapshot.Positions)),
		OpenOrders:  make([]OrderView, 0, len(res.Snapshot.OpenOrders)),
		States:      make(map[grid.Side]grid.SideState, len(res.States)),
		Divergences: make([]string, 0, len(res.Divergences)),
		Actions:     make([]string, 0, len(res.Actions)),
		Succeeded:   res.Report.Succeeded,
		Failed:      res.Report.Failed,
	}
	for _, p := range res.Snapshot.Positions {
		s.Positions = append(s.Positions, PositionView{
			Side:          p.Side,
			Quantity:      p.Quantity,
			EntryPrice:    p.EntryPrice,
			MarkPrice:     p.MarkPrice,
			UnrealizedPnl: p.UnrealizedPnl,
		})
	}
	for _, o := range res.Snapshot.OpenOrders {
		s.OpenOrders = append(s.OpenOrders, OrderView{
			ID:           o.ID,
			Kind:         o.Kind,
			Side:         o.Side,
			PositionSide: o.PositionSide,
			Price:        o.Price,
			StopPrice:    o.StopPrice,
			Quantity:     o.Quantity,
		})
	}
	for side, state := range res.States {
		s.States[side] = state
	}
	for _, d := range res.Divergences {
		s.Divergences = append(s.Divergences, d.String())
	}
	for _, a := range res.Actions {
		s.Actions = append(s.Actions, a.String())
	}
	return s
}
