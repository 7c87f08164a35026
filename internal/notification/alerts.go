package notification

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"hedge-grid-bot/internal/grid"
)

// GridAlerts turns grid events that need a human into notifications:
// forced market closes, failed venue mutations, and the first failed tick
// of a failure streak.
type GridAlerts struct {
	manager *Manager
	logger  zerolog.Logger

	mu      sync.Mutex
	failing bool
}

func NewGridAlerts(m *Manager, logger zerolog.Logger) *GridAlerts {
	return &GridAlerts{
		manager: m,
		logger:  logger.With().Str("component", "GridAlerts").Logger(),
	}
}

// Handle has the events.Subscriber signature
func (g *GridAlerts) Handle(ctx context.Context, e grid.Event) {
	n := g.alertFor(e)
	if n == nil {
		return
	}
	if err := g.manager.Send(ctx, n); err != nil {
		g.logger.Warn().Err(err).Str("type", string(e.Type)).Msg("Failed to send alert")
	}
}

func (g *GridAlerts) alertFor(e grid.Event) *Notification {
	switch e.Type {
	case grid.EventTickCompleted:
		g.setFailing(false)
	case grid.EventTickFailed:
		if g.setFailing(true) {
			return nil
		}
		return &Notification{
			Type:      NotifyError,
			Title:     "⚠️ Reconciliation failing",
			Message:   fmt.Sprintf("Tick %s failed: %v", e.TickID, e.Data["error"]),
			Symbol:    e.Symbol,
			Timestamp: e.Timestamp,
		}
	case grid.EventActionPlanned:
		if e.Data["action"] != string(grid.ActionMarketClose) {
			return nil
		}
		return &Notification{
			Type:      NotifyAlert,
			Title:     fmt.Sprintf("🚨 Stop-loss breach on %s %s", e.Symbol, e.Side),
			Message:   "Closing the position at market.",
			Symbol:    e.Symbol,
			Fields:    []Field{{Name: "Quantity", Value: fmt.Sprint(e.Data["quantity"])}},
			Timestamp: e.Timestamp,
		}
	case grid.EventActionFailed:
		return &Notification{
			Type:    NotifyAlert,
			Title:   fmt.Sprintf("❌ %v failed on %s %s", e.Data["action"], e.Symbol, e.Side),
			Message: fmt.Sprint(e.Data["error"]),
			Symbol:  e.Symbol,
			Fields: []Field{
				{Name: "Reason", Value: fmt.Sprint(e.Data["reason"])},
			},
			Timestamp: e.Timestamp,
		}
	}
	return nil
}

// setFailing records the streak state and returns the previous one
func (g *GridAlerts) setFailing(v bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	prev := g.failing
	g.failing = v
	return prev
}
