package grid

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// SideState is the lifecycle position of one side, always derived from a snapshot
type SideState string

const (
	StateNoPosition  SideState = "NO_POSITION"
	StateEntryPlaced SideState = "ENTRY_PLACED"
	StateUnprotected SideState = "POSITION_OPEN_UNPROTECTED"
	StateProtected   SideState = "POSITION_PROTECTED"
)

// DeriveState maps the snapshot view of side onto the lifecycle
func DeriveState(snap Snapshot, side Side) SideState {
	if _, open := snap.Position(side); open {
		if len(snap.OrdersFor(side, KindStopMarket)) > 0 && len(snap.OrdersFor(side, KindTakeProfitMarket)) > 0 {
			return StateProtected
		}
		return StateUnprotected
	}
	if len(snap.OrdersFor(side, KindEntryLimit)) > 0 {
		return StateEntryPlaced
	}
	return StateNoPosition
}

// ReentryResult is what fill detection contributes to a tick
type ReentryResult struct {
	// Fills are protective orders that filled since the previous tick
	Fills []Order
	// Closing marks sides whose position was just closed by a protective fill.
	// Protective creation and entry placement for them wait for the next tick.
	Closing map[Side]bool
	// Cancels remove the still-open sibling of each filled protective order
	Cancels []Action
}

// ReentryHandler detects protective fills between ticks. Its only memory is
// the venue-time watermark of the newest closed order already examined and
// the IDs examined at exactly that instant. The first successful read only
// sets the baseline, so fills from before the process started are ignored.
type ReentryHandler struct {
	gw          Gateway
	callTimeout time.Duration
	logger      zerolog.Logger
	baselined   bool
	watermark   time.Time
	seen        map[string]bool // closed order IDs with UpdatedAt == watermark
}

func NewReentryHandler(gw Gateway, callTimeout time.Duration, logger zerolog.Logger) *ReentryHandler {
	return &ReentryHandler{
		gw:          gw,
		callTimeout: callTimeout,
		logger:      logger.With().Str("component", "ReentryHandler").Logger(),
		seen:        make(map[string]bool),
	}
}

// Watermark returns the venue time up to which closed orders were examined
func (h *ReentryHandler) Watermark() time.Time {
	return h.watermark
}

// Detect reads closed orders and reports protective fills not examined
// before. The watermark only advances when the read succeeds.
func (h *ReentryHandler) Detect(ctx context.Context, snap Snapshot) (ReentryResult, error) {
	closed, err := callWithTimeout(ctx, h.callTimeout, "get_closed_orders", func(ctx context.Context) ([]Order, error) {
		return h.gw.GetClosedOrders(ctx, snap.Symbol)
	})
	if err != nil {
		return ReentryResult{}, err
	}

	res := ReentryResult{Closing: make(map[Side]bool)}
	if !h.baselined {
		h.advance(closed)
		h.baselined = true
		h.logger.Debug().Time("watermark", h.watermark).Msg("Fill detection baseline set")
		return res, nil
	}

	cancelled := make(map[string]bool)
	for _, o := range closed {
		if o.Symbol != snap.Symbol || !o.Kind.IsProtective() || o.Status != StatusFilled {
			continue
		}
		if !h.unseen(o) {
			continue
		}

		res.Fills = append(res.Fills, o)
		res.Closing[o.PositionSide] = true
		h.logger.Info().
			Str("symbol", o.Symbol).
			Str("side", string(o.PositionSide)).
			Str("order_id", o.ID).
			Str("kind", string(o.Kind)).
			Float64("trigger", o.StopPrice).
			Time("filled_at", o.UpdatedAt).
			Msg("Protective order filled")

		for _, sib := range snap.OrdersFor(o.PositionSide, sibling(o.Kind)) {
			if cancelled[sib.ID] {
				continue
			}
			cancelled[sib.ID] = true
			res.Cancels = append(res.Cancels, CancelAction(snap.Symbol, o.PositionSide, sib.ID, RedundantProtectiveOrder))
		}
	}
	h.advance(closed)
	return res, nil
}

// unseen reports whether o is past the watermark, or at it and not yet examined
func (h *ReentryHandler) unseen(o Order) bool {
	if o.UpdatedAt.After(h.watermark) {
		return true
	}
	return o.UpdatedAt.Equal(h.watermark) && !h.seen[o.ID]
}

// advance moves the watermark to the newest closed order and remembers
// every ID updated at that instant.
func (h *ReentryHandler) advance(closed []Order) {
	for _, o := range closed {
		switch {
		case o.UpdatedAt.After(h.watermark):
			h.watermark = o.UpdatedAt
			h.seen = map[string]bool{o.ID: true}
		case o.UpdatedAt.Equal(h.watermark):
			h.seen[o.ID] = true
		}
	}
}

func sibling(k OrderKind) OrderKind {
	if k == KindStopMarket {
		return KindTakeProfitMarket
	}
	return KindStopMarket
}
