package grid

import "fmt"

// DivergenceKind names a way a side differs from its desired topology
type DivergenceKind string

const (
	MissingEntryOrder        DivergenceKind = "missing_entry_order"
	StaleEntryOrder          DivergenceKind = "stale_entry_order"
	RedundantEntryOrder      DivergenceKind = "redundant_entry_order"
	RedundantProtectiveOrder DivergenceKind = "redundant_protective_order"
	MissingStopLoss          DivergenceKind = "missing_stop_loss"
	MissingTakeProfit        DivergenceKind = "missing_take_profit"
	StopLossBreach           DivergenceKind = "stop_loss_breach"
)

// Divergence is one detected difference. OrderID is set for kinds that
// reference an existing order.
type Divergence struct {
	Kind    DivergenceKind
	Side    Side
	OrderID string
}

func (d Divergence) String() string {
	if d.OrderID != "" {
		return fmt.Sprintf("%s(%s, %s)", d.Kind, d.Side, d.OrderID)
	}
	return fmt.Sprintf("%s(%s)", d.Kind, d.Side)
}

// Evaluate compares snap against the per-side invariants. Sides are
// evaluated independently, long first.
func Evaluate(snap Snapshot, cfg Config) []Divergence {
	var out []Divergence
	for _, side := range Sides {
		out = append(out, evaluateSide(snap, side, cfg)...)
	}
	return out
}

func evaluateSide(snap Snapshot, side Side, cfg Config) []Divergence {
	pos, open := snap.Position(side)
	if !open {
		return evaluateFlatSide(snap, side, cfg)
	}

	// a breach supersedes protective-order management for the side
	if IsBreached(pos, cfg) {
		return []Divergence{{Kind: StopLossBreach, Side: side}}
	}

	var out []Divergence
	protect := func(kind OrderKind, missing DivergenceKind) {
		kept := false
		for _, o := range snap.OrdersFor(side, kind) {
			if !kept && sameQuantity(o.Quantity, pos.Quantity) {
				kept = true
				continue
			}
			out = append(out, Divergence{Kind: RedundantProtectiveOrder, Side: side, OrderID: o.ID})
		}
		if !kept {
			out = append(out, Divergence{Kind: missing, Side: side})
		}
	}
	protect(KindStopMarket, MissingStopLoss)
	protect(KindTakeProfitMarket, MissingTakeProfit)
	return out
}

func evaluateFlatSide(snap Snapshot, side Side, cfg Config) []Divergence {
	var out []Divergence
	for _, kind := range []OrderKind{KindStopMarket, KindTakeProfitMarket} {
		for _, o := range snap.OrdersFor(side, kind) {
			out = append(out, Divergence{Kind: RedundantProtectiveOrder, Side: side, OrderID: o.ID})
		}
	}

	fresh := 0
	for _, o := range snap.OrdersFor(side, KindEntryLimit) {
		switch {
		case IsStale(o.Price, snap.Price, cfg):
			out = append(out, Divergence{Kind: StaleEntryOrder, Side: side, OrderID: o.ID})
		case fresh > 0:
			out = append(out, Divergence{Kind: RedundantEntryOrder, Side: side, OrderID: o.ID})
		default:
			fresh++
		}
	}
	if fresh == 0 {
		out = append(out, Divergence{Kind: MissingEntryOrder, Side: side})
	}
	return out
}

// sameQuantity tolerates float noise from venue decimal strings
func sameQuantity(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= 1e-9*maxAbs(a, b)
}

func maxAbs(a, b float64) float64 {
	if a < 0 {
		a = -a
	}
	if b < 0 {
		b = -b
	}
	if a > b {
		return a
	}
	return b
}
