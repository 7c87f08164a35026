package grid

import "fmt"

// ActionKind is the corrective operation an Action performs
type ActionKind string

const (
	ActionCancel           ActionKind = "cancel"
	ActionCreateLimit      ActionKind = "create_limit"
	ActionCreateStop       ActionKind = "create_stop"
	ActionCreateTakeProfit ActionKind = "create_take_profit"
	ActionMarketClose      ActionKind = "market_close"
)

// Action is one planned venue mutation. Cancel actions carry OrderID; every
// other kind carries Request.
type Action struct {
	Kind    ActionKind
	Symbol  string
	Side    Side
	OrderID string
	Request OrderRequest
	Reason  DivergenceKind
}

func (a Action) String() string {
	if a.Kind == ActionCancel {
		return fmt.Sprintf("%s %s %s (%s)", a.Kind, a.Side, a.OrderID, a.Reason)
	}
	r := a.Request
	return fmt.Sprintf("%s %s %s qty=%g price=%g stop=%g (%s)", a.Kind, a.Side, r.Side, r.Quantity, r.Price, r.StopPrice, a.Reason)
}

// Plan turns divergences into ordered actions: market closes first, then per
// side (long, short) every cancel before any create. A side with a breach gets
// its market close and nothing else.
func Plan(divs []Divergence, snap Snapshot, cfg Config) []Action {
	breached := make(map[Side]bool)
	var closes []Action
	for _, d := range divs {
		if d.Kind != StopLossBreach || breached[d.Side] {
			continue
		}
		pos, ok := snap.Position(d.Side)
		if !ok {
			continue
		}
		breached[d.Side] = true
		closes = append(closes, Action{
			Kind:   ActionMarketClose,
			Symbol: snap.Symbol,
			Side:   d.Side,
			Reason: d.Kind,
			Request: OrderRequest{
				Symbol:       snap.Symbol,
				Side:         d.Side.CloseOrderSide(),
				PositionSide: d.Side,
				Kind:         KindMarket,
				Quantity:     pos.Quantity,
			},
		})
	}

	out := closes
	for _, side := range Sides {
		if breached[side] {
			continue
		}
		var cancels, creates []Action
		seen := make(map[string]bool)
		for _, d := range divs {
			if d.Side != side {
				continue
			}
			switch d.Kind {
			case StaleEntryOrder, RedundantEntryOrder, RedundantProtectiveOrder:
				if seen[d.OrderID] {
					continue
				}
				seen[d.OrderID] = true
				cancels = append(cancels, CancelAction(snap.Symbol, side, d.OrderID, d.Kind))
			case MissingEntryOrder:
				creates = append(creates, entryAction(side, snap, cfg))
			case MissingStopLoss, MissingTakeProfit:
				if a, ok := protectiveAction(d.Kind, side, snap, cfg); ok {
					creates = append(creates, a)
				}
			}
		}
		out = append(out, cancels...)
		out = append(out, creates...)
	}
	return out
}

// CancelAction builds a cancel of orderID on side
func CancelAction(symbol string, side Side, orderID string, reason DivergenceKind) Action {
	return Action{Kind: ActionCancel, Symbol: symbol, Side: side, OrderID: orderID, Reason: reason}
}

func entryAction(side Side, snap Snapshot, cfg Config) Action {
	return Action{
		Kind:   ActionCreateLimit,
		Symbol: snap.Symbol,
		Side:   side,
		Reason: MissingEntryOrder,
		Request: OrderRequest{
			Symbol:       snap.Symbol,
			Side:         side.EntryOrderSide(),
			PositionSide: side,
			Kind:         KindEntryLimit,
			Quantity:     cfg.OrderSize,
			Price:        EntryPrice(side, snap.Price, cfg),
		},
	}
}

func protectiveAction(kind DivergenceKind, side Side, snap Snapshot, cfg Config) (Action, bool) {
	pos, ok := snap.Position(side)
	if !ok {
		return Action{}, false
	}
	req := OrderRequest{
		Symbol:       snap.Symbol,
		Side:         side.CloseOrderSide(),
		PositionSide: side,
		Quantity:     pos.Quantity,
	}
	a := Action{Symbol: snap.Symbol, Side: side, Reason: kind}
	if kind == MissingStopLoss {
		a.Kind = ActionCreateStop
		req.Kind = KindStopMarket
		req.StopPrice = StopLossTrigger(side, pos.EntryPrice, cfg)
	} else {
		a.Kind = ActionCreateTakeProfit
		req.Kind = KindTakeProfitMarket
		req.StopPrice = TakeProfitTrigger(side, pos.EntryPrice, cfg)
	}
	a.Request = req
	return a, true
}
