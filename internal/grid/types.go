// Package grid keeps a two-sided hedge-mode grid in sync with venue state.
//
// Every tick re-reads the venue (price, positions, open orders), derives the
// divergences from the desired per-side topology and applies the minimal set
// of corrective actions. Nothing about orders or positions is remembered
// between ticks; the only carried value is the fill-detection watermark.
package grid

import (
	"fmt"
	"time"
)

// Side is a position side in hedge mode
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Sides lists both managed sides in evaluation order
var Sides = []Side{SideLong, SideShort}

// EntryOrderSide returns the order side that opens a position on s
func (s Side) EntryOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// CloseOrderSide returns the order side that reduces a position on s
func (s Side) CloseOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

// OrderSide is the buy/sell direction of an order
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderKind classifies the orders the grid places
type OrderKind string

const (
	KindEntryLimit       OrderKind = "entry_limit"
	KindStopMarket       OrderKind = "stop_market"
	KindTakeProfitMarket OrderKind = "take_profit_market"

	// KindMarket is used only for forced closes
	KindMarket OrderKind = "market"
)

// IsProtective reports whether k is a stop-loss or take-profit order
func (k OrderKind) IsProtective() bool {
	return k == KindStopMarket || k == KindTakeProfitMarket
}

// OrderStatus is the venue-reported lifecycle status
type OrderStatus string

const (
	StatusOpen     OrderStatus = "open"
	StatusFilled   OrderStatus = "filled"
	StatusCanceled OrderStatus = "canceled"
)

// Position is an open hedge-mode position on one side
type Position struct {
	Symbol        string
	Side          Side
	Quantity      float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnl float64
}

// Order is a venue order mapped into grid terms. It is never mutated locally.
type Order struct {
	ID           string
	ClientID     string
	Symbol       string
	Side         OrderSide
	PositionSide Side
	Kind         OrderKind
	Price        float64
	StopPrice    float64
	Quantity     float64
	Status       OrderStatus
	UpdatedAt    time.Time
}

// LevelPrice is the price the order rests or triggers at
func (o Order) LevelPrice() float64 {
	if o.Kind.IsProtective() {
		return o.StopPrice
	}
	return o.Price
}

func (o Order) String() string {
	return fmt.Sprintf("%s %s/%s %s qty=%g @%g", o.ID, o.PositionSide, o.Side, o.Kind, o.Quantity, o.LevelPrice())
}

// OrderRequest is everything the gateway needs to place one order
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	PositionSide  Side
	Kind          OrderKind
	Quantity      float64
	Price         float64
	StopPrice     float64
	ClientOrderID string
}

// Snapshot is one consistent read of venue state for a symbol
type Snapshot struct {
	Symbol     string
	Price      float64
	Positions  []Position
	OpenOrders []Order
	TakenAt    time.Time
}

// Position returns the open position for side, if any
func (s Snapshot) Position(side Side) (Position, bool) {
	for _, p := range s.Positions {
		if p.Side == side && p.Quantity > 0 {
			return p, true
		}
	}
	return Position{}, false
}

// OrdersFor returns open orders of kind on side, in snapshot order
func (s Snapshot) OrdersFor(side Side, kind OrderKind) []Order {
	var out []Order
	for _, o := range s.OpenOrders {
		if o.PositionSide == side && o.Kind == kind {
			out = append(out, o)
		}
	}
	return out
}

// Order looks up an open order by id
func (s Snapshot) Order(id string) (Order, bool) {
	for _, o := range s.OpenOrders {
		if o.ID == id {
			return o, true
		}
	}
	return Order{}, false
}
