// Package exitplan builds staged exit ladders for open positions: N
// take-profit limits spaced away from entry in the profit direction and N
// stop-limit orders spaced away in the loss direction, each for an equal
// share of the position.
package exitplan

import (
	"fmt"

	"github.com/shopspring/decimal"

	"hedge-grid-bot/internal/grid"
)

// LevelKind distinguishes the two legs of a ladder
type LevelKind string

const (
	LevelTakeProfit LevelKind = "take_profit"
	LevelStopLimit  LevelKind = "stop_limit"
)

// Rounder snaps prices and quantities to venue increments;
// binance.SymbolRules implements it.
type Rounder interface {
	RoundPrice(p float64) decimal.Decimal
	RoundQty(q float64) decimal.Decimal
}

// Params shapes the ladder
type Params struct {
	Levels          int     // levels per leg
	Spacing         float64 // fraction of entry between consecutive levels
	StopLimitOffset float64 // stop-limit price distance past its trigger, as a fraction
}

// DefaultParams are 10 levels 1% apart, stop limits 1% past the trigger
var DefaultParams = Params{Levels: 10, Spacing: 0.01, StopLimitOffset: 0.01}

func (p Params) Validate() error {
	if p.Levels < 1 {
		return fmt.Errorf("levels must be at least 1, got %d", p.Levels)
	}
	if p.Spacing <= 0 || p.Spacing*float64(p.Levels) >= 1 {
		return fmt.Errorf("spacing %g with %d levels must stay within (0, 1) of entry", p.Spacing, p.Levels)
	}
	if p.StopLimitOffset < 0 || p.StopLimitOffset >= 1 {
		return fmt.Errorf("stop_limit_offset must be in [0, 1), got %g", p.StopLimitOffset)
	}
	return nil
}

// Level is one exit order. Trigger is zero for take-profit limits.
type Level struct {
	Kind     LevelKind
	Index    int // 1-based distance from entry in spacings
	Trigger  decimal.Decimal
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Plan is the full ladder for one position
type Plan struct {
	Symbol   string
	Side     grid.Side
	Entry    float64
	Quantity float64
	Levels   []Level
}

// TakeProfits returns the take-profit leg, nearest first
func (p Plan) TakeProfits() []Level { return p.leg(LevelTakeProfit) }

// Stops returns the stop-limit leg, nearest first
func (p Plan) Stops() []Level { return p.leg(LevelStopLimit) }

func (p Plan) leg(kind LevelKind) []Level {
	var out []Level
	for _, l := range p.Levels {
		if l.Kind == kind {
			out = append(out, l)
		}
	}
	return out
}

// Build computes the ladder for pos. Each leg's quantities sum to the
// position quantity floored to the step: every level gets qty/N floored,
// and the last level also takes the remainder.
func Build(pos grid.Position, r Rounder, p Params) (Plan, error) {
	if err := p.Validate(); err != nil {
		return Plan{}, err
	}
	if pos.Quantity <= 0 || pos.EntryPrice <= 0 {
		return Plan{}, fmt.Errorf("%s %s: position has no quantity or entry price", pos.Symbol, pos.Side)
	}

	total := r.RoundQty(pos.Quantity)
	per := r.RoundQty(pos.Quantity / float64(p.Levels))
	if !per.IsPositive() {
		return Plan{}, fmt.Errorf("%s %s: quantity %g is too small to split into %d levels", pos.Symbol, pos.Side, pos.Quantity, p.Levels)
	}
	last := total.Sub(per.Mul(decimal.NewFromInt(int64(p.Levels - 1))))

	entry := decimal.NewFromFloat(pos.EntryPrice)
	spacing := decimal.NewFromFloat(p.Spacing)
	offset := decimal.NewFromFloat(p.StopLimitOffset)
	one := decimal.NewFromInt(1)

	// profit direction: +1 for long, -1 for short
	dir := one
	if pos.Side == grid.SideShort {
		dir = one.Neg()
	}

	plan := Plan{Symbol: pos.Symbol, Side: pos.Side, Entry: pos.EntryPrice, Quantity: pos.Quantity}
	for i := 1; i <= p.Levels; i++ {
		qty := per
		if i == p.Levels {
			qty = last
		}
		step := spacing.Mul(decimal.NewFromInt(int64(i))).Mul(dir)

		tp := entry.Mul(one.Add(step))
		plan.Levels = append(plan.Levels, Level{
			Kind:     LevelTakeProfit,
			Index:    i,
			Price:    r.RoundPrice(tp.InexactFloat64()),
			Quantity: qty,
		})

		trigger := entry.Mul(one.Sub(step))
		limit := trigger.Mul(one.Sub(offset.Mul(dir)))
		plan.Levels = append(plan.Levels, Level{
			Kind:     LevelStopLimit,
			Index:    i,
			Trigger:  r.RoundPrice(trigger.InexactFloat64()),
			Price:    r.RoundPrice(limit.InexactFloat64()),
			Quantity: qty,
		})
	}
	return plan, nil
}
