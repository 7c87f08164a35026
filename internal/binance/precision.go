package binance

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// SymbolRules holds the PRICE_FILTER and LOT_SIZE constraints of one symbol
type SymbolRules struct {
	Symbol   string
	TickSize decimal.Decimal
	StepSize decimal.Decimal
	MinQty   decimal.Decimal
}

// RulesFromSymbolInfo reads tick and step sizes from the exchangeInfo filters
func RulesFromSymbolInfo(info FuturesSymbolInfo) (SymbolRules, error) {
	rules := SymbolRules{Symbol: info.Symbol}
	for _, f := range info.Filters {
		switch f.FilterType {
		case "PRICE_FILTER":
			tick, err := decimal.NewFromString(f.TickSize)
			if err != nil {
				return rules, fmt.Errorf("%s tickSize %q: %w", info.Symbol, f.TickSize, err)
			}
			rules.TickSize = tick
		case "LOT_SIZE":
			step, err := decimal.NewFromString(f.StepSize)
			if err != nil {
				return rules, fmt.Errorf("%s stepSize %q: %w", info.Symbol, f.StepSize, err)
			}
			rules.StepSize = step
			if minQty, err := decimal.NewFromString(f.MinQty); err == nil {
				rules.MinQty = minQty
			}
		}
	}
	if !rules.TickSize.IsPositive() || !rules.StepSize.IsPositive() {
		return rules, fmt.Errorf("%s: exchange info has no usable PRICE_FILTER/LOT_SIZE", info.Symbol)
	}
	return rules, nil
}

// FindSymbolRules picks symbol out of a full exchangeInfo response
func FindSymbolRules(info *FuturesExchangeInfo, symbol string) (SymbolRules, error) {
	for _, s := range info.Symbols {
		if s.Symbol == symbol {
			return RulesFromSymbolInfo(s)
		}
	}
	return SymbolRules{Symbol: symbol}, fmt.Errorf("symbol %s not listed in exchange info", symbol)
}

// RoundPrice snaps p to the nearest tick
func (r SymbolRules) RoundPrice(p float64) decimal.Decimal {
	return roundToIncrement(decimal.NewFromFloat(p), r.TickSize, false)
}

// RoundQty floors q to the step size so an order never exceeds what was asked
func (r SymbolRules) RoundQty(q float64) decimal.Decimal {
	return roundToIncrement(decimal.NewFromFloat(q), r.StepSize, true)
}

// FormatPrice renders p as the venue expects it in a request
func (r SymbolRules) FormatPrice(p float64) string {
	return r.RoundPrice(p).String()
}

// FormatQty renders q floored to the step; an error means it rounds below MinQty
func (r SymbolRules) FormatQty(q float64) (string, error) {
	qty := r.RoundQty(q)
	if !qty.IsPositive() || (r.MinQty.IsPositive() && qty.LessThan(r.MinQty)) {
		return "", fmt.Errorf("%s quantity %g is below the minimum %s", r.Symbol, q, r.MinQty)
	}
	return qty.String(), nil
}

func roundToIncrement(v, inc decimal.Decimal, floor bool) decimal.Decimal {
	if !inc.IsPositive() {
		return v
	}
	steps := v.Div(inc)
	if floor {
		steps = steps.Floor()
	} else {
		steps = steps.Round(0)
	}
	return steps.Mul(inc)
}
