package grid

import "math"

// EntryPrice is where a fresh entry rests: below market for long, above for short
func EntryPrice(side Side, price float64, cfg Config) float64 {
	if side == SideShort {
		return price * (1 + cfg.InitialDistancePct)
	}
	return price * (1 - cfg.InitialDistancePct)
}

// StopLossTrigger is the stop_market trigger for a position entered at entry
func StopLossTrigger(side Side, entry float64, cfg Config) float64 {
	if side == SideShort {
		return entry * (1 + cfg.StopLossBufferPct)
	}
	return entry * (1 - cfg.StopLossBufferPct)
}

// TakeProfitTrigger is the take_profit_market trigger for a position entered at entry
func TakeProfitTrigger(side Side, entry float64, cfg Config) float64 {
	if side == SideShort {
		return entry * (1 - cfg.TakeProfitBufferPct)
	}
	return entry * (1 + cfg.TakeProfitBufferPct)
}

// IsStale reports whether a resting entry drifted more than MaxDistancePct from price
func IsStale(orderPrice, price float64, cfg Config) bool {
	return math.Abs(orderPrice-price) > cfg.MaxDistancePct*price
}

// BreachThreshold is the largest unrealized loss tolerated on p
func BreachThreshold(p Position, cfg Config) float64 {
	return cfg.StopLossBufferPct * p.EntryPrice * p.Quantity
}

// IsBreached compares live unrealized PnL, which already includes venue fees
// and funding, against BreachThreshold.
func IsBreached(p Position, cfg Config) bool {
	return p.UnrealizedPnl < 0 && -p.UnrealizedPnl > BreachThreshold(p, cfg)
}
