package exitplan

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"hedge-grid-bot/internal/binance"
	"hedge-grid-bot/internal/grid"
)

const clientIDPrefix = "hx-"

// OrderPlacer is the part of *binance.FuturesClient the ladder needs
type OrderPlacer interface {
	PlaceFuturesOrder(ctx context.Context, params binance.FuturesOrderParams) (*binance.FuturesOrder, error)
	PlaceAlgoOrder(ctx context.Context, params binance.AlgoOrderParams) (*binance.AlgoOrder, error)
}

// PlaceResult is the outcome of one level
type PlaceResult struct {
	Level   Level
	OrderID string
	Err     error
}

// PositionsFromAccount extracts the open positions of an account snapshot.
// One-way (BOTH) positions take their side from the sign of the amount.
func PositionsFromAccount(info *binance.FuturesAccountInfo) []grid.Position {
	var out []grid.Position
	for _, p := range info.Positions {
		if p.PositionAmt == 0 {
			continue
		}
		side := grid.SideLong
		switch binance.PositionSide(p.PositionSide) {
		case binance.PositionSideShort:
			side = grid.SideShort
		case binance.PositionSideBoth:
			if p.PositionAmt < 0 {
				side = grid.SideShort
			}
		}
		out = append(out, grid.Position{
			Symbol:        p.Symbol,
			Side:          side,
			Quantity:      math.Abs(p.PositionAmt),
			EntryPrice:    p.EntryPrice,
			UnrealizedPnl: p.UnrealizedProfit,
		})
	}
	return out
}

// Place submits every level of plan. A failed level does not stop the
// others; each outcome is reported.
func Place(ctx context.Context, placer OrderPlacer, plan Plan, hedgeMode bool) []PlaceResult {
	side := strings.ToUpper(string(plan.Side.CloseOrderSide()))
	posSide := binance.PositionSideBoth
	if hedgeMode {
		posSide = binance.PositionSideLong
		if plan.Side == grid.SideShort {
			posSide = binance.PositionSideShort
		}
	}

	results := make([]PlaceResult, 0, len(plan.Levels))
	for _, l := range plan.Levels {
		if err := ctx.Err(); err != nil {
			results = append(results, PlaceResult{Level: l, Err: err})
			continue
		}
		clientID := clientIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
		res := PlaceResult{Level: l}

		switch l.Kind {
		case LevelTakeProfit:
			order, err := placer.PlaceFuturesOrder(ctx, binance.FuturesOrderParams{
				Symbol:           plan.Symbol,
				Side:             side,
				PositionSide:     posSide,
				Type:             binance.FuturesOrderTypeLimit,
				Quantity:         l.Quantity.String(),
				Price:            l.Price.String(),
				TimeInForce:      binance.TimeInForceGTC,
				NewClientOrderId: clientID,
			})
			if err != nil {
				res.Err = fmt.Errorf("take profit %d: %w", l.Index, err)
			} else {
				res.OrderID = strconv.FormatInt(order.OrderId, 10)
			}
		case LevelStopLimit:
			order, err := placer.PlaceAlgoOrder(ctx, binance.AlgoOrderParams{
				Symbol:       plan.Symbol,
				Side:         side,
				PositionSide: posSide,
				Type:         binance.FuturesOrderTypeStop,
				Quantity:     l.Quantity.String(),
				Price:        l.Price.String(),
				TriggerPrice: l.Trigger.String(),
				TimeInForce:  binance.TimeInForceGTC,
				WorkingType:  binance.WorkingTypeMarkPrice,
				ClientAlgoId: clientID,
			})
			if err != nil {
				res.Err = fmt.Errorf("stop limit %d: %w", l.Index, err)
			} else {
				res.OrderID = "algo-" + strconv.FormatInt(order.AlgoId, 10)
			}
		}
		results = append(results, res)
	}
	return results
}
