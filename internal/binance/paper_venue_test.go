package binance

import (
	"context"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/rs/zerolog"

	"hedge-grid-bot/internal/grid"
)

func newTestPaperVenue(t *testing.T, price float64) *PaperVenue {
	t.Helper()
	v := NewPaperVenue(1000, nil, zerolog.New(io.Discard))
	if err := v.Prepare(context.Background(), "BTCUSDT", 10); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	v.SetPrice("BTCUSDT", price)
	return v
}

func TestPaperVenueEntryFillsWhenCrossed(t *testing.T) {
	v := newTestPaperVenue(t, 100)
	ctx := context.Background()

	long, err := v.CreateOrder(ctx, grid.OrderRequest{Symbol: "BTCUSDT", Side: grid.OrderSideBuy,
		PositionSide: grid.SideLong, Kind: grid.KindEntryLimit, Quantity: 2, Price: 99.5})
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if _, err := v.CreateOrder(ctx, grid.OrderRequest{Symbol: "BTCUSDT", Side: grid.OrderSideSell,
		PositionSide: grid.SideShort, Kind: grid.KindEntryLimit, Quantity: 2, Price: 100.5}); err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}

	v.SetPrice("BTCUSDT", 99.7)
	if positions, _ := v.GetPositions(ctx, "BTCUSDT"); len(positions) != 0 {
		t.Fatalf("Expected no fills above the long entry, got %+v", positions)
	}

	v.SetPrice("BTCUSDT", 99.4)
	positions, _ := v.GetPositions(ctx, "BTCUSDT")
	if len(positions) != 1 || positions[0].Side != grid.SideLong || positions[0].EntryPrice != 99.5 {
		t.Fatalf("Expected long filled at 99.5, got %+v", positions)
	}
	if math.Abs(positions[0].UnrealizedPnl-(-0.2)) > 1e-9 {
		t.Errorf("Expected unrealized PnL -0.2, got %v", positions[0].UnrealizedPnl)
	}

	open, _ := v.GetOpenOrders(ctx, "BTCUSDT")
	if len(open) != 1 || open[0].PositionSide != grid.SideShort {
		t.Errorf("Expected only the short entry resting, got %+v", open)
	}
	closed, _ := v.GetClosedOrders(ctx, "BTCUSDT")
	if len(closed) != 1 || closed[0].ID != long.ID || closed[0].Status != grid.StatusFilled {
		t.Errorf("Expected the long entry in closed orders, got %+v", closed)
	}
}

func TestPaperVenueProtectiveOrders(t *testing.T) {
	v := newTestPaperVenue(t, 100)
	ctx := context.Background()

	v.CreateOrder(ctx, grid.OrderRequest{Symbol: "BTCUSDT", Side: grid.OrderSideSell,
		PositionSide: grid.SideShort, Kind: grid.KindEntryLimit, Quantity: 1, Price: 100.5})
	v.SetPrice("BTCUSDT", 100.6)

	sl, err := v.CreateOrder(ctx, grid.OrderRequest{Symbol: "BTCUSDT", Side: grid.OrderSideBuy,
		PositionSide: grid.SideShort, Kind: grid.KindStopMarket, Quantity: 1, StopPrice: 101})
	if err != nil {
		t.Fatalf("CreateOrder(stop) failed: %v", err)
	}
	if sl.ID[:5] != "algo-" {
		t.Errorf("Expected protective ids in the algo namespace, got %s", sl.ID)
	}
	v.CreateOrder(ctx, grid.OrderRequest{Symbol: "BTCUSDT", Side: grid.OrderSideBuy,
		PositionSide: grid.SideShort, Kind: grid.KindTakeProfitMarket, Quantity: 1, StopPrice: 99})

	v.SetPrice("BTCUSDT", 98.9)

	if positions, _ := v.GetPositions(ctx, "BTCUSDT"); len(positions) != 0 {
		t.Errorf("Expected take profit to close the short, got %+v", positions)
	}
	open, _ := v.GetOpenOrders(ctx, "BTCUSDT")
	if len(open) != 1 || open[0].ID != sl.ID {
		t.Errorf("Expected the stop loss to keep resting, got %+v", open)
	}

	info, _ := v.GetFuturesAccountInfo(ctx)
	// realized (100.5 - 98.9) minus two taker fees
	want := 1000 + 1.6 - 100.5*paperFeeRate - 98.9*paperFeeRate
	if math.Abs(info.TotalWalletBalance-want) > 1e-9 {
		t.Errorf("Expected wallet balance %v, got %v", want, info.TotalWalletBalance)
	}

	// the orphaned stop triggers with nothing left to reduce
	v.SetPrice("BTCUSDT", 101.2)
	closed, _ := v.GetClosedOrders(ctx, "BTCUSDT")
	last := closed[len(closed)-1]
	if last.ID != sl.ID || last.Status != grid.StatusCanceled {
		t.Errorf("Expected the orphaned stop to expire, got %+v", last)
	}
}

func TestPaperVenueRequiresHedgeMode(t *testing.T) {
	v := NewPaperVenue(1000, nil, zerolog.New(io.Discard))
	v.SetPrice("BTCUSDT", 100)
	ctx := context.Background()
	req := grid.OrderRequest{Symbol: "BTCUSDT", Side: grid.OrderSideBuy,
		PositionSide: grid.SideLong, Kind: grid.KindEntryLimit, Quantity: 1, Price: 99.5}

	_, err := v.CreateOrder(ctx, req)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != CodePositionSideMismatch {
		t.Fatalf("Expected position side rejection before Prepare, got %v", err)
	}
	if orders, _ := v.GetOpenOrders(ctx, "BTCUSDT"); len(orders) != 0 {
		t.Errorf("Expected no resting orders, got %d", len(orders))
	}

	if err := v.Prepare(ctx, "BTCUSDT", 10); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if _, err := v.CreateOrder(ctx, req); err != nil {
		t.Errorf("Expected order to be accepted after Prepare, got %v", err)
	}
}

func TestPaperVenueCancelUnknownOrder(t *testing.T) {
	v := newTestPaperVenue(t, 100)

	err := v.CancelOrder(context.Background(), "404", "BTCUSDT")
	if !errors.Is(err, grid.ErrOrderNotFound) {
		t.Errorf("Expected ErrOrderNotFound, got %v", err)
	}
}

func TestPaperVenueMarketClose(t *testing.T) {
	v := newTestPaperVenue(t, 100)
	ctx := context.Background()

	v.CreateOrder(ctx, grid.OrderRequest{Symbol: "BTCUSDT", Side: grid.OrderSideBuy,
		PositionSide: grid.SideLong, Kind: grid.KindEntryLimit, Quantity: 1, Price: 100})
	v.SetPrice("BTCUSDT", 100)
	info, _ := v.GetFuturesAccountInfo(ctx)
	if len(info.Positions) != 1 || math.Abs(info.TotalInitialMargin-10) > 1e-9 {
		t.Fatalf("Expected one position with 10 initial margin at 10x, got %+v", info)
	}

	v.SetPrice("BTCUSDT", 97)
	order, err := v.CreateOrder(ctx, grid.OrderRequest{Symbol: "BTCUSDT", Side: grid.OrderSideSell,
		PositionSide: grid.SideLong, Kind: grid.KindMarket, Quantity: 1})
	if err != nil {
		t.Fatalf("Market close failed: %v", err)
	}
	if order.Status != grid.StatusFilled || order.Price != 97 {
		t.Errorf("Expected immediate fill at 97, got %+v", order)
	}
	if positions, _ := v.GetPositions(ctx, "BTCUSDT"); len(positions) != 0 {
		t.Errorf("Expected the long to be closed, got %+v", positions)
	}
}

// The paper venue drives full reconciliation ticks end to end
func TestPaperVenueWithReconciler(t *testing.T) {
	v := newTestPaperVenue(t, 100)
	cfg := grid.Config{
		Symbol:              "BTCUSDT",
		Leverage:            10,
		OrderSize:           0.01,
		InitialDistancePct:  0.005,
		MaxDistancePct:      0.01,
		StopLossBufferPct:   0.005,
		TakeProfitBufferPct: 0.015,
		PollIntervalSeconds: 1,
		ErrorBackoffSeconds: 1,
	}
	r := grid.NewReconciler(cfg, v, zerolog.New(io.Discard))
	ctx := context.Background()

	tick := func() grid.TickResult {
		t.Helper()
		res, err := r.Tick(ctx)
		if err != nil {
			t.Fatalf("Tick failed: %v", err)
		}
		return res
	}

	tick()
	if open, _ := v.GetOpenOrders(ctx, "BTCUSDT"); len(open) != 2 {
		t.Fatalf("Expected both entries placed, got %+v", open)
	}

	v.SetPrice("BTCUSDT", 99.4)
	tick()
	open, _ := v.GetOpenOrders(ctx, "BTCUSDT")
	kinds := map[grid.OrderKind]int{}
	for _, o := range open {
		kinds[o.Kind]++
	}
	if kinds[grid.KindStopMarket] != 1 || kinds[grid.KindTakeProfitMarket] != 1 || kinds[grid.KindEntryLimit] != 1 {
		t.Fatalf("Expected long protected and short entry resting, got %+v", open)
	}

	res := tick()
	if len(res.Actions) != 0 {
		t.Errorf("Expected a stable grid, got %v", res.Actions)
	}
}
