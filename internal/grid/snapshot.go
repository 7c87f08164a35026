package grid

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

// SnapshotBuilder reads price, positions and open orders for one tick
type SnapshotBuilder struct {
	gw          Gateway
	callTimeout time.Duration
	logger      zerolog.Logger
	now         func() time.Time
}

func NewSnapshotBuilder(gw Gateway, callTimeout time.Duration, logger zerolog.Logger) *SnapshotBuilder {
	return &SnapshotBuilder{
		gw:          gw,
		callTimeout: callTimeout,
		logger:      logger.With().Str("component", "SnapshotBuilder").Logger(),
		now:         time.Now,
	}
}

// Build fetches the three views concurrently. A failure in any of them fails
// the whole snapshot; a partially filled Snapshot is never returned.
func (b *SnapshotBuilder) Build(ctx context.Context, symbol string) (Snapshot, error) {
	var (
		price     float64
		positions []Position
		orders    []Order
	)

	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	p.Go(func(ctx context.Context) error {
		v, err := callWithTimeout(ctx, b.callTimeout, "get_price", func(ctx context.Context) (float64, error) {
			return b.gw.GetPrice(ctx, symbol)
		})
		price = v
		return err
	})
	p.Go(func(ctx context.Context) error {
		v, err := callWithTimeout(ctx, b.callTimeout, "get_positions", func(ctx context.Context) ([]Position, error) {
			return b.gw.GetPositions(ctx, symbol)
		})
		positions = v
		return err
	})
	p.Go(func(ctx context.Context) error {
		v, err := callWithTimeout(ctx, b.callTimeout, "get_open_orders", func(ctx context.Context) ([]Order, error) {
			return b.gw.GetOpenOrders(ctx, symbol)
		})
		orders = v
		return err
	})
	if err := p.Wait(); err != nil {
		return Snapshot{}, NewGatewayError("snapshot", err)
	}
	if price <= 0 {
		return Snapshot{}, &GatewayError{Op: "get_price", Err: errNonPositivePrice}
	}

	snap := Snapshot{
		Symbol:  symbol,
		Price:   price,
		TakenAt: b.now(),
	}
	for _, pos := range positions {
		if pos.Symbol == symbol && pos.Quantity > 0 {
			snap.Positions = append(snap.Positions, pos)
		}
	}
	for _, o := range orders {
		if o.Symbol == symbol && o.Status == StatusOpen {
			snap.OpenOrders = append(snap.OpenOrders, o)
		}
	}

	b.logger.Debug().
		Str("symbol", symbol).
		Float64("price", price).
		Int("positions", len(snap.Positions)).
		Int("open_orders", len(snap.OpenOrders)).
		Msg("Snapshot built")
	return snap, nil
}
