package grid

import (
	"context"
	"time"
)

// Gateway is the venue as seen by the reconciler. Implementations map raw
// venue payloads into grid types and return *GatewayError (or an error
// wrapping ErrOrderNotFound for unknown orders) on failure.
type Gateway interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
	GetPositions(ctx context.Context, symbol string) ([]Position, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]Order, error)
	// GetClosedOrders is only used to detect protective fills since the prior tick
	GetClosedOrders(ctx context.Context, symbol string) ([]Order, error)
	CreateOrder(ctx context.Context, req OrderRequest) (Order, error)
	CancelOrder(ctx context.Context, orderID, symbol string) error
}

// callWithTimeout runs fn under a child context bounded by d
func callWithTimeout[T any](ctx context.Context, d time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	v, err := fn(cctx)
	if err != nil {
		var zero T
		return zero, NewGatewayError(op, err)
	}
	return v, nil
}
