package binance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"hedge-grid-bot/internal/grid"
)

// algoIDPrefix namespaces algo order ids so cancels reach the right endpoint
const algoIDPrefix = "algo-"

// closedOrdersLimit is how far back fill detection looks on each endpoint
const closedOrdersLimit = 50

// Gateway adapts FuturesClient to grid.Gateway. Entry and market orders go
// through /fapi/v1/order, stop-loss and take-profit through the algo API.
type Gateway struct {
	client *FuturesClient
	logger zerolog.Logger

	mu    sync.RWMutex
	rules map[string]SymbolRules
}

func NewGateway(client *FuturesClient, logger zerolog.Logger) *Gateway {
	return &Gateway{
		client: client,
		logger: logger.With().Str("component", "BinanceGateway").Logger(),
		rules:  make(map[string]SymbolRules),
	}
}

// Prepare loads symbol precision rules, enables hedge mode and sets leverage.
// It must succeed before the first tick.
func (g *Gateway) Prepare(ctx context.Context, symbol string, leverage int) error {
	info, err := g.client.GetFuturesExchangeInfo(ctx)
	if err != nil {
		return err
	}
	rules, err := FindSymbolRules(info, symbol)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.rules[symbol] = rules
	g.mu.Unlock()

	if err := g.client.SetPositionMode(ctx, true); err != nil {
		return err
	}
	if _, err := g.client.SetLeverage(ctx, symbol, leverage); err != nil {
		return err
	}
	g.logger.Info().
		Str("symbol", symbol).
		Int("leverage", leverage).
		Str("tick_size", rules.TickSize.String()).
		Str("step_size", rules.StepSize.String()).
		Msg("Venue prepared for hedge mode")
	return nil
}

func (g *Gateway) symbolRules(symbol string) (SymbolRules, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.rules[symbol]
	if !ok {
		return SymbolRules{}, fmt.Errorf("no precision rules loaded for %s", symbol)
	}
	return r, nil
}

func (g *Gateway) GetPrice(ctx context.Context, symbol string) (float64, error) {
	return g.client.GetTickerPrice(ctx, symbol)
}

// GetPositions returns the non-flat hedge-mode positions of symbol
func (g *Gateway) GetPositions(ctx context.Context, symbol string) ([]grid.Position, error) {
	raw, err := g.client.GetPositions(ctx, symbol)
	if err != nil {
		return nil, err
	}
	var out []grid.Position
	for _, p := range raw {
		side, ok := gridSide(p.PositionSide)
		if !ok || p.PositionAmt == 0 {
			continue
		}
		qty := p.PositionAmt
		if qty < 0 {
			qty = -qty
		}
		out = append(out, grid.Position{
			Symbol:        p.Symbol,
			Side:          side,
			Quantity:      qty,
			EntryPrice:    p.EntryPrice,
			MarkPrice:     p.MarkPrice,
			UnrealizedPnl: p.UnrealizedProfit,
		})
	}
	return out, nil
}

// GetOpenOrders merges regular and algo open orders
func (g *Gateway) GetOpenOrders(ctx context.Context, symbol string) ([]grid.Order, error) {
	var (
		regular []FuturesOrder
		algo    []AlgoOrder
	)
	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	p.Go(func(ctx context.Context) (err error) {
		regular, err = g.client.GetOpenOrders(ctx, symbol)
		return err
	})
	p.Go(func(ctx context.Context) (err error) {
		algo, err = g.client.GetOpenAlgoOrders(ctx, symbol)
		return err
	})
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return g.mapOrders(regular, algo), nil
}

// GetClosedOrders returns recent orders in a final state
func (g *Gateway) GetClosedOrders(ctx context.Context, symbol string) ([]grid.Order, error) {
	var (
		regular []FuturesOrder
		algo    []AlgoOrder
	)
	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	p.Go(func(ctx context.Context) (err error) {
		regular, err = g.client.GetAllOrders(ctx, symbol, closedOrdersLimit)
		return err
	})
	p.Go(func(ctx context.Context) (err error) {
		algo, err = g.client.GetAllAlgoOrders(ctx, symbol, closedOrdersLimit)
		return err
	})
	if err := p.Wait(); err != nil {
		return nil, err
	}
	var out []grid.Order
	for _, o := range g.mapOrders(regular, algo) {
		if o.Status != grid.StatusOpen {
			out = append(out, o)
		}
	}
	return out, nil
}

func (g *Gateway) mapOrders(regular []FuturesOrder, algo []AlgoOrder) []grid.Order {
	out := make([]grid.Order, 0, len(regular)+len(algo))
	for _, o := range regular {
		if mapped, ok := orderFromFutures(o); ok {
			out = append(out, mapped)
		} else {
			g.logger.Debug().Int64("order_id", o.OrderId).Str("type", o.Type).Msg("Ignoring unmanaged order type")
		}
	}
	for _, o := range algo {
		if mapped, ok := orderFromAlgo(o); ok {
			out = append(out, mapped)
		} else {
			g.logger.Debug().Int64("algo_id", o.AlgoId).Str("type", o.OrderType).Msg("Ignoring unmanaged algo order type")
		}
	}
	return out
}

// CreateOrder rounds price and quantity to the symbol rules and routes the
// request to the regular or algo endpoint by kind
func (g *Gateway) CreateOrder(ctx context.Context, req grid.OrderRequest) (grid.Order, error) {
	rules, err := g.symbolRules(req.Symbol)
	if err != nil {
		return grid.Order{}, err
	}
	qty, err := rules.FormatQty(req.Quantity)
	if err != nil {
		return grid.Order{}, err
	}
	side := strings.ToUpper(string(req.Side))
	posSide := venuePositionSide(req.PositionSide)

	switch req.Kind {
	case grid.KindEntryLimit, grid.KindMarket:
		params := FuturesOrderParams{
			Symbol:           req.Symbol,
			Side:             side,
			PositionSide:     posSide,
			Type:             FuturesOrderTypeMarket,
			Quantity:         qty,
			NewClientOrderId: req.ClientOrderID,
		}
		if req.Kind == grid.KindEntryLimit {
			params.Type = FuturesOrderTypeLimit
			params.Price = rules.FormatPrice(req.Price)
			params.TimeInForce = TimeInForceGTC
		}
		resp, err := g.client.PlaceFuturesOrder(ctx, params)
		if err != nil {
			return grid.Order{}, err
		}
		o, ok := orderFromFutures(*resp)
		if !ok {
			return grid.Order{}, fmt.Errorf("unexpected order type %q in response", resp.Type)
		}
		return o, nil

	case grid.KindStopMarket, grid.KindTakeProfitMarket:
		typ := FuturesOrderTypeStopMarket
		if req.Kind == grid.KindTakeProfitMarket {
			typ = FuturesOrderTypeTakeProfitMarket
		}
		resp, err := g.client.PlaceAlgoOrder(ctx, AlgoOrderParams{
			Symbol:       req.Symbol,
			Side:         side,
			PositionSide: posSide,
			Type:         typ,
			Quantity:     qty,
			TriggerPrice: rules.FormatPrice(req.StopPrice),
			WorkingType:  WorkingTypeMarkPrice,
			ClientAlgoId: req.ClientOrderID,
		})
		if err != nil {
			return grid.Order{}, err
		}
		o, ok := orderFromAlgo(*resp)
		if !ok {
			return grid.Order{}, fmt.Errorf("unexpected algo order type %q in response", resp.OrderType)
		}
		return o, nil
	}
	return grid.Order{}, fmt.Errorf("unsupported order kind %q", req.Kind)
}

// CancelOrder cancels a regular or algo order depending on the id namespace.
// Unknown orders surface as an error matching grid.ErrOrderNotFound.
func (g *Gateway) CancelOrder(ctx context.Context, orderID, symbol string) error {
	if rest, ok := strings.CutPrefix(orderID, algoIDPrefix); ok {
		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return fmt.Errorf("malformed algo order id %q: %w", orderID, err)
		}
		return g.client.CancelAlgoOrder(ctx, symbol, id)
	}
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed order id %q: %w", orderID, err)
	}
	return g.client.CancelFuturesOrder(ctx, symbol, id)
}

// ==================== MAPPING ====================

func gridSide(positionSide string) (grid.Side, bool) {
	switch PositionSide(positionSide) {
	case PositionSideLong:
		return grid.SideLong, true
	case PositionSideShort:
		return grid.SideShort, true
	}
	return "", false
}

func venuePositionSide(s grid.Side) PositionSide {
	if s == grid.SideShort {
		return PositionSideShort
	}
	return PositionSideLong
}

func gridOrderSide(side string) grid.OrderSide {
	if strings.EqualFold(side, "SELL") {
		return grid.OrderSideSell
	}
	return grid.OrderSideBuy
}

func orderKind(typ string) (grid.OrderKind, bool) {
	switch FuturesOrderType(typ) {
	case FuturesOrderTypeLimit:
		return grid.KindEntryLimit, true
	case FuturesOrderTypeMarket:
		return grid.KindMarket, true
	case FuturesOrderTypeStopMarket:
		return grid.KindStopMarket, true
	case FuturesOrderTypeTakeProfitMarket:
		return grid.KindTakeProfitMarket, true
	}
	return "", false
}

func orderFromFutures(o FuturesOrder) (grid.Order, bool) {
	kind, ok := orderKind(o.Type)
	if !ok {
		return grid.Order{}, false
	}
	side, ok := gridSide(o.PositionSide)
	if !ok {
		return grid.Order{}, false
	}
	var status grid.OrderStatus
	switch FuturesOrderStatus(o.Status) {
	case FuturesOrderStatusNew, FuturesOrderStatusPartiallyFilled:
		status = grid.StatusOpen
	case FuturesOrderStatusFilled:
		status = grid.StatusFilled
	default:
		status = grid.StatusCanceled
	}
	updated := o.UpdateTime
	if updated == 0 {
		updated = o.Time
	}
	return grid.Order{
		ID:           strconv.FormatInt(o.OrderId, 10),
		ClientID:     o.ClientOrderId,
		Symbol:       o.Symbol,
		Side:         gridOrderSide(o.Side),
		PositionSide: side,
		Kind:         kind,
		Price:        o.Price,
		StopPrice:    o.StopPrice,
		Quantity:     o.OrigQty,
		Status:       status,
		UpdatedAt:    time.UnixMilli(updated),
	}, true
}

func orderFromAlgo(o AlgoOrder) (grid.Order, bool) {
	kind, ok := orderKind(o.OrderType)
	if !ok || !kind.IsProtective() {
		return grid.Order{}, false
	}
	side, ok := gridSide(o.PositionSide)
	if !ok {
		return grid.Order{}, false
	}
	var status grid.OrderStatus
	switch AlgoOrderStatus(o.AlgoStatus) {
	case AlgoOrderStatusNew:
		status = grid.StatusOpen
	case AlgoOrderStatusTriggered, AlgoOrderStatusFinished:
		status = grid.StatusFilled
	default:
		status = grid.StatusCanceled
	}
	updated := o.UpdateTime
	if o.TriggerTime > updated {
		updated = o.TriggerTime
	}
	if updated == 0 {
		updated = o.CreateTime
	}
	return grid.Order{
		ID:           algoIDPrefix + strconv.FormatInt(o.AlgoId, 10),
		ClientID:     o.ClientAlgoId,
		Symbol:       o.Symbol,
		Side:         gridOrderSide(o.Side),
		PositionSide: side,
		Kind:         kind,
		Price:        o.Price,
		StopPrice:    o.TriggerPrice,
		Quantity:     o.Quantity,
		Status:       status,
		UpdatedAt:    time.UnixMilli(updated),
	}, true
}
