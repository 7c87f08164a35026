package binance

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hedge-grid-bot/internal/grid"
)

const (
	paperFeeRate        = 0.0004 // 0.04% taker fee
	paperClosedHistory  = 200
	paperDefaultBalance = 10000.0
)

// PriceSource supplies live prices to the paper venue; *FuturesClient satisfies it
type PriceSource interface {
	GetTickerPrice(ctx context.Context, symbol string) (float64, error)
}

// PaperVenue is an in-memory hedge-mode venue implementing grid.Gateway for
// dry runs. Resting orders are matched whenever a new price is observed:
// limit entries fill when crossed, stop and take-profit orders trigger at
// their trigger price and close the position at market.
type PaperVenue struct {
	mu sync.Mutex

	prices    PriceSource
	last      map[string]float64
	positions map[string]*grid.Position
	open      []*grid.Order
	closed    []grid.Order
	leverage  map[string]int
	dual      bool
	balance   float64
	nextID    int64

	logger zerolog.Logger
	now    func() time.Time
}

// NewPaperVenue creates a paper venue. prices may be nil, in which case
// prices only change through SetPrice.
func NewPaperVenue(initialBalance float64, prices PriceSource, logger zerolog.Logger) *PaperVenue {
	if initialBalance <= 0 {
		initialBalance = paperDefaultBalance
	}
	return &PaperVenue{
		prices:    prices,
		last:      make(map[string]float64),
		positions: make(map[string]*grid.Position),
		leverage:  make(map[string]int),
		balance:   initialBalance,
		nextID:    1000,
		logger:    logger.With().Str("component", "PaperVenue").Logger(),
		now:       time.Now,
	}
}

func positionKey(symbol string, side grid.Side) string {
	return symbol + "_" + string(side)
}

// Prepare mirrors Gateway.Prepare: hedge mode on, leverage recorded
func (v *PaperVenue) Prepare(ctx context.Context, symbol string, leverage int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if leverage < 1 || leverage > 125 {
		return fmt.Errorf("invalid leverage: must be between 1 and 125")
	}
	v.dual = true
	v.leverage[symbol] = leverage
	return nil
}

// SetPrice records a new last price for symbol and matches resting orders against it
func (v *PaperVenue) SetPrice(symbol string, price float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.setPriceLocked(symbol, price)
}

func (v *PaperVenue) setPriceLocked(symbol string, price float64) {
	v.last[symbol] = price
	if price <= 0 {
		return
	}
	v.matchLocked(symbol, price)
}

func (v *PaperVenue) GetPrice(ctx context.Context, symbol string) (float64, error) {
	if v.prices != nil {
		price, err := v.prices.GetTickerPrice(ctx, symbol)
		if err != nil {
			return 0, err
		}
		v.SetPrice(symbol, price)
		return price, nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	price, ok := v.last[symbol]
	if !ok {
		return 0, fmt.Errorf("no price for %s", symbol)
	}
	return price, nil
}

func (v *PaperVenue) GetPositions(ctx context.Context, symbol string) ([]grid.Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var out []grid.Position
	for _, side := range grid.Sides {
		pos, ok := v.positions[positionKey(symbol, side)]
		if !ok {
			continue
		}
		p := *pos
		if mark, ok := v.last[symbol]; ok && mark > 0 {
			p.MarkPrice = mark
			p.UnrealizedPnl = pnl(side, p.EntryPrice, mark, p.Quantity)
		}
		out = append(out, p)
	}
	return out, nil
}

func (v *PaperVenue) GetOpenOrders(ctx context.Context, symbol string) ([]grid.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]grid.Order, 0, len(v.open))
	for _, o := range v.open {
		if o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (v *PaperVenue) GetClosedOrders(ctx context.Context, symbol string) ([]grid.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []grid.Order
	for _, o := range v.closed {
		if o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out, nil
}

func (v *PaperVenue) CreateOrder(ctx context.Context, req grid.OrderRequest) (grid.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.dual && req.PositionSide != "" {
		// one-way accounts reject positionSide LONG/SHORT
		return grid.Order{}, &APIError{
			Status: http.StatusBadRequest,
			Code:   CodePositionSideMismatch,
			Msg:    "Order's position side does not match user's setting.",
		}
	}
	if req.Quantity <= 0 {
		return grid.Order{}, fmt.Errorf("invalid quantity %g", req.Quantity)
	}
	o := grid.Order{
		ClientID:     req.ClientOrderID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		PositionSide: req.PositionSide,
		Kind:         req.Kind,
		Price:        req.Price,
		StopPrice:    req.StopPrice,
		Quantity:     req.Quantity,
		Status:       grid.StatusOpen,
		UpdatedAt:    v.now(),
	}

	switch req.Kind {
	case grid.KindMarket:
		price, ok := v.last[req.Symbol]
		if !ok || price <= 0 {
			return grid.Order{}, fmt.Errorf("no price for %s", req.Symbol)
		}
		o.ID = v.newIDLocked("")
		o.Price = price
		v.fillLocked(&o, price)
		v.recordClosedLocked(o)
		return o, nil
	case grid.KindEntryLimit:
		if req.Price <= 0 {
			return grid.Order{}, fmt.Errorf("limit order requires a price")
		}
		o.ID = v.newIDLocked("")
	case grid.KindStopMarket, grid.KindTakeProfitMarket:
		if req.StopPrice <= 0 {
			return grid.Order{}, fmt.Errorf("%s requires a trigger price", req.Kind)
		}
		o.ID = v.newIDLocked(algoIDPrefix)
	default:
		return grid.Order{}, fmt.Errorf("unsupported order kind %q", req.Kind)
	}

	stored := o
	v.open = append(v.open, &stored)
	return o, nil
}

func (v *PaperVenue) CancelOrder(ctx context.Context, orderID, symbol string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, o := range v.open {
		if o.ID != orderID || o.Symbol != symbol {
			continue
		}
		v.open = append(v.open[:i], v.open[i+1:]...)
		o.Status = grid.StatusCanceled
		o.UpdatedAt = v.now()
		v.recordClosedLocked(*o)
		return nil
	}
	return fmt.Errorf("cancel %s: %w", orderID, grid.ErrOrderNotFound)
}

// GetFuturesAccountInfo summarizes the paper account in the venue's shape
func (v *PaperVenue) GetFuturesAccountInfo(ctx context.Context) (*FuturesAccountInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	info := &FuturesAccountInfo{TotalWalletBalance: v.balance, UpdateTime: v.now().UnixMilli()}
	for _, pos := range v.positions {
		mark := v.last[pos.Symbol]
		if mark <= 0 {
			mark = pos.EntryPrice
		}
		lev := v.leverage[pos.Symbol]
		if lev <= 0 {
			lev = 1
		}
		upnl := pnl(pos.Side, pos.EntryPrice, mark, pos.Quantity)
		notional := mark * pos.Quantity
		amt := pos.Quantity
		if pos.Side == grid.SideShort {
			amt = -amt
		}
		info.Positions = append(info.Positions, FuturesAccountPosition{
			Symbol:           pos.Symbol,
			InitialMargin:    notional / float64(lev),
			UnrealizedProfit: upnl,
			EntryPrice:       pos.EntryPrice,
			PositionSide:     string(venuePositionSide(pos.Side)),
			PositionAmt:      amt,
			Notional:         notional,
		})
		info.TotalInitialMargin += notional / float64(lev)
		info.TotalUnrealizedProfit += upnl
	}
	info.TotalMarginBalance = info.TotalWalletBalance + info.TotalUnrealizedProfit
	info.AvailableBalance = info.TotalMarginBalance - info.TotalInitialMargin
	info.Assets = []FuturesAsset{{
		Asset:            "USDT",
		WalletBalance:    info.TotalWalletBalance,
		UnrealizedProfit: info.TotalUnrealizedProfit,
		MarginBalance:    info.TotalMarginBalance,
		AvailableBalance: info.AvailableBalance,
	}}
	return info, nil
}

// ==================== MATCHING ====================

func (v *PaperVenue) matchLocked(symbol string, price float64) {
	remaining := v.open[:0]
	var triggered []*grid.Order
	for _, o := range v.open {
		if o.Symbol == symbol && crosses(o, price) {
			triggered = append(triggered, o)
			continue
		}
		remaining = append(remaining, o)
	}
	v.open = remaining

	for _, o := range triggered {
		fillPrice := price
		if o.Kind == grid.KindEntryLimit {
			fillPrice = o.Price
		}
		if o.Kind.IsProtective() {
			if _, ok := v.positions[positionKey(o.Symbol, o.PositionSide)]; !ok {
				// reduce-only with nothing to reduce
				o.Status = grid.StatusCanceled
				o.UpdatedAt = v.now()
				v.recordClosedLocked(*o)
				continue
			}
		}
		v.fillLocked(o, fillPrice)
		v.recordClosedLocked(*o)
		v.logger.Info().
			Str("symbol", o.Symbol).
			Str("order_id", o.ID).
			Str("kind", string(o.Kind)).
			Str("side", string(o.PositionSide)).
			Float64("price", fillPrice).
			Msg("Paper order filled")
	}
}

// crosses reports whether price reaches the order's level
func crosses(o *grid.Order, price float64) bool {
	long := o.PositionSide == grid.SideLong
	switch o.Kind {
	case grid.KindEntryLimit:
		if long {
			return price <= o.Price
		}
		return price >= o.Price
	case grid.KindStopMarket:
		if long {
			return price <= o.StopPrice
		}
		return price >= o.StopPrice
	case grid.KindTakeProfitMarket:
		if long {
			return price >= o.StopPrice
		}
		return price <= o.StopPrice
	}
	return false
}

// fillLocked applies a fill of o at price to positions and balance
func (v *PaperVenue) fillLocked(o *grid.Order, price float64) {
	o.Status = grid.StatusFilled
	o.UpdatedAt = v.now()
	v.balance -= price * o.Quantity * paperFeeRate

	key := positionKey(o.Symbol, o.PositionSide)
	pos, exists := v.positions[key]
	opening := o.Side == o.PositionSide.EntryOrderSide()

	if opening {
		if !exists {
			v.positions[key] = &grid.Position{
				Symbol:     o.Symbol,
				Side:       o.PositionSide,
				Quantity:   o.Quantity,
				EntryPrice: price,
			}
			return
		}
		// Adding to position - average entry price
		total := pos.Quantity + o.Quantity
		pos.EntryPrice = (pos.EntryPrice*pos.Quantity + price*o.Quantity) / total
		pos.Quantity = total
		return
	}

	if !exists {
		return
	}
	qty := math.Min(o.Quantity, pos.Quantity)
	v.balance += pnl(pos.Side, pos.EntryPrice, price, qty)
	pos.Quantity -= qty
	if pos.Quantity <= 1e-12 {
		delete(v.positions, key)
	}
}

func (v *PaperVenue) recordClosedLocked(o grid.Order) {
	v.closed = append(v.closed, o)
	if over := len(v.closed) - paperClosedHistory; over > 0 {
		v.closed = append([]grid.Order(nil), v.closed[over:]...)
	}
}

func (v *PaperVenue) newIDLocked(prefix string) string {
	v.nextID++
	return prefix + strconv.FormatInt(v.nextID, 10)
}

func pnl(side grid.Side, entry, mark, qty float64) float64 {
	if side == grid.SideShort {
		return (entry - mark) * qty
	}
	return (mark - entry) * qty
}
