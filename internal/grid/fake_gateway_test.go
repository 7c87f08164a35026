package grid

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var errVenueDown = errors.New("venue unavailable")

// fakeGateway is an in-memory venue. Created orders rest until canceled or
// filled through fill().
type fakeGateway struct {
	mu sync.Mutex

	price     float64
	positions []Position
	open      []Order
	closed    []Order

	nextID  int
	clock   time.Time
	failOps map[string]error
	// failCreateKinds fails CreateOrder for the listed order kinds only
	failCreateKinds map[OrderKind]error
	// panicOn makes the named op panic
	panicOn string

	creates []OrderRequest
	cancels []string
}

func newFakeGateway(price float64) *fakeGateway {
	return &fakeGateway{
		price:           price,
		clock:           time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		failOps:         make(map[string]error),
		failCreateKinds: make(map[OrderKind]error),
	}
}

func (g *fakeGateway) fail(op string) error {
	if g.panicOn == op {
		panic("boom in " + op)
	}
	return g.failOps[op]
}

func (g *fakeGateway) GetPrice(ctx context.Context, symbol string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail("get_price"); err != nil {
		return 0, err
	}
	return g.price, nil
}

func (g *fakeGateway) GetPositions(ctx context.Context, symbol string) ([]Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail("get_positions"); err != nil {
		return nil, err
	}
	return append([]Position(nil), g.positions...), nil
}

func (g *fakeGateway) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail("get_open_orders"); err != nil {
		return nil, err
	}
	return append([]Order(nil), g.open...), nil
}

func (g *fakeGateway) GetClosedOrders(ctx context.Context, symbol string) ([]Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail("get_closed_orders"); err != nil {
		return nil, err
	}
	return append([]Order(nil), g.closed...), nil
}

func (g *fakeGateway) CreateOrder(ctx context.Context, req OrderRequest) (Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail("create_order"); err != nil {
		return Order{}, err
	}
	if err := g.failCreateKinds[req.Kind]; err != nil {
		return Order{}, err
	}
	g.creates = append(g.creates, req)
	if req.Kind == KindMarket {
		g.reduce(req.PositionSide, req.Quantity)
		return Order{ID: g.newID(), Symbol: req.Symbol, Side: req.Side, PositionSide: req.PositionSide,
			Kind: KindMarket, Quantity: req.Quantity, Status: StatusFilled, UpdatedAt: g.clock}, nil
	}
	o := Order{
		ID:           g.newID(),
		ClientID:     req.ClientOrderID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		PositionSide: req.PositionSide,
		Kind:         req.Kind,
		Price:        req.Price,
		StopPrice:    req.StopPrice,
		Quantity:     req.Quantity,
		Status:       StatusOpen,
		UpdatedAt:    g.clock,
	}
	g.open = append(g.open, o)
	return o, nil
}

func (g *fakeGateway) CancelOrder(ctx context.Context, orderID, symbol string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail("cancel_order"); err != nil {
		return err
	}
	g.cancels = append(g.cancels, orderID)
	for i, o := range g.open {
		if o.ID == orderID {
			g.open = append(g.open[:i], g.open[i+1:]...)
			o.Status = StatusCanceled
			o.UpdatedAt = g.clock
			g.closed = append(g.closed, o)
			return nil
		}
	}
	return fmt.Errorf("cancel %s: %w", orderID, ErrOrderNotFound)
}

func (g *fakeGateway) newID() string {
	g.nextID++
	return fmt.Sprintf("o%d", g.nextID)
}

// advance moves venue time forward
func (g *fakeGateway) advance(d time.Duration) {
	g.mu.Lock()
	g.clock = g.clock.Add(d)
	g.mu.Unlock()
}

// fill executes the open order id at its level price and updates positions
func (g *fakeGateway) fill(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, o := range g.open {
		if o.ID != id {
			continue
		}
		g.open = append(g.open[:i], g.open[i+1:]...)
		o.Status = StatusFilled
		o.UpdatedAt = g.clock
		g.closed = append(g.closed, o)
		if o.Kind == KindEntryLimit {
			g.positions = append(g.positions, Position{
				Symbol:     o.Symbol,
				Side:       o.PositionSide,
				Quantity:   o.Quantity,
				EntryPrice: o.Price,
				MarkPrice:  g.price,
			})
		} else {
			g.reduce(o.PositionSide, o.Quantity)
		}
		return
	}
	panic("fill: unknown order " + id)
}

func (g *fakeGateway) reduce(side Side, qty float64) {
	for i, p := range g.positions {
		if p.Side != side {
			continue
		}
		p.Quantity -= qty
		if p.Quantity <= 1e-12 {
			g.positions = append(g.positions[:i], g.positions[i+1:]...)
		} else {
			g.positions[i] = p
		}
		return
	}
}

func (g *fakeGateway) openOrders() []Order {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Order(nil), g.open...)
}

func (g *fakeGateway) mutations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.creates) + len(g.cancels)
}

func (g *fakeGateway) resetCalls() {
	g.mu.Lock()
	g.creates = nil
	g.cancels = nil
	g.mu.Unlock()
}

func testConfig() Config {
	return Config{
		Symbol:              "BTCUSDT",
		Leverage:            10,
		OrderSize:           0.01,
		InitialDistancePct:  0.005,
		MaxDistancePct:      0.01,
		StopLossBufferPct:   0.005,
		TakeProfitBufferPct: 0.015,
		PollIntervalSeconds: 10,
		ErrorBackoffSeconds: 5,
	}
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}
