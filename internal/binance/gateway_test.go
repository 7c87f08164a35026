package binance

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"hedge-grid-bot/internal/grid"
)

const exchangeInfoJSON = `{"serverTime":1,"symbols":[{"symbol":"BTCUSDT","status":"TRADING","filters":[
	{"filterType":"PRICE_FILTER","minPrice":"0.10","maxPrice":"1000000","tickSize":"0.10"},
	{"filterType":"LOT_SIZE","minQty":"0.001","maxQty":"1000","stepSize":"0.001"}]}]}`

func TestSymbolRulesRounding(t *testing.T) {
	info := &FuturesExchangeInfo{}
	btc := FuturesSymbolInfo{Symbol: "BTCUSDT", Filters: []FuturesSymbolFilter{
		{FilterType: "PRICE_FILTER", TickSize: "0.10"},
		{FilterType: "LOT_SIZE", StepSize: "0.001", MinQty: "0.001"},
	}}
	info.Symbols = append(info.Symbols, btc)

	rules, err := FindSymbolRules(info, "BTCUSDT")
	if err != nil {
		t.Fatalf("FindSymbolRules failed: %v", err)
	}

	prices := []struct {
		in   float64
		want string
	}{
		{64123.456, "64123.5"},
		{99.5, "99.5"},
		{19.94, "19.9"},
		{100, "100"},
	}
	for _, tt := range prices {
		if got := rules.FormatPrice(tt.in); got != tt.want {
			t.Errorf("FormatPrice(%v) = %s, expected %s", tt.in, got, tt.want)
		}
	}

	qty, err := rules.FormatQty(0.0129)
	if err != nil || qty != "0.012" {
		t.Errorf("Expected quantity floored to 0.012, got %q (%v)", qty, err)
	}
	if _, err := rules.FormatQty(0.0004); err == nil {
		t.Error("Expected error for a quantity below the minimum")
	}
	if _, err := FindSymbolRules(info, "ETHUSDT"); err == nil {
		t.Error("Expected error for an unlisted symbol")
	}
}

func TestOrderMapping(t *testing.T) {
	regular, ok := orderFromFutures(FuturesOrder{
		OrderId: 123, Symbol: "BTCUSDT", Status: "NEW", Type: "LIMIT", Side: "BUY",
		PositionSide: "LONG", Price: 99.5, OrigQty: 0.01, UpdateTime: 1700000000000,
	})
	if !ok {
		t.Fatal("Expected LIMIT order to map")
	}
	if regular.ID != "123" || regular.Kind != grid.KindEntryLimit || regular.Side != grid.OrderSideBuy ||
		regular.PositionSide != grid.SideLong || regular.Status != grid.StatusOpen {
		t.Errorf("Unexpected mapping %+v", regular)
	}

	algo, ok := orderFromAlgo(AlgoOrder{
		AlgoId: 9, Symbol: "BTCUSDT", OrderType: "TAKE_PROFIT_MARKET", AlgoStatus: "TRIGGERED",
		Side: "BUY", PositionSide: "SHORT", TriggerPrice: 99, Quantity: 0.01,
		UpdateTime: 1700000000000, TriggerTime: 1700000005000,
	})
	if !ok {
		t.Fatal("Expected algo TP to map")
	}
	if algo.ID != "algo-9" || algo.Kind != grid.KindTakeProfitMarket || algo.Status != grid.StatusFilled || algo.StopPrice != 99 {
		t.Errorf("Unexpected algo mapping %+v", algo)
	}
	if algo.UpdatedAt.UnixMilli() != 1700000005000 {
		t.Errorf("Expected trigger time as update time, got %v", algo.UpdatedAt.UnixMilli())
	}

	if _, ok := orderFromFutures(FuturesOrder{Type: "TRAILING_STOP_MARKET", PositionSide: "LONG"}); ok {
		t.Error("Expected unmanaged order types to be skipped")
	}
	if _, ok := orderFromFutures(FuturesOrder{Type: "LIMIT", PositionSide: "BOTH"}); ok {
		t.Error("Expected one-way mode orders to be skipped")
	}
}

// fakeFapi serves the endpoints the gateway uses and records order requests
type fakeFapi struct {
	t        *testing.T
	mu       sync.Mutex
	requests []*http.Request
}

func (f *fakeFapi) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, r)
	f.mu.Unlock()
	switch {
	case r.URL.Path == "/fapi/v1/exchangeInfo":
		w.Write([]byte(exchangeInfoJSON))
	case r.URL.Path == "/fapi/v1/positionSide/dual":
		w.Write([]byte(`{"code":200,"msg":"success"}`))
	case r.URL.Path == "/fapi/v1/leverage":
		w.Write([]byte(`{"leverage":10,"maxNotionalValue":"1000000","symbol":"BTCUSDT"}`))
	case r.URL.Path == "/fapi/v2/positionRisk":
		w.Write([]byte(`[
			{"symbol":"BTCUSDT","positionAmt":"0.010","entryPrice":"99.5","markPrice":"100","unRealizedProfit":"0.005","positionSide":"LONG"},
			{"symbol":"BTCUSDT","positionAmt":"0","entryPrice":"0","markPrice":"100","unRealizedProfit":"0","positionSide":"SHORT"}]`))
	case r.URL.Path == "/fapi/v1/openOrders":
		w.Write([]byte(`[{"orderId":2,"symbol":"BTCUSDT","status":"NEW","type":"LIMIT","side":"SELL","positionSide":"SHORT","price":"100.5","origQty":"0.010","updateTime":1}]`))
	case r.URL.Path == "/fapi/v1/openAlgoOrders":
		w.Write([]byte(`[{"algoId":7,"symbol":"BTCUSDT","orderType":"STOP_MARKET","algoStatus":"NEW","side":"SELL","positionSide":"LONG","triggerPrice":"99.0","quantity":"0.010","updateTime":1}]`))
	case r.URL.Path == "/fapi/v1/allOrders":
		w.Write([]byte(`[{"orderId":1,"symbol":"BTCUSDT","status":"FILLED","type":"LIMIT","side":"BUY","positionSide":"LONG","price":"99.5","origQty":"0.010","updateTime":5},
			{"orderId":2,"symbol":"BTCUSDT","status":"NEW","type":"LIMIT","side":"SELL","positionSide":"SHORT","price":"100.5","origQty":"0.010","updateTime":1}]`))
	case r.URL.Path == "/fapi/v1/allAlgoOrders":
		w.Write([]byte(`[{"algoId":6,"symbol":"BTCUSDT","orderType":"TAKE_PROFIT_MARKET","algoStatus":"CANCELLED","side":"SELL","positionSide":"LONG","triggerPrice":"101","quantity":"0.010","updateTime":3}]`))
	case r.URL.Path == "/fapi/v1/order" && r.Method == http.MethodPost:
		q := r.URL.Query()
		w.Write([]byte(`{"orderId":11,"symbol":"BTCUSDT","status":"NEW","type":"` + q.Get("type") + `","side":"` + q.Get("side") +
			`","positionSide":"` + q.Get("positionSide") + `","price":"` + q.Get("price") + `","origQty":"` + q.Get("quantity") + `","updateTime":9}`))
	case r.URL.Path == "/fapi/v1/algoOrder" && r.Method == http.MethodPost:
		q := r.URL.Query()
		w.Write([]byte(`{"algoId":12,"symbol":"BTCUSDT","algoStatus":"NEW","orderType":"` + q.Get("type") + `","side":"` + q.Get("side") +
			`","positionSide":"` + q.Get("positionSide") + `","triggerPrice":"` + q.Get("triggerPrice") + `","quantity":"` + q.Get("quantity") + `","updateTime":9}`))
	case r.URL.Path == "/fapi/v1/algoOrder" && r.Method == http.MethodDelete:
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-2011,"msg":"Unknown order sent."}`))
	case r.URL.Path == "/fapi/v1/order" && r.Method == http.MethodDelete:
		w.Write([]byte(`{"orderId":2,"status":"CANCELED"}`))
	default:
		f.t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeFapi) last(path string) *http.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.requests) - 1; i >= 0; i-- {
		if f.requests[i].URL.Path == path {
			return f.requests[i]
		}
	}
	return nil
}

func newTestGateway(t *testing.T) (*Gateway, *fakeFapi) {
	t.Helper()
	fapi := &fakeFapi{t: t}
	srv := httptest.NewServer(fapi)
	t.Cleanup(srv.Close)
	client := NewFuturesClient("key", "secret", false, zerolog.New(io.Discard),
		WithBaseURL(srv.URL), WithRateLimiter(NewRateLimiter(1000, 1000)))
	gw := NewGateway(client, zerolog.New(io.Discard))
	if err := gw.Prepare(context.Background(), "BTCUSDT", 10); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	return gw, fapi
}

func TestGatewayReadsVenueState(t *testing.T) {
	gw, _ := newTestGateway(t)
	ctx := context.Background()

	positions, err := gw.GetPositions(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("GetPositions failed: %v", err)
	}
	if len(positions) != 1 || positions[0].Side != grid.SideLong || positions[0].Quantity != 0.01 {
		t.Errorf("Expected only the open long position, got %+v", positions)
	}

	open, err := gw.GetOpenOrders(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("GetOpenOrders failed: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("Expected regular and algo orders merged, got %+v", open)
	}
	ids := map[string]grid.OrderKind{}
	for _, o := range open {
		ids[o.ID] = o.Kind
	}
	if ids["2"] != grid.KindEntryLimit || ids["algo-7"] != grid.KindStopMarket {
		t.Errorf("Unexpected open orders %v", ids)
	}

	closed, err := gw.GetClosedOrders(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("GetClosedOrders failed: %v", err)
	}
	if len(closed) != 2 {
		t.Fatalf("Expected only final-state orders, got %+v", closed)
	}
	for _, o := range closed {
		if o.Status == grid.StatusOpen {
			t.Errorf("Unexpected open order in closed list: %+v", o)
		}
	}
}

func TestGatewayCreateOrderRoutesByKind(t *testing.T) {
	gw, fapi := newTestGateway(t)
	ctx := context.Background()

	entry, err := gw.CreateOrder(ctx, grid.OrderRequest{
		Symbol: "BTCUSDT", Side: grid.OrderSideBuy, PositionSide: grid.SideLong,
		Kind: grid.KindEntryLimit, Quantity: 0.0104, Price: 99.5049, ClientOrderID: "hg-1",
	})
	if err != nil {
		t.Fatalf("CreateOrder(entry) failed: %v", err)
	}
	q := fapi.last("/fapi/v1/order").URL.Query()
	if q.Get("type") != "LIMIT" || q.Get("timeInForce") != "GTC" || q.Get("price") != "99.5" ||
		q.Get("quantity") != "0.01" || q.Get("positionSide") != "LONG" || q.Get("newClientOrderId") != "hg-1" {
		t.Errorf("Unexpected entry request %v", q)
	}
	if entry.ID != "11" || entry.Kind != grid.KindEntryLimit {
		t.Errorf("Unexpected entry order %+v", entry)
	}

	sl, err := gw.CreateOrder(ctx, grid.OrderRequest{
		Symbol: "BTCUSDT", Side: grid.OrderSideSell, PositionSide: grid.SideLong,
		Kind: grid.KindStopMarket, Quantity: 0.01, StopPrice: 99.0025,
	})
	if err != nil {
		t.Fatalf("CreateOrder(stop) failed: %v", err)
	}
	q = fapi.last("/fapi/v1/algoOrder").URL.Query()
	if q.Get("algoType") != "CONDITIONAL" || q.Get("type") != "STOP_MARKET" || q.Get("triggerPrice") != "99" ||
		q.Get("side") != "SELL" || q.Get("workingType") != "MARK_PRICE" {
		t.Errorf("Unexpected algo request %v", q)
	}
	if sl.ID != "algo-12" || sl.Kind != grid.KindStopMarket {
		t.Errorf("Unexpected stop order %+v", sl)
	}

	if _, err := gw.CreateOrder(ctx, grid.OrderRequest{Symbol: "ETHUSDT", Kind: grid.KindEntryLimit, Quantity: 1, Price: 1}); err == nil {
		t.Error("Expected error for a symbol without loaded rules")
	}
}

func TestGatewayCancelOrder(t *testing.T) {
	gw, fapi := newTestGateway(t)
	ctx := context.Background()

	if err := gw.CancelOrder(ctx, "2", "BTCUSDT"); err != nil {
		t.Fatalf("CancelOrder failed: %v", err)
	}
	if got := fapi.last("/fapi/v1/order").URL.Query().Get("orderId"); got != "2" {
		t.Errorf("Expected orderId 2, got %s", got)
	}

	err := gw.CancelOrder(ctx, "algo-7", "BTCUSDT")
	if !errors.Is(err, grid.ErrOrderNotFound) {
		t.Errorf("Expected ErrOrderNotFound for an unknown algo order, got %v", err)
	}
	if got := fapi.last("/fapi/v1/algoOrder").URL.Query().Get("algoId"); got != "7" {
		t.Errorf("Expected algoId 7, got %s", got)
	}

	if err := gw.CancelOrder(ctx, "algo-x", "BTCUSDT"); err == nil || !strings.Contains(err.Error(), "malformed") {
		t.Errorf("Expected malformed id error, got %v", err)
	}
}
