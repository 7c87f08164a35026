package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"hedge-grid-bot/internal/grid"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *FuturesClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewFuturesClient(" key ", "secret", false, zerolog.New(io.Discard),
		WithBaseURL(srv.URL),
		WithRateLimiter(NewRateLimiter(1000, 1000)),
	)
}

func TestSignedRequestCarriesKeyAndSignature(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-MBX-APIKEY") != "key" {
			t.Errorf("Expected trimmed API key header, got %q", r.Header.Get("X-MBX-APIKEY"))
		}
		raw := r.URL.RawQuery
		idx := strings.LastIndex(raw, "&signature=")
		if idx < 0 {
			t.Fatalf("Expected signature in query %q", raw)
		}
		mac := hmac.New(sha256.New, []byte("secret"))
		mac.Write([]byte(raw[:idx]))
		if want := hex.EncodeToString(mac.Sum(nil)); raw[idx+len("&signature="):] != want {
			t.Errorf("Signature mismatch")
		}
		q := r.URL.Query()
		if q.Get("timestamp") == "" || q.Get("recvWindow") != recvWindow || q.Get("symbol") != "BTCUSDT" {
			t.Errorf("Unexpected query %v", q)
		}
		w.Header().Set("X-MBX-USED-WEIGHT-1M", "42")
		w.Write([]byte(`[{"symbol":"BTCUSDT","positionAmt":"-0.010","entryPrice":"100.5","markPrice":"100.0","unRealizedProfit":"0.005","leverage":"10","positionSide":"SHORT"}]`))
	})

	positions, err := client.GetPositions(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("GetPositions failed: %v", err)
	}
	if len(positions) != 1 || positions[0].PositionAmt != -0.01 || positions[0].Leverage != 10 {
		t.Errorf("Unexpected positions %+v", positions)
	}
	if got := client.RateLimitStatus().UsedWeight; got != 42 {
		t.Errorf("Expected used weight 42 from headers, got %d", got)
	}
}

func TestPublicRequestIsUnsigned(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/ticker/price" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("signature") != "" || r.Header.Get("X-MBX-APIKEY") != "" {
			t.Error("Expected public request without credentials")
		}
		w.Write([]byte(`{"symbol":"BTCUSDT","price":"64123.40","time":1}`))
	})

	price, err := client.GetTickerPrice(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("GetTickerPrice failed: %v", err)
	}
	if price != 64123.4 {
		t.Errorf("Expected 64123.4, got %v", price)
	}
}

func TestRetriesTransientErrors(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte("<html>bad gateway</html>"))
			return
		}
		w.Write([]byte(`{"symbol":"BTCUSDT","price":"100","time":1}`))
	})

	if _, err := client.GetTickerPrice(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("Expected retry to succeed, got %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected 2 attempts, got %d", calls)
	}
}

func TestDoesNotRetryRejections(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-2011,"msg":"Unknown order sent."}`))
	})

	err := client.CancelFuturesOrder(context.Background(), "BTCUSDT", 77)
	if err == nil {
		t.Fatal("Expected error")
	}
	if calls != 1 {
		t.Errorf("Expected a single attempt, got %d", calls)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != CodeCancelRejected || apiErr.Status != http.StatusBadRequest {
		t.Errorf("Expected APIError -2011, got %v", err)
	}
	if !errors.Is(err, grid.ErrOrderNotFound) {
		t.Error("Expected unknown-order rejection to match grid.ErrOrderNotFound")
	}
}

func TestOrderPlacementIsNotRetriedAfterServerError(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantCalls int32
		wantErr   bool
	}{
		{"gateway error may have executed", http.StatusServiceUnavailable, `{"code":-1001,"msg":"Internal error; unable to process your request."}`, 1, true},
		{"unknown status", http.StatusInternalServerError, `{"code":-1000,"msg":"An unknown error occured."}`, 1, true},
		{"order rate rejection", http.StatusBadRequest, `{"code":-1015,"msg":"Too many new orders."}`, 2, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("Expected POST, got %s", r.Method)
				}
				if atomic.AddInt32(&calls, 1) == 1 {
					w.WriteHeader(tt.status)
					w.Write([]byte(tt.body))
					return
				}
				w.Write([]byte(`{"orderId":9,"symbol":"BTCUSDT","status":"NEW"}`))
			})

			_, err := client.PlaceFuturesOrder(context.Background(), FuturesOrderParams{
				Symbol:       "BTCUSDT",
				Side:         "BUY",
				PositionSide: PositionSideLong,
				Type:         FuturesOrderTypeLimit,
				Quantity:     "0.01",
				Price:        "100",
			})
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error %v, got %v", tt.wantErr, err)
			}
			if got := atomic.LoadInt32(&calls); got != tt.wantCalls {
				t.Errorf("Expected %d requests, got %d", tt.wantCalls, got)
			}
		})
	}
}

func TestAPIErrorRejectedBeforeExecution(t *testing.T) {
	tests := []struct {
		err  APIError
		want bool
	}{
		{APIError{Status: 429}, true},
		{APIError{Status: 400, Code: CodeTooManyRequests}, true},
		{APIError{Status: 400, Code: CodeTooManyOrders}, true},
		{APIError{Status: 503, Code: CodeDisconnected}, false},
		{APIError{Status: 502}, false},
	}
	for _, tt := range tests {
		if got := tt.err.RejectedBeforeExecution(); got != tt.want {
			t.Errorf("RejectedBeforeExecution(%+v) = %v, expected %v", tt.err, got, tt.want)
		}
	}
}

func TestPositionModeAlreadySet(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Query().Get("dualSidePosition") != "true" {
			t.Errorf("Unexpected request %s %s", r.Method, r.URL)
		}
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-4059,"msg":"No need to change position side."}`))
	})

	if err := client.SetPositionMode(context.Background(), true); err != nil {
		t.Errorf("Expected -4059 to be treated as success, got %v", err)
	}
}

func TestAPIErrorRetryable(t *testing.T) {
	tests := []struct {
		err  APIError
		want bool
	}{
		{APIError{Status: 500}, true},
		{APIError{Status: 429}, true},
		{APIError{Status: 400, Code: CodeDisconnected}, true},
		{APIError{Status: 400, Code: CodeServiceShuttingDown}, true},
		{APIError{Status: 400, Code: -1111}, false},
		{APIError{Status: 400, Code: CodeNoSuchOrder}, false},
	}
	for _, tt := range tests {
		if got := tt.err.Retryable(); got != tt.want {
			t.Errorf("Retryable(%+v) = %v, expected %v", tt.err, got, tt.want)
		}
	}
}

func TestParseBanUntil(t *testing.T) {
	msg := "Way too many requests; IP banned until 1700000000000. Please use the websocket for live updates."
	if got := parseBanUntil(msg); got.UnixMilli() != 1700000000000 {
		t.Errorf("Expected ban expiry 1700000000000, got %v", got.UnixMilli())
	}
	if !parseBanUntil("Too many requests").IsZero() {
		t.Error("Expected zero time without an expiry")
	}
}
