package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Retry configuration for API calls
const (
	maxRetries     = 3
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 5 * time.Second
	recvWindow     = "10000" // 10 seconds tolerance for clock skew
)

const (
	// FuturesBaseURL is the production Binance Futures API URL
	FuturesBaseURL = "https://fapi.binance.com"
	// FuturesTestnetURL is the testnet Binance Futures API URL
	FuturesTestnetURL = "https://testnet.binancefuture.com"
)

// FuturesClient is a signed REST client for the USD-M futures API
type FuturesClient struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	limiter    *RateLimiter
	maxRetries uint
	logger     zerolog.Logger
	now        func() time.Time
}

// ClientOption customizes a FuturesClient
type ClientOption func(*FuturesClient)

// WithBaseURL points the client at another host (tests, proxies)
func WithBaseURL(u string) ClientOption {
	return func(c *FuturesClient) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *FuturesClient) { c.httpClient = hc }
}

func WithRateLimiter(l *RateLimiter) ClientOption {
	return func(c *FuturesClient) { c.limiter = l }
}

// WithMaxRetries sets how many times a retryable failure is re-sent
func WithMaxRetries(n uint) ClientOption {
	return func(c *FuturesClient) { c.maxRetries = n }
}

// NewFuturesClient creates a new FuturesClient instance
func NewFuturesClient(apiKey, secretKey string, testnet bool, logger zerolog.Logger, opts ...ClientOption) *FuturesClient {
	baseURL := FuturesBaseURL
	if testnet {
		baseURL = FuturesTestnetURL
	}

	// Trim any whitespace from keys - critical for signature generation
	c := &FuturesClient{
		apiKey:     strings.TrimSpace(apiKey),
		secretKey:  strings.TrimSpace(secretKey),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    NewRateLimiter(10, 20),
		maxRetries: maxRetries,
		logger:     logger.With().Str("component", "FuturesClient").Logger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RateLimitStatus exposes the limiter view for the ops server
func (c *FuturesClient) RateLimitStatus() RateLimitStatus {
	return c.limiter.Status()
}

// ==================== ACCOUNT ====================

// GetFuturesAccountInfo retrieves futures account information
func (c *FuturesClient) GetFuturesAccountInfo(ctx context.Context) (*FuturesAccountInfo, error) {
	var info FuturesAccountInfo
	if err := c.signedJSON(ctx, http.MethodGet, "/fapi/v2/account", nil, &info); err != nil {
		return nil, fmt.Errorf("error fetching account info: %w", err)
	}
	return &info, nil
}

// GetPositions retrieves position risk for symbol (all symbols when empty)
func (c *FuturesClient) GetPositions(ctx context.Context, symbol string) ([]FuturesPosition, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = symbol
	}
	var positions []FuturesPosition
	if err := c.signedJSON(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, &positions); err != nil {
		return nil, fmt.Errorf("error fetching positions: %w", err)
	}
	return positions, nil
}

// ==================== LEVERAGE & POSITION MODE ====================

// SetLeverage sets the leverage for a symbol
func (c *FuturesClient) SetLeverage(ctx context.Context, symbol string, leverage int) (*LeverageResponse, error) {
	params := map[string]string{
		"symbol":   symbol,
		"leverage": strconv.Itoa(leverage),
	}
	var resp LeverageResponse
	if err := c.signedJSON(ctx, http.MethodPost, "/fapi/v1/leverage", params, &resp); err != nil {
		return nil, fmt.Errorf("error setting leverage: %w", err)
	}
	return &resp, nil
}

// GetPositionMode reports whether hedge (dual side) mode is enabled
func (c *FuturesClient) GetPositionMode(ctx context.Context) (*PositionModeResponse, error) {
	var resp PositionModeResponse
	if err := c.signedJSON(ctx, http.MethodGet, "/fapi/v1/positionSide/dual", nil, &resp); err != nil {
		return nil, fmt.Errorf("error fetching position mode: %w", err)
	}
	return &resp, nil
}

// SetPositionMode sets the position mode (Hedge or One-way). Asking for the
// mode already in effect is not an error.
func (c *FuturesClient) SetPositionMode(ctx context.Context, dualSidePosition bool) error {
	params := map[string]string{
		"dualSidePosition": strconv.FormatBool(dualSidePosition),
	}
	_, err := c.signed(ctx, http.MethodPost, "/fapi/v1/positionSide/dual", params)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == CodeNoNeedToChangePosition {
		return nil
	}
	if err != nil {
		return fmt.Errorf("error setting position mode: %w", err)
	}
	return nil
}

// ==================== TRADING ====================

// PlaceFuturesOrder places a LIMIT or MARKET order
func (c *FuturesClient) PlaceFuturesOrder(ctx context.Context, params FuturesOrderParams) (*FuturesOrder, error) {
	reqParams := map[string]string{
		"symbol":   params.Symbol,
		"side":     params.Side,
		"type":     string(params.Type),
		"quantity": params.Quantity,
	}
	if params.PositionSide != "" {
		reqParams["positionSide"] = string(params.PositionSide)
	}
	if params.Price != "" {
		reqParams["price"] = params.Price
	}
	if params.StopPrice != "" {
		reqParams["stopPrice"] = params.StopPrice
	}
	if params.TimeInForce != "" {
		reqParams["timeInForce"] = string(params.TimeInForce)
	} else if params.Type == FuturesOrderTypeLimit {
		reqParams["timeInForce"] = string(TimeInForceGTC)
	}
	if params.NewClientOrderId != "" {
		reqParams["newClientOrderId"] = params.NewClientOrderId
	}

	var order FuturesOrder
	if err := c.signedJSON(ctx, http.MethodPost, "/fapi/v1/order", reqParams, &order); err != nil {
		return nil, fmt.Errorf("error placing order: %w", err)
	}
	return &order, nil
}

// CancelFuturesOrder cancels an existing futures order
func (c *FuturesClient) CancelFuturesOrder(ctx context.Context, symbol string, orderId int64) error {
	params := map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(orderId, 10),
	}
	if _, err := c.signed(ctx, http.MethodDelete, "/fapi/v1/order", params); err != nil {
		return fmt.Errorf("error canceling order %d: %w", orderId, err)
	}
	return nil
}

// GetOpenOrders retrieves all open regular orders for a symbol
func (c *FuturesClient) GetOpenOrders(ctx context.Context, symbol string) ([]FuturesOrder, error) {
	var orders []FuturesOrder
	if err := c.signedJSON(ctx, http.MethodGet, "/fapi/v1/openOrders", map[string]string{"symbol": symbol}, &orders); err != nil {
		return nil, fmt.Errorf("error fetching open orders: %w", err)
	}
	return orders, nil
}

// GetAllOrders retrieves the most recent orders of any status
func (c *FuturesClient) GetAllOrders(ctx context.Context, symbol string, limit int) ([]FuturesOrder, error) {
	params := map[string]string{"symbol": symbol}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}
	var orders []FuturesOrder
	if err := c.signedJSON(ctx, http.MethodGet, "/fapi/v1/allOrders", params, &orders); err != nil {
		return nil, fmt.Errorf("error fetching all orders: %w", err)
	}
	return orders, nil
}

// ==================== ALGO ORDERS ====================

// PlaceAlgoOrder places a conditional order. STOP_MARKET and
// TAKE_PROFIT_MARKET are only accepted through this endpoint.
func (c *FuturesClient) PlaceAlgoOrder(ctx context.Context, params AlgoOrderParams) (*AlgoOrder, error) {
	reqParams := map[string]string{
		"algoType":     string(AlgoTypeConditional),
		"symbol":       params.Symbol,
		"side":         params.Side,
		"type":         string(params.Type),
		"triggerPrice": params.TriggerPrice,
		"quantity":     params.Quantity,
	}
	if params.PositionSide != "" {
		reqParams["positionSide"] = string(params.PositionSide)
	}
	if params.Price != "" {
		reqParams["price"] = params.Price
	}
	if params.TimeInForce != "" {
		reqParams["timeInForce"] = string(params.TimeInForce)
	}
	if params.WorkingType != "" {
		reqParams["workingType"] = string(params.WorkingType)
	}
	if params.ClientAlgoId != "" {
		reqParams["clientAlgoId"] = params.ClientAlgoId
	}

	var order AlgoOrder
	if err := c.signedJSON(ctx, http.MethodPost, "/fapi/v1/algoOrder", reqParams, &order); err != nil {
		return nil, fmt.Errorf("error placing algo order: %w", err)
	}
	return &order, nil
}

// GetOpenAlgoOrders retrieves all open algo orders for a symbol
func (c *FuturesClient) GetOpenAlgoOrders(ctx context.Context, symbol string) ([]AlgoOrder, error) {
	var orders []AlgoOrder
	if err := c.signedJSON(ctx, http.MethodGet, "/fapi/v1/openAlgoOrders", map[string]string{"symbol": symbol}, &orders); err != nil {
		return nil, fmt.Errorf("error fetching open algo orders: %w", err)
	}
	return orders, nil
}

// CancelAlgoOrder cancels an algo order
func (c *FuturesClient) CancelAlgoOrder(ctx context.Context, symbol string, algoId int64) error {
	params := map[string]string{
		"symbol": symbol,
		"algoId": strconv.FormatInt(algoId, 10),
	}
	if _, err := c.signed(ctx, http.MethodDelete, "/fapi/v1/algoOrder", params); err != nil {
		return fmt.Errorf("error canceling algo order %d: %w", algoId, err)
	}
	return nil
}

// GetAllAlgoOrders retrieves historical algo orders, including triggered and cancelled
func (c *FuturesClient) GetAllAlgoOrders(ctx context.Context, symbol string, limit int) ([]AlgoOrder, error) {
	params := map[string]string{"symbol": symbol}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}
	var orders []AlgoOrder
	if err := c.signedJSON(ctx, http.MethodGet, "/fapi/v1/allAlgoOrders", params, &orders); err != nil {
		return nil, fmt.Errorf("error fetching all algo orders: %w", err)
	}
	return orders, nil
}

// ==================== MARKET DATA ====================

// GetTickerPrice returns the latest price for symbol
func (c *FuturesClient) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/ticker/price", map[string]string{"symbol": symbol}, false)
	if err != nil {
		return 0, fmt.Errorf("error fetching price: %w", err)
	}
	var ticker TickerPrice
	if err := json.Unmarshal(body, &ticker); err != nil {
		return 0, fmt.Errorf("error parsing price: %w", err)
	}
	return ticker.Price, nil
}

// GetFuturesExchangeInfo retrieves futures exchange information
func (c *FuturesClient) GetFuturesExchangeInfo(ctx context.Context) (*FuturesExchangeInfo, error) {
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", nil, false)
	if err != nil {
		return nil, fmt.Errorf("error fetching exchange info: %w", err)
	}
	var info FuturesExchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("error parsing exchange info: %w", err)
	}
	return &info, nil
}

// ==================== HTTP HELPERS ====================

func (c *FuturesClient) signedJSON(ctx context.Context, method, endpoint string, params map[string]string, out interface{}) error {
	body, err := c.signed(ctx, method, endpoint, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w (response: %s)", endpoint, err, string(body))
	}
	return nil
}

func (c *FuturesClient) signed(ctx context.Context, method, endpoint string, params map[string]string) ([]byte, error) {
	return c.do(ctx, method, endpoint, params, true)
}

// sign creates a signature for the given query string
func (c *FuturesClient) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// buildQuery encodes params, refreshing timestamp and signature for signed
// calls so every retry attempt carries a valid timestamp
func (c *FuturesClient) buildQuery(params map[string]string, signed bool) string {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	if !signed {
		return values.Encode()
	}
	values.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	values.Set("recvWindow", recvWindow)
	query := values.Encode()
	return query + "&signature=" + c.sign(query)
}

func (c *FuturesClient) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseRetryDelay
	b.MaxInterval = maxRetryDelay
	b.RandomizationFactor = 0.25
	return b
}

// do sends one request with rate limiting and retries on transient failures.
// Reads retry on any transient failure. Mutating requests (POST, PUT,
// DELETE) retry only when the venue rejected them before execution: after a
// 5xx, a -1001 or a transport error the order may exist, and the next
// tick's snapshot decides what to do.
func (c *FuturesClient) do(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	mutating := method != http.MethodGet
	attempt := 0
	op := func() ([]byte, error) {
		attempt++
		if err := c.limiter.Wait(ctx, endpoint); err != nil {
			return nil, backoff.Permanent(err)
		}

		reqURL := c.baseURL + endpoint
		if query := c.buildQuery(params, signed); query != "" {
			reqURL += "?" + query
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if signed {
			req.Header.Set("X-MBX-APIKEY", c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil || mutating {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			if mutating {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}

		if usedWeight := resp.Header.Get("X-MBX-USED-WEIGHT-1M"); usedWeight != "" {
			if weight, err := strconv.Atoi(usedWeight); err == nil {
				c.limiter.UpdateFromHeaders(weight)
			}
		}

		if resp.StatusCode == http.StatusOK {
			return body, nil
		}

		apiErr := parseAPIError(resp.StatusCode, body)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot ||
			apiErr.Code == CodeTooManyRequests {
			c.limiter.RecordRateLimitError(parseBanUntil(apiErr.Msg))
		}
		retry := apiErr.Retryable()
		if mutating {
			retry = apiErr.RejectedBeforeExecution()
		}
		if !retry || resp.StatusCode == http.StatusTeapot {
			return nil, backoff.Permanent(apiErr)
		}
		return nil, apiErr
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.maxRetries+1),
		backoff.WithNotify(func(err error, delay time.Duration) {
			c.logger.Warn().
				Err(err).
				Str("method", method).
				Str("endpoint", endpoint).
				Int("attempt", attempt).
				Dur("retry_in", delay).
				Msg("Request failed, retrying")
		}),
	)
}
