package binance

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"hedge-grid-bot/internal/grid"
)

// Binance error codes the client reacts to
const (
	CodeDisconnected           = -1001
	CodeTooManyRequests        = -1003
	CodeTooManyOrders          = -1015
	CodeServiceShuttingDown    = -1016
	CodeCancelRejected         = -2011
	CodeNoSuchOrder            = -2013
	CodeNoNeedToChangeMargin   = -4046
	CodeNoNeedToChangePosition = -4059
	CodePositionSideMismatch   = -4061
)

// APIError is a non-2xx response from the futures API
type APIError struct {
	Status int    `json:"-"`
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance API error (status %d, code %d): %s", e.Status, e.Code, e.Msg)
}

// Is lets callers match unknown-order rejections with errors.Is(err, grid.ErrOrderNotFound)
func (e *APIError) Is(target error) bool {
	return target == grid.ErrOrderNotFound && (e.Code == CodeCancelRejected || e.Code == CodeNoSuchOrder)
}

// Retryable reports whether the request may succeed if sent again
func (e *APIError) Retryable() bool {
	if e.Status == http.StatusTooManyRequests || e.Status >= 500 {
		return true
	}
	switch e.Code {
	case CodeDisconnected, CodeTooManyRequests, CodeTooManyOrders, CodeServiceShuttingDown:
		return true
	}
	return false
}

// RejectedBeforeExecution reports whether the venue refused the request
// without acting on it, so a mutating request may be sent again.
func (e *APIError) RejectedBeforeExecution() bool {
	if e.Status == http.StatusTooManyRequests {
		return true
	}
	return e.Code == CodeTooManyRequests || e.Code == CodeTooManyOrders
}

// parseAPIError decodes the {"code":..,"msg":..} envelope, falling back to
// the raw body for non-JSON responses (gateway errors, WAF pages).
func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Msg == "" {
		apiErr.Msg = string(body)
	}
	return apiErr
}

var banUntilRe = regexp.MustCompile(`banned until (\d+)`)

// parseBanUntil extracts the IP ban expiry from a -1003 message
func parseBanUntil(msg string) time.Time {
	m := banUntilRe.FindStringSubmatch(msg)
	if len(m) < 2 {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
