package binance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// futuresMaxWeight is the USD-M request weight budget per minute
	futuresMaxWeight = 2400
	// weightThreshold is the share of the budget this process allows itself
	weightThreshold = 0.8
	// defaultBanBackoff applies when a 429/418 carries no explicit ban expiry
	defaultBanBackoff = time.Minute
)

// Endpoint weights for the Binance Futures endpoints used here
var endpointWeights = map[string]int{
	"/fapi/v2/account":           5,
	"/fapi/v2/positionRisk":      5,
	"/fapi/v1/positionSide/dual": 30,
	"/fapi/v1/leverage":          1,

	"/fapi/v1/order":      1,
	"/fapi/v1/openOrders": 1, // with symbol
	"/fapi/v1/allOrders":  5,

	"/fapi/v1/algoOrder":      1,
	"/fapi/v1/openAlgoOrders": 1,
	"/fapi/v1/allAlgoOrders":  5,

	"/fapi/v1/ticker/price": 1,
	"/fapi/v1/exchangeInfo": 1,
}

func getEndpointWeight(endpoint string) int {
	if w, ok := endpointWeights[endpoint]; ok {
		return w
	}
	return 1
}

// RateLimiter paces requests with a token bucket and stops sending when the
// venue-reported minute weight nears the budget or after a rate-limit ban.
type RateLimiter struct {
	mu sync.Mutex

	pacer *rate.Limiter

	// weight as last reported by X-MBX-USED-WEIGHT-1M
	usedWeight    int
	weightResetAt time.Time
	maxWeight     int

	banUntil time.Time

	now func() time.Time
}

// NewRateLimiter allows requestsPerSecond sustained with the given burst
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		pacer:     rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		maxWeight: futuresMaxWeight,
		now:       time.Now,
	}
}

// Wait blocks until a request to endpoint may be sent or ctx is done
func (r *RateLimiter) Wait(ctx context.Context, endpoint string) error {
	if d := r.pause(getEndpointWeight(endpoint)); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return fmt.Errorf("rate limit wait for %s: %w", endpoint, ctx.Err())
		case <-t.C:
		}
	}
	return r.pacer.Wait(ctx)
}

// pause returns how long to hold a request of the given weight
func (r *RateLimiter) pause(weight int) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.Before(r.banUntil) {
		return r.banUntil.Sub(now)
	}
	if now.After(r.weightResetAt) {
		r.usedWeight = 0
		return 0
	}
	threshold := int(float64(r.maxWeight) * weightThreshold)
	if r.usedWeight+weight > threshold {
		return r.weightResetAt.Sub(now)
	}
	r.usedWeight += weight
	return 0
}

// UpdateFromHeaders syncs the local weight view with the venue's counter,
// which resets at the start of every minute.
func (r *RateLimiter) UpdateFromHeaders(usedWeight1m int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.usedWeight = usedWeight1m
	r.weightResetAt = now.Truncate(time.Minute).Add(time.Minute)
}

// RecordRateLimitError blocks all requests until banUntil, or for a default
// minute when the venue did not say
func (r *RateLimiter) RecordRateLimitError(banUntil time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if banUntil.IsZero() {
		banUntil = r.now().Add(defaultBanBackoff)
	}
	if banUntil.After(r.banUntil) {
		r.banUntil = banUntil
	}
}

// RateLimitStatus is a point-in-time view for the ops server
type RateLimitStatus struct {
	UsedWeight int       `json:"used_weight"`
	MaxWeight  int       `json:"max_weight"`
	BannedTill time.Time `json:"banned_until,omitempty"`
}

func (r *RateLimiter) Status() RateLimitStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := RateLimitStatus{UsedWeight: r.usedWeight, MaxWeight: r.maxWeight}
	if r.now().Before(r.banUntil) {
		st.BannedTill = r.banUntil
	}
	return st
}
