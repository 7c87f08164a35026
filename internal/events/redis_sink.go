package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"hedge-grid-bot/config"
	"hedge-grid-bot/internal/grid"
)

const (
	streamWriteTimeout = 3 * time.Second
	maxStreamFailures  = 3
)

// streamWriter is the part of *redis.Client the sink uses
type streamWriter interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisSink appends every grid event to a Redis stream, where the external
// alerting poller consumes it. Redis being down never fails a tick: writes
// are dropped and logged, and after repeated failures the sink reports
// itself unhealthy until a write succeeds again.
type RedisSink struct {
	writer streamWriter
	client *redis.Client
	stream string
	maxLen int64
	logger zerolog.Logger

	mu           sync.Mutex
	healthy      bool
	failureCount int
}

// NewRedisSink connects to Redis. A failed initial ping leaves the sink in
// degraded mode rather than failing startup.
func NewRedisSink(cfg config.RedisConfig, logger zerolog.Logger) (*RedisSink, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 1,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	s := newRedisSink(client, cfg.Stream, cfg.MaxLen, logger)
	s.client = client

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		s.logger.Warn().Err(err).Str("address", cfg.Address).Msg("Initial Redis connection failed, events will be dropped until it recovers")
		s.healthy = false
		return s, nil
	}

	s.logger.Info().Str("address", cfg.Address).Str("stream", cfg.Stream).Msg("Redis event stream connected")
	return s, nil
}

func newRedisSink(w streamWriter, stream string, maxLen int64, logger zerolog.Logger) *RedisSink {
	return &RedisSink{
		writer:  w,
		stream:  stream,
		maxLen:  maxLen,
		logger:  logger.With().Str("component", "RedisSink").Logger(),
		healthy: true,
	}
}

// Publish writes e to the stream, with its own timeout
func (s *RedisSink) Publish(ctx context.Context, e grid.Event) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		s.logger.Error().Err(err).Str("type", string(e.Type)).Msg("Failed to encode event data")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()

	err = s.writer.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":      string(e.Type),
			"tick_id":   e.TickID,
			"symbol":    e.Symbol,
			"side":      string(e.Side),
			"timestamp": e.Timestamp.UTC().Format(time.RFC3339Nano),
			"data":      string(data),
		},
	}).Err()
	if err != nil {
		s.recordFailure(err, e)
		return
	}
	s.recordSuccess()
}

// Subscriber adapts the sink for EventBus.SubscribeAll
func (s *RedisSink) Subscriber() Subscriber {
	return s.Publish
}

func (s *RedisSink) IsHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

func (s *RedisSink) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisSink) recordFailure(err error, e grid.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failureCount++
	if s.failureCount >= maxStreamFailures && s.healthy {
		s.healthy = false
		s.logger.Error().Err(err).Int("failures", s.failureCount).Msg("Redis event stream marked unhealthy")
		return
	}
	s.logger.Warn().Err(err).Str("type", string(e.Type)).Str("tick_id", e.TickID).Msg("Dropped event")
}

func (s *RedisSink) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.healthy {
		s.logger.Info().Msg("Redis event stream recovered")
	}
	s.failureCount = 0
	s.healthy = true
}
