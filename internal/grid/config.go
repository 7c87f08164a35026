package grid

import "time"

// DefaultCallTimeout bounds every gateway call when CallTimeoutSeconds is unset
const DefaultCallTimeout = 10 * time.Second

// Config is immutable for the lifetime of a run and passed by value
type Config struct {
	Symbol              string  `json:"symbol" yaml:"symbol"`
	Leverage            int     `json:"leverage" yaml:"leverage"`
	OrderSize           float64 `json:"order_size" yaml:"order_size"`
	InitialDistancePct  float64 `json:"initial_distance_pct" yaml:"initial_distance_pct"`
	MaxDistancePct      float64 `json:"max_distance_pct" yaml:"max_distance_pct"`
	StopLossBufferPct   float64 `json:"stop_loss_buffer_pct" yaml:"stop_loss_buffer_pct"`
	TakeProfitBufferPct float64 `json:"take_profit_buffer_pct" yaml:"take_profit_buffer_pct"`
	PollIntervalSeconds int     `json:"poll_interval_seconds" yaml:"poll_interval_seconds"`
	ErrorBackoffSeconds int     `json:"error_backoff_seconds" yaml:"error_backoff_seconds"`

	// Optional. Zero means DefaultCallTimeout.
	CallTimeoutSeconds int `json:"call_timeout_seconds" yaml:"call_timeout_seconds"`
	// Optional. Zero means ErrorBackoffSeconds, i.e. a constant error backoff.
	MaxErrorBackoffSeconds int `json:"max_error_backoff_seconds" yaml:"max_error_backoff_seconds"`
}

// Validate checks every field and returns a *ConfigError listing all problems
func (c Config) Validate() error {
	errs := &ConfigError{}
	if c.Symbol == "" {
		errs.add("symbol is required")
	}
	if c.Leverage < 1 || c.Leverage > 125 {
		errs.add("leverage must be between 1 and 125, got %d", c.Leverage)
	}
	if c.OrderSize <= 0 {
		errs.add("order_size must be positive, got %g", c.OrderSize)
	}
	checkPct := func(name string, v float64) {
		if v <= 0 || v >= 1 {
			errs.add("%s must be a fraction in (0, 1), got %g", name, v)
		}
	}
	checkPct("initial_distance_pct", c.InitialDistancePct)
	checkPct("max_distance_pct", c.MaxDistancePct)
	checkPct("stop_loss_buffer_pct", c.StopLossBufferPct)
	checkPct("take_profit_buffer_pct", c.TakeProfitBufferPct)
	if c.MaxDistancePct > 0 && c.MaxDistancePct <= c.InitialDistancePct {
		// a freshly placed entry would be stale immediately
		errs.add("max_distance_pct (%g) must exceed initial_distance_pct (%g)", c.MaxDistancePct, c.InitialDistancePct)
	}
	if c.PollIntervalSeconds <= 0 {
		errs.add("poll_interval_seconds must be positive, got %d", c.PollIntervalSeconds)
	}
	if c.ErrorBackoffSeconds <= 0 {
		errs.add("error_backoff_seconds must be positive, got %d", c.ErrorBackoffSeconds)
	}
	if c.CallTimeoutSeconds < 0 {
		errs.add("call_timeout_seconds must not be negative, got %d", c.CallTimeoutSeconds)
	}
	if c.MaxErrorBackoffSeconds != 0 && c.MaxErrorBackoffSeconds < c.ErrorBackoffSeconds {
		errs.add("max_error_backoff_seconds (%d) must be at least error_backoff_seconds (%d)",
			c.MaxErrorBackoffSeconds, c.ErrorBackoffSeconds)
	}
	if len(errs.Problems) > 0 {
		return errs
	}
	return nil
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c Config) ErrorBackoff() time.Duration {
	return time.Duration(c.ErrorBackoffSeconds) * time.Second
}

func (c Config) MaxErrorBackoff() time.Duration {
	if c.MaxErrorBackoffSeconds == 0 {
		return c.ErrorBackoff()
	}
	return time.Duration(c.MaxErrorBackoffSeconds) * time.Second
}

func (c Config) CallTimeout() time.Duration {
	if c.CallTimeoutSeconds == 0 {
		return DefaultCallTimeout
	}
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}
