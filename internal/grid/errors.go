package grid

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrOrderNotFound is returned by gateways when an order id is unknown to the venue
var ErrOrderNotFound = errors.New("order not found")

var errNonPositivePrice = errors.New("venue returned a non-positive price")

// GatewayError wraps any failed venue call. Always retryable on the next tick.
type GatewayError struct {
	Op      string
	Err     error
	Timeout bool
}

func (e *GatewayError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("gateway %s: timeout: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// NewGatewayError wraps err for op, flagging deadline expiry as a timeout.
// An err that already is a *GatewayError is returned unchanged.
func NewGatewayError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		return err
	}
	return &GatewayError{
		Op:      op,
		Err:     err,
		Timeout: errors.Is(err, context.DeadlineExceeded),
	}
}

// StaleActionError reports an action that referenced an order which no longer
// exists at the venue (filled or canceled between snapshot and execution).
type StaleActionError struct {
	Action Action
	Err    error
}

func (e *StaleActionError) Error() string {
	return fmt.Sprintf("stale action %s on %s: %v", e.Action.Kind, e.Action.OrderID, e.Err)
}

func (e *StaleActionError) Unwrap() error { return e.Err }

// ConfigError lists every invalid configuration field. Fatal at startup only.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "invalid config: " + strings.Join(e.Problems, "; ")
}

func (e *ConfigError) add(format string, args ...interface{}) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}
