package grid

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Outcome is the result of applying one Action
type Outcome struct {
	Action Action
	Order  *Order
	Err    error
}

// ExecutionReport collects per-action outcomes in execution order
type ExecutionReport struct {
	Outcomes  []Outcome
	Succeeded int
	Failed    int
}

// Failures returns the outcomes that carry an error
func (r ExecutionReport) Failures() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// Executor applies actions against the gateway one by one
type Executor struct {
	gw          Gateway
	callTimeout time.Duration
	logger      zerolog.Logger
	newClientID func() string
}

func NewExecutor(gw Gateway, callTimeout time.Duration, logger zerolog.Logger) *Executor {
	return &Executor{
		gw:          gw,
		callTimeout: callTimeout,
		logger:      logger.With().Str("component", "Executor").Logger(),
		newClientID: newClientOrderID,
	}
}

// newClientOrderID stays within Binance's 36 char newClientOrderId limit
func newClientOrderID() string {
	return "hg-" + uuid.NewString()[:32]
}

// Execute applies actions sequentially. A failed action is logged and
// recorded; the remaining actions still run. Absence of every order being
// created was already confirmed against this tick's snapshot, so nothing is
// re-checked here.
func (e *Executor) Execute(ctx context.Context, actions []Action) ExecutionReport {
	var report ExecutionReport
	for _, a := range actions {
		if ctx.Err() != nil {
			// shutdown between actions; what is left is retried after restart
			report.Outcomes = append(report.Outcomes, Outcome{Action: a, Err: NewGatewayError(string(a.Kind), ctx.Err())})
			report.Failed++
			continue
		}
		out := e.apply(ctx, a)
		report.Outcomes = append(report.Outcomes, out)
		if out.Err != nil {
			report.Failed++
			e.logger.Error().
				Err(out.Err).
				Str("action", string(a.Kind)).
				Str("side", string(a.Side)).
				Str("order_id", a.OrderID).
				Str("reason", string(a.Reason)).
				Msg("Action failed")
			continue
		}
		report.Succeeded++
		ev := e.logger.Info().
			Str("action", string(a.Kind)).
			Str("side", string(a.Side)).
			Str("reason", string(a.Reason))
		if out.Order != nil {
			ev = ev.Str("order_id", out.Order.ID).
				Float64("quantity", out.Order.Quantity).
				Float64("price", out.Order.LevelPrice())
		} else {
			ev = ev.Str("order_id", a.OrderID)
		}
		ev.Msg("Action applied")
	}
	return report
}

func (e *Executor) apply(ctx context.Context, a Action) Outcome {
	if a.Kind == ActionCancel {
		_, err := callWithTimeout(ctx, e.callTimeout, "cancel_order", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, e.gw.CancelOrder(ctx, a.OrderID, a.Symbol)
		})
		if err != nil && errors.Is(err, ErrOrderNotFound) {
			err = &StaleActionError{Action: a, Err: err}
		}
		return Outcome{Action: a, Err: err}
	}

	req := a.Request
	if req.ClientOrderID == "" {
		req.ClientOrderID = e.newClientID()
	}
	order, err := callWithTimeout(ctx, e.callTimeout, "create_order", func(ctx context.Context) (Order, error) {
		return e.gw.CreateOrder(ctx, req)
	})
	if err != nil {
		return Outcome{Action: a, Err: err}
	}
	return Outcome{Action: a, Order: &order}
}
