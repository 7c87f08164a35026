package grid

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TickResult describes one completed reconciliation pass
type TickResult struct {
	TickID      string
	Snapshot    Snapshot
	Fills       []Order
	Divergences []Divergence
	Actions     []Action
	Report      ExecutionReport
	States      map[Side]SideState
	StartedAt   time.Time
	Duration    time.Duration
}

// Reconciler runs a single tick: snapshot, fill detection, evaluation,
// planning and execution.
type Reconciler struct {
	cfg       Config
	snapshots *SnapshotBuilder
	reentry   *ReentryHandler
	executor  *Executor
	sink      EventSink
	recorder  Recorder
	logger    zerolog.Logger

	// previous derived states, used only to log transitions
	lastStates map[Side]SideState
	now        func() time.Time
}

// ReconcilerOption customizes a Reconciler
type ReconcilerOption func(*Reconciler)

// WithEventSink publishes tick events to sink
func WithEventSink(sink EventSink) ReconcilerOption {
	return func(r *Reconciler) {
		if sink != nil {
			r.sink = sink
		}
	}
}

// WithRecorder sends metric observations to rec
func WithRecorder(rec Recorder) ReconcilerOption {
	return func(r *Reconciler) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

// WithClock overrides the wall clock, which seeds the fill watermark
func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		r.now = now
	}
}

// NewReconciler wires the tick pipeline around gw. Fills that happened
// before construction are ignored.
func NewReconciler(cfg Config, gw Gateway, logger zerolog.Logger, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		cfg:        cfg,
		sink:       nopSink{},
		recorder:   nopRecorder{},
		logger:     logger.With().Str("component", "Reconciler").Str("symbol", cfg.Symbol).Logger(),
		lastStates: make(map[Side]SideState),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	timeout := cfg.CallTimeout()
	r.snapshots = NewSnapshotBuilder(gw, timeout, logger)
	r.snapshots.now = r.now
	r.reentry = NewReentryHandler(gw, timeout, logger)
	r.executor = NewExecutor(gw, timeout, logger)
	return r
}

// Tick performs one reconciliation pass. A returned error is always a
// tick-level failure (snapshot or fill detection); per-action failures are
// reported in TickResult.Report and do not fail the tick.
func (r *Reconciler) Tick(ctx context.Context) (TickResult, error) {
	res := TickResult{TickID: uuid.NewString(), StartedAt: r.now()}
	log := r.logger.With().Str("tick_id", res.TickID).Logger()

	snap, err := r.snapshots.Build(ctx, r.cfg.Symbol)
	if err != nil {
		return r.fail(ctx, res, log, err)
	}
	res.Snapshot = snap

	reentry, err := r.reentry.Detect(ctx, snap)
	if err != nil {
		return r.fail(ctx, res, log, err)
	}
	res.Fills = reentry.Fills
	for _, f := range reentry.Fills {
		r.emit(ctx, res.TickID, EventFillDetected, f.PositionSide, map[string]interface{}{
			"order_id": f.ID,
			"kind":     string(f.Kind),
			"trigger":  f.StopPrice,
			"quantity": f.Quantity,
		})
	}

	res.Divergences = Evaluate(snap, r.cfg)
	for _, d := range res.Divergences {
		log.Info().Str("side", string(d.Side)).Str("kind", string(d.Kind)).Str("order_id", d.OrderID).Msg("Divergence detected")
		r.recorder.ObserveDivergence(d)
		r.emit(ctx, res.TickID, EventDivergence, d.Side, map[string]interface{}{
			"kind":     string(d.Kind),
			"order_id": d.OrderID,
		})
	}

	res.Actions = mergeActions(reentry.Cancels, Plan(closingFilter(res.Divergences, reentry.Closing), snap, r.cfg))
	for _, a := range res.Actions {
		log.Info().Str("side", string(a.Side)).Str("action", a.String()).Msg("Action planned")
		r.emit(ctx, res.TickID, EventActionPlanned, a.Side, actionData(a))
	}

	res.Report = r.executor.Execute(ctx, res.Actions)
	for _, o := range res.Report.Outcomes {
		r.recorder.ObserveAction(o.Action, o.Err)
		data := actionData(o.Action)
		if o.Err != nil {
			data["error"] = o.Err.Error()
			r.emit(ctx, res.TickID, EventActionFailed, o.Action.Side, data)
			continue
		}
		if o.Order != nil {
			data["order_id"] = o.Order.ID
		}
		r.emit(ctx, res.TickID, EventActionSucceeded, o.Action.Side, data)
	}

	res.States = r.trackStates(ctx, res.TickID, snap, reentry.Closing, log)

	log.Info().
		Float64("price", snap.Price).
		Int("divergences", len(res.Divergences)).
		Int("actions", len(res.Actions)).
		Int("failed", res.Report.Failed).
		Msg("Tick completed")
	r.emit(ctx, res.TickID, EventTickCompleted, "", map[string]interface{}{
		"price":       snap.Price,
		"divergences": len(res.Divergences),
		"actions":     len(res.Actions),
		"failed":      res.Report.Failed,
	})
	res.Duration = r.now().Sub(res.StartedAt)
	r.recorder.ObserveTick(res.Duration, nil)
	return res, nil
}

func (r *Reconciler) fail(ctx context.Context, res TickResult, log zerolog.Logger, err error) (TickResult, error) {
	log.Error().Err(err).Msg("Tick failed")
	r.emit(ctx, res.TickID, EventTickFailed, "", map[string]interface{}{"error": err.Error()})
	res.Duration = r.now().Sub(res.StartedAt)
	r.recorder.ObserveTick(res.Duration, err)
	return res, err
}

// trackStates derives per-side states and logs every change since the
// previous tick. A side closed by a protective fill is NO_POSITION now even
// if the venue still lists the position.
func (r *Reconciler) trackStates(ctx context.Context, tickID string, snap Snapshot, closing map[Side]bool, log zerolog.Logger) map[Side]SideState {
	states := make(map[Side]SideState, len(Sides))
	for _, side := range Sides {
		state := DeriveState(snap, side)
		if closing[side] {
			state = StateNoPosition
		}
		states[side] = state
		r.recorder.ObserveSideState(side, state)

		prev, seen := r.lastStates[side]
		if seen && prev == state {
			continue
		}
		r.lastStates[side] = state
		log.Info().
			Str("side", string(side)).
			Str("from", string(prev)).
			Str("to", string(state)).
			Msg("Side state changed")
		r.emit(ctx, tickID, EventStateTransition, side, map[string]interface{}{
			"from": string(prev),
			"to":   string(state),
		})
	}
	return states
}

func (r *Reconciler) emit(ctx context.Context, tickID string, typ EventType, side Side, data map[string]interface{}) {
	r.sink.Publish(ctx, Event{
		Type:      typ,
		TickID:    tickID,
		Symbol:    r.cfg.Symbol,
		Side:      side,
		Timestamp: r.now(),
		Data:      data,
	})
}

// closingFilter keeps only order removals for sides that were just closed by
// a protective fill; new orders for them wait for the next snapshot.
func closingFilter(divs []Divergence, closing map[Side]bool) []Divergence {
	if len(closing) == 0 {
		return divs
	}
	out := make([]Divergence, 0, len(divs))
	for _, d := range divs {
		if closing[d.Side] {
			switch d.Kind {
			case RedundantProtectiveOrder, StaleEntryOrder, RedundantEntryOrder:
			default:
				continue
			}
		}
		out = append(out, d)
	}
	return out
}

// mergeActions puts sibling cancels ahead of the plan, dropping any planned
// cancel of the same order. Market closes keep their place at the front.
func mergeActions(siblingCancels, planned []Action) []Action {
	if len(siblingCancels) == 0 {
		return planned
	}
	ids := make(map[string]bool, len(siblingCancels))
	for _, a := range siblingCancels {
		ids[a.OrderID] = true
	}
	var closes, rest []Action
	for _, a := range planned {
		switch {
		case a.Kind == ActionMarketClose:
			closes = append(closes, a)
		case a.Kind == ActionCancel && ids[a.OrderID]:
		default:
			rest = append(rest, a)
		}
	}
	out := append(closes, siblingCancels...)
	return append(out, rest...)
}

func actionData(a Action) map[string]interface{} {
	data := map[string]interface{}{
		"action": string(a.Kind),
		"reason": string(a.Reason),
	}
	if a.Kind == ActionCancel {
		data["order_id"] = a.OrderID
		return data
	}
	data["order_side"] = string(a.Request.Side)
	data["quantity"] = a.Request.Quantity
	if a.Request.Price > 0 {
		data["price"] = a.Request.Price
	}
	if a.Request.StopPrice > 0 {
		data["stop_price"] = a.Request.StopPrice
	}
	return data
}
