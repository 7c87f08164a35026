// Package metrics exposes reconciliation metrics in Prometheus format:
//
//	hedge_grid_ticks_total{result}            ticks by result (ok|error)
//	hedge_grid_tick_duration_seconds          tick latency
//	hedge_grid_divergences_total{kind,side}   detected divergences
//	hedge_grid_actions_total{kind,side,result} executed actions
//	hedge_grid_side_state{side,state}         1 for the current state of each side
//	hedge_grid_venue_used_weight              last seen venue request weight
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"hedge-grid-bot/internal/grid"
)

var sideStates = []grid.SideState{
	grid.StateNoPosition,
	grid.StateEntryPlaced,
	grid.StateUnprotected,
	grid.StateProtected,
}

// Recorder implements grid.Recorder on top of Prometheus collectors
type Recorder struct {
	ticks        *prometheus.CounterVec
	tickDuration prometheus.Histogram
	divergences  *prometheus.CounterVec
	actions      *prometheus.CounterVec
	sideState    *prometheus.GaugeVec
	usedWeight   prometheus.Gauge
}

// NewRecorder creates the collectors and registers them with reg. Every
// series carries a constant symbol label.
func NewRecorder(reg prometheus.Registerer, symbol string) (*Recorder, error) {
	labels := prometheus.Labels{"symbol": symbol}
	r := &Recorder{
		ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "hedge_grid_ticks_total",
				Help:        "Reconciliation ticks by result",
				ConstLabels: labels,
			},
			[]string{"result"},
		),
		tickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:        "hedge_grid_tick_duration_seconds",
				Help:        "Wall time of one reconciliation tick",
				ConstLabels: labels,
				Buckets:     []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		divergences: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "hedge_grid_divergences_total",
				Help:        "Detected divergences from the desired grid",
				ConstLabels: labels,
			},
			[]string{"kind", "side"},
		),
		actions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "hedge_grid_actions_total",
				Help:        "Executed venue mutations by result (ok|stale|error)",
				ConstLabels: labels,
			},
			[]string{"kind", "side", "result"},
		),
		// One series per state so dashboards can stack them
		sideState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:        "hedge_grid_side_state",
				Help:        "1 for the current lifecycle state of each side, 0 otherwise",
				ConstLabels: labels,
			},
			[]string{"side", "state"},
		),
		usedWeight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name:        "hedge_grid_venue_used_weight",
				Help:        "Request weight used in the current venue window",
				ConstLabels: labels,
			},
		),
	}

	for _, c := range []prometheus.Collector{r.ticks, r.tickDuration, r.divergences, r.actions, r.sideState, r.usedWeight} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Recorder) ObserveTick(d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.ticks.WithLabelValues(result).Inc()
	r.tickDuration.Observe(d.Seconds())
}

func (r *Recorder) ObserveDivergence(d grid.Divergence) {
	r.divergences.WithLabelValues(string(d.Kind), string(d.Side)).Inc()
}

func (r *Recorder) ObserveAction(a grid.Action, err error) {
	result := "ok"
	var stale *grid.StaleActionError
	switch {
	case err == nil:
	case errors.As(err, &stale):
		result = "stale"
	default:
		result = "error"
	}
	r.actions.WithLabelValues(string(a.Kind), string(a.Side), result).Inc()
}

func (r *Recorder) ObserveSideState(side grid.Side, state grid.SideState) {
	for _, s := range sideStates {
		v := 0.0
		if s == state {
			v = 1
		}
		r.sideState.WithLabelValues(string(side), string(s)).Set(v)
	}
}

// SetUsedWeight records the venue's request weight usage
func (r *Recorder) SetUsedWeight(w int) {
	r.usedWeight.Set(float64(w))
}
