// Package monitor watches the futures wallet and reports balance, PnL and
// margin usage whenever any of them moves noticeably.
package monitor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hedge-grid-bot/internal/binance"
	"hedge-grid-bot/internal/notification"
)

// RiskLevel buckets the margin ratio
type RiskLevel string

const (
	RiskLow    RiskLevel = "Low"
	RiskMedium RiskLevel = "Medium"
	RiskHigh   RiskLevel = "High"
)

const defaultChangeThreshold = 0.01

// AccountSource is the part of *binance.FuturesClient (or the paper venue) the watcher reads
type AccountSource interface {
	GetFuturesAccountInfo(ctx context.Context) (*binance.FuturesAccountInfo, error)
}

// Sender delivers a notification; *notification.Manager implements it
type Sender interface {
	Send(ctx context.Context, n *notification.Notification) error
}

// BalanceReport is one reading of the wallet
type BalanceReport struct {
	TotalBalance     float64 // total margin balance
	UnrealizedPnl    float64
	AvailableBalance float64
	MarginRatio      float64
	Risk             RiskLevel
	OpenPositions    int
	At               time.Time
}

// MarginRatio is the initial margin of open positions over the total
// margin balance; zero without open positions.
func MarginRatio(info *binance.FuturesAccountInfo) float64 {
	var margin, notional float64
	for _, p := range info.Positions {
		if p.PositionAmt == 0 {
			continue
		}
		margin += p.InitialMargin
		notional += math.Abs(p.Notional)
	}
	if notional == 0 || info.TotalMarginBalance <= 0 {
		return 0
	}
	return margin / info.TotalMarginBalance
}

// RiskFor classifies a margin ratio
func RiskFor(ratio float64) RiskLevel {
	switch {
	case ratio < 0.2:
		return RiskLow
	case ratio < 0.5:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// BalanceWatcher compares each reading with the last one it notified about
type BalanceWatcher struct {
	source    AccountSource
	sender    Sender
	threshold float64
	logger    zerolog.Logger
	now       func() time.Time

	mu   sync.Mutex
	last *BalanceReport
}

// NewBalanceWatcher creates a watcher. threshold is the relative change of
// any metric that triggers a notification; zero means 1%.
func NewBalanceWatcher(source AccountSource, sender Sender, threshold float64, logger zerolog.Logger) *BalanceWatcher {
	if threshold <= 0 {
		threshold = defaultChangeThreshold
	}
	return &BalanceWatcher{
		source:    source,
		sender:    sender,
		threshold: threshold,
		logger:    logger.With().Str("component", "BalanceWatcher").Logger(),
		now:       time.Now,
	}
}

// Check reads the account once and notifies on the first reading or a
// significant change. Read failures are notified too and returned.
func (w *BalanceWatcher) Check(ctx context.Context) (BalanceReport, bool, error) {
	info, err := w.source.GetFuturesAccountInfo(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to read futures account")
		if sendErr := w.sender.Send(ctx, &notification.Notification{
			Type:    notification.NotifyError,
			Title:   "⚠️ Balance check failed",
			Message: err.Error(),
		}); sendErr != nil {
			w.logger.Warn().Err(sendErr).Msg("Failed to send error notification")
		}
		return BalanceReport{}, false, err
	}

	report := w.reportFrom(info)

	w.mu.Lock()
	changed := w.last == nil || w.changed(*w.last, report)
	if changed {
		r := report
		w.last = &r
	}
	w.mu.Unlock()

	w.logger.Debug().
		Float64("total_balance", report.TotalBalance).
		Float64("margin_ratio", report.MarginRatio).
		Bool("changed", changed).
		Msg("Balance checked")

	if !changed {
		return report, false, nil
	}
	if err := w.sender.Send(ctx, balanceNotification(report)); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to send balance notification")
	}
	return report, true, nil
}

func (w *BalanceWatcher) reportFrom(info *binance.FuturesAccountInfo) BalanceReport {
	ratio := MarginRatio(info)
	open := 0
	for _, p := range info.Positions {
		if p.PositionAmt != 0 {
			open++
		}
	}
	return BalanceReport{
		TotalBalance:     info.TotalMarginBalance,
		UnrealizedPnl:    info.TotalUnrealizedProfit,
		AvailableBalance: info.AvailableBalance,
		MarginRatio:      ratio,
		Risk:             RiskFor(ratio),
		OpenPositions:    open,
		At:               w.now(),
	}
}

func (w *BalanceWatcher) changed(prev, cur BalanceReport) bool {
	return w.moved(prev.TotalBalance, cur.TotalBalance) ||
		w.moved(prev.UnrealizedPnl, cur.UnrealizedPnl) ||
		w.moved(prev.AvailableBalance, cur.AvailableBalance) ||
		w.moved(prev.MarginRatio, cur.MarginRatio)
}

// moved reports a relative change above the threshold. From zero, any
// change counts.
func (w *BalanceWatcher) moved(prev, cur float64) bool {
	if prev == 0 {
		return cur != 0
	}
	return math.Abs(cur-prev)/math.Abs(prev) > w.threshold
}

func balanceNotification(r BalanceReport) *notification.Notification {
	return &notification.Notification{
		Type:    notification.NotifyBalance,
		Title:   "💰 Futures wallet",
		Message: fmt.Sprintf("Risk level: %s", r.Risk),
		Fields: []notification.Field{
			{Name: "Total Balance", Value: fmt.Sprintf("%.2f USDT", r.TotalBalance)},
			{Name: "Unrealized PnL", Value: fmt.Sprintf("%.2f USDT", r.UnrealizedPnl)},
			{Name: "Available Balance", Value: fmt.Sprintf("%.2f USDT", r.AvailableBalance)},
			{Name: "Margin Ratio", Value: fmt.Sprintf("%.2f%%", r.MarginRatio*100)},
			{Name: "Open Positions", Value: fmt.Sprintf("%d", r.OpenPositions)},
		},
		Timestamp: r.At,
	}
}
