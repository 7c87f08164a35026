package monitor

import (
	"context"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/rs/zerolog"

	"hedge-grid-bot/internal/binance"
	"hedge-grid-bot/internal/notification"
)

type fakeAccount struct {
	info *binance.FuturesAccountInfo
	err  error
}

func (f *fakeAccount) GetFuturesAccountInfo(ctx context.Context) (*binance.FuturesAccountInfo, error) {
	return f.info, f.err
}

type fakeSender struct {
	sent []*notification.Notification
}

func (f *fakeSender) Send(ctx context.Context, n *notification.Notification) error {
	f.sent = append(f.sent, n)
	return nil
}

func account(balance, upnl, available float64, margins ...float64) *binance.FuturesAccountInfo {
	info := &binance.FuturesAccountInfo{
		TotalMarginBalance:    balance,
		TotalUnrealizedProfit: upnl,
		AvailableBalance:      available,
	}
	for _, m := range margins {
		info.Positions = append(info.Positions, binance.FuturesAccountPosition{
			Symbol: "BTCUSDT", PositionAmt: 0.01, InitialMargin: m, Notional: m * 10,
		})
	}
	// a flat position row must not count
	info.Positions = append(info.Positions, binance.FuturesAccountPosition{Symbol: "ETHUSDT", InitialMargin: 999})
	return info
}

func TestMarginRatioAndRisk(t *testing.T) {
	tests := []struct {
		name  string
		info  *binance.FuturesAccountInfo
		ratio float64
		risk  RiskLevel
	}{
		{"no positions", account(1000, 0, 1000), 0, RiskLow},
		{"low", account(1000, 0, 900, 50, 50), 0.1, RiskLow},
		{"medium boundary", account(1000, 0, 800, 200), 0.2, RiskMedium},
		{"high", account(1000, 0, 400, 300, 300), 0.6, RiskHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MarginRatio(tt.info)
			if math.Abs(got-tt.ratio) > 1e-9 {
				t.Errorf("Expected ratio %v, got %v", tt.ratio, got)
			}
			if risk := RiskFor(got); risk != tt.risk {
				t.Errorf("Expected risk %s, got %s", tt.risk, risk)
			}
		})
	}
}

func TestBalanceWatcherNotifiesOnChange(t *testing.T) {
	src := &fakeAccount{info: account(1000, 10, 900, 100)}
	sender := &fakeSender{}
	w := NewBalanceWatcher(src, sender, 0, zerolog.New(io.Discard))
	ctx := context.Background()

	if _, changed, err := w.Check(ctx); err != nil || !changed {
		t.Fatalf("Expected first reading to notify, got changed=%v err=%v", changed, err)
	}

	// under 1% on every metric
	src.info = account(1005, 10.05, 904, 100.5)
	if _, changed, _ := w.Check(ctx); changed {
		t.Error("Expected small moves to stay silent")
	}

	// PnL moves 20% against the last notified value
	src.info = account(1005, 12, 904, 100.5)
	report, changed, _ := w.Check(ctx)
	if !changed {
		t.Error("Expected PnL move to notify")
	}
	if report.OpenPositions != 1 {
		t.Errorf("Expected 1 open position, got %d", report.OpenPositions)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("Expected 2 notifications, got %d", len(sender.sent))
	}
	if sender.sent[1].Type != notification.NotifyBalance || len(sender.sent[1].Fields) != 5 {
		t.Errorf("Unexpected notification %+v", sender.sent[1])
	}
}

func TestBalanceWatcherFromZero(t *testing.T) {
	src := &fakeAccount{info: account(1000, 0, 1000)}
	sender := &fakeSender{}
	w := NewBalanceWatcher(src, sender, 0.01, zerolog.New(io.Discard))
	ctx := context.Background()

	w.Check(ctx)
	if _, changed, _ := w.Check(ctx); changed {
		t.Error("Expected an unchanged flat account to stay silent")
	}
	src.info = account(1000, -0.5, 1000)
	if _, changed, _ := w.Check(ctx); !changed {
		t.Error("Expected PnL leaving zero to notify")
	}
}

func TestBalanceWatcherReportsErrors(t *testing.T) {
	src := &fakeAccount{err: errors.New("timeout")}
	sender := &fakeSender{}
	w := NewBalanceWatcher(src, sender, 0, zerolog.New(io.Discard))

	if _, _, err := w.Check(context.Background()); err == nil {
		t.Fatal("Expected error")
	}
	if len(sender.sent) != 1 || sender.sent[0].Type != notification.NotifyError {
		t.Errorf("Expected an error notification, got %+v", sender.sent)
	}
}
