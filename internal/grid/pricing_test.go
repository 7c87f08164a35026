package grid

import "testing"

func TestEntryPrice(t *testing.T) {
	cfg := testConfig()

	if got := EntryPrice(SideLong, 100, cfg); !approxEqual(got, 99.5) {
		t.Errorf("Expected long entry 99.5, got %v", got)
	}
	if got := EntryPrice(SideShort, 100, cfg); !approxEqual(got, 100.5) {
		t.Errorf("Expected short entry 100.5, got %v", got)
	}
}

func TestProtectiveTriggers(t *testing.T) {
	cfg := testConfig()

	tests := []struct {
		side   Side
		entry  float64
		wantSL float64
		wantTP float64
	}{
		{SideLong, 20, 19.9, 20.3},
		{SideShort, 20, 20.1, 19.7},
		{SideLong, 99.5, 99.0025, 100.9925},
	}
	for _, tt := range tests {
		t.Run(string(tt.side), func(t *testing.T) {
			if got := StopLossTrigger(tt.side, tt.entry, cfg); !approxEqual(got, tt.wantSL) {
				t.Errorf("Expected SL trigger %v, got %v", tt.wantSL, got)
			}
			if got := TakeProfitTrigger(tt.side, tt.entry, cfg); !approxEqual(got, tt.wantTP) {
				t.Errorf("Expected TP trigger %v, got %v", tt.wantTP, got)
			}
		})
	}
}

func TestIsStale(t *testing.T) {
	cfg := testConfig()

	tests := []struct {
		name  string
		order float64
		price float64
		want  bool
	}{
		{"fresh long entry", 99.5, 100, false},
		{"drifted after rally", 99.5, 101, true},
		{"exactly at max distance", 99, 100, false},
		{"short entry left behind", 100.5, 99, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsStale(tt.order, tt.price, cfg); got != tt.want {
				t.Errorf("IsStale(%v, %v) = %v, expected %v", tt.order, tt.price, got, tt.want)
			}
		})
	}
}

func TestIsBreached(t *testing.T) {
	cfg := testConfig()
	// threshold = 0.005 * 100 * 2 = 1.0
	pos := Position{Symbol: "BTCUSDT", Side: SideLong, Quantity: 2, EntryPrice: 100}

	if got := BreachThreshold(pos, cfg); !approxEqual(got, 1.0) {
		t.Fatalf("Expected threshold 1.0, got %v", got)
	}

	tests := []struct {
		pnl  float64
		want bool
	}{
		{5, false},
		{0, false},
		{-0.5, false},
		{-1.0, false},
		{-1.2, true},
	}
	for _, tt := range tests {
		pos.UnrealizedPnl = tt.pnl
		if got := IsBreached(pos, cfg); got != tt.want {
			t.Errorf("IsBreached(pnl=%v) = %v, expected %v", tt.pnl, got, tt.want)
		}
	}
}
