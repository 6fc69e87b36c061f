package feed

import (
	"testing"

	"marketgate/internal/broker"
	"marketgate/pkg/types"
)

func TestNormalizePaiseConversion(t *testing.T) {
	t.Parallel()
	caps := broker.Capabilities{PriceInPaise: true, UnitConversionFactor: 100}
	tick := types.Tick{
		Symbol: "SBIN", Exchange: "NSE", Mode: types.ModeDepth,
		LTP: 78550, Open: 78000, High: 79000, Low: 77500, Close: 78200,
		Bid: 78540, Ask: 78560,
		Depth: &types.Depth{
			Buy:  []types.DepthLevel{{Price: 78540, Quantity: 100, Orders: 2}},
			Sell: []types.DepthLevel{{Price: 78560, Quantity: 50, Orders: 1}},
		},
		Timestamp: 1700000000000,
	}

	got := normalize(tick, caps, 5, 5)

	if got.LTP != 785.50 {
		t.Errorf("LTP = %v, want 785.50", got.LTP)
	}
	if got.Bid != 785.40 || got.Ask != 785.60 {
		t.Errorf("bid/ask = %v/%v, want 785.40/785.60", got.Bid, got.Ask)
	}
	// Depth levels convert with the same factor as every other price field.
	if got.Depth.Buy[0].Price != 785.40 || got.Depth.Sell[0].Price != 785.60 {
		t.Errorf("depth prices = %v/%v, want 785.40/785.60",
			got.Depth.Buy[0].Price, got.Depth.Sell[0].Price)
	}
}

func TestNormalizeDefaultsConversionFactor(t *testing.T) {
	t.Parallel()
	caps := broker.Capabilities{PriceInPaise: true} // factor unset → 100
	got := normalize(types.Tick{LTP: 10050, Timestamp: 1}, caps, 5, 5)
	if got.LTP != 100.50 {
		t.Errorf("LTP = %v, want 100.50", got.LTP)
	}
}

func TestNormalizeIngestionTimestamp(t *testing.T) {
	t.Parallel()
	got := normalize(types.Tick{LTP: 1}, broker.Capabilities{}, 5, 5)
	if got.Timestamp == 0 {
		t.Error("timestamp should default to ingestion time")
	}
}

func TestNormalizeDepthTruncation(t *testing.T) {
	t.Parallel()
	levels := make([]types.DepthLevel, 50)
	for i := range levels {
		levels[i] = types.DepthLevel{Price: float64(100 + i), Quantity: 1}
	}
	tick := types.Tick{
		Mode:      types.ModeDepth,
		Depth:     &types.Depth{Buy: levels, Sell: levels},
		Timestamp: 1,
	}

	// Client asked for 50, broker caps at 20.
	got := normalize(tick, broker.Capabilities{}, 20, 50)

	if len(got.Depth.Buy) != 20 || len(got.Depth.Sell) != 20 {
		t.Errorf("depth lengths = %d/%d, want 20/20", len(got.Depth.Buy), len(got.Depth.Sell))
	}
	if got.ActualDepth != 20 {
		t.Errorf("ActualDepth = %d, want 20", got.ActualDepth)
	}
	if got.BrokerSupported {
		t.Error("BrokerSupported should be false when serving below the request")
	}
}

func TestNormalizeDepthFullySupported(t *testing.T) {
	t.Parallel()
	tick := types.Tick{
		Mode:      types.ModeDepth,
		Depth:     &types.Depth{Buy: make([]types.DepthLevel, 5), Sell: make([]types.DepthLevel, 5)},
		Timestamp: 1,
	}
	got := normalize(tick, broker.Capabilities{}, 5, 5)
	if !got.BrokerSupported || got.ActualDepth != 5 {
		t.Errorf("ActualDepth=%d BrokerSupported=%v, want 5/true", got.ActualDepth, got.BrokerSupported)
	}
}

func TestSlotIndexStable(t *testing.T) {
	t.Parallel()
	a := slotIndex("SBIN", "NSE", 3)
	for i := 0; i < 10; i++ {
		if got := slotIndex("SBIN", "NSE", 3); got != a {
			t.Fatalf("slotIndex not stable: %d then %d", a, got)
		}
	}
	if got := slotIndex("SBIN", "NSE", 1); got != 0 {
		t.Errorf("single-slot pool index = %d, want 0", got)
	}
}
