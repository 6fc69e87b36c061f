package feed

import (
	"time"

	"marketgate/internal/broker"
	"marketgate/pkg/types"
)

// normalize applies the broker-independent tick contract before publish:
//
//   - unit conversion: paise feeds are divided down to rupees, uniformly
//     across every numeric price field including depth levels
//   - timestamp: unix ms UTC; ingestion time when the broker omits it
//   - depth truncation: never more levels than the subscription's cap,
//     with actual_depth / broker_supported forwarded to the client
func normalize(t types.Tick, caps broker.Capabilities, depthCap int, requestedDepth int) types.Tick {
	if caps.PriceInPaise {
		factor := caps.UnitConversionFactor
		if factor == 0 {
			factor = 100
		}
		t.LTP /= factor
		t.Open /= factor
		t.High /= factor
		t.Low /= factor
		t.Close /= factor
		t.Bid /= factor
		t.Ask /= factor
		if t.Depth != nil {
			for i := range t.Depth.Buy {
				t.Depth.Buy[i].Price /= factor
			}
			for i := range t.Depth.Sell {
				t.Depth.Sell[i].Price /= factor
			}
		}
	}

	if t.Timestamp == 0 {
		t.Timestamp = time.Now().UTC().UnixMilli()
	}

	if t.Mode == types.ModeDepth && t.Depth != nil {
		if len(t.Depth.Buy) > depthCap {
			t.Depth.Buy = t.Depth.Buy[:depthCap]
		}
		if len(t.Depth.Sell) > depthCap {
			t.Depth.Sell = t.Depth.Sell[:depthCap]
		}
		t.ActualDepth = depthCap
		t.BrokerSupported = depthCap == requestedDepth
	}

	return t
}
