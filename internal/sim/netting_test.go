package sim

import (
	"testing"

	"marketgate/internal/store"
	"marketgate/pkg/types"
)

func TestApplyNettingAddsToSameSide(t *testing.T) {
	t.Parallel()

	p := &store.Position{Quantity: 100, AvgPrice: d("100"), MarginBlocked: d("2000")}
	res := applyNetting(p, types.BUY, 100, d("110"), d("22"))

	if p.Quantity != 200 {
		t.Errorf("quantity = %d, want 200", p.Quantity)
	}
	if !p.AvgPrice.Equal(d("105")) {
		t.Errorf("avg price = %s, want 105", p.AvgPrice)
	}
	if !res.Blocked.Equal(d("2200")) {
		t.Errorf("blocked = %s, want 2200", res.Blocked)
	}
	if !res.Realized.IsZero() || !res.Released.IsZero() {
		t.Errorf("adding must realize and release nothing, got %s / %s", res.Realized, res.Released)
	}
	if !p.MarginBlocked.Equal(d("4200")) {
		t.Errorf("position margin = %s, want 4200", p.MarginBlocked)
	}
}

func TestApplyNettingReducesLongAndRealizes(t *testing.T) {
	t.Parallel()

	p := &store.Position{Quantity: 100, AvgPrice: d("100"), MarginBlocked: d("2000")}
	res := applyNetting(p, types.SELL, 40, d("110"), d("22"))

	if p.Quantity != 60 {
		t.Errorf("quantity = %d, want 60", p.Quantity)
	}
	if !p.AvgPrice.Equal(d("100")) {
		t.Errorf("avg price = %s, want unchanged 100", p.AvgPrice)
	}
	if !res.Realized.Equal(d("400")) {
		t.Errorf("realized = %s, want 400", res.Realized)
	}
	if !res.Released.Equal(d("800")) {
		t.Errorf("released = %s, want proportional 800", res.Released)
	}
	if !p.MarginBlocked.Equal(d("1200")) {
		t.Errorf("position margin = %s, want 1200", p.MarginBlocked)
	}
}

func TestApplyNettingShortReduceRealizesSignAware(t *testing.T) {
	t.Parallel()

	p := &store.Position{Quantity: -100, AvgPrice: d("100"), MarginBlocked: d("2000")}
	res := applyNetting(p, types.BUY, 50, d("90"), d("18"))

	if p.Quantity != -50 {
		t.Errorf("quantity = %d, want -50", p.Quantity)
	}
	// Short covered 10 below entry: profit.
	if !res.Realized.Equal(d("500")) {
		t.Errorf("realized = %s, want 500", res.Realized)
	}
	if !res.Released.Equal(d("1000")) {
		t.Errorf("released = %s, want 1000", res.Released)
	}
}

func TestApplyNettingFullCloseFlushesMargin(t *testing.T) {
	t.Parallel()

	p := &store.Position{Quantity: 100, AvgPrice: d("100"), MarginBlocked: d("2000")}
	res := applyNetting(p, types.SELL, 100, d("90"), d("18"))

	if p.Quantity != 0 {
		t.Errorf("quantity = %d, want 0", p.Quantity)
	}
	if !p.AvgPrice.IsZero() {
		t.Errorf("avg price = %s, want 0 after close", p.AvgPrice)
	}
	if !p.MarginBlocked.IsZero() {
		t.Errorf("position margin = %s, want 0 after close", p.MarginBlocked)
	}
	if !res.Realized.Equal(d("-1000")) {
		t.Errorf("realized = %s, want -1000", res.Realized)
	}
	if !res.Released.Equal(d("2000")) {
		t.Errorf("released = %s, want 2000", res.Released)
	}
}

func TestApplyNettingCrossReopensOppositeSide(t *testing.T) {
	t.Parallel()

	p := &store.Position{Quantity: 100, AvgPrice: d("100"), MarginBlocked: d("2000")}
	res := applyNetting(p, types.SELL, 150, d("110"), d("22"))

	if p.Quantity != -50 {
		t.Errorf("quantity = %d, want -50", p.Quantity)
	}
	if !p.AvgPrice.Equal(d("110")) {
		t.Errorf("avg price = %s, want fill price 110", p.AvgPrice)
	}
	if !res.Realized.Equal(d("1000")) {
		t.Errorf("realized = %s, want 1000 on the closing leg", res.Realized)
	}
	if !res.Released.Equal(d("2000")) {
		t.Errorf("released = %s, want full 2000", res.Released)
	}
	if !res.Blocked.Equal(d("1100")) {
		t.Errorf("blocked = %s, want 1100 for the reopened 50", res.Blocked)
	}
	if !p.MarginBlocked.Equal(d("1100")) {
		t.Errorf("position margin = %s, want 1100", p.MarginBlocked)
	}
}

func TestApplyNettingFlatOpensFresh(t *testing.T) {
	t.Parallel()

	p := &store.Position{}
	res := applyNetting(p, types.SELL, 25, d("120"), d("12"))

	if p.Quantity != -25 {
		t.Errorf("quantity = %d, want -25", p.Quantity)
	}
	if !p.AvgPrice.Equal(d("120")) {
		t.Errorf("avg price = %s, want 120", p.AvgPrice)
	}
	if !res.Blocked.Equal(d("300")) {
		t.Errorf("blocked = %s, want 300", res.Blocked)
	}
}
