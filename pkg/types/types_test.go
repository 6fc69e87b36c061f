package types

import "testing"

func TestModeValid(t *testing.T) {
	cases := []struct {
		mode Mode
		want bool
	}{
		{ModeLTP, true},
		{ModeQuote, true},
		{ModeDepth, true},
		{Mode(0), false},
		{Mode(3), false},
		{Mode(5), false},
	}
	for _, c := range cases {
		if got := c.mode.Valid(); got != c.want {
			t.Errorf("Mode(%d).Valid() = %v, want %v", int(c.mode), got, c.want)
		}
	}
}

func TestTickTopic(t *testing.T) {
	tick := Tick{Symbol: "SBIN", Exchange: "NSE", Mode: ModeLTP}
	if got, want := tick.Topic(), "NSE|SBIN|1"; got != want {
		t.Errorf("Topic() = %q, want %q", got, want)
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	if StatusOpen.Terminal() {
		t.Error("open must not be terminal")
	}
	for _, s := range []OrderStatus{StatusCompleted, StatusCancelled, StatusRejected} {
		if !s.Terminal() {
			t.Errorf("%s must be terminal", s)
		}
	}
}

func TestSubKeyString(t *testing.T) {
	k := SubKey{UserID: "u1", Symbol: "RELIANCE", Exchange: "NSE", Mode: ModeQuote}
	if got, want := k.String(), "u1:NSE:RELIANCE:2"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
