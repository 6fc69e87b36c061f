package bus

import (
	"testing"

	"marketgate/pkg/types"
)

func msg(topic string, ltp float64) Message {
	return Message{Topic: topic, Tick: types.Tick{LTP: ltp}}
}

func TestPublishDeliversToMatchingPrefix(t *testing.T) {
	t.Parallel()
	b := New()
	all := b.Subscribe("", 8)
	nse := b.Subscribe("NSE|", 8)
	defer all.Unsubscribe()
	defer nse.Unsubscribe()

	b.Publish(msg("NSE|SBIN|1", 100))
	b.Publish(msg("BSE|SBIN|1", 101))

	if got := len(all.C()); got != 2 {
		t.Errorf("all subscriber queued %d, want 2", got)
	}
	if got := len(nse.C()); got != 1 {
		t.Errorf("NSE subscriber queued %d, want 1", got)
	}
	m := <-nse.C()
	if m.Topic != "NSE|SBIN|1" {
		t.Errorf("topic = %q, want NSE|SBIN|1", m.Topic)
	}
}

func TestPublishOrderPreservedPerTopic(t *testing.T) {
	t.Parallel()
	b := New()
	sub := b.Subscribe("", 16)
	defer sub.Unsubscribe()

	for i := 1; i <= 5; i++ {
		b.Publish(msg("NSE|SBIN|1", float64(i)))
	}
	for i := 1; i <= 5; i++ {
		m := <-sub.C()
		if m.Tick.LTP != float64(i) {
			t.Fatalf("message %d has LTP %v, want %v", i, m.Tick.LTP, float64(i))
		}
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	t.Parallel()
	b := New()
	sub := b.Subscribe("", 2)
	defer sub.Unsubscribe()

	b.Publish(msg("NSE|SBIN|1", 1))
	b.Publish(msg("NSE|SBIN|1", 2))
	b.Publish(msg("NSE|SBIN|1", 3)) // queue full: 1 is shed

	if b.Dropped() == 0 {
		t.Error("expected drop counter to increment")
	}
	m := <-sub.C()
	if m.Tick.LTP != 2 {
		t.Errorf("first delivered LTP = %v, want 2 (oldest shed)", m.Tick.LTP)
	}
	m = <-sub.C()
	if m.Tick.LTP != 3 {
		t.Errorf("second delivered LTP = %v, want 3", m.Tick.LTP)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	sub := b.Subscribe("", 2)
	sub.Unsubscribe()

	if _, ok := <-sub.C(); ok {
		t.Error("channel should be closed after Unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(msg("NSE|SBIN|1", 1))
	// Double unsubscribe is a no-op.
	sub.Unsubscribe()
}
