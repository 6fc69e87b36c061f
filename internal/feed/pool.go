package feed

import (
	"hash/fnv"
	"sync"

	"marketgate/internal/broker"
	"marketgate/pkg/types"
)

// subRecord is one live subscription on a pool slot, kept for reconnection
// replay and for counting against the per-connection symbol cap.
type subRecord struct {
	symbol   string
	exchange string
	token    string
	brokerEx string
	mode     types.Mode
	depth    int // requested depth level
	depthCap int // what the broker will actually serve
}

// slotKey identifies a subscription within a pool slot.
type slotKey struct {
	symbol   string
	exchange string
	mode     types.Mode
}

// poolSlot is one physical broker connection plus its subscription records.
// A subscription's slot index is a stable hash of (symbol, exchange), so the
// same instrument always lands on the same connection for its lifetime.
type poolSlot struct {
	index int

	mu   sync.Mutex
	conn broker.Conn // nil when disconnected
	subs map[slotKey]subRecord
}

func newPoolSlot(index int) *poolSlot {
	return &poolSlot{index: index, subs: make(map[slotKey]subRecord)}
}

// symbolCount counts distinct symbols on this slot. Broker caps are per
// symbol, not per (symbol, mode): two modes of one symbol count once.
func (s *poolSlot) symbolCount() int {
	seen := make(map[string]struct{}, len(s.subs))
	for k := range s.subs {
		seen[k.exchange+"|"+k.symbol] = struct{}{}
	}
	return len(seen)
}

// records returns a copy of the slot's subscriptions for replay.
func (s *poolSlot) records() []subRecord {
	out := make([]subRecord, 0, len(s.subs))
	for _, rec := range s.subs {
		out = append(out, rec)
	}
	return out
}

// slotIndex routes (symbol, exchange) to a pool slot deterministically.
func slotIndex(symbol, exchange string, poolSize int) int {
	if poolSize <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(exchange))
	h.Write([]byte{'|'})
	h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(poolSize))
}
