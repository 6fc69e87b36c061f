// Package bus is the in-process pub/sub channel between feed adapters
// (publishers) and the client-facing proxy (subscriber).
//
// Topics are strings of the form EXCHANGE|SYMBOL|MODE; subscribers register
// a prefix filter (empty = everything, which is what the proxy uses).
// Delivery is at-most-once: a publisher never blocks on a slow subscriber —
// when a subscriber's queue is full the oldest queued message is dropped
// and a counter incremented. Ordering is preserved per (publisher, topic)
// because each publisher goroutine appends to each queue in send order.
package bus

import (
	"sync"
	"sync/atomic"

	"marketgate/pkg/types"
)

// Message pairs a topic with its tick payload and the identity of the
// publishing adapter (forwarded to clients as the "broker" field).
type Message struct {
	Topic  string
	UserID string
	Broker string
	Tick   types.Tick
}

// Subscription is one consumer's view of the bus.
type Subscription struct {
	prefix string
	ch     chan Message
	bus    *Bus
}

// C returns the delivery channel. Closed after Unsubscribe.
func (s *Subscription) C() <-chan Message { return s.ch }

// Unsubscribe detaches the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s)
}

// Bus is a multi-producer, multi-consumer topic bus.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}

	dropped atomic.Uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a consumer for all topics matching the prefix.
// The proxy subscribes with prefix "" to receive every tick.
func (b *Bus) Subscribe(prefix string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 1024
	}
	sub := &Subscription{
		prefix: prefix,
		ch:     make(chan Message, buffer),
		bus:    b,
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	_, ok := b.subs[sub]
	if ok {
		delete(b.subs, sub)
	}
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Publish delivers msg to every subscriber whose prefix matches the topic.
// Never blocks: a full subscriber queue sheds its oldest message first.
func (b *Bus) Publish(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if !matches(sub.prefix, msg.Topic) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			// Queue full: evict the oldest, then retry once. The second
			// send can still lose a race with the consumer; treat that as
			// a normal drop rather than spinning.
			select {
			case <-sub.ch:
				b.dropped.Add(1)
			default:
			}
			select {
			case sub.ch <- msg:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

// Dropped returns the total number of messages shed across all subscribers.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

func matches(prefix, topic string) bool {
	return len(prefix) == 0 || (len(topic) >= len(prefix) && topic[:len(prefix)] == prefix)
}
