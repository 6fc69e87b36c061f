// Package feed implements the per-(user, broker) ingestion adapter.
//
// An Adapter owns the broker-facing feed connections for one user: it
// resolves symbols to broker tokens, routes each subscription to a pool
// slot by stable hash, normalizes every incoming frame to the common tick
// shape, and republishes on the internal bus.
//
// Connection liveness is delegated to the broker.Conn implementation (read
// deadlines double as heartbeat monitoring, as in any gorilla/websocket
// reader); the adapter reacts to a closed tick channel by reconnecting with
// exponential backoff and replaying all recorded subscriptions before new
// ticks flow. Ticks arriving while a slot is down are dropped, not queued.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"marketgate/internal/broker"
	"marketgate/internal/bus"
	"marketgate/internal/metrics"
	"marketgate/internal/symbols"
	"marketgate/pkg/types"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

var validDepthLevels = map[int]bool{5: true, 20: true, 30: true, 50: true}

// SubscribeAck is what Adapter.Subscribe reports back for a successful
// subscription: the depth the broker will actually serve and whether it
// matches what the client asked for.
type SubscribeAck struct {
	ActualDepth     int
	BrokerSupported bool
}

// Adapter is the ingestion side for one (user, broker) pair.
type Adapter struct {
	userID     string
	brokerName string
	client     broker.Client
	caps       broker.Capabilities
	resolver   *symbols.Resolver
	bus        *bus.Bus
	logger     *slog.Logger

	brokerTimeout time.Duration

	slots []*poolSlot

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	ctx    context.Context
	wg     sync.WaitGroup
}

// NewAdapter creates an adapter; connections are dialed lazily on the first
// subscribe routed to each pool slot.
func NewAdapter(userID, brokerName string, client broker.Client, resolver *symbols.Resolver, b *bus.Bus, brokerTimeout time.Duration, logger *slog.Logger) *Adapter {
	caps := client.Capabilities()
	poolSize := caps.PoolSize
	if poolSize <= 0 {
		poolSize = 1
	}
	slots := make([]*poolSlot, poolSize)
	for i := range slots {
		slots[i] = newPoolSlot(i)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		userID:        userID,
		brokerName:    brokerName,
		client:        client,
		caps:          caps,
		resolver:      resolver,
		bus:           b,
		logger:        logger.With("component", "feed", "user", userID, "broker", brokerName),
		brokerTimeout: brokerTimeout,
		slots:         slots,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// UserID returns the user this adapter serves.
func (a *Adapter) UserID() string { return a.userID }

// BrokerName returns the broker identity forwarded with each tick.
func (a *Adapter) BrokerName() string { return a.brokerName }

// RetainSessionOnEmpty reports whether the proxy should keep this adapter
// alive (soft-unsubscribe) when the user's last client disconnects.
func (a *Adapter) RetainSessionOnEmpty() bool { return a.caps.RetainSessionOnEmpty }

// Subscribe resolves the symbol, forwards the subscription to the broker,
// and records it for reconnection replay. Depth requests above the broker's
// cap are served at the cap and flagged, never failed.
func (a *Adapter) Subscribe(ctx context.Context, symbol, exchange string, mode types.Mode, depthLevel int) (SubscribeAck, error) {
	if !mode.Valid() {
		return SubscribeAck{}, broker.NewError(types.CodeUnsupportedMode, fmt.Sprintf("mode %d", int(mode)))
	}
	if mode == types.ModeDepth {
		if depthLevel == 0 {
			depthLevel = 5
		}
		if !validDepthLevels[depthLevel] {
			return SubscribeAck{}, broker.NewError(types.CodeUnsupportedDepthLevel,
				fmt.Sprintf("depth level %d (valid: 5, 20, 30, 50)", depthLevel))
		}
	}

	contract, err := a.resolver.Resolve(symbol, exchange)
	if err != nil {
		return SubscribeAck{}, err
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return SubscribeAck{}, broker.NewError(types.CodeNotConnected, "adapter disconnected")
	}
	a.mu.Unlock()

	// Slot routing and record keys use the contract's canonical casing so
	// every spelling of an instrument shares one broker subscription.
	slot := a.slots[slotIndex(contract.Symbol, contract.Exchange, len(a.slots))]
	key := slotKey{symbol: contract.Symbol, exchange: contract.Exchange, mode: mode}
	depthCap := depthLevel
	if mode == types.ModeDepth {
		depthCap = a.caps.DepthCap(depthLevel)
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()

	if _, exists := slot.subs[key]; !exists {
		if a.caps.MaxSymbolsPerConn > 0 && slot.symbolCount() >= a.caps.MaxSymbolsPerConn {
			// Count symbols, not keys: a new mode of an already-subscribed
			// symbol does not consume a cap slot.
			already := false
			for k := range slot.subs {
				if k.symbol == key.symbol && k.exchange == key.exchange {
					already = true
					break
				}
			}
			if !already {
				return SubscribeAck{}, broker.NewError(types.CodeLimitExceeded,
					fmt.Sprintf("connection %d at symbol cap %d", slot.index, a.caps.MaxSymbolsPerConn))
			}
		}
	}

	if err := a.ensureConnLocked(slot); err != nil {
		return SubscribeAck{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, a.brokerTimeout)
	defer cancel()
	if err := slot.conn.Subscribe(callCtx, contract.BrokerToken, contract.BrokerExchange, mode, depthCap); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return SubscribeAck{}, broker.WrapError(types.CodeBrokerTimeout, err)
		}
		var be *broker.Error
		if errors.As(err, &be) {
			return SubscribeAck{}, be
		}
		return SubscribeAck{}, broker.WrapError(types.CodeBrokerError, err)
	}

	slot.subs[key] = subRecord{
		symbol:   contract.Symbol,
		exchange: contract.Exchange,
		token:    contract.BrokerToken,
		brokerEx: contract.BrokerExchange,
		mode:     mode,
		depth:    depthLevel,
		depthCap: depthCap,
	}

	return SubscribeAck{ActualDepth: depthCap, BrokerSupported: depthCap == depthLevel}, nil
}

// Unsubscribe removes the local record and forwards the unsubscribe to the
// broker. Unknown subscriptions return NOT_SUBSCRIBED.
func (a *Adapter) Unsubscribe(ctx context.Context, symbol, exchange string, mode types.Mode) error {
	slot := a.slots[slotIndex(symbol, exchange, len(a.slots))]
	key := slotKey{symbol: symbol, exchange: exchange, mode: mode}

	slot.mu.Lock()
	defer slot.mu.Unlock()

	rec, ok := slot.subs[key]
	if !ok {
		return broker.NewError(types.CodeNotSubscribed, fmt.Sprintf("%s %s mode %d", exchange, symbol, int(mode)))
	}
	delete(slot.subs, key)

	if slot.conn == nil {
		return nil
	}
	callCtx, cancel := context.WithTimeout(ctx, a.brokerTimeout)
	defer cancel()
	if err := slot.conn.Unsubscribe(callCtx, rec.token, rec.brokerEx, mode); err != nil {
		// Record is already gone; the broker-side subscription will be
		// dropped when the connection cycles.
		a.logger.Warn("broker unsubscribe failed", "symbol", symbol, "error", err)
	}
	return nil
}

// UnsubscribeAll drops every subscription but keeps connections alive. Used
// for brokers whose symbol caps are per-session, where tearing down the
// connection would be expensive.
func (a *Adapter) UnsubscribeAll(ctx context.Context) {
	for _, slot := range a.slots {
		slot.mu.Lock()
		recs := slot.records()
		slot.subs = make(map[slotKey]subRecord)
		conn := slot.conn
		slot.mu.Unlock()

		if conn == nil {
			continue
		}
		for _, rec := range recs {
			callCtx, cancel := context.WithTimeout(ctx, a.brokerTimeout)
			if err := conn.Unsubscribe(callCtx, rec.token, rec.brokerEx, rec.mode); err != nil {
				a.logger.Warn("broker unsubscribe failed", "symbol", rec.symbol, "error", err)
			}
			cancel()
		}
	}
}

// Disconnect releases all resources. Idempotent.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	a.cancel()
	for _, slot := range a.slots {
		slot.mu.Lock()
		if slot.conn != nil {
			slot.conn.Close()
			slot.conn = nil
		}
		slot.subs = make(map[slotKey]subRecord)
		slot.mu.Unlock()
	}
	a.wg.Wait()
	a.logger.Info("adapter disconnected")
}

// ensureConnLocked dials the slot's connection if absent and starts its
// reader. Caller holds slot.mu.
func (a *Adapter) ensureConnLocked(slot *poolSlot) error {
	if slot.conn != nil {
		return nil
	}
	dialCtx, cancel := context.WithTimeout(a.ctx, a.brokerTimeout)
	defer cancel()
	conn, err := a.client.Dial(dialCtx)
	if err != nil {
		return broker.WrapError(types.CodeNotConnected, err)
	}
	slot.conn = conn

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.readLoop(slot, conn)
	}()
	return nil
}

// readLoop consumes ticks from one connection until it dies, then
// reconnects with exponential backoff and replays the slot's subscriptions.
func (a *Adapter) readLoop(slot *poolSlot, conn broker.Conn) {
	backoff := initialBackoff

	for {
		for tick := range conn.Ticks() {
			a.publish(slot, tick)
			backoff = initialBackoff
		}

		// Channel closed: connection died or Disconnect was called.
		if a.ctx.Err() != nil {
			return
		}

		a.logger.Warn("feed connection lost, reconnecting",
			"slot", slot.index, "backoff", backoff)
		metrics.BrokerReconnects.WithLabelValues(a.brokerName).Inc()

		select {
		case <-a.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}

		next, err := a.reconnect(slot)
		if err != nil {
			a.logger.Error("reconnect failed", "slot", slot.index, "error", err)
			continue
		}
		conn = next
	}
}

// reconnect dials a fresh connection for the slot and replays all recorded
// subscriptions before the new connection's ticks are consumed.
func (a *Adapter) reconnect(slot *poolSlot) (broker.Conn, error) {
	dialCtx, cancel := context.WithTimeout(a.ctx, a.brokerTimeout)
	conn, err := a.client.Dial(dialCtx)
	cancel()
	if err != nil {
		return nil, err
	}

	slot.mu.Lock()
	recs := slot.records()
	slot.conn = conn
	slot.mu.Unlock()

	for _, rec := range recs {
		callCtx, cancel := context.WithTimeout(a.ctx, a.brokerTimeout)
		err := conn.Subscribe(callCtx, rec.token, rec.brokerEx, rec.mode, rec.depthCap)
		cancel()
		if err != nil {
			a.logger.Error("replay subscribe failed",
				"symbol", rec.symbol, "mode", rec.mode.String(), "error", err)
		}
	}

	a.logger.Info("feed reconnected", "slot", slot.index, "replayed", len(recs))
	return conn, nil
}

// publish normalizes a raw tick and puts it on the bus.
func (a *Adapter) publish(slot *poolSlot, tick types.Tick) {
	key := slotKey{symbol: tick.Symbol, exchange: tick.Exchange, mode: tick.Mode}

	slot.mu.Lock()
	rec, ok := slot.subs[key]
	slot.mu.Unlock()
	if !ok {
		// Tick for a symbol we no longer track (raced with unsubscribe).
		return
	}

	norm := normalize(tick, a.caps, rec.depthCap, rec.depth)
	a.bus.Publish(bus.Message{
		Topic:  norm.Topic(),
		UserID: a.userID,
		Broker: a.brokerName,
		Tick:   norm,
	})
	metrics.TicksPublished.WithLabelValues(norm.Exchange).Inc()
}
