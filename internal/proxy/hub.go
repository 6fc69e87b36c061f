// Package proxy is the client-facing WebSocket server: it authenticates
// clients, reference-counts shared subscriptions so each distinct
// (user, symbol, exchange, mode) reaches the broker exactly once, and fans
// bus ticks out to every client subscribed to the matching key.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"marketgate/internal/broker"
	"marketgate/internal/bus"
	"marketgate/internal/feed"
	"marketgate/internal/metrics"
	"marketgate/internal/symbols"
	"marketgate/pkg/types"
)

const busBuffer = 1024

// Hub owns the shared-subscription tables and the per-user feed adapters.
//
// Broker calls never run under h.mu: a first subscriber pre-registers its
// ref count, releases the lock for the broker round trip, and rolls the
// registration back on failure. Concurrent subscribers of the same key see
// the pre-registered count and coalesce instead of issuing a duplicate
// broker subscribe.
type Hub struct {
	auth     broker.AuthPort
	factory  broker.ClientFactory
	resolver *symbols.Resolver
	bus      *bus.Bus
	logger   *slog.Logger

	newAdapter func(userID, brokerName string, client broker.Client) *feed.Adapter

	mu          sync.RWMutex
	clients     map[*Client]bool
	clientSubs  map[*Client]map[types.SubKey]bool
	refs        map[types.SubKey]int
	acks        map[types.SubKey]feed.SubscribeAck
	adapters    map[string]*feed.Adapter
	adapterRefs map[string]int
}

// NewHub wires the proxy core. newAdapter is injected so tests can substitute
// adapter construction; production passes a closure over feed.NewAdapter.
func NewHub(auth broker.AuthPort, factory broker.ClientFactory, resolver *symbols.Resolver, b *bus.Bus, newAdapter func(userID, brokerName string, client broker.Client) *feed.Adapter, logger *slog.Logger) *Hub {
	return &Hub{
		auth:        auth,
		factory:     factory,
		resolver:    resolver,
		bus:         b,
		logger:      logger.With("component", "proxy"),
		newAdapter:  newAdapter,
		clients:     make(map[*Client]bool),
		clientSubs:  make(map[*Client]map[types.SubKey]bool),
		refs:        make(map[types.SubKey]int),
		acks:        make(map[types.SubKey]feed.SubscribeAck),
		adapters:    make(map[string]*feed.Adapter),
		adapterRefs: make(map[string]int),
	}
}

// Run consumes the bus and fans ticks out until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	sub := h.bus.Subscribe("", busBuffer)
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-sub.C():
			h.fanOut(msg)
		}
	}
}

// fanOut delivers one tick to every client holding the matching key. The
// target set is snapshotted under the read lock; enqueueing happens outside
// it so one slow client cannot stall the others.
func (h *Hub) fanOut(msg bus.Message) {
	key := types.SubKey{
		UserID:   msg.UserID,
		Symbol:   msg.Tick.Symbol,
		Exchange: msg.Tick.Exchange,
		Mode:     msg.Tick.Mode,
	}

	h.mu.RLock()
	var targets []*Client
	for c, keys := range h.clientSubs {
		if keys[key] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	tick := msg.Tick
	out := ServerMessage{
		Type:     TypeMarketData,
		Broker:   msg.Broker,
		Symbol:   tick.Symbol,
		Exchange: tick.Exchange,
		Mode:     int(tick.Mode),
		Data:     &tick,
	}
	for _, c := range targets {
		c.deliver(out)
	}
}

// Attach registers a freshly upgraded connection.
func (h *Hub) Attach(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.clientSubs[c] = make(map[types.SubKey]bool)
	h.mu.Unlock()
	metrics.ActiveClients.Inc()
}

// Authenticate verifies the API key and binds the client to its user's
// feed adapter, creating the adapter on the user's first connection.
func (h *Hub) Authenticate(ctx context.Context, c *Client, apiKey string) (broker.Identity, error) {
	ident, err := h.auth.Verify(ctx, apiKey)
	if err != nil {
		return broker.Identity{}, err
	}

	h.mu.Lock()
	if _, ok := h.adapters[ident.UserID]; ok {
		h.adapterRefs[ident.UserID]++
		h.mu.Unlock()
		return ident, nil
	}
	h.mu.Unlock()

	client, err := h.factory(ident.UserID, ident.BrokerName)
	if err != nil {
		return broker.Identity{}, broker.WrapError(types.CodeBrokerError, err)
	}
	adapter := h.newAdapter(ident.UserID, ident.BrokerName, client)

	h.mu.Lock()
	if _, ok := h.adapters[ident.UserID]; ok {
		// Raced with another first connection of the same user; ours loses.
		h.adapterRefs[ident.UserID]++
		h.mu.Unlock()
		adapter.Disconnect()
		return ident, nil
	}
	h.adapters[ident.UserID] = adapter
	h.adapterRefs[ident.UserID] = 1
	h.mu.Unlock()

	h.logger.Info("adapter created", "user", ident.UserID, "broker", ident.BrokerName)
	return ident, nil
}

// Subscribe processes one batch request; each instrument succeeds or fails
// independently and gets its own result entry.
func (h *Hub) Subscribe(ctx context.Context, c *Client, instruments []types.Instrument, mode types.Mode, depth int) []types.SubscribeResult {
	results := make([]types.SubscribeResult, 0, len(instruments))
	for _, in := range instruments {
		results = append(results, h.subscribeOne(ctx, c, in, mode, depth))
	}
	return results
}

func (h *Hub) subscribeOne(ctx context.Context, c *Client, in types.Instrument, mode types.Mode, depth int) types.SubscribeResult {
	fail := func(err error) types.SubscribeResult {
		return types.SubscribeResult{
			Symbol: in.Symbol, Exchange: in.Exchange,
			Status: "error", Code: broker.CodeOf(err), Message: err.Error(),
		}
	}

	// Canonicalize through the master table before anything is keyed: the
	// resolver is case-insensitive, but fan-out matches ticks by the
	// contract's casing, so "sbin" and "SBIN" must share one key.
	contract, err := h.resolver.Resolve(in.Symbol, in.Exchange)
	if err != nil {
		return fail(err)
	}
	key := types.SubKey{UserID: c.userID, Symbol: contract.Symbol, Exchange: contract.Exchange, Mode: mode}

	h.mu.Lock()
	if h.clientSubs[c] == nil {
		h.mu.Unlock()
		return fail(broker.NewError(types.CodeNotConnected, "client detached"))
	}
	if h.clientSubs[c][key] {
		// Same client, same key: no state change, warn.
		ack := h.acks[key]
		h.mu.Unlock()
		r := okResult(key, ack)
		r.Status = "warning"
		r.Message = "already subscribed"
		return r
	}
	if n := h.refs[key]; n > 0 {
		h.refs[key] = n + 1
		h.clientSubs[c][key] = true
		ack := h.acks[key]
		h.mu.Unlock()
		return okResult(key, ack)
	}
	// First subscriber: pre-register so concurrent requests coalesce, then
	// do the broker round trip unlocked.
	h.refs[key] = 1
	h.clientSubs[c][key] = true
	adapter := h.adapters[c.userID]
	h.mu.Unlock()

	if adapter == nil {
		h.rollback(c, key)
		return fail(broker.NewError(types.CodeNotConnected, "no broker session"))
	}

	ack, err := adapter.Subscribe(ctx, key.Symbol, key.Exchange, mode, depth)
	if err != nil {
		h.rollback(c, key)
		return fail(err)
	}

	h.mu.Lock()
	h.acks[key] = ack
	h.mu.Unlock()
	metrics.ActiveSubscriptions.Inc()
	return okResult(key, ack)
}

func okResult(key types.SubKey, ack feed.SubscribeAck) types.SubscribeResult {
	return types.SubscribeResult{
		Symbol: key.Symbol, Exchange: key.Exchange,
		Status:          "success",
		ActualDepth:     ack.ActualDepth,
		BrokerSupported: ack.BrokerSupported,
	}
}

// rollback undoes a pre-registered first subscription after a failed broker
// call.
func (h *Hub) rollback(c *Client, key types.SubKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs := h.clientSubs[c]; subs != nil {
		delete(subs, key)
	}
	if h.refs[key] <= 1 {
		delete(h.refs, key)
		delete(h.acks, key)
	} else {
		h.refs[key]--
	}
}

// Unsubscribe releases the client's hold on each instrument; the broker
// unsubscribe goes out only when the last holder releases.
func (h *Hub) Unsubscribe(ctx context.Context, c *Client, instruments []types.Instrument, mode types.Mode) []types.SubscribeResult {
	results := make([]types.SubscribeResult, 0, len(instruments))
	for _, in := range instruments {
		results = append(results, h.unsubscribeOne(ctx, c, in, mode))
	}
	return results
}

func (h *Hub) unsubscribeOne(ctx context.Context, c *Client, in types.Instrument, mode types.Mode) types.SubscribeResult {
	// Same canonicalization as subscribe, so any casing releases the key it
	// acquired. A contract dropped from the master table mid-session falls
	// back to the raw spelling, which then reports NOT_SUBSCRIBED.
	symbol, exchange := in.Symbol, in.Exchange
	if contract, err := h.resolver.Resolve(in.Symbol, in.Exchange); err == nil {
		symbol, exchange = contract.Symbol, contract.Exchange
	}
	key := types.SubKey{UserID: c.userID, Symbol: symbol, Exchange: exchange, Mode: mode}

	h.mu.Lock()
	if h.clientSubs[c] == nil || !h.clientSubs[c][key] {
		h.mu.Unlock()
		return types.SubscribeResult{
			Symbol: in.Symbol, Exchange: in.Exchange,
			Status: "error", Code: types.CodeNotSubscribed,
			Message: fmt.Sprintf("not subscribed to %s %s mode %d", in.Exchange, in.Symbol, int(mode)),
		}
	}
	delete(h.clientSubs[c], key)
	h.refs[key]--
	last := h.refs[key] <= 0
	if last {
		delete(h.refs, key)
		delete(h.acks, key)
	}
	adapter := h.adapters[c.userID]
	h.mu.Unlock()
	if last {
		metrics.ActiveSubscriptions.Dec()
	}

	if last && adapter != nil {
		// Best effort: the shared state is already consistent, a broker-side
		// failure only leaves a stale stream the broker will drop.
		if err := adapter.Unsubscribe(ctx, key.Symbol, key.Exchange, mode); err != nil {
			h.logger.Warn("broker unsubscribe failed",
				"user", c.userID, "symbol", key.Symbol, "error", err)
		}
	}

	return types.SubscribeResult{Symbol: key.Symbol, Exchange: key.Exchange, Status: "success"}
}

// UnsubscribeAll releases everything the client holds.
func (h *Hub) UnsubscribeAll(ctx context.Context, c *Client) int {
	h.mu.RLock()
	keys := make([]types.Instrument, 0, len(h.clientSubs[c]))
	modes := make([]types.Mode, 0, len(h.clientSubs[c]))
	for key := range h.clientSubs[c] {
		keys = append(keys, types.Instrument{Symbol: key.Symbol, Exchange: key.Exchange})
		modes = append(modes, key.Mode)
	}
	h.mu.RUnlock()

	for i := range keys {
		h.unsubscribeOne(ctx, c, keys[i], modes[i])
	}
	return len(keys)
}

// Detach removes a disconnected client, releasing its subscriptions and,
// when it was the user's last connection, its feed adapter. Brokers flagged
// RetainSessionOnEmpty keep their session and only drop subscriptions.
func (h *Hub) Detach(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)

	held := h.clientSubs[c]
	delete(h.clientSubs, c)

	type release struct {
		key types.SubKey
	}
	var lastKeys []release
	for key := range held {
		h.refs[key]--
		if h.refs[key] <= 0 {
			delete(h.refs, key)
			delete(h.acks, key)
			lastKeys = append(lastKeys, release{key})
		}
	}

	var adapter *feed.Adapter
	adapterGone := false
	if c.userID != "" {
		h.adapterRefs[c.userID]--
		adapter = h.adapters[c.userID]
		if h.adapterRefs[c.userID] <= 0 {
			adapterGone = true
			delete(h.adapterRefs, c.userID)
			if adapter != nil && !adapter.RetainSessionOnEmpty() {
				delete(h.adapters, c.userID)
			}
		}
	}
	h.mu.Unlock()

	metrics.ActiveClients.Dec()
	for range lastKeys {
		metrics.ActiveSubscriptions.Dec()
	}

	ctx := context.Background()
	if adapter != nil && !adapterGone {
		// Other clients of this user remain; release only the keys this
		// client held last.
		for _, r := range lastKeys {
			if err := adapter.Unsubscribe(ctx, r.key.Symbol, r.key.Exchange, r.key.Mode); err != nil {
				h.logger.Warn("broker unsubscribe on detach failed",
					"user", c.userID, "symbol", r.key.Symbol, "error", err)
			}
		}
		return
	}
	if adapter != nil {
		if adapter.RetainSessionOnEmpty() {
			adapter.UnsubscribeAll(ctx)
			h.logger.Info("broker session retained with no clients", "user", c.userID)
		} else {
			adapter.Disconnect()
			h.logger.Info("adapter released", "user", c.userID)
		}
	}
}

// ClientCount reports attached connections (health endpoint).
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriptionCount reports distinct shared subscriptions.
func (h *Hub) SubscriptionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.refs)
}
