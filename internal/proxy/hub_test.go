package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"marketgate/internal/broker"
	"marketgate/internal/bus"
	"marketgate/internal/feed"
	"marketgate/internal/symbols"
	"marketgate/pkg/types"
)

type fakeAuth struct {
	ident broker.Identity
	err   error
}

func (f *fakeAuth) Verify(ctx context.Context, apiKey string) (broker.Identity, error) {
	if f.err != nil {
		return broker.Identity{}, f.err
	}
	return f.ident, nil
}

type fakeConn struct {
	mu        sync.Mutex
	subs      []string
	unsubs    []string
	closed    bool
	closeOnce sync.Once
	ticks     chan types.Tick
}

func newFakeConn() *fakeConn {
	return &fakeConn{ticks: make(chan types.Tick, 16)}
}

func (c *fakeConn) Subscribe(ctx context.Context, token, exchange string, mode types.Mode, depth int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fmt.Sprintf("%s|%d", token, int(mode)))
	return nil
}

func (c *fakeConn) Unsubscribe(ctx context.Context, token, exchange string, mode types.Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubs = append(c.unsubs, fmt.Sprintf("%s|%d", token, int(mode)))
	return nil
}

func (c *fakeConn) Ticks() <-chan types.Tick { return c.ticks }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.ticks)
	})
	return nil
}

func (c *fakeConn) subscribeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *fakeConn) unsubscribeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.unsubs)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeBrokerClient struct {
	caps broker.Capabilities
	conn *fakeConn
}

func (f *fakeBrokerClient) Capabilities() broker.Capabilities { return f.caps }

func (f *fakeBrokerClient) Dial(ctx context.Context) (broker.Conn, error) { return f.conn, nil }

func (f *fakeBrokerClient) Quote(ctx context.Context, symbol, exchange string) (types.Quote, error) {
	return types.Quote{LTP: 100}, nil
}

func (f *fakeBrokerClient) PlaceOrder(ctx context.Context, symbol, exchange string, action types.Action, qty int64, price float64) (string, error) {
	return "", nil
}
func (f *fakeBrokerClient) ModifyOrder(ctx context.Context, orderID string, qty int64, price float64) error {
	return nil
}
func (f *fakeBrokerClient) CancelOrder(ctx context.Context, orderID string) error { return nil }

type hubEnv struct {
	hub  *Hub
	bus  *bus.Bus
	conn *fakeConn
}

func newHubEnv(t *testing.T, caps broker.Capabilities) *hubEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	resolver := symbols.NewResolver("http://127.0.0.1:0", time.Hour, logger)
	resolver.Put(symbols.Contract{Symbol: "RELIANCE", Exchange: "NSE", BrokerToken: "2885", BrokerExchange: "NSE", Instrument: "EQ", LotSize: 1})
	resolver.Put(symbols.Contract{Symbol: "TCS", Exchange: "NSE", BrokerToken: "11536", BrokerExchange: "NSE", Instrument: "EQ", LotSize: 1})

	if caps.SupportedDepths == nil {
		caps.SupportedDepths = []int{5, 20}
	}
	if caps.PoolSize == 0 {
		caps.PoolSize = 1
	}

	b := bus.New()
	conn := newFakeConn()
	bclient := &fakeBrokerClient{caps: caps, conn: conn}
	factory := func(userID, brokerName string) (broker.Client, error) { return bclient, nil }
	auth := &fakeAuth{ident: broker.Identity{UserID: "alice", BrokerName: "zerodha"}}

	newAdapter := func(userID, brokerName string, client broker.Client) *feed.Adapter {
		return feed.NewAdapter(userID, brokerName, client, resolver, b, time.Second, logger)
	}

	return &hubEnv{
		hub:  NewHub(auth, factory, resolver, b, newAdapter, logger),
		bus:  b,
		conn: conn,
	}
}

// attachClient attaches and authenticates one connection for alice.
func (e *hubEnv) attachClient(t *testing.T) *Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := newClient(e.hub, nil, 64, time.Second, logger)
	e.hub.Attach(c)

	ident, err := e.hub.Authenticate(context.Background(), c, "key")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	c.mu.Lock()
	c.userID = ident.UserID
	c.brokerName = ident.BrokerName
	c.authed = true
	c.mu.Unlock()
	return c
}

func instruments(symbols ...string) []types.Instrument {
	out := make([]types.Instrument, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, types.Instrument{Symbol: s, Exchange: "NSE"})
	}
	return out
}

func TestSharedSubscriptionReachesBrokerOnce(t *testing.T) {
	t.Parallel()
	env := newHubEnv(t, broker.Capabilities{})
	ctx := context.Background()

	c1 := env.attachClient(t)
	c2 := env.attachClient(t)

	r1 := env.hub.Subscribe(ctx, c1, instruments("RELIANCE"), types.ModeLTP, 0)
	if r1[0].Status != "success" {
		t.Fatalf("first subscribe: %+v", r1[0])
	}
	r2 := env.hub.Subscribe(ctx, c2, instruments("RELIANCE"), types.ModeLTP, 0)
	if r2[0].Status != "success" {
		t.Fatalf("second subscribe: %+v", r2[0])
	}

	if got := env.conn.subscribeCount(); got != 1 {
		t.Errorf("broker subscribes = %d, want 1 (shared)", got)
	}
	if got := env.hub.SubscriptionCount(); got != 1 {
		t.Errorf("distinct subscriptions = %d, want 1", got)
	}

	// First release: the stream stays up for the second holder.
	env.hub.Unsubscribe(ctx, c1, instruments("RELIANCE"), types.ModeLTP)
	if got := env.conn.unsubscribeCount(); got != 0 {
		t.Errorf("broker unsubscribes after first release = %d, want 0", got)
	}

	// Last release tears it down.
	env.hub.Unsubscribe(ctx, c2, instruments("RELIANCE"), types.ModeLTP)
	if got := env.conn.unsubscribeCount(); got != 1 {
		t.Errorf("broker unsubscribes after last release = %d, want 1", got)
	}
	if got := env.hub.SubscriptionCount(); got != 0 {
		t.Errorf("distinct subscriptions = %d, want 0", got)
	}
}

func TestSubscribeRollsBackOnUnknownSymbol(t *testing.T) {
	t.Parallel()
	env := newHubEnv(t, broker.Capabilities{})
	ctx := context.Background()

	c := env.attachClient(t)
	results := env.hub.Subscribe(ctx, c, instruments("UNLISTED"), types.ModeLTP, 0)
	if results[0].Status != "error" || results[0].Code != types.CodeSymbolNotFound {
		t.Fatalf("result = %+v, want SYMBOL_NOT_FOUND error", results[0])
	}

	if got := env.hub.SubscriptionCount(); got != 0 {
		t.Errorf("failed subscribe left %d registrations", got)
	}

	// The key is free for a later valid attempt by the same client.
	results = env.hub.Subscribe(ctx, c, instruments("RELIANCE"), types.ModeLTP, 0)
	if results[0].Status != "success" {
		t.Errorf("subsequent subscribe: %+v", results[0])
	}
}

func TestBatchSubscribeIsPerSymbol(t *testing.T) {
	t.Parallel()
	env := newHubEnv(t, broker.Capabilities{})
	ctx := context.Background()

	c := env.attachClient(t)
	results := env.hub.Subscribe(ctx, c,
		append(instruments("RELIANCE", "TCS"), types.Instrument{Symbol: "UNLISTED", Exchange: "NSE"}),
		types.ModeQuote, 0)

	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	if results[0].Status != "success" || results[1].Status != "success" {
		t.Errorf("known symbols failed: %+v %+v", results[0], results[1])
	}
	if results[2].Status != "error" {
		t.Errorf("unknown symbol succeeded: %+v", results[2])
	}
	if batchStatus(results) != "partial" {
		t.Errorf("batch status = %s, want partial", batchStatus(results))
	}
}

func TestDepthNegotiationFlagsCappedLevel(t *testing.T) {
	t.Parallel()
	env := newHubEnv(t, broker.Capabilities{SupportedDepths: []int{5, 20}})
	ctx := context.Background()

	c := env.attachClient(t)
	results := env.hub.Subscribe(ctx, c, instruments("RELIANCE"), types.ModeDepth, 50)
	if results[0].Status != "success" {
		t.Fatalf("subscribe: %+v", results[0])
	}
	if results[0].ActualDepth != 20 || results[0].BrokerSupported {
		t.Errorf("depth ack = %d supported=%v, want 20/false",
			results[0].ActualDepth, results[0].BrokerSupported)
	}
}

func TestFanOutDeliversOnlyToSubscribedClients(t *testing.T) {
	t.Parallel()
	env := newHubEnv(t, broker.Capabilities{})
	ctx := context.Background()

	subscribed := env.attachClient(t)
	bystander := env.attachClient(t)
	env.hub.Subscribe(ctx, subscribed, instruments("RELIANCE"), types.ModeLTP, 0)

	env.hub.fanOut(bus.Message{
		Topic:  "NSE|RELIANCE|1",
		UserID: "alice",
		Broker: "zerodha",
		Tick:   types.Tick{Symbol: "RELIANCE", Exchange: "NSE", Mode: types.ModeLTP, LTP: 2500},
	})

	msg, ok := subscribed.queue.pop()
	if !ok {
		t.Fatal("subscribed client got nothing")
	}
	if msg.Type != TypeMarketData || msg.Broker != "zerodha" || msg.Data == nil || msg.Data.LTP != 2500 {
		t.Errorf("delivered = %+v", msg)
	}

	if _, ok := bystander.queue.pop(); ok {
		t.Error("bystander received a tick it never subscribed to")
	}
}

func TestDetachReleasesSubscriptionsAndAdapter(t *testing.T) {
	t.Parallel()
	env := newHubEnv(t, broker.Capabilities{})
	ctx := context.Background()

	c1 := env.attachClient(t)
	c2 := env.attachClient(t)
	env.hub.Subscribe(ctx, c1, instruments("RELIANCE"), types.ModeLTP, 0)
	env.hub.Subscribe(ctx, c2, instruments("RELIANCE"), types.ModeLTP, 0)

	// First detach: the shared key survives for c2, adapter stays.
	env.hub.Detach(c1)
	if got := env.hub.SubscriptionCount(); got != 1 {
		t.Errorf("subscriptions after first detach = %d, want 1", got)
	}
	if env.conn.isClosed() {
		t.Error("adapter torn down while a client remained")
	}

	// Last detach: everything goes.
	env.hub.Detach(c2)
	if got := env.hub.SubscriptionCount(); got != 0 {
		t.Errorf("subscriptions after last detach = %d, want 0", got)
	}
	if !env.conn.isClosed() {
		t.Error("adapter connection not closed after last client left")
	}
}

func TestDetachRetainsSessionWhenBrokerRequiresIt(t *testing.T) {
	t.Parallel()
	env := newHubEnv(t, broker.Capabilities{RetainSessionOnEmpty: true})
	ctx := context.Background()

	c := env.attachClient(t)
	env.hub.Subscribe(ctx, c, instruments("RELIANCE", "TCS"), types.ModeQuote, 0)

	env.hub.Detach(c)

	// Session kept: subscriptions dropped broker-side, connection alive.
	if env.conn.isClosed() {
		t.Error("retain-session broker got disconnected")
	}
	if got := env.conn.unsubscribeCount(); got != 2 {
		t.Errorf("broker unsubscribes = %d, want 2", got)
	}
}

func TestResubscribeSameKeyWarnsWithoutStateChange(t *testing.T) {
	t.Parallel()
	env := newHubEnv(t, broker.Capabilities{})
	ctx := context.Background()

	c := env.attachClient(t)
	env.hub.Subscribe(ctx, c, instruments("RELIANCE"), types.ModeLTP, 0)
	results := env.hub.Subscribe(ctx, c, instruments("RELIANCE"), types.ModeLTP, 0)
	if results[0].Status != "warning" || results[0].Message != "already subscribed" {
		t.Fatalf("resubscribe = %+v, want already-subscribed warning", results[0])
	}
	if batchStatus(results) != "success" {
		t.Errorf("batch status = %s, want success (warning is not a failure)", batchStatus(results))
	}

	// Ref count did not grow: one release fully tears down.
	env.hub.Unsubscribe(ctx, c, instruments("RELIANCE"), types.ModeLTP)
	if got := env.hub.SubscriptionCount(); got != 0 {
		t.Errorf("subscriptions = %d, want 0 after single release", got)
	}
}

func TestSubscribeCanonicalizesCasing(t *testing.T) {
	t.Parallel()
	env := newHubEnv(t, broker.Capabilities{})
	ctx := context.Background()

	c := env.attachClient(t)
	results := env.hub.Subscribe(ctx, c, []types.Instrument{{Symbol: "reliance", Exchange: "nse"}}, types.ModeLTP, 0)
	if results[0].Status != "success" || results[0].Symbol != "RELIANCE" || results[0].Exchange != "NSE" {
		t.Fatalf("lowercase subscribe = %+v, want canonical RELIANCE/NSE success", results[0])
	}

	// The uppercase spelling is the same key: warned, not double-subscribed.
	results = env.hub.Subscribe(ctx, c, instruments("RELIANCE"), types.ModeLTP, 0)
	if results[0].Status != "warning" {
		t.Errorf("uppercase respell = %+v, want warning", results[0])
	}
	if got := env.conn.subscribeCount(); got != 1 {
		t.Errorf("broker subscribes = %d, want 1 across casings", got)
	}

	// Ticks carry the contract's casing and must reach the client.
	env.hub.fanOut(bus.Message{
		Topic:  "NSE|RELIANCE|1",
		UserID: "alice",
		Broker: "zerodha",
		Tick:   types.Tick{Symbol: "RELIANCE", Exchange: "NSE", Mode: types.ModeLTP, LTP: 2500},
	})
	if msg, ok := c.queue.pop(); !ok || msg.Data == nil || msg.Data.LTP != 2500 {
		t.Fatalf("tick did not reach lowercase subscriber: %+v", msg)
	}

	// Any casing releases the key.
	results = env.hub.Unsubscribe(ctx, c, []types.Instrument{{Symbol: "Reliance", Exchange: "Nse"}}, types.ModeLTP)
	if results[0].Status != "success" {
		t.Errorf("mixed-case unsubscribe = %+v, want success", results[0])
	}
	if got := env.hub.SubscriptionCount(); got != 0 {
		t.Errorf("subscriptions = %d, want 0", got)
	}
}

func TestUnsubscribeUnknownKeyReportsNotSubscribed(t *testing.T) {
	t.Parallel()
	env := newHubEnv(t, broker.Capabilities{})
	ctx := context.Background()

	c := env.attachClient(t)
	results := env.hub.Unsubscribe(ctx, c, instruments("RELIANCE"), types.ModeLTP)
	if results[0].Status != "error" || results[0].Code != types.CodeNotSubscribed {
		t.Errorf("result = %+v, want NOT_SUBSCRIBED", results[0])
	}
}

func TestSendQueueCoalescesPriceTicks(t *testing.T) {
	t.Parallel()
	q := newSendQueue(8)

	for i := 0; i < 5; i++ {
		q.push(ServerMessage{
			Type: TypeMarketData, Symbol: "RELIANCE", Exchange: "NSE", Mode: int(types.ModeLTP),
			Data: &types.Tick{LTP: float64(2500 + i)},
		})
	}

	msg, ok := q.pop()
	if !ok {
		t.Fatal("queue empty")
	}
	if msg.Data.LTP != 2504 {
		t.Errorf("coalesced LTP = %v, want latest 2504", msg.Data.LTP)
	}
	if _, ok := q.pop(); ok {
		t.Error("stale coalesced ticks left in queue")
	}
}

func TestSendQueueKeepsControlOrderAndBounds(t *testing.T) {
	t.Parallel()
	q := newSendQueue(2)

	q.push(ServerMessage{Type: TypeAuth, Status: "authenticated"})
	q.push(ServerMessage{Type: TypeSubscribe, Status: "success"})
	// Full: a DEPTH tick is dropped, never coalesced.
	q.push(ServerMessage{Type: TypeMarketData, Symbol: "RELIANCE", Exchange: "NSE", Mode: int(types.ModeDepth)})

	first, _ := q.pop()
	second, _ := q.pop()
	if first.Type != TypeAuth || second.Type != TypeSubscribe {
		t.Errorf("order = %s, %s; want auth, subscribe", first.Type, second.Type)
	}
	if _, ok := q.pop(); ok {
		t.Error("overflow frame was kept")
	}
}
