package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketgate/internal/broker"
	"marketgate/internal/metrics"
	"marketgate/pkg/types"
)

const (
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 64 * 1024
)

// Client is one WebSocket connection. Outbound traffic goes through a
// bounded coalescing queue: LTP and QUOTE ticks are latest-wins per
// (symbol, exchange, mode), so a slow reader sees fresh prices instead of a
// backlog; DEPTH frames and control responses are never coalesced — when
// the queue is full they are dropped and counted.
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	queue *sendQueue

	writeTimeout time.Duration
	logger       *slog.Logger

	mu         sync.Mutex
	userID     string
	brokerName string
	authed     bool
}

func newClient(hub *Hub, conn *websocket.Conn, queueSize int, writeTimeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		hub:          hub,
		conn:         conn,
		queue:        newSendQueue(queueSize),
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// deliver enqueues a frame for the write pump. Never blocks.
func (c *Client) deliver(msg ServerMessage) {
	c.queue.push(msg)
}

func (c *Client) identity() (userID string, authed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID, c.authed
}

// run drives both pumps and tears the client down when either exits.
func (c *Client) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(ctx)
		cancel()
	}()

	c.readPump(ctx)
	cancel()
	c.queue.close()
	c.conn.Close()
	wg.Wait()
	c.hub.Detach(c)
}

// readPump parses and dispatches inbound frames until the connection drops.
// A panic in message handling closes only this client.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("client handler panic", "panic", r)
		}
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("client read error", "error", err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.deliver(errorMessage(types.CodeInvalidJSON, "malformed message"))
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *Client) handle(ctx context.Context, msg ClientMessage) {
	if msg.Action == ActionAuthenticate {
		c.handleAuthenticate(ctx, msg)
		return
	}

	if _, authed := c.identity(); !authed {
		c.deliver(errorMessage(types.CodeNotAuthenticated, "authenticate first"))
		return
	}

	switch msg.Action {
	case ActionSubscribe:
		if len(msg.Symbols) == 0 {
			c.deliver(errorMessage(types.CodeInvalidParameters, "symbols required"))
			return
		}
		results := c.hub.Subscribe(ctx, c, msg.Symbols, msg.Mode, msg.Depth)
		c.deliver(ServerMessage{Type: TypeSubscribe, Status: batchStatus(results), Results: results})

	case ActionUnsubscribe:
		if len(msg.Symbols) == 0 {
			c.deliver(errorMessage(types.CodeInvalidParameters, "symbols required"))
			return
		}
		results := c.hub.Unsubscribe(ctx, c, msg.Symbols, msg.Mode)
		c.deliver(ServerMessage{Type: TypeUnsubscribe, Status: batchStatus(results), Results: results})

	case ActionUnsubscribeAll:
		n := c.hub.UnsubscribeAll(ctx, c)
		c.deliver(ServerMessage{
			Type: TypeUnsubscribe, Status: "success",
			Message: fmt.Sprintf("released %d subscriptions", n),
		})

	default:
		c.deliver(errorMessage(types.CodeInvalidAction, fmt.Sprintf("unknown action %q", msg.Action)))
	}
}

func (c *Client) handleAuthenticate(ctx context.Context, msg ClientMessage) {
	if _, authed := c.identity(); authed {
		c.deliver(errorMessage(types.CodeInvalidAction, "already authenticated"))
		return
	}
	if msg.APIKey == "" {
		c.deliver(errorMessage(types.CodeInvalidParameters, "api_key required"))
		return
	}

	ident, err := c.hub.Authenticate(ctx, c, msg.APIKey)
	if err != nil {
		c.deliver(errorMessage(broker.CodeOf(err), err.Error()))
		return
	}

	c.mu.Lock()
	c.userID = ident.UserID
	c.brokerName = ident.BrokerName
	c.authed = true
	c.mu.Unlock()

	c.deliver(ServerMessage{
		Type: TypeAuth, Status: "authenticated",
		UserID: ident.UserID, Broker: ident.BrokerName,
	})
}

// batchStatus summarizes per-symbol outcomes for the response envelope.
func batchStatus(results []types.SubscribeResult) string {
	ok, failed := 0, 0
	for _, r := range results {
		if r.Status == "error" {
			failed++
		} else {
			// "success" and "warning" both leave the request satisfied.
			ok++
		}
	}
	switch {
	case failed == 0:
		return "success"
	case ok == 0:
		return "error"
	default:
		return "partial"
	}
}

// writePump drains the queue onto the wire and keeps the connection alive
// with pings.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.queue.ready():
			for {
				msg, ok := c.queue.pop()
				if !ok {
					break
				}
				c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
				if err := c.conn.WriteJSON(msg); err != nil {
					return
				}
			}
			if c.queue.isClosed() {
				return
			}
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Send queue
// ————————————————————————————————————————————————————————————————————————

// sendQueue is the bounded outbound buffer. Control frames and DEPTH ticks
// keep FIFO order; LTP/QUOTE ticks coalesce per (symbol, exchange, mode).
type sendQueue struct {
	mu     sync.Mutex
	fifo   []ServerMessage
	latest map[string]ServerMessage
	order  []string
	max    int
	closed bool
	wake   chan struct{}
}

func newSendQueue(max int) *sendQueue {
	if max <= 0 {
		max = 256
	}
	return &sendQueue{
		latest: make(map[string]ServerMessage),
		max:    max,
		wake:   make(chan struct{}, 1),
	}
}

func coalesceKey(msg ServerMessage) (string, bool) {
	if msg.Type != TypeMarketData || msg.Mode == int(types.ModeDepth) {
		return "", false
	}
	return fmt.Sprintf("%s|%s|%d", msg.Exchange, msg.Symbol, msg.Mode), true
}

func (q *sendQueue) push(msg ServerMessage) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}

	if key, ok := coalesceKey(msg); ok {
		if _, seen := q.latest[key]; !seen {
			if len(q.order)+len(q.fifo) >= q.max {
				q.mu.Unlock()
				metrics.ClientDrops.Inc()
				return
			}
			q.order = append(q.order, key)
		}
		// Latest-wins for price ticks.
		q.latest[key] = msg
	} else {
		if len(q.order)+len(q.fifo) >= q.max {
			q.mu.Unlock()
			metrics.ClientDrops.Inc()
			return
		}
		q.fifo = append(q.fifo, msg)
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop returns the next frame: control/DEPTH frames first, then coalesced
// price ticks in arrival order of their key.
func (q *sendQueue) pop() (ServerMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.fifo) > 0 {
		msg := q.fifo[0]
		q.fifo = q.fifo[1:]
		return msg, true
	}
	if len(q.order) > 0 {
		key := q.order[0]
		q.order = q.order[1:]
		msg := q.latest[key]
		delete(q.latest, key)
		return msg, true
	}
	return ServerMessage{}, false
}

func (q *sendQueue) ready() <-chan struct{} { return q.wake }

func (q *sendQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *sendQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifo) + len(q.order)
}
