// wsclient.go is the generic broker integration: a gorilla/websocket feed
// connection plus a resty REST client, speaking the JSON bridge protocol the
// per-broker connector services expose. Broker-specific quirks (symbol caps,
// paise pricing, depth support) are declared as Capabilities in config, not
// coded here.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	"marketgate/pkg/types"
)

const (
	feedPingInterval = 50 * time.Second
	feedReadTimeout  = 90 * time.Second // ~2 missed pings triggers reconnect
	feedWriteTimeout = 10 * time.Second
	tickBufferSize   = 256
)

// WSClient is one user's session with a broker bridge.
type WSClient struct {
	name    string
	feedURL string
	apiKey  string
	caps    Capabilities
	http    *resty.Client
	logger  *slog.Logger
}

// NewWSClient builds a broker client from bridge endpoints and declared
// capabilities.
func NewWSClient(name, feedURL, apiURL, apiKey string, caps Capabilities, logger *slog.Logger) *WSClient {
	httpClient := resty.New().
		SetBaseURL(apiURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Authorization", "Bearer "+apiKey)

	return &WSClient{
		name:    name,
		feedURL: feedURL,
		apiKey:  apiKey,
		caps:    caps,
		http:    httpClient,
		logger:  logger.With("component", "broker", "broker", name),
	}
}

// Capabilities returns the configured limits for this broker.
func (c *WSClient) Capabilities() Capabilities { return c.caps }

// Dial opens one feed connection to the bridge.
func (c *WSClient) Dial(ctx context.Context) (Conn, error) {
	header := http.Header{"Authorization": {"Bearer " + c.apiKey}}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.feedURL, header)
	if err != nil {
		return nil, fmt.Errorf("dial feed %s: %w", c.feedURL, err)
	}

	conn := &wsConn{
		ws:     ws,
		ticks:  make(chan types.Tick, tickBufferSize),
		done:   make(chan struct{}),
		logger: c.logger,
	}
	go conn.readLoop()
	go conn.pingLoop()
	return conn, nil
}

// Quote fetches a point-in-time snapshot for trigger evaluation.
func (c *WSClient) Quote(ctx context.Context, symbol, exchange string) (types.Quote, error) {
	var quote types.Quote
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"symbol": symbol, "exchange": exchange}).
		SetResult(&quote).
		Get("/quotes")
	if err != nil {
		return types.Quote{}, WrapError(types.CodeBrokerError, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return types.Quote{}, NewError(types.CodeSymbolNotFound, symbol)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.Quote{}, NewError(types.CodeBrokerError,
			fmt.Sprintf("quote %s: status %d", symbol, resp.StatusCode()))
	}
	return quote, nil
}

// PlaceOrder forwards a live order to the broker bridge.
func (c *WSClient) PlaceOrder(ctx context.Context, symbol, exchange string, action types.Action, qty int64, price float64) (string, error) {
	var result struct {
		OrderID string `json:"order_id"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"symbol": symbol, "exchange": exchange,
			"action": action, "quantity": qty, "price": price,
		}).
		SetResult(&result).
		Post("/orders")
	if err != nil {
		return "", WrapError(types.CodeBrokerError, err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return "", NewError(types.CodeBrokerError, fmt.Sprintf("place order: status %d", resp.StatusCode()))
	}
	return result.OrderID, nil
}

// ModifyOrder updates a live order on the broker bridge.
func (c *WSClient) ModifyOrder(ctx context.Context, orderID string, qty int64, price float64) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"quantity": qty, "price": price}).
		Put("/orders/" + orderID)
	if err != nil {
		return WrapError(types.CodeBrokerError, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return NewError(types.CodeOrderNotFound, orderID)
	}
	if resp.StatusCode() != http.StatusOK {
		return NewError(types.CodeBrokerError, fmt.Sprintf("modify order: status %d", resp.StatusCode()))
	}
	return nil
}

// CancelOrder cancels a live order on the broker bridge.
func (c *WSClient) CancelOrder(ctx context.Context, orderID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Delete("/orders/" + orderID)
	if err != nil {
		return WrapError(types.CodeBrokerError, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return NewError(types.CodeOrderNotFound, orderID)
	}
	if resp.StatusCode() != http.StatusOK {
		return NewError(types.CodeBrokerError, fmt.Sprintf("cancel order: status %d", resp.StatusCode()))
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Feed connection
// ————————————————————————————————————————————————————————————————————————

// feedControl is the outbound control frame on the feed socket.
type feedControl struct {
	Action   string `json:"action"`
	Token    string `json:"token"`
	Exchange string `json:"exchange"`
	Mode     int    `json:"mode"`
	Depth    int    `json:"depth,omitempty"`
}

// wsConn is one physical feed connection. The bridge streams frames already
// shaped like types.Tick; unit conversion and depth truncation stay with the
// adapter.
type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	ticks chan types.Tick
	done  chan struct{}
	once  sync.Once

	logger *slog.Logger
}

func (c *wsConn) Subscribe(ctx context.Context, token, exchange string, mode types.Mode, depth int) error {
	return c.writeControl(ctx, feedControl{
		Action: "subscribe", Token: token, Exchange: exchange, Mode: int(mode), Depth: depth,
	})
}

func (c *wsConn) Unsubscribe(ctx context.Context, token, exchange string, mode types.Mode) error {
	return c.writeControl(ctx, feedControl{
		Action: "unsubscribe", Token: token, Exchange: exchange, Mode: int(mode),
	})
}

func (c *wsConn) writeControl(ctx context.Context, msg feedControl) error {
	deadline := time.Now().Add(feedWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteJSON(msg); err != nil {
		return WrapError(types.CodeNotConnected, err)
	}
	return nil
}

func (c *wsConn) Ticks() <-chan types.Tick { return c.ticks }

func (c *wsConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return c.ws.Close()
}

// readLoop decodes tick frames until the connection dies, then closes the
// tick channel so the adapter reconnects.
func (c *wsConn) readLoop() {
	defer close(c.ticks)

	c.ws.SetReadDeadline(time.Now().Add(feedReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(feedReadTimeout))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn("feed read failed", "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(feedReadTimeout))

		var tick types.Tick
		if err := json.Unmarshal(raw, &tick); err != nil {
			c.logger.Warn("undecodable feed frame", "error", err)
			continue
		}
		if tick.Symbol == "" {
			// Bridge heartbeat or ack frame.
			continue
		}

		select {
		case c.ticks <- tick:
		default:
			// Reader stalled; shed the frame rather than block the socket.
		}
	}
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(feedPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
