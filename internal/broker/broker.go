// Package broker defines the ports the gateway core consumes: the narrow
// BrokerClient interface every broker integration implements, the capability
// flags that drive normalization and connection pooling, and the typed error
// carrying the stable broker code set.
//
// The gateway never imports a concrete broker package; adapters and the
// execution engine work exclusively against these interfaces, so brokers are
// pluggable and tests run against fakes.
package broker

import (
	"context"
	"errors"
	"fmt"

	"marketgate/pkg/types"
)

// Capabilities describes broker-specific limits and quirks the feed adapter
// must honor.
type Capabilities struct {
	// MaxSymbolsPerConn caps subscriptions on one physical connection.
	// Zero means unlimited.
	MaxSymbolsPerConn int

	// PoolSize is how many physical connections the adapter may open.
	// Total subscription capacity = MaxSymbolsPerConn × PoolSize.
	PoolSize int

	// RetainSessionOnEmpty keeps the broker session alive when the last
	// client disconnects; the adapter calls UnsubscribeAll instead of
	// Disconnect. Needed for brokers whose symbol caps are per-session.
	RetainSessionOnEmpty bool

	// SupportedDepths is the set of order-book levels the broker can serve.
	SupportedDepths []int

	// PriceInPaise is true for feeds that report prices in paise; the
	// adapter divides every numeric price field (including depth levels)
	// by UnitConversionFactor before publishing.
	PriceInPaise         bool
	UnitConversionFactor float64
}

// MaxDepth returns the largest supported depth level, or 5 if none declared.
func (c Capabilities) MaxDepth() int {
	max := 0
	for _, d := range c.SupportedDepths {
		if d > max {
			max = d
		}
	}
	if max == 0 {
		return 5
	}
	return max
}

// DepthCap returns the depth the broker will actually serve for a requested
// level: the requested level when supported, otherwise the smallest supported
// level above it, otherwise the largest supported level below it.
func (c Capabilities) DepthCap(requested int) int {
	above, below := 0, 0
	for _, d := range c.SupportedDepths {
		switch {
		case d == requested:
			return d
		case d > requested && (above == 0 || d < above):
			above = d
		case d < requested && d > below:
			below = d
		}
	}
	if above > 0 {
		return above
	}
	if below > 0 {
		return below
	}
	return c.MaxDepth()
}

// Conn is one physical broker feed connection. The adapter's pool owns up to
// Capabilities.PoolSize of these.
type Conn interface {
	// Subscribe registers a token for streaming in the given mode and depth.
	Subscribe(ctx context.Context, token string, exchange string, mode types.Mode, depth int) error
	Unsubscribe(ctx context.Context, token string, exchange string, mode types.Mode) error

	// Ticks delivers raw broker frames already decoded into normalized-shape
	// ticks, except for unit conversion and depth truncation which the
	// adapter applies. The channel closes when the connection dies.
	Ticks() <-chan types.Tick

	Close() error
}

// Client is the per-broker integration the gateway talks to. One Client
// exists per (user, broker) pair and is handed to the FeedAdapter and the
// execution engine's quote path.
type Client interface {
	// Capabilities returns the static limits and quirks for this broker.
	Capabilities() Capabilities

	// Dial opens one physical feed connection.
	Dial(ctx context.Context) (Conn, error)

	// Quote fetches a point-in-time price snapshot for trigger evaluation.
	Quote(ctx context.Context, symbol, exchange string) (types.Quote, error)

	// Real order management, unused by the simulated engine but part of the
	// port so live trading adapts to the same surface.
	PlaceOrder(ctx context.Context, symbol, exchange string, action types.Action, qty int64, price float64) (string, error)
	ModifyOrder(ctx context.Context, orderID string, qty int64, price float64) error
	CancelOrder(ctx context.Context, orderID string) error
}

// Identity is what the auth port resolves an API key to.
type Identity struct {
	UserID     string `json:"user_id"`
	BrokerName string `json:"broker_name"`
}

// AuthPort verifies client API keys against an external service.
type AuthPort interface {
	Verify(ctx context.Context, apiKey string) (Identity, error)
}

// ClientFactory builds a broker client for an authenticated user. The proxy
// calls it when the first WebSocket client of a user connects.
type ClientFactory func(userID, brokerName string) (Client, error)

// ————————————————————————————————————————————————————————————————————————
// Errors
// ————————————————————————————————————————————————————————————————————————

// Error is a broker-originated failure carrying a stable code from the
// types.Code* set. It wraps an optional underlying cause.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a broker error with the given stable code.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError attaches a stable code to an underlying error.
func WrapError(code string, err error) *Error {
	return &Error{Code: code, Message: err.Error(), Err: err}
}

// CodeOf extracts the stable code from err, or SERVER_ERROR when err is not
// a broker error.
func CodeOf(err error) string {
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return types.CodeServerError
}
