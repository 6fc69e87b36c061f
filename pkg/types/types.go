// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the gateway — normalized ticks,
// market depth, subscription keys, simulated order fields, and the stable
// error code set surfaced to WebSocket clients. It has no dependencies on
// internal packages, so it can be imported by any layer.
package types

import "fmt"

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Mode selects the market-data tier for a subscription.
type Mode int

const (
	ModeLTP   Mode = 1 // last traded price only
	ModeQuote Mode = 2 // OHLC, volume, bid/ask
	ModeDepth Mode = 4 // full order book
)

// Valid reports whether m is one of the three defined tiers.
func (m Mode) Valid() bool {
	return m == ModeLTP || m == ModeQuote || m == ModeDepth
}

func (m Mode) String() string {
	switch m {
	case ModeLTP:
		return "LTP"
	case ModeQuote:
		return "QUOTE"
	case ModeDepth:
		return "DEPTH"
	default:
		return fmt.Sprintf("MODE(%d)", int(m))
	}
}

// Action is the direction of an order: BUY or SELL.
type Action string

const (
	BUY  Action = "BUY"
	SELL Action = "SELL"
)

// Product identifies how a simulated position is carried.
type Product string

const (
	ProductMIS  Product = "MIS"  // intraday, force-closed at exchange square-off
	ProductNRML Product = "NRML" // carry-forward derivatives
	ProductCNC  Product = "CNC"  // delivery equity, settles to holdings at T+1
)

// PriceType enumerates the supported simulated order types.
type PriceType string

const (
	PriceTypeMarket PriceType = "MARKET"
	PriceTypeLimit  PriceType = "LIMIT"
	PriceTypeSL     PriceType = "SL"   // stop-loss limit: arms at trigger, then LIMIT
	PriceTypeSLM    PriceType = "SL-M" // stop-loss market: arms at trigger, then MARKET
)

// OrderStatus is the lifecycle state of a simulated order. An order is
// created open and transitions to exactly one terminal state.
type OrderStatus string

const (
	StatusOpen      OrderStatus = "open"
	StatusCompleted OrderStatus = "completed"
	StatusCancelled OrderStatus = "cancelled"
	StatusRejected  OrderStatus = "rejected"
)

// Terminal reports whether s is a terminal state. Rows in terminal states
// are immutable.
func (s OrderStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusRejected
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// DepthLevel is a single bid or ask level in the order book.
type DepthLevel struct {
	Price    float64 `json:"price"`
	Quantity int64   `json:"quantity"`
	Orders   int     `json:"orders"`
}

// Depth holds both sides of the order book, best price first.
type Depth struct {
	Buy  []DepthLevel `json:"buy"`
	Sell []DepthLevel `json:"sell"`
}

// Tick is the normalized market-data event published on the bus. Adapters
// convert every broker-specific frame into this shape before publishing;
// prices are always rupees (adapters with paise feeds divide by 100 first).
//
// Fields beyond LTP/Timestamp are populated according to Mode: QUOTE adds
// OHLC, volume, and bid/ask; DEPTH additionally carries the order book and
// the depth-capability flags.
type Tick struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
	Mode     Mode   `json:"mode"`

	LTP       float64 `json:"ltp"`
	Timestamp int64   `json:"timestamp"` // unix milliseconds, UTC

	Open   float64 `json:"open,omitempty"`
	High   float64 `json:"high,omitempty"`
	Low    float64 `json:"low,omitempty"`
	Close  float64 `json:"close,omitempty"`
	Volume int64   `json:"volume,omitempty"`
	Bid    float64 `json:"bid,omitempty"`
	Ask    float64 `json:"ask,omitempty"`

	Depth *Depth `json:"depth,omitempty"`

	// Depth capability negotiation: when a client requests more levels than
	// the broker supports, the adapter forwards the broker's cap and flags it.
	ActualDepth     int  `json:"actual_depth,omitempty"`
	BrokerSupported bool `json:"broker_supported,omitempty"`
}

// Topic returns the bus topic this tick is published on: EXCHANGE|SYMBOL|MODE.
func (t Tick) Topic() string {
	return fmt.Sprintf("%s|%s|%d", t.Exchange, t.Symbol, int(t.Mode))
}

// Quote is a point-in-time price snapshot fetched for trigger evaluation.
type Quote struct {
	LTP float64 `json:"ltp"`
	Bid float64 `json:"bid"`
	Ask float64 `json:"ask"`
}

// ————————————————————————————————————————————————————————————————————————
// Subscriptions
// ————————————————————————————————————————————————————————————————————————

// SubKey identifies one shared subscription. The proxy reference-counts
// distinct clients per key and issues at most one broker subscribe for it.
type SubKey struct {
	UserID   string `json:"user_id"`
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
	Mode     Mode   `json:"mode"`
}

func (k SubKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%d", k.UserID, k.Exchange, k.Symbol, int(k.Mode))
}

// Instrument is a (symbol, exchange) pair as sent by clients.
type Instrument struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
}

// SubscribeResult is the per-symbol outcome of a subscribe request.
type SubscribeResult struct {
	Symbol          string `json:"symbol"`
	Exchange        string `json:"exchange"`
	Status          string `json:"status"` // "success" or "error"
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	ActualDepth     int    `json:"actual_depth,omitempty"`
	BrokerSupported bool   `json:"broker_supported"`
}

// ————————————————————————————————————————————————————————————————————————
// Error codes
// ————————————————————————————————————————————————————————————————————————

// Stable error codes surfaced to clients and callers, grouped by taxonomy:
// client, auth, broker, engine, system.
const (
	// Client errors
	CodeInvalidJSON           = "INVALID_JSON"
	CodeInvalidParameters     = "INVALID_PARAMETERS"
	CodeInvalidAction         = "INVALID_ACTION"
	CodeNotAuthenticated      = "NOT_AUTHENTICATED"
	CodeLimitExceeded         = "LIMIT_EXCEEDED"
	CodeNotSubscribed         = "NOT_SUBSCRIBED"
	CodeUnsupportedDepthLevel = "UNSUPPORTED_DEPTH_LEVEL"
	CodeUnsupportedMode       = "UNSUPPORTED_MODE"

	// Auth errors
	CodeInvalidAPIKey       = "INVALID_API_KEY"
	CodeAuthenticationError = "AUTHENTICATION_ERROR"

	// Broker errors
	CodeBrokerError    = "BROKER_ERROR"
	CodeSymbolNotFound = "SYMBOL_NOT_FOUND"
	CodeNotConnected   = "NOT_CONNECTED"
	CodeBrokerTimeout  = "BROKER_TIMEOUT"

	// Engine errors
	CodeInsufficientFunds  = "INSUFFICIENT_FUNDS"
	CodeQuantityNotLotMult = "QUANTITY_NOT_MULTIPLE_OF_LOT"
	CodeMISBlocked         = "MIS_BLOCKED_AFTER_SQUAREOFF"
	CodeOrderNotFound      = "ORDER_NOT_FOUND"

	// System errors
	CodeServerError     = "SERVER_ERROR"
	CodeProcessingError = "PROCESSING_ERROR"
)
