package proxy

import "marketgate/pkg/types"

// Client actions accepted over the WebSocket.
const (
	ActionAuthenticate   = "authenticate"
	ActionSubscribe      = "subscribe"
	ActionUnsubscribe    = "unsubscribe"
	ActionUnsubscribeAll = "unsubscribe_all"
)

// Server message types.
const (
	TypeAuth        = "auth"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeMarketData  = "market_data"
	TypeError       = "error"
)

// ClientMessage is every inbound frame; Action selects which fields apply.
type ClientMessage struct {
	Action  string             `json:"action"`
	APIKey  string             `json:"api_key,omitempty"`
	Symbols []types.Instrument `json:"symbols,omitempty"`
	Mode    types.Mode         `json:"mode,omitempty"`
	Depth   int                `json:"depth_level,omitempty"`
}

// ServerMessage is every outbound frame. Market-data frames carry the
// normalized tick in Data plus the broker the tick came from; responses to
// subscribe/unsubscribe carry per-symbol Results.
type ServerMessage struct {
	Type     string `json:"type"`
	Status   string `json:"status,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	Broker   string `json:"broker,omitempty"`
	Symbol   string `json:"symbol,omitempty"`
	Exchange string `json:"exchange,omitempty"`
	Mode     int    `json:"mode,omitempty"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message,omitempty"`

	Results []types.SubscribeResult `json:"results,omitempty"`
	Data    *types.Tick             `json:"data,omitempty"`
}

func errorMessage(code, message string) ServerMessage {
	return ServerMessage{Type: TypeError, Status: "error", Code: code, Message: message}
}
