package store

import (
	"time"

	"github.com/shopspring/decimal"

	"marketgate/pkg/types"
)

// SimOrder is a simulated order row. Created open; moved to exactly one
// terminal state by the engine or the order service. Terminal rows are
// never modified again.
type SimOrder struct {
	ID       string `gorm:"primaryKey"`
	UserID   string `gorm:"index:idx_orders_user;index:idx_orders_user_status"`
	Symbol   string `gorm:"index:idx_orders_instrument"`
	Exchange string `gorm:"index:idx_orders_instrument"`

	Action    types.Action
	Quantity  int64
	Product   types.Product
	PriceType types.PriceType

	Price        decimal.Decimal `gorm:"type:decimal(20,2)"`
	TriggerPrice decimal.Decimal `gorm:"type:decimal(20,2)"`

	Status    types.OrderStatus `gorm:"index:idx_orders_user_status;index"`
	Reason    string            // rejection code, empty otherwise
	Triggered bool              // SL/SL-M armed flag, survives restarts

	// MarginBlocked is what acceptance reserved for this order; released on
	// cancel/reject, trued up against the fill notional on completion.
	MarginBlocked decimal.Decimal `gorm:"type:decimal(20,2)"`
	LotSize       int64           // captured at acceptance for option margin

	FillPrice *decimal.Decimal `gorm:"type:decimal(20,2)"`
	FillAt    *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SimTrade is one fill. Exactly one row per completed order in this engine
// (no partial fills in simulation).
type SimTrade struct {
	ID       string `gorm:"primaryKey"`
	OrderID  string `gorm:"index"`
	UserID   string `gorm:"index"`
	Symbol   string
	Exchange string
	Action   types.Action
	Quantity int64
	Product  types.Product

	Price decimal.Decimal `gorm:"type:decimal(20,2)"`

	CreatedAt time.Time
}

// Position is the netted exposure for (user, symbol, exchange, product).
// At most one open row (Quantity != 0) exists per key; closed rows
// (Quantity == 0) remain for the day's accumulated realized P&L.
type Position struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	UserID   string `gorm:"index:idx_pos_key"`
	Symbol   string `gorm:"index:idx_pos_key"`
	Exchange string `gorm:"index:idx_pos_key"`
	Product  types.Product `gorm:"index:idx_pos_key"`

	Quantity int64 // signed: long > 0, short < 0

	AvgPrice    decimal.Decimal `gorm:"type:decimal(20,2)"`
	RealizedPnL decimal.Decimal `gorm:"type:decimal(20,2)"`
	LTP         decimal.Decimal `gorm:"type:decimal(20,2)"`
	MTM         decimal.Decimal `gorm:"type:decimal(20,2)"`

	// MarginBlocked is the margin held against the open quantity, released
	// proportionally as the position reduces.
	MarginBlocked decimal.Decimal `gorm:"type:decimal(20,2)"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Holding is a CNC position after T+1 settlement.
type Holding struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	UserID   string `gorm:"index:idx_holdings_key"`
	Symbol   string `gorm:"index:idx_holdings_key"`
	Exchange string `gorm:"index:idx_holdings_key"`

	Quantity int64
	AvgPrice decimal.Decimal `gorm:"type:decimal(20,2)"`

	SettledAt time.Time
}

// Funds is the per-user money ledger. Invariant at rest:
// Available + UsedMargin = Capital + RealizedPnLToday (to the paisa).
type Funds struct {
	UserID string `gorm:"primaryKey"`

	Capital          decimal.Decimal `gorm:"type:decimal(20,2)"`
	Available        decimal.Decimal `gorm:"type:decimal(20,2)"`
	UsedMargin       decimal.Decimal `gorm:"type:decimal(20,2)"`
	RealizedPnLToday decimal.Decimal `gorm:"type:decimal(20,2)"`
	UnrealizedPnL    decimal.Decimal `gorm:"type:decimal(20,2)"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SimState is a key/value row for scheduler idempotency markers and the
// per-exchange MIS block flags.
type SimState struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	UpdatedAt time.Time
}
