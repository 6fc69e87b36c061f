package sim

import (
	"github.com/shopspring/decimal"

	"marketgate/internal/symbols"
	"marketgate/pkg/types"
)

// MarginParams are the leverage divisors applied per instrument class.
type MarginParams struct {
	EquityLeverage     decimal.Decimal
	FuturesLeverage    decimal.Decimal
	OptionBuyLeverage  decimal.Decimal
	OptionSellLeverage decimal.Decimal
}

// NewMarginParams builds params from the float config values.
func NewMarginParams(equity, futures, optBuy, optSell float64) MarginParams {
	return MarginParams{
		EquityLeverage:     decimal.NewFromFloat(equity),
		FuturesLeverage:    decimal.NewFromFloat(futures),
		OptionBuyLeverage:  decimal.NewFromFloat(optBuy),
		OptionSellLeverage: decimal.NewFromFloat(optSell),
	}
}

// RequiredMargin computes the margin for quantity units of the contract at
// refPrice (the LIMIT price when available, else LTP), rounded to the paisa.
//
// Equity CNC blocks the full notional; equity MIS divides by the equity
// leverage; futures divide by the futures leverage regardless of product;
// option buys block the premium outlay (notional / option_buy_leverage,
// which is 1 by default); option sells divide the notional by the
// configured sell leverage.
func (m MarginParams) RequiredMargin(contract symbols.Contract, product types.Product, action types.Action, quantity int64, refPrice decimal.Decimal) decimal.Decimal {
	notional := refPrice.Mul(decimal.NewFromInt(quantity))

	var margin decimal.Decimal
	switch {
	case contract.IsOption():
		if action == types.BUY {
			margin = safeDiv(notional, m.OptionBuyLeverage)
		} else {
			margin = safeDiv(notional, m.OptionSellLeverage)
		}
	case contract.IsFuture():
		margin = safeDiv(notional, m.FuturesLeverage)
	default: // equity
		if product == types.ProductMIS {
			margin = safeDiv(notional, m.EquityLeverage)
		} else {
			margin = notional
		}
	}
	return margin.Round(2)
}

// MarginPerUnit is RequiredMargin for a single unit, used by the netting
// step to price the opening part of a crossing fill.
func (m MarginParams) MarginPerUnit(contract symbols.Contract, product types.Product, action types.Action, refPrice decimal.Decimal) decimal.Decimal {
	return m.RequiredMargin(contract, product, action, 1, refPrice)
}

func safeDiv(n, div decimal.Decimal) decimal.Decimal {
	if div.IsZero() {
		return n
	}
	return n.Div(div)
}
