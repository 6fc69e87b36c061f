package sim

import (
	"github.com/shopspring/decimal"

	"marketgate/internal/store"
	"marketgate/pkg/types"
)

// netResult describes how one fill changed a position and what it did to
// margin: Blocked is new margin consumed by the opening part, Released is
// margin freed proportionally by the reducing part, Realized is booked P&L.
type netResult struct {
	Realized decimal.Decimal
	Blocked  decimal.Decimal
	Released decimal.Decimal
}

// applyNetting folds a fill of quantity units at price into the position,
// mutating it in place. marginPerUnit prices margin for any exposure the
// fill opens.
//
// Rules:
//   - same side (or flat): weighted-average entry, quantity grows.
//   - opposite side within the open quantity: realize P&L against the
//     unchanged average, release margin proportionally.
//   - crossing: the reducing step closes to zero, the residual reopens on
//     the opposite side at the fill price.
func applyNetting(p *store.Position, action types.Action, quantity int64, price decimal.Decimal, marginPerUnit decimal.Decimal) netResult {
	delta := quantity
	if action == types.SELL {
		delta = -quantity
	}

	var res netResult

	// Opening or adding: same direction as the existing quantity.
	if p.Quantity == 0 || sameSign(p.Quantity, delta) {
		oldAbs := abs(p.Quantity)
		addAbs := abs(delta)
		newAbs := oldAbs + addAbs

		oldNotional := p.AvgPrice.Mul(decimal.NewFromInt(oldAbs))
		addNotional := price.Mul(decimal.NewFromInt(addAbs))
		p.AvgPrice = oldNotional.Add(addNotional).Div(decimal.NewFromInt(newAbs)).Round(2)
		p.Quantity += delta

		res.Blocked = marginPerUnit.Mul(decimal.NewFromInt(addAbs)).Round(2)
		p.MarginBlocked = p.MarginBlocked.Add(res.Blocked)
		return res
	}

	// Reducing: fill runs against the open quantity.
	oldAbs := abs(p.Quantity)
	reduce := min64(abs(delta), oldAbs)

	// Long positions realize (price - avg); shorts realize (avg - price).
	diff := price.Sub(p.AvgPrice)
	if p.Quantity < 0 {
		diff = diff.Neg()
	}
	res.Realized = diff.Mul(decimal.NewFromInt(reduce)).Round(2)
	p.RealizedPnL = p.RealizedPnL.Add(res.Realized)

	res.Released = p.MarginBlocked.Mul(decimal.NewFromInt(reduce)).
		Div(decimal.NewFromInt(oldAbs)).Round(2)
	p.MarginBlocked = p.MarginBlocked.Sub(res.Released)

	if p.Quantity > 0 {
		p.Quantity -= reduce
	} else {
		p.Quantity += reduce
	}

	residual := abs(delta) - reduce
	if residual > 0 {
		// Crossed through zero: reopen on the opposite side at fill price.
		if delta > 0 {
			p.Quantity = residual
		} else {
			p.Quantity = -residual
		}
		p.AvgPrice = price
		res.Blocked = marginPerUnit.Mul(decimal.NewFromInt(residual)).Round(2)
		p.MarginBlocked = p.MarginBlocked.Add(res.Blocked)
	}

	if p.Quantity == 0 {
		// Fully closed: whatever rounding residue is left in the margin
		// column is released with the close.
		if !p.MarginBlocked.IsZero() {
			res.Released = res.Released.Add(p.MarginBlocked)
			p.MarginBlocked = decimal.Zero
		}
		p.AvgPrice = decimal.Zero
	}

	return res
}

func sameSign(a, b int64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
