package sim

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marketgate/internal/metrics"
	"marketgate/internal/store"
	"marketgate/internal/symbols"
	"marketgate/pkg/types"
)

// Engine polls open simulated orders against live quotes and executes
// fills. One cooperative loop per process; each cycle has a soft deadline
// of the check interval — an overrunning cycle logs and the next starts
// immediately, never overlapping.
//
// The engine tolerates restarts by construction: orders still open resume
// evaluation on the next cycle, and positions/funds live only in the store.
type Engine struct {
	store    *store.Store
	resolver *symbols.Resolver
	quotes   QuoteFunc
	margin   MarginParams

	startingCapital decimal.Decimal
	checkInterval   time.Duration
	mtmInterval     time.Duration

	logger *slog.Logger
	now    func() time.Time
}

// NewEngine wires the evaluation loop.
func NewEngine(st *store.Store, resolver *symbols.Resolver, quotes QuoteFunc, margin MarginParams, startingCapital float64, checkInterval, mtmInterval time.Duration, logger *slog.Logger) *Engine {
	return &Engine{
		store:           st,
		resolver:        resolver,
		quotes:          quotes,
		margin:          margin,
		startingCapital: decimal.NewFromFloat(startingCapital).Round(2),
		checkInterval:   checkInterval,
		mtmInterval:     mtmInterval,
		logger:          logger.With("component", "engine"),
		now:             time.Now,
	}
}

// Run blocks until ctx is cancelled, alternating order evaluation and MTM
// sweeps on their own intervals.
func (e *Engine) Run(ctx context.Context) {
	checkTicker := time.NewTicker(e.checkInterval)
	defer checkTicker.Stop()
	mtmTicker := time.NewTicker(e.mtmInterval)
	defer mtmTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-checkTicker.C:
			start := e.now()
			e.Cycle(ctx)
			elapsed := time.Since(start)
			metrics.EngineCycleSeconds.Observe(elapsed.Seconds())
			if elapsed > e.checkInterval {
				e.logger.Warn("engine cycle overran its interval",
					"elapsed", elapsed, "interval", e.checkInterval)
			}
		case <-mtmTicker.C:
			e.SweepMTM(ctx)
		}
	}
}

// Cycle evaluates every open order once. Orders are grouped by
// (symbol, exchange) so each instrument's quote is fetched once per cycle.
func (e *Engine) Cycle(ctx context.Context) {
	orders, err := e.store.OpenOrders()
	if err != nil {
		e.logger.Error("load open orders", "error", err)
		return
	}
	if len(orders) == 0 {
		return
	}

	quoteCache := make(map[string]types.Quote)
	for i := range orders {
		o := &orders[i]
		key := o.Exchange + "|" + o.Symbol
		q, ok := quoteCache[key]
		if !ok {
			var err error
			q, err = e.quotes(ctx, o.UserID, o.Symbol, o.Exchange)
			if err != nil {
				e.logger.Warn("quote fetch failed", "symbol", o.Symbol, "exchange", o.Exchange, "error", err)
				continue
			}
			quoteCache[key] = q
		}
		if q.LTP <= 0 {
			// Pre-open or a partially populated quote: without a traded
			// price every trigger rule degenerates to a zero-price fill.
			continue
		}

		fill, price, armed := evaluate(o, q)
		if armed && !fill {
			// Persist arming so an SL survives restarts already triggered.
			o.Triggered = true
			if err := e.store.SaveOrder(o); err != nil {
				e.logger.Error("persist trigger arm", "order", o.ID, "error", err)
			}
			continue
		}
		if !fill {
			continue
		}
		if armed {
			o.Triggered = true
		}
		if err := e.fill(o.UserID, o.ID, price); err != nil {
			// Transaction rolled back; the order stays open and is
			// retried next cycle.
			e.logger.Error("fill failed", "order", o.ID, "error", err)
		}
	}
}

// evaluate applies the trigger rules for one order against a quote.
// Returns whether the order fills now, at what price, and whether an SL
// armed during this evaluation.
func evaluate(o *store.SimOrder, q types.Quote) (fill bool, price decimal.Decimal, armedNow bool) {
	ltp := decimal.NewFromFloat(q.LTP)
	bid := decimal.NewFromFloat(q.Bid)
	ask := decimal.NewFromFloat(q.Ask)

	marketPrice := func() decimal.Decimal {
		if o.Action == types.BUY && ask.IsPositive() {
			return ask
		}
		if o.Action == types.SELL && bid.IsPositive() {
			return bid
		}
		return ltp
	}

	limitCross := func(limit decimal.Decimal) (bool, decimal.Decimal) {
		if o.Action == types.BUY {
			if ltp.LessThanOrEqual(limit) {
				return true, decimal.Min(limit, ltp)
			}
		} else {
			if ltp.GreaterThanOrEqual(limit) {
				return true, decimal.Max(limit, ltp)
			}
		}
		return false, decimal.Zero
	}

	switch o.PriceType {
	case types.PriceTypeMarket:
		return true, marketPrice(), false

	case types.PriceTypeLimit:
		ok, p := limitCross(o.Price)
		return ok, p, false

	case types.PriceTypeSL, types.PriceTypeSLM:
		armed := o.Triggered
		if !armed {
			// SL BUY arms when price rises through the trigger; SL SELL
			// when it falls through.
			if o.Action == types.BUY && ltp.GreaterThanOrEqual(o.TriggerPrice) {
				armed, armedNow = true, true
			}
			if o.Action == types.SELL && ltp.LessThanOrEqual(o.TriggerPrice) {
				armed, armedNow = true, true
			}
		}
		if !armed {
			return false, decimal.Zero, false
		}
		if o.PriceType == types.PriceTypeSLM {
			return true, marketPrice(), armedNow
		}
		// Armed SL behaves as a LIMIT at the order price, evaluated in the
		// same cycle it arms.
		ok, p := limitCross(o.Price)
		return ok, p, armedNow
	}
	return false, decimal.Zero, false
}

// fill executes one order completion atomically: terminal order state, the
// trade row, position netting, and the funds update commit together.
func (e *Engine) fill(userID, orderID string, price decimal.Decimal) error {
	price = price.Round(2)

	return e.store.Transaction(func(tx *store.Store) error {
		order, err := tx.OrderByID(userID, orderID)
		if err != nil {
			return err
		}
		if order.Status != types.StatusOpen {
			// Raced with a cancel or square-off between evaluation and
			// commit; nothing to do.
			return nil
		}

		contract, err := e.resolver.Resolve(order.Symbol, order.Exchange)
		if err != nil {
			// Contract vanished from the master table: reject rather than
			// retry forever.
			order.Status = types.StatusRejected
			order.Reason = types.CodeSymbolNotFound
			if err := tx.SaveOrder(order); err != nil {
				return err
			}
			return e.releaseOrderMargin(tx, order)
		}

		now := e.now()
		order.Status = types.StatusCompleted
		order.FillPrice = &price
		order.FillAt = &now
		if err := tx.SaveOrder(order); err != nil {
			return err
		}

		if err := tx.CreateTrade(&store.SimTrade{
			ID:       uuid.NewString(),
			OrderID:  order.ID,
			UserID:   order.UserID,
			Symbol:   order.Symbol,
			Exchange: order.Exchange,
			Action:   order.Action,
			Quantity: order.Quantity,
			Product:  order.Product,
			Price:    price,
		}); err != nil {
			return err
		}

		pos, err := tx.OpenPosition(order.UserID, order.Symbol, order.Exchange, order.Product)
		if err != nil {
			return err
		}
		if pos == nil {
			pos = &store.Position{
				UserID:   order.UserID,
				Symbol:   order.Symbol,
				Exchange: order.Exchange,
				Product:  order.Product,
			}
		}

		perUnit := e.margin.MarginPerUnit(contract, order.Product, order.Action, price)
		res := applyNetting(pos, order.Action, order.Quantity, price, perUnit)
		pos.LTP = price
		pos.MTM = decimal.Zero
		if pos.Quantity != 0 {
			pos.MTM = price.Sub(pos.AvgPrice).Mul(decimal.NewFromInt(pos.Quantity)).Round(2)
		}
		if err := tx.SavePosition(pos); err != nil {
			return err
		}

		funds, err := tx.FundsFor(order.UserID, e.startingCapital)
		if err != nil {
			return err
		}
		// The order's acceptance-time block is swapped for the netting
		// outcome; realized P&L lands in available and the daily counter.
		funds.Available = funds.Available.
			Add(order.MarginBlocked).
			Sub(res.Blocked).
			Add(res.Released).
			Add(res.Realized)
		funds.UsedMargin = funds.UsedMargin.
			Sub(order.MarginBlocked).
			Add(res.Blocked).
			Sub(res.Released)
		funds.RealizedPnLToday = funds.RealizedPnLToday.Add(res.Realized)
		if err := tx.SaveFunds(funds); err != nil {
			return err
		}

		metrics.OrdersFilled.WithLabelValues(string(order.Product)).Inc()
		e.logger.Info("order filled",
			"order_id", order.ID, "user", order.UserID,
			"symbol", order.Symbol, "action", order.Action,
			"qty", order.Quantity, "price", price,
			"realized", res.Realized)
		return nil
	})
}

func (e *Engine) releaseOrderMargin(tx *store.Store, order *store.SimOrder) error {
	if order.MarginBlocked.IsZero() {
		return nil
	}
	funds, err := tx.FundsFor(order.UserID, e.startingCapital)
	if err != nil {
		return err
	}
	funds.Available = funds.Available.Add(order.MarginBlocked)
	funds.UsedMargin = funds.UsedMargin.Sub(order.MarginBlocked)
	return tx.SaveFunds(funds)
}

// SweepMTM recomputes mark-to-market for every open position and rolls the
// per-user unrealized P&L into the funds row. Unrealized P&L never moves
// available/used margin; the funds invariant covers realized amounts only.
func (e *Engine) SweepMTM(ctx context.Context) {
	positions, err := e.store.OpenPositions()
	if err != nil {
		e.logger.Error("load positions for mtm", "error", err)
		return
	}

	unrealized := make(map[string]decimal.Decimal)
	quoteCache := make(map[string]types.Quote)

	for i := range positions {
		p := &positions[i]
		key := p.Exchange + "|" + p.Symbol
		q, ok := quoteCache[key]
		if !ok {
			var err error
			q, err = e.quotes(ctx, p.UserID, p.Symbol, p.Exchange)
			if err != nil {
				continue
			}
			quoteCache[key] = q
		}
		if q.LTP <= 0 {
			continue
		}

		ltp := decimal.NewFromFloat(q.LTP).Round(2)
		p.LTP = ltp
		// Signed quantity makes this sign-aware: shorts profit as LTP
		// falls below average.
		p.MTM = ltp.Sub(p.AvgPrice).Mul(decimal.NewFromInt(p.Quantity)).Round(2)
		if err := e.store.SavePosition(p); err != nil {
			e.logger.Error("save mtm", "position", p.ID, "error", err)
			continue
		}
		unrealized[p.UserID] = unrealized[p.UserID].Add(p.MTM)
	}

	for userID, total := range unrealized {
		funds, err := e.store.FundsFor(userID, e.startingCapital)
		if err != nil {
			continue
		}
		funds.UnrealizedPnL = total
		if err := e.store.SaveFunds(funds); err != nil {
			e.logger.Error("save unrealized pnl", "user", userID, "error", err)
		}
	}
}

// SquareOffExchange cancels all open MIS orders on the exchange and closes
// every open MIS position through a synthetic market order executed on the
// normal fill path, then blocks new MIS orders until 09:00 next day IST.
func (e *Engine) SquareOffExchange(ctx context.Context, exchange string, blockUntil time.Time) error {
	orders, err := e.store.OpenOrdersByExchangeProduct(exchange, types.ProductMIS)
	if err != nil {
		return err
	}
	for i := range orders {
		o := &orders[i]
		err := e.store.Transaction(func(tx *store.Store) error {
			fresh, err := tx.OrderByID(o.UserID, o.ID)
			if err != nil || fresh.Status != types.StatusOpen {
				return err
			}
			fresh.Status = types.StatusCancelled
			fresh.Reason = "squared off"
			if err := tx.SaveOrder(fresh); err != nil {
				return err
			}
			return e.releaseOrderMargin(tx, fresh)
		})
		if err != nil {
			e.logger.Error("square-off cancel", "order", o.ID, "error", err)
		}
	}

	positions, err := e.store.OpenPositionsByExchangeProduct(exchange, types.ProductMIS)
	if err != nil {
		return err
	}
	for i := range positions {
		p := &positions[i]
		action := types.SELL
		if p.Quantity < 0 {
			action = types.BUY
		}

		q, err := e.quotes(ctx, p.UserID, p.Symbol, p.Exchange)
		if err != nil {
			e.logger.Error("square-off quote", "symbol", p.Symbol, "error", err)
			continue
		}
		price := q.LTP
		if action == types.SELL && q.Bid > 0 {
			price = q.Bid
		}
		if action == types.BUY && q.Ask > 0 {
			price = q.Ask
		}
		if price <= 0 {
			e.logger.Error("square-off has no price", "symbol", p.Symbol)
			continue
		}

		synthetic := &store.SimOrder{
			ID:        uuid.NewString(),
			UserID:    p.UserID,
			Symbol:    p.Symbol,
			Exchange:  p.Exchange,
			Action:    action,
			Quantity:  abs(p.Quantity),
			Product:   types.ProductMIS,
			PriceType: types.PriceTypeMarket,
			Status:    types.StatusOpen,
			LotSize:   1,
		}
		if err := e.store.CreateOrder(synthetic); err != nil {
			e.logger.Error("square-off order", "symbol", p.Symbol, "error", err)
			continue
		}
		if err := e.fill(synthetic.UserID, synthetic.ID, decimal.NewFromFloat(price)); err != nil {
			e.logger.Error("square-off fill", "symbol", p.Symbol, "error", err)
		}
	}

	if err := e.store.StateSet(misBlockKey(exchange), blockUntil.Format(time.RFC3339)); err != nil {
		return fmt.Errorf("set MIS block: %w", err)
	}
	e.logger.Info("exchange squared off",
		"exchange", exchange,
		"orders_cancelled", len(orders),
		"positions_closed", len(positions),
		"mis_blocked_until", blockUntil)
	return nil
}
