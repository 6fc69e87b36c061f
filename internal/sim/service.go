// Package sim implements the simulated execution side of the gateway:
// order acceptance, the price-driven execution engine, position netting,
// margin accounting, and the scheduled lifecycle jobs (square-off, T+1
// settlement, weekly capital reset).
//
// Money amounts are decimal.Decimal rounded to the paisa. The funds
// invariant — available + used_margin = capital + realized_pnl_today —
// holds after every committed transaction; every mutation below moves
// amounts between the two sides symmetrically.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marketgate/internal/broker"
	"marketgate/internal/metrics"
	"marketgate/internal/store"
	"marketgate/internal/symbols"
	"marketgate/pkg/types"
)

// QuoteFunc fetches a live quote for trigger evaluation and margin
// reference pricing. The proxy wires this to the user's broker client.
type QuoteFunc func(ctx context.Context, userID, symbol, exchange string) (types.Quote, error)

// OrderRequest is the programmatic order-placement surface a REST layer
// adapts to.
type OrderRequest struct {
	UserID       string
	Symbol       string
	Exchange     string
	Action       types.Action
	Quantity     int64
	Product      types.Product
	PriceType    types.PriceType
	Price        float64
	TriggerPrice float64
}

// Service is the order acceptance and account view surface.
type Service struct {
	store    *store.Store
	resolver *symbols.Resolver
	quotes   QuoteFunc
	margin   MarginParams

	startingCapital decimal.Decimal
	ist             *time.Location
	now             func() time.Time

	logger *slog.Logger
}

// NewService wires the acceptance path.
func NewService(st *store.Store, resolver *symbols.Resolver, quotes QuoteFunc, margin MarginParams, startingCapital float64, ist *time.Location, logger *slog.Logger) *Service {
	return &Service{
		store:           st,
		resolver:        resolver,
		quotes:          quotes,
		margin:          margin,
		startingCapital: decimal.NewFromFloat(startingCapital).Round(2),
		ist:             ist,
		now:             time.Now,
		logger:          logger.With("component", "sim"),
	}
}

// PlaceOrder validates and accepts a simulated order, blocking margin for
// any exposure it would open. Rejections leave funds and the order book
// unchanged.
func (s *Service) PlaceOrder(ctx context.Context, req OrderRequest) (*store.SimOrder, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	contract, err := s.resolver.Resolve(req.Symbol, req.Exchange)
	if err != nil {
		return nil, err
	}
	if req.Quantity%contract.LotSize != 0 {
		return nil, broker.NewError(types.CodeQuantityNotLotMult,
			fmt.Sprintf("quantity %d is not a multiple of lot size %d", req.Quantity, contract.LotSize))
	}

	if req.Product == types.ProductMIS {
		if blocked, until := s.misBlocked(req.Exchange); blocked {
			return nil, broker.NewError(types.CodeMISBlocked,
				fmt.Sprintf("MIS orders on %s blocked until %s", req.Exchange, until.Format("15:04 MST")))
		}
	}

	refPrice, err := s.refPrice(ctx, req)
	if err != nil {
		return nil, err
	}

	order := &store.SimOrder{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		Symbol:       contract.Symbol,
		Exchange:     contract.Exchange,
		Action:       req.Action,
		Quantity:     req.Quantity,
		Product:      req.Product,
		PriceType:    req.PriceType,
		Price:        decimal.NewFromFloat(req.Price).Round(2),
		TriggerPrice: decimal.NewFromFloat(req.TriggerPrice).Round(2),
		Status:       types.StatusOpen,
		LotSize:      contract.LotSize,
	}

	err = s.store.Transaction(func(tx *store.Store) error {
		funds, err := tx.FundsFor(req.UserID, s.startingCapital)
		if err != nil {
			return err
		}

		// Only exposure the order would open needs margin; a SELL covered
		// by an existing long (or vice versa) blocks nothing for the
		// covered quantity.
		opening, err := s.openingQuantity(tx, req)
		if err != nil {
			return err
		}
		required := s.margin.RequiredMargin(contract, req.Product, req.Action, opening, refPrice)

		if funds.Available.LessThan(required) {
			return broker.NewError(types.CodeInsufficientFunds,
				fmt.Sprintf("required margin %s exceeds available %s", required, funds.Available))
		}

		order.MarginBlocked = required
		if err := tx.CreateOrder(order); err != nil {
			return err
		}

		funds.Available = funds.Available.Sub(required)
		funds.UsedMargin = funds.UsedMargin.Add(required)
		return tx.SaveFunds(funds)
	})
	if err != nil {
		metrics.OrdersRejected.WithLabelValues(broker.CodeOf(err)).Inc()
		return nil, err
	}

	s.logger.Info("order accepted",
		"order_id", order.ID, "user", req.UserID,
		"symbol", order.Symbol, "action", order.Action,
		"qty", order.Quantity, "type", order.PriceType,
		"margin", order.MarginBlocked)
	return order, nil
}

// ModifyOrder updates price, trigger price, and quantity of an open order,
// re-blocking margin at the delta.
func (s *Service) ModifyOrder(ctx context.Context, userID, orderID string, quantity int64, price, triggerPrice float64) (*store.SimOrder, error) {
	var modified *store.SimOrder
	err := s.store.Transaction(func(tx *store.Store) error {
		order, err := tx.OrderByID(userID, orderID)
		if err != nil {
			return broker.NewError(types.CodeOrderNotFound, orderID)
		}
		if order.Status.Terminal() {
			return broker.NewError(types.CodeOrderNotFound,
				fmt.Sprintf("order %s is %s", orderID, order.Status))
		}
		if quantity <= 0 || quantity%order.LotSize != 0 {
			return broker.NewError(types.CodeQuantityNotLotMult,
				fmt.Sprintf("quantity %d is not a positive multiple of lot size %d", quantity, order.LotSize))
		}

		contract, err := s.resolver.Resolve(order.Symbol, order.Exchange)
		if err != nil {
			return err
		}

		newPrice := decimal.NewFromFloat(price).Round(2)
		ref := newPrice
		if ref.IsZero() {
			ref = order.Price
		}
		if ref.IsZero() {
			q, err := s.quotes(ctx, userID, order.Symbol, order.Exchange)
			if err != nil {
				return broker.WrapError(types.CodeBrokerError, err)
			}
			ref = decimal.NewFromFloat(q.LTP).Round(2)
		}

		required := s.margin.RequiredMargin(contract, order.Product, order.Action, quantity, ref)
		delta := required.Sub(order.MarginBlocked)

		funds, err := tx.FundsFor(userID, s.startingCapital)
		if err != nil {
			return err
		}
		if delta.IsPositive() && funds.Available.LessThan(delta) {
			return broker.NewError(types.CodeInsufficientFunds,
				fmt.Sprintf("additional margin %s exceeds available %s", delta, funds.Available))
		}
		funds.Available = funds.Available.Sub(delta)
		funds.UsedMargin = funds.UsedMargin.Add(delta)
		if err := tx.SaveFunds(funds); err != nil {
			return err
		}

		order.Quantity = quantity
		order.Price = newPrice
		order.TriggerPrice = decimal.NewFromFloat(triggerPrice).Round(2)
		order.MarginBlocked = required
		if err := tx.SaveOrder(order); err != nil {
			return err
		}
		modified = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return modified, nil
}

// CancelOrder cancels an open order and releases its blocked margin.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID string) error {
	return s.store.Transaction(func(tx *store.Store) error {
		order, err := tx.OrderByID(userID, orderID)
		if err != nil {
			return broker.NewError(types.CodeOrderNotFound, orderID)
		}
		if order.Status.Terminal() {
			return broker.NewError(types.CodeOrderNotFound,
				fmt.Sprintf("order %s is %s", orderID, order.Status))
		}

		order.Status = types.StatusCancelled
		if err := tx.SaveOrder(order); err != nil {
			return err
		}

		funds, err := tx.FundsFor(userID, s.startingCapital)
		if err != nil {
			return err
		}
		funds.Available = funds.Available.Add(order.MarginBlocked)
		funds.UsedMargin = funds.UsedMargin.Sub(order.MarginBlocked)
		return tx.SaveFunds(funds)
	})
}

// OrderBook, TradeBook, Positions, Holdings, and Funds are the account
// views a REST layer serves.

func (s *Service) OrderBook(userID string) ([]store.SimOrder, error) { return s.store.OrderBook(userID) }
func (s *Service) TradeBook(userID string) ([]store.SimTrade, error) { return s.store.TradeBook(userID) }
func (s *Service) Positions(userID string) ([]store.Position, error) { return s.store.Positions(userID) }
func (s *Service) Holdings(userID string) ([]store.Holding, error)   { return s.store.Holdings(userID) }

func (s *Service) Funds(userID string) (*store.Funds, error) {
	return s.store.FundsFor(userID, s.startingCapital)
}

// ————————————————————————————————————————————————————————————————————————
// Internals
// ————————————————————————————————————————————————————————————————————————

func validateRequest(req OrderRequest) error {
	if req.UserID == "" || req.Symbol == "" || req.Exchange == "" {
		return broker.NewError(types.CodeInvalidParameters, "user_id, symbol, and exchange are required")
	}
	if req.Action != types.BUY && req.Action != types.SELL {
		return broker.NewError(types.CodeInvalidParameters, fmt.Sprintf("action %q", req.Action))
	}
	if req.Quantity <= 0 {
		return broker.NewError(types.CodeInvalidParameters, "quantity must be positive")
	}
	switch req.Product {
	case types.ProductMIS, types.ProductNRML, types.ProductCNC:
	default:
		return broker.NewError(types.CodeInvalidParameters, fmt.Sprintf("product %q", req.Product))
	}
	switch req.PriceType {
	case types.PriceTypeMarket:
	case types.PriceTypeLimit:
		if req.Price <= 0 {
			return broker.NewError(types.CodeInvalidParameters, "limit orders require a price")
		}
	case types.PriceTypeSL:
		if req.Price <= 0 || req.TriggerPrice <= 0 {
			return broker.NewError(types.CodeInvalidParameters, "SL orders require price and trigger_price")
		}
	case types.PriceTypeSLM:
		if req.TriggerPrice <= 0 {
			return broker.NewError(types.CodeInvalidParameters, "SL-M orders require trigger_price")
		}
	default:
		return broker.NewError(types.CodeInvalidParameters, fmt.Sprintf("pricetype %q", req.PriceType))
	}
	return nil
}

// refPrice is the margin reference: the LIMIT price if present, else LTP.
func (s *Service) refPrice(ctx context.Context, req OrderRequest) (decimal.Decimal, error) {
	if req.Price > 0 {
		return decimal.NewFromFloat(req.Price).Round(2), nil
	}
	q, err := s.quotes(ctx, req.UserID, req.Symbol, req.Exchange)
	if err != nil {
		return decimal.Zero, broker.WrapError(types.CodeBrokerError, err)
	}
	if q.LTP <= 0 {
		return decimal.Zero, broker.NewError(types.CodeBrokerError, "no reference price available")
	}
	return decimal.NewFromFloat(q.LTP).Round(2), nil
}

// openingQuantity returns how many units of the order would increase net
// exposure, given the current open position.
func (s *Service) openingQuantity(tx *store.Store, req OrderRequest) (int64, error) {
	pos, err := tx.OpenPosition(req.UserID, req.Symbol, req.Exchange, req.Product)
	if err != nil {
		return 0, err
	}
	existing := int64(0)
	if pos != nil {
		existing = pos.Quantity
	}
	delta := req.Quantity
	if req.Action == types.SELL {
		delta = -req.Quantity
	}
	newAbs := abs(existing + delta)
	oldAbs := abs(existing)
	if newAbs <= oldAbs {
		return 0, nil
	}
	return newAbs - oldAbs, nil
}

// misBlocked reports whether new MIS orders on the exchange are blocked by
// a completed square-off, and until when.
func (s *Service) misBlocked(exchange string) (bool, time.Time) {
	raw, err := s.store.StateGet(misBlockKey(exchange))
	if err != nil || raw == "" {
		return false, time.Time{}
	}
	until, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return false, time.Time{}
	}
	return s.now().Before(until), until.In(s.ist)
}

func misBlockKey(exchange string) string {
	return "mis_block:" + exchange
}
