package store

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"marketgate/pkg/types"
)

// ErrOrderNotFound is returned for lookups of unknown or foreign order IDs.
var ErrOrderNotFound = errors.New("order not found")

// CreateOrder inserts a new order row.
func (s *Store) CreateOrder(o *SimOrder) error {
	if err := s.db.Create(o).Error; err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

// OrderByID fetches one order scoped to its owner.
func (s *Store) OrderByID(userID, orderID string) (*SimOrder, error) {
	var o SimOrder
	err := s.db.Where("user_id = ? AND id = ?", userID, orderID).First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("order by id: %w", err)
	}
	return &o, nil
}

// SaveOrder persists all fields of an order row.
func (s *Store) SaveOrder(o *SimOrder) error {
	if err := s.db.Save(o).Error; err != nil {
		return fmt.Errorf("save order: %w", err)
	}
	return nil
}

// OpenOrders returns every open order across users, oldest first, which
// gives the engine a stable evaluation order.
func (s *Store) OpenOrders() ([]SimOrder, error) {
	var orders []SimOrder
	err := s.db.Where("status = ?", types.StatusOpen).Order("created_at asc").Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	return orders, nil
}

// OpenOrdersByExchangeProduct returns open orders on one exchange with the
// given product, the square-off job's cancellation set.
func (s *Store) OpenOrdersByExchangeProduct(exchange string, product types.Product) ([]SimOrder, error) {
	var orders []SimOrder
	err := s.db.Where("status = ? AND exchange = ? AND product = ?", types.StatusOpen, exchange, product).
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("open orders by exchange: %w", err)
	}
	return orders, nil
}

// OrderBook lists a user's orders, newest first.
func (s *Store) OrderBook(userID string) ([]SimOrder, error) {
	var orders []SimOrder
	err := s.db.Where("user_id = ?", userID).Order("created_at desc").Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("order book: %w", err)
	}
	return orders, nil
}

// CreateTrade inserts a fill row.
func (s *Store) CreateTrade(t *SimTrade) error {
	if err := s.db.Create(t).Error; err != nil {
		return fmt.Errorf("create trade: %w", err)
	}
	return nil
}

// TradeBook lists a user's trades, newest first.
func (s *Store) TradeBook(userID string) ([]SimTrade, error) {
	var trades []SimTrade
	err := s.db.Where("user_id = ?", userID).Order("created_at desc").Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("trade book: %w", err)
	}
	return trades, nil
}
