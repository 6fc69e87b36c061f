package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"marketgate/pkg/types"
)

// OpenPosition fetches the single open row (Quantity != 0) for the key, or
// nil when the user is flat in that instrument/product.
func (s *Store) OpenPosition(userID, symbol, exchange string, product types.Product) (*Position, error) {
	var p Position
	err := s.db.Where(
		"user_id = ? AND symbol = ? AND exchange = ? AND product = ? AND quantity != 0",
		userID, symbol, exchange, product,
	).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open position: %w", err)
	}
	return &p, nil
}

// SavePosition persists a position row (insert or update) and emits a
// change notification.
func (s *Store) SavePosition(p *Position) error {
	if err := s.db.Save(p).Error; err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	s.emit("positions:" + p.UserID)
	return nil
}

// DeletePosition removes a position row. Used by T+1 settlement after the
// row has been migrated to holdings.
func (s *Store) DeletePosition(p *Position) error {
	if err := s.db.Delete(p).Error; err != nil {
		return fmt.Errorf("delete position: %w", err)
	}
	s.emit("positions:" + p.UserID)
	return nil
}

// OpenPositions returns all open rows across users (the MTM sweep set).
func (s *Store) OpenPositions() ([]Position, error) {
	var positions []Position
	if err := s.db.Where("quantity != 0").Find(&positions).Error; err != nil {
		return nil, fmt.Errorf("open positions: %w", err)
	}
	return positions, nil
}

// OpenPositionsByExchangeProduct returns open rows on one exchange for the
// given product, the square-off job's closure set.
func (s *Store) OpenPositionsByExchangeProduct(exchange string, product types.Product) ([]Position, error) {
	var positions []Position
	err := s.db.Where("quantity != 0 AND exchange = ? AND product = ?", exchange, product).
		Find(&positions).Error
	if err != nil {
		return nil, fmt.Errorf("open positions by exchange: %w", err)
	}
	return positions, nil
}

// CNCPositionsCreatedBefore returns open CNC rows created before the cutoff,
// the T+1 settlement set.
func (s *Store) CNCPositionsCreatedBefore(cutoff time.Time) ([]Position, error) {
	var positions []Position
	err := s.db.Where("quantity != 0 AND product = ? AND created_at < ?", types.ProductCNC, cutoff).
		Find(&positions).Error
	if err != nil {
		return nil, fmt.Errorf("cnc positions before: %w", err)
	}
	return positions, nil
}

// ClearPositions removes every position row. Used by the weekly capital
// reset; holdings are untouched.
func (s *Store) ClearPositions() error {
	if err := s.db.Where("1 = 1").Delete(&Position{}).Error; err != nil {
		return fmt.Errorf("clear positions: %w", err)
	}
	return nil
}

// Positions lists all of a user's rows for the day, open and closed.
func (s *Store) Positions(userID string) ([]Position, error) {
	var positions []Position
	err := s.db.Where("user_id = ?", userID).Order("updated_at desc").Find(&positions).Error
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	return positions, nil
}

// UpsertHolding merges settled quantity into an existing holding for the
// (user, symbol, exchange) key, averaging the price, or creates a new row.
func (s *Store) UpsertHolding(userID, symbol, exchange string, quantity int64, avgPrice decimal.Decimal, settledAt time.Time) error {
	var h Holding
	err := s.db.Where("user_id = ? AND symbol = ? AND exchange = ?", userID, symbol, exchange).First(&h).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		h = Holding{
			UserID: userID, Symbol: symbol, Exchange: exchange,
			Quantity: quantity, AvgPrice: avgPrice, SettledAt: settledAt,
		}
		if err := s.db.Create(&h).Error; err != nil {
			return fmt.Errorf("create holding: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("lookup holding: %w", err)
	}

	total := h.Quantity + quantity
	if total != 0 {
		oldNotional := h.AvgPrice.Mul(decimal.NewFromInt(h.Quantity))
		newNotional := avgPrice.Mul(decimal.NewFromInt(quantity))
		h.AvgPrice = oldNotional.Add(newNotional).Div(decimal.NewFromInt(total)).Round(2)
	}
	h.Quantity = total
	h.SettledAt = settledAt
	if err := s.db.Save(&h).Error; err != nil {
		return fmt.Errorf("save holding: %w", err)
	}
	return nil
}

// Holdings lists a user's settled holdings.
func (s *Store) Holdings(userID string) ([]Holding, error) {
	var holdings []Holding
	err := s.db.Where("user_id = ?", userID).Order("symbol asc").Find(&holdings).Error
	if err != nil {
		return nil, fmt.Errorf("holdings: %w", err)
	}
	return holdings, nil
}
