package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FundsFor returns the user's money ledger, creating it with the given
// starting capital on first use.
func (s *Store) FundsFor(userID string, startingCapital decimal.Decimal) (*Funds, error) {
	var f Funds
	err := s.db.Where("user_id = ?", userID).First(&f).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		f = Funds{
			UserID:    userID,
			Capital:   startingCapital,
			Available: startingCapital,
		}
		if err := s.db.Create(&f).Error; err != nil {
			return nil, fmt.Errorf("create funds: %w", err)
		}
		s.emit("funds:" + userID)
		return &f, nil
	case err != nil:
		return nil, fmt.Errorf("funds for %s: %w", userID, err)
	}
	return &f, nil
}

// SaveFunds persists the ledger and emits a change notification.
func (s *Store) SaveFunds(f *Funds) error {
	if err := s.db.Save(f).Error; err != nil {
		return fmt.Errorf("save funds: %w", err)
	}
	s.emit("funds:" + f.UserID)
	return nil
}

// AllFunds returns every user ledger (weekly reset set).
func (s *Store) AllFunds() ([]Funds, error) {
	var all []Funds
	if err := s.db.Find(&all).Error; err != nil {
		return nil, fmt.Errorf("all funds: %w", err)
	}
	return all, nil
}

// ————————————————————————————————————————————————————————————————————————
// Scheduler state
// ————————————————————————————————————————————————————————————————————————

// StateGet returns the value for key, or "" when absent.
func (s *Store) StateGet(key string) (string, error) {
	var row SimState
	err := s.db.Where("key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("state get %s: %w", key, err)
	}
	return row.Value, nil
}

// StateSet upserts a key/value row.
func (s *Store) StateSet(key, value string) error {
	row := SimState{Key: key, Value: value, UpdatedAt: time.Now()}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("state set %s: %w", key, err)
	}
	return nil
}
