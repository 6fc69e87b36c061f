// Package store is the durable layer for the simulated execution engine:
// orders, trades, positions, holdings, funds, and scheduler state, backed
// by SQLite through gorm.
//
// Every write path used by the fill pipeline runs inside a single gorm
// transaction via Store.Transaction, so an order fill, its trade row, the
// position update, and the funds update commit or roll back together.
// Writes that change funds or positions emit a non-blocking change
// notification so UI-facing caches can refresh; nothing in the core depends
// on those notifications for correctness.
package store

import (
	"fmt"
	"log/slog"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Store wraps the gorm handle. A Store produced by Transaction shares the
// parent's notification channel but runs on the transaction handle.
type Store struct {
	db     *gorm.DB
	notify chan string
	logger *slog.Logger
}

// Open connects to the SQLite database at path (a DSN such as
// "file::memory:?cache=shared" also works) and migrates the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	dsn := path
	if !strings.Contains(dsn, "?") && !strings.HasPrefix(dsn, "file:") {
		// Single-writer busy timeout keeps concurrent engine/scheduler
		// writes from surfacing SQLITE_BUSY.
		dsn = path + "?_busy_timeout=5000"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if err := db.AutoMigrate(
		&SimOrder{},
		&SimTrade{},
		&Position{},
		&Holding{},
		&Funds{},
		&SimState{},
	); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	return &Store{
		db:     db,
		notify: make(chan string, 64),
		logger: logger.With("component", "store"),
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transaction runs fn atomically. The Store passed to fn operates on the
// transaction handle; all facade methods work unchanged inside it.
func (s *Store) Transaction(fn func(tx *Store) error) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, notify: s.notify, logger: s.logger})
	})
}

// Changes delivers best-effort invalidation topics ("funds:<user>",
// "positions:<user>"). Consumers that fall behind miss notifications.
func (s *Store) Changes() <-chan string { return s.notify }

func (s *Store) emit(topic string) {
	select {
	case s.notify <- topic:
	default:
	}
}
