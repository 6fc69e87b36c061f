// Package symbols resolves user-facing (symbol, exchange) pairs to broker
// instrument details using the master-contract table.
//
// The table is downloaded from the contract service on startup and refreshed
// on a configurable interval (contracts change daily after market hours).
// Lookups are a map read under RWMutex; reloads build a fresh map and swap
// it in, so readers never see a partially loaded table.
package symbols

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"marketgate/internal/broker"
	"marketgate/pkg/types"
)

// Contract holds the broker-side identity of one tradable instrument.
type Contract struct {
	Symbol         string  `json:"symbol"`
	Exchange       string  `json:"exchange"`
	BrokerToken    string  `json:"broker_token"`
	BrokerExchange string  `json:"broker_exchange"`
	LotSize        int64   `json:"lot_size"`
	TickSize       float64 `json:"tick_size"`
	Instrument     string  `json:"instrument"` // EQ, FUT, CE, PE
}

// IsOption reports whether the contract is an option leg.
func (c Contract) IsOption() bool {
	return c.Instrument == "CE" || c.Instrument == "PE"
}

// IsFuture reports whether the contract is a futures instrument.
func (c Contract) IsFuture() bool {
	return c.Instrument == "FUT"
}

// Resolver maps (symbol, exchange) to contract details with O(1) lookups.
type Resolver struct {
	http   *resty.Client
	logger *slog.Logger

	mu    sync.RWMutex
	table map[string]Contract // key: EXCHANGE|SYMBOL

	reloadInterval time.Duration
}

// NewResolver creates a resolver backed by the master-contract service.
func NewResolver(contractURL string, reloadInterval time.Duration, logger *slog.Logger) *Resolver {
	httpClient := resty.New().
		SetBaseURL(contractURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	return &Resolver{
		http:           httpClient,
		logger:         logger.With("component", "symbols"),
		table:          make(map[string]Contract),
		reloadInterval: reloadInterval,
	}
}

func key(symbol, exchange string) string {
	return strings.ToUpper(exchange) + "|" + strings.ToUpper(symbol)
}

// Resolve returns the contract for (symbol, exchange), or a SYMBOL_NOT_FOUND
// broker error when the pair is absent from the master table.
func (r *Resolver) Resolve(symbol, exchange string) (Contract, error) {
	r.mu.RLock()
	c, ok := r.table[key(symbol, exchange)]
	r.mu.RUnlock()
	if !ok {
		return Contract{}, broker.NewError(types.CodeSymbolNotFound,
			fmt.Sprintf("symbol %s not found on %s", symbol, exchange))
	}
	return c, nil
}

// Load downloads the master-contract table and swaps it in atomically.
func (r *Resolver) Load(ctx context.Context) error {
	var contracts []Contract
	resp, err := r.http.R().
		SetContext(ctx).
		SetResult(&contracts).
		// Decode regardless of the content type the contract service sends.
		ForceContentType("application/json").
		Get("/contracts")
	if err != nil {
		return fmt.Errorf("fetch master contracts: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("fetch master contracts: status %d", resp.StatusCode())
	}
	if len(contracts) == 0 {
		// A glitchy 200 with an empty body must not erase the working table.
		return fmt.Errorf("fetch master contracts: empty contract list")
	}

	table := make(map[string]Contract, len(contracts))
	for _, c := range contracts {
		if c.LotSize <= 0 {
			c.LotSize = 1
		}
		table[key(c.Symbol, c.Exchange)] = c
	}

	r.mu.Lock()
	r.table = table
	r.mu.Unlock()

	r.logger.Info("master contracts loaded", "count", len(table))
	return nil
}

// Run reloads the table periodically until ctx is cancelled. A failed reload
// keeps the previous table; lookups keep working on yesterday's contracts.
func (r *Resolver) Run(ctx context.Context) {
	ticker := time.NewTicker(r.reloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Load(ctx); err != nil {
				r.logger.Error("master contract reload failed", "error", err)
			}
		}
	}
}

// Put inserts a contract directly. Test helper and seed path for embedded use.
func (r *Resolver) Put(c Contract) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.LotSize <= 0 {
		c.LotSize = 1
	}
	r.table[key(c.Symbol, c.Exchange)] = c
}

// Count returns the number of loaded contracts.
func (r *Resolver) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.table)
}
