package sim

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"marketgate/internal/config"
	"marketgate/internal/store"
	"marketgate/pkg/types"
)

// Scheduler runs the simulated-market lifecycle jobs on IST wall time:
// per-exchange MIS square-off, nightly T+1 settlement of CNC positions into
// holdings, and the weekly capital reset.
//
// Square-off and the weekly reset record SimState markers after completion,
// so a restart on the same day never re-runs a finished job. Settlement is
// idempotent without a marker — settled positions leave the table — and
// catches up on startup if the process was down at midnight.
type Scheduler struct {
	store  *store.Store
	engine *Engine
	cfg    config.SimConfig
	ist    *time.Location
	cron   *cron.Cron
	logger *slog.Logger
	now    func() time.Time
}

// NewScheduler builds the cron set; Start registers and runs the jobs.
func NewScheduler(st *store.Store, engine *Engine, cfg config.SimConfig, ist *time.Location, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:  st,
		engine: engine,
		cfg:    cfg,
		ist:    ist,
		cron:   cron.New(cron.WithLocation(ist)),
		logger: logger.With("component", "scheduler"),
		now:    time.Now,
	}
}

// Start registers all jobs and starts the cron loop. It first runs a
// settlement catch-up so CNC positions left from previous sessions settle
// even when the process was down at the scheduled time.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.settleDue(); err != nil {
		s.logger.Error("startup settlement", "error", err)
	}

	for exchange, hhmm := range s.cfg.SquareOffTimes {
		spec, err := cronSpec(hhmm)
		if err != nil {
			return fmt.Errorf("square_off_times[%s]: %w", exchange, err)
		}
		exch := exchange
		if _, err := s.cron.AddFunc(spec, func() { s.runSquareOff(ctx, exch) }); err != nil {
			return fmt.Errorf("schedule square-off %s: %w", exchange, err)
		}
	}

	// Settle just after midnight so positions created "yesterday" are due.
	if _, err := s.cron.AddFunc("5 0 * * *", func() {
		if err := s.settleDue(); err != nil {
			s.logger.Error("nightly settlement", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule settlement: %w", err)
	}

	resetAt, err := time.Parse("15:04", s.cfg.ResetTime)
	if err != nil {
		return fmt.Errorf("reset_time: bad time %q (want HH:MM)", s.cfg.ResetTime)
	}
	resetSpec := fmt.Sprintf("%d %d * * %s", resetAt.Minute(), resetAt.Hour(), weekdayField(s.cfg.ResetWeekday))
	if _, err := s.cron.AddFunc(resetSpec, s.runWeeklyReset); err != nil {
		return fmt.Errorf("schedule weekly reset: %w", err)
	}

	s.cron.Start()
	go func() {
		<-ctx.Done()
		s.cron.Stop()
	}()
	s.logger.Info("scheduler started",
		"square_off_exchanges", len(s.cfg.SquareOffTimes),
		"reset", s.cfg.ResetWeekday+" "+s.cfg.ResetTime)
	return nil
}

// runSquareOff force-closes MIS on one exchange, at most once per IST day.
func (s *Scheduler) runSquareOff(ctx context.Context, exchange string) {
	today := s.now().In(s.ist).Format("2006-01-02")
	marker := "job:squareoff:" + exchange
	if done, _ := s.store.StateGet(marker); done == today {
		return
	}

	blockUntil := nextMorning(s.now().In(s.ist))
	if err := s.engine.SquareOffExchange(ctx, exchange, blockUntil); err != nil {
		s.logger.Error("square-off failed", "exchange", exchange, "error", err)
		return
	}
	if err := s.store.StateSet(marker, today); err != nil {
		s.logger.Error("mark square-off done", "exchange", exchange, "error", err)
	}
}

// settleDue migrates CNC positions created before today (IST) into
// holdings. The cash blocked at acceptance is spent on delivery: capital
// and used margin both drop by the position's blocked margin, which keeps
// available + used = capital + realized intact.
//
// Settlement is idempotent by construction rather than by marker: a settled
// position leaves the table, so every run re-queries what is still due —
// including positions whose settlement failed on an earlier run the same day.
func (s *Scheduler) settleDue() error {
	nowIST := s.now().In(s.ist)
	cutoff := time.Date(nowIST.Year(), nowIST.Month(), nowIST.Day(), 0, 0, 0, 0, s.ist)
	due, err := s.store.CNCPositionsCreatedBefore(cutoff)
	if err != nil {
		return err
	}

	failed := 0
	for i := range due {
		p := due[i]
		err := s.store.Transaction(func(tx *store.Store) error {
			if err := tx.UpsertHolding(p.UserID, p.Symbol, p.Exchange, p.Quantity, p.AvgPrice, s.now()); err != nil {
				return err
			}
			if err := tx.DeletePosition(&p); err != nil {
				return err
			}
			if p.MarginBlocked.IsZero() {
				return nil
			}
			funds, err := tx.FundsFor(p.UserID, decimal.NewFromFloat(s.cfg.StartingCapital).Round(2))
			if err != nil {
				return err
			}
			funds.Capital = funds.Capital.Sub(p.MarginBlocked)
			funds.UsedMargin = funds.UsedMargin.Sub(p.MarginBlocked)
			return tx.SaveFunds(funds)
		})
		if err != nil {
			failed++
			s.logger.Error("settle position", "user", p.UserID, "symbol", p.Symbol, "error", err)
			continue
		}
		s.logger.Info("position settled to holdings",
			"user", p.UserID, "symbol", p.Symbol, "qty", p.Quantity)
	}

	if failed > 0 {
		return fmt.Errorf("settlement: %d of %d due positions failed", failed, len(due))
	}
	return nil
}

// runWeeklyReset restores every user to the starting capital. Open orders
// are cancelled and position rows dropped so no stale margin references
// survive the reset; holdings are preserved.
func (s *Scheduler) runWeeklyReset() {
	nowIST := s.now().In(s.ist)
	year, wk := nowIST.ISOWeek()
	week := fmt.Sprintf("%04d-W%02d", year, wk)
	if done, _ := s.store.StateGet("job:reset"); done == week {
		return
	}

	err := s.store.Transaction(func(tx *store.Store) error {
		open, err := tx.OpenOrders()
		if err != nil {
			return err
		}
		for i := range open {
			open[i].Status = types.StatusCancelled
			open[i].Reason = "weekly reset"
			if err := tx.SaveOrder(&open[i]); err != nil {
				return err
			}
		}

		if err := tx.ClearPositions(); err != nil {
			return err
		}

		all, err := tx.AllFunds()
		if err != nil {
			return err
		}
		starting := decimal.NewFromFloat(s.cfg.StartingCapital).Round(2)
		for i := range all {
			f := &all[i]
			f.Capital = starting
			f.Available = starting
			f.UsedMargin = decimal.Zero
			f.RealizedPnLToday = decimal.Zero
			f.UnrealizedPnL = decimal.Zero
			if err := tx.SaveFunds(f); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("weekly reset failed", "error", err)
		return
	}
	if err := s.store.StateSet("job:reset", week); err != nil {
		s.logger.Error("mark reset done", "error", err)
	}
	s.logger.Info("weekly capital reset complete", "week", week)
}

// ————————————————————————————————————————————————————————————————————————
// Helpers
// ————————————————————————————————————————————————————————————————————————

// cronSpec turns "HH:MM" into a daily cron expression.
func cronSpec(hhmm string) (string, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return "", fmt.Errorf("bad time %q (want HH:MM)", hhmm)
	}
	return fmt.Sprintf("%d %d * * *", t.Minute(), t.Hour()), nil
}

func weekdayField(name string) string {
	switch strings.ToLower(name) {
	case "sunday":
		return "0"
	case "monday":
		return "1"
	case "tuesday":
		return "2"
	case "wednesday":
		return "3"
	case "thursday":
		return "4"
	case "friday":
		return "5"
	case "saturday":
		return "6"
	}
	return "0"
}

// nextMorning is 09:00 on the day after t, when MIS unblocks.
func nextMorning(t time.Time) time.Time {
	next := t.AddDate(0, 0, 1)
	return time.Date(next.Year(), next.Month(), next.Day(), 9, 0, 0, 0, t.Location())
}
