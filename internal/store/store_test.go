package store

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marketgate/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := Open(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func d(v string) decimal.Decimal {
	out, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return out
}

func newOrder(userID string) *SimOrder {
	return &SimOrder{
		ID:        uuid.NewString(),
		UserID:    userID,
		Symbol:    "SBIN",
		Exchange:  "NSE",
		Action:    types.BUY,
		Quantity:  100,
		Product:   types.ProductMIS,
		PriceType: types.PriceTypeLimit,
		Price:     d("785.50"),
		Status:    types.StatusOpen,
		LotSize:   1,
	}
}

func TestOrderLifecycle(t *testing.T) {
	s := openTestStore(t)

	o := newOrder("u1")
	if err := s.CreateOrder(o); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	got, err := s.OrderByID("u1", o.ID)
	if err != nil {
		t.Fatalf("OrderByID: %v", err)
	}
	if !got.Price.Equal(d("785.50")) {
		t.Errorf("price = %s, want 785.50", got.Price)
	}

	// Scoped to owner: another user cannot see it.
	if _, err := s.OrderByID("u2", o.ID); err != ErrOrderNotFound {
		t.Errorf("cross-user lookup = %v, want ErrOrderNotFound", err)
	}

	open, err := s.OpenOrders()
	if err != nil {
		t.Fatalf("OpenOrders: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("open orders = %d, want 1", len(open))
	}

	got.Status = types.StatusCancelled
	if err := s.SaveOrder(got); err != nil {
		t.Fatalf("SaveOrder: %v", err)
	}
	open, _ = s.OpenOrders()
	if len(open) != 0 {
		t.Errorf("open orders after cancel = %d, want 0", len(open))
	}
}

func TestOpenPositionSingleRow(t *testing.T) {
	s := openTestStore(t)

	p := &Position{
		UserID: "u1", Symbol: "SBIN", Exchange: "NSE", Product: types.ProductMIS,
		Quantity: 100, AvgPrice: d("785.50"),
	}
	if err := s.SavePosition(p); err != nil {
		t.Fatalf("SavePosition: %v", err)
	}

	// A closed row for the same key does not shadow the open one.
	closed := &Position{
		UserID: "u1", Symbol: "SBIN", Exchange: "NSE", Product: types.ProductMIS,
		Quantity: 0, RealizedPnL: d("120.00"),
	}
	if err := s.SavePosition(closed); err != nil {
		t.Fatalf("SavePosition closed: %v", err)
	}

	got, err := s.OpenPosition("u1", "SBIN", "NSE", types.ProductMIS)
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	if got == nil || got.Quantity != 100 {
		t.Fatalf("open position = %+v, want qty 100", got)
	}

	if got, _ := s.OpenPosition("u1", "SBIN", "NSE", types.ProductCNC); got != nil {
		t.Error("different product must not match")
	}
}

func TestFundsCreatedOnFirstUse(t *testing.T) {
	s := openTestStore(t)

	f, err := s.FundsFor("u1", d("10000000"))
	if err != nil {
		t.Fatalf("FundsFor: %v", err)
	}
	if !f.Available.Equal(d("10000000")) || !f.Capital.Equal(d("10000000")) {
		t.Errorf("fresh funds = %+v", f)
	}

	f.Available = f.Available.Sub(d("50000"))
	f.UsedMargin = d("50000")
	if err := s.SaveFunds(f); err != nil {
		t.Fatalf("SaveFunds: %v", err)
	}

	// Second fetch returns the saved ledger, not a fresh one.
	again, err := s.FundsFor("u1", d("10000000"))
	if err != nil {
		t.Fatalf("FundsFor again: %v", err)
	}
	if !again.UsedMargin.Equal(d("50000")) {
		t.Errorf("UsedMargin = %s, want 50000", again.UsedMargin)
	}
}

func TestTransactionRollback(t *testing.T) {
	s := openTestStore(t)

	o := newOrder("u1")
	err := s.Transaction(func(tx *Store) error {
		if err := tx.CreateOrder(o); err != nil {
			return err
		}
		return os.ErrInvalid // force rollback
	})
	if err == nil {
		t.Fatal("expected transaction error")
	}
	if _, err := s.OrderByID("u1", o.ID); err != ErrOrderNotFound {
		t.Errorf("order visible after rollback: %v", err)
	}
}

func TestUpsertHoldingMerges(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	if err := s.UpsertHolding("u1", "INFY", "NSE", 10, d("1500.00"), now); err != nil {
		t.Fatalf("UpsertHolding: %v", err)
	}
	if err := s.UpsertHolding("u1", "INFY", "NSE", 10, d("1600.00"), now); err != nil {
		t.Fatalf("UpsertHolding merge: %v", err)
	}

	holdings, err := s.Holdings("u1")
	if err != nil {
		t.Fatalf("Holdings: %v", err)
	}
	if len(holdings) != 1 {
		t.Fatalf("holdings rows = %d, want 1 (merged)", len(holdings))
	}
	if holdings[0].Quantity != 20 || !holdings[0].AvgPrice.Equal(d("1550.00")) {
		t.Errorf("holding = qty %d @ %s, want 20 @ 1550.00", holdings[0].Quantity, holdings[0].AvgPrice)
	}
}

func TestCNCPositionsCreatedBefore(t *testing.T) {
	s := openTestStore(t)

	old := &Position{
		UserID: "u1", Symbol: "INFY", Exchange: "NSE", Product: types.ProductCNC,
		Quantity: 10, AvgPrice: d("1500.00"),
	}
	if err := s.SavePosition(old); err != nil {
		t.Fatal(err)
	}
	// Backdate created_at past gorm's auto-stamping.
	s.db.Model(old).Update("created_at", time.Now().Add(-48*time.Hour))

	fresh := &Position{
		UserID: "u1", Symbol: "SBIN", Exchange: "NSE", Product: types.ProductCNC,
		Quantity: 5, AvgPrice: d("780.00"),
	}
	if err := s.SavePosition(fresh); err != nil {
		t.Fatal(err)
	}

	due, err := s.CNCPositionsCreatedBefore(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("CNCPositionsCreatedBefore: %v", err)
	}
	if len(due) != 1 || due[0].Symbol != "INFY" {
		t.Errorf("due = %+v, want only INFY", due)
	}
}

func TestStateRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if v, _ := s.StateGet("squareoff:NSE"); v != "" {
		t.Errorf("missing key = %q, want empty", v)
	}
	if err := s.StateSet("squareoff:NSE", "2026-08-24"); err != nil {
		t.Fatalf("StateSet: %v", err)
	}
	v, err := s.StateGet("squareoff:NSE")
	if err != nil || v != "2026-08-24" {
		t.Errorf("StateGet = %q/%v, want 2026-08-24", v, err)
	}
	// Overwrite
	if err := s.StateSet("squareoff:NSE", "2026-08-25"); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.StateGet("squareoff:NSE"); v != "2026-08-25" {
		t.Errorf("StateGet after overwrite = %q", v)
	}
}

func TestChangeNotifications(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.FundsFor("u1", d("100")); err != nil {
		t.Fatal(err)
	}
	select {
	case topic := <-s.Changes():
		if topic != "funds:u1" {
			t.Errorf("topic = %q, want funds:u1", topic)
		}
	default:
		t.Error("expected a change notification for funds creation")
	}
}
