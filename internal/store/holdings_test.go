package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"exchange-core/pkg/types"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestReserveAndRelease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	h, err := NewHoldingsStore(db)
	if err != nil {
		t.Fatalf("NewHoldingsStore: %v", err)
	}
	defer h.Close()

	if err := h.Set(ctx, nil, "acct1", "usd", dec("100")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	ok, err := h.Reserve(ctx, nil, "acct1", "usd", dec("60"))
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if !ok {
		t.Fatal("Reserve = false, want true")
	}

	got, err := h.Get(ctx, nil, "acct1", "usd")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Quantity.Equal(dec("40")) {
		t.Errorf("available after reserve = %s, want 40", got.Quantity)
	}

	// Remaining 40 cannot cover 50; the balance must be untouched.
	ok, err = h.Reserve(ctx, nil, "acct1", "usd", dec("50"))
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if ok {
		t.Fatal("Reserve = true, want false on insufficient balance")
	}
	got, _ = h.Get(ctx, nil, "acct1", "usd")
	if !got.Quantity.Equal(dec("40")) {
		t.Errorf("available after failed reserve = %s, want 40", got.Quantity)
	}

	if err := h.Release(ctx, nil, "acct1", "usd", dec("60")); err != nil {
		t.Fatalf("Release: %v", err)
	}
	got, _ = h.Get(ctx, nil, "acct1", "usd")
	if !got.Quantity.Equal(dec("100")) {
		t.Errorf("available after release = %s, want 100", got.Quantity)
	}
}

func TestReserveMissingRow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	h, err := NewHoldingsStore(db)
	if err != nil {
		t.Fatalf("NewHoldingsStore: %v", err)
	}
	defer h.Close()

	ok, err := h.Reserve(ctx, nil, "nobody", "usd", dec("1"))
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if ok {
		t.Fatal("Reserve = true for account with no holding row")
	}
}

func TestAdjustInsufficient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	h, err := NewHoldingsStore(db)
	if err != nil {
		t.Fatalf("NewHoldingsStore: %v", err)
	}
	defer h.Close()

	if err := h.Set(ctx, nil, "acct1", "btc", dec("2")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	err = h.Adjust(ctx, nil, "acct1", "btc", dec("-3"))
	if !errors.Is(err, types.ErrInsufficientFunds) {
		t.Fatalf("Adjust = %v, want ErrInsufficientFunds", err)
	}
	got, _ := h.Get(ctx, nil, "acct1", "btc")
	if !got.Quantity.Equal(dec("2")) {
		t.Errorf("balance after failed adjust = %s, want 2", got.Quantity)
	}
}

func TestGetMissing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	h, err := NewHoldingsStore(db)
	if err != nil {
		t.Fatalf("NewHoldingsStore: %v", err)
	}
	defer h.Close()

	got, err := h.Get(ctx, nil, "nobody", "usd")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing holding, got %+v", got)
	}
}

func TestCreditWithCostWeightedAverage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	h, err := NewHoldingsStore(db)
	if err != nil {
		t.Fatalf("NewHoldingsStore: %v", err)
	}
	defer h.Close()

	if err := h.CreditWithCost(ctx, nil, "acct1", "btc", dec("10"), dec("2")); err != nil {
		t.Fatalf("CreditWithCost: %v", err)
	}
	if err := h.CreditWithCost(ctx, nil, "acct1", "btc", dec("10"), dec("4")); err != nil {
		t.Fatalf("CreditWithCost: %v", err)
	}

	got, err := h.Get(ctx, nil, "acct1", "btc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Quantity.Equal(dec("20")) {
		t.Errorf("quantity = %s, want 20", got.Quantity)
	}
	if !got.TotalCost.Equal(dec("60")) {
		t.Errorf("total cost = %s, want 60", got.TotalCost)
	}
	if !got.AverageCostBasis.Equal(dec("3")) {
		t.Errorf("avg cost = %s, want 3", got.AverageCostBasis)
	}
}

func TestReduceCost(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	h, err := NewHoldingsStore(db)
	if err != nil {
		t.Fatalf("NewHoldingsStore: %v", err)
	}
	defer h.Close()

	if err := h.CreditWithCost(ctx, nil, "acct1", "btc", dec("20"), dec("3")); err != nil {
		t.Fatalf("CreditWithCost: %v", err)
	}

	// Disposal reduces cost basis proportionally; available quantity is
	// untouched (it left the row at reservation time).
	if err := h.ReduceCost(ctx, nil, "acct1", "btc", dec("5")); err != nil {
		t.Fatalf("ReduceCost: %v", err)
	}

	got, _ := h.Get(ctx, nil, "acct1", "btc")
	if !got.TotalCost.Equal(dec("45")) {
		t.Errorf("total cost = %s, want 45", got.TotalCost)
	}
	if !got.Quantity.Equal(dec("20")) {
		t.Errorf("quantity = %s, want 20", got.Quantity)
	}
}

func TestAdjustRollsBackWithTransaction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	h, err := NewHoldingsStore(db)
	if err != nil {
		t.Fatalf("NewHoldingsStore: %v", err)
	}
	defer h.Close()

	if err := h.Set(ctx, nil, "acct1", "usd", dec("100")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := h.Adjust(ctx, tx, "acct1", "usd", dec("-70")); err != nil {
		t.Fatalf("Adjust in tx: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	got, _ := h.Get(ctx, nil, "acct1", "usd")
	if !got.Quantity.Equal(dec("100")) {
		t.Errorf("balance after rollback = %s, want 100", got.Quantity)
	}
}
