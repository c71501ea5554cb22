package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"exchange-core/pkg/types"
)

func newOrder(id, market string, side types.Side, price, qty string, createdAt time.Time) types.Order {
	return types.Order{
		ID:           id,
		MarketID:     market,
		AccountID:    "acct-" + id,
		Side:         side,
		Price:        dec(price),
		Quantity:     dec(qty),
		QuoteAssetID: "usd",
		CreatedAt:    createdAt,
	}
}

func TestMatchingPriorityOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	s, err := NewOrderStore(db)
	if err != nil {
		t.Fatalf("NewOrderStore: %v", err)
	}
	defer s.Close()

	base := time.Now()
	// Insertion order deliberately scrambled; the matching read must sort.
	for _, o := range []types.Order{
		newOrder("b1", "m1", types.Bid, "10", "1", base.Add(2*time.Second)),
		newOrder("b2", "m1", types.Bid, "12", "1", base.Add(3*time.Second)),
		newOrder("b3", "m1", types.Bid, "10", "1", base.Add(1*time.Second)),
		newOrder("a1", "m1", types.Ask, "15", "1", base.Add(2*time.Second)),
		newOrder("a2", "m1", types.Ask, "14", "1", base.Add(3*time.Second)),
		newOrder("a3", "m1", types.Ask, "15", "1", base.Add(1*time.Second)),
	} {
		if err := s.Create(ctx, nil, o); err != nil {
			t.Fatalf("Create %s: %v", o.ID, err)
		}
	}

	bids, err := s.GetByMarketAndSideForMatching(ctx, nil, "m1", types.Bid)
	if err != nil {
		t.Fatalf("bids: %v", err)
	}
	wantBids := []string{"b2", "b3", "b1"} // highest price first, then oldest
	for i, want := range wantBids {
		if bids[i].ID != want {
			t.Errorf("bids[%d] = %s, want %s", i, bids[i].ID, want)
		}
	}

	asks, err := s.GetByMarketAndSideForMatching(ctx, nil, "m1", types.Ask)
	if err != nil {
		t.Fatalf("asks: %v", err)
	}
	wantAsks := []string{"a2", "a3", "a1"} // lowest price first, then oldest
	for i, want := range wantAsks {
		if asks[i].ID != want {
			t.Errorf("asks[%d] = %s, want %s", i, asks[i].ID, want)
		}
	}
}

func TestOrderRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	s, err := NewOrderStore(db)
	if err != nil {
		t.Fatalf("NewOrderStore: %v", err)
	}
	defer s.Close()

	o := newOrder("o1", "m1", types.Bid, "10.50", "2.25", time.Now())
	if err := s.Create(ctx, nil, o); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.GetByID(ctx, nil, "o1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if !got.Price.Equal(o.Price) || !got.Quantity.Equal(o.Quantity) {
		t.Errorf("round trip = %s @ %s, want %s @ %s", got.Quantity, got.Price, o.Quantity, o.Price)
	}
	if got.Side != types.Bid || got.AccountID != o.AccountID {
		t.Errorf("round trip side/account = %s/%s", got.Side, got.AccountID)
	}
}

func TestUpdateQuantityAndDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	s, err := NewOrderStore(db)
	if err != nil {
		t.Fatalf("NewOrderStore: %v", err)
	}
	defer s.Close()

	if err := s.Create(ctx, nil, newOrder("o1", "m1", types.Ask, "10", "5", time.Now())); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := s.UpdateQuantity(ctx, nil, "o1", dec("3")); err != nil {
		t.Fatalf("UpdateQuantity: %v", err)
	}
	got, _ := s.GetByID(ctx, nil, "o1")
	if !got.Quantity.Equal(dec("3")) {
		t.Errorf("quantity = %s, want 3", got.Quantity)
	}

	if err := s.Delete(ctx, nil, "o1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.GetByID(ctx, nil, "o1"); !errors.Is(err, types.ErrOrderNotFound) {
		t.Fatalf("GetByID after delete = %v, want ErrOrderNotFound", err)
	}

	if err := s.Delete(ctx, nil, "o1"); !errors.Is(err, types.ErrOrderNotFound) {
		t.Fatalf("Delete missing = %v, want ErrOrderNotFound", err)
	}
}

func TestBatchMutations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	s, err := NewOrderStore(db)
	if err != nil {
		t.Fatalf("NewOrderStore: %v", err)
	}
	defer s.Close()

	now := time.Now()
	for _, id := range []string{"o1", "o2", "o3"} {
		if err := s.Create(ctx, nil, newOrder(id, "m1", types.Ask, "10", "5", now)); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	err = s.Batch(ctx, tx,
		[]QuantityUpdate{{OrderID: "o1", Quantity: dec("2")}},
		[]string{"o2", "o3"})
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, _ := s.GetByID(ctx, nil, "o1")
	if !got.Quantity.Equal(dec("2")) {
		t.Errorf("o1 quantity = %s, want 2", got.Quantity)
	}
	for _, id := range []string{"o2", "o3"} {
		if _, err := s.GetByID(ctx, nil, id); !errors.Is(err, types.ErrOrderNotFound) {
			t.Errorf("%s after batch delete = %v, want ErrOrderNotFound", id, err)
		}
	}
}
