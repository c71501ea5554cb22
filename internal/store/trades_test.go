package store

import (
	"context"
	"testing"
	"time"

	"exchange-core/pkg/types"
)

func TestRecentTradesAndLastPrice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	s, err := NewTradeStore(db)
	if err != nil {
		t.Fatalf("NewTradeStore: %v", err)
	}
	defer s.Close()

	base := time.Now()
	trades := []types.Trade{
		{ID: "t1", MarketID: "m1", TakerOrderID: "o1", MakerOrderID: "o2", TakerSide: types.Bid,
			Price: dec("100"), Quantity: dec("1"), TakerAccountID: "a", MakerAccountID: "b",
			CreatedAt: base},
		{ID: "t2", MarketID: "m1", TakerOrderID: "o3", MakerOrderID: "o4", TakerSide: types.Ask,
			Price: dec("101"), Quantity: dec("2"), TakerAccountID: "c", MakerAccountID: "d",
			CreatedAt: base.Add(time.Second)},
		{ID: "t3", MarketID: "m1", TakerOrderID: "o5", MakerOrderID: "o6", TakerSide: types.Bid,
			Price: dec("99"), Quantity: dec("0.5"), TakerAccountID: "e", MakerAccountID: "f",
			CreatedAt: base.Add(2 * time.Second)},
	}
	if err := s.BatchCreate(ctx, nil, trades); err != nil {
		t.Fatalf("BatchCreate: %v", err)
	}

	recent, err := s.GetRecent(ctx, "m1", 2)
	if err != nil {
		t.Fatalf("GetRecent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("len(recent) = %d, want 2", len(recent))
	}
	if recent[0].ID != "t3" || recent[1].ID != "t2" {
		t.Errorf("recent order = %s, %s, want t3, t2", recent[0].ID, recent[1].ID)
	}

	last, ok, err := s.GetLastPrice(ctx, "m1")
	if err != nil {
		t.Fatalf("GetLastPrice: %v", err)
	}
	if !ok {
		t.Fatal("GetLastPrice ok = false")
	}
	if !last.Equal(dec("99")) {
		t.Errorf("last price = %s, want 99", last)
	}
}

func TestLastPriceNeverTraded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)

	s, err := NewTradeStore(db)
	if err != nil {
		t.Fatalf("NewTradeStore: %v", err)
	}
	defer s.Close()

	_, ok, err := s.GetLastPrice(ctx, "empty")
	if err != nil {
		t.Fatalf("GetLastPrice: %v", err)
	}
	if ok {
		t.Fatal("GetLastPrice ok = true for market with no trades")
	}
}
