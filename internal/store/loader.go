package store

import (
	"context"

	"exchange-core/pkg/types"
)

// BookLoader bundles the authoritative reads the order-book cache needs
// for rebuilds: resting orders per market and the set of known markets.
type BookLoader struct {
	orders  *OrderStore
	markets *MarketStore
}

// NewBookLoader creates the loader over the two stores.
func NewBookLoader(orders *OrderStore, markets *MarketStore) *BookLoader {
	return &BookLoader{orders: orders, markets: markets}
}

// GetByMarket returns every resting order for one market.
func (l *BookLoader) GetByMarket(ctx context.Context, marketID string) ([]types.Order, error) {
	return l.orders.GetByMarket(ctx, marketID)
}

// MarketIDs returns every known market id.
func (l *BookLoader) MarketIDs(ctx context.Context) ([]string, error) {
	return l.markets.IDs(ctx)
}
