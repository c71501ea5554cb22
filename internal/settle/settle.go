// Package settle applies holding transfers for matched trades.
//
// Both counterparties reserved their outgoing asset at order-placement
// time (the bid side its quote at the limit price, the ask side its base),
// so settlement only credits the incoming side of each party: the consumed
// reservation stays permanently debited. Every transfer runs inside the
// matching transaction — a trade row and its holding transfers commit or
// roll back together.
package settle

import (
	"context"
	"database/sql"
	"fmt"

	"exchange-core/internal/store"
	"exchange-core/pkg/types"
)

// Settler moves base and quote between maker and taker at the match price.
type Settler struct {
	holdings *store.HoldingsStore
}

// New creates a Settler over the holdings ledger.
func New(holdings *store.HoldingsStore) *Settler {
	return &Settler{holdings: holdings}
}

// SettleMatch transfers assets for one match within tx.
//
// takerLimit is the taker's own limit price. A bid taker reserves quote at
// its limit but executes at the maker's price; the per-unit difference is
// released back to the taker here so reserved + available always sums to
// the account's true quote holding. An ask taker reserved base exactly, so
// there is never a surplus on that side.
func (s *Settler) SettleMatch(ctx context.Context, tx *sql.Tx, market *types.Market, m types.Match, takerLimit types.Order) error {
	q := m.Quantity
	notional := m.Price.Mul(q)

	if m.TakerSide == types.Bid {
		// Taker buys base from the maker.
		if err := s.holdings.CreditWithCost(ctx, tx, m.TakerAccountID, market.BaseAssetID, q, m.Price); err != nil {
			return fmt.Errorf("credit taker base: %w", err)
		}
		if err := s.holdings.Adjust(ctx, tx, m.MakerAccountID, market.QuoteAssetID, notional); err != nil {
			return fmt.Errorf("credit maker quote: %w", err)
		}
		if err := s.holdings.ReduceCost(ctx, tx, m.MakerAccountID, market.BaseAssetID, q); err != nil {
			return fmt.Errorf("reduce maker cost basis: %w", err)
		}

		if surplus := takerLimit.Price.Sub(m.Price).Mul(q); surplus.IsPositive() {
			if err := s.holdings.Release(ctx, tx, m.TakerAccountID, market.QuoteAssetID, surplus); err != nil {
				return fmt.Errorf("release taker surplus: %w", err)
			}
		}
		return nil
	}

	// Taker sells base to the maker.
	if err := s.holdings.Adjust(ctx, tx, m.TakerAccountID, market.QuoteAssetID, notional); err != nil {
		return fmt.Errorf("credit taker quote: %w", err)
	}
	if err := s.holdings.ReduceCost(ctx, tx, m.TakerAccountID, market.BaseAssetID, q); err != nil {
		return fmt.Errorf("reduce taker cost basis: %w", err)
	}
	if err := s.holdings.CreditWithCost(ctx, tx, m.MakerAccountID, market.BaseAssetID, q, m.Price); err != nil {
		return fmt.Errorf("credit maker base: %w", err)
	}
	return nil
}

// SettleAll settles every match from one matching walk in order.
func (s *Settler) SettleAll(ctx context.Context, tx *sql.Tx, market *types.Market, matches []types.Match, taker types.Order) error {
	for _, m := range matches {
		if err := s.SettleMatch(ctx, tx, market, m, taker); err != nil {
			return err
		}
	}
	return nil
}
