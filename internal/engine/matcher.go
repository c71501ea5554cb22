package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"exchange-core/internal/store"
	"exchange-core/pkg/types"
)

// SelfTradePolicy controls what happens when a taker meets a maker owned
// by the same account.
type SelfTradePolicy string

const (
	// SelfTradeAllow executes the match normally (default).
	SelfTradeAllow SelfTradePolicy = "allow"
	// SelfTradeSkip leaves the maker untouched and continues the walk.
	SelfTradeSkip SelfTradePolicy = "skip"
)

// matchOutcome is the result of one pure matching walk: no I/O has
// happened yet, everything in it is applied to the stores afterwards.
type matchOutcome struct {
	matches        []types.Match
	updatedMakers  []types.Order
	completedIDs   []string
	takerRemaining decimal.Decimal
}

// crosses reports whether the taker's limit reaches the maker's price.
func crosses(takerSide types.Side, takerPrice, makerPrice decimal.Decimal) bool {
	if takerSide == types.Bid {
		return takerPrice.GreaterThanOrEqual(makerPrice)
	}
	return takerPrice.LessThanOrEqual(makerPrice)
}

// match walks the opposing side in priority order and pre-computes every
// execution. makers must already be sorted best-price-first with ties by
// createdAt ascending — the order-store matching query guarantees that,
// and this walk adds no ordering of its own. The walk stops at the first
// maker the taker does not cross: the list is sorted, so no later maker
// can match either.
//
// Every match executes at the maker's price and for
// min(takerRemaining, makerQuantity). The outcome is deterministic in its
// inputs; timestamps are taken once for the whole walk.
func match(taker types.Order, makers []types.Order, policy SelfTradePolicy) matchOutcome {
	out := matchOutcome{takerRemaining: taker.Quantity}
	now := time.Now()

	for i := range makers {
		if out.takerRemaining.IsZero() {
			break
		}
		maker := makers[i]

		if !crosses(taker.Side, taker.Price, maker.Price) {
			break
		}
		if policy == SelfTradeSkip && maker.AccountID == taker.AccountID {
			continue
		}

		q := decimal.Min(out.takerRemaining, maker.Quantity)
		out.takerRemaining = out.takerRemaining.Sub(q)
		makerRemaining := maker.Quantity.Sub(q)

		out.matches = append(out.matches, types.Match{
			MakerOrderID:        maker.ID,
			TakerOrderID:        taker.ID,
			TakerSide:           taker.Side,
			Quantity:            q,
			Price:               maker.Price,
			Timestamp:           now,
			TakerRemainingAfter: out.takerRemaining,
			MakerRemainingAfter: makerRemaining,
			MakerAccountID:      maker.AccountID,
			TakerAccountID:      taker.AccountID,
		})

		if makerRemaining.IsZero() {
			out.completedIDs = append(out.completedIDs, maker.ID)
		} else {
			maker.Quantity = makerRemaining
			out.updatedMakers = append(out.updatedMakers, maker)
		}
	}
	return out
}

// quantityUpdates converts the partially-filled makers into the batched
// order-store mutation form.
func (o matchOutcome) quantityUpdates() []store.QuantityUpdate {
	if len(o.updatedMakers) == 0 {
		return nil
	}
	ups := make([]store.QuantityUpdate, len(o.updatedMakers))
	for i, m := range o.updatedMakers {
		ups[i] = store.QuantityUpdate{OrderID: m.ID, Quantity: m.Quantity}
	}
	return ups
}
