// Package engine is the core of the exchange: it couples the order book,
// the holdings ledger, and the settlement layer under one per-market
// concurrency protocol.
//
// PlaceOrder follows a fixed sequence:
//
//  1. Validate the request and resolve the market.
//  2. Acquire the per-market lock (Redis SET NX EX).
//  3. Open one SQL transaction and reserve the taker's outgoing asset.
//  4. Persist the taker, read the opposing side in priority order, and
//     pre-compute all matches in memory.
//  5. Apply maker mutations as one batch, settle every match, append the
//     trades, and fix up the taker remainder.
//  6. Verify the lock is still held, then commit.
//  7. Reconcile the order-book cache and publish the queued events.
//
// Any failure before commit rolls everything back and leaves the cache
// untouched; the caller gets a nil result. Cache reconcile failures after
// commit never un-commit anything — the affected market is cleared and
// rebuilt from the order store instead.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"exchange-core/internal/book"
	"exchange-core/internal/events"
	"exchange-core/internal/lock"
	"exchange-core/internal/settle"
	"exchange-core/internal/store"
	"exchange-core/pkg/types"
)

// Options tune matching-path policy.
type Options struct {
	SelfTrade    SelfTradePolicy // default allow
	CacheRetries int             // per-mutation reconcile attempts, default 3
}

// Engine is the public core API consumed by the outer layers.
type Engine struct {
	db       *store.DB
	holdings *store.HoldingsStore
	orders   *store.OrderStore
	trades   *store.TradeStore
	markets  *store.MarketStore
	cache    *book.Book
	locker   *lock.Locker
	settler  *settle.Settler
	bus      *events.Bus
	logger   *slog.Logger
	opts     Options
}

// New wires the engine over its stores and cache.
func New(db *store.DB, holdings *store.HoldingsStore, orders *store.OrderStore,
	trades *store.TradeStore, markets *store.MarketStore, cache *book.Book,
	locker *lock.Locker, bus *events.Bus, logger *slog.Logger, opts Options) *Engine {

	if opts.SelfTrade == "" {
		opts.SelfTrade = SelfTradeAllow
	}
	if opts.CacheRetries <= 0 {
		opts.CacheRetries = 3
	}
	return &Engine{
		db:       db,
		holdings: holdings,
		orders:   orders,
		trades:   trades,
		markets:  markets,
		cache:    cache,
		locker:   locker,
		settler:  settle.New(holdings),
		bus:      bus,
		logger:   logger.With("component", "engine"),
		opts:     opts,
	}
}

// RestoreAll rebuilds the order-book cache for every market from the
// order store. Called once at process start.
func (e *Engine) RestoreAll(ctx context.Context) error {
	return e.cache.RestoreAll(ctx)
}

// maxFractionalDigits is the precision the store's money columns carry.
// Finer inputs would truncate to different values at the storage boundary,
// so they are rejected here instead.
const maxFractionalDigits = 8

// validate applies the pre-matching checks that reject an order before
// any state changes: positivity, precision, side, and the market's
// per-order cap.
func validate(market *types.Market, req types.OrderRequest) error {
	if !req.Side.Valid() {
		return fmt.Errorf("%w: unknown side %q", types.ErrInvalidOrder, req.Side)
	}
	if !req.Price.IsPositive() {
		return fmt.Errorf("%w: price must be positive", types.ErrInvalidOrder)
	}
	if !req.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive", types.ErrInvalidOrder)
	}
	if !req.Price.Round(maxFractionalDigits).Equal(req.Price) {
		return fmt.Errorf("%w: price %s exceeds %d fractional digits",
			types.ErrInvalidOrder, req.Price, maxFractionalDigits)
	}
	if !req.Quantity.Round(maxFractionalDigits).Equal(req.Quantity) {
		return fmt.Errorf("%w: quantity %s exceeds %d fractional digits",
			types.ErrInvalidOrder, req.Quantity, maxFractionalDigits)
	}
	if !market.Active {
		return fmt.Errorf("%w: market %s is inactive", types.ErrInvalidOrder, market.ID)
	}
	if market.MaxQuantity.IsPositive() && req.Quantity.GreaterThan(market.MaxQuantity) {
		return fmt.Errorf("%w: quantity %s exceeds market cap %s",
			types.ErrInvalidOrder, req.Quantity, market.MaxQuantity)
	}
	if req.QuoteAssetID != "" && req.QuoteAssetID != market.QuoteAssetID {
		return fmt.Errorf("%w: quote asset %s does not match market", types.ErrInvalidOrder, req.QuoteAssetID)
	}
	return nil
}

// PlaceOrder runs the full matching path for one incoming limit order.
func (e *Engine) PlaceOrder(ctx context.Context, marketID string, req types.OrderRequest) (*types.MatchingResult, error) {
	market, err := e.markets.GetByID(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if market == nil {
		return nil, fmt.Errorf("%w: %s", types.ErrMarketNotFound, marketID)
	}
	if err := validate(market, req); err != nil {
		return nil, err
	}

	lk, err := e.locker.Acquire(ctx, marketID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := lk.Release(context.WithoutCancel(ctx)); rerr != nil {
			e.logger.Warn("failed to release market lock", "market", marketID, "error", rerr)
		}
	}()

	taker := types.Order{
		ID:           uuid.NewString(),
		MarketID:     marketID,
		AccountID:    req.AccountID,
		Side:         req.Side,
		Price:        req.Price,
		Quantity:     req.Quantity,
		QuoteAssetID: market.QuoteAssetID,
		CreatedAt:    time.Now(),
	}

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStorage, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	// Reservation debits the taker's outgoing asset up front: quote at the
	// limit price for bids, base for asks.
	reserveAsset, reserveAmount := market.BaseAssetID, taker.Quantity
	if taker.Side == types.Bid {
		reserveAsset, reserveAmount = market.QuoteAssetID, taker.Price.Mul(taker.Quantity)
	}
	ok, err := e.holdings.Reserve(ctx, tx, taker.AccountID, reserveAsset, reserveAmount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: account %s needs %s of %s",
			types.ErrInsufficientFunds, taker.AccountID, reserveAmount, reserveAsset)
	}

	if err := e.orders.Create(ctx, tx, taker); err != nil {
		return nil, err
	}

	makers, err := e.orders.GetByMarketAndSideForMatching(ctx, tx, marketID, taker.Side.Opposite())
	if err != nil {
		return nil, err
	}

	outcome := match(taker, makers, e.opts.SelfTrade)

	if err := e.orders.Batch(ctx, tx, outcome.quantityUpdates(), outcome.completedIDs); err != nil {
		return nil, err
	}
	if err := e.settler.SettleAll(ctx, tx, market, outcome.matches, taker); err != nil {
		return nil, err
	}

	result := &types.MatchingResult{
		Matches:           outcome.matches,
		UpdatedMakers:     outcome.updatedMakers,
		CompletedMakerIDs: outcome.completedIDs,
	}

	// Taker remainder: rest it, or discard dust and release its reservation.
	rem := outcome.takerRemaining
	takerRests := false
	switch {
	case rem.IsZero():
		if err := e.orders.Delete(ctx, tx, taker.ID); err != nil {
			return nil, err
		}
	case rem.LessThan(market.MinQuantityIncrement):
		if err := e.orders.Delete(ctx, tx, taker.ID); err != nil {
			return nil, err
		}
		dustRelease := rem
		if taker.Side == types.Bid {
			dustRelease = taker.Price.Mul(rem)
		}
		if err := e.holdings.Release(ctx, tx, taker.AccountID, reserveAsset, dustRelease); err != nil {
			return nil, err
		}
	default:
		takerRests = true
		if rem.LessThan(taker.Quantity) {
			if err := e.orders.UpdateQuantity(ctx, tx, taker.ID, rem); err != nil {
				return nil, err
			}
		}
		rested := taker
		rested.Quantity = rem
		result.RemainingOrder = &rested
	}

	trades := e.buildTrades(marketID, outcome.matches)
	if err := e.trades.BatchCreate(ctx, tx, trades); err != nil {
		return nil, err
	}

	pending := e.queueEvents(marketID, outcome, trades, takerRests)

	// A caller that lost its lock to TTL expiry must not settle: another
	// matcher may already own this market.
	held, err := lk.Held(ctx)
	if err != nil {
		return nil, err
	}
	if !held {
		return nil, fmt.Errorf("%w: market lock lost before commit", types.ErrConflict)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", types.ErrStorage, err)
	}
	committed = true

	e.reconcileCache(ctx, marketID, taker, outcome, takerRests)
	pending.Flush(e.bus)

	return result, nil
}

func (e *Engine) buildTrades(marketID string, matches []types.Match) []types.Trade {
	if len(matches) == 0 {
		return nil
	}
	trades := make([]types.Trade, len(matches))
	for i, m := range matches {
		trades[i] = types.Trade{
			ID:             uuid.NewString(),
			MarketID:       marketID,
			TakerOrderID:   m.TakerOrderID,
			MakerOrderID:   m.MakerOrderID,
			TakerSide:      m.TakerSide,
			Price:          m.Price,
			Quantity:       m.Quantity,
			TakerAccountID: m.TakerAccountID,
			MakerAccountID: m.MakerAccountID,
			CreatedAt:      m.Timestamp,
		}
	}
	return trades
}

// queueEvents builds the deferred event queue: one ORDER_MATCH per match,
// one ORDER_FILL per side of each match, one TRADE_EXECUTION per trade.
func (e *Engine) queueEvents(marketID string, outcome matchOutcome, trades []types.Trade, takerRests bool) *events.Pending {
	pending := &events.Pending{}
	for _, m := range outcome.matches {
		pending.Queue(events.OrderMatch, events.MatchEvent{MarketID: marketID, Match: m})

		takerComplete := m.TakerRemainingAfter.IsZero() || (!takerRests && m.TakerRemainingAfter.Equal(outcome.takerRemaining))
		pending.Queue(events.OrderFill, events.FillEvent{
			OrderID:   m.TakerOrderID,
			MarketID:  marketID,
			Side:      m.TakerSide,
			Filled:    m.Quantity,
			Remaining: m.TakerRemainingAfter,
			Price:     m.Price,
			Complete:  takerComplete,
		})
		pending.Queue(events.OrderFill, events.FillEvent{
			OrderID:   m.MakerOrderID,
			MarketID:  marketID,
			Side:      m.TakerSide.Opposite(),
			Filled:    m.Quantity,
			Remaining: m.MakerRemainingAfter,
			Price:     m.Price,
			Complete:  m.MakerRemainingAfter.IsZero(),
		})
	}
	for _, t := range trades {
		pending.Queue(events.TradeExecution, events.TradeEvent{Trade: t})
	}
	return pending
}

// reconcileCache applies the committed mutations to the order-book cache.
// Each mutation is retried up to the configured bound; if any mutation
// still fails, the whole market cache is cleared and rebuilt from the
// order store.
func (e *Engine) reconcileCache(ctx context.Context, marketID string, taker types.Order, outcome matchOutcome, takerRests bool) {
	// The transaction is already committed; reconciliation must run to
	// completion even when the caller has given up.
	ctx = context.WithoutCancel(ctx)

	muts := make([]func() error, 0, len(outcome.completedIDs)+len(outcome.updatedMakers)+1)
	for _, id := range outcome.completedIDs {
		id := id
		muts = append(muts, func() error { return e.cache.Remove(ctx, id) })
	}
	for _, m := range outcome.updatedMakers {
		m := m
		muts = append(muts, func() error { return e.cache.Update(ctx, m.ID, m.Quantity) })
	}
	if takerRests {
		rested := taker
		rested.Quantity = outcome.takerRemaining
		muts = append(muts, func() error { return e.cache.Add(ctx, rested) })
	}

	for _, mut := range muts {
		if err := e.applyWithRetry(mut); err != nil {
			e.logger.Error("order book cache desync, rebuilding market",
				"market", marketID, "error", err)
			if rerr := e.cache.Restore(ctx, marketID); rerr != nil {
				e.logger.Error("order book cache rebuild failed", "market", marketID, "error", rerr)
			}
			return
		}
	}
}

func (e *Engine) applyWithRetry(mut func() error) error {
	var err error
	for attempt := 0; attempt < e.opts.CacheRetries; attempt++ {
		if err = mut(); err == nil {
			return nil
		}
	}
	return err
}

// CancelOrder removes a resting order and releases its reservation. The
// side must match the resting order; a mismatch is treated as not found.
func (e *Engine) CancelOrder(ctx context.Context, marketID, orderID string, side types.Side) (bool, error) {
	market, err := e.markets.GetByID(ctx, marketID)
	if err != nil {
		return false, err
	}
	if market == nil {
		return false, fmt.Errorf("%w: %s", types.ErrMarketNotFound, marketID)
	}

	lk, err := e.locker.Acquire(ctx, marketID)
	if err != nil {
		return false, err
	}
	defer func() {
		if rerr := lk.Release(context.WithoutCancel(ctx)); rerr != nil {
			e.logger.Warn("failed to release market lock", "market", marketID, "error", rerr)
		}
	}()

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: %v", types.ErrStorage, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	o, err := e.orders.GetByID(ctx, tx, orderID)
	if err != nil {
		return false, err
	}
	if o.MarketID != marketID || o.Side != side {
		return false, types.ErrOrderNotFound
	}

	if err := e.orders.Delete(ctx, tx, orderID); err != nil {
		return false, err
	}

	releaseAsset, releaseAmount := market.BaseAssetID, o.Quantity
	if o.Side == types.Bid {
		releaseAsset, releaseAmount = market.QuoteAssetID, o.Price.Mul(o.Quantity)
	}
	if err := e.holdings.Release(ctx, tx, o.AccountID, releaseAsset, releaseAmount); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%w: commit: %v", types.ErrStorage, err)
	}
	committed = true

	rctx := context.WithoutCancel(ctx)
	if err := e.applyWithRetry(func() error { return e.cache.Remove(rctx, orderID) }); err != nil {
		e.logger.Error("order book cache desync, rebuilding market", "market", marketID, "error", err)
		if rerr := e.cache.Restore(rctx, marketID); rerr != nil {
			e.logger.Error("order book cache rebuild failed", "market", marketID, "error", rerr)
		}
	}
	return true, nil
}

// OrderBook returns both sides of the cached book in priority order.
func (e *Engine) OrderBook(ctx context.Context, marketID string) (*types.BookSnapshot, error) {
	return e.cache.Snapshot(ctx, marketID)
}

// BestBid returns the highest resting bid price, if any.
func (e *Engine) BestBid(ctx context.Context, marketID string) (decimal.Decimal, bool, error) {
	return e.cache.BestBid(ctx, marketID)
}

// BestAsk returns the lowest resting ask price, if any.
func (e *Engine) BestAsk(ctx context.Context, marketID string) (decimal.Decimal, bool, error) {
	return e.cache.BestAsk(ctx, marketID)
}

// Spread returns bestAsk − bestBid, if both sides rest.
func (e *Engine) Spread(ctx context.Context, marketID string) (decimal.Decimal, bool, error) {
	return e.cache.Spread(ctx, marketID)
}

// Depth returns the aggregated top n price levels of each side.
func (e *Engine) Depth(ctx context.Context, marketID string, levels int) (*types.Depth, error) {
	return e.cache.Depth(ctx, marketID, levels)
}

// RecentTrades returns up to limit trades, newest first.
func (e *Engine) RecentTrades(ctx context.Context, marketID string, limit int) ([]types.Trade, error) {
	return e.trades.GetRecent(ctx, marketID, limit)
}

// LastTradePrice returns the most recent execution price for a market.
func (e *Engine) LastTradePrice(ctx context.Context, marketID string) (decimal.Decimal, bool, error) {
	return e.trades.GetLastPrice(ctx, marketID)
}

// ClearOrderBook drops the cached book for a market. Administrative and
// test-only; the authoritative orders are untouched and Restore rebuilds
// the cache from them.
func (e *Engine) ClearOrderBook(ctx context.Context, marketID string) error {
	return e.cache.Clear(ctx, marketID)
}

// RestoreOrderBook rebuilds one market's cached book from the order store.
func (e *Engine) RestoreOrderBook(ctx context.Context, marketID string) error {
	return e.cache.Restore(ctx, marketID)
}

// Bus exposes the event bus for subscriber registration.
func (e *Engine) Bus() *events.Bus {
	return e.bus
}

// IsDomainErr reports whether err is one of the domain rejections that
// leave all state unchanged (as opposed to transient storage failures).
func IsDomainErr(err error) bool {
	return errors.Is(err, types.ErrInvalidOrder) ||
		errors.Is(err, types.ErrInsufficientFunds) ||
		errors.Is(err, types.ErrMarketNotFound) ||
		errors.Is(err, types.ErrOrderNotFound)
}
