// Package book maintains the fast per-market order-book view in Redis.
//
// It is a soft cache over the order store: every resting order has a JSON
// payload at order:<orderId> and a member in the per-side sorted set
// orderbook:<marketId>:<side>. Bids are scored with -price and asks with
// +price, so an ascending range walk on either set yields priority order;
// ties within a price level are resolved by createdAt ascending after the
// payloads are fetched. The set orderbook:markets tracks which markets have
// cache state.
//
// The cache never has authority: Restore and RestoreAll rebuild any market
// from the order store, and callers treat mutation failures as a signal to
// clear and rebuild rather than to abort the transaction that already
// committed.
package book

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"exchange-core/pkg/types"
)

// OrderLoader supplies the authoritative resting orders used for rebuilds.
type OrderLoader interface {
	GetByMarket(ctx context.Context, marketID string) ([]types.Order, error)
	MarketIDs(ctx context.Context) ([]string, error)
}

// Book is the Redis-backed order-book cache.
type Book struct {
	rdb    redis.Cmdable
	loader OrderLoader
}

// New creates the cache on the given Redis client.
func New(rdb redis.Cmdable, loader OrderLoader) *Book {
	return &Book{rdb: rdb, loader: loader}
}

const (
	marketsKey = "orderbook:markets"
)

func sideKey(marketID string, side types.Side) string {
	return "orderbook:" + marketID + ":" + string(side)
}

func orderKey(orderID string) string {
	return "order:" + orderID
}

func updatedKey(marketID string) string {
	return "orderbook:" + marketID + ":updated"
}

// cachedOrder is the serialized per-order payload. MarketID rides along so
// Remove and Update can locate the sorted-set member from the id alone.
type cachedOrder struct {
	types.BookEntry
	MarketID string `json:"market_id"`
}

func score(side types.Side, price decimal.Decimal) float64 {
	f, _ := price.Float64()
	if side == types.Bid {
		return -f
	}
	return f
}

// Add inserts a resting order into the cache.
func (b *Book) Add(ctx context.Context, o types.Order) error {
	payload, err := json.Marshal(cachedOrder{
		BookEntry: types.BookEntry{
			OrderID:   o.ID,
			AccountID: o.AccountID,
			Side:      o.Side,
			Price:     o.Price,
			Quantity:  o.Quantity,
			CreatedAt: o.CreatedAt,
		},
		MarketID: o.MarketID,
	})
	if err != nil {
		return fmt.Errorf("marshal cached order: %w", err)
	}

	pipe := b.rdb.TxPipeline()
	pipe.Set(ctx, orderKey(o.ID), payload, 0)
	pipe.ZAdd(ctx, sideKey(o.MarketID, o.Side), redis.Z{Score: score(o.Side, o.Price), Member: o.ID})
	pipe.SAdd(ctx, marketsKey, o.MarketID)
	pipe.Set(ctx, updatedKey(o.MarketID), time.Now().UnixNano(), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: cache add: %v", types.ErrStorage, err)
	}
	return nil
}

// Update rewrites the remaining quantity of a cached order.
func (b *Book) Update(ctx context.Context, orderID string, quantity decimal.Decimal) error {
	co, err := b.getCached(ctx, orderID)
	if err != nil {
		return err
	}
	co.Quantity = quantity

	payload, err := json.Marshal(co)
	if err != nil {
		return fmt.Errorf("marshal cached order: %w", err)
	}

	pipe := b.rdb.TxPipeline()
	pipe.Set(ctx, orderKey(orderID), payload, 0)
	pipe.Set(ctx, updatedKey(co.MarketID), time.Now().UnixNano(), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: cache update: %v", types.ErrStorage, err)
	}
	return nil
}

// Remove deletes a cached order from its side set and drops its payload.
func (b *Book) Remove(ctx context.Context, orderID string) error {
	co, err := b.getCached(ctx, orderID)
	if errors.Is(err, types.ErrOrderNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, sideKey(co.MarketID, co.Side), orderID)
	pipe.Del(ctx, orderKey(orderID))
	pipe.Set(ctx, updatedKey(co.MarketID), time.Now().UnixNano(), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: cache remove: %v", types.ErrStorage, err)
	}
	return nil
}

func (b *Book) getCached(ctx context.Context, orderID string) (*cachedOrder, error) {
	raw, err := b.rdb.Get(ctx, orderKey(orderID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, types.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: cache get: %v", types.ErrStorage, err)
	}
	var co cachedOrder
	if err := json.Unmarshal([]byte(raw), &co); err != nil {
		return nil, fmt.Errorf("%w: decode cached order %s: %v", types.ErrCacheDesync, orderID, err)
	}
	return &co, nil
}

// side returns one side's entries in priority order.
func (b *Book) side(ctx context.Context, marketID string, s types.Side) ([]types.BookEntry, error) {
	ids, err := b.rdb.ZRange(ctx, sideKey(marketID, s), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: cache range: %v", types.ErrStorage, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = orderKey(id)
	}
	raws, err := b.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: cache mget: %v", types.ErrStorage, err)
	}

	entries := make([]types.BookEntry, 0, len(raws))
	for i, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			// Sorted-set member without a payload: the cache diverged.
			return nil, fmt.Errorf("%w: missing payload for order %s", types.ErrCacheDesync, ids[i])
		}
		var co cachedOrder
		if err := json.Unmarshal([]byte(str), &co); err != nil {
			return nil, fmt.Errorf("%w: decode cached order %s: %v", types.ErrCacheDesync, ids[i], err)
		}
		entries = append(entries, co.BookEntry)
	}

	// Redis orders equal scores lexicographically by member; the book
	// contract is createdAt ascending within a price level.
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Price.Equal(entries[j].Price) {
			if s == types.Bid {
				return entries[i].Price.GreaterThan(entries[j].Price)
			}
			return entries[i].Price.LessThan(entries[j].Price)
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

// Snapshot returns both sides of a market's book in priority order.
func (b *Book) Snapshot(ctx context.Context, marketID string) (*types.BookSnapshot, error) {
	bids, err := b.side(ctx, marketID, types.Bid)
	if err != nil {
		return nil, err
	}
	asks, err := b.side(ctx, marketID, types.Ask)
	if err != nil {
		return nil, err
	}

	snap := &types.BookSnapshot{MarketID: marketID, Bids: bids, Asks: asks}
	if raw, err := b.rdb.Get(ctx, updatedKey(marketID)).Result(); err == nil {
		if nanos, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			snap.LastUpdated = time.Unix(0, nanos)
		}
	}
	return snap, nil
}

// BestBid returns the highest resting bid price.
// The second return is false when the side is empty.
func (b *Book) BestBid(ctx context.Context, marketID string) (decimal.Decimal, bool, error) {
	return b.best(ctx, marketID, types.Bid)
}

// BestAsk returns the lowest resting ask price.
func (b *Book) BestAsk(ctx context.Context, marketID string) (decimal.Decimal, bool, error) {
	return b.best(ctx, marketID, types.Ask)
}

func (b *Book) best(ctx context.Context, marketID string, s types.Side) (decimal.Decimal, bool, error) {
	key := sideKey(marketID, s)
	zs, err := b.rdb.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("%w: cache best: %v", types.ErrStorage, err)
	}
	if len(zs) == 0 {
		return decimal.Zero, false, nil
	}

	// float64 scores collide for prices that differ only beyond ~15
	// significant digits, so the head member alone is not authoritative.
	// Every member sharing the head score is compared by decimal price.
	score := strconv.FormatFloat(zs[0].Score, 'g', -1, 64)
	ids, err := b.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: score, Max: score}).Result()
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("%w: cache best: %v", types.ErrStorage, err)
	}

	var best decimal.Decimal
	found := false
	for _, id := range ids {
		co, err := b.getCached(ctx, id)
		if err != nil {
			return decimal.Zero, false, err
		}
		if !found || betterPrice(s, co.Price, best) {
			best, found = co.Price, true
		}
	}
	return best, found, nil
}

// betterPrice reports whether a beats b from the book's perspective:
// higher for bids, lower for asks.
func betterPrice(s types.Side, a, b decimal.Decimal) bool {
	if s == types.Bid {
		return a.GreaterThan(b)
	}
	return a.LessThan(b)
}

// Spread returns bestAsk − bestBid. The second return is false when either
// side is empty.
func (b *Book) Spread(ctx context.Context, marketID string) (decimal.Decimal, bool, error) {
	bid, ok, err := b.BestBid(ctx, marketID)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	ask, ok, err := b.BestAsk(ctx, marketID)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	return ask.Sub(bid), true, nil
}

// Depth aggregates resting quantity per price level for the top n levels
// of each side. n <= 0 means all levels.
func (b *Book) Depth(ctx context.Context, marketID string, levels int) (*types.Depth, error) {
	snap, err := b.Snapshot(ctx, marketID)
	if err != nil {
		return nil, err
	}
	return &types.Depth{
		MarketID: marketID,
		Bids:     aggregate(snap.Bids, levels),
		Asks:     aggregate(snap.Asks, levels),
	}, nil
}

func aggregate(entries []types.BookEntry, levels int) []types.DepthLevel {
	var out []types.DepthLevel
	for _, e := range entries {
		if n := len(out); n > 0 && out[n-1].Price.Equal(e.Price) {
			out[n-1].Quantity = out[n-1].Quantity.Add(e.Quantity)
			continue
		}
		if levels > 0 && len(out) == levels {
			break
		}
		out = append(out, types.DepthLevel{Price: e.Price, Quantity: e.Quantity})
	}
	return out
}

// Clear drops all cache state for one market.
func (b *Book) Clear(ctx context.Context, marketID string) error {
	for _, s := range []types.Side{types.Bid, types.Ask} {
		ids, err := b.rdb.ZRange(ctx, sideKey(marketID, s), 0, -1).Result()
		if err != nil {
			return fmt.Errorf("%w: cache clear: %v", types.ErrStorage, err)
		}
		pipe := b.rdb.TxPipeline()
		for _, id := range ids {
			pipe.Del(ctx, orderKey(id))
		}
		pipe.Del(ctx, sideKey(marketID, s))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("%w: cache clear: %v", types.ErrStorage, err)
		}
	}
	pipe := b.rdb.TxPipeline()
	pipe.Del(ctx, updatedKey(marketID))
	pipe.SRem(ctx, marketsKey, marketID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: cache clear: %v", types.ErrStorage, err)
	}
	return nil
}

// ClearAll drops the cache for every tracked market.
func (b *Book) ClearAll(ctx context.Context) error {
	ids, err := b.rdb.SMembers(ctx, marketsKey).Result()
	if err != nil {
		return fmt.Errorf("%w: cache clear all: %v", types.ErrStorage, err)
	}
	for _, id := range ids {
		if err := b.Clear(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Restore rebuilds one market's cache from the order store.
func (b *Book) Restore(ctx context.Context, marketID string) error {
	if err := b.Clear(ctx, marketID); err != nil {
		return err
	}
	orders, err := b.loader.GetByMarket(ctx, marketID)
	if err != nil {
		return err
	}
	for _, o := range orders {
		if err := b.Add(ctx, o); err != nil {
			return err
		}
	}
	return nil
}

// RestoreAll rebuilds the cache for every known market. Called at process
// start and after unrecoverable cache failures.
func (b *Book) RestoreAll(ctx context.Context) error {
	if err := b.ClearAll(ctx); err != nil {
		return err
	}
	ids, err := b.loader.MarketIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := b.Restore(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
