// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the exchange core — assets,
// markets, holdings, orders, trades, matches, and order-book snapshots.
// It has no dependencies on internal packages, so it can be imported by
// any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BID (buy base) or ASK (sell base).
type Side string

const (
	Bid Side = "bid"
	Ask Side = "ask"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

// Valid reports whether s is one of the two known sides.
func (s Side) Valid() bool {
	return s == Bid || s == Ask
}

// ————————————————————————————————————————————————————————————————————————
// Reference data
// ————————————————————————————————————————————————————————————————————————

// Asset is a fungible asset tradeable on some market. Immutable to the core.
type Asset struct {
	ID       string
	Symbol   string
	Decimals int
}

// Market pairs a base asset against a quote asset. Immutable to the core
// once created. MaxQuantity of zero means no per-order cap.
type Market struct {
	ID                   string
	BaseAssetID          string
	QuoteAssetID         string
	MinPriceIncrement    decimal.Decimal
	MinQuantityIncrement decimal.Decimal
	MaxQuantity          decimal.Decimal // zero = unlimited
	Active               bool
}

// ————————————————————————————————————————————————————————————————————————
// Holdings
// ————————————————————————————————————————————————————————————————————————

// Holding is the authoritative balance of one asset for one account.
// Quantity is the available (unreserved) amount and is never negative in
// any committed state. AverageCostBasis and TotalCost track the weighted-
// average acquisition price and are informational.
type Holding struct {
	AccountID        string
	AssetID          string
	Quantity         decimal.Decimal
	AverageCostBasis decimal.Decimal
	TotalCost        decimal.Decimal
	UpdatedAt        time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Orders and trades
// ————————————————————————————————————————————————————————————————————————

// Order is a resting (or about-to-rest) limit order. Quantity is the
// remaining unfilled amount; it only ever decreases after creation.
type Order struct {
	ID           string
	MarketID     string
	AccountID    string
	Side         Side
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	QuoteAssetID string
	CreatedAt    time.Time
}

// OrderRequest is the input to PlaceOrder: the taker order before it has
// an identity or a creation timestamp.
type OrderRequest struct {
	AccountID    string
	Side         Side
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	QuoteAssetID string
}

// Trade is one executed match, appended to the trade log. Never mutated.
type Trade struct {
	ID             string
	MarketID       string
	TakerOrderID   string
	MakerOrderID   string
	TakerSide      Side
	Price          decimal.Decimal
	Quantity       decimal.Decimal
	TakerAccountID string
	MakerAccountID string
	CreatedAt      time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Matching results
// ————————————————————————————————————————————————————————————————————————

// Match records one maker/taker execution. Price is always the maker's
// price (the resting order receives its own price).
type Match struct {
	MakerOrderID        string
	TakerOrderID        string
	TakerSide           Side
	Quantity            decimal.Decimal
	Price               decimal.Decimal
	Timestamp           time.Time
	TakerRemainingAfter decimal.Decimal
	MakerRemainingAfter decimal.Decimal
	MakerAccountID      string
	TakerAccountID      string
}

// MatchingResult is the outcome of a PlaceOrder call.
// RemainingOrder is nil when the taker was fully consumed (or its dust
// remainder discarded); otherwise it is the resting remainder.
type MatchingResult struct {
	Matches           []Match
	RemainingOrder    *Order
	UpdatedMakers     []Order
	CompletedMakerIDs []string
}

// ————————————————————————————————————————————————————————————————————————
// Order book views
// ————————————————————————————————————————————————————————————————————————

// BookEntry is one resting order as seen through the order-book cache.
type BookEntry struct {
	OrderID   string          `json:"order_id"`
	AccountID string          `json:"account_id"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	CreatedAt time.Time       `json:"created_at"`
}

// BookSnapshot is both sides of a market's book in priority order:
// bids best (highest) first, asks best (lowest) first.
type BookSnapshot struct {
	MarketID    string      `json:"market_id"`
	Bids        []BookEntry `json:"bids"`
	Asks        []BookEntry `json:"asks"`
	LastUpdated time.Time   `json:"last_updated"`
}

// DepthLevel aggregates resting quantity at one price.
type DepthLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Depth is the aggregated view of the top levels of both sides.
type Depth struct {
	MarketID string       `json:"market_id"`
	Bids     []DepthLevel `json:"bids"`
	Asks     []DepthLevel `json:"asks"`
}
