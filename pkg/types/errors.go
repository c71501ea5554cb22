package types

import "errors"

// Domain errors surfaced by the core API. Callers should test with
// errors.Is; storage and transport failures are wrapped around ErrStorage
// with call-site context.
var (
	// ErrMarketNotFound — the market id does not exist.
	ErrMarketNotFound = errors.New("market not found")

	// ErrInvalidOrder — non-positive price/quantity, unknown side, or a
	// quantity above the market's per-order cap.
	ErrInvalidOrder = errors.New("invalid order")

	// ErrInsufficientFunds — the account's available balance cannot cover
	// the reservation for this order.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrOrderNotFound — the order id does not exist (or no longer rests).
	ErrOrderNotFound = errors.New("order not found")

	// ErrConflict — the per-market lock could not be acquired within the
	// configured retry budget.
	ErrConflict = errors.New("market busy")

	// ErrStorage — a database or cache-store failure.
	ErrStorage = errors.New("storage error")

	// ErrCacheDesync — the order-book cache diverged from the order store
	// and needs a clear+restore for the affected market.
	ErrCacheDesync = errors.New("order book cache desync")
)
