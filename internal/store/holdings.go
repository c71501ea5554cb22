package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"exchange-core/pkg/types"
)

// HoldingsStore is the authoritative per-account per-asset balance ledger.
//
// Quantity is the available balance: order placement debits it via Reserve,
// cancellation credits it back via Release, and settlement credits the
// counterparty via Adjust/CreditWithCost. The `quantity >= ?` guard inside
// Reserve (and negative Adjust) is the atomicity point — there are no
// in-process locks here.
type HoldingsStore struct {
	db *DB

	getStmt    *sql.Stmt
	upsertStmt *sql.Stmt
	debitStmt  *sql.Stmt
	setStmt    *sql.Stmt
}

// NewHoldingsStore prepares the holdings statements.
func NewHoldingsStore(db *DB) (*HoldingsStore, error) {
	s := &HoldingsStore{db: db}
	var err error

	if s.getStmt, err = db.sql.Prepare(`
		SELECT account_id, asset_id, quantity, avg_cost, total_cost, updated_at
		FROM holdings WHERE account_id = ? AND asset_id = ?`); err != nil {
		return nil, fmt.Errorf("prepare holdings get: %w", err)
	}
	if s.upsertStmt, err = db.sql.Prepare(`
		INSERT INTO holdings (account_id, asset_id, quantity, avg_cost, total_cost, updated_at)
		VALUES (?, ?, ?, 0, 0, ?)
		ON CONFLICT(account_id, asset_id)
		DO UPDATE SET quantity = quantity + excluded.quantity, updated_at = excluded.updated_at`); err != nil {
		return nil, fmt.Errorf("prepare holdings upsert: %w", err)
	}
	if s.debitStmt, err = db.sql.Prepare(`
		UPDATE holdings SET quantity = quantity - ?, updated_at = ?
		WHERE account_id = ? AND asset_id = ? AND quantity >= ?`); err != nil {
		return nil, fmt.Errorf("prepare holdings debit: %w", err)
	}
	if s.setStmt, err = db.sql.Prepare(`
		INSERT INTO holdings (account_id, asset_id, quantity, avg_cost, total_cost, updated_at)
		VALUES (?, ?, ?, 0, 0, ?)
		ON CONFLICT(account_id, asset_id)
		DO UPDATE SET quantity = excluded.quantity, updated_at = excluded.updated_at`); err != nil {
		return nil, fmt.Errorf("prepare holdings set: %w", err)
	}
	return s, nil
}

// Close releases prepared statements.
func (s *HoldingsStore) Close() error {
	for _, st := range []*sql.Stmt{s.getStmt, s.upsertStmt, s.debitStmt, s.setStmt} {
		if st != nil {
			_ = st.Close()
		}
	}
	return nil
}

// Get returns the holding for (accountID, assetID), or nil if the row has
// never been created.
func (s *HoldingsStore) Get(ctx context.Context, tx *sql.Tx, accountID, assetID string) (*types.Holding, error) {
	row := stmt(tx, s.getStmt).QueryRowContext(ctx, accountID, assetID)

	var h types.Holding
	var qty, avgCost, totalCost, updatedAt int64
	err := row.Scan(&h.AccountID, &h.AssetID, &qty, &avgCost, &totalCost, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get holding: %v", types.ErrStorage, err)
	}

	h.Quantity = fromUnits(qty)
	h.AverageCostBasis = fromUnits(avgCost)
	h.TotalCost = fromUnits(totalCost)
	h.UpdatedAt = time.Unix(0, updatedAt)
	return &h, nil
}

// Adjust adds a signed delta to the available balance. A positive delta
// lazily creates the row; a negative delta that would drive the balance
// below zero fails with ErrInsufficientFunds and changes nothing.
func (s *HoldingsStore) Adjust(ctx context.Context, tx *sql.Tx, accountID, assetID string, delta decimal.Decimal) error {
	units := toUnits(delta)
	if units >= 0 {
		_, err := stmt(tx, s.upsertStmt).ExecContext(ctx, accountID, assetID, units, nowNanos())
		if err != nil {
			return fmt.Errorf("%w: adjust holding: %v", types.ErrStorage, err)
		}
		return nil
	}

	res, err := stmt(tx, s.debitStmt).ExecContext(ctx, -units, nowNanos(), accountID, assetID, -units)
	if err != nil {
		return fmt.Errorf("%w: adjust holding: %v", types.ErrStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: adjust holding: %v", types.ErrStorage, err)
	}
	if n == 0 {
		return types.ErrInsufficientFunds
	}
	return nil
}

// Set overwrites the balance to an absolute quantity. Administrative only;
// the matching path never calls it.
func (s *HoldingsStore) Set(ctx context.Context, tx *sql.Tx, accountID, assetID string, quantity decimal.Decimal) error {
	_, err := stmt(tx, s.setStmt).ExecContext(ctx, accountID, assetID, toUnits(quantity), nowNanos())
	if err != nil {
		return fmt.Errorf("%w: set holding: %v", types.ErrStorage, err)
	}
	return nil
}

// Reserve atomically debits q from the available balance iff the balance
// covers it. Returns false (not an error) when it does not; callers convert
// that to ErrInsufficientFunds.
func (s *HoldingsStore) Reserve(ctx context.Context, tx *sql.Tx, accountID, assetID string, q decimal.Decimal) (bool, error) {
	units := toUnits(q)
	res, err := stmt(tx, s.debitStmt).ExecContext(ctx, units, nowNanos(), accountID, assetID, units)
	if err != nil {
		return false, fmt.Errorf("%w: reserve: %v", types.ErrStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: reserve: %v", types.ErrStorage, err)
	}
	return n > 0, nil
}

// Release credits q back to the available balance. Inverse of Reserve; used
// on cancellation and for discarded taker remainders.
func (s *HoldingsStore) Release(ctx context.Context, tx *sql.Tx, accountID, assetID string, q decimal.Decimal) error {
	return s.Adjust(ctx, tx, accountID, assetID, q)
}

// CreditWithCost credits q acquired at unit price and folds it into the
// weighted-average cost basis, computed from the authoritative pre-update
// row state. Used by settlement for the buying side of a match.
func (s *HoldingsStore) CreditWithCost(ctx context.Context, tx *sql.Tx, accountID, assetID string, q, price decimal.Decimal) error {
	cur, err := s.Get(ctx, tx, accountID, assetID)
	if err != nil {
		return err
	}

	prevQty, prevCost := decimal.Zero, decimal.Zero
	if cur != nil {
		prevQty, prevCost = cur.Quantity, cur.TotalCost
	}

	newQty := prevQty.Add(q)
	newCost := prevCost.Add(price.Mul(q))
	avg := decimal.Zero
	if newQty.IsPositive() {
		avg = newCost.Div(newQty).Round(moneyScale)
	}

	_, err = s.db.on(tx).ExecContext(ctx, `
		INSERT INTO holdings (account_id, asset_id, quantity, avg_cost, total_cost, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, asset_id)
		DO UPDATE SET quantity = quantity + excluded.quantity,
			avg_cost = excluded.avg_cost,
			total_cost = excluded.total_cost,
			updated_at = excluded.updated_at`,
		accountID, assetID, toUnits(q), toUnits(avg), toUnits(newCost), nowNanos())
	if err != nil {
		return fmt.Errorf("%w: credit with cost: %v", types.ErrStorage, err)
	}
	return nil
}

// ReduceCost reduces the cost basis proportionally for q units disposed of,
// without touching the available quantity (which already left the row at
// reservation time). Used by settlement for the selling side of a match.
func (s *HoldingsStore) ReduceCost(ctx context.Context, tx *sql.Tx, accountID, assetID string, q decimal.Decimal) error {
	cur, err := s.Get(ctx, tx, accountID, assetID)
	if err != nil {
		return err
	}
	if cur == nil || cur.AverageCostBasis.IsZero() {
		return nil
	}

	newCost := cur.TotalCost.Sub(cur.AverageCostBasis.Mul(q))
	if newCost.IsNegative() {
		newCost = decimal.Zero
	}

	_, err = s.db.on(tx).ExecContext(ctx, `
		UPDATE holdings SET total_cost = ?, updated_at = ?
		WHERE account_id = ? AND asset_id = ?`,
		toUnits(newCost), nowNanos(), accountID, assetID)
	if err != nil {
		return fmt.Errorf("%w: reduce cost: %v", types.ErrStorage, err)
	}
	return nil
}
