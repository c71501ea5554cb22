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

// OrderStore persists resting limit orders. The matching read
// (GetByMarketAndSideForMatching) sorts in SQL — bids by price descending,
// asks ascending, ties by created_at then id ascending — and that sort is
// the sole source of price-time priority in the system.
type OrderStore struct {
	db *DB

	insertStmt    *sql.Stmt
	getStmt       *sql.Stmt
	updateQtyStmt *sql.Stmt
	deleteStmt    *sql.Stmt
}

const orderColumns = `id, market_id, account_id, side, price, quantity, quote_asset_id, created_at`

// NewOrderStore prepares the order statements.
func NewOrderStore(db *DB) (*OrderStore, error) {
	s := &OrderStore{db: db}
	var err error

	if s.insertStmt, err = db.sql.Prepare(`
		INSERT INTO orders (` + orderColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`); err != nil {
		return nil, fmt.Errorf("prepare order insert: %w", err)
	}
	if s.getStmt, err = db.sql.Prepare(`
		SELECT ` + orderColumns + ` FROM orders WHERE id = ?`); err != nil {
		return nil, fmt.Errorf("prepare order get: %w", err)
	}
	if s.updateQtyStmt, err = db.sql.Prepare(`
		UPDATE orders SET quantity = ? WHERE id = ?`); err != nil {
		return nil, fmt.Errorf("prepare order update: %w", err)
	}
	if s.deleteStmt, err = db.sql.Prepare(`
		DELETE FROM orders WHERE id = ?`); err != nil {
		return nil, fmt.Errorf("prepare order delete: %w", err)
	}
	return s, nil
}

// Close releases prepared statements.
func (s *OrderStore) Close() error {
	for _, st := range []*sql.Stmt{s.insertStmt, s.getStmt, s.updateQtyStmt, s.deleteStmt} {
		if st != nil {
			_ = st.Close()
		}
	}
	return nil
}

// Create persists a new order row.
func (s *OrderStore) Create(ctx context.Context, tx *sql.Tx, o types.Order) error {
	_, err := stmt(tx, s.insertStmt).ExecContext(ctx,
		o.ID, o.MarketID, o.AccountID, string(o.Side),
		toUnits(o.Price), toUnits(o.Quantity), o.QuoteAssetID, o.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("%w: create order: %v", types.ErrStorage, err)
	}
	return nil
}

// GetByID returns the order, or ErrOrderNotFound.
func (s *OrderStore) GetByID(ctx context.Context, tx *sql.Tx, id string) (*types.Order, error) {
	row := stmt(tx, s.getStmt).QueryRowContext(ctx, id)
	o, err := scanOrder(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get order: %v", types.ErrStorage, err)
	}
	return o, nil
}

// GetByMarket returns all resting orders for a market, oldest first.
func (s *OrderStore) GetByMarket(ctx context.Context, marketID string) ([]types.Order, error) {
	rows, err := s.db.sql.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE market_id = ? ORDER BY created_at ASC, id ASC`, marketID)
	if err != nil {
		return nil, fmt.Errorf("%w: orders by market: %v", types.ErrStorage, err)
	}
	return collectOrders(rows)
}

// GetByMarketAndSideForMatching returns one side of the book in match
// priority order: best price first (bids high-to-low, asks low-to-high),
// earlier arrival breaking ties.
func (s *OrderStore) GetByMarketAndSideForMatching(ctx context.Context, tx *sql.Tx, marketID string, side types.Side) ([]types.Order, error) {
	priceOrder := "ASC"
	if side == types.Bid {
		priceOrder = "DESC"
	}
	rows, err := s.db.on(tx).QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE market_id = ? AND side = ?
		ORDER BY price `+priceOrder+`, created_at ASC, id ASC`, marketID, string(side))
	if err != nil {
		return nil, fmt.Errorf("%w: orders for matching: %v", types.ErrStorage, err)
	}
	return collectOrders(rows)
}

// UpdateQuantity sets the remaining quantity. The caller guarantees the new
// quantity is positive; fully-consumed orders are deleted instead.
func (s *OrderStore) UpdateQuantity(ctx context.Context, tx *sql.Tx, id string, quantity decimal.Decimal) error {
	res, err := stmt(tx, s.updateQtyStmt).ExecContext(ctx, toUnits(quantity), id)
	if err != nil {
		return fmt.Errorf("%w: update order quantity: %v", types.ErrStorage, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrOrderNotFound
	}
	return nil
}

// Delete removes an order row.
func (s *OrderStore) Delete(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := stmt(tx, s.deleteStmt).ExecContext(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: delete order: %v", types.ErrStorage, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrOrderNotFound
	}
	return nil
}

// DeleteByMarket removes every order for a market. Administrative.
func (s *OrderStore) DeleteByMarket(ctx context.Context, tx *sql.Tx, marketID string) error {
	_, err := s.db.on(tx).ExecContext(ctx, `DELETE FROM orders WHERE market_id = ?`, marketID)
	if err != nil {
		return fmt.Errorf("%w: delete orders by market: %v", types.ErrStorage, err)
	}
	return nil
}

// QuantityUpdate is one maker mutation queued by the matching walk.
type QuantityUpdate struct {
	OrderID  string
	Quantity decimal.Decimal // remaining amount, always > 0
}

// Batch applies all maker-side mutations from one matching walk: quantity
// updates for partially-filled makers and deletes for fully-consumed ones,
// each through a single transaction-bound prepared statement.
func (s *OrderStore) Batch(ctx context.Context, tx *sql.Tx, updates []QuantityUpdate, deletes []string) error {
	if len(updates) > 0 {
		upd := stmt(tx, s.updateQtyStmt)
		for _, u := range updates {
			if _, err := upd.ExecContext(ctx, toUnits(u.Quantity), u.OrderID); err != nil {
				return fmt.Errorf("%w: batch update order %s: %v", types.ErrStorage, u.OrderID, err)
			}
		}
	}
	if len(deletes) > 0 {
		del := stmt(tx, s.deleteStmt)
		for _, id := range deletes {
			if _, err := del.ExecContext(ctx, id); err != nil {
				return fmt.Errorf("%w: batch delete order %s: %v", types.ErrStorage, id, err)
			}
		}
	}
	return nil
}

// MarketExists reports whether the market id is known.
func (s *OrderStore) MarketExists(ctx context.Context, marketID string) (bool, error) {
	var one int
	err := s.db.sql.QueryRowContext(ctx, `SELECT 1 FROM markets WHERE id = ?`, marketID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: market exists: %v", types.ErrStorage, err)
	}
	return true, nil
}

func scanOrder(scan func(dest ...any) error) (*types.Order, error) {
	var o types.Order
	var side string
	var price, qty, createdAt int64
	if err := scan(&o.ID, &o.MarketID, &o.AccountID, &side, &price, &qty, &o.QuoteAssetID, &createdAt); err != nil {
		return nil, err
	}
	o.Side = types.Side(side)
	o.Price = fromUnits(price)
	o.Quantity = fromUnits(qty)
	o.CreatedAt = time.Unix(0, createdAt)
	return &o, nil
}

func collectOrders(rows *sql.Rows) ([]types.Order, error) {
	defer rows.Close()
	var out []types.Order
	for rows.Next() {
		o, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("%w: scan order: %v", types.ErrStorage, err)
		}
		out = append(out, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate orders: %v", types.ErrStorage, err)
	}
	return out, nil
}
