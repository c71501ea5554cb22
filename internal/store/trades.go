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

// TradeStore is the append-only trade log. Live trades are never updated
// or deleted; DeleteByMarket exists for administrative market teardown only.
type TradeStore struct {
	db *DB

	insertStmt *sql.Stmt
	recentStmt *sql.Stmt
	lastStmt   *sql.Stmt
}

const tradeColumns = `id, market_id, taker_order_id, maker_order_id, taker_side, price, quantity, taker_account_id, maker_account_id, created_at`

// NewTradeStore prepares the trade statements.
func NewTradeStore(db *DB) (*TradeStore, error) {
	s := &TradeStore{db: db}
	var err error

	if s.insertStmt, err = db.sql.Prepare(`
		INSERT INTO trades (` + tradeColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`); err != nil {
		return nil, fmt.Errorf("prepare trade insert: %w", err)
	}
	if s.recentStmt, err = db.sql.Prepare(`
		SELECT ` + tradeColumns + ` FROM trades
		WHERE market_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`); err != nil {
		return nil, fmt.Errorf("prepare trade recent: %w", err)
	}
	if s.lastStmt, err = db.sql.Prepare(`
		SELECT price FROM trades
		WHERE market_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`); err != nil {
		return nil, fmt.Errorf("prepare trade last price: %w", err)
	}
	return s, nil
}

// Close releases prepared statements.
func (s *TradeStore) Close() error {
	for _, st := range []*sql.Stmt{s.insertStmt, s.recentStmt, s.lastStmt} {
		if st != nil {
			_ = st.Close()
		}
	}
	return nil
}

// Create appends one trade.
func (s *TradeStore) Create(ctx context.Context, tx *sql.Tx, t types.Trade) error {
	_, err := stmt(tx, s.insertStmt).ExecContext(ctx,
		t.ID, t.MarketID, t.TakerOrderID, t.MakerOrderID, string(t.TakerSide),
		toUnits(t.Price), toUnits(t.Quantity), t.TakerAccountID, t.MakerAccountID,
		t.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("%w: create trade: %v", types.ErrStorage, err)
	}
	return nil
}

// BatchCreate appends one trade per match through the transaction-bound
// prepared statement. Used by the matching engine.
func (s *TradeStore) BatchCreate(ctx context.Context, tx *sql.Tx, trades []types.Trade) error {
	ins := stmt(tx, s.insertStmt)
	for _, t := range trades {
		_, err := ins.ExecContext(ctx,
			t.ID, t.MarketID, t.TakerOrderID, t.MakerOrderID, string(t.TakerSide),
			toUnits(t.Price), toUnits(t.Quantity), t.TakerAccountID, t.MakerAccountID,
			t.CreatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("%w: batch create trade: %v", types.ErrStorage, err)
		}
	}
	return nil
}

// GetRecent returns up to limit trades for a market, newest first.
func (s *TradeStore) GetRecent(ctx context.Context, marketID string, limit int) ([]types.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.recentStmt.QueryContext(ctx, marketID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: recent trades: %v", types.ErrStorage, err)
	}
	defer rows.Close()

	var out []types.Trade
	for rows.Next() {
		var t types.Trade
		var side string
		var price, qty, createdAt int64
		if err := rows.Scan(&t.ID, &t.MarketID, &t.TakerOrderID, &t.MakerOrderID, &side,
			&price, &qty, &t.TakerAccountID, &t.MakerAccountID, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: scan trade: %v", types.ErrStorage, err)
		}
		t.TakerSide = types.Side(side)
		t.Price = fromUnits(price)
		t.Quantity = fromUnits(qty)
		t.CreatedAt = time.Unix(0, createdAt)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate trades: %v", types.ErrStorage, err)
	}
	return out, nil
}

// GetLastPrice returns the most recent trade price for a market.
// The second return is false when the market has never traded.
func (s *TradeStore) GetLastPrice(ctx context.Context, marketID string) (decimal.Decimal, bool, error) {
	var price int64
	err := s.lastStmt.QueryRowContext(ctx, marketID).Scan(&price)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("%w: last price: %v", types.ErrStorage, err)
	}
	return fromUnits(price), true, nil
}

// DeleteByMarket removes all trades for a market. Administrative only.
func (s *TradeStore) DeleteByMarket(ctx context.Context, tx *sql.Tx, marketID string) error {
	_, err := s.db.on(tx).ExecContext(ctx, `DELETE FROM trades WHERE market_id = ?`, marketID)
	if err != nil {
		return fmt.Errorf("%w: delete trades by market: %v", types.ErrStorage, err)
	}
	return nil
}
