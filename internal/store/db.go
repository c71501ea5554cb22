// Package store provides durable SQL persistence for the exchange core:
// holdings (account balances with reserve/release semantics), resting
// orders, the append-only trade log, and the asset/market reference tables.
//
// All money columns are stored as INTEGER base units scaled by 1e8 (eight
// fractional digits), so balance guards like `WHERE quantity >= ?` are
// exact integer comparisons with no floating-point involved. Conversion to
// and from decimal.Decimal happens only at this package's boundary.
//
// Every mutating method accepts an optional *sql.Tx. With a transaction the
// write joins it; with nil it is its own auto-committed unit. Hot-path
// statements are prepared once on the shared *sql.DB and bound to the
// transaction via tx.Stmt, avoiding SQL parsing per call.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "github.com/mattn/go-sqlite3"
)

// moneyScale is the number of fractional digits carried by money columns.
const moneyScale = 8

// toUnits converts a decimal amount to scaled integer base units.
// Precision finer than 1e-8 is truncated; order validation rejects such
// inputs before they reach the store.
func toUnits(d decimal.Decimal) int64 {
	return d.Shift(moneyScale).IntPart()
}

// fromUnits converts scaled integer base units back to a decimal amount.
func fromUnits(u int64) decimal.Decimal {
	return decimal.New(u, -moneyScale)
}

// DB wraps the shared sqlite handle and owns schema initialization.
type DB struct {
	sql *sql.DB
}

// Open opens (creating if needed) the exchange database at path and
// initializes the schema. WAL mode keeps readers unblocked during the
// matching transaction.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// sqlite serializes writers; a single connection avoids SQLITE_BUSY
	// races between the matching transaction and auto-committed writes.
	db.SetMaxOpenConns(1)

	d := &DB{sql: db}
	if err := d.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return d, nil
}

// Close closes the underlying handle.
func (d *DB) Close() error {
	return d.sql.Close()
}

// Begin starts a matching transaction. sqlite transactions are serializable,
// which satisfies the isolation the settlement path requires.
func (d *DB) Begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return tx, nil
}

func (d *DB) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS assets (
	id       TEXT PRIMARY KEY,
	symbol   TEXT NOT NULL,
	decimals INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS markets (
	id                     TEXT PRIMARY KEY,
	base_asset_id          TEXT NOT NULL REFERENCES assets(id),
	quote_asset_id         TEXT NOT NULL REFERENCES assets(id),
	min_price_increment    INTEGER NOT NULL,
	min_quantity_increment INTEGER NOT NULL,
	max_quantity           INTEGER NOT NULL DEFAULT 0,
	active                 INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS holdings (
	account_id TEXT NOT NULL,
	asset_id   TEXT NOT NULL,
	quantity   INTEGER NOT NULL CHECK (quantity >= 0),
	avg_cost   INTEGER NOT NULL DEFAULT 0,
	total_cost INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (account_id, asset_id)
);

CREATE TABLE IF NOT EXISTS orders (
	id             TEXT PRIMARY KEY,
	market_id      TEXT NOT NULL,
	account_id     TEXT NOT NULL,
	side           TEXT NOT NULL,
	price          INTEGER NOT NULL,
	quantity       INTEGER NOT NULL,
	quote_asset_id TEXT NOT NULL,
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_matching
	ON orders(market_id, side, price, created_at);

CREATE TABLE IF NOT EXISTS trades (
	id               TEXT PRIMARY KEY,
	market_id        TEXT NOT NULL,
	taker_order_id   TEXT NOT NULL,
	maker_order_id   TEXT NOT NULL,
	taker_side       TEXT NOT NULL,
	price            INTEGER NOT NULL,
	quantity         INTEGER NOT NULL,
	taker_account_id TEXT NOT NULL,
	maker_account_id TEXT NOT NULL,
	created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_recent
	ON trades(market_id, created_at DESC);
`
	_, err := d.sql.Exec(schema)
	return err
}

// stmt binds a prepared statement to tx when one is supplied.
func stmt(tx *sql.Tx, s *sql.Stmt) *sql.Stmt {
	if tx != nil {
		return tx.Stmt(s)
	}
	return s
}

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx,
// used by read paths that may run inside or outside a transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// on returns tx when non-nil, else the shared handle.
func (d *DB) on(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return d.sql
}

func nowNanos() int64 {
	return time.Now().UnixNano()
}
