package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"exchange-core/pkg/types"
)

// AssetStore holds the asset reference table. Assets are immutable to the
// core; creation is administrative wiring (and test setup).
type AssetStore struct {
	db *DB
}

// NewAssetStore returns the asset reference store.
func NewAssetStore(db *DB) *AssetStore {
	return &AssetStore{db: db}
}

// Create inserts an asset. Idempotent on id.
func (s *AssetStore) Create(ctx context.Context, a types.Asset) error {
	_, err := s.db.sql.ExecContext(ctx, `
		INSERT INTO assets (id, symbol, decimals) VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING`, a.ID, a.Symbol, a.Decimals)
	if err != nil {
		return fmt.Errorf("%w: create asset: %v", types.ErrStorage, err)
	}
	return nil
}

// GetByID returns the asset, or nil if unknown.
func (s *AssetStore) GetByID(ctx context.Context, id string) (*types.Asset, error) {
	var a types.Asset
	err := s.db.sql.QueryRowContext(ctx, `
		SELECT id, symbol, decimals FROM assets WHERE id = ?`, id).
		Scan(&a.ID, &a.Symbol, &a.Decimals)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get asset: %v", types.ErrStorage, err)
	}
	return &a, nil
}

// MarketStore holds the market reference table. Markets are immutable to
// the core once created.
type MarketStore struct {
	db *DB
}

// NewMarketStore returns the market reference store.
func NewMarketStore(db *DB) *MarketStore {
	return &MarketStore{db: db}
}

// Create inserts a market. Idempotent on id.
func (s *MarketStore) Create(ctx context.Context, m types.Market) error {
	active := 0
	if m.Active {
		active = 1
	}
	_, err := s.db.sql.ExecContext(ctx, `
		INSERT INTO markets (id, base_asset_id, quote_asset_id, min_price_increment,
			min_quantity_increment, max_quantity, active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		m.ID, m.BaseAssetID, m.QuoteAssetID,
		toUnits(m.MinPriceIncrement), toUnits(m.MinQuantityIncrement),
		toUnits(m.MaxQuantity), active)
	if err != nil {
		return fmt.Errorf("%w: create market: %v", types.ErrStorage, err)
	}
	return nil
}

// GetByID returns the market, or nil if unknown.
func (s *MarketStore) GetByID(ctx context.Context, id string) (*types.Market, error) {
	var m types.Market
	var minPrice, minQty, maxQty, active int64
	err := s.db.sql.QueryRowContext(ctx, `
		SELECT id, base_asset_id, quote_asset_id, min_price_increment,
			min_quantity_increment, max_quantity, active
		FROM markets WHERE id = ?`, id).
		Scan(&m.ID, &m.BaseAssetID, &m.QuoteAssetID, &minPrice, &minQty, &maxQty, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get market: %v", types.ErrStorage, err)
	}
	m.MinPriceIncrement = fromUnits(minPrice)
	m.MinQuantityIncrement = fromUnits(minQty)
	m.MaxQuantity = fromUnits(maxQty)
	m.Active = active != 0
	return &m, nil
}

// Exists reports whether the market id is known.
func (s *MarketStore) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.sql.QueryRowContext(ctx, `SELECT 1 FROM markets WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: market exists: %v", types.ErrStorage, err)
	}
	return true, nil
}

// IDs returns every known market id. Used by the order-book cache to
// rebuild all markets at process start.
func (s *MarketStore) IDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.sql.QueryContext(ctx, `SELECT id FROM markets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: market ids: %v", types.ErrStorage, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan market id: %v", types.ErrStorage, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate market ids: %v", types.ErrStorage, err)
	}
	return ids, nil
}
