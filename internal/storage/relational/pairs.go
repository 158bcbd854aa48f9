package relational

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/omenbackend/omen-market-backend/internal/domain"
)

// UpsertTradingPair idempotently creates a pair for a market's deployed
// token against the platform's stable quote token.
func (s *Store) UpsertTradingPair(ctx context.Context, p *domain.TradingPair) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trading_pairs (id, base_symbol, quote_symbol, market_id, symbol,
			active, min_order_size, max_order_size, price_precision, quantity_precision)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (symbol) DO NOTHING
	`, p.ID, p.BaseSymbol, p.QuoteSymbol, p.MarketID, p.Symbol, p.Active,
		numeric(p.MinOrderSize), numeric(p.MaxOrderSize), p.PricePrecision, p.QuantityPrecision)
	if err != nil {
		return fmt.Errorf("relational: upsert trading pair: %w", err)
	}
	return nil
}

// GetTradingPair loads a pair by id.
func (s *Store) GetTradingPair(ctx context.Context, id string) (*domain.TradingPair, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, base_symbol, quote_symbol, market_id, symbol, active,
			min_order_size, max_order_size, price_precision, quantity_precision
		FROM trading_pairs WHERE id = $1
	`, id)
	return scanPair(row)
}

// GetTradingPairByMarket loads the pair deployed for a given market, if any.
func (s *Store) GetTradingPairByMarket(ctx context.Context, marketID string) (*domain.TradingPair, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, base_symbol, quote_symbol, market_id, symbol, active,
			min_order_size, max_order_size, price_precision, quantity_precision
		FROM trading_pairs WHERE market_id = $1
	`, marketID)
	return scanPair(row)
}

func scanPair(row rowScanner) (*domain.TradingPair, error) {
	var p domain.TradingPair
	minSize, maxSize := numeric(nil), numeric(nil)
	err := row.Scan(&p.ID, &p.BaseSymbol, &p.QuoteSymbol, &p.MarketID, &p.Symbol, &p.Active,
		&minSize, &maxSize, &p.PricePrecision, &p.QuantityPrecision)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("relational: scan trading pair: %w", err)
	}
	p.MinOrderSize = bigInt(minSize)
	p.MaxOrderSize = bigInt(maxSize)
	return &p, nil
}
