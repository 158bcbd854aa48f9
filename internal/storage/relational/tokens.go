package relational

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/omenbackend/omen-market-backend/internal/domain"
)

// UpsertToken creates or idempotently updates a Token row keyed by symbol;
// used by the deployment job, which may retry after a partial failure.
func (s *Store) UpsertToken(ctx context.Context, t *domain.Token) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tokens (symbol, name, type, contract_address, chain, decimals, total_supply, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (symbol) DO UPDATE SET
			contract_address = EXCLUDED.contract_address,
			total_supply = EXCLUDED.total_supply,
			active = EXCLUDED.active
	`, t.Symbol, t.Name, string(t.Type), t.ContractAddress, t.Chain, t.Decimals, numeric(t.TotalSupply), t.Active)
	if err != nil {
		return fmt.Errorf("relational: upsert token: %w", err)
	}
	return nil
}

// GetToken loads a Token by symbol.
func (s *Store) GetToken(ctx context.Context, symbol string) (*domain.Token, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT symbol, name, type, contract_address, chain, decimals, total_supply, active
		FROM tokens WHERE symbol = $1
	`, symbol)
	return scanToken(row)
}

// ListActiveTokensWithContract returns every active token with a known
// contract address, the reconciliation worker's supply-check universe.
func (s *Store) ListActiveTokensWithContract(ctx context.Context) ([]*domain.Token, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT symbol, name, type, contract_address, chain, decimals, total_supply, active
		FROM tokens WHERE active = true AND contract_address IS NOT NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("relational: list tokens: %w", err)
	}
	defer rows.Close()

	var out []*domain.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTokens returns every token row, ordered by symbol, for the
// read-only token catalog endpoint.
func (s *Store) ListTokens(ctx context.Context) ([]*domain.Token, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT symbol, name, type, contract_address, chain, decimals, total_supply, active
		FROM tokens ORDER BY symbol
	`)
	if err != nil {
		return nil, fmt.Errorf("relational: list tokens: %w", err)
	}
	defer rows.Close()

	var out []*domain.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanToken(row rowScanner) (*domain.Token, error) {
	var t domain.Token
	var typ string
	supply := numeric(nil)
	err := row.Scan(&t.Symbol, &t.Name, &typ, &t.ContractAddress, &t.Chain, &t.Decimals, &supply, &t.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("relational: scan token: %w", err)
	}
	t.Type = domain.TokenType(typ)
	if supply.Valid {
		t.TotalSupply = bigInt(supply)
	}
	return &t, nil
}
