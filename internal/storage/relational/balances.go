package relational

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"

	"github.com/omenbackend/omen-market-backend/internal/domain"
)

// GetBalanceForUpdate reads (or implicitly creates as zero) a balance row
// with a row lock, for use inside internal/balance's canonical-order
// transactions. Absent rows read as (0, 0)  without an insert —
// the caller upserts on write if the row still doesn't exist.
func (s *Store) GetBalanceForUpdate(ctx context.Context, tx pgx.Tx, userID, token string) (*domain.UserBalance, error) {
	row := tx.QueryRow(ctx, `
		SELECT user_id, token, available, locked FROM balances
		WHERE user_id = $1 AND token = $2 FOR UPDATE
	`, userID, token)

	var b domain.UserBalance
	avail, locked := numeric(nil), numeric(nil)
	err := row.Scan(&b.UserID, &b.Token, &avail, &locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return &domain.UserBalance{UserID: userID, Token: token, Available: big.NewInt(0), Locked: big.NewInt(0)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("relational: get balance for update: %w", err)
	}
	b.Available = bigInt(avail)
	b.Locked = bigInt(locked)
	return &b, nil
}

// GetBalance reads a balance without a lock, for read-only API calls.
func (s *Store) GetBalance(ctx context.Context, userID, token string) (*domain.UserBalance, error) {
	row := s.pool.QueryRow(ctx, `SELECT user_id, token, available, locked FROM balances WHERE user_id = $1 AND token = $2`, userID, token)
	var b domain.UserBalance
	avail, locked := numeric(nil), numeric(nil)
	err := row.Scan(&b.UserID, &b.Token, &avail, &locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return &domain.UserBalance{UserID: userID, Token: token, Available: big.NewInt(0), Locked: big.NewInt(0)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("relational: get balance: %w", err)
	}
	b.Available = bigInt(avail)
	b.Locked = bigInt(locked)
	return &b, nil
}

// UpsertBalance writes the full (available, locked) pair for (user, token),
// inserting if absent. Every Balance Book write path (lock/unlock/credit/
// reconciliation overwrite) funnels through this single statement.
func (s *Store) UpsertBalance(ctx context.Context, tx pgx.Tx, b *domain.UserBalance) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO balances (user_id, token, available, locked)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (user_id, token) DO UPDATE SET available = EXCLUDED.available, locked = EXCLUDED.locked
	`, b.UserID, b.Token, numeric(b.Available), numeric(b.Locked))
	if err != nil {
		return fmt.Errorf("relational: upsert balance: %w", err)
	}
	return nil
}

// ListNonzeroBalances returns every (user, token) row with a nonzero
// available or locked amount, the reconciliation worker's balance-check universe.
func (s *Store) ListNonzeroBalances(ctx context.Context) ([]*domain.UserBalance, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id, token, available, locked FROM balances WHERE available <> 0 OR locked <> 0`)
	if err != nil {
		return nil, fmt.Errorf("relational: list nonzero balances: %w", err)
	}
	defer rows.Close()

	var out []*domain.UserBalance
	for rows.Next() {
		var b domain.UserBalance
		avail, locked := numeric(nil), numeric(nil)
		if err := rows.Scan(&b.UserID, &b.Token, &avail, &locked); err != nil {
			return nil, fmt.Errorf("relational: scan balance: %w", err)
		}
		b.Available = bigInt(avail)
		b.Locked = bigInt(locked)
		out = append(out, &b)
	}
	return out, rows.Err()
}

// BeginTx starts a transaction for multi-row canonical-order balance updates.
func (s *Store) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return s.pool.Begin(ctx)
}
