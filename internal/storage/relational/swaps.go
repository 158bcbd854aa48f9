package relational

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/omenbackend/omen-market-backend/internal/domain"
)

// CreateSwap inserts a new SwapRecord, status PENDING.
func (s *Store) CreateSwap(ctx context.Context, sw *domain.SwapRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO swaps (id, user_id, source_token, target_token, source_chain, target_chain,
			source_amount, expected_target_amount, destination_address, bridge_contract, status,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, sw.ID, sw.UserID, sw.SourceToken, sw.TargetToken, sw.SourceChain, sw.TargetChain,
		numeric(sw.SourceAmount), numeric(sw.ExpectedTargetAmount), sw.DestinationAddress, sw.BridgeContract,
		string(sw.Status), sw.CreatedAt, sw.UpdatedAt)
	if err != nil {
		return fmt.Errorf("relational: create swap: %w", err)
	}
	return nil
}

// GetSwap loads a swap by id.
func (s *Store) GetSwap(ctx context.Context, id string) (*domain.SwapRecord, error) {
	row := s.pool.QueryRow(ctx, swapSelect+` WHERE id = $1`, id)
	return scanSwap(row)
}

// UpdateSwapStatus transitions status and touches updated_at; terminal
// transitions also set completed_at, failure_reason, or the bridge/tx ids
// depending on which optional pointer is non-nil.
func (s *Store) UpdateSwapStatus(ctx context.Context, id string, status domain.SwapStatus, opts SwapUpdate) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE swaps SET status = $2, updated_at = now(),
			bridge_swap_id = COALESCE($3, bridge_swap_id),
			source_tx_hash = COALESCE($4, source_tx_hash),
			target_tx_hash = COALESCE($5, target_tx_hash),
			failure_reason = COALESCE($6, failure_reason),
			completed_at = COALESCE($7, completed_at)
		WHERE id = $1
	`, id, string(status), opts.BridgeSwapID, opts.SourceTxHash, opts.TargetTxHash, opts.FailureReason, opts.CompletedAt)
	if err != nil {
		return fmt.Errorf("relational: update swap status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SwapUpdate carries the optional fields UpdateSwapStatus may set alongside
// a status transition; nil fields leave the column untouched.
type SwapUpdate struct {
	BridgeSwapID  *string
	SourceTxHash  *string
	TargetTxHash  *string
	FailureReason *string
	CompletedAt   *time.Time
}

// ListSwapsByUser returns a user's swaps, newest first.
func (s *Store) ListSwapsByUser(ctx context.Context, userID string, limit int) ([]*domain.SwapRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, swapSelect+` WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("relational: list swaps by user: %w", err)
	}
	defer rows.Close()

	var out []*domain.SwapRecord
	for rows.Next() {
		sw, err := scanSwap(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sw)
	}
	return out, rows.Err()
}

const swapSelect = `
	SELECT id, user_id, source_token, target_token, source_chain, target_chain,
		source_amount, expected_target_amount, destination_address, bridge_contract, status,
		bridge_swap_id, source_tx_hash, target_tx_hash, failure_reason, created_at, updated_at, completed_at
	FROM swaps
`

func scanSwap(row rowScanner) (*domain.SwapRecord, error) {
	var sw domain.SwapRecord
	var status string
	srcAmt, tgtAmt := numeric(nil), numeric(nil)
	err := row.Scan(&sw.ID, &sw.UserID, &sw.SourceToken, &sw.TargetToken, &sw.SourceChain, &sw.TargetChain,
		&srcAmt, &tgtAmt, &sw.DestinationAddress, &sw.BridgeContract, &status,
		&sw.BridgeSwapID, &sw.SourceTxHash, &sw.TargetTxHash, &sw.FailureReason, &sw.CreatedAt, &sw.UpdatedAt, &sw.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("relational: scan swap: %w", err)
	}
	sw.Status = domain.SwapStatus(status)
	sw.SourceAmount = bigInt(srcAmt)
	sw.ExpectedTargetAmount = bigInt(tgtAmt)
	return &sw, nil
}
