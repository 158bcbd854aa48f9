package relational

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/omenbackend/omen-market-backend/internal/domain"
)

// InsertTrade writes a new Trade row inside the caller's transaction (trade
// execution is always one transaction ).
func (s *Store) InsertTrade(ctx context.Context, tx pgx.Tx, t *domain.Trade) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO trades (id, pair_id, buy_order_id, sell_order_id, buyer_id, seller_id,
			price, quantity, buyer_fee, seller_fee, settlement_status, executed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING seq_id
	`, t.ID, t.PairID, t.BuyOrderID, t.SellOrderID, t.BuyerID, t.SellerID,
		numeric(t.Price), numeric(t.Quantity), numeric(t.BuyerFee), numeric(t.SellerFee),
		string(t.SettlementStatus), t.ExecutedAt).Scan(&t.SeqID)
	if err != nil {
		return fmt.Errorf("relational: insert trade: %w", err)
	}
	return nil
}

// GetTrade loads a trade by id.
func (s *Store) GetTrade(ctx context.Context, id string) (*domain.Trade, error) {
	row := s.pool.QueryRow(ctx, tradeSelect+` WHERE id = $1`, id)
	return scanTrade(row)
}

// MarkTradeSettled sets settlement_status=SETTLED with the chain tx hash.
func (s *Store) MarkTradeSettled(ctx context.Context, id, txHash string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE trades SET settlement_status = $2, chain_tx_hash = $3, settled_at = now() WHERE id = $1
	`, id, string(domain.SettlementSettled), txHash)
	if err != nil {
		return fmt.Errorf("relational: mark trade settled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkTradeSettlementFailed sets settlement_status=FAILED.
func (s *Store) MarkTradeSettlementFailed(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE trades SET settlement_status = $2 WHERE id = $1`, id, string(domain.SettlementFailed))
	if err != nil {
		return fmt.Errorf("relational: mark trade settlement failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PendingSettlements returns trades stuck PENDING for reconciliation to re-check.
func (s *Store) PendingSettlements(ctx context.Context, olderThanSeconds int) ([]*domain.Trade, error) {
	rows, err := s.pool.Query(ctx, tradeSelect+`
		WHERE settlement_status = 'PENDING' AND executed_at < now() - make_interval(secs => $1)
	`, olderThanSeconds)
	if err != nil {
		return nil, fmt.Errorf("relational: pending settlements: %w", err)
	}
	defer rows.Close()

	var out []*domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const tradeSelect = `
	SELECT seq_id, id, pair_id, buy_order_id, sell_order_id, buyer_id, seller_id,
		price, quantity, buyer_fee, seller_fee, settlement_status, chain_tx_hash, executed_at, settled_at
	FROM trades
`

func scanTrade(row rowScanner) (*domain.Trade, error) {
	var t domain.Trade
	var status string
	price, qty, buyerFee, sellerFee := numeric(nil), numeric(nil), numeric(nil), numeric(nil)

	err := row.Scan(&t.SeqID, &t.ID, &t.PairID, &t.BuyOrderID, &t.SellOrderID, &t.BuyerID, &t.SellerID,
		&price, &qty, &buyerFee, &sellerFee, &status, &t.ChainTxHash, &t.ExecutedAt, &t.SettledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("relational: scan trade: %w", err)
	}
	t.SettlementStatus = domain.SettlementStatus(status)
	t.Price = bigInt(price)
	t.Quantity = bigInt(qty)
	t.BuyerFee = bigInt(buyerFee)
	t.SellerFee = bigInt(sellerFee)
	return &t, nil
}
