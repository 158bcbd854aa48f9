package relational

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"

	"github.com/omenbackend/omen-market-backend/internal/domain"
)

// CreateOrder inserts a new Order, status expected to be PENDING_MATCH.
func (s *Store) CreateOrder(ctx context.Context, o *domain.Order) error {
	metaJSON, err := json.Marshal(o.Metadata)
	if err != nil {
		return fmt.Errorf("relational: marshal order metadata: %w", err)
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO orders (id, user_id, pair_id, side, kind, status, price, quantity,
			filled_quantity, average_fill_price, time_in_force, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING seq_id
	`, o.ID, o.UserID, o.PairID, string(o.Side), string(o.Kind), string(o.Status),
		numeric(o.Price), numeric(o.Quantity), numeric(o.FilledQuantity), numeric(o.AverageFillPrice),
		string(o.TimeInForce), metaJSON, o.CreatedAt, o.UpdatedAt).Scan(&o.SeqID)
	if err != nil {
		return fmt.Errorf("relational: insert order: %w", err)
	}
	return nil
}

// GetOrder loads an order by id.
func (s *Store) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	row := s.pool.QueryRow(ctx, orderSelect+` WHERE id = $1`, id)
	return scanOrder(row)
}

// GetOrderForUpdate loads an order with a row lock, for use inside the
// matching job's transaction.
func (s *Store) GetOrderForUpdate(ctx context.Context, tx pgx.Tx, id string) (*domain.Order, error) {
	row := tx.QueryRow(ctx, orderSelect+` WHERE id = $1 FOR UPDATE`, id)
	return scanOrder(row)
}

// UpdateOrderFill persists a new status/filled_quantity/average_fill_price,
// called once per order inside a trade-execution transaction.
func (s *Store) UpdateOrderFill(ctx context.Context, tx pgx.Tx, id string, status domain.OrderStatus, filled, avgPrice *big.Int) error {
	tag, err := tx.Exec(ctx, `
		UPDATE orders SET status = $2, filled_quantity = $3, average_fill_price = $4, updated_at = now()
		WHERE id = $1
	`, id, string(status), numeric(filled), numeric(avgPrice))
	if err != nil {
		return fmt.Errorf("relational: update order fill: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateOrderStatus sets status alone (used for PENDING_MATCH->OPEN and cancellation).
func (s *Store) UpdateOrderStatus(ctx context.Context, id string, status domain.OrderStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE orders SET status = $2, updated_at = now() WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("relational: update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// OrderBookSide returns resting OPEN/PARTIAL orders for (pair, side) in
// price-time priority, used as the relational fallback when the order-book
// cache misses.
func (s *Store) OrderBookSide(ctx context.Context, pairID string, side domain.OrderSide, limit int) ([]*domain.Order, error) {
	order := "price ASC, created_at ASC"
	if side == domain.SideBuy {
		order = "price DESC, created_at ASC"
	}
	rows, err := s.pool.Query(ctx, orderSelect+fmt.Sprintf(`
		WHERE pair_id = $1 AND side = $2 AND status IN ('OPEN','PARTIAL')
		ORDER BY %s LIMIT $3
	`, order), pairID, string(side), limit)
	if err != nil {
		return nil, fmt.Errorf("relational: order book side: %w", err)
	}
	defer rows.Close()

	var out []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListOrdersByUser returns a user's orders, newest first.
func (s *Store) ListOrdersByUser(ctx context.Context, userID string, limit int) ([]*domain.Order, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, orderSelect+` WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("relational: list orders by user: %w", err)
	}
	defer rows.Close()

	var out []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

const orderSelect = `
	SELECT seq_id, id, user_id, pair_id, side, kind, status, price, quantity,
		filled_quantity, average_fill_price, time_in_force, metadata, created_at, updated_at
	FROM orders
`

func scanOrder(row rowScanner) (*domain.Order, error) {
	var o domain.Order
	var side, kind, status, tif string
	var metaJSON []byte
	price, qty, filled, avg := numeric(nil), numeric(nil), numeric(nil), numeric(nil)

	err := row.Scan(&o.SeqID, &o.ID, &o.UserID, &o.PairID, &side, &kind, &status, &price, &qty,
		&filled, &avg, &tif, &metaJSON, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("relational: scan order: %w", err)
	}
	o.Side = domain.OrderSide(side)
	o.Kind = domain.OrderKind(kind)
	o.Status = domain.OrderStatus(status)
	o.TimeInForce = domain.TimeInForce(tif)
	if price.Valid {
		o.Price = bigInt(price)
	}
	o.Quantity = bigInt(qty)
	o.FilledQuantity = bigInt(filled)
	if avg.Valid {
		o.AverageFillPrice = bigInt(avg)
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &o.Metadata); err != nil {
			return nil, fmt.Errorf("relational: unmarshal order metadata: %w", err)
		}
	}
	return &o, nil
}
