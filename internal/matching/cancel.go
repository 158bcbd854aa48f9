package matching

import (
	"context"
	"fmt"

	"github.com/omenbackend/omen-market-backend/internal/apperr"
	"github.com/omenbackend/omen-market-backend/internal/domain"
)

// Cancel implements cancel(order_id, user): owner check,
// OPEN/PARTIAL-only, release the unfilled lock, transition to CANCELLED,
// drop from the book.
func (e *Engine) Cancel(ctx context.Context, orderID, userID string) error {
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return apperr.Wrap(apperr.KindOrderNotFound, "load order", err)
	}
	if order.UserID != userID {
		return apperr.New(apperr.KindForbidden, "order does not belong to this user")
	}
	if order.Status != domain.OrderOpen && order.Status != domain.OrderPartial {
		return apperr.New(apperr.KindInvalidStatus, "order is not open or partially filled")
	}

	pair, err := e.store.GetTradingPair(ctx, order.PairID)
	if err != nil {
		return apperr.Wrap(apperr.KindPairNotFound, "load trading pair", err)
	}

	lockToken, lockAmount, err := e.lockedTokenAndAmount(ctx, order, pair, order.Remaining())
	if err != nil {
		return err
	}
	if lockAmount.Sign() > 0 {
		if err := e.balance.Unlock(ctx, userID, lockToken, lockAmount); err != nil {
			return fmt.Errorf("matching: unlock on cancel: %w", err)
		}
	}

	if err := e.store.UpdateOrderStatus(ctx, order.ID, domain.OrderCancelled); err != nil {
		return fmt.Errorf("matching: cancel order %s: %w", order.ID, err)
	}
	if err := e.book.Invalidate(ctx, order.PairID); err != nil {
		e.log.Warn("order book invalidate on cancel failed", "pair_id", order.PairID, "error", err)
	}
	e.emitEvent(order.ID, "", "order.cancelled", map[string]any{"reason": "user_requested"})
	return nil
}
