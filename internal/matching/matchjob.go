package matching

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/omenbackend/omen-market-backend/internal/config"
	"github.com/omenbackend/omen-market-backend/internal/domain"
	"github.com/omenbackend/omen-market-backend/internal/jobs"
)

// Handler returns the Job Fabric handler for config.QueueMatching, closing
// over this Engine.
func (e *Engine) Handler() jobs.Handler {
	return func(ctx context.Context, jc jobs.JobContext, payload []byte) jobs.Outcome {
		orderID := string(payload)
		if err := e.runMatch(ctx, orderID); err != nil {
			e.log.Warn("match job failed", "order_id", orderID, "job_id", jc.JobID, "attempt", jc.AttemptsMade, "error", err)
			if jc.AttemptsMade+1 >= jc.Attempts {
				return jobs.OutcomeFail
			}
			return jobs.OutcomeRetry
		}
		return jobs.OutcomeSuccess
	}
}

// runMatch is the matching job body. It is idempotent on
// re-delivery: an order that has already left the matchable states is a
// no-op, and crossing never double-counts a fill because every quantity
// change is committed inside execute's single transaction before the next
// iteration reads the book again.
func (e *Engine) runMatch(ctx context.Context, orderID string) error {
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("matching: load order %s: %w", orderID, err)
	}
	if order.Status != domain.OrderPendingMatch && order.Status != domain.OrderOpen && order.Status != domain.OrderPartial {
		return nil
	}

	pair, err := e.store.GetTradingPair(ctx, order.PairID)
	if err != nil {
		return fmt.Errorf("matching: load pair %s: %w", order.PairID, err)
	}
	if !pair.Active {
		return e.cancelUnmatchable(ctx, order, pair, "trading pair is no longer active")
	}

	if order.Status == domain.OrderPendingMatch {
		if err := e.store.UpdateOrderStatus(ctx, order.ID, domain.OrderOpen); err != nil {
			return fmt.Errorf("matching: open order %s: %w", order.ID, err)
		}
		order.Status = domain.OrderOpen
	}

	opposite := domain.SideSell
	if order.Side == domain.SideSell {
		opposite = domain.SideBuy
	}

	triggered := make([]string, 0, config.MatchingRematchFanout)
	remaining := order.Remaining()

	for remaining.Sign() > 0 {
		resting, err := e.book.Top(ctx, order.PairID, opposite, 1)
		if err != nil {
			return fmt.Errorf("matching: read opposing book: %w", err)
		}
		if len(resting) == 0 {
			break
		}
		if resting[0].ID == order.ID {
			break
		}
		// orderbook.Cache.Top only carries id/price/remaining-quantity for
		// ranking; reload the full row so UserID and FilledQuantity (needed by
		// Remaining, execute, and settleLegs) are never read as zero values.
		maker, err := e.store.GetOrder(ctx, resting[0].ID)
		if err != nil {
			return fmt.Errorf("matching: reload maker %s: %w", resting[0].ID, err)
		}
		if maker.Status != domain.OrderOpen && maker.Status != domain.OrderPartial {
			if err := e.book.Invalidate(ctx, order.PairID); err != nil {
				e.log.Warn("order book invalidate after stale maker read failed", "pair_id", order.PairID, "error", err)
			}
			break
		}
		if !crosses(order, maker) {
			break
		}

		matchQty := new(big.Int).Set(remaining)
		makerRemaining := maker.Remaining()
		if makerRemaining.Cmp(matchQty) < 0 {
			matchQty = makerRemaining
		}
		if matchQty.Sign() <= 0 {
			break
		}

		trade, err := e.execute(ctx, pair, order, maker, matchQty, maker.Price)
		if err != nil {
			e.log.Warn("trade execution failed, skipping match", "taker", order.ID, "maker", maker.ID, "error", err)
			break
		}

		order, err = e.store.GetOrder(ctx, order.ID)
		if err != nil {
			return fmt.Errorf("matching: reload taker %s: %w", order.ID, err)
		}
		remaining = order.Remaining()

		if len(triggered) < config.MatchingRematchFanout {
			triggered = append(triggered, maker.ID)
		}

		e.emitEvent(order.ID, trade.ID, "trade.executed", map[string]any{
			"pair_id":  pair.ID,
			"maker_id": maker.ID,
			"taker_id": order.ID,
			"price":    trade.Price.String(),
			"quantity": trade.Quantity.String(),
		})
	}

	finalStatus := domain.OrderOpen
	switch {
	case remaining.Sign() == 0:
		finalStatus = domain.OrderFilled
	case remaining.Cmp(order.Quantity) < 0:
		finalStatus = domain.OrderPartial
	}

	// MARKET orders carry no price and can never rest in the book: any
	// unmatched remainder is released back to the user instead of waiting
	// for future liquidity.
	if order.Kind == domain.OrderMarket && remaining.Sign() > 0 {
		if err := e.releaseMarketRemainder(ctx, order, pair, remaining); err != nil {
			return err
		}
		if finalStatus == domain.OrderOpen {
			finalStatus = domain.OrderCancelled
		}
	}

	if finalStatus != order.Status {
		if err := e.store.UpdateOrderStatus(ctx, order.ID, finalStatus); err != nil {
			return fmt.Errorf("matching: finalize order %s status: %w", order.ID, err)
		}
	}
	if order.Kind != domain.OrderMarket && (finalStatus == domain.OrderOpen || finalStatus == domain.OrderPartial) {
		if _, err := e.book.Refill(ctx, order.PairID, order.Side, 200); err != nil {
			e.log.Warn("book refill after match failed", "pair_id", order.PairID, "side", order.Side, "error", err)
		}
	}

	for _, opp := range triggered {
		if _, err := e.fabric.Submit(ctx, config.QueueMatching, []byte(opp), jobs.SubmitOptions{
			JobID:    fmt.Sprintf("match-%s-trigger-%s", opp, order.ID),
			DelayMS:  int(config.MatchingRematchDelay / time.Millisecond),
			Attempts: 3,
			Backoff:  jobs.Backoff{Type: jobs.BackoffExponential, BaseMS: 200},
		}); err != nil {
			e.log.Warn("rematch fan-out submit failed", "opposing_order_id", opp, "error", err)
		}
	}

	return nil
}

// releaseMarketRemainder unlocks the portion of a MARKET order's reserved
// balance that corresponds to quantity it never matched. Market orders lock
// against a reference price taken from the book at submission (matching.go's
// SubmitOrder), which is not persisted, so the remainder is valued at the
// order's own average fill price when it has one, falling back to the
// current best opposing price otherwise.
func (e *Engine) releaseMarketRemainder(ctx context.Context, order *domain.Order, pair *domain.TradingPair, remaining *big.Int) error {
	token, amount, err := e.lockedTokenAndAmount(ctx, order, pair, remaining)
	if err != nil {
		return err
	}
	if amount.Sign() <= 0 {
		return nil
	}
	return e.balance.Unlock(ctx, order.UserID, token, amount)
}

// crosses reports whether taker can execute against maker at maker's
// resting price (trades always print at the maker's price, ).
// MARKET orders always cross; LIMIT/STOP_LIMIT orders cross only if their
// limit price does not require a worse fill than maker's price.
func crosses(taker, maker *domain.Order) bool {
	if taker.Kind == domain.OrderMarket {
		return true
	}
	if taker.Price == nil {
		return false
	}
	if taker.Side == domain.SideBuy {
		return taker.Price.Cmp(maker.Price) >= 0
	}
	return taker.Price.Cmp(maker.Price) <= 0
}

// cancelUnmatchable releases a resting order's lock and cancels it outright,
// used when its pair goes inactive mid-flight.
func (e *Engine) cancelUnmatchable(ctx context.Context, order *domain.Order, pair *domain.TradingPair, reason string) error {
	lockToken, lockAmount, err := e.lockedTokenAndAmount(ctx, order, pair, order.Remaining())
	if err != nil {
		return err
	}
	if lockAmount.Sign() > 0 {
		if err := e.balance.Unlock(ctx, order.UserID, lockToken, lockAmount); err != nil {
			return fmt.Errorf("matching: unlock on pair deactivation: %w", err)
		}
	}
	if err := e.store.UpdateOrderStatus(ctx, order.ID, domain.OrderCancelled); err != nil {
		return fmt.Errorf("matching: cancel order on pair deactivation: %w", err)
	}
	e.emitEvent(order.ID, "", "order.cancelled", map[string]any{"reason": reason})
	return nil
}
