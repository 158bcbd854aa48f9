package matching

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/omenbackend/omen-market-backend/internal/config"
	"github.com/omenbackend/omen-market-backend/internal/domain"
	"github.com/omenbackend/omen-market-backend/internal/jobs"
)

// execute runs one trade between taker and maker at makerPrice for qty
// inside a single database transaction: Trade row, both balance
// legs, and both order fill updates commit together or not at all.
func (e *Engine) execute(ctx context.Context, pair *domain.TradingPair, taker, maker *domain.Order, qty, makerPrice *big.Int) (*domain.Trade, error) {
	base, err := e.store.GetToken(ctx, pair.BaseSymbol)
	if err != nil {
		return nil, fmt.Errorf("matching: load base token: %w", err)
	}

	quoteAmt := quoteAmount(qty, makerPrice, base.Decimals)
	buyerFee := feeOf(quoteAmt)
	sellerFee := feeOf(quoteAmt)

	var buyOrder, sellOrder *domain.Order
	if taker.Side == domain.SideBuy {
		buyOrder, sellOrder = taker, maker
	} else {
		buyOrder, sellOrder = maker, taker
	}

	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("matching: begin trade tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := e.settleLegs(ctx, tx, buyOrder.UserID, sellOrder.UserID, pair.BaseSymbol, pair.QuoteSymbol, qty, quoteAmt, buyerFee, sellerFee); err != nil {
		return nil, err
	}

	trade := &domain.Trade{
		ID:               e.newID(),
		PairID:           pair.ID,
		BuyOrderID:       buyOrder.ID,
		SellOrderID:      sellOrder.ID,
		BuyerID:          buyOrder.UserID,
		SellerID:         sellOrder.UserID,
		Price:            makerPrice,
		Quantity:         qty,
		BuyerFee:         buyerFee,
		SellerFee:        sellerFee,
		SettlementStatus: domain.SettlementPending,
		ExecutedAt:       time.Now().UTC(),
	}
	if err := e.store.InsertTrade(ctx, tx, trade); err != nil {
		return nil, fmt.Errorf("matching: insert trade: %w", err)
	}

	buyFresh, err := e.store.GetOrderForUpdate(ctx, tx, buyOrder.ID)
	if err != nil {
		return nil, fmt.Errorf("matching: load buy order for fill: %w", err)
	}
	if err := e.applyFill(ctx, tx, buyFresh, qty, makerPrice); err != nil {
		return nil, err
	}
	sellFresh, err := e.store.GetOrderForUpdate(ctx, tx, sellOrder.ID)
	if err != nil {
		return nil, fmt.Errorf("matching: load sell order for fill: %w", err)
	}
	if err := e.applyFill(ctx, tx, sellFresh, qty, makerPrice); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("matching: commit trade tx: %w", err)
	}

	if err := e.book.Invalidate(ctx, pair.ID); err != nil {
		e.log.Warn("order book invalidate after trade failed", "pair_id", pair.ID, "error", err)
	}
	e.emitEvent(taker.ID, trade.ID, "trade.settlement_pending", map[string]any{"pair_id": pair.ID})
	e.submitPostTradeJobs(ctx, trade)

	return trade, nil
}

// feeOf is value * TradeFeeBPS / 10000.
func feeOf(value *big.Int) *big.Int {
	fee := new(big.Int).Mul(value, big.NewInt(config.TradeFeeBPS))
	return fee.Quo(fee, big.NewInt(10000))
}

// balRow identifies one (user, token) row so the four rows a trade touches
// can be locked in a single canonical order, avoiding cross-trade deadlocks.
type balRow struct {
	userID string
	token  string
}

// settleLegs moves value for both sides of one trade: seller's locked base
// decreases by qty, seller's available quote increases by net proceeds;
// buyer's locked quote decreases by the trade value, buyer's available base
// increases by net quantity received.
func (e *Engine) settleLegs(ctx context.Context, tx pgx.Tx, buyerID, sellerID, baseToken, quoteToken string, qty, quoteAmt, buyerFee, sellerFee *big.Int) error {
	rows := []balRow{
		{buyerID, baseToken},
		{buyerID, quoteToken},
		{sellerID, baseToken},
		{sellerID, quoteToken},
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].userID != rows[j].userID {
			return rows[i].userID < rows[j].userID
		}
		return rows[i].token < rows[j].token
	})

	locked := make(map[balRow]*domain.UserBalance, len(rows))
	for _, r := range rows {
		b, err := e.store.GetBalanceForUpdate(ctx, tx, r.userID, r.token)
		if err != nil {
			return fmt.Errorf("matching: lock balance %s/%s: %w", r.userID, r.token, err)
		}
		locked[r] = b
	}

	buyerBase := locked[balRow{buyerID, baseToken}]
	buyerQuote := locked[balRow{buyerID, quoteToken}]
	sellerBase := locked[balRow{sellerID, baseToken}]
	sellerQuote := locked[balRow{sellerID, quoteToken}]

	buyerBase.Available = new(big.Int).Add(buyerBase.Available, new(big.Int).Sub(qty, buyerFee))
	buyerQuote.Locked = new(big.Int).Sub(buyerQuote.Locked, quoteAmt)

	sellerBase.Locked = new(big.Int).Sub(sellerBase.Locked, qty)
	sellerQuote.Available = new(big.Int).Add(sellerQuote.Available, new(big.Int).Sub(quoteAmt, sellerFee))

	for _, r := range rows {
		if err := e.store.UpsertBalance(ctx, tx, locked[r]); err != nil {
			return fmt.Errorf("matching: write balance %s/%s: %w", r.userID, r.token, err)
		}
	}
	return nil
}

// applyFill updates one order's filled_quantity/average_fill_price/status
// after it absorbs qty at execPrice.
func (e *Engine) applyFill(ctx context.Context, tx pgx.Tx, order *domain.Order, qty, execPrice *big.Int) error {
	prevFilled := order.FilledQuantity
	newFilled := new(big.Int).Add(prevFilled, qty)

	avg := execPrice
	if order.AverageFillPrice != nil && prevFilled.Sign() > 0 {
		weighted := new(big.Int).Mul(order.AverageFillPrice, prevFilled)
		weighted.Add(weighted, new(big.Int).Mul(execPrice, qty))
		avg = weighted.Quo(weighted, newFilled)
	}

	status := domain.OrderPartial
	if newFilled.Cmp(order.Quantity) >= 0 {
		status = domain.OrderFilled
	}
	return e.store.UpdateOrderFill(ctx, tx, order.ID, status, newFilled, avg)
}

// submitPostTradeJobs fans out settlement and notification work after a
// trade's own transaction has committed. The stats aggregator
// has no queue of its own; it reacts to the trade.executed event emitted
// alongside these submissions via OnEvent instead.
func (e *Engine) submitPostTradeJobs(ctx context.Context, trade *domain.Trade) {
	payload := []byte(trade.ID)
	jobsToSubmit := []string{config.QueueSettlement, config.QueueNotifications}
	for _, queue := range jobsToSubmit {
		if _, err := e.fabric.Submit(ctx, queue, payload, jobs.SubmitOptions{
			JobID:    fmt.Sprintf("%s-%s", queue, trade.ID),
			Attempts: 5,
			Backoff:  jobs.Backoff{Type: jobs.BackoffExponential, BaseMS: 500},
		}); err != nil {
			e.log.Warn("post-trade job submit failed", "queue", queue, "trade_id", trade.ID, "error", err)
		}
	}
}
