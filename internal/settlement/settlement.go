// Package settlement drives each trade's chain settlement job:
// submit_trade to chain, mark SETTLED/FAILED, retry transient failures. A
// terminal-success and a terminal-failure path each update persisted state
// and emit an event.
package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/omenbackend/omen-market-backend/internal/domain"
	"github.com/omenbackend/omen-market-backend/internal/jobs"
	"github.com/omenbackend/omen-market-backend/pkg/logging"
)

// Store is the subset of *relational.Store the settlement worker needs.
type Store interface {
	GetTrade(ctx context.Context, id string) (*domain.Trade, error)
	MarkTradeSettled(ctx context.Context, id, txHash string) error
	MarkTradeSettlementFailed(ctx context.Context, id string) error
}

// Chain is the subset of internal/chain's adapter the worker needs. Kept as
// a local interface (same rationale as internal/matching's Book/JobSubmitter)
// so tests run against a hand-written fake instead of a live Sapphire node.
type Chain interface {
	SettleTrade(ctx context.Context, tradeID, pairID string) (txHash string, err error)
}

// ErrTransient marks a settlement failure the worker should retry rather
// than mark FAILED outright (e.g. a dropped RPC connection).
var ErrTransient = errors.New("settlement: transient chain error")

// Worker processes one QueueSettlement job per trade.
type Worker struct {
	store Store
	chain Chain
	log   *logging.Logger
}

func NewWorker(store Store, chain Chain) *Worker {
	return &Worker{store: store, chain: chain, log: logging.GetDefault().Component("settlement")}
}

// Handle is the jobs.Handler registered on config.QueueSettlement; payload
// is the trade ID as raw bytes (matching internal/matching's submitPostTradeJobs).
func (w *Worker) Handle(ctx context.Context, jc jobs.JobContext, payload []byte) jobs.Outcome {
	tradeID := string(payload)
	trade, err := w.store.GetTrade(ctx, tradeID)
	if err != nil {
		w.log.Warn("settlement: load trade failed", "trade_id", tradeID, "error", err)
		return jobs.OutcomeRetry
	}
	if trade.SettlementStatus != domain.SettlementPending {
		return jobs.OutcomeSuccess
	}

	txHash, err := w.chain.SettleTrade(ctx, trade.ID, trade.PairID)
	if err == nil {
		if err := w.store.MarkTradeSettled(ctx, trade.ID, txHash); err != nil {
			w.log.Error("settlement: mark settled failed", "trade_id", trade.ID, "error", err)
			return jobs.OutcomeRetry
		}
		w.log.Info("trade.settled", "trade_id", trade.ID, "tx_hash", txHash)
		return jobs.OutcomeSuccess
	}

	if jc.AttemptsMade+1 < jc.Attempts {
		w.log.Warn("settlement: chain settle_trade failed, will retry", "trade_id", trade.ID, "attempt", jc.AttemptsMade+1, "error", err)
		return jobs.OutcomeRetry
	}

	if failErr := w.store.MarkTradeSettlementFailed(ctx, trade.ID); failErr != nil {
		w.log.Error("settlement: mark failed failed", "trade_id", trade.ID, "error", failErr)
	}
	w.log.Warn("trade.settlement_failed", "trade_id", trade.ID, "error", fmt.Errorf("settlement: %w after %d attempts", err, jc.Attempts))
	return jobs.OutcomeFail
}
