// Package reconcile implements the periodic reconciliation worker: compare
// on-chain supply/balances and pending settlements against the database,
// authoritatively repairing balances and flagging supply mismatches. Runs as
// a single-concurrency job (config.QueueReconciliation) fired by
// internal/jobs.Scheduler's cron at a 15-minute interval rather than its own
// time.Ticker loop — the Job Fabric already owns repeatable scheduling.
package reconcile

import (
	"context"
	"math/big"

	"github.com/omenbackend/omen-market-backend/internal/balance"
	"github.com/omenbackend/omen-market-backend/internal/domain"
	"github.com/omenbackend/omen-market-backend/internal/jobs"
	"github.com/omenbackend/omen-market-backend/pkg/logging"
)

// Store is the subset of *relational.Store the reconciliation pass needs
// beyond balances, which go through *balance.Book's Upsert (reserved
// exactly for this worker's authoritative-overwrite case, since
// Lock/Unlock/Credit's delta-based API doesn't fit a direct replacement).
type Store interface {
	ListActiveTokensWithContract(ctx context.Context) ([]*domain.Token, error)
	PendingSettlements(ctx context.Context, olderThanSeconds int) ([]*domain.Trade, error)
	MarkTradeSettled(ctx context.Context, id, txHash string) error
}

// Chain is the on-chain read surface reconciliation needs. A separate,
// narrower interface than settlement.Chain since this worker never submits
// transactions, only reads state.
type Chain interface {
	TotalSupply(ctx context.Context, token *domain.Token) (*big.Int, error)
	BalanceOf(ctx context.Context, token, address string) (*big.Int, error)
	VerifyConfirmed(ctx context.Context, txHash string) (bool, error)
}

const pendingSettlementAge = 5 * 60 // seconds

// Item is one per-subject outcome in a reconciliation Summary.
type Item struct {
	Subject string // "token:<symbol>", "balance:<user>/<token>", "trade:<id>"
	Action  string // "updated" | "flagged"
	Detail  string
}

// Summary aggregates one reconciliation pass's results.
type Summary struct {
	TokensChecked   int
	BalancesChecked int
	TradesChecked   int
	Discrepancies   []Item
}

// Worker runs one reconciliation pass per QueueReconciliation job.
type Worker struct {
	store   Store
	balance *balance.Book
	chain   Chain
	log     *logging.Logger
}

func NewWorker(store Store, balanceBook *balance.Book, chain Chain) *Worker {
	return &Worker{store: store, balance: balanceBook, chain: chain, log: logging.GetDefault().Component("reconcile")}
}

// Handle is the jobs.Handler registered on config.QueueReconciliation.
// Reconciliation failures are logged and swallowed rather than retried —
// the next scheduled tick supersedes a failed one.
func (w *Worker) Handle(ctx context.Context, jc jobs.JobContext, payload []byte) jobs.Outcome {
	summary, err := w.Run(ctx)
	if err != nil {
		w.log.Error("reconcile: pass failed", "error", err)
		return jobs.OutcomeFail
	}
	if len(summary.Discrepancies) > 0 {
		w.log.Warn("reconcile: discrepancies found",
			"tokens_checked", summary.TokensChecked,
			"balances_checked", summary.BalancesChecked,
			"trades_checked", summary.TradesChecked,
			"discrepancies", len(summary.Discrepancies))
	} else {
		w.log.Info("reconcile: clean pass",
			"tokens_checked", summary.TokensChecked,
			"balances_checked", summary.BalancesChecked,
			"trades_checked", summary.TradesChecked)
	}
	return jobs.OutcomeSuccess
}

// Run executes one full reconciliation pass: token supply, nonzero
// balances, and pending settlements, in that order.
func (w *Worker) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{}

	tokens, err := w.store.ListActiveTokensWithContract(ctx)
	if err != nil {
		return nil, err
	}
	for _, tok := range tokens {
		summary.TokensChecked++
		onchain, err := w.chain.TotalSupply(ctx, tok)
		if err != nil {
			w.log.Warn("reconcile: total supply read failed", "token", tok.Symbol, "error", err)
			continue
		}
		if tok.TotalSupply == nil || onchain.Cmp(tok.TotalSupply) != 0 {
			summary.Discrepancies = append(summary.Discrepancies, Item{
				Subject: "token:" + tok.Symbol,
				Action:  "flagged",
				Detail:  "stored total_supply does not match on-chain totalSupply",
			})
		}
	}

	balances, err := w.balance.ListNonzero(ctx)
	if err != nil {
		return nil, err
	}
	for _, bal := range balances {
		summary.BalancesChecked++
		onchain, err := w.chain.BalanceOf(ctx, bal.Token, bal.UserID)
		if err != nil {
			w.log.Warn("reconcile: balance read failed", "user_id", bal.UserID, "token", bal.Token, "error", err)
			continue
		}
		local := new(big.Int).Add(bal.Available, bal.Locked)
		if onchain.Cmp(local) != 0 {
			if err := w.balance.Upsert(ctx, bal.UserID, bal.Token, onchain, big.NewInt(0)); err != nil {
				w.log.Error("reconcile: balance overwrite failed", "user_id", bal.UserID, "token", bal.Token, "error", err)
				continue
			}
			summary.Discrepancies = append(summary.Discrepancies, Item{
				Subject: "balance:" + bal.UserID + "/" + bal.Token,
				Action:  "updated",
				Detail:  "local=" + local.String() + " onchain=" + onchain.String(),
			})
		}
	}

	pending, err := w.store.PendingSettlements(ctx, pendingSettlementAge)
	if err != nil {
		return nil, err
	}
	for _, trade := range pending {
		summary.TradesChecked++
		if trade.ChainTxHash == nil {
			summary.Discrepancies = append(summary.Discrepancies, Item{
				Subject: "trade:" + trade.ID,
				Action:  "flagged",
				Detail:  "pending settlement with no chain tx hash",
			})
			continue
		}
		confirmed, err := w.chain.VerifyConfirmed(ctx, *trade.ChainTxHash)
		if err != nil {
			w.log.Warn("reconcile: verify tx failed", "trade_id", trade.ID, "error", err)
			continue
		}
		if confirmed {
			if err := w.store.MarkTradeSettled(ctx, trade.ID, *trade.ChainTxHash); err != nil {
				w.log.Error("reconcile: mark settled failed", "trade_id", trade.ID, "error", err)
				continue
			}
			summary.Discrepancies = append(summary.Discrepancies, Item{
				Subject: "trade:" + trade.ID,
				Action:  "updated",
				Detail:  "confirmed on-chain, marked SETTLED",
			})
		}
	}

	return summary, nil
}
