package swap

import (
	"context"
	"math/big"
	"time"

	"github.com/omenbackend/omen-market-backend/internal/balance"
	"github.com/omenbackend/omen-market-backend/internal/domain"
	"github.com/omenbackend/omen-market-backend/internal/jobs"
	"github.com/omenbackend/omen-market-backend/internal/storage/relational"
)

// Bridge is the on-chain bridge call the swap job makes. Kept as a local
// interface (same rationale as internal/settlement.Chain) over the
// internal/chain adapter, so the job handler tests against a
// hand-written fake instead of a live bridge contract.
type Bridge interface {
	Swap(ctx context.Context, sw *domain.SwapRecord) (bridgeSwapID, txHash string, err error)
}

// JobStore is the subset of *relational.Store the job handler needs beyond
// the request-side Store.
type JobStore interface {
	GetSwap(ctx context.Context, id string) (*domain.SwapRecord, error)
	UpdateSwapStatus(ctx context.Context, id string, status domain.SwapStatus, opts relational.SwapUpdate) error
}

// Worker processes one QueueSwap job: bridge call, then balance settlement.
type Worker struct {
	store   JobStore
	balance *balance.Book
	bridge  Bridge
	emit    func(swapID, eventType string, data any)
}

// NewWorker builds the swap job worker. emit should be a *Processor's
// emitEvent-shaped callback (typically p.emitEvent) so the job handler
// shares the same swap event stream as RequestSwap.
func NewWorker(store JobStore, balanceBook *balance.Book, bridge Bridge, emit func(swapID, eventType string, data any)) *Worker {
	return &Worker{store: store, balance: balanceBook, bridge: bridge, emit: emit}
}

func isTerminal(status domain.SwapStatus) bool {
	switch status {
	case domain.SwapCompleted, domain.SwapFailed, domain.SwapCancelled:
		return true
	default:
		return false
	}
}

// Handle is the jobs.Handler registered on config.QueueSwap; payload is the
// swap ID as raw bytes (matching internal/settlement's trade-ID payload
// convention).
func (w *Worker) Handle(ctx context.Context, jc jobs.JobContext, payload []byte) jobs.Outcome {
	swapID := string(payload)
	sw, err := w.store.GetSwap(ctx, swapID)
	if err != nil {
		return jobs.OutcomeRetry
	}
	if isTerminal(sw.Status) {
		return jobs.OutcomeSuccess
	}

	if err := w.store.UpdateSwapStatus(ctx, sw.ID, domain.SwapProcessing, relational.SwapUpdate{}); err != nil {
		return jobs.OutcomeRetry
	}
	w.emit(sw.ID, "swap.processing", nil)

	bridgeSwapID, txHash, err := w.bridge.Swap(ctx, sw)
	if err == nil {
		return w.complete(ctx, sw, bridgeSwapID, txHash)
	}

	if jc.AttemptsMade+1 < jc.Attempts {
		if reErr := w.store.UpdateSwapStatus(ctx, sw.ID, domain.SwapQueued, relational.SwapUpdate{}); reErr != nil {
			return jobs.OutcomeRetry
		}
		w.emit(sw.ID, "swap.queued", map[string]any{"attempt": jc.AttemptsMade + 1, "error": err.Error()})
		return jobs.OutcomeRetry
	}

	return w.fail(ctx, sw, err)
}

// complete credits the target leg and releases the source lock on a
// successful bridge call: the source amount was already
// deducted from available into locked by RequestSwap's Lock, so finishing
// the swap both removes the lock and tops up the target token's available
// balance.
func (w *Worker) complete(ctx context.Context, sw *domain.SwapRecord, bridgeSwapID, txHash string) jobs.Outcome {
	if err := w.balance.Credit(ctx, sw.UserID, sw.SourceToken, big.NewInt(0), new(big.Int).Neg(sw.SourceAmount)); err != nil {
		return jobs.OutcomeRetry
	}
	if err := w.balance.Credit(ctx, sw.UserID, sw.TargetToken, sw.ExpectedTargetAmount, big.NewInt(0)); err != nil {
		return jobs.OutcomeRetry
	}

	now := time.Now().UTC()
	if err := w.store.UpdateSwapStatus(ctx, sw.ID, domain.SwapCompleted, relational.SwapUpdate{
		BridgeSwapID: &bridgeSwapID,
		TargetTxHash: &txHash,
		CompletedAt:  &now,
	}); err != nil {
		return jobs.OutcomeRetry
	}
	w.emit(sw.ID, "swap.completed", map[string]any{"bridge_swap_id": bridgeSwapID, "target_tx_hash": txHash})
	return jobs.OutcomeSuccess
}

// fail marks the swap FAILED and releases the source lock back to
// available, since the bridge never moved the funds.
func (w *Worker) fail(ctx context.Context, sw *domain.SwapRecord, cause error) jobs.Outcome {
	reason := cause.Error()
	if err := w.store.UpdateSwapStatus(ctx, sw.ID, domain.SwapFailed, relational.SwapUpdate{FailureReason: &reason}); err != nil {
		return jobs.OutcomeRetry
	}
	if err := w.balance.Unlock(ctx, sw.UserID, sw.SourceToken, sw.SourceAmount); err != nil {
		w.emit(sw.ID, "swap.failed", map[string]any{"reason": reason, "unlock_error": err.Error()})
		return jobs.OutcomeFail
	}
	w.emit(sw.ID, "swap.failed", map[string]any{"reason": reason})
	return jobs.OutcomeFail
}
