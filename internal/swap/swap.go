// Package swap is the Swap Processor: quote generation and
// request_swap for cross-chain/cross-asset swaps, feeding the swap job
// handler in job.go. An event bus plus an initiate-then-job-driven-completion
// shape, generalized from an atomic two-chain HTLC/MuSig2 swap to a
// single-user swap brokered by the platform's own bridge contract.
package swap

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/omenbackend/omen-market-backend/internal/apperr"
	"github.com/omenbackend/omen-market-backend/internal/balance"
	"github.com/omenbackend/omen-market-backend/internal/config"
	"github.com/omenbackend/omen-market-backend/internal/domain"
	"github.com/omenbackend/omen-market-backend/internal/jobs"
	"github.com/omenbackend/omen-market-backend/pkg/logging"
)

// Store is the subset of *relational.Store the processor needs.
type Store interface {
	CreateSwap(ctx context.Context, sw *domain.SwapRecord) error
	GetSwap(ctx context.Context, id string) (*domain.SwapRecord, error)
	ListSwapsByUser(ctx context.Context, userID string, limit int) ([]*domain.SwapRecord, error)
	GetToken(ctx context.Context, symbol string) (*domain.Token, error)
	GetComplianceRecord(ctx context.Context, userID, token string) (*domain.ComplianceRecord, error)
}

// JobSubmitter is the Job Fabric subset the processor needs.
type JobSubmitter interface {
	Submit(ctx context.Context, queue string, payload []byte, opts jobs.SubmitOptions) (jobs.Handle, error)
}

// Event mirrors internal/matching's Event shape for the swap lifecycle.
type Event struct {
	SwapID    string
	EventType string
	Data      any
	Timestamp time.Time
}

// EventHandler is called, in its own goroutine, when an Event fires.
type EventHandler func(event Event)

// IDGenerator produces new unique identifiers for swaps.
type IDGenerator func() string

// Processor is the Swap Processor.
type Processor struct {
	store   Store
	balance *balance.Book
	fabric  JobSubmitter
	newID   IDGenerator
	log     *logging.Logger

	mu            sync.Mutex
	eventHandlers []EventHandler
}

func New(store Store, balanceBook *balance.Book, fabric JobSubmitter, newID IDGenerator) *Processor {
	return &Processor{
		store:   store,
		balance: balanceBook,
		fabric:  fabric,
		newID:   newID,
		log:     logging.GetDefault().Component("swap"),
	}
}

// OnEvent registers a handler invoked for every swap lifecycle event.
func (p *Processor) OnEvent(handler EventHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.eventHandlers = append(p.eventHandlers, handler)
}

func (p *Processor) emitEvent(swapID, eventType string, data any) {
	event := Event{SwapID: swapID, EventType: eventType, Data: data, Timestamp: time.Now()}
	p.mu.Lock()
	handlers := make([]EventHandler, len(p.eventHandlers))
	copy(handlers, p.eventHandlers)
	p.mu.Unlock()
	for _, handler := range handlers {
		go handler(event)
	}
}

// GetSwap loads a single SwapRecord by id, for GET /api/v1/swaps/:id.
func (p *Processor) GetSwap(ctx context.Context, id string) (*domain.SwapRecord, error) {
	sw, err := p.store.GetSwap(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "load swap", err)
	}
	return sw, nil
}

// ListSwaps returns userID's swaps newest first, for GET /api/v1/swaps.
func (p *Processor) ListSwaps(ctx context.Context, userID string, limit int) ([]*domain.SwapRecord, error) {
	return p.store.ListSwapsByUser(ctx, userID, limit)
}

// NewJobWorker builds the QueueSwap job worker (job.go's Worker) over
// jobStore (typically the same *relational.Store backing this Processor),
// wiring it to this Processor's private event bus so the job handler's
// bridge/settlement events share the same subscriber list as RequestSwap's
// own swap.requested event.
func (p *Processor) NewJobWorker(jobStore JobStore, bridge Bridge) *Worker {
	return NewWorker(jobStore, p.balance, bridge, p.emitEvent)
}

// Quote is the pure, state-free result of pricing a swap.
type Quote struct {
	PlatformFee          *big.Int
	BridgeFee             *big.Int
	NetworkFee            *big.Int
	TotalFee              *big.Int
	Rate                  *big.Rat
	ExpectedTargetAmount  *big.Int
	ExpiresAt             time.Time
}

// rateFor returns the conversion rate  assigns a (source, target)
// token pair: 1.0 same-chain, 0.999 if either side is a stablecoin, else
// 1.02 for a cross-chain non-stable conversion.
func rateFor(source, target *domain.Token) *big.Rat {
	if source.Chain == target.Chain {
		return big.NewRat(1, 1)
	}
	if source.Type == domain.TokenStable || target.Type == domain.TokenStable {
		return big.NewRat(999, 1000)
	}
	return big.NewRat(102, 100)
}

// Quote computes platform/bridge/network fees and the expected target
// amount for a swap from source to target, without touching any state
//.
func Quote(source, target *domain.Token, sourceAmount *big.Int) (*Quote, error) {
	if sourceAmount.Sign() <= 0 {
		return nil, apperr.New(apperr.KindValidation, "source amount must be positive")
	}
	if source.Symbol == target.Symbol {
		return nil, apperr.New(apperr.KindValidation, "source and target tokens must be distinct")
	}

	platformFee := bps(sourceAmount, config.SwapPlatformBPS)
	bridgeFee := bps(sourceAmount, config.SwapBridgeBPS)
	networkFee := big.NewInt(config.SwapNetworkFeeFlat)
	totalFee := new(big.Int).Add(new(big.Int).Add(platformFee, bridgeFee), networkFee)
	if totalFee.Cmp(sourceAmount) >= 0 {
		return nil, apperr.New(apperr.KindValidation, "fees would consume the entire swap amount")
	}

	net := new(big.Int).Sub(sourceAmount, totalFee)
	rate := rateFor(source, target)

	scaled := new(big.Rat).SetInt(net)
	decimalsDiff := int(target.Decimals) - int(source.Decimals)
	if decimalsDiff > 0 {
		scaled.Mul(scaled, new(big.Rat).SetInt(pow10(decimalsDiff)))
	} else if decimalsDiff < 0 {
		scaled.Quo(scaled, new(big.Rat).SetInt(pow10(-decimalsDiff)))
	}
	scaled.Mul(scaled, rate)

	expected := new(big.Int).Quo(scaled.Num(), scaled.Denom())

	return &Quote{
		PlatformFee:          platformFee,
		BridgeFee:            bridgeFee,
		NetworkFee:            networkFee,
		TotalFee:              totalFee,
		Rate:                  rate,
		ExpectedTargetAmount:  expected,
		ExpiresAt:             time.Now().Add(5 * time.Minute),
	}, nil
}

func bps(amount *big.Int, bps int64) *big.Int {
	fee := new(big.Int).Mul(amount, big.NewInt(bps))
	return fee.Quo(fee, big.NewInt(10000))
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// RequestSwapInput is request_swap's entry point.
type RequestSwapInput struct {
	UserID             string
	SourceToken        string
	TargetToken        string
	SourceChain        string
	TargetChain        string
	SourceAmount       *big.Int
	DestinationAddress string
	BridgeContract     string
}

// RequestSwap validates the request, locks the source amount, persists the
// swap, and submits the swap job.
func (p *Processor) RequestSwap(ctx context.Context, in RequestSwapInput) (*domain.SwapRecord, error) {
	source, err := p.store.GetToken(ctx, in.SourceToken)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "load source token", err)
	}
	target, err := p.store.GetToken(ctx, in.TargetToken)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "load target token", err)
	}

	quote, err := Quote(source, target, in.SourceAmount)
	if err != nil {
		return nil, err
	}

	// Compliance is best-effort here: a failure is logged,
	// not rejected, because the authoritative compliance gate is submit_order's
	// RWA check (internal/matching.checkCompliance) — a swap only moves
	// balance between tokens the user already holds.
	if source.Type == domain.TokenRWA {
		if _, err := p.store.GetComplianceRecord(ctx, in.UserID, source.Symbol); err != nil {
			p.log.Warn("swap: source compliance check failed", "user_id", in.UserID, "token", source.Symbol, "error", err)
		}
	}
	if target.Type == domain.TokenRWA {
		if _, err := p.store.GetComplianceRecord(ctx, in.UserID, target.Symbol); err != nil {
			p.log.Warn("swap: target compliance check failed", "user_id", in.UserID, "token", target.Symbol, "error", err)
		}
	}

	if err := p.balance.Lock(ctx, in.UserID, in.SourceToken, in.SourceAmount); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sw := &domain.SwapRecord{
		ID:                   p.newID(),
		UserID:               in.UserID,
		SourceToken:          in.SourceToken,
		TargetToken:          in.TargetToken,
		SourceChain:          in.SourceChain,
		TargetChain:          in.TargetChain,
		SourceAmount:         in.SourceAmount,
		ExpectedTargetAmount: quote.ExpectedTargetAmount,
		DestinationAddress:   in.DestinationAddress,
		BridgeContract:       in.BridgeContract,
		Status:               domain.SwapPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := p.store.CreateSwap(ctx, sw); err != nil {
		_ = p.balance.Unlock(ctx, in.UserID, in.SourceToken, in.SourceAmount)
		return nil, fmt.Errorf("swap: persist swap: %w", err)
	}

	if _, err := p.fabric.Submit(ctx, config.QueueSwap, []byte(sw.ID), jobs.SubmitOptions{
		JobID:    "swap-" + sw.ID,
		Attempts: 5,
		Backoff:  jobs.Backoff{Type: jobs.BackoffExponential, BaseMS: 500},
	}); err != nil {
		return nil, fmt.Errorf("swap: submit swap job: %w", err)
	}

	sw.Status = domain.SwapQueued
	p.emitEvent(sw.ID, "swap.requested", map[string]any{"source_token": source.Symbol, "target_token": target.Symbol})
	return sw, nil
}
