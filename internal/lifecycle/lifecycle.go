// Package lifecycle is the Market Lifecycle Engine: the Market
// state machine, its admin/external-decision transitions, and the
// token-deployment job triggered on approval. A state-dispatch-plus-event-bus
// shape, generalized from a fixed state sequence to a data-driven transition
// table over domain.MarketStatus; MarketApprovalEvent keeps an append-only
// audit trail of every transition.
package lifecycle

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/omenbackend/omen-market-backend/internal/apperr"
	"github.com/omenbackend/omen-market-backend/internal/config"
	"github.com/omenbackend/omen-market-backend/internal/domain"
	"github.com/omenbackend/omen-market-backend/internal/entitypermissions"
	"github.com/omenbackend/omen-market-backend/internal/jobs"
	"github.com/omenbackend/omen-market-backend/internal/storage/relational"
	"github.com/omenbackend/omen-market-backend/pkg/logging"
)

// Store is the subset of *relational.Store the engine needs.
type Store interface {
	CreateMarket(ctx context.Context, m *domain.Market, asset *domain.MarketAsset) error
	GetMarket(ctx context.Context, id string) (*domain.Market, error)
	ListMarkets(ctx context.Context, f relational.MarketFilter) ([]*domain.Market, error)
	UpdateMarketStatus(ctx context.Context, id string, status domain.MarketStatus, approvedBy *string, approvedAt *time.Time) error
	MarkMarketDeployed(ctx context.Context, id, contractAddress, txHash string) error
	SetMarketMetadata(ctx context.Context, id string, metadata map[string]any) error
	RecordApprovalEvent(ctx context.Context, ev *domain.MarketApprovalEvent) error
	UpsertToken(ctx context.Context, t *domain.Token) error
	UpsertTradingPair(ctx context.Context, p *domain.TradingPair) error
}

// Authorizer is the entity-permissions decision surface. A
// local interface over *entitypermissions.Client, same testability
// rationale as every other package's narrow interfaces.
type Authorizer interface {
	Authorize(ctx context.Context, principalID, entityID, action string, reqContext map[string]any) (*entitypermissions.Decision, error)
}

// Chain is the deployment surface the engine needs from internal/chain.
type Chain interface {
	DeployToken(ctx context.Context, market *domain.Market, quoteToken string) (contractAddress, txHash string, err error)
}

// JobSubmitter is the Job Fabric subset the engine needs.
type JobSubmitter interface {
	Submit(ctx context.Context, queue string, payload []byte, opts jobs.SubmitOptions) (jobs.Handle, error)
}

// Event mirrors internal/matching/internal/swap's Event shape for lifecycle transitions.
type Event struct {
	MarketID  string
	EventType string
	Data      any
	Timestamp time.Time
}

// EventHandler is called, in its own goroutine, when an Event fires.
type EventHandler func(event Event)

// IDGenerator produces new unique identifiers for approval events.
type IDGenerator func() string

// quoteToken is the one distinguished STABLE token every RWA pair quotes
// against.
const quoteToken = "USDC"

// transitions is the admin/external-decision-driven edge set.
var transitions = map[domain.MarketStatus]map[domain.MarketStatus]string{
	domain.MarketDraft:           {domain.MarketPendingApproval: "submit_for_approval"},
	domain.MarketPendingApproval: {domain.MarketApproved: "approve", domain.MarketRejected: "reject"},
	domain.MarketActive:          {domain.MarketPaused: "pause", domain.MarketArchived: "archive"},
	domain.MarketPaused:          {domain.MarketActive: "resume"},
}

// Engine is the Market Lifecycle Engine.
type Engine struct {
	store   Store
	authz   Authorizer
	chain   Chain
	fabric  JobSubmitter
	newID   IDGenerator
	log     *logging.Logger

	mu            sync.Mutex
	eventHandlers []EventHandler
}

func New(store Store, authz Authorizer, chain Chain, fabric JobSubmitter, newID IDGenerator) *Engine {
	return &Engine{
		store:  store,
		authz:  authz,
		chain:  chain,
		fabric: fabric,
		newID:  newID,
		log:    logging.GetDefault().Component("lifecycle"),
	}
}

// RegisterMarketInput is the issuer-supplied shape for POST
// /api/v1/markets/register.
type RegisterMarketInput struct {
	Name             string
	OwnerID          string
	IssuerID         *string
	AssetCategory    domain.AssetCategory
	TokenSymbol      string
	TokenName        string
	TotalSupply      *big.Int
	Valuation        *big.Int
	Currency         string
	Description      string
	ComplianceDocIDs []string
	RegulatoryInfo   map[string]any
	Attributes       map[string]any
}

// RegisterMarket creates a Market in draft and immediately submits it for
// approval: draft is never an externally-observed
// resting state, it exists only long enough to construct the row before the
// engine's own submit_for_approval edge fires.
func (e *Engine) RegisterMarket(ctx context.Context, in RegisterMarketInput) (*domain.Market, error) {
	now := time.Now().UTC()
	market := &domain.Market{
		ID:            e.newID(),
		Name:          in.Name,
		OwnerID:       in.OwnerID,
		IssuerID:      in.IssuerID,
		AssetCategory: in.AssetCategory,
		Status:        domain.MarketDraft,
		TokenSymbol:   in.TokenSymbol,
		TokenName:     in.TokenName,
		TotalSupply:   in.TotalSupply,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	asset := &domain.MarketAsset{
		MarketID:         market.ID,
		Valuation:        in.Valuation,
		Currency:         in.Currency,
		Description:      in.Description,
		ComplianceDocIDs: in.ComplianceDocIDs,
		RegulatoryInfo:   in.RegulatoryInfo,
		Attributes:       in.Attributes,
	}
	if err := e.store.CreateMarket(ctx, market, asset); err != nil {
		return nil, fmt.Errorf("lifecycle: create market: %w", err)
	}
	e.emitEvent(market.ID, "market.registered", map[string]any{"owner_id": in.OwnerID})

	if err := e.store.UpdateMarketStatus(ctx, market.ID, domain.MarketPendingApproval, nil, nil); err != nil {
		return nil, fmt.Errorf("lifecycle: submit for approval: %w", err)
	}
	if err := e.recordApproval(ctx, market.ID, domain.MarketDraft, domain.MarketPendingApproval, in.OwnerID, "submit_for_approval", ""); err != nil {
		e.log.Error("lifecycle: record approval event failed", "market_id", market.ID, "error", err)
	}
	market.Status = domain.MarketPendingApproval
	e.emitEvent(market.ID, "market.submit_for_approval", nil)
	return market, nil
}

// GetMarket loads a single Market by id.
func (e *Engine) GetMarket(ctx context.Context, id string) (*domain.Market, error) {
	market, err := e.store.GetMarket(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindMarketNotFound, "load market", err)
	}
	return market, nil
}

// ListMarkets returns markets matching f, newest first.
func (e *Engine) ListMarkets(ctx context.Context, f relational.MarketFilter) ([]*domain.Market, error) {
	return e.store.ListMarkets(ctx, f)
}

// OnEvent registers a handler invoked for every lifecycle event.
func (e *Engine) OnEvent(handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.eventHandlers = append(e.eventHandlers, handler)
}

func (e *Engine) emitEvent(marketID, eventType string, data any) {
	event := Event{MarketID: marketID, EventType: eventType, Data: data, Timestamp: time.Now()}
	e.mu.Lock()
	handlers := make([]EventHandler, len(e.eventHandlers))
	copy(handlers, e.eventHandlers)
	e.mu.Unlock()
	for _, handler := range handlers {
		go handler(event)
	}
}

// Transition drives one admin-authorized edge of the state machine (spec
// §4.8): submit_for_approval, approve, reject, pause, resume, archive. Every
// transition is gated by an authorize() call; a MarketApprovalEvent is
// appended once the new status is stored; invalid or denied transitions
// record no event. An approval also persists the advance to ACTIVATING and
// enqueues the deployment job.
func (e *Engine) Transition(ctx context.Context, marketID, principalID string, to domain.MarketStatus, reason string) (*domain.Market, error) {
	market, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindMarketNotFound, "load market", err)
	}

	edges, ok := transitions[market.Status]
	if !ok {
		return nil, apperr.New(apperr.KindInvalidStatus, fmt.Sprintf("no transitions defined from %s", market.Status))
	}
	action, ok := edges[to]
	if !ok {
		return nil, apperr.New(apperr.KindInvalidStatus, fmt.Sprintf("%s -> %s is not a valid transition", market.Status, to))
	}

	decision, err := e.authz.Authorize(ctx, principalID, marketID, action, map[string]any{"from": market.Status, "to": to})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "authorize call failed", err)
	}
	if !decision.Allowed {
		return nil, apperr.New(apperr.KindForbidden, "not authorized").WithDetails(map[string]any{"reasons": decision.Reasons})
	}

	var approvedBy *string
	var approvedAt *time.Time
	if to == domain.MarketApproved {
		now := time.Now().UTC()
		approvedBy, approvedAt = &principalID, &now
	}
	if err := e.store.UpdateMarketStatus(ctx, marketID, to, approvedBy, approvedAt); err != nil {
		return nil, fmt.Errorf("lifecycle: update market status: %w", err)
	}
	if err := e.recordApproval(ctx, marketID, market.Status, to, principalID, action, reason); err != nil {
		e.log.Error("lifecycle: record approval event failed", "market_id", marketID, "error", err)
	}
	e.emitEvent(marketID, "market."+action, map[string]any{"from": market.Status, "to": to})

	market.Status = to
	if to == domain.MarketApproved {
		if err := e.store.UpdateMarketStatus(ctx, marketID, domain.MarketActivating, nil, nil); err != nil {
			e.log.Error("lifecycle: advance to activating failed", "market_id", marketID, "error", err)
		} else if err := e.submitDeployment(ctx, market); err != nil {
			e.log.Error("lifecycle: submit deployment job failed", "market_id", marketID, "error", err)
			if revertErr := e.store.UpdateMarketStatus(ctx, marketID, domain.MarketApproved, nil, nil); revertErr != nil {
				e.log.Error("lifecycle: revert to approved failed", "market_id", marketID, "error", revertErr)
			}
		} else {
			market.Status = domain.MarketActivating
		}
	}
	return market, nil
}

// ProcessApprovalDecision is the entry point for the pending_approval →
// approved/rejected edge when driven by an external event, as opposed to a direct
// admin API call through Transition.
func (e *Engine) ProcessApprovalDecision(ctx context.Context, marketID, actorID string, approved bool, reason string) (*domain.Market, error) {
	to := domain.MarketRejected
	if approved {
		to = domain.MarketApproved
	}
	return e.Transition(ctx, marketID, actorID, to, reason)
}

func (e *Engine) recordApproval(ctx context.Context, marketID string, from, to domain.MarketStatus, actorID, decision, reason string) error {
	return e.store.RecordApprovalEvent(ctx, &domain.MarketApprovalEvent{
		ID:        e.newID(),
		MarketID:  marketID,
		FromState: from,
		ToState:   to,
		ActorID:   actorID,
		Decision:  decision,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	})
}

// submitDeployment enqueues the token-deployment job with a stable job_id
// so re-approval (shouldn't happen, but §4.1's idempotency rule applies
// uniformly) never double-deploys.
func (e *Engine) submitDeployment(ctx context.Context, market *domain.Market) error {
	_, err := e.fabric.Submit(ctx, config.QueueDeployment, []byte(market.ID), jobs.SubmitOptions{
		JobID:    "deploy-" + market.ID,
		Attempts: config.DeploymentMaxAttempts,
		Backoff:  jobs.Backoff{Type: jobs.BackoffExponential, BaseMS: int(config.DeploymentBackoffBase.Milliseconds())},
	})
	return err
}

// HandleDeployment is the jobs.Handler registered on config.QueueDeployment
//.
func (e *Engine) HandleDeployment(ctx context.Context, jc jobs.JobContext, payload []byte) jobs.Outcome {
	marketID := string(payload)
	market, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		e.log.Warn("lifecycle: load market failed", "market_id", marketID, "error", err)
		return jobs.OutcomeRetry
	}
	if market.Status != domain.MarketActivating {
		return jobs.OutcomeSuccess
	}

	contractAddress, txHash, err := e.chain.DeployToken(ctx, market, quoteToken)
	if err == nil {
		return e.completeDeployment(ctx, market, contractAddress, txHash)
	}

	e.log.Warn("lifecycle: deployment failed, reverting to approved", "market_id", marketID, "error", err)
	if revertErr := e.store.UpdateMarketStatus(ctx, marketID, domain.MarketApproved, nil, nil); revertErr != nil {
		e.log.Error("lifecycle: revert to approved failed", "market_id", marketID, "error", revertErr)
		return jobs.OutcomeRetry
	}
	if metaErr := e.store.SetMarketMetadata(ctx, marketID, mergeMetadata(market.Metadata, "activationError", err.Error())); metaErr != nil {
		e.log.Error("lifecycle: set activationError metadata failed", "market_id", marketID, "error", metaErr)
	}
	e.emitEvent(marketID, "market.activation_failed", map[string]any{"error": err.Error()})

	if jc.AttemptsMade+1 < jc.Attempts {
		return jobs.OutcomeRetry
	}
	return jobs.OutcomeFail
}

func (e *Engine) completeDeployment(ctx context.Context, market *domain.Market, contractAddress, txHash string) jobs.Outcome {
	if err := e.store.MarkMarketDeployed(ctx, market.ID, contractAddress, txHash); err != nil {
		e.log.Error("lifecycle: mark deployed failed", "market_id", market.ID, "error", err)
		return jobs.OutcomeRetry
	}

	token := &domain.Token{
		Symbol:          market.TokenSymbol,
		Name:            market.TokenName,
		Type:            domain.TokenRWA,
		ContractAddress: &contractAddress,
		Chain:           "sapphire",
		Decimals:        18,
		TotalSupply:     market.TotalSupply,
		Active:          true,
	}
	if err := e.store.UpsertToken(ctx, token); err != nil {
		e.log.Error("lifecycle: upsert token failed", "market_id", market.ID, "error", err)
		return jobs.OutcomeRetry
	}

	pairID := market.TokenSymbol + "-" + quoteToken
	marketID := market.ID
	if err := e.store.UpsertTradingPair(ctx, &domain.TradingPair{
		ID:                pairID,
		BaseSymbol:        market.TokenSymbol,
		QuoteSymbol:       quoteToken,
		MarketID:          &marketID,
		Symbol:            pairID,
		Active:            true,
		PricePrecision:    config.DeployedPairPricePrecision,
		QuantityPrecision: int32(token.Decimals),
	}); err != nil {
		e.log.Error("lifecycle: upsert trading pair failed", "market_id", market.ID, "error", err)
		return jobs.OutcomeRetry
	}

	e.emitEvent(market.ID, "market.activated", map[string]any{"contract_address": contractAddress, "tx_hash": txHash})
	return jobs.OutcomeSuccess
}

func mergeMetadata(existing map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(existing)+1)
	for k, v := range existing {
		out[k] = v
	}
	out[key] = value
	return out
}
