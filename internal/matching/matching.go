// Package matching is the Matching Engine: submit_order's
// validation pipeline, the matching job handler's price-time-priority
// crossing loop, the single-transaction trade execution, and cancellation.
// Split by concern across files (matching.go, matchjob.go, execute.go,
// cancel.go), one file per phase of the order lifecycle.
package matching

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/omenbackend/omen-market-backend/internal/apperr"
	"github.com/omenbackend/omen-market-backend/internal/balance"
	"github.com/omenbackend/omen-market-backend/internal/config"
	"github.com/omenbackend/omen-market-backend/internal/domain"
	"github.com/omenbackend/omen-market-backend/internal/jobs"
	"github.com/omenbackend/omen-market-backend/internal/signer"
	"github.com/omenbackend/omen-market-backend/pkg/logging"
)

// Book is the order-book-cache subset the engine needs; satisfied by
// *orderbook.Cache in production.
type Book interface {
	Top(ctx context.Context, pairID string, side domain.OrderSide, limit int) ([]*domain.Order, error)
	Refill(ctx context.Context, pairID string, side domain.OrderSide, limit int) ([]*domain.Order, error)
	Invalidate(ctx context.Context, pairID string) error
}

// JobSubmitter is the Job Fabric subset the engine needs; satisfied by
// *jobs.Fabric in production.
type JobSubmitter interface {
	Submit(ctx context.Context, queue string, payload []byte, opts jobs.SubmitOptions) (jobs.Handle, error)
}

// NonceClaimer is the Nonce Ledger subset the engine needs; satisfied by
// *nonce.Ledger in production.
type NonceClaimer interface {
	Claim(ctx context.Context, address, n string) error
}

// Event is emitted to any registered handler as matching/trade/cancellation
// state changes, for the notification and stats jobs to react to.
type Event struct {
	OrderID   string
	TradeID   string
	EventType string
	Data      any
	Timestamp time.Time
}

// EventHandler is called, in its own goroutine, when an Event fires.
type EventHandler func(event Event)

// Store is the subset of *relational.Store the engine needs.
type Store interface {
	CreateOrder(ctx context.Context, o *domain.Order) error
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	GetOrderForUpdate(ctx context.Context, tx pgx.Tx, id string) (*domain.Order, error)
	UpdateOrderFill(ctx context.Context, tx pgx.Tx, id string, status domain.OrderStatus, filled, avgPrice *big.Int) error
	UpdateOrderStatus(ctx context.Context, id string, status domain.OrderStatus) error
	OrderBookSide(ctx context.Context, pairID string, side domain.OrderSide, limit int) ([]*domain.Order, error)

	GetTradingPair(ctx context.Context, id string) (*domain.TradingPair, error)
	GetToken(ctx context.Context, symbol string) (*domain.Token, error)
	GetMarket(ctx context.Context, id string) (*domain.Market, error)
	GetComplianceRecord(ctx context.Context, userID, token string) (*domain.ComplianceRecord, error)

	InsertTrade(ctx context.Context, tx pgx.Tx, t *domain.Trade) error
	BeginTx(ctx context.Context) (pgx.Tx, error)

	// Balance rows are touched directly inside the trade-execution
	// transaction, bypassing internal/balance's
	// own transaction boundary for this one operation.
	GetBalanceForUpdate(ctx context.Context, tx pgx.Tx, userID, token string) (*domain.UserBalance, error)
	UpsertBalance(ctx context.Context, tx pgx.Tx, b *domain.UserBalance) error
}

// IDGenerator produces new unique identifiers for orders/trades.
type IDGenerator func() string

// Engine is the Matching Engine.
type Engine struct {
	store     Store
	balance   *balance.Book
	book      Book
	fabric    JobSubmitter
	nonces    NonceClaimer
	newID     IDGenerator
	log       *logging.Logger
	sigDomain signer.Domain

	mu            sync.Mutex
	eventHandlers []EventHandler
}

// New builds an Engine. sigDomain is the EIP-712 domain orders are signed
// against.
func New(store Store, balanceBook *balance.Book, cache Book, fabric JobSubmitter, nonces NonceClaimer, newID IDGenerator, sigDomain signer.Domain) *Engine {
	return &Engine{
		store:     store,
		balance:   balanceBook,
		book:      cache,
		fabric:    fabric,
		nonces:    nonces,
		newID:     newID,
		log:       logging.GetDefault().Component("matching"),
		sigDomain: sigDomain,
	}
}

// SubmitOrderInput is everything submit_order needs.
type SubmitOrderInput struct {
	UserID        string
	PairID        string
	Side          domain.OrderSide
	Kind          domain.OrderKind
	Price         *big.Int // nil for MARKET
	Quantity      *big.Int
	TimeInForce   domain.TimeInForce
	Signature     string
	SignerAddress string
	Nonce         string
	Expiry        int64
}

// quoteAmount computes qty*price/10^baseDecimals, the quote-side value of a
// base-denominated quantity at a given price.
func quoteAmount(qty, price *big.Int, baseDecimals uint8) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(baseDecimals)), nil)
	amount := new(big.Int).Mul(qty, price)
	return amount.Quo(amount, scale)
}

// SubmitOrder validates, locks funds, and queues the matching job for one
// new order, returning the persisted order.
func (e *Engine) SubmitOrder(ctx context.Context, in SubmitOrderInput) (*domain.Order, error) {
	if in.Expiry <= time.Now().Unix() {
		return nil, apperr.New(apperr.KindSignatureExpired, "order signature expired")
	}
	msg := signer.OrderMessage{
		MarketID:  in.PairID,
		Side:      string(in.Side),
		OrderKind: string(in.Kind),
		Quantity:  in.Quantity.String(),
		Nonce:     in.Nonce,
		Expiry:    in.Expiry,
	}
	if in.Price != nil {
		msg.Price = in.Price.String()
	}
	td := signer.BuildOrderTypedData(e.sigDomain, msg)
	if err := signer.Verify(td, in.Signature, in.SignerAddress, in.Expiry, time.Now()); err != nil {
		return nil, err
	}
	if err := e.nonces.Claim(ctx, in.SignerAddress, in.Nonce); err != nil {
		return nil, err
	}

	pair, err := e.store.GetTradingPair(ctx, in.PairID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPairNotFound, "load trading pair", err)
	}
	if !pair.Active {
		return nil, apperr.New(apperr.KindPairNotFound, "trading pair is not active")
	}
	if pair.MarketID != nil {
		mkt, err := e.store.GetMarket(ctx, *pair.MarketID)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindMarketNotFound, "load market", err)
		}
		if mkt.Status != domain.MarketActive {
			return nil, apperr.New(apperr.KindMarketNotActive, "market is not active")
		}
	}

	base, err := e.store.GetToken(ctx, pair.BaseSymbol)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "load base token", err)
	}
	if base.Type == domain.TokenRWA {
		if err := e.checkCompliance(ctx, in.UserID, base.Symbol); err != nil {
			return nil, err
		}
	}

	if in.Quantity.Cmp(pair.MinOrderSize) < 0 || in.Quantity.Cmp(pair.MaxOrderSize) > 0 {
		return nil, apperr.New(apperr.KindValidation, "quantity outside pair's order size bounds")
	}
	if (in.Kind == domain.OrderLimit || in.Kind == domain.OrderStopLimit) && in.Price == nil {
		return nil, apperr.New(apperr.KindValidation, "price is required for LIMIT/STOP_LIMIT orders")
	}

	lockToken := pair.BaseSymbol
	lockAmount := in.Quantity
	if in.Side == domain.SideBuy {
		lockToken = pair.QuoteSymbol
		refPrice := in.Price
		if refPrice == nil {
			// MARKET BUY carries no price; lock against the best resting ask so the order
			// never crosses more value than it reserved.
			asks, err := e.book.Top(ctx, in.PairID, domain.SideSell, 1)
			if err != nil {
				return nil, fmt.Errorf("matching: read ask book for market order: %w", err)
			}
			if len(asks) == 0 || asks[0].Price == nil {
				return nil, apperr.New(apperr.KindValidation, "no liquidity available to price market order")
			}
			refPrice = asks[0].Price
		}
		lockAmount = quoteAmount(in.Quantity, refPrice, base.Decimals)
	}
	if err := e.balance.Lock(ctx, in.UserID, lockToken, lockAmount); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	order := &domain.Order{
		ID:             e.newID(),
		UserID:         in.UserID,
		PairID:         in.PairID,
		Side:           in.Side,
		Kind:           in.Kind,
		Status:         domain.OrderPendingMatch,
		Price:          in.Price,
		Quantity:       in.Quantity,
		FilledQuantity: big.NewInt(0),
		TimeInForce:    in.TimeInForce,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.CreateOrder(ctx, order); err != nil {
		_ = e.balance.Unlock(ctx, in.UserID, lockToken, lockAmount)
		return nil, fmt.Errorf("matching: persist order: %w", err)
	}

	priority := 1
	if in.Kind == domain.OrderMarket {
		priority = 0
	}
	if _, err := e.fabric.Submit(ctx, config.QueueMatching, []byte(order.ID), jobs.SubmitOptions{
		JobID:    "match-" + order.ID,
		Priority: priority,
		Attempts: 3,
		Backoff:  jobs.Backoff{Type: jobs.BackoffExponential, BaseMS: 200},
	}); err != nil {
		return nil, fmt.Errorf("matching: submit matching job: %w", err)
	}

	return order, nil
}

// OnEvent registers a handler invoked for every matching/trade/cancellation
// event this engine emits.
func (e *Engine) OnEvent(handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.eventHandlers = append(e.eventHandlers, handler)
}

func (e *Engine) emitEvent(orderID, tradeID, eventType string, data any) {
	event := Event{OrderID: orderID, TradeID: tradeID, EventType: eventType, Data: data, Timestamp: time.Now()}
	e.mu.Lock()
	handlers := make([]EventHandler, len(e.eventHandlers))
	copy(handlers, e.eventHandlers)
	e.mu.Unlock()
	for _, handler := range handlers {
		go handler(event)
	}
}

// lockedTokenAndAmount returns the (token, amount) an order's given quantity
// reserved under the Balance Book, mirroring SubmitOrder's step 4 (spec
// §4.6): SELL locks base 1:1; BUY locks quote at a reference price. LIMIT/
// STOP_LIMIT orders carry that price on the order itself; MARKET orders do
// not persist the reference price they locked against, so the amount is
// approximated from the order's average fill price, falling back to the
// current best ask when nothing has filled yet.
func (e *Engine) lockedTokenAndAmount(ctx context.Context, order *domain.Order, pair *domain.TradingPair, qty *big.Int) (token string, amount *big.Int, err error) {
	if order.Side == domain.SideSell {
		return pair.BaseSymbol, qty, nil
	}

	refPrice := order.Price
	if refPrice == nil {
		refPrice = order.AverageFillPrice
	}
	if refPrice == nil {
		asks, err := e.book.Top(ctx, order.PairID, domain.SideSell, 1)
		if err != nil {
			return "", nil, fmt.Errorf("matching: read ask book for lock amount: %w", err)
		}
		if len(asks) == 0 || asks[0].Price == nil {
			return pair.QuoteSymbol, big.NewInt(0), nil
		}
		refPrice = asks[0].Price
	}

	base, err := e.store.GetToken(ctx, pair.BaseSymbol)
	if err != nil {
		return "", nil, fmt.Errorf("matching: load base token for lock amount: %w", err)
	}
	return pair.QuoteSymbol, quoteAmount(qty, refPrice, base.Decimals), nil
}

func (e *Engine) checkCompliance(ctx context.Context, userID, token string) error {
	rec, err := e.store.GetComplianceRecord(ctx, userID, token)
	if err != nil {
		return apperr.New(apperr.KindComplianceFailed, "no compliance record on file")
	}
	if !rec.Eligible(time.Now()) {
		return apperr.New(apperr.KindComplianceFailed, "user is not compliance-eligible for this token")
	}
	return nil
}

