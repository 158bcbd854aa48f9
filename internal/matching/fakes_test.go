package matching

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jackc/pgx/v5"

	"github.com/omenbackend/omen-market-backend/internal/apperr"
	"github.com/omenbackend/omen-market-backend/internal/balance"
	"github.com/omenbackend/omen-market-backend/internal/domain"
	"github.com/omenbackend/omen-market-backend/internal/jobs"
	"github.com/omenbackend/omen-market-backend/internal/signer"
)

// fakeTx is a no-op pgx.Tx; fakeStore ignores it and writes straight to its
// in-memory maps, mirroring internal/balance's own test fake.
type fakeTx struct{ pgx.Tx }

func (fakeTx) Commit(ctx context.Context) error   { return nil }
func (fakeTx) Rollback(ctx context.Context) error { return nil }

// fakeStore simulates the relational store's order/trade/balance rows in
// memory, exercising Engine's logic without a live Postgres. It satisfies
// both matching.Store and balance.Store so a single instance can back both
// an Engine and the *balance.Book it wraps, keeping lock/unlock and the
// trade-execution balance writes on the same underlying state.
type fakeStore struct {
	mu         sync.Mutex
	orders     map[string]*domain.Order
	trades     map[string]*domain.Trade
	pairs      map[string]*domain.TradingPair
	tokens     map[string]*domain.Token
	markets    map[string]*domain.Market
	compliance map[string]*domain.ComplianceRecord
	balances   map[string]*domain.UserBalance
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders:     map[string]*domain.Order{},
		trades:     map[string]*domain.Trade{},
		pairs:      map[string]*domain.TradingPair{},
		tokens:     map[string]*domain.Token{},
		markets:    map[string]*domain.Market{},
		compliance: map[string]*domain.ComplianceRecord{},
		balances:   map[string]*domain.UserBalance{},
	}
}

func balKey(userID, token string) string { return userID + "/" + token }

func (f *fakeStore) CreateOrder(ctx context.Context, o *domain.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *o
	f.orders[o.ID] = &cp
	return nil
}

func (f *fakeStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s not found", id)
	}
	cp := *o
	return &cp, nil
}

func (f *fakeStore) GetOrderForUpdate(ctx context.Context, tx pgx.Tx, id string) (*domain.Order, error) {
	return f.GetOrder(ctx, id)
}

func (f *fakeStore) UpdateOrderFill(ctx context.Context, tx pgx.Tx, id string, status domain.OrderStatus, filled, avgPrice *big.Int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return fmt.Errorf("order %s not found", id)
	}
	o.Status = status
	o.FilledQuantity = filled
	o.AverageFillPrice = avgPrice
	return nil
}

func (f *fakeStore) UpdateOrderStatus(ctx context.Context, id string, status domain.OrderStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return fmt.Errorf("order %s not found", id)
	}
	o.Status = status
	return nil
}

func (f *fakeStore) OrderBookSide(ctx context.Context, pairID string, side domain.OrderSide, limit int) ([]*domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Order
	for _, o := range f.orders {
		if o.PairID != pairID || o.Side != side {
			continue
		}
		if o.Status != domain.OrderOpen && o.Status != domain.OrderPartial {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if side == domain.SideBuy {
			return out[i].Price.Cmp(out[j].Price) > 0
		}
		return out[i].Price.Cmp(out[j].Price) < 0
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) GetTradingPair(ctx context.Context, id string) (*domain.TradingPair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pairs[id]
	if !ok {
		return nil, fmt.Errorf("pair %s not found", id)
	}
	return p, nil
}

func (f *fakeStore) GetToken(ctx context.Context, symbol string) (*domain.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[symbol]
	if !ok {
		return nil, fmt.Errorf("token %s not found", symbol)
	}
	return t, nil
}

func (f *fakeStore) GetMarket(ctx context.Context, id string) (*domain.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s not found", id)
	}
	return m, nil
}

func (f *fakeStore) GetComplianceRecord(ctx context.Context, userID, token string) (*domain.ComplianceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.compliance[userID+"/"+token]; ok {
		return r, nil
	}
	if r, ok := f.compliance[userID]; ok {
		return r, nil
	}
	return nil, apperr.New(apperr.KindComplianceFailed, "no compliance record")
}

func (f *fakeStore) InsertTrade(ctx context.Context, tx pgx.Tx, t *domain.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	f.trades[t.ID] = &cp
	return nil
}

func (f *fakeStore) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return fakeTx{}, nil
}

func (f *fakeStore) GetBalanceForUpdate(ctx context.Context, tx pgx.Tx, userID, token string) (*domain.UserBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[balKey(userID, token)]; ok {
		return &domain.UserBalance{UserID: b.UserID, Token: b.Token, Available: new(big.Int).Set(b.Available), Locked: new(big.Int).Set(b.Locked)}, nil
	}
	return &domain.UserBalance{UserID: userID, Token: token, Available: big.NewInt(0), Locked: big.NewInt(0)}, nil
}

func (f *fakeStore) GetBalance(ctx context.Context, userID, token string) (*domain.UserBalance, error) {
	return f.GetBalanceForUpdate(ctx, nil, userID, token)
}

func (f *fakeStore) UpsertBalance(ctx context.Context, tx pgx.Tx, b *domain.UserBalance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[balKey(b.UserID, b.Token)] = b
	return nil
}

func (f *fakeStore) ListNonzeroBalances(ctx context.Context) ([]*domain.UserBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.UserBalance
	for _, b := range f.balances {
		if b.Available.Sign() != 0 || b.Locked.Sign() != 0 {
			out = append(out, b)
		}
	}
	return out, nil
}

func bookKey(pairID string, side domain.OrderSide) string { return pairID + "/" + string(side) }

// fakeBook mimics orderbook.Cache's cache-miss-falls-back-to-relational-store
// behavior, reading the same fakeStore so trades/cancels committed to the
// store are visible after the next Invalidate drops the cached side.
type fakeBook struct {
	mu     sync.Mutex
	store  *fakeStore
	cached map[string][]*domain.Order
}

func newFakeBook(store *fakeStore) *fakeBook {
	return &fakeBook{store: store, cached: map[string][]*domain.Order{}}
}

func (b *fakeBook) Refill(ctx context.Context, pairID string, side domain.OrderSide, limit int) ([]*domain.Order, error) {
	orders, err := b.store.OrderBookSide(ctx, pairID, side, limit)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.cached[bookKey(pairID, side)] = orders
	b.mu.Unlock()
	return orders, nil
}

func (b *fakeBook) Top(ctx context.Context, pairID string, side domain.OrderSide, limit int) ([]*domain.Order, error) {
	b.mu.Lock()
	orders, ok := b.cached[bookKey(pairID, side)]
	b.mu.Unlock()
	if !ok {
		return b.Refill(ctx, pairID, side, limit)
	}
	if len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (b *fakeBook) Invalidate(ctx context.Context, pairID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.cached, bookKey(pairID, domain.SideBuy))
	delete(b.cached, bookKey(pairID, domain.SideSell))
	return nil
}

// lossyFakeBook mirrors orderbook.Cache.Top's real projection: its cache
// entry only ever carries order_id/price/remaining-quantity, so Top hands
// back *domain.Order values with UserID and FilledQuantity left zero-value,
// exactly like a live Redis-backed Cache would. Engine must reload a maker
// by ID before trusting anything beyond ID/Price/Quantity out of Top.
type lossyFakeBook struct {
	*fakeBook
}

func newLossyFakeBook(store *fakeStore) *lossyFakeBook {
	return &lossyFakeBook{fakeBook: newFakeBook(store)}
}

func (b *lossyFakeBook) project(orders []*domain.Order) []*domain.Order {
	out := make([]*domain.Order, len(orders))
	for i, o := range orders {
		out[i] = &domain.Order{ID: o.ID, PairID: o.PairID, Side: o.Side, Price: o.Price, Quantity: o.Remaining()}
	}
	return out
}

func (b *lossyFakeBook) Refill(ctx context.Context, pairID string, side domain.OrderSide, limit int) ([]*domain.Order, error) {
	orders, err := b.fakeBook.Refill(ctx, pairID, side, limit)
	if err != nil {
		return nil, err
	}
	return b.project(orders), nil
}

func (b *lossyFakeBook) Top(ctx context.Context, pairID string, side domain.OrderSide, limit int) ([]*domain.Order, error) {
	orders, err := b.fakeBook.Top(ctx, pairID, side, limit)
	if err != nil {
		return nil, err
	}
	return b.project(orders), nil
}

type submittedJob struct {
	queue   string
	payload []byte
	opts    jobs.SubmitOptions
}

// fakeFabric records every submission instead of dispatching it anywhere.
type fakeFabric struct {
	mu   sync.Mutex
	subs []submittedJob
}

func (f *fakeFabric) Submit(ctx context.Context, queue string, payload []byte, opts jobs.SubmitOptions) (jobs.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, submittedJob{queue: queue, payload: payload, opts: opts})
	return jobs.Handle{JobID: opts.JobID}, nil
}

func (f *fakeFabric) submissions() []submittedJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]submittedJob, len(f.subs))
	copy(out, f.subs)
	return out
}

// fakeNonces claims (address, nonce) pairs in memory, same contract as
// internal/nonce.Ledger.
type fakeNonces struct {
	mu      sync.Mutex
	claimed map[string]bool
}

func newFakeNonces() *fakeNonces { return &fakeNonces{claimed: map[string]bool{}} }

func (n *fakeNonces) Claim(ctx context.Context, address, nonce string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := address + "/" + nonce
	if n.claimed[key] {
		return apperr.New(apperr.KindNonceReused, "nonce already used for this address")
	}
	n.claimed[key] = true
	return nil
}

// eventRecorder collects Engine events off a channel so assertions can wait
// on the goroutine-delivered handler deterministically instead of sleeping.
type eventRecorder struct {
	ch chan Event
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan Event, 16)}
}

func (r *eventRecorder) handle(e Event) { r.ch <- e }

func (r *eventRecorder) expect(t *testing.T, eventType string) Event {
	t.Helper()
	select {
	case e := <-r.ch:
		if e.EventType != eventType {
			t.Fatalf("got event %q, want %q", e.EventType, eventType)
		}
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event %q", eventType)
	}
	return Event{}
}

func sequentialIDs(prefix string) IDGenerator {
	var n int
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func testSigDomain() signer.Domain {
	return signer.Domain{Name: "OmenMarketBackend", Version: "1", ChainID: 23295}
}

func newTestEngine() (*Engine, *fakeStore, *fakeBook, *fakeFabric, *fakeNonces) {
	store := newFakeStore()
	book := newFakeBook(store)
	fabric := &fakeFabric{}
	nonces := newFakeNonces()
	bal := balance.New(store)
	eng := New(store, bal, book, fabric, nonces, sequentialIDs("id"), testSigDomain())
	return eng, store, book, fabric, nonces
}

// newTestEngineWithLossyBook wires an Engine against lossyFakeBook instead of
// fakeBook, so a test can drive runMatch through the same id/price/quantity
// -only projection the live orderbook.Cache performs.
func newTestEngineWithLossyBook() (*Engine, *fakeStore, *lossyFakeBook, *fakeFabric, *fakeNonces) {
	store := newFakeStore()
	book := newLossyFakeBook(store)
	fabric := &fakeFabric{}
	nonces := newFakeNonces()
	bal := balance.New(store)
	eng := New(store, bal, book, fabric, nonces, sequentialIDs("id"), testSigDomain())
	return eng, store, book, fabric, nonces
}

// baseFixtures returns a pair-1 WETH/USDC pair with zero-decimal tokens so
// test arithmetic stays in small round numbers (qty*price directly, no
// 10^decimals scaling), matching internal/balance's test style of using
// plain big.NewInt values rather than wei-scaled ones.
func baseFixtures() (*domain.TradingPair, *domain.Token, *domain.Token) {
	pair := &domain.TradingPair{
		ID: "pair-1", BaseSymbol: "WETH", QuoteSymbol: "USDC", Symbol: "WETH/USDC",
		Active: true, MinOrderSize: big.NewInt(1), MaxOrderSize: big.NewInt(1_000_000_000),
		PricePrecision: 2, QuantityPrecision: 6,
	}
	base := &domain.Token{Symbol: "WETH", Type: domain.TokenCrypto, Decimals: 0, Active: true}
	quote := &domain.Token{Symbol: "USDC", Type: domain.TokenStable, Decimals: 0, Active: true}
	return pair, base, quote
}

func newKey(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	priv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv, crypto.PubkeyToAddress(priv.PublicKey).Hex()
}

func signOrderMsg(t *testing.T, priv *ecdsa.PrivateKey, domain signer.Domain, msg signer.OrderMessage) string {
	t.Helper()
	td := signer.BuildOrderTypedData(domain, msg)
	domainSep, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		t.Fatalf("hash domain: %v", err)
	}
	structHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		t.Fatalf("hash struct: %v", err)
	}
	digest := crypto.Keccak256(append(append([]byte{0x19, 0x01}, domainSep...), structHash...))
	sig, err := crypto.Sign(digest, priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig)
}

// buildSubmitInput signs and assembles a SubmitOrderInput that expires an
// hour from now, using the signer's own address as the submitting user.
func buildSubmitInput(t *testing.T, priv *ecdsa.PrivateKey, addr, pairID string, side domain.OrderSide, kind domain.OrderKind, price, qty *big.Int, nonce string) SubmitOrderInput {
	t.Helper()
	expiry := time.Now().Add(time.Hour).Unix()
	msg := signer.OrderMessage{MarketID: pairID, Side: string(side), OrderKind: string(kind), Quantity: qty.String(), Nonce: nonce, Expiry: expiry}
	if price != nil {
		msg.Price = price.String()
	}
	sigHex := signOrderMsg(t, priv, testSigDomain(), msg)
	return SubmitOrderInput{
		UserID: addr, PairID: pairID, Side: side, Kind: kind, Price: price, Quantity: qty,
		TimeInForce: domain.TIFGTC, Signature: sigHex, SignerAddress: addr, Nonce: nonce, Expiry: expiry,
	}
}

func restingOrder(id, userID, pairID string, side domain.OrderSide, kind domain.OrderKind, price, qty *big.Int, status domain.OrderStatus) *domain.Order {
	now := time.Now().UTC()
	return &domain.Order{
		ID: id, UserID: userID, PairID: pairID, Side: side, Kind: kind, Status: status,
		Price: price, Quantity: qty, FilledQuantity: big.NewInt(0), TimeInForce: domain.TIFGTC,
		CreatedAt: now, UpdatedAt: now,
	}
}
