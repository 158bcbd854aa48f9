// Package appctx is the composition root: one struct owning the DB pool, KV
// client, job fabric, chain adapter, signer, and every worker/engine, built
// in New() and torn down in reverse order in Close(). Dependencies wire up
// in the order storage, then wallet/signing, then the engines, then the API
// server, then background workers, then signal handling.
package appctx

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/omenbackend/omen-market-backend/internal/api"
	"github.com/omenbackend/omen-market-backend/internal/api/stream"
	"github.com/omenbackend/omen-market-backend/internal/apiauth"
	"github.com/omenbackend/omen-market-backend/internal/balance"
	"github.com/omenbackend/omen-market-backend/internal/chain"
	"github.com/omenbackend/omen-market-backend/internal/config"
	"github.com/omenbackend/omen-market-backend/internal/entitypermissions"
	"github.com/omenbackend/omen-market-backend/internal/eventledger"
	"github.com/omenbackend/omen-market-backend/internal/ingress"
	"github.com/omenbackend/omen-market-backend/internal/jobs"
	"github.com/omenbackend/omen-market-backend/internal/lifecycle"
	"github.com/omenbackend/omen-market-backend/internal/matching"
	"github.com/omenbackend/omen-market-backend/internal/nonce"
	"github.com/omenbackend/omen-market-backend/internal/orderbook"
	"github.com/omenbackend/omen-market-backend/internal/reconcile"
	"github.com/omenbackend/omen-market-backend/internal/settlement"
	"github.com/omenbackend/omen-market-backend/internal/signer"
	"github.com/omenbackend/omen-market-backend/internal/stats"
	"github.com/omenbackend/omen-market-backend/internal/storage/kv"
	"github.com/omenbackend/omen-market-backend/internal/storage/relational"
	"github.com/omenbackend/omen-market-backend/internal/swap"
	"github.com/omenbackend/omen-market-backend/pkg/logging"
)

// App owns every long-lived dependency the backend process needs, plus the
// stop handles of its background workers.
type App struct {
	Runtime *config.Runtime
	Log     *logging.Logger

	Store *relational.Store
	KV    *kv.Client

	Signer *signer.ConfidentialSigner
	Chain  *chain.Adapter

	Fabric    *jobs.Fabric
	Scheduler *jobs.Scheduler

	Nonces    *nonce.Ledger
	Balances  *balance.Book
	Book      *orderbook.Cache
	AuthZ     *entitypermissions.Client
	Stats     *stats.Aggregator
	Ledger    *eventledger.Ledger

	Matching  *matching.Engine
	Lifecycle *lifecycle.Engine
	Swaps     *swap.Processor
	Ingress   *ingress.Dispatcher
	Poller    *ingress.Poller

	Hub  *stream.Hub
	Auth *apiauth.Authenticator
	API  *api.Server

	stopFuncs []jobs.StopFunc
	bgCancel  context.CancelFunc
}

// sigDomain is the EIP-712 domain every order/swap signature is verified
// against; chain ID is filled in from Runtime once loaded.
func sigDomain(rt *config.Runtime) signer.Domain {
	return signer.Domain{
		Name:    "OmenMarketBackend",
		Version: "1",
		ChainID: rt.SapphireChainID,
	}
}

// New builds and wires every dependency but does not yet start any
// background worker or the HTTP listener; call Run for that.
func New(ctx context.Context, rt *config.Runtime) (*App, error) {
	log := logging.New(&logging.Config{Level: rt.LogLevel, TimeFormat: time.RFC3339})
	logging.SetDefault(log)

	store, err := relational.New(ctx, rt, log)
	if err != nil {
		return nil, fmt.Errorf("appctx: open relational store: %w", err)
	}

	kvClient, err := kv.New(ctx, rt)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("appctx: open kv client: %w", err)
	}

	sg, err := loadSigner(rt)
	if err != nil {
		kvClient.Close()
		store.Close()
		return nil, err
	}

	chainAdapter, err := chain.New(ctx, rt, sg)
	if err != nil {
		kvClient.Close()
		store.Close()
		return nil, fmt.Errorf("appctx: build chain adapter: %w", err)
	}

	fabric := jobs.New(kvClient.Raw(), config.DefaultStallTimeout, config.DefaultMaxStallRetry)
	scheduler := jobs.NewScheduler(fabric)

	newID := func() string { return uuid.NewString() }

	nonces := nonce.New(kvClient, config.NonceTTL)
	balances := balance.New(store)
	book := orderbook.New(kvClient.Raw(), store)
	authz := entitypermissions.New(rt, kvClient)
	statsAgg := stats.New(kvClient)
	ledger := eventledger.New(store)

	matchingEngine := matching.New(store, balances, book, fabric, nonces, newID, sigDomain(rt))
	lifecycleEngine := lifecycle.New(store, authz, chainAdapter, fabric, newID)
	swapProcessor := swap.New(store, balances, fabric, newID)
	dispatcher := ingress.NewDispatcher(ledger, lifecycleEngine)
	poller := ingress.NewPoller(rt, dispatcher)

	auth, err := apiauth.New(rt)
	if err != nil {
		chainAdapter.Close()
		kvClient.Close()
		store.Close()
		return nil, fmt.Errorf("appctx: build admin authenticator: %w", err)
	}

	var hub *stream.Hub
	if rt.EnableWebsockets {
		hub = stream.NewHub()
	}

	a := &App{
		Runtime: rt, Log: log,
		Store: store, KV: kvClient,
		Signer: sg, Chain: chainAdapter,
		Fabric: fabric, Scheduler: scheduler,
		Nonces: nonces, Balances: balances, Book: book, AuthZ: authz, Stats: statsAgg, Ledger: ledger,
		Matching: matchingEngine, Lifecycle: lifecycleEngine, Swaps: swapProcessor,
		Ingress: dispatcher, Poller: poller,
		Hub: hub, Auth: auth,
	}
	a.wireEvents()

	a.API = api.New(api.Deps{
		Lifecycle: lifecycleEngine, Matching: matchingEngine, Book: book, Swaps: swapProcessor,
		Ingress: dispatcher, Auth: auth, Hub: hub, Tokens: store,
	})

	return a, nil
}

func loadSigner(rt *config.Runtime) (*signer.ConfidentialSigner, error) {
	if rt.OasisWalletMnemonic != "" {
		sg, err := signer.FromMnemonic(rt.OasisWalletMnemonic)
		if err != nil {
			return nil, fmt.Errorf("appctx: load signer from mnemonic: %w", err)
		}
		return sg, nil
	}
	sg, err := signer.FromPrivateKeyHex(rt.ConfidentialSignerPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("appctx: load signer from private key: %w", err)
	}
	return sg, nil
}

// wireEvents hooks each engine's event bus into the stats aggregator and
// (when enabled) the WebSocket hub, observability notes.
func (a *App) wireEvents() {
	a.Matching.OnEvent(func(ev matching.Event) {
		if ev.EventType == "trade.executed" {
			a.recordTradeStats(ev)
		}
		if a.Hub != nil {
			a.Hub.Broadcast(stream.EventType(ev.EventType), ev.OrderID, ev.Data)
		}
	})
	a.Lifecycle.OnEvent(func(ev lifecycle.Event) {
		if a.Hub != nil {
			a.Hub.Broadcast(stream.EventType(ev.EventType), ev.MarketID, ev.Data)
		}
	})
	a.Swaps.OnEvent(func(ev swap.Event) {
		if a.Hub != nil {
			a.Hub.Broadcast(stream.EventType(ev.EventType), ev.SwapID, ev.Data)
		}
	})
}

// recordTradeStats resolves a trade.executed event's pair/token precision
// and folds the fill into the rolling 24h snapshot.
func (a *App) recordTradeStats(ev matching.Event) {
	data, ok := ev.Data.(map[string]any)
	if !ok {
		return
	}
	pairID, _ := data["pair_id"].(string)
	priceStr, _ := data["price"].(string)
	qtyStr, _ := data["quantity"].(string)
	if pairID == "" || priceStr == "" || qtyStr == "" {
		return
	}
	price, ok1 := new(big.Int).SetString(priceStr, 10)
	qty, ok2 := new(big.Int).SetString(qtyStr, 10)
	if !ok1 || !ok2 {
		return
	}

	ctx := context.Background()
	pair, err := a.Store.GetTradingPair(ctx, pairID)
	if err != nil {
		a.Log.Warn("appctx: load trading pair for stats", "pair_id", pairID, "error", err)
		return
	}
	base, err := a.Store.GetToken(ctx, pair.BaseSymbol)
	if err != nil {
		a.Log.Warn("appctx: load base token for stats", "symbol", pair.BaseSymbol, "error", err)
		return
	}
	a.Stats.RecordTrade(ctx, pairID, price, qty, base.Decimals, pair.PricePrecision, pair.QuantityPrecision, time.Now())
}

// Run starts every background worker and the HTTP/WebSocket listener.
// Workers run against an internal context cancelled by Close, independent
// of the ctx passed here (which only bounds the initial Poller/API bring-up).
func (a *App) Run(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(context.Background())
	a.bgCancel = cancel

	a.stopFuncs = append(a.stopFuncs,
		a.Fabric.RunWorker(bgCtx, config.QueueMatching, a.Matching.Handler(), config.QueueConcurrency[config.QueueMatching]),
		a.Fabric.RunWorker(bgCtx, config.QueueDeployment, a.Lifecycle.HandleDeployment, config.QueueConcurrency[config.QueueDeployment]),
		a.Fabric.RunWorker(bgCtx, config.QueueSwap, a.Swaps.NewJobWorker(a.Store, a.Chain).Handle, a.Runtime.WorkerConcurrency),
		a.Fabric.RunWorker(bgCtx, config.QueueSettlement, settlement.NewWorker(a.Store, a.Chain).Handle, config.QueueConcurrency[config.QueueSettlement]),
	)

	reconcileWorker := reconcile.NewWorker(a.Store, a.Balances, a.Chain)
	a.stopFuncs = append(a.stopFuncs,
		a.Fabric.RunWorker(bgCtx, config.QueueReconciliation, reconcileWorker.Handle, config.QueueConcurrency[config.QueueReconciliation]))
	if err := a.Scheduler.Schedule(config.QueueReconciliation, "reconcile-tick", "*/15 * * * *", nil, jobs.SubmitOptions{Attempts: 1}); err != nil {
		cancel()
		return fmt.Errorf("appctx: schedule reconciliation: %w", err)
	}
	a.Scheduler.Start()

	go a.Poller.Run(bgCtx)

	if a.Hub != nil {
		go a.Hub.Run()
	}

	if err := a.API.Start(api.NewAddr(a.Runtime)); err != nil {
		cancel()
		return fmt.Errorf("appctx: start api server: %w", err)
	}
	return nil
}

// Close tears every dependency down in reverse dependency order.
func (a *App) Close(ctx context.Context) {
	if err := a.API.Stop(ctx); err != nil {
		a.Log.Error("appctx: stop api server", "error", err)
	}
	if a.bgCancel != nil {
		a.bgCancel()
	}
	a.Scheduler.Stop()
	for _, stop := range a.stopFuncs {
		stop()
	}
	a.Chain.Close()
	if err := a.KV.Close(); err != nil {
		a.Log.Error("appctx: close kv client", "error", err)
	}
	a.Store.Close()
}
