// Package stats is the Market-Stats Aggregator: rolling 24h
// price/volume/high/low per trading pair, recomputed on every trade. It has
// no job queue of its own — it subscribes to the Matching Engine's
// trade.executed event (internal/matching's OnEvent/emitEvent pattern)
// instead, since a queued job would add latency no consumer needs (the
// aggregate only ever needs to reflect trades already committed). A
// rolling-window-over-a-mutex shape, driven by a push on each RecordTrade
// call rather than a ticker-driven sweep.
package stats

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/omenbackend/omen-market-backend/pkg/logging"
)

const window = 24 * time.Hour

// Cache is the optional warm-cache layer a Snapshot is mirrored into so a
// restart doesn't leave GET /stats cold until the next trade; the rolling
// window itself always lives in process memory and is the source of truth.
type Cache interface {
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
}

func cacheKey(pairID string) string { return "stats:" + pairID }

// Snapshot is one pair's rolling 24h figures, both as exact integers (base
// units) and as display-rounded decimals at the pair's configured precision.
type Snapshot struct {
	PairID            string
	Last              *big.Int
	High              *big.Int
	Low               *big.Int
	VolumeBase        *big.Int
	VolumeQuote       *big.Int
	TradeCount        int
	LastPriceDisplay  string `json:"last_price_display"`
	HighDisplay       string `json:"high_display"`
	LowDisplay        string `json:"low_display"`
	VolumeBaseDisplay string `json:"volume_base_display"`
	UpdatedAt         time.Time
}

type tick struct {
	price, quantity *big.Int
	quoteAmount     *big.Int
	at              time.Time
}

// Aggregator holds one rolling window of trade ticks per pair.
type Aggregator struct {
	mu      sync.RWMutex
	windows map[string][]tick
	cache   Cache
	log     *logging.Logger
}

func New(cache Cache) *Aggregator {
	return &Aggregator{
		windows: make(map[string][]tick),
		cache:   cache,
		log:     logging.GetDefault().Component("stats"),
	}
}

// RecordTrade folds one executed trade into pairID's rolling window and
// recomputes its snapshot. pricePrecision/quantityPrecision drive the
// display-rounded decimal fields only; the exact integer fields never lose
// precision. Safe to call from the matching engine's event-handler goroutine.
func (a *Aggregator) RecordTrade(ctx context.Context, pairID string, price, quantity *big.Int, baseDecimals uint8, pricePrecision, quantityPrecision int32, at time.Time) *Snapshot {
	quoteAmount := quoteAmount(price, quantity, baseDecimals)

	a.mu.Lock()
	ticks := append(a.windows[pairID], tick{price: price, quantity: quantity, quoteAmount: quoteAmount, at: at})
	ticks = evictOlderThan(ticks, at.Add(-window))
	a.windows[pairID] = ticks
	snapshot := summarize(pairID, ticks, pricePrecision, quantityPrecision)
	a.mu.Unlock()

	if a.cache != nil {
		if err := a.cache.SetJSON(ctx, cacheKey(pairID), snapshot, window); err != nil {
			a.log.Warn("stats: cache write failed", "pair_id", pairID, "error", err)
		}
	}
	return snapshot
}

// Get returns pairID's current snapshot, recomputed against "now" so a long
// gap since the last trade still evicts stale ticks from the reported
// window. pricePrecision/quantityPrecision come from the pair's own
// TradingPair row (the aggregator doesn't look them up itself).
func (a *Aggregator) Get(pairID string, pricePrecision, quantityPrecision int32, now time.Time) (*Snapshot, bool) {
	a.mu.RLock()
	ticks := a.windows[pairID]
	a.mu.RUnlock()

	fresh := evictOlderThan(ticks, now.Add(-window))
	if len(fresh) != len(ticks) {
		a.mu.Lock()
		a.windows[pairID] = fresh
		a.mu.Unlock()
	}
	if len(fresh) == 0 {
		return nil, false
	}
	return summarize(pairID, fresh, pricePrecision, quantityPrecision), true
}

func evictOlderThan(ticks []tick, cutoff time.Time) []tick {
	idx := sort.Search(len(ticks), func(i int) bool { return !ticks[i].at.Before(cutoff) })
	if idx == 0 {
		return ticks
	}
	kept := make([]tick, len(ticks)-idx)
	copy(kept, ticks[idx:])
	return kept
}

func summarize(pairID string, ticks []tick, pricePrecision, quantityPrecision int32) *Snapshot {
	if len(ticks) == 0 {
		return &Snapshot{PairID: pairID, UpdatedAt: time.Now()}
	}
	last := ticks[len(ticks)-1]
	high := ticks[0].price
	low := ticks[0].price
	volBase := big.NewInt(0)
	volQuote := big.NewInt(0)
	for _, t := range ticks {
		if t.price.Cmp(high) > 0 {
			high = t.price
		}
		if t.price.Cmp(low) < 0 {
			low = t.price
		}
		volBase.Add(volBase, t.quantity)
		volQuote.Add(volQuote, t.quoteAmount)
	}

	return &Snapshot{
		PairID:            pairID,
		Last:              last.price,
		High:              high,
		Low:               low,
		VolumeBase:        volBase,
		VolumeQuote:       volQuote,
		TradeCount:        len(ticks),
		LastPriceDisplay:  displayDecimal(last.price, pricePrecision),
		HighDisplay:       displayDecimal(high, pricePrecision),
		LowDisplay:        displayDecimal(low, pricePrecision),
		VolumeBaseDisplay: displayDecimal(volBase, quantityPrecision),
		UpdatedAt:         last.at,
	}
}

// quoteAmount mirrors the Matching Engine's trade-execution formula
//: qty·price/10^base_decimals.
func quoteAmount(price, quantity *big.Int, baseDecimals uint8) *big.Int {
	amount := new(big.Int).Mul(quantity, price)
	return amount.Quo(amount, pow10(int(baseDecimals)))
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// displayDecimal renders an integer base-unit amount as a rounded decimal
// string at precision decimal places, for display only — ledger math never
// touches decimal.Decimal.
func displayDecimal(amount *big.Int, precision int32) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -precision).StringFixed(precision)
}
