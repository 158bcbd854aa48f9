// Package orderbook is the price-sorted cache over open/partial orders per
// (pair, side). It mirrors the relational store's price-time
// ordering in a Redis sorted set for fast top-of-book reads, falling back
// to the relational store on a cache miss and refilling from there, using
// go-redis's sorted-set API to rank resting orders by price.
package orderbook

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/omenbackend/omen-market-backend/internal/domain"
)

// RelationalFallback is the subset of *relational.Store the cache refills from.
type RelationalFallback interface {
	OrderBookSide(ctx context.Context, pairID string, side domain.OrderSide, limit int) ([]*domain.Order, error)
}

// cacheTTL bounds how long a refilled cache entry is trusted before the
// next read falls back to the relational store again.
const cacheTTL = 5 * time.Minute

// Cache is the order book cache.
type Cache struct {
	rdb *redis.Client
	rel RelationalFallback
}

func New(rdb *redis.Client, rel RelationalFallback) *Cache {
	return &Cache{rdb: rdb, rel: rel}
}

type entry struct {
	OrderID  string `json:"order_id"`
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

func key(pairID string, side domain.OrderSide) string {
	return fmt.Sprintf("orderbook:%s:%s", pairID, side)
}

// score orders price-time priority into one float64: integer price
// dominates, created_at (as unix-nanos, scaled down) breaks ties. BUY
// ranks descending (ZREVRANGE), SELL ascending (ZRANGE) — callers pick
// the direction via Top's side argument.
func score(price *big.Int, createdAt time.Time) float64 {
	p, _ := new(big.Float).SetInt(price).Float64()
	tieBreak := float64(createdAt.UnixNano()%1_000_000) / 1e15
	return p + tieBreak
}

// Refill replaces the cached side for pairID with orders loaded fresh
// from the relational store, called after a cache miss or after any
// trade/cancel invalidates the pair.
func (c *Cache) Refill(ctx context.Context, pairID string, side domain.OrderSide, limit int) ([]*domain.Order, error) {
	orders, err := c.rel.OrderBookSide(ctx, pairID, side, limit)
	if err != nil {
		return nil, fmt.Errorf("orderbook: refill: %w", err)
	}

	k := key(pairID, side)
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, k)
	for _, o := range orders {
		buf, err := json.Marshal(entry{OrderID: o.ID, Price: o.Price.String(), Quantity: new(big.Int).Sub(o.Quantity, o.FilledQuantity).String()})
		if err != nil {
			return nil, fmt.Errorf("orderbook: marshal entry: %w", err)
		}
		pipe.ZAdd(ctx, k, redis.Z{Score: score(o.Price, o.CreatedAt), Member: buf})
	}
	pipe.Expire(ctx, k, cacheTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("orderbook: write cache: %w", err)
	}
	return orders, nil
}

// Top returns up to limit resting orders for (pair, side) in price-time
// priority, reading the cache and falling back to Refill on a miss.
func (c *Cache) Top(ctx context.Context, pairID string, side domain.OrderSide, limit int) ([]*domain.Order, error) {
	k := key(pairID, side)
	exists, err := c.rdb.Exists(ctx, k).Result()
	if err != nil {
		return nil, fmt.Errorf("orderbook: exists: %w", err)
	}
	if exists == 0 {
		return c.Refill(ctx, pairID, side, limit)
	}

	var members []string
	if side == domain.SideBuy {
		members, err = c.rdb.ZRevRange(ctx, k, 0, int64(limit-1)).Result()
	} else {
		members, err = c.rdb.ZRange(ctx, k, 0, int64(limit-1)).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("orderbook: range: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	out := make([]*domain.Order, 0, len(members))
	for _, m := range members {
		var e entry
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			continue
		}
		price, _ := new(big.Int).SetString(e.Price, 10)
		qty, _ := new(big.Int).SetString(e.Quantity, 10)
		out = append(out, &domain.Order{ID: e.OrderID, PairID: pairID, Side: side, Price: price, Quantity: qty})
	}
	return out, nil
}

// Invalidate drops the cached side(s) for pairID after a trade executes
// or an order is cancelled.
func (c *Cache) Invalidate(ctx context.Context, pairID string) error {
	if err := c.rdb.Del(ctx, key(pairID, domain.SideBuy), key(pairID, domain.SideSell)).Err(); err != nil {
		return fmt.Errorf("orderbook: invalidate %s: %w", pairID, err)
	}
	return nil
}
