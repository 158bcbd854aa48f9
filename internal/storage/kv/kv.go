// Package kv wraps the Redis client backing the order-book cache, the
// nonce ledger, the auth-decision cache, and the Job Fabric's queues,
// using github.com/redis/go-redis/v9 for the connection pool and pipelining.
package kv

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/omenbackend/omen-market-backend/internal/config"
)

// Client wraps *redis.Client with the handful of primitives every caller in
// this system needs: a plain value cache (TTL get/set), atomic reserve
// (SET NX), and access to the sorted-set API for the order-book cache.
type Client struct {
	rdb *redis.Client
}

// New dials Redis per Runtime.RedisURL/Password/TLS and verifies
// connectivity with PING before returning.
func New(ctx context.Context, rt *config.Runtime) (*Client, error) {
	opts, err := redis.ParseURL(rt.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("kv: parse redis url: %w", err)
	}
	if rt.RedisPassword != "" {
		opts.Password = rt.RedisPassword
	}
	if rt.RedisTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("kv: ping: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// NewWithClient wraps an already-constructed *redis.Client, used by tests
// to inject a redismock client without dialing a real server.
func NewWithClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Raw exposes the underlying *redis.Client for callers (internal/jobs,
// internal/orderbook) that need sorted-set, list, or pub/sub primitives
// this wrapper doesn't surface directly.
func (c *Client) Raw() *redis.Client {
	return c.rdb
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Reserve atomically claims key for the given TTL iff it doesn't already
// exist (SET key val NX PX ttl). Returns false if the key was already
// present — the caller (internal/nonce) treats that as nonce_reused.
func (c *Client) Reserve(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv: reserve %s: %w", key, err)
	}
	return ok, nil
}

// SetJSON marshals v and stores it under key with the given TTL, used by
// the auth-decision and token-metadata caches.
func (c *Client) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kv: marshal %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, buf, ttl).Err(); err != nil {
		return fmt.Errorf("kv: set %s: %w", key, err)
	}
	return nil
}

// GetJSON loads and unmarshals the value at key into v. Returns
// redis.Nil (re-exported, compare with errors.Is(err, kv.ErrMiss)) on
// cache miss.
func (c *Client) GetJSON(ctx context.Context, key string, v any) error {
	buf, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrMiss
		}
		return fmt.Errorf("kv: get %s: %w", key, err)
	}
	return json.Unmarshal(buf, v)
}

// ErrMiss is returned by GetJSON on a cache miss.
var ErrMiss = errors.New("kv: cache miss")
