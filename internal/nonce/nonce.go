// Package nonce enforces single-use signed messages: each
// (address, nonce) pair may be reserved exactly once within its TTL window.
// Grounded on internal/storage/kv's Reserve primitive (SET NX PX), an
// atomic-claim shape built around a single key per reservation.
package nonce

import (
	"context"
	"fmt"
	"time"

	"github.com/omenbackend/omen-market-backend/internal/apperr"
	"github.com/omenbackend/omen-market-backend/internal/storage/kv"
)

// Ledger reserves (address, nonce) pairs against replay.
type Ledger struct {
	kv  *kv.Client
	ttl time.Duration
}

// New builds a Ledger backed by the given Redis client, claiming each
// nonce for ttl.
func New(c *kv.Client, ttl time.Duration) *Ledger {
	return &Ledger{kv: c, ttl: ttl}
}

// Claim reserves nonce for address. Returns apperr.KindNonceReused if the
// pair was already claimed within the TTL window.
func (l *Ledger) Claim(ctx context.Context, address, n string) error {
	key := nonceKey(address, n)
	ok, err := l.kv.Reserve(ctx, key, "1", l.ttl)
	if err != nil {
		return fmt.Errorf("nonce: claim %s: %w", key, err)
	}
	if !ok {
		return apperr.New(apperr.KindNonceReused, "nonce already used for this address")
	}
	return nil
}

func nonceKey(address, n string) string {
	return fmt.Sprintf("nonce:%s:%s", address, n)
}
