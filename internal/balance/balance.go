// Package balance is the Balance Book: the sole authority for
// per-(user, token) available/locked amounts. Every write acquires a
// row-level lock on (user, token); multi-user writes lock rows in
// canonical (user_id, token) order to avoid deadlock.
package balance

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/omenbackend/omen-market-backend/internal/apperr"
	"github.com/omenbackend/omen-market-backend/internal/domain"
)

// Store is the subset of *relational.Store the Balance Book needs.
type Store interface {
	BeginTx(ctx context.Context) (pgx.Tx, error)
	GetBalanceForUpdate(ctx context.Context, tx pgx.Tx, userID, token string) (*domain.UserBalance, error)
	GetBalance(ctx context.Context, userID, token string) (*domain.UserBalance, error)
	UpsertBalance(ctx context.Context, tx pgx.Tx, b *domain.UserBalance) error
	ListNonzeroBalances(ctx context.Context) ([]*domain.UserBalance, error)
}

// Book is the Balance Book.
type Book struct {
	store Store
}

func New(store Store) *Book {
	return &Book{store: store}
}

// Get returns (available, locked) for (user, token); an absent pair reads
// as (0, 0).
func (b *Book) Get(ctx context.Context, userID, token string) (available, locked *big.Int, err error) {
	bal, err := b.store.GetBalance(ctx, userID, token)
	if err != nil {
		return nil, nil, fmt.Errorf("balance: get: %w", err)
	}
	return bal.Available, bal.Locked, nil
}

// entry identifies one (user, token) row a transaction will touch.
type entry struct {
	userID string
	token  string
}

// less implements the canonical lexicographic (user_id, token) lock order.
func (e entry) less(o entry) bool {
	if e.userID != o.userID {
		return e.userID < o.userID
	}
	return e.token < o.token
}

// Lock requires available ≥ amount; decrements available, increments locked.
func (b *Book) Lock(ctx context.Context, userID, token string, amount *big.Int) error {
	return b.withTx(ctx, []entry{{userID, token}}, func(tx pgx.Tx, rows map[entry]*domain.UserBalance) error {
		bal := rows[entry{userID, token}]
		if bal.Available.Cmp(amount) < 0 {
			return apperr.New(apperr.KindInsufficientFunds, "insufficient available balance")
		}
		bal.Available = new(big.Int).Sub(bal.Available, amount)
		bal.Locked = new(big.Int).Add(bal.Locked, amount)
		return b.store.UpsertBalance(ctx, tx, bal)
	})
}

// Unlock requires locked ≥ amount; decrements locked, increments available.
func (b *Book) Unlock(ctx context.Context, userID, token string, amount *big.Int) error {
	return b.withTx(ctx, []entry{{userID, token}}, func(tx pgx.Tx, rows map[entry]*domain.UserBalance) error {
		bal := rows[entry{userID, token}]
		if bal.Locked.Cmp(amount) < 0 {
			return apperr.New(apperr.KindInsufficientFunds, "insufficient locked balance")
		}
		bal.Locked = new(big.Int).Sub(bal.Locked, amount)
		bal.Available = new(big.Int).Add(bal.Available, amount)
		return b.store.UpsertBalance(ctx, tx, bal)
	})
}

// Credit applies signed deltas to available/locked, enforcing the result
// stays non-negative.
func (b *Book) Credit(ctx context.Context, userID, token string, availableDelta, lockedDelta *big.Int) error {
	return b.withTx(ctx, []entry{{userID, token}}, func(tx pgx.Tx, rows map[entry]*domain.UserBalance) error {
		bal := rows[entry{userID, token}]
		newAvail := new(big.Int).Add(bal.Available, availableDelta)
		newLocked := new(big.Int).Add(bal.Locked, lockedDelta)
		if newAvail.Sign() < 0 || newLocked.Sign() < 0 {
			return apperr.New(apperr.KindInsufficientFunds, "credit would drive balance negative")
		}
		bal.Available, bal.Locked = newAvail, newLocked
		return b.store.UpsertBalance(ctx, tx, bal)
	})
}

// Upsert fully replaces (available, locked) for (user, token). Reserved
// for the reconciliation worker's authoritative overwrite; no other
// caller should bypass lock/unlock/credit's invariant checks.
func (b *Book) Upsert(ctx context.Context, userID, token string, available, locked *big.Int) error {
	return b.withTx(ctx, []entry{{userID, token}}, func(tx pgx.Tx, rows map[entry]*domain.UserBalance) error {
		bal := rows[entry{userID, token}]
		bal.Available, bal.Locked = available, locked
		return b.store.UpsertBalance(ctx, tx, bal)
	})
}

// TradeLegs moves value for both sides of one trade (seller loses locked
// base, gains available quote net of fee; buyer loses locked quote, gains
// available base net of fee) in a single transaction, acquiring both
// users' rows in canonical order.
func (b *Book) TradeLegs(ctx context.Context, buyerID, sellerID, baseToken, quoteToken string, qty, quoteAmount, buyerFee, sellerFee *big.Int) error {
	entries := []entry{
		{sellerID, baseToken},
		{sellerID, quoteToken},
		{buyerID, baseToken},
		{buyerID, quoteToken},
	}
	return b.withTx(ctx, entries, func(tx pgx.Tx, rows map[entry]*domain.UserBalance) error {
		sellerBase := rows[entry{sellerID, baseToken}]
		sellerQuote := rows[entry{sellerID, quoteToken}]
		buyerQuote := rows[entry{buyerID, quoteToken}]
		buyerBase := rows[entry{buyerID, baseToken}]

		if sellerBase.Locked.Cmp(qty) < 0 {
			return apperr.New(apperr.KindInsufficientFunds, "seller locked base insufficient")
		}
		if buyerQuote.Locked.Cmp(quoteAmount) < 0 {
			return apperr.New(apperr.KindInsufficientFunds, "buyer locked quote insufficient")
		}

		sellerBase.Locked = new(big.Int).Sub(sellerBase.Locked, qty)
		sellerQuote.Available = new(big.Int).Add(sellerQuote.Available, new(big.Int).Sub(quoteAmount, sellerFee))
		buyerQuote.Locked = new(big.Int).Sub(buyerQuote.Locked, quoteAmount)
		buyerBase.Available = new(big.Int).Add(buyerBase.Available, new(big.Int).Sub(qty, buyerFee))

		for _, bal := range []*domain.UserBalance{sellerBase, sellerQuote, buyerQuote, buyerBase} {
			if err := b.store.UpsertBalance(ctx, tx, bal); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListNonzero returns every balance row with nonzero available or locked,
// the reconciliation worker's check universe.
func (b *Book) ListNonzero(ctx context.Context) ([]*domain.UserBalance, error) {
	out, err := b.store.ListNonzeroBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("balance: list nonzero: %w", err)
	}
	return out, nil
}

// withTx begins a transaction, locks every entry in canonical order, hands
// the loaded rows to fn, and commits iff fn succeeds.
func (b *Book) withTx(ctx context.Context, entries []entry, fn func(tx pgx.Tx, rows map[entry]*domain.UserBalance) error) error {
	sorted := append([]entry{}, entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].less(sorted[j]) })

	tx, err := b.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("balance: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows := make(map[entry]*domain.UserBalance, len(sorted))
	for _, e := range sorted {
		bal, err := b.store.GetBalanceForUpdate(ctx, tx, e.userID, e.token)
		if err != nil {
			return fmt.Errorf("balance: lock %s/%s: %w", e.userID, e.token, err)
		}
		rows[e] = bal
	}

	if err := fn(tx, rows); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("balance: commit: %w", err)
	}
	return nil
}
