package balance

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/jackc/pgx/v5"

	"github.com/omenbackend/omen-market-backend/internal/apperr"
	"github.com/omenbackend/omen-market-backend/internal/domain"
)

// fakeStore simulates the relational store's balance rows in memory,
// exercising Book's locking/invariant logic without a live Postgres.
type fakeStore struct {
	rows map[string]*domain.UserBalance
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[string]*domain.UserBalance{}}
}

func key(userID, token string) string { return userID + "/" + token }

func (f *fakeStore) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return fakeTx{}, nil
}

func (f *fakeStore) GetBalanceForUpdate(ctx context.Context, tx pgx.Tx, userID, token string) (*domain.UserBalance, error) {
	if b, ok := f.rows[key(userID, token)]; ok {
		return &domain.UserBalance{UserID: b.UserID, Token: b.Token, Available: new(big.Int).Set(b.Available), Locked: new(big.Int).Set(b.Locked)}, nil
	}
	return &domain.UserBalance{UserID: userID, Token: token, Available: big.NewInt(0), Locked: big.NewInt(0)}, nil
}

func (f *fakeStore) GetBalance(ctx context.Context, userID, token string) (*domain.UserBalance, error) {
	return f.GetBalanceForUpdate(ctx, nil, userID, token)
}

func (f *fakeStore) UpsertBalance(ctx context.Context, tx pgx.Tx, b *domain.UserBalance) error {
	f.rows[key(b.UserID, b.Token)] = b
	return nil
}

func (f *fakeStore) ListNonzeroBalances(ctx context.Context) ([]*domain.UserBalance, error) {
	var out []*domain.UserBalance
	for _, b := range f.rows {
		if b.Available.Sign() != 0 || b.Locked.Sign() != 0 {
			out = append(out, b)
		}
	}
	return out, nil
}

// fakeTx is a no-op pgx.Tx; the fakeStore ignores it entirely.
type fakeTx struct{ pgx.Tx }

func (fakeTx) Commit(ctx context.Context) error   { return nil }
func (fakeTx) Rollback(ctx context.Context) error { return nil }

func TestLockAndUnlock(t *testing.T) {
	store := newFakeStore()
	store.rows[key("alice", "USDC")] = &domain.UserBalance{UserID: "alice", Token: "USDC", Available: big.NewInt(100), Locked: big.NewInt(0)}
	book := New(store)

	if err := book.Lock(context.Background(), "alice", "USDC", big.NewInt(40)); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	avail, locked, err := book.Get(context.Background(), "alice", "USDC")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if avail.Cmp(big.NewInt(60)) != 0 || locked.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("after Lock: available=%s locked=%s, want 60/40", avail, locked)
	}

	if err := book.Unlock(context.Background(), "alice", "USDC", big.NewInt(40)); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	avail, locked, _ = book.Get(context.Background(), "alice", "USDC")
	if avail.Cmp(big.NewInt(100)) != 0 || locked.Sign() != 0 {
		t.Fatalf("after Unlock: available=%s locked=%s, want 100/0", avail, locked)
	}
}

func TestLockInsufficientFunds(t *testing.T) {
	store := newFakeStore()
	store.rows[key("alice", "USDC")] = &domain.UserBalance{UserID: "alice", Token: "USDC", Available: big.NewInt(10), Locked: big.NewInt(0)}
	book := New(store)

	err := book.Lock(context.Background(), "alice", "USDC", big.NewInt(50))
	var appErr *apperr.Error
	if !errors.As(err, &appErr) || appErr.Kind != apperr.KindInsufficientFunds {
		t.Fatalf("Lock() error = %v, want KindInsufficientFunds", err)
	}
}

func TestTradeLegs(t *testing.T) {
	store := newFakeStore()
	store.rows[key("seller", "RWA")] = &domain.UserBalance{UserID: "seller", Token: "RWA", Available: big.NewInt(0), Locked: big.NewInt(10)}
	store.rows[key("buyer", "USDC")] = &domain.UserBalance{UserID: "buyer", Token: "USDC", Available: big.NewInt(0), Locked: big.NewInt(1000)}
	book := New(store)

	err := book.TradeLegs(context.Background(), "buyer", "seller", "RWA", "USDC", big.NewInt(10), big.NewInt(1000), big.NewInt(3), big.NewInt(2))
	if err != nil {
		t.Fatalf("TradeLegs() error = %v", err)
	}

	avail, locked, _ := book.Get(context.Background(), "seller", "RWA")
	if locked.Sign() != 0 {
		t.Errorf("seller RWA locked = %s, want 0", locked)
	}
	avail, locked, _ = book.Get(context.Background(), "seller", "USDC")
	if avail.Cmp(big.NewInt(998)) != 0 {
		t.Errorf("seller USDC available = %s, want 998 (1000 - fee 2)", avail)
	}
	avail, locked, _ = book.Get(context.Background(), "buyer", "RWA")
	if avail.Cmp(big.NewInt(7)) != 0 {
		t.Errorf("buyer RWA available = %s, want 7 (10 - fee 3)", avail)
	}
	avail, locked, _ = book.Get(context.Background(), "buyer", "USDC")
	if locked.Sign() != 0 {
		t.Errorf("buyer USDC locked = %s, want 0", locked)
	}
}
