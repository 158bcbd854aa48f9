package matching

import (
	"context"
	"math/big"
	"testing"

	"github.com/omenbackend/omen-market-backend/internal/domain"
)

func TestCrosses(t *testing.T) {
	mk := func(kind domain.OrderKind, side domain.OrderSide, price int64) *domain.Order {
		var p *big.Int
		if price >= 0 {
			p = big.NewInt(price)
		}
		return &domain.Order{Kind: kind, Side: side, Price: p}
	}

	cases := []struct {
		name       string
		taker, mk  *domain.Order
		wantCross  bool
	}{
		{"market always crosses", mk(domain.OrderMarket, domain.SideBuy, -1), mk(domain.OrderLimit, domain.SideSell, 100), true},
		{"limit buy crosses at or above maker", mk(domain.OrderLimit, domain.SideBuy, 100), mk(domain.OrderLimit, domain.SideSell, 100), true},
		{"limit buy below maker does not cross", mk(domain.OrderLimit, domain.SideBuy, 90), mk(domain.OrderLimit, domain.SideSell, 100), false},
		{"limit sell crosses at or below maker", mk(domain.OrderLimit, domain.SideSell, 100), mk(domain.OrderLimit, domain.SideBuy, 100), true},
		{"limit sell above maker does not cross", mk(domain.OrderLimit, domain.SideSell, 110), mk(domain.OrderLimit, domain.SideBuy, 100), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := crosses(c.taker, c.mk); got != c.wantCross {
				t.Errorf("crosses() = %v, want %v", got, c.wantCross)
			}
		})
	}
}

func TestRunMatchFullyFillsAgainstRestingOrder(t *testing.T) {
	eng, store, _, fabric, _ := newTestEngine()
	pair, base, quote := baseFixtures()
	store.pairs[pair.ID] = pair
	store.tokens[base.Symbol] = base
	store.tokens[quote.Symbol] = quote

	maker := restingOrder("maker-1", "seller", pair.ID, domain.SideSell, domain.OrderLimit, big.NewInt(100), big.NewInt(100), domain.OrderOpen)
	store.orders[maker.ID] = maker
	store.balances[balKey("seller", "WETH")] = &domain.UserBalance{UserID: "seller", Token: "WETH", Available: big.NewInt(0), Locked: big.NewInt(100)}

	taker := restingOrder("taker-1", "buyer", pair.ID, domain.SideBuy, domain.OrderLimit, big.NewInt(100), big.NewInt(100), domain.OrderPendingMatch)
	store.orders[taker.ID] = taker
	store.balances[balKey("buyer", "USDC")] = &domain.UserBalance{UserID: "buyer", Token: "USDC", Available: big.NewInt(0), Locked: big.NewInt(10000)}

	if err := eng.runMatch(context.Background(), taker.ID); err != nil {
		t.Fatalf("runMatch() error = %v", err)
	}

	gotTaker, _ := store.GetOrder(context.Background(), taker.ID)
	gotMaker, _ := store.GetOrder(context.Background(), maker.ID)
	if gotTaker.Status != domain.OrderFilled || gotTaker.FilledQuantity.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("taker = %+v, want FILLED/100", gotTaker)
	}
	if gotMaker.Status != domain.OrderFilled || gotMaker.FilledQuantity.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("maker = %+v, want FILLED/100", gotMaker)
	}
	if len(store.trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(store.trades))
	}

	buyerBase, _ := store.GetBalance(context.Background(), "buyer", "WETH")
	if buyerBase.Available.Cmp(big.NewInt(75)) != 0 {
		t.Errorf("buyer WETH available = %s, want 75 (100 - 25 fee)", buyerBase.Available)
	}
	sellerQuote, _ := store.GetBalance(context.Background(), "seller", "USDC")
	if sellerQuote.Available.Cmp(big.NewInt(9975)) != 0 {
		t.Errorf("seller USDC available = %s, want 9975 (10000 - 25 fee)", sellerQuote.Available)
	}

	subs := fabric.submissions()
	var sawSettlement, sawNotification bool
	for _, s := range subs {
		if s.queue == "settlement" {
			sawSettlement = true
		}
		if s.queue == "notifications" {
			sawNotification = true
		}
	}
	if !sawSettlement || !sawNotification {
		t.Fatalf("submitted jobs = %+v, want settlement and notification jobs", subs)
	}
}

// TestRunMatchAgainstLossyBookProjectionDoesNotPanicAndCreditsRealMaker
// drives a simple cross through lossyFakeBook, which mirrors
// orderbook.Cache.Top's real id/price/remaining-quantity-only projection
// (no UserID, no FilledQuantity). runMatch must reload the maker by ID
// before matching against it, or this either panics on maker.Remaining()'s
// nil FilledQuantity or settles the trade against an empty-string phantom
// user instead of the real seller.
func TestRunMatchAgainstLossyBookProjectionDoesNotPanicAndCreditsRealMaker(t *testing.T) {
	eng, store, _, _, _ := newTestEngineWithLossyBook()
	pair, base, quote := baseFixtures()
	store.pairs[pair.ID] = pair
	store.tokens[base.Symbol] = base
	store.tokens[quote.Symbol] = quote

	maker := restingOrder("maker-1", "seller", pair.ID, domain.SideSell, domain.OrderLimit, big.NewInt(100), big.NewInt(100), domain.OrderOpen)
	store.orders[maker.ID] = maker
	store.balances[balKey("seller", "WETH")] = &domain.UserBalance{UserID: "seller", Token: "WETH", Available: big.NewInt(0), Locked: big.NewInt(100)}

	taker := restingOrder("taker-1", "buyer", pair.ID, domain.SideBuy, domain.OrderLimit, big.NewInt(100), big.NewInt(100), domain.OrderPendingMatch)
	store.orders[taker.ID] = taker
	store.balances[balKey("buyer", "USDC")] = &domain.UserBalance{UserID: "buyer", Token: "USDC", Available: big.NewInt(0), Locked: big.NewInt(10000)}

	if err := eng.runMatch(context.Background(), taker.ID); err != nil {
		t.Fatalf("runMatch() error = %v", err)
	}

	gotMaker, _ := store.GetOrder(context.Background(), maker.ID)
	if gotMaker.Status != domain.OrderFilled || gotMaker.FilledQuantity.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("maker = %+v, want FILLED/100", gotMaker)
	}

	sellerBase, _ := store.GetBalance(context.Background(), "seller", "WETH")
	if sellerBase.Locked.Sign() != 0 {
		t.Errorf("seller WETH locked = %s, want 0 (drawn down by the real maker, not a phantom user)", sellerBase.Locked)
	}
	sellerQuote, _ := store.GetBalance(context.Background(), "seller", "USDC")
	if sellerQuote.Available.Cmp(big.NewInt(9975)) != 0 {
		t.Errorf("seller USDC available = %s, want 9975 (100*100 minus 25 fee)", sellerQuote.Available)
	}

	phantomBase, _ := store.GetBalance(context.Background(), "", "WETH")
	if phantomBase.Available.Sign() != 0 || phantomBase.Locked.Sign() != 0 {
		t.Errorf("phantom empty-string user has a balance row: %+v, want none written", phantomBase)
	}

	if len(store.trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(store.trades))
	}
	for _, tr := range store.trades {
		if tr.SellerID != "seller" {
			t.Fatalf("trade sellerID = %q, want %q", tr.SellerID, "seller")
		}
	}
}

func TestRunMatchPartialFillLeavesOrderPartialAndRefillsBook(t *testing.T) {
	eng, store, book, _, _ := newTestEngine()
	pair, base, quote := baseFixtures()
	store.pairs[pair.ID] = pair
	store.tokens[base.Symbol] = base
	store.tokens[quote.Symbol] = quote

	maker := restingOrder("maker-1", "seller", pair.ID, domain.SideSell, domain.OrderLimit, big.NewInt(100), big.NewInt(40), domain.OrderOpen)
	store.orders[maker.ID] = maker
	store.balances[balKey("seller", "WETH")] = &domain.UserBalance{UserID: "seller", Token: "WETH", Available: big.NewInt(0), Locked: big.NewInt(40)}

	taker := restingOrder("taker-1", "buyer", pair.ID, domain.SideBuy, domain.OrderLimit, big.NewInt(100), big.NewInt(100), domain.OrderPendingMatch)
	store.orders[taker.ID] = taker
	store.balances[balKey("buyer", "USDC")] = &domain.UserBalance{UserID: "buyer", Token: "USDC", Available: big.NewInt(0), Locked: big.NewInt(10000)}

	if err := eng.runMatch(context.Background(), taker.ID); err != nil {
		t.Fatalf("runMatch() error = %v", err)
	}

	gotTaker, _ := store.GetOrder(context.Background(), taker.ID)
	if gotTaker.Status != domain.OrderPartial || gotTaker.FilledQuantity.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("taker = %+v, want PARTIAL/40", gotTaker)
	}
	gotMaker, _ := store.GetOrder(context.Background(), maker.ID)
	if gotMaker.Status != domain.OrderFilled {
		t.Fatalf("maker status = %s, want FILLED", gotMaker.Status)
	}
	bids := book.cached[bookKey(pair.ID, domain.SideBuy)]
	if len(bids) != 1 || bids[0].ID != taker.ID {
		t.Fatalf("cached bids = %+v, want [taker-1] after refill", bids)
	}
}

func TestRunMatchNonCrossingLimitStaysOpen(t *testing.T) {
	eng, store, _, _, _ := newTestEngine()
	pair, base, quote := baseFixtures()
	store.pairs[pair.ID] = pair
	store.tokens[base.Symbol] = base
	store.tokens[quote.Symbol] = quote

	maker := restingOrder("maker-1", "seller", pair.ID, domain.SideSell, domain.OrderLimit, big.NewInt(150), big.NewInt(50), domain.OrderOpen)
	store.orders[maker.ID] = maker

	taker := restingOrder("taker-1", "buyer", pair.ID, domain.SideBuy, domain.OrderLimit, big.NewInt(100), big.NewInt(50), domain.OrderPendingMatch)
	store.orders[taker.ID] = taker

	if err := eng.runMatch(context.Background(), taker.ID); err != nil {
		t.Fatalf("runMatch() error = %v", err)
	}

	gotTaker, _ := store.GetOrder(context.Background(), taker.ID)
	if gotTaker.Status != domain.OrderOpen || gotTaker.FilledQuantity.Sign() != 0 {
		t.Fatalf("taker = %+v, want OPEN/0", gotTaker)
	}
	if len(store.trades) != 0 {
		t.Fatalf("trades = %d, want 0", len(store.trades))
	}
}

func TestRunMatchInactivePairCancelsAndUnlocks(t *testing.T) {
	eng, store, _, _, _ := newTestEngine()
	pair, base, quote := baseFixtures()
	pair.Active = false
	store.pairs[pair.ID] = pair
	store.tokens[base.Symbol] = base
	store.tokens[quote.Symbol] = quote

	order := restingOrder("order-1", "buyer", pair.ID, domain.SideBuy, domain.OrderLimit, big.NewInt(100), big.NewInt(50), domain.OrderOpen)
	store.orders[order.ID] = order
	store.balances[balKey("buyer", "USDC")] = &domain.UserBalance{UserID: "buyer", Token: "USDC", Available: big.NewInt(0), Locked: big.NewInt(5000)}

	rec := newEventRecorder()
	eng.OnEvent(rec.handle)

	if err := eng.runMatch(context.Background(), order.ID); err != nil {
		t.Fatalf("runMatch() error = %v", err)
	}

	got, _ := store.GetOrder(context.Background(), order.ID)
	if got.Status != domain.OrderCancelled {
		t.Fatalf("order status = %s, want CANCELLED", got.Status)
	}
	bal, _ := store.GetBalance(context.Background(), "buyer", "USDC")
	if bal.Locked.Sign() != 0 || bal.Available.Cmp(big.NewInt(5000)) != 0 {
		t.Fatalf("buyer USDC available=%s locked=%s, want 5000/0", bal.Available, bal.Locked)
	}
	rec.expect(t, "order.cancelled")
}

func TestRunMatchMarketBuyPartialFillReleasesRemainderAtAverage(t *testing.T) {
	eng, store, _, _, _ := newTestEngine()
	pair, base, quote := baseFixtures()
	store.pairs[pair.ID] = pair
	store.tokens[base.Symbol] = base
	store.tokens[quote.Symbol] = quote

	maker := restingOrder("maker-1", "seller", pair.ID, domain.SideSell, domain.OrderLimit, big.NewInt(100), big.NewInt(30), domain.OrderOpen)
	store.orders[maker.ID] = maker
	store.balances[balKey("seller", "WETH")] = &domain.UserBalance{UserID: "seller", Token: "WETH", Available: big.NewInt(0), Locked: big.NewInt(30)}

	taker := restingOrder("taker-1", "buyer", pair.ID, domain.SideBuy, domain.OrderMarket, nil, big.NewInt(100), domain.OrderPendingMatch)
	store.orders[taker.ID] = taker
	// Locked at submission against an assumed best-ask of 100 (100 * 100).
	store.balances[balKey("buyer", "USDC")] = &domain.UserBalance{UserID: "buyer", Token: "USDC", Available: big.NewInt(0), Locked: big.NewInt(10000)}

	if err := eng.runMatch(context.Background(), taker.ID); err != nil {
		t.Fatalf("runMatch() error = %v", err)
	}

	gotTaker, _ := store.GetOrder(context.Background(), taker.ID)
	if gotTaker.Status != domain.OrderPartial || gotTaker.FilledQuantity.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("taker = %+v, want PARTIAL/30", gotTaker)
	}

	buyerQuote, _ := store.GetBalance(context.Background(), "buyer", "USDC")
	if buyerQuote.Locked.Sign() != 0 {
		t.Errorf("buyer USDC locked = %s, want 0 (remainder released)", buyerQuote.Locked)
	}
	if buyerQuote.Available.Cmp(big.NewInt(7000)) != 0 {
		t.Errorf("buyer USDC available = %s, want 7000 (remainder 70 * avg 100)", buyerQuote.Available)
	}
	buyerBase, _ := store.GetBalance(context.Background(), "buyer", "WETH")
	if buyerBase.Available.Cmp(big.NewInt(23)) != 0 {
		t.Errorf("buyer WETH available = %s, want 23 (30 - 7 fee)", buyerBase.Available)
	}
}
