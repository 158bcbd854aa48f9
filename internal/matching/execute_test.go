package matching

import (
	"context"
	"math/big"
	"testing"

	"github.com/omenbackend/omen-market-backend/internal/domain"
)

func TestFeeOf(t *testing.T) {
	if got := feeOf(big.NewInt(10000)); got.Cmp(big.NewInt(25)) != 0 {
		t.Errorf("feeOf(10000) = %s, want 25", got)
	}
	if got := feeOf(big.NewInt(3000)); got.Cmp(big.NewInt(7)) != 0 {
		t.Errorf("feeOf(3000) = %s, want 7 (truncated)", got)
	}
}

func TestExecuteSettlesBothLegsAndFees(t *testing.T) {
	eng, store, _, _, _ := newTestEngine()
	pair, base, quote := baseFixtures()
	store.pairs[pair.ID] = pair
	store.tokens[base.Symbol] = base
	store.tokens[quote.Symbol] = quote

	buyOrder := restingOrder("buy-1", "buyer", pair.ID, domain.SideBuy, domain.OrderLimit, big.NewInt(100), big.NewInt(100), domain.OrderOpen)
	sellOrder := restingOrder("sell-1", "seller", pair.ID, domain.SideSell, domain.OrderLimit, big.NewInt(100), big.NewInt(100), domain.OrderOpen)
	store.orders[buyOrder.ID] = buyOrder
	store.orders[sellOrder.ID] = sellOrder
	store.balances[balKey("buyer", "USDC")] = &domain.UserBalance{UserID: "buyer", Token: "USDC", Available: big.NewInt(0), Locked: big.NewInt(10000)}
	store.balances[balKey("seller", "WETH")] = &domain.UserBalance{UserID: "seller", Token: "WETH", Available: big.NewInt(0), Locked: big.NewInt(100)}

	trade, err := eng.execute(context.Background(), pair, buyOrder, sellOrder, big.NewInt(100), big.NewInt(100))
	if err != nil {
		t.Fatalf("execute() error = %v", err)
	}
	if trade.Price.Cmp(big.NewInt(100)) != 0 || trade.Quantity.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("trade = %+v, want price/qty 100/100", trade)
	}
	if trade.BuyerFee.Cmp(big.NewInt(25)) != 0 || trade.SellerFee.Cmp(big.NewInt(25)) != 0 {
		t.Fatalf("trade fees = %s/%s, want 25/25", trade.BuyerFee, trade.SellerFee)
	}

	gotBuy, _ := store.GetOrder(context.Background(), buyOrder.ID)
	gotSell, _ := store.GetOrder(context.Background(), sellOrder.ID)
	if gotBuy.Status != domain.OrderFilled || gotSell.Status != domain.OrderFilled {
		t.Fatalf("buy=%s sell=%s, want both FILLED", gotBuy.Status, gotSell.Status)
	}

	buyerBase, _ := store.GetBalance(context.Background(), "buyer", "WETH")
	if buyerBase.Available.Cmp(big.NewInt(75)) != 0 {
		t.Errorf("buyer WETH available = %s, want 75", buyerBase.Available)
	}
	buyerQuote, _ := store.GetBalance(context.Background(), "buyer", "USDC")
	if buyerQuote.Locked.Sign() != 0 {
		t.Errorf("buyer USDC locked = %s, want 0", buyerQuote.Locked)
	}
	sellerBase, _ := store.GetBalance(context.Background(), "seller", "WETH")
	if sellerBase.Locked.Sign() != 0 {
		t.Errorf("seller WETH locked = %s, want 0", sellerBase.Locked)
	}
	sellerQuote, _ := store.GetBalance(context.Background(), "seller", "USDC")
	if sellerQuote.Available.Cmp(big.NewInt(9975)) != 0 {
		t.Errorf("seller USDC available = %s, want 9975", sellerQuote.Available)
	}
}

func TestApplyFillWeightedAveragePrice(t *testing.T) {
	eng, store, _, _, _ := newTestEngine()
	order := restingOrder("o-1", "buyer", "pair-1", domain.SideBuy, domain.OrderLimit, big.NewInt(90), big.NewInt(100), domain.OrderPartial)
	order.FilledQuantity = big.NewInt(40)
	order.AverageFillPrice = big.NewInt(90)
	store.orders[order.ID] = order

	if err := eng.applyFill(context.Background(), fakeTx{}, order, big.NewInt(60), big.NewInt(100)); err != nil {
		t.Fatalf("applyFill() error = %v", err)
	}

	got, _ := store.GetOrder(context.Background(), order.ID)
	if got.AverageFillPrice.Cmp(big.NewInt(96)) != 0 {
		t.Errorf("average fill price = %s, want 96", got.AverageFillPrice)
	}
	if got.Status != domain.OrderFilled {
		t.Errorf("status = %s, want FILLED", got.Status)
	}
}
