package api

import (
	"math/big"
	"testing"
	"time"

	"github.com/omenbackend/omen-market-backend/internal/domain"
)

func order(price, quantity, filled int64) *domain.Order {
	return &domain.Order{
		ID: "o1", Price: big.NewInt(price), Quantity: big.NewInt(quantity),
		FilledQuantity: big.NewInt(filled),
	}
}

func TestAggregateLevelsMergesOrdersAtSamePrice(t *testing.T) {
	orders := []*domain.Order{
		order(100, 10, 0),
		order(100, 5, 2), // remaining 3
		order(101, 20, 0),
	}

	levels := aggregateLevels(orders)
	if len(levels) != 2 {
		t.Fatalf("len(levels) = %d, want 2", len(levels))
	}
	if levels[0].Price != "100" || levels[0].Quantity != "13" || levels[0].OrderCount != 2 {
		t.Fatalf("levels[0] = %+v, want price 100 qty 13 count 2", levels[0])
	}
	if levels[1].Price != "101" || levels[1].Quantity != "20" || levels[1].OrderCount != 1 {
		t.Fatalf("levels[1] = %+v, want price 101 qty 20 count 1", levels[1])
	}
}

func TestAggregateLevelsSkipsMarketOrders(t *testing.T) {
	marketOrder := &domain.Order{ID: "o2", Quantity: big.NewInt(5), FilledQuantity: big.NewInt(0)}
	levels := aggregateLevels([]*domain.Order{marketOrder})
	if len(levels) != 0 {
		t.Fatalf("len(levels) = %d, want 0 for a priceless (MARKET) order", len(levels))
	}
}

func TestMarshalOrderOmitsNilPriceAndAverageFillPrice(t *testing.T) {
	o := &domain.Order{
		ID: "o1", UserID: "u1", PairID: "p1", Side: domain.SideBuy, Kind: domain.OrderMarket,
		Status: domain.OrderOpen, Quantity: big.NewInt(10), FilledQuantity: big.NewInt(0),
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	resp := marshalOrder(o)
	if resp.Price != nil {
		t.Fatalf("Price = %v, want nil for a MARKET order", resp.Price)
	}
	if resp.Quantity != "10" {
		t.Fatalf("Quantity = %q, want %q", resp.Quantity, "10")
	}
}
