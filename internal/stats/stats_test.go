package stats

import (
	"context"
	"math/big"
	"testing"
	"time"
)

func TestRecordTradeComputesHighLowVolume(t *testing.T) {
	a := New(nil)
	ctx := context.Background()
	base := time.Now()

	a.RecordTrade(ctx, "RWA1-USDC", big.NewInt(100), big.NewInt(10), 6, 2, 2, base)
	a.RecordTrade(ctx, "RWA1-USDC", big.NewInt(120), big.NewInt(5), 6, 2, 2, base.Add(time.Minute))
	snap := a.RecordTrade(ctx, "RWA1-USDC", big.NewInt(90), big.NewInt(20), 6, 2, 2, base.Add(2*time.Minute))

	if snap.Last.Cmp(big.NewInt(90)) != 0 {
		t.Fatalf("Last = %s, want 90", snap.Last)
	}
	if snap.High.Cmp(big.NewInt(120)) != 0 {
		t.Fatalf("High = %s, want 120", snap.High)
	}
	if snap.Low.Cmp(big.NewInt(90)) != 0 {
		t.Fatalf("Low = %s, want 90", snap.Low)
	}
	wantVolume := big.NewInt(35) // 10 + 5 + 20
	if snap.VolumeBase.Cmp(wantVolume) != 0 {
		t.Fatalf("VolumeBase = %s, want %s", snap.VolumeBase, wantVolume)
	}
	if snap.TradeCount != 3 {
		t.Fatalf("TradeCount = %d, want 3", snap.TradeCount)
	}
}

func TestRecordTradeEvictsTicksOlderThan24h(t *testing.T) {
	a := New(nil)
	ctx := context.Background()
	base := time.Now()

	a.RecordTrade(ctx, "RWA1-USDC", big.NewInt(100), big.NewInt(1), 6, 2, 2, base.Add(-25*time.Hour))
	snap := a.RecordTrade(ctx, "RWA1-USDC", big.NewInt(200), big.NewInt(1), 6, 2, 2, base)

	if snap.TradeCount != 1 {
		t.Fatalf("TradeCount = %d, want 1 (stale tick evicted)", snap.TradeCount)
	}
	if snap.Low.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("Low = %s, want 200 (stale tick's 100 should not count)", snap.Low)
	}
}

func TestGetReturnsFalseForUnknownPair(t *testing.T) {
	a := New(nil)
	if _, ok := a.Get("NOPE-USDC", 2, 2, time.Now()); ok {
		t.Fatal("Get() ok = true, want false for pair with no trades")
	}
}

func TestGetEvictsStaleWindowOnRead(t *testing.T) {
	a := New(nil)
	ctx := context.Background()
	base := time.Now()

	a.RecordTrade(ctx, "RWA1-USDC", big.NewInt(100), big.NewInt(1), 6, 2, 2, base)

	snap, ok := a.Get("RWA1-USDC", 2, 2, base.Add(25*time.Hour))
	if ok {
		t.Fatalf("Get() = %+v, ok = true, want false once the only tick has aged out", snap)
	}
}

func TestDisplayDecimalRoundsToPrecision(t *testing.T) {
	got := displayDecimal(big.NewInt(123456), 2)
	if got != "1234.56" {
		t.Fatalf("displayDecimal() = %q, want %q", got, "1234.56")
	}
}

func TestQuoteAmountMatchesMatchingEngineFormula(t *testing.T) {
	// qty=10, price=150, base_decimals=6 -> 10*150/1_000_000
	got := quoteAmount(big.NewInt(150), big.NewInt(10), 6)
	want := new(big.Int).Quo(big.NewInt(1500), big.NewInt(1_000_000))
	if got.Cmp(want) != 0 {
		t.Fatalf("quoteAmount() = %s, want %s", got, want)
	}
}
