package relational

import (
	"math/big"
	"testing"
)

func TestNumericBigIntRoundTrip(t *testing.T) {
	cases := []string{
		"0",
		"1",
		"-1",
		"10000000000000000000", // 10 * 10^18
		"115792089237316195423570985008687907853269984665640564039457584007913129639935", // 2^256-1
	}
	for _, c := range cases {
		v, ok := new(big.Int).SetString(c, 10)
		if !ok {
			t.Fatalf("bad test fixture %q", c)
		}
		got := bigInt(numeric(v))
		if got.Cmp(v) != 0 {
			t.Errorf("roundtrip %s: got %s", c, got.String())
		}
	}
}

func TestNumericNil(t *testing.T) {
	n := numeric(nil)
	if n.Valid {
		t.Error("numeric(nil) should be invalid")
	}
	if bigInt(n) != nil {
		t.Error("bigInt of invalid numeric should be nil")
	}
}
