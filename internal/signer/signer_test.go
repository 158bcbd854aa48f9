package signer

import (
	"crypto/ecdsa"
	"encoding/hex"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

func testDomain() Domain {
	return Domain{Name: "OmenMarketBackend", Version: "1", ChainID: 23295}
}

func signOrder(t *testing.T, key *testSignerKey, msg OrderMessage, domain Domain) string {
	t.Helper()
	td := BuildOrderTypedData(domain, msg)

	domainSep, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		t.Fatalf("hash domain: %v", err)
	}
	structHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		t.Fatalf("hash struct: %v", err)
	}
	digest := crypto.Keccak256(append(append([]byte{0x19, 0x01}, domainSep...), structHash...))

	sig, err := crypto.Sign(digest, key.priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig)
}

type testSignerKey struct {
	priv    *ecdsa.PrivateKey
	address string
}

func newTestKey(t *testing.T) *testSignerKey {
	t.Helper()
	priv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &testSignerKey{priv: priv, address: crypto.PubkeyToAddress(priv.PublicKey).Hex()}
}

func TestVerifyRoundTrip(t *testing.T) {
	key := newTestKey(t)
	domain := testDomain()
	msg := OrderMessage{
		MarketID:  "mkt-1",
		Side:      "BUY",
		OrderKind: "LIMIT",
		Quantity:  "4000000000000000000",
		Price:     "2000000000000000000",
		Nonce:     "n-1",
		Expiry:    time.Now().Add(time.Hour).Unix(),
	}
	sigHex := signOrder(t, key, msg, domain)

	td := BuildOrderTypedData(domain, msg)
	err := Verify(td, sigHex, key.address, msg.Expiry, time.Now())
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
}

func TestVerifyExpired(t *testing.T) {
	key := newTestKey(t)
	domain := testDomain()
	msg := OrderMessage{MarketID: "mkt-1", Side: "BUY", OrderKind: "LIMIT", Quantity: "1", Price: "1", Nonce: "n-2", Expiry: time.Now().Add(-time.Hour).Unix()}
	sigHex := signOrder(t, key, msg, domain)

	td := BuildOrderTypedData(domain, msg)
	err := Verify(td, sigHex, key.address, msg.Expiry, time.Now())
	if err == nil {
		t.Fatal("Verify() expected error for expired message")
	}
}

func TestVerifyWrongSigner(t *testing.T) {
	key := newTestKey(t)
	other := newTestKey(t)
	domain := testDomain()
	msg := OrderMessage{MarketID: "mkt-1", Side: "SELL", OrderKind: "MARKET", Quantity: "1", Price: "", Nonce: "n-3", Expiry: time.Now().Add(time.Hour).Unix()}
	sigHex := signOrder(t, key, msg, domain)

	td := BuildOrderTypedData(domain, msg)
	err := Verify(td, sigHex, other.address, msg.Expiry, time.Now())
	if err == nil {
		t.Fatal("Verify() expected error for mismatched signer")
	}
}
