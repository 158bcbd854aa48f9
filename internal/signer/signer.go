// Package signer verifies EIP-712 typed-data signatures on the write path
// and holds the confidential-signer key material used to send
// transactions to the Sapphire chain adapter. Uses go-ethereum's own
// EIP-712 implementation rather than manual Keccak/compact-signature
// plumbing, since correctness of the domain-separator/struct-hash encoding
// matters more here than avoiding the larger dependency.
package signer

import (
	"crypto/ecdsa"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/tyler-smith/go-bip39"

	"github.com/omenbackend/omen-market-backend/internal/apperr"
)

// Schema names the typed-data shape being verified.
type Schema string

const (
	SchemaOrder      Schema = "Order"
	SchemaDeposit    Schema = "Deposit"
	SchemaWithdrawal Schema = "Withdrawal"
)

// Domain is the EIP-712 domain separator input.
type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract string // optional; empty omits the field
}

var orderTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
	},
	"Order": {
		{Name: "marketId", Type: "string"},
		{Name: "side", Type: "string"},
		{Name: "orderKind", Type: "string"},
		{Name: "quantity", Type: "string"},
		{Name: "price", Type: "string"},
		{Name: "nonce", Type: "string"},
		{Name: "expiry", Type: "uint256"},
	},
}

// OrderMessage is the signed payload for a trading-pair order.
type OrderMessage struct {
	MarketID  string
	Side      string
	OrderKind string
	Quantity  string
	Price     string
	Nonce     string
	Expiry    int64
}

func domainMap(d Domain) apitypes.TypedDataDomain {
	td := apitypes.TypedDataDomain{
		Name:    d.Name,
		Version: d.Version,
		ChainId: math.NewHexOrDecimal256(d.ChainID),
	}
	if d.VerifyingContract != "" {
		td.VerifyingContract = d.VerifyingContract
	}
	return td
}

// BuildOrderTypedData assembles the EIP-712 TypedData value a client must
// sign for a trading order, matching the type string in  exactly:
// Order(string marketId, string side, string orderKind, string quantity,
// string price, string nonce, uint256 expiry).
func BuildOrderTypedData(d Domain, msg OrderMessage) apitypes.TypedData {
	types := orderTypes
	if d.VerifyingContract != "" {
		domainFields := append([]apitypes.Type{}, types["EIP712Domain"]...)
		domainFields = append(domainFields, apitypes.Type{Name: "verifyingContract", Type: "address"})
		types = apitypes.Types{"EIP712Domain": domainFields, "Order": types["Order"]}
	}
	return apitypes.TypedData{
		Types:       types,
		PrimaryType: "Order",
		Domain:      domainMap(d),
		Message: apitypes.TypedDataMessage{
			"marketId":  msg.MarketID,
			"side":      msg.Side,
			"orderKind": msg.OrderKind,
			"quantity":  msg.Quantity,
			"price":     msg.Price,
			"nonce":     msg.Nonce,
			"expiry":    fmt.Sprintf("%d", msg.Expiry),
		},
	}
}

// Verify recovers the signer from td + signatureHex and checks it equals
// expectedAddress (case-insensitive), and that expiry has not elapsed.
// Returns apperr-typed failures (signature_expired, invalid_signature) so
// callers can propagate them directly to the HTTP edge.
func Verify(td apitypes.TypedData, signatureHex string, expectedAddress string, expiryUnix int64, now time.Time) error {
	if expiryUnix <= now.Unix() {
		return apperr.New(apperr.KindSignatureExpired, "signed message has expired")
	}

	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidSignature, "hash domain", err)
	}
	structHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidSignature, "hash message", err)
	}

	rawData := append([]byte{0x19, 0x01}, domainSeparator...)
	rawData = append(rawData, structHash...)
	digest := crypto.Keccak256(rawData)

	sig, err := decodeSignature(signatureHex)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidSignature, "decode signature", err)
	}

	pubKey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidSignature, "recover public key", err)
	}
	recovered := crypto.PubkeyToAddress(*pubKey)

	if !strings.EqualFold(recovered.Hex(), expectedAddress) {
		return apperr.New(apperr.KindInvalidSignature, "recovered address does not match sender")
	}
	return nil
}

func decodeSignature(sigHex string) ([]byte, error) {
	sigHex = strings.TrimPrefix(sigHex, "0x")
	sig := common.FromHex("0x" + sigHex)
	if len(sig) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	// go-ethereum's SigToPub expects v in {0,1}; wallets send {27,28}.
	if sig[64] >= 27 {
		sig = append([]byte{}, sig...)
		sig[64] -= 27
	}
	return sig, nil
}

// ConfidentialSigner holds the platform's own signing key, used by
// internal/chain to submit settlement/deployment/swap transactions to the
// Sapphire confidential EVM.
type ConfidentialSigner struct {
	key *ecdsa.PrivateKey
}

// FromMnemonic derives a signing key from a BIP-39 mnemonic. This is a
// deterministic single-account derivation (seed's first 32 bytes as the
// secp256k1 scalar), not a full BIP-32/44 path — sufficient for a single
// platform custody key, not a multi-account wallet.
func FromMnemonic(mnemonic string) (*ConfidentialSigner, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("signer: invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")
	key, err := crypto.ToECDSA(seed[:32])
	if err != nil {
		return nil, fmt.Errorf("signer: derive key from seed: %w", err)
	}
	return &ConfidentialSigner{key: key}, nil
}

// FromPrivateKeyHex loads a signing key directly from a hex-encoded
// secp256k1 private key (CONFIDENTIAL_SIGNER_PRIVATE_KEY).
func FromPrivateKeyHex(hexKey string) (*ConfidentialSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("signer: parse private key: %w", err)
	}
	return &ConfidentialSigner{key: key}, nil
}

// Address returns the signer's EVM address.
func (s *ConfidentialSigner) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

// SignHash produces an Ethereum-format (r||s||v) signature over a 32-byte digest.
func (s *ConfidentialSigner) SignHash(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("signer: digest must be 32 bytes, got %d", len(digest))
	}
	return crypto.Sign(digest, s.key)
}
