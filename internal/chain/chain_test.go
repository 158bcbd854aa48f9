package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/omenbackend/omen-market-backend/internal/signer"
)

func testSigner(t *testing.T) *signer.ConfidentialSigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("crypto.GenerateKey() error = %v", err)
	}
	sg, err := signer.FromPrivateKeyHex(common.Bytes2Hex(crypto.FromECDSA(key)))
	if err != nil {
		t.Fatalf("signer.FromPrivateKeyHex() error = %v", err)
	}
	return sg
}

func TestSignTransactionRecoversSignerAddress(t *testing.T) {
	sg := testSigner(t)
	chainID := big.NewInt(23294) // Sapphire mainnet chain ID

	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	data, err := erc20ABI.Pack("balanceOf", to)
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}

	tx, err := signTransaction(chainID, sg, 7, to, 60000, big.NewInt(1_000_000_000), data)
	if err != nil {
		t.Fatalf("signTransaction() error = %v", err)
	}

	txSigner := types.NewEIP155Signer(chainID)
	from, err := types.Sender(txSigner, tx)
	if err != nil {
		t.Fatalf("types.Sender() error = %v", err)
	}
	if from != sg.Address() {
		t.Fatalf("recovered sender = %s, want %s", from, sg.Address())
	}
	if tx.Nonce() != 7 {
		t.Fatalf("nonce = %d, want 7", tx.Nonce())
	}
}

func TestERC20ABIPackUnpackRoundTrip(t *testing.T) {
	want := big.NewInt(123_456_789)
	out, err := erc20ABI.Pack("totalSupply")
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	if len(out) != 4 {
		t.Fatalf("packed selector length = %d, want 4", len(out))
	}

	packedReturn, err := erc20ABI.Methods["totalSupply"].Outputs.Pack(want)
	if err != nil {
		t.Fatalf("pack return value: %v", err)
	}
	got, err := unpackUint256(erc20ABI, "totalSupply", packedReturn)
	if err != nil {
		t.Fatalf("unpackUint256() error = %v", err)
	}
	if got.Cmp(want) != 0 {
		t.Fatalf("unpacked = %s, want %s", got, want)
	}
}

func TestFactoryABIPackDeployRWAToken(t *testing.T) {
	data, err := factoryABI.Pack("deployRWAToken", "RWA1", "Test RWA", big.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	if len(data) < 4 {
		t.Fatal("packed call data too short to contain a selector")
	}
}

func TestIDToBytes32TruncatesLongIDs(t *testing.T) {
	id := "12345678-1234-1234-1234-1234567890ab-extra-bytes-that-overflow-32"
	out := idToBytes32(id)
	if string(out[:]) != id[:32] {
		t.Fatalf("truncated bytes32 = %q, want prefix %q", out[:], id[:32])
	}
}

func TestDeployedContractFromReceiptUsesFirstLog(t *testing.T) {
	addr := common.HexToAddress("0x2222222222222222222222222222222222222222")
	receipt := &types.Receipt{Logs: []*types.Log{{Address: addr}}}
	got := deployedContractFromReceipt(receipt)
	if got != addr.Hex() {
		t.Fatalf("got = %s, want %s", got, addr.Hex())
	}
}

func TestDeployedContractFromReceiptEmptyWhenNoLogs(t *testing.T) {
	receipt := &types.Receipt{}
	if got := deployedContractFromReceipt(receipt); got != "" {
		t.Fatalf("got = %q, want empty", got)
	}
}
