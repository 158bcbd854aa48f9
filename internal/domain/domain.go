// Package domain holds the typed row-backed structs for every aggregate in
// the trading venue: markets, tokens, pairs, orders, trades, balances,
// compliance, processed events, swaps, and approval audit rows.
//
// These are the row<->struct mapping target for internal/storage/relational;
// unlike a dynamically-typed source, every numeric field that can exceed
// 64 bits is a *big.Int so callers never round-trip through float64.
package domain

import (
	"math/big"
	"time"
)

// AssetCategory enumerates the real-world asset classes a Market can represent.
type AssetCategory string

const (
	AssetRealEstate    AssetCategory = "real_estate"
	AssetCorporateBond AssetCategory = "corporate_stock"
	AssetGovernment    AssetCategory = "government_bond"
	AssetCommodity     AssetCategory = "commodity"
	AssetPrivateEquity AssetCategory = "private_equity"
	AssetArt           AssetCategory = "art_collectible"
	AssetCarbonCredit  AssetCategory = "carbon_credit"
	AssetOther         AssetCategory = "other"
)

// MarketStatus is the state of a Market in its lifecycle.
type MarketStatus string

const (
	MarketDraft            MarketStatus = "draft"
	MarketPendingApproval  MarketStatus = "pending_approval"
	MarketApproved         MarketStatus = "approved"
	MarketRejected         MarketStatus = "rejected"
	MarketActivating       MarketStatus = "activating"
	MarketActive           MarketStatus = "active"
	MarketPaused           MarketStatus = "paused"
	MarketArchived         MarketStatus = "archived"
)

// Market is a registered real-world asset listing working its way toward a
// live trading pair.
type Market struct {
	ID                string
	Name              string
	OwnerID           string
	IssuerID          *string
	AssetCategory     AssetCategory
	Status            MarketStatus
	TokenSymbol       string
	TokenName         string
	TotalSupply       *big.Int
	ContractAddress   *string
	DeployTxHash      *string
	ApprovedBy        *string
	ApprovedAt        *time.Time
	Metadata          map[string]any
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// MarketAsset carries the issuer-supplied valuation/compliance detail for a Market.
type MarketAsset struct {
	MarketID           string
	Valuation          *big.Int
	Currency           string
	Description        string
	ComplianceDocIDs   []string
	RegulatoryInfo     map[string]any
	Attributes         map[string]any
}

// TokenType distinguishes RWA tokens from the platform's crypto and stable tokens.
type TokenType string

const (
	TokenRWA    TokenType = "RWA"
	TokenCrypto TokenType = "CRYPTO"
	TokenStable TokenType = "STABLE"
)

// Token is a fungible asset tradable on the venue.
type Token struct {
	Symbol          string
	Name            string
	Type            TokenType
	ContractAddress *string
	Chain           string
	Decimals        uint8
	TotalSupply     *big.Int // nil when unknown/unbounded
	Active          bool
}

// TradingPair links a base token (generally RWA) against the canonical quote token.
type TradingPair struct {
	ID                string
	BaseSymbol        string
	QuoteSymbol       string
	MarketID          *string
	Symbol            string
	Active            bool
	MinOrderSize      *big.Int
	MaxOrderSize      *big.Int
	PricePrecision    int32
	QuantityPrecision int32
}

// OrderSide is BUY or SELL.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderKind is the order type: market, limit, or stop-limit.
type OrderKind string

const (
	OrderMarket     OrderKind = "MARKET"
	OrderLimit      OrderKind = "LIMIT"
	OrderStopLimit  OrderKind = "STOP_LIMIT"
)

// OrderStatus tracks an order through the matching pipeline.
type OrderStatus string

const (
	OrderPendingMatch OrderStatus = "PENDING_MATCH"
	OrderOpen         OrderStatus = "OPEN"
	OrderPartial      OrderStatus = "PARTIAL"
	OrderFilled       OrderStatus = "FILLED"
	OrderCancelled    OrderStatus = "CANCELLED"
	OrderRejected     OrderStatus = "REJECTED"
)

// TimeInForce controls how an order interacts with the book once it cannot
// cross immediately.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
	TIFFOK TimeInForce = "FOK"
)

// Order is a single user intent to trade, carrying its own fill bookkeeping.
type Order struct {
	SeqID            int64
	ID               string
	UserID           string
	PairID           string
	Side             OrderSide
	Kind             OrderKind
	Status           OrderStatus
	Price            *big.Int // nil iff Kind == MARKET
	Quantity         *big.Int
	FilledQuantity   *big.Int
	AverageFillPrice *big.Int
	TimeInForce      TimeInForce
	Metadata         map[string]any
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Remaining returns Quantity - FilledQuantity.
func (o *Order) Remaining() *big.Int {
	return new(big.Int).Sub(o.Quantity, o.FilledQuantity)
}

// SettlementStatus tracks a Trade's on-chain settlement.
type SettlementStatus string

const (
	SettlementPending SettlementStatus = "PENDING"
	SettlementSettled SettlementStatus = "SETTLED"
	SettlementFailed  SettlementStatus = "FAILED"
)

// Trade is an immutable (except for settlement fields) execution record.
type Trade struct {
	SeqID             int64
	ID                string
	PairID            string
	BuyOrderID        string
	SellOrderID       string
	BuyerID           string
	SellerID          string
	Price             *big.Int
	Quantity          *big.Int
	BuyerFee          *big.Int
	SellerFee         *big.Int
	SettlementStatus  SettlementStatus
	ChainTxHash       *string
	ExecutedAt        time.Time
	SettledAt         *time.Time
}

// UserBalance is the per-(user,token) available/locked ledger row.
type UserBalance struct {
	UserID    string
	Token     string
	Available *big.Int
	Locked    *big.Int
}

// KYCStatus enumerates compliance decisions.
type KYCStatus string

const (
	KYCPending  KYCStatus = "PENDING"
	KYCApproved KYCStatus = "APPROVED"
	KYCRejected KYCStatus = "REJECTED"
)

// ComplianceRecord captures the KYC/whitelist state gating RWA operations.
type ComplianceRecord struct {
	UserID               string
	Token                *string // nil => applies to user generally
	KYCStatus            KYCStatus
	KYCLevel             int
	AccreditationStatus  string
	Whitelisted          bool
	Jurisdiction         string
	Expiry               *time.Time
}

// Eligible reports whether the record satisfies RWA-operation invariant.
func (c *ComplianceRecord) Eligible(now time.Time) bool {
	if c.KYCStatus != KYCApproved || !c.Whitelisted {
		return false
	}
	return c.Expiry == nil || now.Before(*c.Expiry)
}

// EventProcessingStatus records the outcome the Processed-Event Ledger
// recorded for an external event.
type EventProcessingStatus string

const (
	EventSuccess EventProcessingStatus = "success"
	EventFailed  EventProcessingStatus = "failed"
	EventSkipped EventProcessingStatus = "skipped"
)

// ProcessedEvent is the audit/idempotency row for one external event_id.
type ProcessedEvent struct {
	EventID          string
	EventType        string
	Source           string
	Payload          map[string]any
	Context          map[string]any
	ProcessedAt      time.Time
	ProcessingStatus EventProcessingStatus
	ProcessingError  *string
}

// SwapStatus tracks a cross-chain swap job.
type SwapStatus string

const (
	SwapPending    SwapStatus = "PENDING"
	SwapQueued     SwapStatus = "QUEUED"
	SwapProcessing SwapStatus = "PROCESSING"
	SwapCompleted  SwapStatus = "COMPLETED"
	SwapFailed     SwapStatus = "FAILED"
	SwapCancelled  SwapStatus = "CANCELLED"
)

// SwapRecord is a single cross-chain swap/wrap request.
type SwapRecord struct {
	ID                    string
	UserID                string
	SourceToken           string
	TargetToken           string
	SourceChain           string
	TargetChain           string
	SourceAmount          *big.Int
	ExpectedTargetAmount  *big.Int
	DestinationAddress    string
	BridgeContract        string
	Status                SwapStatus
	BridgeSwapID          *string
	SourceTxHash          *string
	TargetTxHash          *string
	FailureReason         *string
	CreatedAt             time.Time
	UpdatedAt             time.Time
	CompletedAt           *time.Time
}

// MarketApprovalEvent is an append-only audit row for a lifecycle transition.
type MarketApprovalEvent struct {
	ID        string
	MarketID  string
	FromState MarketStatus
	ToState   MarketStatus
	ActorID   string
	Decision  string
	Reason    string
	CreatedAt time.Time
}
