// Package config provides centralized configuration for the Omen market
// backend. Static domain tables (fee schedules, queue names, precisions)
// live here as Go constants; everything that varies per-deployment is loaded
// into Runtime from the environment via viper, with an optional
// local .env file picked up through godotenv for development.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// =============================================================================
// Static domain tables
// =============================================================================

// Queue names the Job Fabric dispatches work through.
const (
	QueueMatching        = "matching"
	QueueSettlement      = "settlement"
	QueueReconciliation  = "reconciliation"
	QueueCompliance      = "compliance"
	QueueDeployment      = "deployment"
	QueueSwap            = "swap"
	QueueNotifications   = "notifications"
	QueueBlockchainSync  = "blockchain-sync"
)

// Per-queue worker concurrency caps.
var QueueConcurrency = map[string]int{
	QueueMatching:       10,
	QueueSettlement:     3,
	QueueReconciliation: 1,
	QueueCompliance:     3,
	QueueDeployment:     2,
	QueueSwap:           5,
	QueueBlockchainSync: 2,
	QueueNotifications:  10,
}

// Fee schedule in basis points.
const (
	TradeFeeBPS    = 25 // 0.25% taker/maker fee on trade value
	SwapPlatformBPS = 25 // 0.25%
	SwapBridgeBPS   = 15 // 0.15%
	SwapNetworkFeeFlat = 1000 // fixed, smallest unit
)

// TradingPair precision used for newly deployed RWA/stable pairs.
const (
	DeployedPairPricePrecision = 6
)

// Job fabric defaults.
const (
	DefaultStallTimeout   = 30 * time.Second
	DefaultMaxStallRetry  = 3
	MatchingRematchFanout = 10
	MatchingRematchDelay  = 100 * time.Millisecond
)

// Nonce ledger / auth cache TTLs.
const (
	NonceTTL    = 3600 * time.Second
	AuthCacheTTL = 5 * time.Minute
)

// Reconciliation cadence.
const ReconciliationInterval = 15 * time.Minute

// Settlement / deployment retry policy.
const (
	SettlementMaxAttempts  = 5
	DeploymentMaxAttempts  = 5
	DeploymentBackoffBase  = 2 * time.Second
	ChainRPCMaxAttempts    = 5
	ChainRPCBackoffBase    = 500 * time.Millisecond
)

// =============================================================================
// Runtime configuration
// =============================================================================

// Runtime holds every environment-derived configuration value.
type Runtime struct {
	Port     string
	LogLevel string

	DatabaseURL      string
	DatabasePoolMin  int
	DatabasePoolMax  int
	DatabaseSSL      bool

	RedisURL      string
	RedisPassword string
	RedisTLS      bool

	EntityPermissionsBaseURL   string
	EntityPermissionsAPIKey    string
	EntityPermissionsTimeoutMS int

	SapphireRPCURL               string
	SapphireChainID               int64
	SapphireMaxFeeCeiling         string
	SapphireRateLimitPerMinute    int
	SapphireFactoryAddress        string
	SapphireSettlementAddress     string

	OasisWalletMnemonic          string
	ConfidentialSignerPrivateKey string

	TransactionQueueName string
	DLQQueueName         string
	MaxRetryAttempts     int
	RetryBackoffMS       int
	WorkerConcurrency    int

	AdminAPIKey         string
	AdminJWTPublicKey   string

	RateLimitWindowMS  int
	RateLimitMaxReqs   int

	EnableWebsockets bool
}

// Load reads a .env file (if present) then binds environment variables into a
// Runtime. Required-one-of pairs (OASIS_WALLET_MNEMONIC xor
// CONFIDENTIAL_SIGNER_PRIVATE_KEY, ADMIN_API_KEY xor ADMIN_JWT_PUBLIC_KEY)
// are validated here so misconfiguration is caught at boot.
func Load() (*Runtime, error) {
	_ = godotenv.Load() // optional; ignore absence in production

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATABASE_POOL_MIN", 2)
	v.SetDefault("DATABASE_POOL_MAX", 10)
	v.SetDefault("DATABASE_SSL", false)
	v.SetDefault("ENTITY_PERMISSIONS_TIMEOUT_MS", 5000)
	v.SetDefault("SAPPHIRE_RATE_LIMIT_PER_MINUTE", 120)
	v.SetDefault("MAX_RETRY_ATTEMPTS", 5)
	v.SetDefault("RETRY_BACKOFF_MS", 2000)
	v.SetDefault("WORKER_CONCURRENCY", 5)
	v.SetDefault("RATE_LIMIT_WINDOW_MS", 60000)
	v.SetDefault("RATE_LIMIT_MAX_REQUESTS", 120)
	v.SetDefault("ENABLE_WEBSOCKETS", false)
	v.SetDefault("TRANSACTION_QUEUE_NAME", "transactions")
	v.SetDefault("DLQ_QUEUE_NAME", "transactions-dlq")

	rt := &Runtime{
		Port:     v.GetString("PORT"),
		LogLevel: v.GetString("LOG_LEVEL"),

		DatabaseURL:     v.GetString("DATABASE_URL"),
		DatabasePoolMin: v.GetInt("DATABASE_POOL_MIN"),
		DatabasePoolMax: v.GetInt("DATABASE_POOL_MAX"),
		DatabaseSSL:     v.GetBool("DATABASE_SSL"),

		RedisURL:      v.GetString("REDIS_URL"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisTLS:      v.GetBool("REDIS_TLS"),

		EntityPermissionsBaseURL:   v.GetString("ENTITY_PERMISSIONS_BASE_URL"),
		EntityPermissionsAPIKey:    v.GetString("ENTITY_PERMISSIONS_API_KEY"),
		EntityPermissionsTimeoutMS: v.GetInt("ENTITY_PERMISSIONS_TIMEOUT_MS"),

		SapphireRPCURL:             v.GetString("SAPPHIRE_RPC_URL"),
		SapphireChainID:            v.GetInt64("SAPPHIRE_CHAIN_ID"),
		SapphireMaxFeeCeiling:      v.GetString("SAPPHIRE_MAX_FEE_CEILING"),
		SapphireRateLimitPerMinute: v.GetInt("SAPPHIRE_RATE_LIMIT_PER_MINUTE"),
		SapphireFactoryAddress:     v.GetString("SAPPHIRE_FACTORY_ADDRESS"),
		SapphireSettlementAddress:  v.GetString("SAPPHIRE_SETTLEMENT_ADDRESS"),

		OasisWalletMnemonic:          v.GetString("OASIS_WALLET_MNEMONIC"),
		ConfidentialSignerPrivateKey: v.GetString("CONFIDENTIAL_SIGNER_PRIVATE_KEY"),

		TransactionQueueName: v.GetString("TRANSACTION_QUEUE_NAME"),
		DLQQueueName:         v.GetString("DLQ_QUEUE_NAME"),
		MaxRetryAttempts:     v.GetInt("MAX_RETRY_ATTEMPTS"),
		RetryBackoffMS:       v.GetInt("RETRY_BACKOFF_MS"),
		WorkerConcurrency:    v.GetInt("WORKER_CONCURRENCY"),

		AdminAPIKey:       v.GetString("ADMIN_API_KEY"),
		AdminJWTPublicKey: v.GetString("ADMIN_JWT_PUBLIC_KEY"),

		RateLimitWindowMS: v.GetInt("RATE_LIMIT_WINDOW_MS"),
		RateLimitMaxReqs:  v.GetInt("RATE_LIMIT_MAX_REQUESTS"),

		EnableWebsockets: v.GetBool("ENABLE_WEBSOCKETS"),
	}

	if err := rt.validate(); err != nil {
		return nil, err
	}
	return rt, nil
}

func (r *Runtime) validate() error {
	if r.OasisWalletMnemonic == "" && r.ConfidentialSignerPrivateKey == "" {
		return fmt.Errorf("config: one of OASIS_WALLET_MNEMONIC or CONFIDENTIAL_SIGNER_PRIVATE_KEY is required")
	}
	if r.OasisWalletMnemonic != "" && r.ConfidentialSignerPrivateKey != "" {
		return fmt.Errorf("config: only one of OASIS_WALLET_MNEMONIC or CONFIDENTIAL_SIGNER_PRIVATE_KEY may be set")
	}
	if r.AdminAPIKey == "" && r.AdminJWTPublicKey == "" {
		return fmt.Errorf("config: one of ADMIN_API_KEY or ADMIN_JWT_PUBLIC_KEY is required")
	}
	if r.AdminAPIKey != "" && r.AdminJWTPublicKey != "" {
		return fmt.Errorf("config: only one of ADMIN_API_KEY or ADMIN_JWT_PUBLIC_KEY may be set")
	}
	if r.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	return nil
}
