// Package entitypermissions is the client for the external entity-permissions
// service: every Market Lifecycle Engine transition calls authorize(principal,
// entity, action) before acting, with the result cached for 5
// minutes keyed by (principal, entity, action, context hash). Grounded on
// 0xtitan6-polymarket-mm's internal/exchange.Client (resty.Client with base
// URL, timeout, and a 5xx retry condition); the rate limiter and dry-run
// switch it also carries don't apply here (this is a single synchronous
// decision call, not an order-placement pipeline) so they're dropped.
package entitypermissions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/omenbackend/omen-market-backend/internal/apperr"
	"github.com/omenbackend/omen-market-backend/internal/config"
	"github.com/omenbackend/omen-market-backend/internal/storage/kv"
	"github.com/omenbackend/omen-market-backend/pkg/logging"
)

const cacheTTL = 5 * time.Minute

// Decision is the external service's answer to an authorize() call.
type Decision struct {
	Allowed bool     `json:"allowed"`
	Reasons []string `json:"reasons"`
}

// Cache is the subset of *kv.Client the client needs.
type Cache interface {
	GetJSON(ctx context.Context, key string, v any) error
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
}

// Client calls the external entity-permissions service and caches decisions.
type Client struct {
	http  *resty.Client
	cache Cache
	log   *logging.Logger
}

func New(rt *config.Runtime, cache Cache) *Client {
	httpClient := resty.New().
		SetBaseURL(rt.EntityPermissionsBaseURL).
		SetTimeout(time.Duration(rt.EntityPermissionsTimeoutMS) * time.Millisecond).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		}).
		SetHeader("Authorization", "Bearer "+rt.EntityPermissionsAPIKey).
		SetHeader("Content-Type", "application/json")

	return &Client{http: httpClient, cache: cache, log: logging.GetDefault().Component("entitypermissions")}
}

func contextHash(context map[string]any) string {
	buf, _ := json.Marshal(context)
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

func cacheKey(principalID, entityID, action, contextHash string) string {
	return fmt.Sprintf("authz:%s:%s:%s:%s", principalID, entityID, action, contextHash)
}

// Authorize checks whether principalID may perform action on entityID,
// consulting the 5-minute TTL cache before calling out.
func (c *Client) Authorize(ctx context.Context, principalID, entityID, action string, reqContext map[string]any) (*Decision, error) {
	key := cacheKey(principalID, entityID, action, contextHash(reqContext))

	var cached Decision
	if err := c.cache.GetJSON(ctx, key, &cached); err == nil {
		return &cached, nil
	} else if err != kv.ErrMiss {
		c.log.Warn("entitypermissions: cache read failed", "key", key, "error", err)
	}

	var result Decision
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"principal_id": principalID,
			"entity_id":    entityID,
			"action":       action,
			"context":      reqContext,
		}).
		SetResult(&result).
		Post("/authorize")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "entity-permissions call failed", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apperr.New(apperr.KindInternal, fmt.Sprintf("entity-permissions: status %d", resp.StatusCode()))
	}

	if err := c.cache.SetJSON(ctx, key, result, cacheTTL); err != nil {
		c.log.Warn("entitypermissions: cache write failed", "key", key, "error", err)
	}
	return &result, nil
}
