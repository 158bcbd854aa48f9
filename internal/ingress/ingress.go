// Package ingress is the Event Ingress: a webhook handler and a
// pull-poller safety net, both funneling external entity-permissions events
// through the Processed-Event Ledger before dispatching market.approved/
// market.rejected to the Market Lifecycle Engine. The poller follows a
// ticker-driven poll-and-dispatch shape; the webhook side has no equivalent
// elsewhere in this codebase, so its envelope parsing and ack semantics are
// purpose-built for this entry point.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/omenbackend/omen-market-backend/internal/config"
	"github.com/omenbackend/omen-market-backend/internal/domain"
	"github.com/omenbackend/omen-market-backend/pkg/logging"
)

const (
	pollInterval = 10 * time.Second
	pollSource   = "entity_permissions_core"
	pollLimit    = 10
)

// RawEvent is the external service's event shape, whether delivered
// directly or unwrapped from an envelope.
type RawEvent struct {
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload"`
	Context   map[string]any `json:"context"`
}

// Ledger is the subset of *eventledger.Ledger the dispatcher needs.
type Ledger interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	Process(ctx context.Context, eventID, eventType, source string, payload, evCtx map[string]any, fn func(ctx context.Context) error) error
	Skip(ctx context.Context, eventID, eventType, source, reason string) error
}

// Lifecycle is the subset of *lifecycle.Engine the dispatcher needs.
type Lifecycle interface {
	ProcessApprovalDecision(ctx context.Context, marketID, actorID string, approved bool, reason string) (*domain.Market, error)
}

// Dispatcher is the shared event pipeline both the webhook handler and the
// pull poller run every event through.
type Dispatcher struct {
	ledger    Ledger
	lifecycle Lifecycle
	log       *logging.Logger
}

func NewDispatcher(ledger Ledger, lifecycle Lifecycle) *Dispatcher {
	return &Dispatcher{ledger: ledger, lifecycle: lifecycle, log: logging.GetDefault().Component("ingress")}
}

// parseEnvelope decodes body as either a direct RawEvent or an envelope
// wrapping one as a JSON-encoded string value.
func parseEnvelope(body []byte) (*RawEvent, error) {
	var direct RawEvent
	if err := json.Unmarshal(body, &direct); err == nil && direct.EventID != "" && direct.EventType != "" {
		return &direct, nil
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, fmt.Errorf("ingress: malformed envelope: %w", err)
	}
	for _, raw := range wrapper {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			continue
		}
		var ev RawEvent
		if err := json.Unmarshal([]byte(inner), &ev); err == nil && ev.EventID != "" && ev.EventType != "" {
			return &ev, nil
		}
	}
	return nil, fmt.Errorf("ingress: envelope did not contain a recognizable event")
}

// HandleWebhook runs body through the full ingress pipeline and returns the
// ack status plus the HTTP status code the caller's handler should send.
func (d *Dispatcher) HandleWebhook(ctx context.Context, body []byte) (status string, httpStatus int, err error) {
	ev, err := parseEnvelope(body)
	if err != nil {
		return "", http.StatusBadRequest, err
	}
	if ev.EventID == "" || ev.EventType == "" || ev.Source == "" {
		return "", http.StatusBadRequest, fmt.Errorf("ingress: event missing event_id/event_type/source")
	}
	return d.dispatch(ctx, ev)
}

// dispatch is the idempotent event-processing core, shared by the webhook
// handler and the pull poller.
func (d *Dispatcher) dispatch(ctx context.Context, ev *RawEvent) (string, int, error) {
	already, err := d.ledger.IsProcessed(ctx, ev.EventID)
	if err != nil {
		return "", http.StatusInternalServerError, fmt.Errorf("ingress: check processed: %w", err)
	}
	if already {
		return "already_processed", http.StatusOK, nil
	}

	switch ev.EventType {
	case "market.approved", "market.rejected":
		approved := ev.EventType == "market.approved"
		actorID := actorIDFrom(ev.Context)
		marketID, _ := ev.Payload["market_id"].(string)
		reason, _ := ev.Payload["reason"].(string)

		err := d.ledger.Process(ctx, ev.EventID, ev.EventType, ev.Source, ev.Payload, ev.Context, func(ctx context.Context) error {
			_, err := d.lifecycle.ProcessApprovalDecision(ctx, marketID, actorID, approved, reason)
			return err
		})
		if err != nil {
			d.log.Error("ingress: event processing failed", "event_id", ev.EventID, "event_type", ev.EventType, "error", err)
			return "failed", http.StatusInternalServerError, err
		}
		return "processed", http.StatusOK, nil

	default:
		if err := d.ledger.Skip(ctx, ev.EventID, ev.EventType, ev.Source, "unrecognized event_type"); err != nil {
			d.log.Error("ingress: skip recording failed", "event_id", ev.EventID, "error", err)
			return "failed", http.StatusInternalServerError, err
		}
		return "skipped", http.StatusOK, nil
	}
}

func actorIDFrom(evCtx map[string]any) string {
	if a, ok := evCtx["actor_id"].(string); ok && a != "" {
		return a
	}
	return "system"
}

// Poller is the pull-poller safety net for the webhook.
type Poller struct {
	http       *resty.Client
	dispatcher *Dispatcher
	log        *logging.Logger
}

func NewPoller(rt *config.Runtime, dispatcher *Dispatcher) *Poller {
	httpClient := resty.New().
		SetBaseURL(rt.EntityPermissionsBaseURL).
		SetTimeout(time.Duration(rt.EntityPermissionsTimeoutMS) * time.Millisecond).
		SetHeader("Authorization", "Bearer "+rt.EntityPermissionsAPIKey)

	return &Poller{http: httpClient, dispatcher: dispatcher, log: logging.GetDefault().Component("ingress.poller")}
}

// Run polls on a fixed interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

type pollResponse struct {
	Events []RawEvent `json:"events"`
}

func (p *Poller) pollOnce(ctx context.Context) {
	var result pollResponse
	resp, err := p.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"event_type": "market.approved,market.rejected",
			"source":     pollSource,
			"limit":      fmt.Sprintf("%d", pollLimit),
		}).
		SetResult(&result).
		Get("/events")
	if err != nil {
		p.log.Warn("ingress: poll failed", "error", err)
		return
	}
	if resp.IsError() {
		p.log.Warn("ingress: poll returned error status", "status", resp.StatusCode())
		return
	}

	for i := range result.Events {
		ev := result.Events[i]
		if _, _, err := p.dispatcher.dispatch(ctx, &ev); err != nil {
			p.log.Warn("ingress: poll event dispatch failed", "event_id", ev.EventID, "error", err)
		}
	}
}
