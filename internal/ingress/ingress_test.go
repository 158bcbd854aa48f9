package ingress

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/omenbackend/omen-market-backend/internal/domain"
)

type fakeLedger struct {
	processed map[string]bool
	skipped   []string
	processFn func(ctx context.Context, fn func(context.Context) error) error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{processed: map[string]bool{}}
}

func (f *fakeLedger) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	return f.processed[eventID], nil
}

func (f *fakeLedger) Process(ctx context.Context, eventID, eventType, source string, payload, evCtx map[string]any, fn func(context.Context) error) error {
	f.processed[eventID] = true
	if f.processFn != nil {
		return f.processFn(ctx, fn)
	}
	return fn(ctx)
}

func (f *fakeLedger) Skip(ctx context.Context, eventID, eventType, source, reason string) error {
	f.processed[eventID] = true
	f.skipped = append(f.skipped, eventID)
	return nil
}

type fakeLifecycle struct {
	calls    int
	lastArgs [4]string
	err      error
}

func (f *fakeLifecycle) ProcessApprovalDecision(ctx context.Context, marketID, actorID string, approved bool, reason string) (*domain.Market, error) {
	f.calls++
	f.lastArgs = [4]string{marketID, actorID, boolStr(approved), reason}
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Market{ID: marketID}, nil
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func TestHandleWebhookDispatchesApprovalDecision(t *testing.T) {
	ledger := newFakeLedger()
	lifecycle := &fakeLifecycle{}
	d := NewDispatcher(ledger, lifecycle)

	body := []byte(`{"event_id":"ev-1","event_type":"market.approved","source":"entity_permissions_core","payload":{"market_id":"m1"},"context":{"actor_id":"admin-1"}}`)
	status, httpStatus, err := d.HandleWebhook(context.Background(), body)
	if err != nil {
		t.Fatalf("HandleWebhook() error = %v", err)
	}
	if status != "processed" || httpStatus != http.StatusOK {
		t.Fatalf("status=%s httpStatus=%d, want processed/200", status, httpStatus)
	}
	if lifecycle.calls != 1 {
		t.Fatalf("lifecycle calls = %d, want 1", lifecycle.calls)
	}
	if lifecycle.lastArgs != [4]string{"m1", "admin-1", "true", ""} {
		t.Fatalf("lastArgs = %v, want [m1 admin-1 true ]", lifecycle.lastArgs)
	}
}

func TestHandleWebhookReturnsAlreadyProcessed(t *testing.T) {
	ledger := newFakeLedger()
	ledger.processed["ev-1"] = true
	lifecycle := &fakeLifecycle{}
	d := NewDispatcher(ledger, lifecycle)

	body := []byte(`{"event_id":"ev-1","event_type":"market.approved","source":"entity_permissions_core","payload":{}}`)
	status, httpStatus, err := d.HandleWebhook(context.Background(), body)
	if err != nil {
		t.Fatalf("HandleWebhook() error = %v", err)
	}
	if status != "already_processed" || httpStatus != http.StatusOK {
		t.Fatalf("status=%s httpStatus=%d, want already_processed/200", status, httpStatus)
	}
	if lifecycle.calls != 0 {
		t.Fatal("lifecycle should not be called for an already-processed event")
	}
}

func TestHandleWebhookSkipsUnknownEventType(t *testing.T) {
	ledger := newFakeLedger()
	lifecycle := &fakeLifecycle{}
	d := NewDispatcher(ledger, lifecycle)

	body := []byte(`{"event_id":"ev-2","event_type":"issuer.updated","source":"entity_permissions_core","payload":{}}`)
	status, httpStatus, err := d.HandleWebhook(context.Background(), body)
	if err != nil {
		t.Fatalf("HandleWebhook() error = %v", err)
	}
	if status != "skipped" || httpStatus != http.StatusOK {
		t.Fatalf("status=%s httpStatus=%d, want skipped/200", status, httpStatus)
	}
}

func TestHandleWebhookRejectsMalformedEnvelope(t *testing.T) {
	d := NewDispatcher(newFakeLedger(), &fakeLifecycle{})
	_, httpStatus, err := d.HandleWebhook(context.Background(), []byte(`not json`))
	if err == nil || httpStatus != http.StatusBadRequest {
		t.Fatalf("status=%d err=%v, want 400 with error", httpStatus, err)
	}
}

func TestHandleWebhookUnwrapsStringEnvelope(t *testing.T) {
	ledger := newFakeLedger()
	lifecycle := &fakeLifecycle{}
	d := NewDispatcher(ledger, lifecycle)

	inner := `{"event_id":"ev-3","event_type":"market.rejected","source":"entity_permissions_core","payload":{"market_id":"m2","reason":"failed_kyc"}}`
	body := []byte(`{"data":` + jsonQuote(inner) + `}`)

	status, _, err := d.HandleWebhook(context.Background(), body)
	if err != nil {
		t.Fatalf("HandleWebhook() error = %v", err)
	}
	if status != "processed" {
		t.Fatalf("status = %s, want processed", status)
	}
	if lifecycle.lastArgs[2] != "false" {
		t.Fatalf("approved = %s, want false for market.rejected", lifecycle.lastArgs[2])
	}
}

func TestHandleWebhookReturns5xxOnHandlerFailure(t *testing.T) {
	ledger := newFakeLedger()
	lifecycle := &fakeLifecycle{err: errors.New("lifecycle boom")}
	d := NewDispatcher(ledger, lifecycle)

	body := []byte(`{"event_id":"ev-4","event_type":"market.approved","source":"entity_permissions_core","payload":{"market_id":"m1"}}`)
	status, httpStatus, err := d.HandleWebhook(context.Background(), body)
	if err == nil {
		t.Fatal("HandleWebhook() error = nil, want lifecycle error propagated")
	}
	if status != "failed" || httpStatus != http.StatusInternalServerError {
		t.Fatalf("status=%s httpStatus=%d, want failed/500", status, httpStatus)
	}
}

// jsonQuote produces a Go string literal's worth of JSON-escaped quoting
// around s, for embedding s as a JSON string value inside a hand-built
// envelope body.
func jsonQuote(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for _, r := range s {
		switch r {
		case '"':
			out = append(out, '\\', '"')
		case '\\':
			out = append(out, '\\', '\\')
		default:
			out = append(out, string(r)...)
		}
	}
	out = append(out, '"')
	return string(out)
}
