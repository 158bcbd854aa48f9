// Package eventledger enforces the Processed-Event Ledger's calling
// convention: check whether an event_id has already been
// recorded, run the caller's effect only if not, then record the outcome.
// Grounded on internal/storage/relational's processed_events table, a
// dedup-by-message-id pattern applied to externally-sourced events instead
// of inbound P2P messages.
package eventledger

import (
	"context"
	"fmt"
	"time"

	"github.com/omenbackend/omen-market-backend/internal/domain"
)

// Store is the subset of *relational.Store the ledger needs.
type Store interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	RecordEvent(ctx context.Context, ev *domain.ProcessedEvent) error
	FailedEvents(ctx context.Context, limit int) ([]*domain.ProcessedEvent, error)
}

// Ledger is the idempotency gate every ingress handler (internal/ingress)
// calls before running an event's side effect.
type Ledger struct {
	store Store
}

func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Effect is the caller's side effect for one external event. Returning an
// error marks the event "failed" and makes Process return that error; the
// failed event stays recorded, so a later delivery of the same event_id
// does not run the effect again. Returning nil marks it "success". Declared as an alias
// (not a defined type) so *Ledger satisfies internal/ingress.Ledger's
// Process method, which spells the callback's type out directly.
type Effect = func(ctx context.Context) error

// Process runs fn exactly once per eventID: if eventID was already
// recorded (success, failed, or skipped), fn is not invoked and Process
// returns nil — the caller already got its answer on a prior delivery.
// Otherwise fn runs and its outcome is recorded against eventID.
func (l *Ledger) Process(ctx context.Context, eventID, eventType, source string, payload, evCtx map[string]any, fn Effect) error {
	seen, err := l.store.IsEventProcessed(ctx, eventID)
	if err != nil {
		return fmt.Errorf("eventledger: check %s: %w", eventID, err)
	}
	if seen {
		return nil
	}

	status := domain.EventSuccess
	var errMsg *string
	if err := fn(ctx); err != nil {
		status = domain.EventFailed
		msg := err.Error()
		errMsg = &msg
	}

	ev := &domain.ProcessedEvent{
		EventID:          eventID,
		EventType:        eventType,
		Source:           source,
		Payload:          payload,
		Context:          evCtx,
		ProcessedAt:      time.Now().UTC(),
		ProcessingStatus: status,
		ProcessingError:  errMsg,
	}
	if recErr := l.store.RecordEvent(ctx, ev); recErr != nil {
		return fmt.Errorf("eventledger: record %s: %w", eventID, recErr)
	}
	if status == domain.EventFailed {
		return fmt.Errorf("eventledger: effect for %s failed: %s", eventID, *errMsg)
	}
	return nil
}

// Skip records eventID as skipped without running any effect, for events
// the ingress layer decides are not applicable (e.g. unknown event type).
func (l *Ledger) Skip(ctx context.Context, eventID, eventType, source, reason string) error {
	ev := &domain.ProcessedEvent{
		EventID:          eventID,
		EventType:        eventType,
		Source:           source,
		ProcessedAt:      time.Now().UTC(),
		ProcessingStatus: domain.EventSkipped,
		ProcessingError:  &reason,
	}
	if err := l.store.RecordEvent(ctx, ev); err != nil {
		return fmt.Errorf("eventledger: skip %s: %w", eventID, err)
	}
	return nil
}

// IsProcessed reports whether eventID has already been recorded, the
// explicit "processed(event_id)" check webhook handler runs
// before doing anything else.
func (l *Ledger) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	return l.store.IsEventProcessed(ctx, eventID)
}

// Failed returns the most recent failed events for the retry dashboard.
func (l *Ledger) Failed(ctx context.Context, limit int) ([]*domain.ProcessedEvent, error) {
	return l.store.FailedEvents(ctx, limit)
}
