package relational

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/omenbackend/omen-market-backend/internal/domain"
)

// IsEventProcessed reports whether event_id has already been recorded, the
// check every caller performs before re-running side effects.
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("relational: is event processed: %w", err)
	}
	return exists, nil
}

// RecordEvent upserts the processed-event row. The first call wins the
// effect; subsequent calls for the same event_id only update status/error/
// processed_at, never re-triggering the caller's side effect (that
// distinction is the caller's responsibility, not this store's).
func (s *Store) RecordEvent(ctx context.Context, ev *domain.ProcessedEvent) error {
	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("relational: marshal event payload: %w", err)
	}
	contextJSON, err := json.Marshal(ev.Context)
	if err != nil {
		return fmt.Errorf("relational: marshal event context: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO processed_events (event_id, event_type, source, payload, context, processed_at, processing_status, processing_error)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (event_id) DO UPDATE SET
			processing_status = EXCLUDED.processing_status,
			processing_error = EXCLUDED.processing_error,
			processed_at = EXCLUDED.processed_at
	`, ev.EventID, ev.EventType, ev.Source, payloadJSON, contextJSON, ev.ProcessedAt, string(ev.ProcessingStatus), ev.ProcessingError)
	if err != nil {
		return fmt.Errorf("relational: record event: %w", err)
	}
	return nil
}

// FailedEvents returns events whose last recorded status is "failed", for
// the failed-event dashboard / retry tooling.
func (s *Store) FailedEvents(ctx context.Context, limit int) ([]*domain.ProcessedEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, event_type, source, payload, context, processed_at, processing_status, processing_error
		FROM processed_events WHERE processing_status = 'failed' ORDER BY processed_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("relational: failed events: %w", err)
	}
	defer rows.Close()

	var out []*domain.ProcessedEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEvent(row rowScanner) (*domain.ProcessedEvent, error) {
	var ev domain.ProcessedEvent
	var status string
	var payloadJSON, contextJSON []byte
	err := row.Scan(&ev.EventID, &ev.EventType, &ev.Source, &payloadJSON, &contextJSON, &ev.ProcessedAt, &status, &ev.ProcessingError)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("relational: scan event: %w", err)
	}
	ev.ProcessingStatus = domain.EventProcessingStatus(status)
	if len(payloadJSON) > 0 {
		_ = json.Unmarshal(payloadJSON, &ev.Payload)
	}
	if len(contextJSON) > 0 {
		_ = json.Unmarshal(contextJSON, &ev.Context)
	}
	return &ev, nil
}
