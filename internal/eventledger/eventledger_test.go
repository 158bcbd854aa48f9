package eventledger

import (
	"context"
	"errors"
	"testing"

	"github.com/omenbackend/omen-market-backend/internal/domain"
)

type fakeStore struct {
	processed map[string]bool
	recorded  []*domain.ProcessedEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{processed: map[string]bool{}}
}

func (f *fakeStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	return f.processed[eventID], nil
}

func (f *fakeStore) RecordEvent(ctx context.Context, ev *domain.ProcessedEvent) error {
	f.processed[ev.EventID] = true
	f.recorded = append(f.recorded, ev)
	return nil
}

func (f *fakeStore) FailedEvents(ctx context.Context, limit int) ([]*domain.ProcessedEvent, error) {
	var out []*domain.ProcessedEvent
	for _, ev := range f.recorded {
		if ev.ProcessingStatus == domain.EventFailed {
			out = append(out, ev)
		}
	}
	return out, nil
}

func TestProcessRunsEffectOnce(t *testing.T) {
	store := newFakeStore()
	l := New(store)

	calls := 0
	effect := func(ctx context.Context) error {
		calls++
		return nil
	}

	if err := l.Process(context.Background(), "evt-1", "deposit", "chain", nil, nil, effect); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if err := l.Process(context.Background(), "evt-1", "deposit", "chain", nil, nil, effect); err != nil {
		t.Fatalf("Process() (redelivery) error = %v", err)
	}
	if calls != 1 {
		t.Errorf("effect called %d times, want 1", calls)
	}
}

func TestProcessRecordsFailure(t *testing.T) {
	store := newFakeStore()
	l := New(store)

	err := l.Process(context.Background(), "evt-2", "deposit", "chain", nil, nil, func(ctx context.Context) error {
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("Process() expected error from failed effect")
	}

	failed, err := l.Failed(context.Background(), 10)
	if err != nil {
		t.Fatalf("Failed() error = %v", err)
	}
	if len(failed) != 1 || failed[0].EventID != "evt-2" {
		t.Errorf("Failed() = %+v, want one entry for evt-2", failed)
	}
}
