package jobs

import (
	"testing"
	"time"
)

func TestBackoffExponential(t *testing.T) {
	b := Backoff{Type: BackoffExponential, BaseMS: 100}
	if got := b.delay(1); got != 100*time.Millisecond {
		t.Errorf("delay(1) = %v, want 100ms", got)
	}
	if got := b.delay(2); got != 200*time.Millisecond {
		t.Errorf("delay(2) = %v, want 200ms", got)
	}
	if got := b.delay(3); got != 400*time.Millisecond {
		t.Errorf("delay(3) = %v, want 400ms", got)
	}
}

func TestBackoffFixed(t *testing.T) {
	b := Backoff{Type: BackoffFixed, BaseMS: 250}
	if got := b.delay(1); got != 250*time.Millisecond {
		t.Errorf("delay(1) = %v, want 250ms", got)
	}
	if got := b.delay(5); got != 250*time.Millisecond {
		t.Errorf("delay(5) = %v, want 250ms", got)
	}
}

func TestBackoffZeroBase(t *testing.T) {
	b := Backoff{Type: BackoffExponential, BaseMS: 0}
	if got := b.delay(3); got != 0 {
		t.Errorf("delay(3) = %v, want 0", got)
	}
}

func TestRankScoreOrdersByReadyTimeThenPriority(t *testing.T) {
	now := time.Now()
	earlier := rankScore(now, 5)
	later := rankScore(now.Add(time.Second), 0)
	if !(earlier < later) {
		t.Errorf("rankScore(earlier,5)=%v should be < rankScore(later,0)=%v", earlier, later)
	}
	highPriority := rankScore(now, 0)
	lowPriority := rankScore(now, 5)
	if !(highPriority < lowPriority) {
		t.Errorf("rankScore at same time should rank lower priority number first: %v vs %v", highPriority, lowPriority)
	}
}
