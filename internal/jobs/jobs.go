// Package jobs is the Job Fabric: at-least-once delivery,
// attempts/backoff, job_id idempotency, stall detection/re-dispatch, a DLQ,
// and repeatable/cron jobs, built on Redis sorted sets and hashes. The
// background worker follows a ticker-loop/ctx-cancel lifecycle, polling a
// Redis-backed priority queue instead of a single sqlite table.
package jobs

import (
	"context"
	"time"
)

// BackoffType selects how a job's retry delay grows between attempts.
type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

// Backoff configures retry delay growth.
type Backoff struct {
	Type   BackoffType
	BaseMS int
}

// delay returns the wait after attempt n (1-indexed) fails, before attempt
// n+1 runs.
func (b Backoff) delay(attempt int) time.Duration {
	if b.BaseMS <= 0 {
		return 0
	}
	switch b.Type {
	case BackoffFixed:
		return time.Duration(b.BaseMS) * time.Millisecond
	default:
		ms := b.BaseMS
		for i := 1; i < attempt; i++ {
			ms *= 2
		}
		return time.Duration(ms) * time.Millisecond
	}
}

// SubmitOptions configures one job submission.
type SubmitOptions struct {
	JobID           string // idempotency key; collision is a no-op returning the existing handle
	Attempts        int    // max attempts before DLQ, default 1
	Backoff         Backoff
	Priority        int // lower runs first within the same ready timestamp
	DelayMS         int
	RemoveOnComplete bool
	RemoveOnFail     bool
}

// Job is one unit of work as stored in the fabric.
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Payload      []byte          `json:"payload"`
	Attempts     int             `json:"attempts"`
	AttemptsMade int             `json:"attempts_made"`
	Backoff      Backoff         `json:"backoff"`
	Priority     int             `json:"priority"`
	RemoveOnComplete bool        `json:"remove_on_complete"`
	RemoveOnFail     bool        `json:"remove_on_fail"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Handle is returned by Submit; Existing is true when job_id collided with
// a job whose data is still stored: queued, in flight, or finished without
// RemoveOnComplete/RemoveOnFail.
type Handle struct {
	JobID    string
	Existing bool
}

// Outcome is what a handler returns after processing one job.
type Outcome int

const (
	// OutcomeSuccess completes the job; it leaves the ready and processing
	// sets, and its stored data is deleted only when RemoveOnComplete is set.
	OutcomeSuccess Outcome = iota
	// OutcomeRetry is a transient failure: the fabric reschedules per Backoff
	// unless attempts are exhausted, in which case it goes to the DLQ.
	OutcomeRetry
	// OutcomeFail is a terminal failure: straight to the DLQ, no further retry.
	OutcomeFail
)

// Handler processes one job. JobContext.AttemptsMade/Attempts let the
// handler decide final-attempt semantics (e.g. refund a locked balance)
// without needing to inspect fabric internals. AttemptsMade counts the
// attempts before the current one, so the final call sees Attempts-1.
type Handler func(ctx context.Context, jc JobContext, payload []byte) Outcome

// JobContext is the per-job metadata a Handler receives alongside the
// standard context.Context used for cancellation/deadlines.
type JobContext struct {
	JobID        string
	Queue        string
	AttemptsMade int
	Attempts     int
}
