package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/omenbackend/omen-market-backend/pkg/logging"
)

// Fabric is the Redis-backed job queue shared by every worker queue
//. One Fabric instance serves all queues; each RunWorker call
// owns its own polling loop and concurrency cap.
type Fabric struct {
	rdb *redis.Client
	log *logging.Logger

	stallTimeout  time.Duration
	maxStallRetry int

	// now is the fabric's clock; overridden in tests for deterministic
	// ready-score assertions, time.Now otherwise.
	now func() time.Time
}

// New builds a Fabric. stallTimeout/maxStallRetry default to // 30s / 3 if zero.
func New(rdb *redis.Client, stallTimeout time.Duration, maxStallRetry int) *Fabric {
	if stallTimeout <= 0 {
		stallTimeout = 30 * time.Second
	}
	if maxStallRetry <= 0 {
		maxStallRetry = 3
	}
	return &Fabric{
		rdb:           rdb,
		log:           logging.GetDefault().Component("jobs"),
		stallTimeout:  stallTimeout,
		maxStallRetry: maxStallRetry,
		now:           time.Now,
	}
}

func readyKey(queue string) string      { return fmt.Sprintf("jobs:%s:ready", queue) }
func processingKey(queue string) string { return fmt.Sprintf("jobs:%s:processing", queue) }
func dataKey(queue string) string       { return fmt.Sprintf("jobs:%s:data", queue) }
func dlqKey(queue string) string        { return fmt.Sprintf("jobs:%s:dlq", queue) }
func stallCountKey(queue, jobID string) string {
	return fmt.Sprintf("jobs:%s:stalls:%s", queue, jobID)
}

// Submit enqueues payload onto queue. A job_id collision (still present in
// the ready, processing, or data set) is a no-op that returns the existing
// handle, 
func (f *Fabric) Submit(ctx context.Context, queue string, payload []byte, opts SubmitOptions) (Handle, error) {
	if opts.JobID == "" {
		opts.JobID = fmt.Sprintf("%s-%d", queue, time.Now().UnixNano())
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}

	exists, err := f.rdb.HExists(ctx, dataKey(queue), opts.JobID).Result()
	if err != nil {
		return Handle{}, fmt.Errorf("jobs: check existing %s: %w", opts.JobID, err)
	}
	if exists {
		return Handle{JobID: opts.JobID, Existing: true}, nil
	}

	job := Job{
		ID:               opts.JobID,
		Queue:            queue,
		Payload:          payload,
		Attempts:         opts.Attempts,
		Backoff:          opts.Backoff,
		Priority:         opts.Priority,
		RemoveOnComplete: opts.RemoveOnComplete,
		RemoveOnFail:     opts.RemoveOnFail,
		CreatedAt:        f.now().UTC(),
	}
	buf, err := json.Marshal(job)
	if err != nil {
		return Handle{}, fmt.Errorf("jobs: marshal job %s: %w", opts.JobID, err)
	}

	readyAt := f.now().Add(time.Duration(opts.DelayMS) * time.Millisecond)
	score := rankScore(readyAt, opts.Priority)

	pipe := f.rdb.TxPipeline()
	pipe.HSet(ctx, dataKey(queue), opts.JobID, buf)
	pipe.ZAdd(ctx, readyKey(queue), redis.Z{Score: score, Member: opts.JobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return Handle{}, fmt.Errorf("jobs: submit %s: %w", opts.JobID, err)
	}
	return Handle{JobID: opts.JobID}, nil
}

// rankScore folds a ready timestamp and priority into one float64 so ZRANGE
// pulls the earliest-ready, highest-priority (lowest number) job first.
// Priority is added in thousandths of a millisecond, coarse enough to survive
// float64 rounding at current epoch-millisecond magnitudes; priorities below
// 1000 stay within their own millisecond.
func rankScore(readyAt time.Time, priority int) float64 {
	return float64(readyAt.UnixMilli()) + float64(priority)/1e3
}

// StopFunc stops a running worker loop and waits for its current job (if
// any) to finish.
type StopFunc func()

// RunWorker starts concurrency goroutines polling queue for ready jobs and
// dispatching them to handler. Returns a StopFunc.
func (f *Fabric) RunWorker(ctx context.Context, queue string, handler Handler, concurrency int) StopFunc {
	if concurrency <= 0 {
		concurrency = 1
	}
	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{}, concurrency)

	for i := 0; i < concurrency; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			f.workerLoop(workerCtx, queue, handler)
		}()
	}

	return func() {
		cancel()
		for i := 0; i < concurrency; i++ {
			<-done
		}
	}
}

func (f *Fabric) workerLoop(ctx context.Context, queue string, handler Handler) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for f.processOne(ctx, queue, handler) {
				select {
				case <-ctx.Done():
					return
				default:
				}
			}
		}
	}
}

// processOne pops one ready job and runs it; returns true if a job was
// found, so the caller can drain the queue before the next tick.
func (f *Fabric) processOne(ctx context.Context, queue string, handler Handler) bool {
	now := float64(time.Now().UnixMilli())
	ids, err := f.rdb.ZRangeByScore(ctx, readyKey(queue), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now), Offset: 0, Count: 1}).Result()
	if err != nil {
		f.log.Warn("poll ready set failed", "queue", queue, "error", err)
		return false
	}
	if len(ids) == 0 {
		return false
	}
	jobID := ids[0]

	removed, err := f.rdb.ZRem(ctx, readyKey(queue), jobID).Result()
	if err != nil || removed == 0 {
		return false // another worker took it first
	}

	job, err := f.loadJob(ctx, queue, jobID)
	if err != nil {
		f.log.Warn("load job failed", "queue", queue, "job_id", jobID, "error", err)
		return true
	}

	deadline := time.Now().Add(f.stallTimeout)
	f.rdb.ZAdd(ctx, processingKey(queue), redis.Z{Score: float64(deadline.UnixMilli()), Member: jobID})

	jc := JobContext{JobID: job.ID, Queue: queue, AttemptsMade: job.AttemptsMade, Attempts: job.Attempts}
	job.AttemptsMade++
	outcome := handler(ctx, jc, job.Payload)

	f.rdb.ZRem(ctx, processingKey(queue), jobID)

	switch outcome {
	case OutcomeSuccess:
		f.complete(ctx, queue, job)
	case OutcomeFail:
		f.deadLetter(ctx, queue, job, "terminal failure")
	default: // OutcomeRetry
		f.retry(ctx, queue, job)
	}
	return true
}

func (f *Fabric) loadJob(ctx context.Context, queue, jobID string) (Job, error) {
	buf, err := f.rdb.HGet(ctx, dataKey(queue), jobID).Bytes()
	if err != nil {
		return Job{}, fmt.Errorf("load job data: %w", err)
	}
	var job Job
	if err := json.Unmarshal(buf, &job); err != nil {
		return Job{}, fmt.Errorf("unmarshal job data: %w", err)
	}
	return job, nil
}

func (f *Fabric) saveJob(ctx context.Context, queue string, job Job) error {
	buf, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return f.rdb.HSet(ctx, dataKey(queue), job.ID, buf).Err()
}

func (f *Fabric) complete(ctx context.Context, queue string, job Job) {
	if job.RemoveOnComplete {
		f.rdb.HDel(ctx, dataKey(queue), job.ID)
	}
}

func (f *Fabric) retry(ctx context.Context, queue string, job Job) {
	if job.AttemptsMade >= job.Attempts {
		f.deadLetter(ctx, queue, job, "attempts exhausted")
		return
	}
	if err := f.saveJob(ctx, queue, job); err != nil {
		f.log.Warn("save job for retry failed", "queue", queue, "job_id", job.ID, "error", err)
	}
	readyAt := time.Now().Add(job.Backoff.delay(job.AttemptsMade))
	f.rdb.ZAdd(ctx, readyKey(queue), redis.Z{Score: rankScore(readyAt, job.Priority), Member: job.ID})
}

func (f *Fabric) deadLetter(ctx context.Context, queue string, job Job, reason string) {
	buf, err := json.Marshal(struct {
		Job    Job    `json:"job"`
		Reason string `json:"reason"`
		At     string `json:"at"`
	}{job, reason, time.Now().UTC().Format(time.RFC3339)})
	if err != nil {
		f.log.Warn("marshal dead letter failed", "queue", queue, "job_id", job.ID, "error", err)
		return
	}
	if err := f.rdb.RPush(ctx, dlqKey(queue), buf).Err(); err != nil {
		f.log.Warn("push dead letter failed", "queue", queue, "job_id", job.ID, "error", err)
	}
	if job.RemoveOnFail {
		f.rdb.HDel(ctx, dataKey(queue), job.ID)
	}
}
