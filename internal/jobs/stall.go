package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RunStallSweeper starts a ticker loop that re-dispatches jobs whose
// processing deadline elapsed — the worker that claimed them crashed or
// hung mid-handler. A job is re-dispatched up to maxStallRetry times
// before being forwarded to the DLQ.
func (f *Fabric) RunStallSweeper(ctx context.Context, queue string, interval time.Duration) StopFunc {
	if interval <= 0 {
		interval = f.stallTimeout
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				f.sweepStalled(sweepCtx, queue)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (f *Fabric) sweepStalled(ctx context.Context, queue string) {
	now := float64(time.Now().UnixMilli())
	stalled, err := f.rdb.ZRangeByScore(ctx, processingKey(queue), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		f.log.Warn("sweep stalled jobs failed", "queue", queue, "error", err)
		return
	}
	for _, jobID := range stalled {
		f.redispatchStalled(ctx, queue, jobID)
	}
}

func (f *Fabric) redispatchStalled(ctx context.Context, queue, jobID string) {
	removed, err := f.rdb.ZRem(ctx, processingKey(queue), jobID).Result()
	if err != nil || removed == 0 {
		return // already handled by another sweep/worker
	}

	countKey := stallCountKey(queue, jobID)
	count, err := f.rdb.Incr(ctx, countKey).Result()
	if err != nil {
		f.log.Warn("increment stall count failed", "queue", queue, "job_id", jobID, "error", err)
		return
	}
	f.rdb.Expire(ctx, countKey, 24*time.Hour)

	job, err := f.loadJob(ctx, queue, jobID)
	if err != nil {
		f.log.Warn("load stalled job failed", "queue", queue, "job_id", jobID, "error", err)
		return
	}

	if int(count) > f.maxStallRetry {
		f.deadLetter(ctx, queue, job, "stall retries exhausted")
		f.rdb.Del(ctx, countKey)
		return
	}

	f.log.Warn("re-dispatching stalled job", "queue", queue, "job_id", jobID, "stall_count", count)
	f.rdb.ZAdd(ctx, readyKey(queue), redis.Z{Score: float64(time.Now().UnixMilli()), Member: jobID})
}
