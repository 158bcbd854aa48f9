package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/omenbackend/omen-market-backend/pkg/logging"
)

// Scheduler drives repeatable jobs on a cron schedule, submitting into the
// same Fabric queues a one-off Submit would. A stable job_id per schedule
// entry keeps re-registration idempotent across process restarts.
type Scheduler struct {
	fabric *Fabric
	cron   *cron.Cron
	log    *logging.Logger
}

// NewScheduler builds a Scheduler bound to fabric. Cron expressions use the
// standard five-field format (robfig/cron's default parser).
func NewScheduler(fabric *Fabric) *Scheduler {
	return &Scheduler{
		fabric: fabric,
		cron:   cron.New(),
		log:    logging.GetDefault().Component("jobs-scheduler"),
	}
}

// Schedule registers a repeatable submission of payload onto queue per
// cronExpr, using jobID as the base of each fired job's idempotency key
// (suffixed with the fire time so each occurrence is distinct but the
// registration itself is idempotent across restarts).
func (s *Scheduler) Schedule(queue, jobID, cronExpr string, payload []byte, opts SubmitOptions) error {
	_, err := s.cron.AddFunc(cronExpr, func() {
		fireOpts := opts
		fireOpts.JobID = fmt.Sprintf("%s-%d", jobID, time.Now().UnixNano())
		if _, err := s.fabric.Submit(context.Background(), queue, payload, fireOpts); err != nil {
			s.log.Warn("scheduled submit failed", "queue", queue, "job_id", jobID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("jobs: schedule %s on %s: %w", jobID, queue, err)
	}
	return nil
}

// Start begins firing registered schedules.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler and waits for any in-flight cron invocation.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }
