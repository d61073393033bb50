// Package scheduler runs periodic maintenance jobs on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one unit of scheduled work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Scheduler runs registered jobs. Specs include a seconds field.
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
}

// New creates a stopped scheduler. Each job run gets timeout to finish.
func New(logger *slog.Logger, timeout time.Duration) *Scheduler {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		timeout: timeout,
	}
}

// Add registers job on spec.
func (s *Scheduler) Add(spec string, job Job) error {
	if _, err := s.cron.AddFunc(spec, func() { s.run(job) }); err != nil {
		return fmt.Errorf("scheduler: add %s (%q): %w", job.Name(), spec, err)
	}
	s.logger.Info("scheduler: job registered", "job", job.Name(), "spec", spec)
	return nil
}

func (s *Scheduler) run(job Job) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	start := time.Now()
	if err := job.Run(ctx); err != nil {
		s.logger.Error("scheduler: job failed", "job", job.Name(), "error", err, "duration_ms", time.Since(start).Milliseconds())
		return
	}
	s.logger.Debug("scheduler: job finished", "job", job.Name(), "duration_ms", time.Since(start).Milliseconds())
}

// Start runs the scheduler in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs until ctx is done, at
// which point they are cancelled.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler: stop timed out, cancelling running jobs")
	}
	s.cancel()
}

// UsagePurger deletes usage counters older than a cutoff.
type UsagePurger interface {
	PurgeUsage(ctx context.Context, cutoff time.Time) (int64, error)
}

// UsagePurgeJob removes day counters once their period is Retention old.
type UsagePurgeJob struct {
	Store     UsagePurger
	Retention time.Duration
	Logger    *slog.Logger
	now       func() time.Time
}

// NewUsagePurgeJob creates the job. Retention defaults to 48h.
func NewUsagePurgeJob(store UsagePurger, retention time.Duration, logger *slog.Logger) *UsagePurgeJob {
	if retention <= 0 {
		retention = 48 * time.Hour
	}
	return &UsagePurgeJob{Store: store, Retention: retention, Logger: logger, now: time.Now}
}

func (j *UsagePurgeJob) Name() string { return "usage_purge" }

func (j *UsagePurgeJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.Retention)
	n, err := j.Store.PurgeUsage(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purge usage: %w", err)
	}
	if n > 0 {
		j.Logger.Info("scheduler: purged usage counters", "rows", n, "cutoff", cutoff)
	}
	return nil
}
