package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cararth/listing-ingestion-service/internal/models"
)

// BatchRunner runs one batch
type BatchRunner interface {
	RunBatch(ctx context.Context, batchTS time.Time) (*models.BatchResult, error)
}

// Scheduler triggers batches on a cron schedule in the batch timezone.
// Runs are not serialized; a slow batch may overlap the next tick.
type Scheduler struct {
	runner BatchRunner
	cron   *cron.Cron
	loc    *time.Location
	logger *zap.Logger
	now    func() time.Time
}

// NewScheduler creates a new batch scheduler
func NewScheduler(runner BatchRunner, loc *time.Location, logger *zap.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		runner: runner,
		cron:   cron.New(cron.WithLocation(loc)),
		loc:    loc,
		logger: logger,
		now:    time.Now,
	}
}

// Start registers the schedule and starts the cron loop. Batches inherit ctx.
func (s *Scheduler) Start(ctx context.Context, schedule string) error {
	if _, err := s.cron.AddFunc(schedule, func() { s.run(ctx) }); err != nil {
		return eris.Wrapf(err, "invalid batch schedule %q", schedule)
	}

	s.cron.Start()
	s.logger.Info("scheduler: started",
		zap.String("schedule", schedule),
		zap.String("timezone", s.loc.String()),
	)
	return nil
}

// Stop stops the scheduler and returns a context that is done once
// running batches have finished
func (s *Scheduler) Stop() context.Context {
	done := s.cron.Stop()
	s.logger.Info("scheduler: stopped")
	return done
}

// Next returns the next scheduled trigger time
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *Scheduler) run(ctx context.Context) {
	batchTS := s.now().In(s.loc)
	s.logger.Info("scheduler: starting batch", zap.Time("batch_ts", batchTS))

	result, err := s.runner.RunBatch(ctx, batchTS)
	if err != nil {
		s.logger.Error("scheduler: batch failed", zap.Time("batch_ts", batchTS), zap.Error(err))
		return
	}
	s.logger.Info("scheduler: batch finished",
		zap.Time("batch_ts", batchTS),
		zap.Int("total", result.Total),
		zap.Int("published", result.Published),
	)
}
