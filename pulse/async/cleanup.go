package async

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mailpulse/mailpulse/errors"
	"github.com/mailpulse/mailpulse/logger"
)

// UsageRetention is how long quota ledger rows are kept; the longest quota
// window is 30 days.
const UsageRetention = 31 * 24 * time.Hour

// Janitor deletes old terminal jobs and expired quota usage on a cron schedule
type Janitor struct {
	store     *Store
	retention time.Duration
	cron      *cron.Cron
	logger    pulseLogger
}

// NewJanitor schedules CleanupOldJobs for terminal jobs older than retention.
// schedule is a standard five-field cron expression.
func NewJanitor(store *Store, schedule string, retention time.Duration, log *zap.SugaredLogger) (*Janitor, error) {
	if retention <= 0 {
		return nil, errors.NewInvalidRequestError("retention must be positive, got %s", retention)
	}

	j := &Janitor{
		store:     store,
		retention: retention,
		logger:    pulseLogger{log.Named("janitor")},
	}
	j.cron = cron.New(cron.WithLogger(cronLogger{j.logger.SugaredLogger}))

	if _, err := j.cron.AddFunc(schedule, func() {
		if _, err := j.RunOnce(context.Background()); err != nil {
			j.logger.Errorw("Job cleanup failed", logger.FieldError, err)
		}
	}); err != nil {
		return nil, errors.Wrapf(err, "invalid cleanup schedule %q", schedule)
	}
	return j, nil
}

// RunOnce deletes expired jobs now and returns how many were removed
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	n, err := j.store.CleanupOldJobs(ctx, j.retention)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.logger.Pulse("Cleaned up old jobs", logger.FieldCount, n, "retention", j.retention)
	}

	pruned, err := j.store.PruneSendUsage(ctx, UsageRetention)
	if err != nil {
		return n, err
	}
	if pruned > 0 {
		j.logger.Debugw("Pruned send usage", logger.FieldCount, pruned)
	}
	return n, nil
}

// Start runs the schedule in the background
func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Starting("Job cleanup scheduled", "next", j.Next())
}

// Stop halts the schedule and waits for a running cleanup to finish
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// Next returns the next scheduled run
func (j *Janitor) Next() time.Time {
	entries := j.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	*zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.Errorw(msg, append(keysAndValues, logger.FieldError, err)...)
}
