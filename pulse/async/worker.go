package async

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mailpulse/mailpulse/am"
	"github.com/mailpulse/mailpulse/db"
	"github.com/mailpulse/mailpulse/errors"
	"github.com/mailpulse/mailpulse/logger"
)

const (
	// MaxOrphanedJobsToRecover limits how many orphaned jobs are re-queued on startup
	MaxOrphanedJobsToRecover = 1000
)

// pulseLogger wraps zap.SugaredLogger with special methods for Pulse operations
// Uses different log levels to create visual distinction:
// - DEBUG level → STARTING (✿ Opening operations)
// - WARN level → CLOSING (❀ Closing operations)
// - INFO level → PULSE (general worker/daemon operations)
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event - uses DEBUG level for "STARTING" appearance
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw("✿ "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event - uses WARN level for "CLOSING" appearance
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw("❀ "+msg, keysAndValues...)
}

// Pulse logs general Pulse/worker operations - uses INFO level
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, keysAndValues...)
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers         int           `json:"workers"`          // Number of concurrent workers
	PollInterval    time.Duration `json:"poll_interval"`    // How often idle workers check for pending jobs
	ShutdownTimeout time.Duration `json:"shutdown_timeout"` // How long Stop waits for running jobs to checkpoint
	RecoverOrphans  bool          `json:"recover_orphans"`  // Re-queue jobs left processing by a crash
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:         4,
		PollInterval:    time.Second,
		ShutdownTimeout: 30 * time.Second,
		RecoverOrphans:  true,
	}
}

// WorkerPoolConfigFrom reads the pool settings from the pulse config section
func WorkerPoolConfigFrom(cfg *am.Config) WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:         cfg.Pulse.Workers,
		PollInterval:    cfg.PollInterval(),
		ShutdownTimeout: cfg.ShutdownTimeout(),
		RecoverOrphans:  cfg.Pulse.RecoverOrphans,
	}
}

// WorkerPool runs pending jobs with a bounded number of workers.
//
// Workers claim jobs from the durable store, so jobs created while no worker
// is free (or while the process is down) are picked up later. Each running
// job gets its own cancellable context; the Supervisor cancels it with a
// cause to pause or cancel that job.
type WorkerPool struct {
	queue         *Queue
	runner        *Runner
	poolConfig    WorkerPoolConfig
	workers       int
	parentCtx     context.Context // Parent context from which worker context is derived
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	wake          chan struct{}
	running       map[string]context.CancelCauseFunc // job ID -> cancel of its run context
	jobsProcessed int
	activeWorkers int
	startTime     time.Time
	logger        pulseLogger
	mu            sync.Mutex
}

// NewWorkerPool creates a worker pool. Cancelling ctx stops the pool the
// same way Stop does.
func NewWorkerPool(ctx context.Context, queue *Queue, runner *Runner, poolCfg WorkerPoolConfig, log *zap.SugaredLogger) *WorkerPool {
	if poolCfg.PollInterval <= 0 {
		poolCfg.PollInterval = DefaultWorkerPoolConfig().PollInterval
	}
	if poolCfg.ShutdownTimeout <= 0 {
		poolCfg.ShutdownTimeout = DefaultWorkerPoolConfig().ShutdownTimeout
	}

	workerCtx, cancel := context.WithCancel(ctx)
	buffer := poolCfg.Workers
	if buffer < 1 {
		buffer = 1
	}

	return &WorkerPool{
		queue:      queue,
		runner:     runner,
		poolConfig: poolCfg,
		workers:    poolCfg.Workers,
		parentCtx:  ctx,
		ctx:        workerCtx,
		cancel:     cancel,
		wake:       make(chan struct{}, buffer),
		running:    make(map[string]context.CancelCauseFunc),
		logger:     pulseLogger{log.Named("pulse")},
	}
}

// Start recovers orphaned jobs and launches the workers
// ✿ Opening: Recover orphaned jobs before starting workers
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
		wp.logger.Starting("Recreated worker context after previous shutdown")
	default:
	}
	wp.startTime = time.Now()
	wp.jobsProcessed = 0
	ctx := wp.ctx
	wp.mu.Unlock()

	if wp.poolConfig.RecoverOrphans {
		if err := wp.recoverOrphanedJobs(ctx); err != nil {
			wp.logger.Warnw("Failed to recover orphaned jobs", logger.FieldError, err)
		}
	}

	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning, "workers", wp.workers)
	}

	wp.logger.Starting("Worker pool started", "workers", wp.workers, "poll_interval", wp.poolConfig.PollInterval)
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, i)
	}
}

// recoverOrphanedJobs re-queues jobs still marked processing. Only a crash
// leaves jobs in that state: a clean shutdown re-queues them itself.
func (wp *WorkerPool) recoverOrphanedJobs(ctx context.Context) error {
	orphaned, err := wp.queue.Store().ListByStatus(ctx, JobStatusProcessing, MaxOrphanedJobsToRecover)
	if err != nil {
		return errors.Wrap(err, "failed to list processing jobs")
	}
	if len(orphaned) == 0 {
		return nil
	}

	wp.logger.Starting("Opening - found orphaned jobs from previous crash", logger.FieldCount, len(orphaned))

	recovered := 0
	for _, job := range orphaned {
		if err := wp.queue.RequeueJob(ctx, job.ID); err != nil {
			wp.logger.Warnw("Failed to recover orphaned job", logger.FieldJobID, job.ID, logger.FieldError, err)
			continue
		}
		recovered++
		wp.logger.Starting("Recovered orphaned job",
			logger.FieldJobID, job.ID,
			"type", job.Type,
			"checkpoint", job.ProcessedItems)
	}
	wp.logger.Starting("Orphan recovery complete", "recovered", recovered, logger.FieldTotal, len(orphaned))
	return nil
}

// Stop gracefully stops the worker pool
// ❀ Closing: running jobs are re-queued with their checkpoint on context cancellation
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	cancel := wp.cancel
	wp.mu.Unlock()
	cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	timeout := wp.poolConfig.ShutdownTimeout
	select {
	case <-done:
		wp.logger.Pulse("❀ WorkerPool.Stop() complete - all workers exited cleanly")
	case <-time.After(timeout):
		wp.logger.Closing("WorkerPool.Stop() timeout - workers may still be checkpointing", "timeout", timeout)
	}
}

// Wake nudges idle workers to look for pending jobs now instead of at the next tick
func (wp *WorkerPool) Wake() {
	select {
	case wp.wake <- struct{}{}:
	default:
	}
}

// CancelJob cancels the run context of a job executing in this pool with
// the given cause. Returns false if the job is not running here.
func (wp *WorkerPool) CancelJob(id string, cause error) bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	cancel, ok := wp.running[id]
	if ok {
		cancel(cause)
	}
	return ok
}

// IsRunning reports whether a job is executing in this pool
func (wp *WorkerPool) IsRunning(id string) bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	_, ok := wp.running[id]
	return ok
}

// Running returns the IDs of jobs executing in this pool, sorted
func (wp *WorkerPool) Running() []string {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	ids := make([]string, 0, len(wp.running))
	for id := range wp.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// worker processes jobs until the pool stops
func (wp *WorkerPool) worker(ctx context.Context, id int) {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.poolConfig.PollInterval)
	defer ticker.Stop()

	// Error backoff state
	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wp.wake:
		}

		for {
			processed, err := wp.processNextJob(ctx, id)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, sql.ErrConnDone) || db.IsDatabaseClosed(err) {
					return
				}
				errorCount++
				wp.logger.Errorw("Worker error processing job",
					logger.FieldWorkerID, id,
					logger.FieldError, err,
					"consecutive_errors", errorCount)

				if errorCount >= maxConsecutiveErrors {
					wp.logger.Warnw("Worker backing off due to consecutive errors",
						logger.FieldWorkerID, id,
						"backoff", backoffDuration,
						"consecutive_errors", errorCount)
					if sleepContext(ctx, backoffDuration) != nil {
						return
					}
					backoffDuration = min(backoffDuration*2, maxBackoff)
				}
				break
			}

			if errorCount > 0 {
				wp.logger.Infow("Worker recovered from errors",
					logger.FieldWorkerID, id,
					"previous_error_count", errorCount)
			}
			errorCount = 0
			backoffDuration = time.Second

			if !processed {
				break
			}
		}
	}
}

// processNextJob claims the oldest pending job not already running here and
// runs it. Returns false when there was nothing to do.
func (wp *WorkerPool) processNextJob(ctx context.Context, workerID int) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}

	wp.mu.Lock()
	skip := make(map[string]bool, len(wp.running))
	for id := range wp.running {
		skip[id] = true
	}
	wp.mu.Unlock()

	ids, err := wp.queue.Store().ClaimNextPending(ctx, 1, skip)
	if err != nil {
		return false, errors.Wrap(err, "failed to claim pending job")
	}
	if len(ids) == 0 {
		return false, nil
	}
	jobID := ids[0]

	jobCtx, cancel := context.WithCancelCause(ctx)
	wp.mu.Lock()
	if _, taken := wp.running[jobID]; taken {
		wp.mu.Unlock()
		cancel(nil)
		return true, nil
	}
	wp.running[jobID] = cancel
	wp.activeWorkers++
	wp.jobsProcessed++
	wp.mu.Unlock()

	defer func() {
		wp.mu.Lock()
		delete(wp.running, jobID)
		wp.activeWorkers--
		wp.mu.Unlock()
		cancel(nil)
	}()

	jobCtx = logger.WithJobID(jobCtx, jobID)
	if err := wp.runner.Run(jobCtx, jobID); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			// Another worker or process got there first, or the job was paused
			return true, nil
		}
		return true, errors.Wrapf(err, "worker %d failed to run job %s", workerID, jobID)
	}
	return true, nil
}

// Queue returns the job queue
func (wp *WorkerPool) Queue() *Queue {
	return wp.queue
}

// Workers returns the number of concurrent workers configured for this pool
func (wp *WorkerPool) Workers() int {
	return wp.workers
}
