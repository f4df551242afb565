package async

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mailpulse/mailpulse/errors"
	"github.com/mailpulse/mailpulse/internal/placeholder"
	"github.com/mailpulse/mailpulse/logger"
	"github.com/mailpulse/mailpulse/sym"
)

// DefaultSendTimeout bounds a single send attempt
const DefaultSendTimeout = 60 * time.Second

// errShutdown is the stop reason when the worker pool is stopping
var errShutdown = errors.New("worker pool shutting down")

// JobRecordStore is the store surface the runner writes through.
// *Queue implements it and publishes every change.
type JobRecordStore interface {
	GetJobByID(ctx context.Context, id string) (*Job, error)
	TransitionToProcessing(ctx context.Context, id string) error
	RecordItemOutcome(ctx context.Context, id string, outcome ItemOutcome) error
	Finalize(ctx context.Context, id string, status JobStatus, result json.RawMessage, errMsg string) error
	IsPausedOrCancelled(ctx context.Context, id string) (bool, error)
	SaveWorkList(ctx context.Context, id string, items []Item) error
	RequeueJob(ctx context.Context, id string) error
}

// SendLimiter throttles sends per owner
type SendLimiter interface {
	Wait(ctx context.Context, key string) error
}

// RunnerConfig tunes the runner
type RunnerConfig struct {
	SendTimeout time.Duration
}

// Runner executes one job from pending to a terminal (or paused/requeued) state.
//
// The job context passed to Run carries the stop request: it is cancelled with
// ErrJobCancelled or ErrJobPaused as its cause by the supervisor, or plainly
// on shutdown. The runner only observes it between items, in delay waits and
// in retry backoff waits. Sends themselves run on a context detached from it,
// bounded by SendTimeout, so an item that has started is always recorded.
type Runner struct {
	store       JobRecordStore
	channels    *ChannelRegistry
	limiter     SendLimiter
	sendTimeout time.Duration
	logger      pulseLogger
}

// NewRunner creates a runner. limiter may be nil.
func NewRunner(store JobRecordStore, channels *ChannelRegistry, limiter SendLimiter, cfg RunnerConfig, log *zap.SugaredLogger) *Runner {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	return &Runner{
		store:       store,
		channels:    channels,
		limiter:     limiter,
		sendTimeout: cfg.SendTimeout,
		logger:      pulseLogger{log.Named("runner")},
	}
}

// Run executes the job. It returns nil once the job's outcome is recorded,
// including when the job itself failed; errors are reserved for jobs that
// could not be started or whose outcome could not be stored.
func (r *Runner) Run(ctx context.Context, jobID string) (err error) {
	storeCtx := context.WithoutCancel(ctx)

	job, err := r.store.GetJobByID(storeCtx, jobID)
	if err != nil {
		return errors.Wrap(err, "failed to load job")
	}
	if job.Status != JobStatusPending {
		return errors.Mark(errors.Newf("job %s is %s, not pending", jobID, job.Status), ErrInvalidTransition)
	}
	if err := r.store.TransitionToProcessing(storeCtx, jobID); err != nil {
		return err
	}
	job.Status = JobStatusProcessing

	log := pulseLogger{r.logger.With(
		logger.FieldJobID, job.ID,
		logger.FieldOwnerID, job.OwnerID,
		logger.FieldChannel, job.Type.Channel(),
	)}

	defer func() {
		if rec := recover(); rec != nil {
			err = r.fail(storeCtx, log, job, "panic", errors.Newf("unexpected panic: %v", rec))
		}
	}()

	if job.ProcessedItems > 0 {
		log.Starting("Resuming job", "from_item", job.ProcessedItems, logger.FieldTotal, job.TotalItems)
	} else {
		log.Starting("Starting job", logger.FieldTotal, job.TotalItems)
	}

	payload, err := DecodePayload(job.Data)
	if err != nil {
		return r.fail(storeCtx, log, job, "setup", err)
	}

	if job.TotalItems == 0 {
		return r.complete(storeCtx, log, job, nil)
	}

	ch := r.channels.Get(job.Type)
	if ch == nil {
		return r.fail(storeCtx, log, job, "setup", errors.Newf("no channel registered for job type %s", job.Type))
	}

	session, err := ch.Open(ctx, job, payload)
	if err != nil {
		if stop := stopCause(ctx); stop != nil {
			return r.stopped(storeCtx, log, job, stop)
		}
		return r.fail(storeCtx, log, job, "setup", err)
	}

	var closeOnce sync.Once
	closeSession := func() {
		closeOnce.Do(func() {
			if err := session.Close(); err != nil {
				log.Warnw("Failed to close channel session", logger.FieldError, err)
			}
		})
	}
	defer closeSession()

	// A discovered work list is saved on the first run; later runs resume
	// through the saved copy
	items := payload.Items
	if src, ok := session.(ItemSource); ok && len(items) == 0 {
		items = src.Items()
		if err := r.store.SaveWorkList(storeCtx, job.ID, items); err != nil {
			closeSession()
			if errors.Is(err, ErrJobTerminal) {
				return r.stopped(storeCtx, log, job, errors.Mark(err, ErrJobCancelled))
			}
			return r.fail(storeCtx, log, job, "setup", err)
		}
		job.TotalItems = max(len(items), job.ProcessedItems)
		log.Debugw("Work list discovered", logger.FieldTotal, job.TotalItems)
	}
	if len(items) > job.TotalItems {
		items = items[:job.TotalItems]
	}

	ids, loopErr := r.processItems(ctx, storeCtx, log, job, payload.Params, items, ch.RetryPolicy(), session)
	closeSession()

	switch {
	case loopErr == nil:
		return r.complete(storeCtx, log, job, ids)
	case isStop(loopErr):
		return r.stopped(storeCtx, log, job, loopErr)
	default:
		return r.fail(storeCtx, log, job, "send", loopErr)
	}
}

// processItems sends items[job.ProcessedItems:] in order, recording each
// outcome before moving on.
func (r *Runner) processItems(ctx, storeCtx context.Context, log pulseLogger, job *Job, params Params, items []Item, policy RetryPolicy, session Session) ([]string, error) {
	var ids []string
	delay := params.Delay()

	for i := job.ProcessedItems; i < len(items); i++ {
		if err := r.checkStop(ctx, storeCtx, job.ID); err != nil {
			return ids, err
		}

		msg := buildMessage(job, params, i, items[i])
		outcome := ItemOutcome{Index: i, Recipient: msg.Recipient}

		if msg.Recipient == "" {
			outcome.Error = "missing recipient"
		} else {
			if r.limiter != nil {
				if err := r.limiter.Wait(ctx, job.OwnerID); err != nil {
					if stop := stopCause(ctx); stop != nil {
						return ids, stop
					}
					return ids, errors.Wrap(err, "send budget unavailable")
				}
			}

			ack, attempts, err := r.send(ctx, log, session, policy, msg)
			outcome.Attempts = attempts
			if err != nil {
				if errors.Is(err, ErrFatal) || isStop(err) {
					return ids, err
				}
				outcome.Error = err.Error()
				errCtx := ClassifyError("send", err)
				log.Debugw("Item failed",
					logger.FieldItemIndex, i,
					logger.FieldAttempt, attempts,
					logger.FieldErrorCode, errCtx.Code,
					logger.FieldError, err)
			} else {
				outcome.Success = true
				outcome.ProviderID = ack.ProviderID
				if ack.ResultID != "" {
					ids = append(ids, ack.ResultID)
				}
			}
		}

		if err := r.store.RecordItemOutcome(storeCtx, job.ID, outcome); err != nil {
			if errors.Is(err, ErrJobTerminal) {
				return ids, errors.Mark(err, ErrJobCancelled)
			}
			return ids, errors.Wrapf(err, "failed to record outcome of item %d", i)
		}
		job.ProcessedItems = i + 1

		if delay > 0 && i < len(items)-1 {
			if err := sleepContext(ctx, delay); err != nil {
				return ids, stopCause(ctx)
			}
		}
	}

	return ids, nil
}

// send attempts one item under the channel's retry policy
func (r *Runner) send(ctx context.Context, log pulseLogger, session Session, policy RetryPolicy, msg Message) (Ack, int, error) {
	for attempt := 1; ; attempt++ {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.sendTimeout)
		ack, err := session.Send(sendCtx, msg)
		cancel()
		if err == nil {
			return ack, attempt, nil
		}
		if wait, ok := backpressureWait(err); ok {
			log.Debugw("Channel unavailable, holding item",
				logger.FieldItemIndex, msg.Index,
				"wait", wait,
				logger.FieldError, err)
			if sleepContext(ctx, wait) != nil {
				if stop := stopCause(ctx); stop != nil {
					return Ack{}, attempt, stop
				}
				return Ack{}, attempt, err
			}
			attempt--
			continue
		}
		if errors.Is(err, ErrFatal) || !policy.shouldRetry(attempt, err) {
			return Ack{}, attempt, err
		}

		wait := policy.wait(attempt)
		log.Debugw("Retrying item",
			logger.FieldItemIndex, msg.Index,
			logger.FieldAttempt, attempt,
			"backoff", wait,
			logger.FieldError, err)
		if sleepContext(ctx, wait) != nil {
			// Not recorded; the item is retried from the checkpoint
			if stop := stopCause(ctx); stop != nil {
				return Ack{}, attempt, stop
			}
			return Ack{}, attempt, err
		}
	}
}

// checkStop reports a pause, cancel or shutdown request, either signalled
// through ctx or written to the store by another process
func (r *Runner) checkStop(ctx, storeCtx context.Context, id string) error {
	if stop := stopCause(ctx); stop != nil {
		return stop
	}

	stopped, err := r.store.IsPausedOrCancelled(storeCtx, id)
	if err != nil {
		return errors.Wrap(err, "failed to check job status")
	}
	if !stopped {
		return nil
	}

	job, err := r.store.GetJobByID(storeCtx, id)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return errors.Mark(err, ErrJobCancelled)
		}
		return err
	}
	if job.Status == JobStatusPaused || job.Status == JobStatusPending {
		return ErrJobPaused
	}
	return ErrJobCancelled
}

func (r *Runner) complete(ctx context.Context, log pulseLogger, job *Job, ids []string) error {
	current, err := r.store.GetJobByID(ctx, job.ID)
	if err != nil {
		return errors.Wrap(err, "failed to load job counters")
	}

	result, err := json.Marshal(Result{
		Sent:   current.SuccessCount,
		Failed: current.FailedCount,
		Total:  current.TotalItems,
		IDs:    ids,
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal job result")
	}

	if err := r.store.Finalize(ctx, job.ID, JobStatusCompleted, result, ""); err != nil {
		if errors.IsAny(err, ErrInvalidTransition, ErrJobTerminal) {
			log.Infow("Job stopped before it could complete", logger.FieldError, err)
			return nil
		}
		return errors.Wrap(err, "failed to complete job")
	}

	log.Pulse(fmt.Sprintf(sym.Pulse+" Job completed | sent:%d failed:%d total:%d | job:%s",
		current.SuccessCount, current.FailedCount, current.TotalItems, ShortID(job.ID)),
		logger.FieldSent, current.SuccessCount,
		logger.FieldFailed, current.FailedCount,
		logger.FieldTotal, current.TotalItems)
	return nil
}

func (r *Runner) fail(ctx context.Context, log pulseLogger, job *Job, stage string, cause error) error {
	errCtx := ClassifyError(stage, cause)

	if err := r.store.Finalize(ctx, job.ID, JobStatusFailed, nil, cause.Error()); err != nil {
		if errors.IsAny(err, ErrInvalidTransition, ErrJobTerminal) {
			log.Infow("Job stopped before failure could be recorded", logger.FieldError, cause)
			return nil
		}
		return errors.Wrapf(err, "failed to record job failure (%s)", cause)
	}

	log.Errorw(sym.Pulse+" Job failed",
		"stage", errCtx.Stage,
		logger.FieldErrorCode, errCtx.Code,
		logger.FieldError, cause,
		"processed", job.ProcessedItems)
	return nil
}

// stopped handles the exits that leave the job unfinished
func (r *Runner) stopped(ctx context.Context, log pulseLogger, job *Job, reason error) error {
	switch {
	case errors.Is(reason, ErrJobCancelled):
		log.Closing("Job cancelled", "processed", job.ProcessedItems)
		return nil
	case errors.Is(reason, ErrJobPaused):
		log.Closing("Job paused", "processed", job.ProcessedItems)
		return nil
	default:
		if err := r.store.RequeueJob(ctx, job.ID); err != nil {
			if errors.IsAny(err, ErrInvalidTransition, ErrJobTerminal) {
				return nil
			}
			return errors.Wrap(err, "failed to requeue job on shutdown")
		}
		log.Closing("Job re-queued for shutdown, checkpoint kept", "processed", job.ProcessedItems)
		return nil
	}
}

func buildMessage(job *Job, params Params, index int, item Item) Message {
	fields := map[string]string(item)
	return Message{
		JobID:     job.ID,
		OwnerID:   job.OwnerID,
		Index:     index,
		Recipient: item.Recipient(job.Type),
		Subject:   placeholder.Replace(params.Subject, fields),
		Body:      placeholder.Replace(params.Body, fields),
		Fields:    item,
	}
}

// stopCause returns the stop reason carried by ctx, nil while ctx is live
func stopCause(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	if errors.IsAny(cause, ErrJobCancelled, ErrJobPaused) {
		return cause
	}
	return errShutdown
}

func isStop(err error) bool {
	return errors.IsAny(err, ErrJobCancelled, ErrJobPaused, errShutdown)
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
