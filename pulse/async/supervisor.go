package async

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mailpulse/mailpulse/errors"
	"github.com/mailpulse/mailpulse/internal/placeholder"
	"github.com/mailpulse/mailpulse/logger"
	"github.com/mailpulse/mailpulse/sym"
)

// Supervisor is the entry point for job requests: it creates jobs, hands
// them to the worker pool, and routes pause/cancel requests to running jobs.
type Supervisor struct {
	queue    *Queue
	channels *ChannelRegistry
	pool     *WorkerPool // nil in processes that only accept requests
	quota    QuotaChecker
	logger   *zap.SugaredLogger

	// admit serializes the quota check with the insert it guards
	admit sync.Mutex
}

// QuotaChecker rejects jobs that would take an owner over their send quota
type QuotaChecker interface {
	CheckQuota(ctx context.Context, ownerID string, planned int) error
}

// NewSupervisor creates a supervisor. pool may be nil, in which case jobs
// are picked up by whichever process runs a worker pool on the same database.
func NewSupervisor(queue *Queue, channels *ChannelRegistry, pool *WorkerPool, log *zap.SugaredLogger) *Supervisor {
	return &Supervisor{
		queue:    queue,
		channels: channels,
		pool:     pool,
		logger:   log.Named("supervisor"),
	}
}

// SetQuota makes Start check q before creating a job
func (s *Supervisor) SetQuota(q QuotaChecker) {
	s.quota = q
}

// Queue returns the job queue
func (s *Supervisor) Queue() *Queue {
	return s.queue
}

// Pool returns the worker pool, nil when this process does not run jobs
func (s *Supervisor) Pool() *WorkerPool {
	return s.pool
}

// Start validates and persists a new pending job and returns its ID
// without waiting for any of it to run.
func (s *Supervisor) Start(ctx context.Context, ownerID string, jobType JobType, items []Item, params Params) (string, error) {
	if ownerID == "" {
		return "", errors.Mark(errors.New("owner id is required"), errors.ErrUnauthorized)
	}
	if !IsValidType(string(jobType)) || !s.channels.Has(jobType) {
		return "", errors.NewInvalidRequestError("unsupported job type %q", jobType)
	}

	total, err := validateWork(jobType, items, &params)
	if err != nil {
		return "", err
	}
	if jobType == JobTypeLeadGeneration {
		items = nil
	}
	payload := &Payload{Items: items, Params: params}
	data, err := payload.Encode()
	if err != nil {
		return "", err
	}

	job, err := NewJob(ownerID, jobType, total, data)
	if err != nil {
		return "", err
	}
	if err := s.admitJob(ctx, job); err != nil {
		return "", err
	}

	s.logger.Infow(fmt.Sprintf(sym.Pulse+" Job queued | type:%s items:%d | job:%s", jobType, total, ShortID(job.ID)),
		logger.FieldJobID, job.ID,
		logger.FieldOwnerID, ownerID,
		logger.FieldTotal, total)

	if s.pool != nil {
		s.pool.Wake()
	}
	return job.ID, nil
}

// admitJob checks the owner's quota and stores the job as one step, so
// concurrent requests cannot both claim the same remaining sends
func (s *Supervisor) admitJob(ctx context.Context, job *Job) error {
	s.admit.Lock()
	defer s.admit.Unlock()

	if s.quota != nil && job.TotalItems > 0 {
		if err := s.quota.CheckQuota(ctx, job.OwnerID, job.TotalItems); err != nil {
			return err
		}
	}
	return s.queue.Enqueue(ctx, job)
}

// validateWork checks the work list and returns the job's item total
func validateWork(jobType JobType, items []Item, params *Params) (int, error) {
	if params.SendDelay < 0 {
		return 0, errors.NewInvalidRequestError("send_delay cannot be negative")
	}

	if jobType == JobTypeLeadGeneration {
		if strings.TrimSpace(params.Query) == "" {
			return 0, errors.NewInvalidRequestError("query is required for lead generation")
		}
		if params.MaxResults < 0 {
			return 0, errors.NewInvalidRequestError("max_results cannot be negative")
		}
		if params.MaxResults == 0 {
			params.MaxResults = DefaultLeadResults
		}
		if params.MaxResults > MaxLeadResults {
			params.MaxResults = MaxLeadResults
		}
		return params.MaxResults, nil
	}

	if len(items) > MaxItemsPerJob {
		return 0, errors.NewInvalidRequestError("too many items: %d (max %d)", len(items), MaxItemsPerJob)
	}
	if jobType == JobTypeEmailCampaign && strings.TrimSpace(params.Subject) == "" {
		return 0, errors.NewInvalidRequestError("subject is required for email campaigns")
	}
	if strings.TrimSpace(params.Body) == "" {
		return 0, errors.NewInvalidRequestError("body is required")
	}

	template := params.Subject + "\n" + params.Body
	for i, item := range items {
		if missing := placeholder.Missing(template, item); len(missing) > 0 {
			return 0, errors.NewInvalidRequestError("item %d is missing fields: %s", i, strings.Join(missing, ", "))
		}
	}
	return len(items), nil
}

// Get returns a job owned by ownerID
func (s *Supervisor) Get(ctx context.Context, id, ownerID string) (*Job, error) {
	return s.queue.GetJob(ctx, id, ownerID)
}

// List returns the owner's jobs newest first
func (s *Supervisor) List(ctx context.Context, filter JobFilter) ([]*Job, error) {
	return s.queue.ListJobs(ctx, filter)
}

// Cancel soft-cancels an active job: it is marked failed with
// CancelledMessage and, if running here, its run context is cancelled.
func (s *Supervisor) Cancel(ctx context.Context, id, ownerID string) (*Job, error) {
	if err := s.queue.CancelJob(ctx, id, ownerID, CancelledMessage); err != nil {
		return nil, err
	}
	if s.pool != nil && s.pool.CancelJob(id, ErrJobCancelled) {
		s.logger.Infow("Signalled running job to stop", logger.FieldJobID, id, "reason", "cancel")
	}
	return s.queue.GetJob(ctx, id, ownerID)
}

// Pause suspends a pending or processing job. A running job stops at the
// next item boundary and keeps its checkpoint.
func (s *Supervisor) Pause(ctx context.Context, id, ownerID string) (*Job, error) {
	if err := s.queue.PauseJob(ctx, id, ownerID); err != nil {
		return nil, err
	}
	if s.pool != nil && s.pool.CancelJob(id, ErrJobPaused) {
		s.logger.Infow("Signalled running job to stop", logger.FieldJobID, id, "reason", "pause")
	}
	return s.queue.GetJob(ctx, id, ownerID)
}

// Resume returns a paused job to the queue; it continues from its checkpoint
func (s *Supervisor) Resume(ctx context.Context, id, ownerID string) (*Job, error) {
	if err := s.queue.ResumeJob(ctx, id, ownerID); err != nil {
		return nil, err
	}
	if s.pool != nil {
		s.pool.Wake()
	}
	return s.queue.GetJob(ctx, id, ownerID)
}

// Delete cancels an active job or removes a terminal one. deleted reports
// which happened; job is the cancelled job when deleted is false.
func (s *Supervisor) Delete(ctx context.Context, id, ownerID string) (deleted bool, job *Job, err error) {
	job, err = s.queue.GetJob(ctx, id, ownerID)
	if err != nil {
		return false, nil, err
	}

	if !job.Status.IsTerminal() {
		job, err = s.Cancel(ctx, id, ownerID)
		if err == nil || !errors.Is(err, ErrInvalidTransition) {
			return false, job, err
		}
		// Finished between the read and the cancel: fall through to delete
	}

	if err := s.queue.DeleteJob(ctx, id, ownerID); err != nil {
		return false, nil, err
	}
	s.logger.Infow("Job deleted", logger.FieldJobID, id, logger.FieldOwnerID, ownerID)
	return true, nil, nil
}
