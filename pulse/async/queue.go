package async

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mailpulse/mailpulse/errors"
)

// SubscriberChannelBufferSize is the buffer size for subscriber channels
const SubscriberChannelBufferSize = 100

// Queue is the Job Record Store as seen by the rest of the engine: every
// state change goes through the Store and is then published to subscribers
// (the websocket stream, tests).
type Queue struct {
	store       *Store
	mu          sync.RWMutex
	subscribers []chan *Job
}

// NewQueue creates a new job queue
func NewQueue(db *sql.DB) *Queue {
	return &Queue{
		store:       NewStore(db),
		subscribers: make([]chan *Job, 0),
	}
}

// Store returns the underlying job store
func (q *Queue) Store() *Store {
	return q.store
}

// Enqueue persists a new pending job
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if err := q.store.CreateJob(ctx, job); err != nil {
		err = errors.Wrap(err, "failed to enqueue job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Type: %s", job.Type))
		err = errors.WithDetail(err, fmt.Sprintf("Owner: %s", job.OwnerID))
		return err
	}

	q.notifySubscribers(job)
	return nil
}

// GetJob retrieves a job owned by ownerID
func (q *Queue) GetJob(ctx context.Context, id, ownerID string) (*Job, error) {
	return q.store.GetJob(ctx, id, ownerID)
}

// GetJobByID retrieves a job regardless of owner
func (q *Queue) GetJobByID(ctx context.Context, id string) (*Job, error) {
	return q.store.GetJobByID(ctx, id)
}

// ListJobs returns jobs newest first
func (q *Queue) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	return q.store.ListJobs(ctx, filter)
}

// TransitionToProcessing moves a pending job to processing
func (q *Queue) TransitionToProcessing(ctx context.Context, id string) error {
	if err := q.store.TransitionToProcessing(ctx, id); err != nil {
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
	}
	q.publish(ctx, id)
	return nil
}

// RecordItemOutcome stores one item's outcome and advances the counters
func (q *Queue) RecordItemOutcome(ctx context.Context, id string, outcome ItemOutcome) error {
	if err := q.store.RecordItemOutcome(ctx, id, outcome); err != nil {
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
		err = errors.WithDetail(err, fmt.Sprintf("Item: %d", outcome.Index))
		return err
	}
	q.publish(ctx, id)
	return nil
}

// Finalize moves a processing job to completed or failed
func (q *Queue) Finalize(ctx context.Context, id string, status JobStatus, result json.RawMessage, errMsg string) error {
	if err := q.store.Finalize(ctx, id, status, result, errMsg); err != nil {
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
		err = errors.WithDetail(err, fmt.Sprintf("Final status: %s", status))
		return err
	}
	q.publish(ctx, id)
	return nil
}

// IsPausedOrCancelled reports whether the job should stop processing
func (q *Queue) IsPausedOrCancelled(ctx context.Context, id string) (bool, error) {
	return q.store.IsPausedOrCancelled(ctx, id)
}

// SaveWorkList persists the items the channel discovered and resizes the total
func (q *Queue) SaveWorkList(ctx context.Context, id string, items []Item) error {
	if err := q.store.SaveWorkList(ctx, id, items); err != nil {
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
		err = errors.WithDetail(err, fmt.Sprintf("Items: %d", len(items)))
		return err
	}
	q.publish(ctx, id)
	return nil
}

// RequeueJob returns a processing job to pending, keeping its checkpoint
func (q *Queue) RequeueJob(ctx context.Context, id string) error {
	if err := q.store.RequeueJob(ctx, id); err != nil {
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
	}
	q.publish(ctx, id)
	return nil
}

// CancelJob soft-cancels an active job
func (q *Queue) CancelJob(ctx context.Context, id, ownerID, reason string) error {
	if err := q.store.CancelJob(ctx, id, ownerID, reason); err != nil {
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
	}
	q.publish(ctx, id)
	return nil
}

// PauseJob pauses a pending or processing job
func (q *Queue) PauseJob(ctx context.Context, id, ownerID string) error {
	if err := q.store.PauseJob(ctx, id, ownerID); err != nil {
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
	}
	q.publish(ctx, id)
	return nil
}

// ResumeJob returns a paused job to pending
func (q *Queue) ResumeJob(ctx context.Context, id, ownerID string) error {
	if err := q.store.ResumeJob(ctx, id, ownerID); err != nil {
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
	}
	q.publish(ctx, id)
	return nil
}

// DeleteJob removes a terminal job
func (q *Queue) DeleteJob(ctx context.Context, id, ownerID string) error {
	if err := q.store.DeleteJob(ctx, id, ownerID); err != nil {
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
	}
	return nil
}

// Subscribe returns a channel that receives a snapshot of every job after
// each state change. Slow subscribers miss updates rather than block workers.
func (q *Queue) Subscribe() <-chan *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *Job, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes and closes a subscriber channel
func (q *Queue) Unsubscribe(ch <-chan *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

// publish reloads the job and notifies subscribers
func (q *Queue) publish(ctx context.Context, id string) {
	q.mu.RLock()
	n := len(q.subscribers)
	q.mu.RUnlock()
	if n == 0 {
		return
	}

	job, err := q.store.GetJobByID(context.WithoutCancel(ctx), id)
	if err != nil {
		return
	}
	q.notifySubscribers(job)
}

func (q *Queue) notifySubscribers(job *Job) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, ch := range q.subscribers {
		snapshot := *job
		select {
		case ch <- &snapshot:
		default:
		}
	}
}
