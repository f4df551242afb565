package async

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/mailpulse/mailpulse/delivery"
	"github.com/mailpulse/mailpulse/errors"
)

const (
	// DefaultListLimit is the page size used when a filter has no limit
	DefaultListLimit = 50
	// MaxListLimit caps a single page of jobs
	MaxListLimit = 500
)

// Store handles persistence of jobs.
//
// Every status change is a conditional UPDATE on the expected current status,
// so concurrent writers (runner, cancel request, another worker) cannot
// overwrite each other: the loser sees zero affected rows and gets
// ErrInvalidTransition or ErrJobTerminal.
//
// Methods taking an ownerID scope the statement to that owner. An empty
// ownerID matches any owner and is reserved for operator tooling.
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying database handle
func (s *Store) DB() *sql.DB {
	return s.db
}

// JobFilter narrows ListJobs
type JobFilter struct {
	OwnerID string
	Type    JobType
	Status  JobStatus
	Limit   int
}

// ItemOutcome is the result of processing one work item
type ItemOutcome struct {
	Index      int
	Recipient  string
	Success    bool
	Error      string
	ProviderID string
	Attempts   int
}

// CreateJob inserts a new job
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	if len(job.Data) == 0 {
		job.Data = json.RawMessage(`{"items":[],"params":{}}`)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (
			id, owner_id, type, status,
			total_items, processed_items, success_count, failed_count, progress,
			data, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.OwnerID, job.Type, job.Status,
		job.TotalItems, job.ProcessedItems, job.SuccessCount, job.FailedCount, job.Progress,
		string(job.Data), job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create job")
	}
	return nil
}

// GetJob retrieves a job owned by ownerID
func (s *Store) GetJob(ctx context.Context, id, ownerID string) (*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + ` FROM jobs WHERE id = ?`
	args := []interface{}{id}
	if ownerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, ownerID)
	}

	job, err := scanJob(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	return job, nil
}

// GetJobByID retrieves a job regardless of owner
func (s *Store) GetJobByID(ctx context.Context, id string) (*Job, error) {
	return s.GetJob(ctx, id, "")
}

// TransitionToProcessing moves a pending job to processing.
// started_at is written on the first transition only, so a resumed job keeps
// its original start time.
func (s *Store) TransitionToProcessing(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'processing',
		    started_at = COALESCE(started_at, ?),
		    error = NULL,
		    updated_at = ?
		WHERE id = ? AND status = 'pending'`, now, now, id)
	if err != nil {
		return errors.Wrap(err, "failed to transition job to processing")
	}
	return s.checkTransition(ctx, res, id, JobStatusPending)
}

// RecordItemOutcome stores the delivery record for one item and advances the
// counters in a single transaction. Items must be recorded in order; the
// outcome index has to equal the current processed count.
func (s *Store) RecordItemOutcome(ctx context.Context, id string, outcome ItemOutcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin item outcome transaction")
	}
	defer tx.Rollback()

	var (
		ownerID                          string
		jobType                          JobType
		status                           JobStatus
		total, processed, success, fails int
	)
	err = tx.QueryRowContext(ctx, `
		SELECT owner_id, type, status, total_items, processed_items, success_count, failed_count
		FROM jobs WHERE id = ?`, id).Scan(&ownerID, &jobType, &status, &total, &processed, &success, &fails)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.NewNotFoundError("job not found: %s", id)
	}
	if err != nil {
		return errors.Wrap(err, "failed to read job counters")
	}

	if status.IsTerminal() {
		return errors.Mark(errors.Newf("job %s is %s, outcome for item %d dropped", id, status, outcome.Index), ErrJobTerminal)
	}
	if outcome.Index != processed {
		err := errors.Newf("item %d recorded out of order, job %s has processed %d", outcome.Index, id, processed)
		return errors.Mark(err, ErrInvalidTransition)
	}
	if processed >= total {
		err := errors.Newf("job %s already processed all %d items", id, total)
		return errors.Mark(err, ErrInvalidTransition)
	}

	rec := &delivery.Record{
		JobID:      id,
		OwnerID:    ownerID,
		Channel:    jobType.Channel(),
		ItemIndex:  outcome.Index,
		Recipient:  outcome.Recipient,
		Status:     delivery.StatusSent,
		ProviderID: outcome.ProviderID,
		Attempts:   outcome.Attempts,
	}
	processed++
	if outcome.Success {
		success++
	} else {
		fails++
		rec.Status = delivery.StatusFailed
		rec.Error = outcome.Error
	}

	if err := delivery.Insert(ctx, tx, rec); err != nil {
		return err
	}

	// A pause or resume may have moved the job while the item was in flight;
	// the counters follow the delivery record regardless.
	progress := ComputeProgress(processed, total, status)
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET processed_items = ?, success_count = ?, failed_count = ?, progress = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed') AND processed_items = ?`,
		processed, success, fails, progress, time.Now().UTC(), id, processed-1)
	if err != nil {
		return errors.Wrap(err, "failed to update job counters")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows != 1 {
		return errors.Mark(errors.Newf("job %s changed while recording item %d", id, outcome.Index), ErrInvalidTransition)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit item outcome")
	}
	return nil
}

// Finalize moves a processing job to completed or failed.
// Completed jobs get progress 100 and the result; failed jobs keep their
// progress and get the error message.
func (s *Store) Finalize(ctx context.Context, id string, status JobStatus, result json.RawMessage, errMsg string) error {
	now := time.Now().UTC()

	var res sql.Result
	var err error
	switch status {
	case JobStatusCompleted:
		res, err = s.db.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'completed', progress = 100, result = ?, error = NULL,
			    completed_at = ?, updated_at = ?
			WHERE id = ? AND status = 'processing'`,
			nullJSON(result), now, now, id)
	case JobStatusFailed:
		if errMsg == "" {
			errMsg = "job failed"
		}
		res, err = s.db.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'failed', result = NULL, error = ?,
			    completed_at = ?, updated_at = ?
			WHERE id = ? AND status = 'processing'`,
			errMsg, now, now, id)
	default:
		return errors.Newf("cannot finalize job %s as %s", id, status)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to finalize job as %s", status)
	}
	return s.checkTransition(ctx, res, id, JobStatusProcessing)
}

// IsPausedOrCancelled reports whether the runner should stop: true when the
// job is no longer processing (paused, cancelled, or deleted).
func (s *Store) IsPausedOrCancelled(ctx context.Context, id string) (bool, error) {
	var status JobStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to read job status")
	}
	return status != JobStatusProcessing, nil
}

// CancelJob soft-cancels a pending, processing or paused job: it becomes
// failed with the given reason. Counters are left as they are.
func (s *Store) CancelJob(ctx context.Context, id, ownerID, reason string) error {
	if reason == "" {
		reason = CancelledMessage
	}
	now := time.Now().UTC()
	query := `
		UPDATE jobs
		SET status = 'failed', error = ?, result = NULL, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'processing', 'paused')`
	args := []interface{}{reason, now, now, id}
	query, args = scopeToOwner(query, args, ownerID)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "failed to cancel job")
	}
	return s.checkOwnedTransition(ctx, res, id, ownerID, "cancel")
}

// PauseJob pauses a pending or processing job
func (s *Store) PauseJob(ctx context.Context, id, ownerID string) error {
	query := `
		UPDATE jobs SET status = 'paused', updated_at = ?
		WHERE id = ? AND status IN ('pending', 'processing')`
	args := []interface{}{time.Now().UTC(), id}
	query, args = scopeToOwner(query, args, ownerID)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "failed to pause job")
	}
	return s.checkOwnedTransition(ctx, res, id, ownerID, "pause")
}

// ResumeJob returns a paused job to pending so a worker picks it up again
func (s *Store) ResumeJob(ctx context.Context, id, ownerID string) error {
	query := `
		UPDATE jobs SET status = 'pending', updated_at = ?
		WHERE id = ? AND status = 'paused'`
	args := []interface{}{time.Now().UTC(), id}
	query, args = scopeToOwner(query, args, ownerID)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "failed to resume job")
	}
	return s.checkOwnedTransition(ctx, res, id, ownerID, "resume")
}

// RequeueJob returns a processing job to pending with its counters intact.
// Used on shutdown and for jobs orphaned by a crash.
func (s *Store) RequeueJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', updated_at = ?
		WHERE id = ? AND status = 'processing'`, time.Now().UTC(), id)
	if err != nil {
		return errors.Wrap(err, "failed to requeue job")
	}
	return s.checkTransition(ctx, res, id, JobStatusProcessing)
}

// SaveWorkList stores the items a channel discovered at open time in the
// job's payload and resizes its total, so a resumed run works through the
// same list. The total never drops below the items already processed.
func (s *Store) SaveWorkList(ctx context.Context, id string, items []Item) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin work list transaction")
	}
	defer tx.Rollback()

	var status JobStatus
	var processed int
	var data []byte
	err = tx.QueryRowContext(ctx, `SELECT status, processed_items, data FROM jobs WHERE id = ?`, id).Scan(&status, &processed, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.NewNotFoundError("job not found: %s", id)
	}
	if err != nil {
		return errors.Wrap(err, "failed to read job for work list")
	}
	if status.IsTerminal() {
		return errors.Mark(errors.Newf("job %s is %s", id, status), ErrJobTerminal)
	}

	payload, err := DecodePayload(data)
	if err != nil {
		return err
	}
	payload.Items = items
	encoded, err := payload.Encode()
	if err != nil {
		return err
	}
	total := max(len(items), processed)

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET data = ?, total_items = ?, progress = ?, updated_at = ?
		WHERE id = ?`, string(encoded), total, ComputeProgress(processed, total, status), time.Now().UTC(), id)
	if err != nil {
		return errors.Wrap(err, "failed to save work list")
	}
	return errors.Wrap(tx.Commit(), "failed to commit work list")
}

// DeleteJob removes a terminal job and its delivery records.
// Active jobs must be cancelled first.
func (s *Store) DeleteJob(ctx context.Context, id, ownerID string) error {
	query := `DELETE FROM jobs WHERE id = ? AND status IN ('completed', 'failed')`
	args := []interface{}{id}
	query, args = scopeToOwner(query, args, ownerID)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "failed to delete job")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows > 0 {
		return nil
	}

	job, err := s.GetJob(ctx, id, ownerID)
	if err != nil {
		return err
	}
	return errors.NewConflictError("job %s is %s and cannot be deleted", id, job.Status)
}

// ListJobs returns jobs newest first
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	var conds []string
	var args []interface{}
	if filter.OwnerID != "" {
		conds = append(conds, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	query := `SELECT ` + StandardJobSelectColumns() + ` FROM jobs`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "jobs")
}

// ListByStatus returns jobs in the given status, oldest first
func (s *Store) ListByStatus(ctx context.Context, status JobStatus, limit int) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+StandardJobSelectColumns()+`
		FROM jobs WHERE status = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, status, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s jobs", status)
	}
	defer rows.Close()

	return scanJobs(rows, string(status)+" jobs")
}

// ClaimNextPending returns the IDs of the oldest pending jobs, skipping the
// given IDs. Callers still have to win TransitionToProcessing.
func (s *Store) ClaimNextPending(ctx context.Context, limit int, skip map[string]bool) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM jobs WHERE status = 'pending'
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, limit+len(skip))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pending jobs")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan pending job id")
		}
		if skip[id] {
			continue
		}
		ids = append(ids, id)
		if len(ids) == limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating pending jobs")
	}
	return ids, nil
}

// CleanupOldJobs removes completed/failed jobs last updated before now-olderThan
func (s *Store) CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed')
		  AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old jobs")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}

// PruneSendUsage drops quota ledger rows older than olderThan
func (s *Store) PruneSendUsage(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM send_usage WHERE created_at < ?`, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune send usage")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}

// Counts returns the number of jobs per status
func (s *Store) Counts(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[JobStatus]int)
	for rows.Next() {
		var status JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating job counts")
	}
	return counts, nil
}

// scanJobs scans every row; callers close rows
func scanJobs(rows *sql.Rows, what string) ([]*Job, error) {
	jobs := make([]*Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", what)
	}
	return jobs, nil
}

// checkTransition turns a zero-row conditional update into a typed error
func (s *Store) checkTransition(ctx context.Context, res sql.Result, id string, expected JobStatus) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows > 0 {
		return nil
	}

	job, err := s.GetJobByID(ctx, id)
	if err != nil {
		return err
	}
	err = errors.Newf("job %s is %s, expected %s", id, job.Status, expected)
	if job.Status.IsTerminal() {
		return errors.Mark(err, ErrJobTerminal)
	}
	return errors.Mark(err, ErrInvalidTransition)
}

func (s *Store) checkOwnedTransition(ctx context.Context, res sql.Result, id, ownerID, op string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows > 0 {
		return nil
	}

	job, err := s.GetJob(ctx, id, ownerID)
	if err != nil {
		return err
	}
	err = errors.Newf("cannot %s job %s: job is %s", op, id, job.Status)
	return errors.Mark(errors.Mark(err, ErrInvalidTransition), errors.ErrConflict)
}

func scopeToOwner(query string, args []interface{}, ownerID string) (string, []interface{}) {
	if ownerID == "" {
		return query, args
	}
	return query + ` AND owner_id = ?`, append(args, ownerID)
}

func nullJSON(data json.RawMessage) sql.NullString {
	return sql.NullString{String: string(data), Valid: len(data) > 0}
}
