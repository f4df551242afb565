package delivery

import (
	"context"
	"database/sql"
	"time"

	"github.com/mailpulse/mailpulse/errors"
)

const (
	// DefaultListLimit is used when a caller passes a non-positive limit
	DefaultListLimit = 100
	// MaxListLimit caps a single page of records
	MaxListLimit = 1000
)

// Store reads delivery records
type Store struct {
	db *sql.DB
}

// NewStore creates a delivery record store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ListByJob returns the records of one job in item order.
// Records of jobs owned by someone else are never returned; an empty
// ownerID matches any owner.
func (s *Store) ListByJob(ctx context.Context, jobID, ownerID string, limit, offset int) ([]*Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT id, job_id, owner_id, channel, item_index, recipient,
		       status, error, provider_id, attempts, created_at, opened_at
		FROM delivery_records
		WHERE job_id = ?`
	args := []interface{}{jobID}
	if ownerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY item_index ASC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list delivery records")
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var rec Record
		var errMsg, providerID sql.NullString
		var openedAt sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.OwnerID, &rec.Channel, &rec.ItemIndex,
			&rec.Recipient, &rec.Status, &errMsg, &providerID, &rec.Attempts, &rec.CreatedAt, &openedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan delivery record")
		}
		rec.Error = errMsg.String
		rec.ProviderID = providerID.String
		if openedAt.Valid {
			rec.OpenedAt = &openedAt.Time
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating delivery records")
	}
	return records, nil
}

// MarkOpened records the first open of an item's email. Later opens and
// unknown items are ignored.
func (s *Store) MarkOpened(ctx context.Context, jobID string, index int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE delivery_records SET opened_at = ?
		WHERE job_id = ? AND item_index = ? AND opened_at IS NULL`,
		time.Now().UTC(), jobID, index)
	if err != nil {
		return errors.Wrap(err, "failed to record open")
	}
	return nil
}

// CountByStatus returns how many items of a job were sent and failed
func (s *Store) CountByStatus(ctx context.Context, jobID string) (sent, failed int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'sent' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM delivery_records WHERE job_id = ?`, jobID).Scan(&sent, &failed)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to count delivery records")
	}
	return sent, failed, nil
}
