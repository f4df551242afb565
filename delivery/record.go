// Package delivery stores the per-item outcome of every send a job makes.
//
// Records are written by the job engine inside the same transaction that
// advances the job's counters, so a record exists for an item exactly when
// the item was counted. The UNIQUE(job_id, item_index) constraint makes a
// second write for the same item fail instead of double counting.
package delivery

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/mailpulse/mailpulse/db"
	"github.com/mailpulse/mailpulse/errors"
)

// Status is the outcome of one item
type Status string

const (
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
)

// ErrDuplicate is returned when an item already has a record for its job
var ErrDuplicate = errors.New("delivery already recorded for item")

// Record is the outcome of sending one item of a job
type Record struct {
	ID         string     `json:"id"`
	JobID      string     `json:"job_id"`
	OwnerID    string     `json:"owner_id"`
	Channel    string     `json:"channel"`
	ItemIndex  int        `json:"item_index"`
	Recipient  string     `json:"recipient"`
	Status     Status     `json:"status"`
	Error      string     `json:"error,omitempty"`
	ProviderID string     `json:"provider_id,omitempty"`
	Attempts   int        `json:"attempts"`
	CreatedAt  time.Time  `json:"created_at"`
	OpenedAt   *time.Time `json:"opened_at,omitempty"` // set by the email open pixel
}

// Execer is satisfied by *sql.DB and *sql.Tx
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Insert writes rec using ex, assigning ID and CreatedAt when unset.
// Pass a *sql.Tx to make the insert part of a larger update.
func Insert(ctx context.Context, ex Execer, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Attempts < 1 {
		rec.Attempts = 1
	}

	_, err := ex.ExecContext(ctx, `
		INSERT INTO delivery_records (
			id, job_id, owner_id, channel, item_index, recipient,
			status, error, provider_id, attempts, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.JobID, rec.OwnerID, rec.Channel, rec.ItemIndex, rec.Recipient,
		rec.Status, nullString(rec.Error), nullString(rec.ProviderID), rec.Attempts, rec.CreatedAt,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return errors.Mark(errors.Wrapf(err, "item %d of job %s", rec.ItemIndex, rec.JobID), ErrDuplicate)
		}
		return errors.Wrap(err, "failed to insert delivery record")
	}

	// Quota usage outlives the job and its delivery records
	_, err = ex.ExecContext(ctx, `
		INSERT INTO send_usage (id, owner_id, job_id, channel, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.OwnerID, rec.JobID, rec.Channel, rec.Status, rec.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to record send usage")
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
