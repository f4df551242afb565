package leads

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mailpulse/mailpulse/errors"
)

// Store persists leads in the leads table
type Store struct {
	db *sql.DB
}

// NewStore creates a lead store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Upsert inserts the lead or, when the owner already has this place,
// refreshes its details and merges tags. lead.ID is set to the stored row's id.
func (s *Store) Upsert(ctx context.Context, lead *Lead) error {
	if lead.OwnerID == "" || lead.PlaceID == "" {
		return errors.NewInvalidRequestError("lead requires owner and place id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var (
		existingID   string
		existingTags string
		createdAt    time.Time
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, tags, created_at FROM leads WHERE owner_id = ? AND place_id = ?`,
		lead.OwnerID, lead.PlaceID).Scan(&existingID, &existingTags, &createdAt)

	now := time.Now().UTC()
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if lead.ID == "" {
			lead.ID = uuid.NewString()
		}
		lead.CreatedAt = now
		lead.UpdatedAt = now
		lead.Tags = mergeTags(nil, lead.Tags)
		tags, err := json.Marshal(lead.Tags)
		if err != nil {
			return errors.Wrap(err, "failed to marshal tags")
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO leads (id, owner_id, job_id, place_id, name, address, phone, website, rating, tags, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			lead.ID, lead.OwnerID, nullable(lead.JobID), lead.PlaceID, lead.Name, lead.Address,
			lead.Phone, lead.Website, lead.Rating, string(tags), now, now)
		if err != nil {
			return errors.Wrap(err, "failed to insert lead")
		}
	case err != nil:
		return errors.Wrap(err, "failed to look up lead")
	default:
		var old []string
		if err := json.Unmarshal([]byte(existingTags), &old); err != nil {
			return errors.Wrapf(err, "failed to parse tags of lead %s", existingID)
		}
		lead.ID = existingID
		lead.CreatedAt = createdAt
		lead.UpdatedAt = now
		lead.Tags = mergeTags(old, lead.Tags)
		tags, err := json.Marshal(lead.Tags)
		if err != nil {
			return errors.Wrap(err, "failed to marshal tags")
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE leads SET job_id = COALESCE(?, job_id), name = ?, address = ?, phone = ?,
				website = ?, rating = ?, tags = ?, updated_at = ?
			WHERE id = ?`,
			nullable(lead.JobID), lead.Name, lead.Address, lead.Phone, lead.Website,
			lead.Rating, string(tags), now, existingID)
		if err != nil {
			return errors.Wrap(err, "failed to update lead")
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit lead")
}

// List returns an owner's leads, newest first
func (s *Store) List(ctx context.Context, f Filter) ([]*Lead, error) {
	if f.OwnerID == "" {
		return nil, errors.NewInvalidRequestError("owner is required")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)

	query := `SELECT id, owner_id, COALESCE(job_id, ''), place_id, name, address, phone, website, rating, tags, created_at, updated_at
		FROM leads WHERE owner_id = ?`
	args := []any{f.OwnerID}
	if f.JobID != "" {
		query += ` AND job_id = ?`
		args = append(args, f.JobID)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, max(f.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list leads")
	}
	defer rows.Close()

	var out []*Lead
	for rows.Next() {
		var (
			l    Lead
			tags string
		)
		if err := rows.Scan(&l.ID, &l.OwnerID, &l.JobID, &l.PlaceID, &l.Name, &l.Address,
			&l.Phone, &l.Website, &l.Rating, &tags, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan lead")
		}
		if err := json.Unmarshal([]byte(tags), &l.Tags); err != nil {
			return nil, errors.Wrapf(err, "failed to parse tags of lead %s", l.ID)
		}
		out = append(out, &l)
	}
	return out, errors.Wrap(rows.Err(), "error iterating leads")
}

// mergeTags appends new tags not already present, trimmed, keeping order
func mergeTags(existing, added []string) []string {
	out := make([]string, 0, len(existing)+len(added))
	seen := make(map[string]bool, cap(out))
	for _, t := range append(append([]string{}, existing...), added...) {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
