package tracking

import (
	"context"
	"database/sql"
	"time"

	"github.com/mailpulse/mailpulse/errors"
)

// Suppression is an address an owner must not email again
type Suppression struct {
	OwnerID   string    `json:"owner_id"`
	Email     string    `json:"email"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SuppressionStore persists the suppressions table
type SuppressionStore struct {
	db *sql.DB
}

// NewSuppressionStore creates a suppression store
func NewSuppressionStore(db *sql.DB) *SuppressionStore {
	return &SuppressionStore{db: db}
}

// Add suppresses email for ownerID. Adding an existing address keeps the original entry.
func (s *SuppressionStore) Add(ctx context.Context, ownerID, email, reason string) error {
	email = NormalizeEmail(email)
	if ownerID == "" || email == "" {
		return errors.NewInvalidRequestError("owner and email are required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suppressions (owner_id, email, reason, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (owner_id, email) DO NOTHING`,
		ownerID, email, reason, time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "failed to add suppression")
	}
	return nil
}

// IsSuppressed reports whether ownerID may not email the address
func (s *SuppressionStore) IsSuppressed(ctx context.Context, ownerID, email string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM suppressions WHERE owner_id = ? AND email = ?)`,
		ownerID, NormalizeEmail(email)).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check suppression")
	}
	return exists, nil
}

// List returns an owner's suppressions, newest first
func (s *SuppressionStore) List(ctx context.Context, ownerID string) ([]*Suppression, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_id, email, reason, created_at FROM suppressions
		WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list suppressions")
	}
	defer rows.Close()

	var out []*Suppression
	for rows.Next() {
		var sup Suppression
		if err := rows.Scan(&sup.OwnerID, &sup.Email, &sup.Reason, &sup.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan suppression")
		}
		out = append(out, &sup)
	}
	return out, errors.Wrap(rows.Err(), "error iterating suppressions")
}

// Remove lifts a suppression
func (s *SuppressionStore) Remove(ctx context.Context, ownerID, email string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM suppressions WHERE owner_id = ? AND email = ?`,
		ownerID, NormalizeEmail(email))
	if err != nil {
		return errors.Wrap(err, "failed to remove suppression")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("%s is not suppressed", email)
	}
	return nil
}
