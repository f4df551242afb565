// Package budget throttles and meters sends per owner.
//
// Two mechanisms live here: Limiter, a short sliding window (calls per
// minute) shared by all of an owner's running jobs, and Tracker, long
// sliding windows (24h/7d/30d) over the send_usage ledger that reject new
// jobs once an owner's recorded plus still-queued sends reach the quota.
package budget

import (
	"context"
	"database/sql"
	"time"

	"github.com/mailpulse/mailpulse/errors"
)

// UsageStore counts an owner's recorded sends inside sliding windows
type UsageStore struct {
	db      *sql.DB
	timeNow func() time.Time
}

// NewUsageStore creates a usage store over the send_usage ledger
func NewUsageStore(db *sql.DB) *UsageStore {
	return &UsageStore{db: db, timeNow: time.Now}
}

// countSends returns sent and failed items for owner within window.
// Failed sends count against the quota too: the provider still saw them.
func (s *UsageStore) countSends(ctx context.Context, ownerID string, window time.Duration, period string) (sent, failed int, err error) {
	cutoff := s.timeNow().UTC().Add(-window)
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'sent' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM send_usage
		WHERE owner_id = ? AND created_at >= ?`, ownerID, cutoff).Scan(&sent, &failed)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "failed to query %s sends", period)
	}
	return sent, failed, nil
}

// DailySends counts the last 24 hours, sliding so there is no midnight reset to game
func (s *UsageStore) DailySends(ctx context.Context, ownerID string) (sent, failed int, err error) {
	return s.countSends(ctx, ownerID, 24*time.Hour, "daily")
}

// WeeklySends counts the last 7 days
func (s *UsageStore) WeeklySends(ctx context.Context, ownerID string) (sent, failed int, err error) {
	return s.countSends(ctx, ownerID, 7*24*time.Hour, "weekly")
}

// MonthlySends counts the last 30 days
func (s *UsageStore) MonthlySends(ctx context.Context, ownerID string) (sent, failed int, err error) {
	return s.countSends(ctx, ownerID, 30*24*time.Hour, "monthly")
}

// ReservedSends counts items not yet sent by the owner's unfinished jobs.
// They land inside every window once they run, so each window counts them.
func (s *UsageStore) ReservedSends(ctx context.Context, ownerID string) (int, error) {
	var reserved int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total_items - processed_items), 0)
		FROM jobs
		WHERE owner_id = ? AND status IN ('pending', 'processing', 'paused')`, ownerID).Scan(&reserved)
	if err != nil {
		return 0, errors.Wrap(err, "failed to query reserved sends")
	}
	return reserved, nil
}
