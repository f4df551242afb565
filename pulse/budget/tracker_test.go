package budget

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailpulse/mailpulse/errors"
	mptest "github.com/mailpulse/mailpulse/internal/testing"
)

// insertDeliveries records n deliveries for owner at the given time under a
// finished job, writing both the delivery records and the usage ledger
func insertDeliveries(t *testing.T, db *sql.DB, ownerID string, at time.Time, n int, status string) {
	t.Helper()
	jobID := fmt.Sprintf("job-%s-%d-%s", ownerID, at.UnixNano(), status)
	success, failed := n, 0
	if status == "failed" {
		success, failed = 0, n
	}
	_, err := db.Exec(`
		INSERT INTO jobs (id, owner_id, type, status, total_items, processed_items, success_count, failed_count, progress, data, created_at, updated_at)
		VALUES (?, ?, 'sms_campaign', 'completed', ?, ?, ?, ?, 100, '{}', ?, ?)`, jobID, ownerID, n, n, success, failed, at, at)
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-%d", jobID, i)
		_, err := db.Exec(`
			INSERT INTO delivery_records (id, job_id, owner_id, channel, item_index, recipient, status, attempts, created_at)
			VALUES (?, ?, ?, 'sms', ?, '+1', ?, 1, ?)`,
			id, jobID, ownerID, i, status, at.UTC())
		require.NoError(t, err)
		_, err = db.Exec(`
			INSERT INTO send_usage (id, owner_id, job_id, channel, status, created_at)
			VALUES (?, ?, ?, 'sms', ?, ?)`, id, ownerID, jobID, status, at.UTC())
		require.NoError(t, err)
	}
}

// insertQueuedJob stores an unfinished job with processed of total items done
func insertQueuedJob(t *testing.T, db *sql.DB, ownerID, status string, total, processed int) {
	t.Helper()
	now := time.Now().UTC()
	_, err := db.Exec(`
		INSERT INTO jobs (id, owner_id, type, status, total_items, processed_items, success_count, data, created_at, updated_at)
		VALUES (?, ?, 'email_campaign', ?, ?, ?, ?, '{}', ?, ?)`,
		fmt.Sprintf("queued-%s-%d", ownerID, now.UnixNano()), ownerID, status, total, processed, processed, now, now)
	require.NoError(t, err)
}

// TestTracker_ReadsFromDeliveries verifies that the sliding windows count recorded deliveries
func TestTracker_ReadsFromDeliveries(t *testing.T) {
	db := mptest.CreateTestDB(t)
	ctx := context.Background()
	now := time.Now()

	insertDeliveries(t, db, owner, now.Add(-time.Hour), 3, "sent")
	insertDeliveries(t, db, owner, now.Add(-2*time.Hour), 1, "failed")
	insertDeliveries(t, db, owner, now.Add(-3*24*time.Hour), 5, "sent")
	insertDeliveries(t, db, owner, now.Add(-20*24*time.Hour), 7, "sent")
	insertDeliveries(t, db, owner, now.Add(-40*24*time.Hour), 11, "sent")
	insertDeliveries(t, db, "someone-else", now, 2, "sent")

	tracker := NewTracker(db, QuotaConfig{DailySends: 10, MonthlySends: 100})
	status, err := tracker.GetStatus(ctx, owner)
	require.NoError(t, err)

	assert.Equal(t, 4, status.DailySends)
	assert.Equal(t, 1, status.DailyFailed)
	assert.Equal(t, 9, status.WeeklySends)
	assert.Equal(t, 16, status.MonthlySends)
	assert.Equal(t, 6, status.DailyRemaining)
	assert.Equal(t, -1, status.WeeklyRemaining, "no weekly quota")
	assert.Equal(t, 84, status.MonthlyRemaining)
}

// TestTracker_EnforcesDailyQuota verifies that a job that would overrun the quota is rejected
func TestTracker_EnforcesDailyQuota(t *testing.T) {
	db := mptest.CreateTestDB(t)
	ctx := context.Background()
	insertDeliveries(t, db, owner, time.Now(), 8, "sent")

	tracker := NewTracker(db, QuotaConfig{DailySends: 10})

	assert.NoError(t, tracker.CheckQuota(ctx, owner, 2), "exactly at the limit is allowed")

	err := tracker.CheckQuota(ctx, owner, 3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQuotaExceeded))
	assert.Contains(t, err.Error(), "daily send quota would be exceeded")

	assert.NoError(t, tracker.CheckQuota(ctx, "someone-else", 10))
}

func TestTracker_CountsQueuedWork(t *testing.T) {
	db := mptest.CreateTestDB(t)
	ctx := context.Background()
	insertDeliveries(t, db, owner, time.Now(), 2, "sent")
	insertQueuedJob(t, db, owner, "pending", 4, 0)
	insertQueuedJob(t, db, owner, "processing", 5, 3)
	insertQueuedJob(t, db, owner, "paused", 1, 0)
	insertQueuedJob(t, db, "someone-else", "pending", 50, 0)

	tracker := NewTracker(db, QuotaConfig{DailySends: 10})
	status, err := tracker.GetStatus(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 2, status.DailySends)
	assert.Equal(t, 7, status.Reserved)
	assert.Equal(t, 1, status.DailyRemaining)

	assert.NoError(t, tracker.CheckQuota(ctx, owner, 1))
	err = tracker.CheckQuota(ctx, owner, 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQuotaExceeded))
}

func TestTracker_UsageSurvivesJobDeletion(t *testing.T) {
	db := mptest.CreateTestDB(t)
	ctx := context.Background()
	insertDeliveries(t, db, owner, time.Now(), 3, "sent")

	_, err := db.Exec(`DELETE FROM jobs WHERE owner_id = ?`, owner)
	require.NoError(t, err)
	var records int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM delivery_records WHERE owner_id = ?`, owner).Scan(&records))
	require.Zero(t, records)

	tracker := NewTracker(db, QuotaConfig{DailySends: 3})
	status, err := tracker.GetStatus(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 3, status.DailySends)

	err = tracker.CheckQuota(ctx, owner, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQuotaExceeded))
}

func TestTracker_UnlimitedSkipsQueries(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	tracker := NewTracker(db, QuotaConfig{})
	assert.NoError(t, tracker.CheckQuota(context.Background(), owner, 1_000_000))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTracker_DatabaseError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT").WillReturnError(errors.New("database is locked"))

	tracker := NewTracker(db, QuotaConfig{DailySends: 1})
	err = tracker.CheckQuota(context.Background(), owner, 1)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrQuotaExceeded))
	assert.Contains(t, err.Error(), "daily sends")
}

func TestTracker_UpdateQuotas(t *testing.T) {
	tracker := NewTracker(nil, QuotaConfig{DailySends: 1})

	require.NoError(t, tracker.UpdateQuotas(QuotaConfig{DailySends: 50, MonthlySends: 500}))
	assert.Equal(t, QuotaConfig{DailySends: 50, MonthlySends: 500}, tracker.GetQuotas())

	assert.Error(t, tracker.UpdateQuotas(QuotaConfig{WeeklySends: -1}))
	assert.Equal(t, 50, tracker.GetQuotas().DailySends, "rejected update leaves quotas unchanged")
}
