package budget

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/mailpulse/mailpulse/errors"
)

// ErrQuotaExceeded marks job requests rejected because the owner's send
// quota would be exceeded
var ErrQuotaExceeded = errors.New("send quota exceeded")

// QuotaConfig contains per-owner send quotas. Zero means unlimited.
type QuotaConfig struct {
	DailySends   int
	WeeklySends  int
	MonthlySends int
}

// Status is an owner's current usage against the configured quotas.
// Reserved is work queued in unfinished jobs; Remaining subtracts it and
// is -1 for unlimited windows.
type Status struct {
	DailySends       int `json:"daily_sends"`
	WeeklySends      int `json:"weekly_sends"`
	MonthlySends     int `json:"monthly_sends"`
	DailyFailed      int `json:"daily_failed"`
	Reserved         int `json:"reserved"`
	DailyRemaining   int `json:"daily_remaining"`
	WeeklyRemaining  int `json:"weekly_remaining"`
	MonthlyRemaining int `json:"monthly_remaining"`
}

// Tracker reports usage and enforces send quotas
type Tracker struct {
	store  *UsageStore
	config QuotaConfig
	mu     sync.RWMutex // Protects config from concurrent read/write
}

// NewTracker creates a new quota tracker
func NewTracker(db *sql.DB, config QuotaConfig) *Tracker {
	return &Tracker{
		store:  NewUsageStore(db),
		config: config,
	}
}

// GetStatus returns the owner's recorded usage and queued work
func (bt *Tracker) GetStatus(ctx context.Context, ownerID string) (*Status, error) {
	dailySent, dailyFailed, err := bt.store.DailySends(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	weeklySent, weeklyFailed, err := bt.store.WeeklySends(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	monthlySent, monthlyFailed, err := bt.store.MonthlySends(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	reserved, err := bt.store.ReservedSends(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	cfg := bt.GetQuotas()
	daily := dailySent + dailyFailed
	weekly := weeklySent + weeklyFailed
	monthly := monthlySent + monthlyFailed

	return &Status{
		DailySends:       daily,
		WeeklySends:      weekly,
		MonthlySends:     monthly,
		DailyFailed:      dailyFailed,
		Reserved:         reserved,
		DailyRemaining:   remaining(cfg.DailySends, daily+reserved),
		WeeklyRemaining:  remaining(cfg.WeeklySends, weekly+reserved),
		MonthlyRemaining: remaining(cfg.MonthlySends, monthly+reserved),
	}, nil
}

// CheckQuota returns an error marked ErrQuotaExceeded if planned more
// sends, on top of recorded and queued ones, would take the owner over any quota
func (bt *Tracker) CheckQuota(ctx context.Context, ownerID string, planned int) error {
	cfg := bt.GetQuotas()
	if cfg.DailySends <= 0 && cfg.WeeklySends <= 0 && cfg.MonthlySends <= 0 {
		return nil
	}

	status, err := bt.GetStatus(ctx, ownerID)
	if err != nil {
		return errors.Wrap(err, "failed to get quota status")
	}

	checks := []struct {
		period string
		used   int
		limit  int
	}{
		{"daily", status.DailySends + status.Reserved, cfg.DailySends},
		{"weekly", status.WeeklySends + status.Reserved, cfg.WeeklySends},
		{"monthly", status.MonthlySends + status.Reserved, cfg.MonthlySends},
	}
	for _, c := range checks {
		if c.limit > 0 && c.used+planned > c.limit {
			err := errors.Newf("%s send quota would be exceeded: %d used or queued + %d planned > limit %d",
				c.period, c.used, planned, c.limit)
			err = errors.WithDetail(err, fmt.Sprintf("Remaining %s sends: %d", c.period, max(c.limit-c.used, 0)))
			return errors.Mark(err, ErrQuotaExceeded)
		}
	}
	return nil
}

// UpdateQuotas replaces the quotas at runtime, e.g. after a config reload
func (bt *Tracker) UpdateQuotas(cfg QuotaConfig) error {
	if cfg.DailySends < 0 || cfg.WeeklySends < 0 || cfg.MonthlySends < 0 {
		return errors.Newf("send quotas cannot be negative: %+v", cfg)
	}
	bt.mu.Lock()
	bt.config = cfg
	bt.mu.Unlock()
	return nil
}

// GetQuotas returns the current quota configuration
func (bt *Tracker) GetQuotas() QuotaConfig {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	return bt.config
}

func remaining(limit, used int) int {
	if limit <= 0 {
		return -1
	}
	return max(limit-used, 0)
}
