package am

import (
	"github.com/robfig/cron/v3"

	"github.com/mailpulse/mailpulse/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errors.Newf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	// Pulse workers: 0 = API-only process, negative = invalid
	if c.Pulse.Workers < 0 {
		return errors.Newf("pulse.workers must be >= 0, got %d", c.Pulse.Workers)
	}
	if c.Pulse.PollIntervalMS <= 0 {
		return errors.Newf("pulse.poll_interval_ms must be > 0, got %d", c.Pulse.PollIntervalMS)
	}
	if c.Pulse.SendTimeoutSeconds <= 0 {
		return errors.Newf("pulse.send_timeout_seconds must be > 0, got %d", c.Pulse.SendTimeoutSeconds)
	}
	if c.Pulse.RetentionDays < 0 {
		return errors.Newf("pulse.retention_days must be >= 0, got %d", c.Pulse.RetentionDays)
	}
	if c.Pulse.CleanupSchedule != "" {
		if _, err := cron.ParseStandard(c.Pulse.CleanupSchedule); err != nil {
			return errors.Wrapf(err, "pulse.cleanup_schedule %q is not a valid cron spec", c.Pulse.CleanupSchedule)
		}
	}

	if c.Budget.OwnerSendsPerMinute < 0 {
		return errors.Newf("budget.owner_sends_per_minute must be >= 0, got %d", c.Budget.OwnerSendsPerMinute)
	}
	if c.Budget.DailySends < 0 || c.Budget.WeeklySends < 0 || c.Budget.MonthlySends < 0 {
		return errors.New("budget send quotas must be >= 0")
	}
	switch c.Budget.Store {
	case "", "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return errors.New("redis.addr cannot be empty when budget.store = \"redis\"")
		}
	default:
		return errors.Newf("budget.store must be memory or redis, got %q", c.Budget.Store)
	}

	if c.Email.MaxAttempts < 1 {
		return errors.Newf("email.max_attempts must be >= 1, got %d", c.Email.MaxAttempts)
	}
	if c.Email.BackoffBaseMS < 0 {
		return errors.Newf("email.backoff_base_ms must be >= 0, got %d", c.Email.BackoffBaseMS)
	}
	if c.Twilio.RatePerSecond < 0 {
		return errors.Newf("twilio.rate_per_second must be >= 0, got %f", c.Twilio.RatePerSecond)
	}
	if c.Tracking.BaseURL != "" && c.LinkSecret() == "" {
		return errors.WithHint(
			errors.New("tracking.base_url is set but no signing key is configured"),
			"set tracking.secret or credentials.secret")
	}
	if c.Places.DelayMS < 0 {
		return errors.Newf("places.delay_ms must be >= 0, got %d", c.Places.DelayMS)
	}

	return nil
}

// ValidateForWorkers checks settings only a process that executes jobs needs
func (c *Config) ValidateForWorkers() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Pulse.Workers > 0 && c.Credentials.Secret == "" {
		return errors.WithHint(
			errors.New("credentials.secret is required to run workers"),
			"set MAILPULSE_CREDENTIALS_SECRET (or JWT_SECRET) to the key credentials were stored with")
	}
	return nil
}
