package am

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "mailpulse.db")

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")

	// Pulse (job engine) defaults
	v.SetDefault("pulse.workers", 4)
	v.SetDefault("pulse.poll_interval_ms", 1000)
	v.SetDefault("pulse.send_timeout_seconds", 60)     // a hung provider call cannot stall a job forever
	v.SetDefault("pulse.shutdown_timeout_seconds", 30) // matches the pool's checkpoint window
	v.SetDefault("pulse.recover_orphans", true)
	v.SetDefault("pulse.cleanup_schedule", "0 3 * * *")
	v.SetDefault("pulse.retention_days", 90)

	v.SetDefault("budget.owner_sends_per_minute", 0)
	v.SetDefault("budget.store", "memory")
	v.SetDefault("budget.daily_sends", 0)
	v.SetDefault("budget.weekly_sends", 0)
	v.SetDefault("budget.monthly_sends", 0)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("email.max_attempts", 3)
	v.SetDefault("email.backoff_base_ms", 1000)
	v.SetDefault("email.dial_timeout_seconds", 30)
	v.SetDefault("email.default_from_name", "MailPulse")

	v.SetDefault("twilio.base_url", "https://api.twilio.com")
	v.SetDefault("twilio.rate_per_second", 5.0) // Twilio's default per-number throughput
	v.SetDefault("twilio.burst", 1)

	v.SetDefault("places.base_url", "https://maps.googleapis.com")
	v.SetDefault("places.delay_ms", 100)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	// JWT_SECRET is what existing deployments encrypted credentials with
	v.BindEnv("credentials.secret", "MAILPULSE_CREDENTIALS_SECRET", "JWT_SECRET")
	v.BindEnv("tracking.secret", "MAILPULSE_TRACKING_SECRET")
	v.BindEnv("database.path", "MAILPULSE_DATABASE_PATH")
	v.BindEnv("redis.password", "MAILPULSE_REDIS_PASSWORD")
	v.BindEnv("places.api_key", "MAILPULSE_PLACES_API_KEY", "GOOGLE_PLACES_API_KEY")
}

// PollInterval returns pulse.poll_interval_ms as a duration
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Pulse.PollIntervalMS) * time.Millisecond
}

// SendTimeout returns pulse.send_timeout_seconds as a duration
func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.Pulse.SendTimeoutSeconds) * time.Second
}

// ShutdownTimeout returns pulse.shutdown_timeout_seconds as a duration
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Pulse.ShutdownTimeoutSeconds) * time.Second
}

// Retention returns pulse.retention_days as a duration
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Pulse.RetentionDays) * 24 * time.Hour
}

// LinkSecret returns the key tracking links are signed with
func (c *Config) LinkSecret() string {
	if c.Tracking.Secret != "" {
		return c.Tracking.Secret
	}
	return c.Credentials.Secret
}

// ListenAddr returns the address the HTTP API binds to
func (c *Config) ListenAddr() string {
	port := c.Server.Port
	if port == 0 {
		port = DefaultServerPort
	}
	return fmt.Sprintf(":%d", port)
}

// String renders the config without secrets, for `config show`
func (c *Config) String() string {
	secret := "(unset)"
	if c.Credentials.Secret != "" {
		secret = "(set)"
	}
	return fmt.Sprintf("database=%s port=%d workers=%d budget=%d/min(%s) credentials.secret=%s",
		c.Database.Path, c.Server.Port, c.Pulse.Workers,
		c.Budget.OwnerSendsPerMinute, c.Budget.Store, secret)
}
