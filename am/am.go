// Package am holds mailpulse configuration: what the process "am" configured as.
//
// Values come from defaults, then TOML files (system, user, project), then
// MAILPULSE_* environment variables. See load.go for the precedence rules.
package am

// Config represents the mailpulse configuration
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database" toml:"database"`
	Server      ServerConfig      `mapstructure:"server" toml:"server"`
	Log         LogConfig         `mapstructure:"log" toml:"log"`
	Pulse       PulseConfig       `mapstructure:"pulse" toml:"pulse"`
	Budget      BudgetConfig      `mapstructure:"budget" toml:"budget"`
	Redis       RedisConfig       `mapstructure:"redis" toml:"redis"`
	Credentials CredentialsConfig `mapstructure:"credentials" toml:"credentials"`
	Tracking    TrackingConfig    `mapstructure:"tracking" toml:"tracking"`
	Email       EmailConfig       `mapstructure:"email" toml:"email"`
	Twilio      TwilioConfig      `mapstructure:"twilio" toml:"twilio"`
	Places      PlacesConfig      `mapstructure:"places" toml:"places"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Port           int      `mapstructure:"port" toml:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins"`
}

// LogConfig configures the global zap logger
type LogConfig struct {
	JSON  bool   `mapstructure:"json" toml:"json"`
	Level string `mapstructure:"level" toml:"level"` // debug, info, warn, error
}

// PulseConfig configures the job engine
type PulseConfig struct {
	Workers                int    `mapstructure:"workers" toml:"workers"`                   // concurrent jobs (0 = API only, no execution)
	PollIntervalMS         int    `mapstructure:"poll_interval_ms" toml:"poll_interval_ms"` // pending-job poll when no wake signal arrives
	SendTimeoutSeconds     int    `mapstructure:"send_timeout_seconds" toml:"send_timeout_seconds"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds" toml:"shutdown_timeout_seconds"`
	RecoverOrphans         bool   `mapstructure:"recover_orphans" toml:"recover_orphans"`   // requeue jobs left processing by a crash
	CleanupSchedule        string `mapstructure:"cleanup_schedule" toml:"cleanup_schedule"` // cron spec, empty disables
	RetentionDays          int    `mapstructure:"retention_days" toml:"retention_days"`
}

// BudgetConfig configures the per-owner send budget shared by all of an owner's jobs
type BudgetConfig struct {
	OwnerSendsPerMinute int    `mapstructure:"owner_sends_per_minute" toml:"owner_sends_per_minute"` // 0 = unlimited
	Store               string `mapstructure:"store" toml:"store"`                                   // memory or redis
	DailySends          int    `mapstructure:"daily_sends" toml:"daily_sends"`                       // quota per sliding 24h, 0 = unlimited
	WeeklySends         int    `mapstructure:"weekly_sends" toml:"weekly_sends"`
	MonthlySends        int    `mapstructure:"monthly_sends" toml:"monthly_sends"`
}

// RedisConfig is used when budget.store = "redis"
type RedisConfig struct {
	Addr     string `mapstructure:"addr" toml:"addr"`
	Password string `mapstructure:"password" toml:"password"`
	DB       int    `mapstructure:"db" toml:"db"`
}

// CredentialsConfig holds the server-side key material for stored channel credentials
type CredentialsConfig struct {
	Secret string `mapstructure:"secret" toml:"secret"`
}

// TrackingConfig enables open tracking and unsubscribe links in campaign emails
type TrackingConfig struct {
	BaseURL string `mapstructure:"base_url" toml:"base_url"` // empty disables both
	Secret  string `mapstructure:"secret" toml:"secret"`     // link signing key, defaults to credentials.secret
}

// EmailConfig tunes the email channel
type EmailConfig struct {
	MaxAttempts        int    `mapstructure:"max_attempts" toml:"max_attempts"`
	BackoffBaseMS      int    `mapstructure:"backoff_base_ms" toml:"backoff_base_ms"`
	DialTimeoutSeconds int    `mapstructure:"dial_timeout_seconds" toml:"dial_timeout_seconds"`
	DefaultFromName    string `mapstructure:"default_from_name" toml:"default_from_name"`
}

// TwilioConfig tunes the SMS and WhatsApp channels
type TwilioConfig struct {
	BaseURL       string  `mapstructure:"base_url" toml:"base_url"`
	RatePerSecond float64 `mapstructure:"rate_per_second" toml:"rate_per_second"`
	Burst         int     `mapstructure:"burst" toml:"burst"`
}

// PlacesConfig tunes the lead-source channel
type PlacesConfig struct {
	BaseURL string `mapstructure:"base_url" toml:"base_url"`
	APIKey  string `mapstructure:"api_key" toml:"api_key"` // fallback when the job has no credential
	DelayMS int    `mapstructure:"delay_ms" toml:"delay_ms"`
}

// Server port constants
const (
	DefaultServerPort = 8787
)

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
	SecretFilePermissions  = 0600
)
