package commands

import (
	"context"
	"database/sql"
	"io"

	"go.uber.org/zap"

	"github.com/mailpulse/mailpulse/am"
	"github.com/mailpulse/mailpulse/channel/email"
	"github.com/mailpulse/mailpulse/channel/places"
	"github.com/mailpulse/mailpulse/channel/twilio"
	"github.com/mailpulse/mailpulse/credential"
	"github.com/mailpulse/mailpulse/delivery"
	"github.com/mailpulse/mailpulse/errors"
	"github.com/mailpulse/mailpulse/leads"
	"github.com/mailpulse/mailpulse/pulse/async"
	"github.com/mailpulse/mailpulse/pulse/budget"
	"github.com/mailpulse/mailpulse/sym"
	"github.com/mailpulse/mailpulse/tracking"
)

// engine is every long-lived component of a mailpulse process, wired from config
type engine struct {
	cfg *am.Config
	db  *sql.DB
	log *zap.SugaredLogger

	queue        *async.Queue
	supervisor   *async.Supervisor
	pool         *async.WorkerPool // nil when pulse.workers = 0
	janitor      *async.Janitor    // nil when cleanup is disabled
	credentials  *credential.Store
	deliveries   *delivery.Store
	leads        *leads.Store
	suppressions *tracking.SuppressionStore
	links        tracking.Links
	limiter      *budget.Limiter
	quotas       *budget.Tracker
	sms          *twilio.Channel
	whatsapp     *twilio.Channel

	closers []io.Closer
}

// newEngine wires stores, channels, the worker pool and the supervisor.
// Nothing is started; see start.
func newEngine(ctx context.Context, cfg *am.Config, database *sql.DB, log *zap.SugaredLogger) (*engine, error) {
	e := &engine{
		cfg:          cfg,
		db:           database,
		log:          log,
		queue:        async.NewQueue(database),
		credentials:  credential.NewStore(database, cfg.Credentials.Secret),
		deliveries:   delivery.NewStore(database),
		leads:        leads.NewStore(database),
		suppressions: tracking.NewSuppressionStore(database),
		links:        tracking.Links{BaseURL: cfg.Tracking.BaseURL, Secret: cfg.LinkSecret()},
		quotas: budget.NewTracker(database, budget.QuotaConfig{
			DailySends:   cfg.Budget.DailySends,
			WeeklySends:  cfg.Budget.WeeklySends,
			MonthlySends: cfg.Budget.MonthlySends,
		}),
	}

	window, err := e.windowStore(ctx)
	if err != nil {
		return nil, err
	}
	e.limiter = budget.NewLimiter(cfg.Budget.OwnerSendsPerMinute, window)

	registry := async.NewChannelRegistry()
	registry.Register(email.New(e.credentials, e.suppressions, e.links, cfg.Email, email.Options{}, log.Named("email")))
	e.sms = twilio.NewSMS(e.credentials, cfg.Twilio, log.Named("sms"))
	e.whatsapp = twilio.NewWhatsApp(e.credentials, cfg.Twilio, log.Named("whatsapp"))
	registry.Register(e.sms)
	registry.Register(e.whatsapp)

	// places.api_key serves jobs that do not name a credential
	var placesCreds credential.Resolver = e.credentials
	if cfg.Places.APIKey != "" {
		placesCreds = &credential.StaticResolver{
			Fallback: e.credentials,
			Channel:  credential.ChannelPlaces,
			Config:   &credential.Config{Provider: "google", APIKey: cfg.Places.APIKey},
		}
	}
	registry.Register(places.New(placesCreds, e.leads, cfg.Places, log.Named("places")))

	if cfg.Pulse.Workers > 0 {
		runner := async.NewRunner(e.queue, registry, e.limiter, async.RunnerConfig{SendTimeout: cfg.SendTimeout()}, log)
		e.pool = async.NewWorkerPool(ctx, e.queue, runner, async.WorkerPoolConfigFrom(cfg), log)
	}

	e.supervisor = async.NewSupervisor(e.queue, registry, e.pool, log)
	e.supervisor.SetQuota(e.quotas)

	if cfg.Pulse.CleanupSchedule != "" && cfg.Pulse.RetentionDays > 0 {
		e.janitor, err = async.NewJanitor(e.queue.Store(), cfg.Pulse.CleanupSchedule, cfg.Retention(), log)
		if err != nil {
			e.Close()
			return nil, err
		}
	}
	return e, nil
}

// windowStore picks where per-owner send windows live. Redis shares the
// budget between processes; memory is per process.
func (e *engine) windowStore(ctx context.Context) (budget.WindowStore, error) {
	if e.cfg.Budget.Store != "redis" {
		return budget.NewMemoryStore(), nil
	}
	client, err := budget.DialRedis(ctx, e.cfg.Redis)
	if err != nil {
		return nil, errors.WithHint(err, "set budget.store = \"memory\" to run without redis")
	}
	e.closers = append(e.closers, client)
	e.log.Infow(sym.Pulse+" Send budget shared through redis", "addr", e.cfg.Redis.Addr)
	return budget.NewRedisStore(client, ""), nil
}

// start launches the worker pool and the cleanup schedule
func (e *engine) start() {
	if e.pool != nil {
		e.pool.Start()
	}
	if e.janitor != nil {
		e.janitor.Start()
	}
}

// stop halts background work; running jobs checkpoint and are requeued
func (e *engine) stop() {
	if e.janitor != nil {
		e.janitor.Stop()
	}
	if e.pool != nil {
		e.pool.Stop()
	}
}

// applyReload pushes the settings that can change at runtime
func (e *engine) applyReload(cfg *am.Config) error {
	e.limiter.SetLimit(cfg.Budget.OwnerSendsPerMinute)
	e.sms.SetRate(cfg.Twilio.RatePerSecond, cfg.Twilio.Burst)
	e.whatsapp.SetRate(cfg.Twilio.RatePerSecond, cfg.Twilio.Burst)
	if err := e.quotas.UpdateQuotas(budget.QuotaConfig{
		DailySends:   cfg.Budget.DailySends,
		WeeklySends:  cfg.Budget.WeeklySends,
		MonthlySends: cfg.Budget.MonthlySends,
	}); err != nil {
		return err
	}
	e.log.Infow(sym.AM+" Applied reloaded limits",
		"owner_sends_per_minute", cfg.Budget.OwnerSendsPerMinute,
		"twilio_rate_per_second", cfg.Twilio.RatePerSecond)
	return nil
}

// Close releases external connections. The database is closed by its opener.
func (e *engine) Close() error {
	var first error
	for _, c := range e.closers {
		if err := c.Close(); err != nil && first == nil {
			first = errors.Wrap(err, "failed to close connection")
		}
	}
	return first
}
