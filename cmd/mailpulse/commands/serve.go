package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mailpulse/mailpulse/am"
	"github.com/mailpulse/mailpulse/errors"
	"github.com/mailpulse/mailpulse/logger"
	"github.com/mailpulse/mailpulse/server"
)

// ServeCmd runs the HTTP API and, unless pulse.workers is 0, the job workers
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Run the HTTP API and job workers",
	Long: `Run the mailpulse HTTP API. With pulse.workers > 0 the same process also
executes jobs; set it to 0 to run an API-only process next to "mailpulse pulse start".

Limits (budget.*, twilio.rate_per_second) are reloaded when the config file changes.`,
	RunE: runServe,
}

var (
	serveWorkers int
	servePort    int
)

func init() {
	ServeCmd.Flags().IntVar(&serveWorkers, "workers", -1, "Override pulse.workers")
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "Override server.port")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveWorkers >= 0 {
		cfg.Pulse.Workers = serveWorkers
	}
	if servePort > 0 {
		cfg.Server.Port = servePort
	}
	if err := cfg.ValidateForWorkers(); err != nil {
		return err
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := logger.Logger
	eng, err := newEngine(ctx, cfg, database, log)
	if err != nil {
		return err
	}
	defer eng.Close()

	srv := server.New(server.Deps{
		Supervisor:   eng.supervisor,
		Deliveries:   eng.deliveries,
		Credentials:  eng.credentials,
		Leads:        eng.leads,
		Suppressions: eng.suppressions,
		Links:        eng.links,
		Quotas:       eng.quotas,
		Limiter:      eng.limiter,
	}, cfg.Server, log.Named("server"))

	watcher := watchConfig(eng, log)
	if watcher != nil {
		defer watcher.Stop()
	}

	printStartupBanner(cfg)
	eng.start()

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(cfg.ListenAddr())
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		eng.stop()
		return errors.Wrap(err, "server stopped unexpectedly")
	case <-sigChan:
	}

	pterm.Info.Println("Shutting down gracefully (press Ctrl+C again to force)...")
	done := make(chan error, 1)
	go func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		eng.stop()
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return errors.Wrap(err, "shutdown error")
		}
		pterm.Success.Println("Server stopped cleanly")
		return nil
	case <-sigChan:
		pterm.Warning.Println("Force shutdown - running jobs will be recovered on next start")
		os.Exit(1)
		return nil
	}
}

// watchConfig reloads runtime limits when the config file changes. Returns
// nil when no file backs the configuration.
func watchConfig(eng *engine, log *zap.SugaredLogger) *am.ConfigWatcher {
	path := ConfigPath
	if path == "" {
		files := am.FilesUsed()
		if len(files) == 0 {
			return nil
		}
		path = files[len(files)-1]
	}

	watcher, err := am.NewConfigWatcher(path, log.Named("config"))
	if err != nil {
		log.Warnw("Config hot reload disabled", "path", path, "error", err)
		return nil
	}
	if ConfigPath != "" {
		watcher.FileOnly()
	}
	watcher.OnReload(eng.applyReload)
	am.SetGlobalWatcher(watcher)
	watcher.Start()
	return watcher
}
