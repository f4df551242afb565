package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mailpulse/mailpulse/errors"
	"github.com/mailpulse/mailpulse/logger"
	"github.com/mailpulse/mailpulse/sym"
)

// PulseCmd groups the worker daemon commands
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: sym.Pulse + " Run job workers without the HTTP API",
	Long: sym.Pulse + ` Pulse - the job engine.

Workers claim pending jobs from the database, so any number of pulse
processes can share one database with an API-only "mailpulse serve".
Jobs left processing by a crash are requeued at startup.

Example:
  mailpulse pulse start              # Start workers in foreground
  mailpulse pulse start --workers 8  # Start with 8 concurrent jobs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var pulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the job workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
			cfg.Pulse.Workers = workers
		}
		if cfg.Pulse.Workers < 1 {
			return errors.New("pulse start needs at least one worker (pulse.workers or --workers)")
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

		eng, err := newEngine(ctx, cfg, database, logger.Logger)
		if err != nil {
			return err
		}
		defer eng.Close()

		if watcher := watchConfig(eng, logger.Logger); watcher != nil {
			defer watcher.Stop()
		}

		eng.start()
		fmt.Printf("%s Pulse started with %d worker(s), polling every %v\n", sym.Pulse, cfg.Pulse.Workers, cfg.PollInterval())
		fmt.Printf("%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		fmt.Printf("\n%s Stopping; running jobs checkpoint and return to the queue...\n", sym.PulseClose)
		eng.stop()
		fmt.Printf("%s Pulse stopped\n", sym.Pulse)
		return nil
	},
}

func init() {
	pulseStartCmd.Flags().Int("workers", 0, "Override pulse.workers")
	PulseCmd.AddCommand(pulseStartCmd)
}
