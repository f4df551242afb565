package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mailpulse/mailpulse/cmd/mailpulse/commands"
	"github.com/mailpulse/mailpulse/logger"
)

var rootCmd = &cobra.Command{
	Use:   "mailpulse",
	Short: "mailpulse - background campaign and lead generation engine",
	Long: `mailpulse runs email, SMS and WhatsApp campaigns and Google Places lead
generation as durable background jobs.

Available commands:
  serve        - Run the HTTP API together with the job workers
  pulse        - Run job workers without the HTTP API
  jobs         - Inspect and control jobs
  credentials  - Manage encrypted channel credentials
  suppress     - Manage the email suppression list
  usage        - Show an owner's sends against quotas
  am           - Show and validate configuration ("I am")
  db           - Database migrations
  version      - Show build information

Examples:
  mailpulse serve                       # API on :8787 with 4 workers
  mailpulse jobs ls --owner acme        # List acme's jobs
  mailpulse jobs pause <job-id>         # Pause a running campaign
  mailpulse am show                     # Show the merged configuration`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return commands.Setup(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "", "Config file (default: merged /etc, ~/.mailpulse and ./am.toml)")
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (-v info, -vv debug)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.CredentialsCmd)
	rootCmd.AddCommand(commands.SuppressCmd)
	rootCmd.AddCommand(commands.UsageCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
