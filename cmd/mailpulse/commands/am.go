package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mailpulse/mailpulse/am"
	"github.com/mailpulse/mailpulse/errors"
	"github.com/mailpulse/mailpulse/sym"
)

// AmCmd shows and validates configuration
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Show and validate configuration",
	Long: sym.AM + ` am - mailpulse configuration ("I am")

Configuration sources (later overrides earlier):
  1. Built-in defaults
  2. /etc/mailpulse/am.toml
  3. ~/.mailpulse/am.toml
  4. ./am.toml (searched upwards from the working directory)
  5. MAILPULSE_* environment variables

Examples:
  mailpulse am show                 # Merged configuration as TOML
  mailpulse am show --format json
  mailpulse am where                # Which files were merged
  mailpulse am init                 # Write defaults to ~/.mailpulse/am.toml`,
}

var (
	amFormat      string
	amShowSecrets bool
	amInitPath    string
	amInitForce   bool
)

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the merged configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := *cfg
		if !amShowSecrets {
			redact(&out)
		}

		var data []byte
		switch amFormat {
		case "toml":
			data, err = toml.Marshal(out)
		case "json":
			data, err = json.MarshalIndent(out, "", "  ")
			data = append(data, '\n')
		case "yaml":
			data, err = yaml.Marshal(out)
		default:
			return errors.Newf("unsupported format: %s (supported: toml, json, yaml)", amFormat)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to marshal config to %s", amFormat)
		}
		fmt.Print(string(data))
		return nil
	},
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.ValidateForWorkers(); err != nil {
			return errors.Wrap(err, "configuration validation failed")
		}
		pterm.Success.Println("Configuration is valid")
		return nil
	},
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show which config files were merged",
	RunE: func(cmd *cobra.Command, args []string) error {
		if ConfigPath != "" {
			fmt.Printf("Explicit --config: %s (plus defaults and environment)\n", ConfigPath)
			return nil
		}
		if _, err := am.Load(); err != nil {
			return err
		}
		files := am.FilesUsed()
		if len(files) == 0 {
			fmt.Println("No config files found; using defaults and environment only")
			return nil
		}
		fmt.Println("Merged config files (later overrides earlier):")
		for i, f := range files {
			fmt.Printf("  %d. %s\n", i+1, f)
		}
		return nil
	},
}

var amInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration to a file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := amInitPath
		if path == "" {
			path = am.UserConfigPath()
		}
		if _, err := os.Stat(path); err == nil && !amInitForce {
			return errors.Newf("%s already exists (use --force to overwrite; the old file is kept as .back1)", path)
		}
		cfg, err := am.Defaults()
		if err != nil {
			return err
		}
		if err := am.WriteConfig(path, cfg); err != nil {
			return err
		}
		pterm.Success.Printf("Wrote %s\n", path)
		return nil
	},
}

func init() {
	amShowCmd.Flags().StringVar(&amFormat, "format", "toml", "Output format: toml, json, yaml")
	amShowCmd.Flags().BoolVar(&amShowSecrets, "show-secrets", false, "Print secrets instead of masking them")
	amInitCmd.Flags().StringVar(&amInitPath, "path", "", "Destination (default ~/.mailpulse/am.toml)")
	amInitCmd.Flags().BoolVar(&amInitForce, "force", false, "Overwrite an existing file")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
	AmCmd.AddCommand(amInitCmd)
}

// redact masks every secret in a copy of the config
func redact(cfg *am.Config) {
	mask := func(s *string) {
		if *s != "" {
			*s = "********"
		}
	}
	mask(&cfg.Credentials.Secret)
	mask(&cfg.Tracking.Secret)
	mask(&cfg.Redis.Password)
	mask(&cfg.Places.APIKey)
}
