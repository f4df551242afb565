package commands

import (
	"context"
	"database/sql"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/mailpulse/mailpulse/credential"
	"github.com/mailpulse/mailpulse/errors"
)

// CredentialsCmd manages encrypted provider credentials
var CredentialsCmd = &cobra.Command{
	Use:     "credentials",
	Aliases: []string{"creds"},
	Short:   "Manage encrypted channel credentials",
	Long: `Manage provider credentials. Secrets are encrypted with credentials.secret
and never printed.

Examples:
  mailpulse creds add --owner acme --channel email --provider sendgrid --api-key SG.xxx --from news@acme.io
  mailpulse creds add --owner acme --channel sms --provider twilio --account-sid AC.. --auth-token .. --from-number +1555..
  mailpulse creds ls --owner acme`,
}

var (
	credOwner   string
	credChannel string
	credName    string
	credConfig  credential.Config
)

var credentialsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Store a credential",
	RunE: withCredentials(func(ctx context.Context, store *credential.Store, args []string) error {
		if credOwner == "" {
			return errors.New("--owner is required")
		}
		name := credName
		if name == "" {
			name = credConfig.Provider
		}
		cred, err := store.Create(ctx, credOwner, credChannel, name, credConfig)
		if err != nil {
			return err
		}
		pterm.Success.Printf("Stored %s credential %s (%s)\n", cred.Channel, cred.ID, cred.Provider)
		return nil
	}),
}

var credentialsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List an owner's credentials",
	RunE: withCredentials(func(ctx context.Context, store *credential.Store, args []string) error {
		if credOwner == "" {
			return errors.New("--owner is required")
		}
		creds, err := store.List(ctx, credOwner, credChannel)
		if err != nil {
			return err
		}
		rows := pterm.TableData{{"ID", "Channel", "Provider", "Name", "Created"}}
		for _, c := range creds {
			rows = append(rows, []string{c.ID, c.Channel, c.Provider, c.Name, c.CreatedAt.Local().Format(time.DateTime)})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	}),
}

var credentialsRmCmd = &cobra.Command{
	Use:   "rm <credential-id>",
	Short: "Delete a credential",
	Args:  cobra.ExactArgs(1),
	RunE: withCredentials(func(ctx context.Context, store *credential.Store, args []string) error {
		if err := store.Delete(ctx, args[0], credOwner); err != nil {
			return err
		}
		pterm.Success.Printf("Deleted credential %s\n", args[0])
		return nil
	}),
}

func init() {
	CredentialsCmd.PersistentFlags().StringVar(&credOwner, "owner", "", "Owner id")
	CredentialsCmd.PersistentFlags().StringVar(&credChannel, "channel", "", "email, sms, whatsapp or places")

	f := credentialsAddCmd.Flags()
	f.StringVar(&credName, "name", "", "Display name (default: provider)")
	f.StringVar(&credConfig.Provider, "provider", "", "smtp, gmail, sendgrid, mailgun, twilio or google")
	f.StringVar(&credConfig.From, "from", "", "Sender address (email)")
	f.StringVar(&credConfig.FromName, "from-name", "", "Sender display name (email)")
	f.StringVar(&credConfig.Host, "host", "", "SMTP host")
	f.IntVar(&credConfig.Port, "port", 587, "SMTP port")
	f.BoolVar(&credConfig.Secure, "secure", false, "Implicit TLS (SMTP port 465)")
	f.StringVar(&credConfig.User, "user", "", "SMTP or Gmail user")
	f.StringVar(&credConfig.Password, "password", "", "SMTP or Gmail app password")
	f.StringVar(&credConfig.APIKey, "api-key", "", "SendGrid, Mailgun or Google API key")
	f.StringVar(&credConfig.Domain, "domain", "", "Mailgun sending domain")
	f.StringVar(&credConfig.AccountSID, "account-sid", "", "Twilio account SID")
	f.StringVar(&credConfig.AuthToken, "auth-token", "", "Twilio auth token")
	f.StringVar(&credConfig.FromNumber, "from-number", "", "Twilio sender number")

	CredentialsCmd.AddCommand(credentialsAddCmd)
	CredentialsCmd.AddCommand(credentialsLsCmd)
	CredentialsCmd.AddCommand(credentialsRmCmd)
}

func withCredentials(fn func(ctx context.Context, store *credential.Store, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Credentials.Secret == "" {
			return errors.WithHint(errors.New("credentials.secret is not set"),
				"set MAILPULSE_CREDENTIALS_SECRET before storing or reading credentials")
		}
		return withDB(cmd, func(ctx context.Context, database *sql.DB) error {
			return fn(ctx, credential.NewStore(database, cfg.Credentials.Secret), args)
		})
	}
}

// withDB runs fn with the configured, migrated database
func withDB(cmd *cobra.Command, fn func(ctx context.Context, database *sql.DB) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()
	return fn(cmd.Context(), database)
}
