package commands

import (
	"context"
	"database/sql"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/mailpulse/mailpulse/errors"
	"github.com/mailpulse/mailpulse/tracking"
)

// SuppressCmd manages the per-owner list of addresses campaigns skip
var SuppressCmd = &cobra.Command{
	Use:   "suppress",
	Short: "Manage the email suppression list",
	Long: `Suppressed addresses are skipped by email campaigns and recorded as failed
deliveries. Recipients are added automatically by the unsubscribe link.`,
}

var (
	suppressOwner  string
	suppressReason string
)

var suppressAddCmd = &cobra.Command{
	Use:   "add <email>...",
	Short: "Suppress addresses",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSuppressions(cmd, func(ctx context.Context, store *tracking.SuppressionStore) error {
			for _, addr := range args {
				if err := store.Add(ctx, suppressOwner, addr, suppressReason); err != nil {
					return err
				}
			}
			pterm.Success.Printf("Suppressed %d address(es) for %s\n", len(args), suppressOwner)
			return nil
		})
	},
}

var suppressLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List suppressed addresses",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSuppressions(cmd, func(ctx context.Context, store *tracking.SuppressionStore) error {
			list, err := store.List(ctx, suppressOwner)
			if err != nil {
				return err
			}
			rows := pterm.TableData{{"Email", "Reason", "Since"}}
			for _, s := range list {
				rows = append(rows, []string{s.Email, s.Reason, s.CreatedAt.Local().Format(time.DateTime)})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
		})
	},
}

var suppressRmCmd = &cobra.Command{
	Use:   "rm <email>",
	Short: "Lift a suppression",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSuppressions(cmd, func(ctx context.Context, store *tracking.SuppressionStore) error {
			if err := store.Remove(ctx, suppressOwner, args[0]); err != nil {
				return err
			}
			pterm.Success.Printf("%s can be emailed again\n", args[0])
			return nil
		})
	},
}

func init() {
	SuppressCmd.PersistentFlags().StringVar(&suppressOwner, "owner", "", "Owner id (required)")
	suppressAddCmd.Flags().StringVar(&suppressReason, "reason", "manual", "Why the address is suppressed")

	SuppressCmd.AddCommand(suppressAddCmd)
	SuppressCmd.AddCommand(suppressLsCmd)
	SuppressCmd.AddCommand(suppressRmCmd)
}

func withSuppressions(cmd *cobra.Command, fn func(ctx context.Context, store *tracking.SuppressionStore) error) error {
	if suppressOwner == "" {
		return errors.New("--owner is required")
	}
	return withDB(cmd, func(ctx context.Context, database *sql.DB) error {
		return fn(ctx, tracking.NewSuppressionStore(database))
	})
}
