package commands

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/mailpulse/mailpulse/errors"
	"github.com/mailpulse/mailpulse/pulse/budget"
)

// UsageCmd shows an owner's recorded sends against the configured quotas
var UsageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show an owner's sends against quotas",
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		if owner == "" {
			return errors.New("--owner is required")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		quotas := budget.QuotaConfig{
			DailySends:   cfg.Budget.DailySends,
			WeeklySends:  cfg.Budget.WeeklySends,
			MonthlySends: cfg.Budget.MonthlySends,
		}

		return withDB(cmd, func(ctx context.Context, database *sql.DB) error {
			status, err := budget.NewTracker(database, quotas).GetStatus(ctx, owner)
			if err != nil {
				return err
			}
			rows := pterm.TableData{
				{"Window", "Sent", "Quota", "Remaining"},
				{"24h", strconv.Itoa(status.DailySends), quotaString(quotas.DailySends), remainingString(status.DailyRemaining)},
				{"7d", strconv.Itoa(status.WeeklySends), quotaString(quotas.WeeklySends), remainingString(status.WeeklyRemaining)},
				{"30d", strconv.Itoa(status.MonthlySends), quotaString(quotas.MonthlySends), remainingString(status.MonthlyRemaining)},
			}
			if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
				return err
			}
			pterm.Info.Printf("Failed deliveries in the last 24h: %d\n", status.DailyFailed)
			if status.Reserved > 0 {
				pterm.Info.Printf("Queued in unfinished jobs: %d\n", status.Reserved)
			}
			return nil
		})
	},
}

func init() {
	UsageCmd.Flags().String("owner", "", "Owner id")
}

func quotaString(limit int) string {
	if limit <= 0 {
		return "unlimited"
	}
	return strconv.Itoa(limit)
}

func remainingString(n int) string {
	if n < 0 {
		return "-"
	}
	return strconv.Itoa(n)
}
