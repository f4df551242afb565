package commands

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/mailpulse/mailpulse/delivery"
	"github.com/mailpulse/mailpulse/logger"
	"github.com/mailpulse/mailpulse/pulse/async"
	"github.com/mailpulse/mailpulse/sym"
)

// JobsCmd inspects and controls jobs directly in the database. Running
// workers see pause and cancel at their next item.
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: sym.Pulse + " Inspect and control jobs",
	Long: `Inspect and control jobs. Without --owner the commands act on every
owner's jobs (operator mode).

Examples:
  mailpulse jobs ls --status processing
  mailpulse jobs status 3f2a9c1e-...
  mailpulse jobs cancel 3f2a9c1e-... --owner acme`,
}

var (
	jobsOwner  string
	jobsJSON   bool
	jobsType   string
	jobsStatus string
	jobsLimit  int
	pageLimit  int
)

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs, newest first",
	RunE: withSupervisor(func(ctx context.Context, sup *async.Supervisor, _ *sql.DB, args []string) error {
		jobs, err := sup.List(ctx, async.JobFilter{
			OwnerID: jobsOwner,
			Type:    async.JobType(jobsType),
			Status:  async.JobStatus(jobsStatus),
			Limit:   jobsLimit,
		})
		if err != nil {
			return err
		}
		if jobsJSON {
			return printJSON(jobs)
		}
		if len(jobs) == 0 {
			pterm.Info.Println("No jobs")
			return nil
		}
		rows := pterm.TableData{{"ID", "Owner", "Type", "Status", "Progress", "Sent", "Failed", "Created"}}
		for _, j := range jobs {
			rows = append(rows, []string{
				async.ShortID(j.ID),
				j.OwnerID,
				channelGlyph(j.Type) + " " + string(j.Type),
				string(j.Status),
				fmt.Sprintf("%d%% (%d/%d)", j.Progress, j.ProcessedItems, j.TotalItems),
				strconv.Itoa(j.SuccessCount),
				strconv.Itoa(j.FailedCount),
				j.CreatedAt.Local().Format(time.DateTime),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	}),
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE: withSupervisor(func(ctx context.Context, sup *async.Supervisor, _ *sql.DB, args []string) error {
		job, err := sup.Get(ctx, args[0], jobsOwner)
		if err != nil {
			return err
		}
		if jobsJSON {
			return printJSON(job)
		}
		printJob(job)
		return nil
	}),
}

// jobAction builds the pause, resume and cancel commands
func jobAction(use, short string, act func(*async.Supervisor, context.Context, string, string) (*async.Job, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: withSupervisor(func(ctx context.Context, sup *async.Supervisor, _ *sql.DB, args []string) error {
			job, err := act(sup, ctx, args[0], jobsOwner)
			if err != nil {
				return err
			}
			pterm.Success.Printf("Job %s is now %s\n", async.ShortID(job.ID), job.Status)
			return nil
		}),
	}
}

var jobsRmCmd = &cobra.Command{
	Use:   "rm <job-id>",
	Short: "Delete a finished job, or cancel an active one",
	Args:  cobra.ExactArgs(1),
	RunE: withSupervisor(func(ctx context.Context, sup *async.Supervisor, _ *sql.DB, args []string) error {
		deleted, job, err := sup.Delete(ctx, args[0], jobsOwner)
		if err != nil {
			return err
		}
		if deleted {
			pterm.Success.Printf("Job %s deleted\n", async.ShortID(args[0]))
		} else {
			pterm.Warning.Printf("Job %s was active and has been cancelled; run rm again to delete it\n", async.ShortID(job.ID))
		}
		return nil
	}),
}

var jobsDeliveriesCmd = &cobra.Command{
	Use:   "deliveries <job-id>",
	Short: "List a job's per-item delivery records",
	Args:  cobra.ExactArgs(1),
	RunE: withSupervisor(func(ctx context.Context, _ *async.Supervisor, database *sql.DB, args []string) error {
		records, err := delivery.NewStore(database).ListByJob(ctx, args[0], jobsOwner, pageLimit, 0)
		if err != nil {
			return err
		}
		if jobsJSON {
			return printJSON(records)
		}
		rows := pterm.TableData{{"#", "Recipient", "Status", "Attempts", "Provider ID", "Opened", "Error"}}
		for _, r := range records {
			opened := ""
			if r.OpenedAt != nil {
				opened = r.OpenedAt.Local().Format(time.DateTime)
			}
			rows = append(rows, []string{
				strconv.Itoa(r.ItemIndex), r.Recipient, string(r.Status),
				strconv.Itoa(r.Attempts), r.ProviderID, opened, r.Error,
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	}),
}

func init() {
	JobsCmd.PersistentFlags().StringVar(&jobsOwner, "owner", "", "Restrict to one owner")
	JobsCmd.PersistentFlags().BoolVar(&jobsJSON, "json", false, "Output JSON")
	jobsLsCmd.Flags().StringVar(&jobsType, "type", "", "Filter by job type")
	jobsLsCmd.Flags().StringVar(&jobsStatus, "status", "", "Filter by status")
	jobsLsCmd.Flags().IntVar(&jobsLimit, "limit", 50, "Maximum rows")
	jobsDeliveriesCmd.Flags().IntVar(&pageLimit, "limit", 100, "Maximum rows")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsStatusCmd)
	JobsCmd.AddCommand(jobAction("pause", "Pause a job at its next item", (*async.Supervisor).Pause))
	JobsCmd.AddCommand(jobAction("resume", "Return a paused job to the queue", (*async.Supervisor).Resume))
	JobsCmd.AddCommand(jobAction("cancel", "Soft-cancel an active job", (*async.Supervisor).Cancel))
	JobsCmd.AddCommand(jobsRmCmd)
	JobsCmd.AddCommand(jobsDeliveriesCmd)
}

// withSupervisor opens the database and hands commands a supervisor without
// channels or workers; it can inspect and control jobs but not run them.
func withSupervisor(fn func(ctx context.Context, sup *async.Supervisor, database *sql.DB, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withDB(cmd, func(ctx context.Context, database *sql.DB) error {
			sup := async.NewSupervisor(async.NewQueue(database), async.NewChannelRegistry(), nil, logger.Logger)
			return fn(ctx, sup, database, args)
		})
	}
}

func printJob(j *async.Job) {
	rows := pterm.TableData{
		{"ID", j.ID},
		{"Owner", j.OwnerID},
		{"Type", channelGlyph(j.Type) + " " + string(j.Type)},
		{"Status", string(j.Status)},
		{"Progress", fmt.Sprintf("%d%% (%d of %d processed)", j.Progress, j.ProcessedItems, j.TotalItems)},
		{"Sent / Failed", fmt.Sprintf("%d / %d", j.SuccessCount, j.FailedCount)},
		{"Created", j.CreatedAt.Local().Format(time.DateTime)},
	}
	if j.StartedAt != nil {
		rows = append(rows, []string{"Started", j.StartedAt.Local().Format(time.DateTime)})
	}
	if j.CompletedAt != nil {
		rows = append(rows, []string{"Completed", j.CompletedAt.Local().Format(time.DateTime)})
	}
	if j.Error != "" {
		rows = append(rows, []string{"Error", j.Error})
	}
	pterm.DefaultTable.WithData(rows).Render()
}

func channelGlyph(t async.JobType) string {
	switch t {
	case async.JobTypeEmailCampaign:
		return sym.Email
	case async.JobTypeSMSCampaign:
		return sym.SMS
	case async.JobTypeWhatsAppCampaign:
		return sym.WhatsApp
	case async.JobTypeLeadGeneration:
		return sym.Leads
	}
	return sym.Pulse
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
