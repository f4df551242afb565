package commands

import (
	"context"
	"database/sql"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/mailpulse/mailpulse/db"
	"github.com/mailpulse/mailpulse/sym"
)

// DbCmd manages the SQLite database
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Database migrations",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	Long:  "Apply pending migrations. Every command migrates on open; this only reports the result.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd, func(ctx context.Context, database *sql.DB) error {
			versions, err := db.AppliedVersions(database)
			if err != nil {
				return err
			}
			if len(versions) == 0 {
				pterm.Warning.Println("No migrations recorded")
				return nil
			}
			pterm.Success.Printf("Database is at migration %s\n", versions[len(versions)-1])
			return nil
		})
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List migrations and whether they are applied",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd, func(ctx context.Context, database *sql.DB) error {
			status, err := db.Status(database)
			if err != nil {
				return err
			}
			data := pterm.TableData{{"VERSION", "NAME", "STATE"}}
			for _, m := range status {
				state := pterm.FgYellow.Sprint("pending")
				if m.Applied {
					state = pterm.FgGreen.Sprint("applied")
				}
				data = append(data, []string{m.Version, m.Name, state})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		})
	},
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatusCmd)
}
