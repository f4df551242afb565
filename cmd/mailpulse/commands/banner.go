package commands

import (
	"fmt"

	"github.com/pterm/pterm"

	"github.com/mailpulse/mailpulse/am"
	"github.com/mailpulse/mailpulse/sym"
	"github.com/mailpulse/mailpulse/version"
)

// printStartupBanner prints what this process is about to run
func printStartupBanner(cfg *am.Config) {
	info := version.Get()

	pterm.DefaultHeader.WithFullWidth().Println(sym.Pulse + " mailpulse")

	workers := fmt.Sprintf("%d", cfg.Pulse.Workers)
	if cfg.Pulse.Workers == 0 {
		workers = "0 (API only)"
	}
	budget := "unlimited"
	if cfg.Budget.OwnerSendsPerMinute > 0 {
		budget = fmt.Sprintf("%d/min per owner (%s)", cfg.Budget.OwnerSendsPerMinute, cfg.Budget.Store)
	}
	tracking := "disabled"
	if cfg.Tracking.BaseURL != "" {
		tracking = cfg.Tracking.BaseURL
	}

	rows := pterm.TableData{
		{"Version", fmt.Sprintf("%s (commit %s)", info.Version, info.Short())},
		{"Listen", cfg.ListenAddr()},
		{"Database", cfg.Database.Path},
		{"Workers", workers},
		{"Send budget", budget},
		{"Tracking", tracking},
	}
	if cfg.Pulse.CleanupSchedule != "" {
		rows = append(rows, []string{"Cleanup", fmt.Sprintf("%s (keep %dd)", cfg.Pulse.CleanupSchedule, cfg.Pulse.RetentionDays)})
	}
	pterm.DefaultTable.WithData(rows).Render()
	pterm.Println()
}
