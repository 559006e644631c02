package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/khanhnv2901/securiscan/internal/application"
	"github.com/khanhnv2901/securiscan/internal/domain/scan"
	"github.com/khanhnv2901/securiscan/internal/queue"
	"github.com/khanhnv2901/securiscan/internal/scheduler"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage recurring site scans",
}

var scheduleRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Reconcile recurring jobs with the cadence stored for every active site",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContainer(cmd, func(c *application.Container) error {
			report, err := c.Scheduler.RestoreAllSchedules(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Registered: %d  Unchanged: %d  Removed: %d  Failed: %s\n",
				colorSuccess("✓"), report.Registered, report.Unchanged, report.Removed, formatFailures(report.Failed))
			return nil
		})
	},
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered recurring scans",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContainer(cmd, func(c *application.Container) error {
			recs, err := c.Scheduler.ListSchedules(cmd.Context())
			if err != nil {
				return err
			}
			printSchedules(cmd.OutOrStdout(), recs)
			return nil
		})
	},
}

var scheduleSetCmd = &cobra.Command{
	Use:   "set <site-id> <NONE|DAILY|WEEKLY|MONTHLY>",
	Short: "Store a site's scan cadence and update its recurring job",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cadence, err := scan.ParseCadence(args[1])
		if err != nil {
			return err
		}
		return withContainer(cmd, func(c *application.Container) error {
			if err := c.Scheduler.UpdateCadence(cmd.Context(), args[0], cadence); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s now scans %s\n", colorSuccess("✓"), args[0], cadence)
			return nil
		})
	},
}

func init() {
	scheduleCmd.AddCommand(scheduleRestoreCmd)
	scheduleCmd.AddCommand(scheduleListCmd)
	scheduleCmd.AddCommand(scheduleSetCmd)
}

// withContainer runs fn against freshly wired services and closes them after.
func withContainer(cmd *cobra.Command, fn func(*application.Container) error) error {
	appCtx := getAppContext(cmd)
	container, err := application.NewContainer(commandContext(cmd), appCtx.Config.containerConfig(), appCtx.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	defer closeContainer(container, appCtx.Logger)
	return fn(container)
}

func formatFailures(n int) string {
	if n > 0 {
		return colorError(n)
	}
	return fmt.Sprint(n)
}

func printSchedules(out io.Writer, recs []queue.Recurring) {
	if len(recs) == 0 {
		fmt.Fprintln(out, colorMuted("No recurring scans registered"))
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SITE\tCADENCE\tPATTERN\tURL")
	for _, rec := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", rec.Job.SiteID, cadenceFor(rec.Pattern), rec.Pattern, rec.Job.SiteURL)
	}
	_ = w.Flush()
}

func cadenceFor(pattern string) string {
	for _, c := range []scan.Cadence{scan.CadenceDaily, scan.CadenceWeekly, scan.CadenceMonthly} {
		if p, ok := scheduler.CronPattern(c); ok && p == pattern {
			return string(c)
		}
	}
	return "custom"
}
