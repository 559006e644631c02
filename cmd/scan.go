package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"sort"
	"time"

	"github.com/spf13/cobra"

	appscan "github.com/khanhnv2901/securiscan/internal/application/scan"
	"github.com/khanhnv2901/securiscan/internal/checker"
	"github.com/khanhnv2901/securiscan/internal/scoring"
)

var categoryOrder = []string{
	checker.CategoryHeaders,
	checker.CategorySSL,
	checker.CategoryOWASP,
	checker.CategoryPerformance,
}

var scanCmd = &cobra.Command{
	Use:   "scan <url>",
	Short: "Run a one-off security scan and print the report",
	Long: `Runs every probe against the target in this process and prints the
score, grade and findings. Nothing is stored and no notifications are sent.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appCtx := getAppContext(cmd)
		jsonOut, _ := cmd.Flags().GetBool("json")
		quiet, _ := cmd.Flags().GetBool("quiet")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		target := args[0]
		if !checker.ValidateTarget(target) {
			return &InvalidTargetError{Target: target}
		}
		target = checker.ParseTarget(target).FullURL

		probes := checker.DefaultProbes(nil)
		var observer checker.ProbeObserver
		if !quiet && !jsonOut {
			fmt.Fprintf(cmd.OutOrStdout(), "%s Scanning %s\n", colorInfo("→"), target)
			observer = newProbeProgress(cmd.OutOrStdout(), len(probes))
		}
		orchestrator := checker.NewOrchestrator(appCtx.Logger.Named("checker"), observer, probes...)

		ctx, cancel := context.WithTimeout(commandContext(cmd), timeout)
		defer cancel()

		report := buildReport(ctx, orchestrator, target)
		if jsonOut {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}
		renderReport(cmd.OutOrStdout(), report)
		return nil
	},
}

func init() {
	scanCmd.Flags().Bool("json", false, "Print the report as JSON")
	scanCmd.Flags().BoolP("quiet", "q", false, "Do not print probe progress")
	scanCmd.Flags().Duration("timeout", 2*time.Minute, "Overall scan timeout")
}

type checkRunner interface {
	RunAllChecks(ctx context.Context, target string) []checker.CheckResult
}

func buildReport(ctx context.Context, runner checkRunner, target string) *appscan.Report {
	results := runner.RunAllChecks(ctx, target)
	checker.FillRecommendations(results)
	score := scoring.Calculate(results)
	return &appscan.Report{
		URL:            target,
		Score:          score,
		Grade:          scoring.Grade(score),
		CategoryScores: scoring.CategoryScores(results),
		Results:        results,
	}
}

func renderReport(out io.Writer, report *appscan.Report) {
	byCategory := make(map[string][]checker.CheckResult)
	for _, r := range report.Results {
		byCategory[r.Category] = append(byCategory[r.Category], r)
	}

	categories := append([]string(nil), categoryOrder...)
	var extra []string
	for category := range byCategory {
		if !slices.Contains(categoryOrder, category) {
			extra = append(extra, category)
		}
	}
	sort.Strings(extra)
	categories = append(categories, extra...)

	fmt.Fprintf(out, "\n%s %s\n", colorBold("Security report for"), report.URL)
	for _, category := range categories {
		results := byCategory[category]
		if len(results) == 0 {
			continue
		}
		fmt.Fprintf(out, "\n%s (%.0f/100)\n", colorBold(category), report.CategoryScores[category])
		for _, r := range results {
			fmt.Fprintf(out, "  %-8s %-28s %s\n", formatSeverityWithColor(r.Severity), r.CheckName, r.Message)
			if r.Recommendation != "" {
				fmt.Fprintf(out, "           %s\n", colorMuted(r.Recommendation))
			}
		}
	}

	critical := checker.CountSeverity(report.Results, checker.SeverityCritical)
	warnings := checker.CountSeverity(report.Results, checker.SeverityWarning)
	fmt.Fprintf(out, "\nScore: %d/100  Grade: %s  Critical: %d  Warnings: %d\n",
		report.Score, formatGradeWithColor(report.Grade), critical, warnings)
}
