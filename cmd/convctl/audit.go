package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	adminhttp "github.com/quarrylabs/conveyor/internal/http"
)

var (
	// audit command flags
	auTool       string
	auGoal       string
	auFailures   bool
	auSince      string
	auLimit      int
	auOutputJSON bool
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditSummaryCmd)

	auditCmd.PersistentFlags().BoolVar(&auOutputJSON, "json", false, "Output results as JSON")

	auditListCmd.Flags().StringVar(&auTool, "tool", "", "Filter by tool")
	auditListCmd.Flags().StringVar(&auGoal, "goal", "", "Filter by goal ID")
	auditListCmd.Flags().BoolVar(&auFailures, "failures", false, "Only show failed invocations")
	auditListCmd.Flags().StringVar(&auSince, "since", "", "Only invocations after this RFC 3339 time")
	auditListCmd.Flags().IntVar(&auLimit, "limit", 20, "Maximum number of records, newest first")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the tool invocation audit trail",
	Long: `Inspect the append-only record of every tool invocation the engine
has made: what ran, for which goal, whether it succeeded, and how long
it took.

Examples:
  # The last 20 invocations
  convctl audit list

  # Recent failures of one tool
  convctl audit list --tool github-api --failures

  # Roll-up per tool
  convctl audit summary`,
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List invocation records",
	Long: `List invocation records, newest last so the most recent is at the
bottom of the terminal.

Examples:
  # Everything touching one goal
  convctl audit list --goal 9f31c2d4 --limit 50

  # Failures since a point in time
  convctl audit list --failures --since 2026-08-20T00:00:00Z`,
	RunE: runAuditList,
}

var auditSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Summarize the audit trail per tool",
	RunE:  runAuditSummary,
}

func runAuditList(cmd *cobra.Command, args []string) error {
	q := adminhttp.AuditQuery{
		Tool:         auTool,
		GoalID:       auGoal,
		FailuresOnly: auFailures,
		Limit:        auLimit,
	}
	if auSince != "" {
		since, err := time.Parse(time.RFC3339, auSince)
		if err != nil {
			return fmt.Errorf("--since must be RFC 3339, e.g. 2026-08-20T00:00:00Z: %w", err)
		}
		q.Since = since
	}

	records, err := newClient().Audit(context.Background(), q)
	if err != nil {
		return err
	}

	if auOutputJSON {
		return outputJSON(records)
	}

	if len(records) == 0 {
		fmt.Println("No matching invocations")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTOOL\tCATEGORY\tGOAL\tRESULT\tMS\tERROR")
	for _, r := range records {
		result := "ok"
		if !r.Success {
			result = r.ErrorKind
			if result == "" {
				result = "failed"
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.Time.Local().Format("2006-01-02 15:04:05"),
			r.Tool,
			r.Category,
			truncate(r.GoalID, 12),
			result,
			r.DurationMS,
			truncate(r.Error, 48),
		)
	}
	w.Flush()
	return nil
}

func runAuditSummary(cmd *cobra.Command, args []string) error {
	summary, err := newClient().AuditSummary(context.Background())
	if err != nil {
		return err
	}

	if auOutputJSON {
		return outputJSON(summary)
	}

	fmt.Printf("Total invocations: %d\n", summary.Total)
	if len(summary.Tools) == 0 {
		return nil
	}

	tools := make([]string, 0, len(summary.Tools))
	for tool := range summary.Tools {
		tools = append(tools, tool)
	}
	sort.Strings(tools)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TOOL\tCALLS\tFAILURES\tTRANSIENT\tPERMANENT\tMEAN MS")
	for _, tool := range tools {
		s := summary.Tools[tool]
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%.0f\n",
			tool, s.Calls, s.Failures, s.Transient, s.Permanent, s.MeanDurationMS)
	}
	w.Flush()
	return nil
}
