package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/quarrylabs/conveyor/internal/goals"
	adminhttp "github.com/quarrylabs/conveyor/internal/http"
)

var (
	// goals command flags
	glSource     string
	glStatus     string
	glAll        bool
	glTitle      string
	glPriority   int
	glKey        string
	glSubtasks   []string
	glReason     string
	glOutputJSON bool
)

func init() {
	rootCmd.AddCommand(goalsCmd)
	goalsCmd.AddCommand(goalsListCmd)
	goalsCmd.AddCommand(goalsGetCmd)
	goalsCmd.AddCommand(goalsCreateCmd)
	goalsCmd.AddCommand(goalsResumeCmd)
	goalsCmd.AddCommand(goalsAbandonCmd)
	goalsCmd.AddCommand(goalsSkipCmd)
	goalsCmd.AddCommand(goalsQuarantineCmd)

	goalsCmd.PersistentFlags().BoolVar(&glOutputJSON, "json", false, "Output results as JSON")

	// List-specific flags
	goalsListCmd.Flags().StringVar(&glSource, "source", "", "Filter by source: user, health-scan, or self")
	goalsListCmd.Flags().StringVar(&glStatus, "status", "", "Filter by status (comma-separated)")
	goalsListCmd.Flags().BoolVar(&glAll, "all", false, "Include completed and abandoned goals")

	// Create-specific flags
	goalsCreateCmd.Flags().StringVar(&glTitle, "title", "", "Goal title (required)")
	goalsCreateCmd.Flags().IntVar(&glPriority, "priority", 50, "Goal priority, higher runs first")
	goalsCreateCmd.Flags().StringVar(&glKey, "key", "", "Idempotency key deduplicating repeat submissions")
	goalsCreateCmd.Flags().StringArrayVar(&glSubtasks, "subtask", nil, "Ordered subtask, repeatable")
	_ = goalsCreateCmd.MarkFlagRequired("title")

	// Abandon and skip share a reason flag
	goalsAbandonCmd.Flags().StringVar(&glReason, "reason", "", "Why the goal is being abandoned (required)")
	_ = goalsAbandonCmd.MarkFlagRequired("reason")
	goalsSkipCmd.Flags().StringVar(&glReason, "reason", "", "Why the subtask is being skipped (required)")
	_ = goalsSkipCmd.MarkFlagRequired("reason")
}

var goalsCmd = &cobra.Command{
	Use:   "goals",
	Short: "Manage the goal backlog",
	Long: `Manage the goal backlog of a running conveyord daemon.

Goals move through proposed, active, blocked, and finally completed or
abandoned. The engine works the backlog on its own; these commands are
for submitting new goals and for the manual interventions the engine
cannot decide itself.

Examples:
  # List open goals
  convctl goals list

  # Submit a goal with two subtasks
  convctl goals create --title "Fix flaky auth test" \
    --subtask "Reproduce the failure" --subtask "Patch and verify"

  # Unblock a goal after fixing the underlying problem
  convctl goals resume 9f31c2d4`,
}

var goalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List goals",
	Long: `List goals, open ones by default.

Examples:
  # List open goals
  convctl goals list

  # Include closed goals
  convctl goals list --all

  # Only blocked goals
  convctl goals list --status blocked

  # Goals created by the health scanner
  convctl goals list --source health-scan`,
	RunE: runGoalsList,
}

var goalsGetCmd = &cobra.Command{
	Use:   "get <goal-id>",
	Short: "Show one goal in full",
	Args:  cobra.ExactArgs(1),
	RunE:  runGoalsGet,
}

var goalsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Submit a new goal",
	Long: `Submit a new goal to the backlog. Submitting a duplicate of an
open goal returns the existing goal instead of creating another.

Examples:
  # Minimal goal
  convctl goals create --title "Upgrade CI runner image"

  # High priority with an idempotency key
  convctl goals create --title "Rotate leaked token" --priority 90 --key rotate-tok-1`,
	RunE: runGoalsCreate,
}

var goalsResumeCmd = &cobra.Command{
	Use:   "resume <goal-id>",
	Short: "Resume a blocked goal",
	Args:  cobra.ExactArgs(1),
	RunE:  runGoalsResume,
}

var goalsAbandonCmd = &cobra.Command{
	Use:   "abandon <goal-id>",
	Short: "Abandon a goal",
	Long: `Abandon a goal that should not be pursued further. Abandonment is
terminal; the reason is kept on the goal.

Examples:
  convctl goals abandon 9f31c2d4 --reason "superseded by the v2 rollout"`,
	Args: cobra.ExactArgs(1),
	RunE: runGoalsAbandon,
}

var goalsSkipCmd = &cobra.Command{
	Use:   "skip <goal-id> <subtask-index>",
	Short: "Skip one subtask of an active goal",
	Long: `Mark a pending subtask as skipped so the goal can proceed without
it. Indexes are zero-based and shown by goals get.

Examples:
  convctl goals skip 9f31c2d4 1 --reason "covered by the earlier refactor"`,
	Args: cobra.ExactArgs(2),
	RunE: runGoalsSkip,
}

var goalsQuarantineCmd = &cobra.Command{
	Use:   "quarantine",
	Short: "List quarantined goal records",
	Long: `List records that failed validation when the goal registry was
loaded and were set aside instead of being repaired in place.`,
	RunE: runGoalsQuarantine,
}

func runGoalsList(cmd *cobra.Command, args []string) error {
	q := adminhttp.GoalsQuery{Source: glSource}
	if glStatus != "" {
		q.Statuses = strings.Split(glStatus, ",")
	} else {
		q.Open = !glAll
	}

	list, err := newClient().Goals(context.Background(), q)
	if err != nil {
		return err
	}

	if glOutputJSON {
		return outputJSON(list)
	}

	if len(list) == 0 {
		fmt.Println("No goals found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tPRI\tGATE\tSOURCE\tUPDATED")
	for _, g := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			truncate(g.ID, 12),
			truncate(g.Title, 40),
			g.Status,
			g.Priority,
			g.Gate,
			g.Source,
			g.UpdatedAt.Local().Format("2006-01-02 15:04"),
		)
	}
	w.Flush()
	return nil
}

func runGoalsGet(cmd *cobra.Command, args []string) error {
	g, err := newClient().Goal(context.Background(), args[0])
	if err != nil {
		return err
	}
	if glOutputJSON {
		return outputJSON(g)
	}
	printGoal(g)
	return nil
}

func runGoalsCreate(cmd *cobra.Command, args []string) error {
	req := adminhttp.CreateGoalRequest{
		Title:          glTitle,
		Priority:       glPriority,
		IdempotencyKey: glKey,
		Subtasks:       glSubtasks,
	}

	g, err := newClient().CreateGoal(context.Background(), req)
	if errors.Is(err, goals.ErrDuplicateGoal) {
		fmt.Fprintf(os.Stderr, "[convctl] goal already exists as %s\n", g.ID)
		err = nil
	}
	if err != nil {
		return fmt.Errorf("failed to create goal: %w", err)
	}

	if glOutputJSON {
		return outputJSON(g)
	}
	printGoal(g)
	return nil
}

func runGoalsResume(cmd *cobra.Command, args []string) error {
	g, err := newClient().ResumeGoal(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to resume goal: %w", err)
	}
	if glOutputJSON {
		return outputJSON(g)
	}
	fmt.Printf("Goal %s resumed, status is now %s\n", g.ID, g.Status)
	return nil
}

func runGoalsAbandon(cmd *cobra.Command, args []string) error {
	g, err := newClient().AbandonGoal(context.Background(), args[0], glReason)
	if err != nil {
		return fmt.Errorf("failed to abandon goal: %w", err)
	}
	if glOutputJSON {
		return outputJSON(g)
	}
	fmt.Printf("Goal %s abandoned\n", g.ID)
	return nil
}

func runGoalsSkip(cmd *cobra.Command, args []string) error {
	index, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("subtask index must be an integer, got %q", args[1])
	}

	g, err := newClient().SkipSubtask(context.Background(), args[0], index, glReason)
	if err != nil {
		return fmt.Errorf("failed to skip subtask: %w", err)
	}
	if glOutputJSON {
		return outputJSON(g)
	}
	fmt.Printf("Subtask %d of goal %s skipped\n", index, g.ID)
	return nil
}

func runGoalsQuarantine(cmd *cobra.Command, args []string) error {
	entries, err := newClient().Quarantine(context.Background())
	if err != nil {
		return err
	}
	if glOutputJSON {
		return outputJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Println("Quarantine is empty")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "QUARANTINED\tGOAL\tREASON")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\n",
			e.QuarantinedAt.Local().Format("2006-01-02 15:04"),
			truncate(e.GoalID, 12),
			truncate(e.Reason, 60),
		)
	}
	w.Flush()
	return nil
}

// printGoal writes a full human-readable view of one goal.
func printGoal(g *goals.Goal) {
	fmt.Printf("ID: %s\n", g.ID)
	fmt.Printf("Title: %s\n", g.Title)
	fmt.Printf("Status: %s\n", g.Status)
	fmt.Printf("Source: %s\n", g.Source)
	fmt.Printf("Priority: %d\n", g.Priority)
	fmt.Printf("Gate: %s\n", g.Gate)
	if g.Branch != "" {
		fmt.Printf("Branch: %s\n", g.Branch)
	}
	if g.PRID != 0 {
		fmt.Printf("PR: #%d\n", g.PRID)
	}
	if g.GreenStreak > 0 {
		fmt.Printf("Green streak: %d\n", g.GreenStreak)
	}
	if g.RedRetries > 0 {
		fmt.Printf("Red retries: %d\n", g.RedRetries)
	}
	if g.BlockedReason != "" {
		fmt.Printf("Blocked: %s\n", g.BlockedReason)
	}
	fmt.Printf("Created: %s\n", g.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated: %s\n", g.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	if len(g.Subtasks) > 0 {
		fmt.Println("Subtasks:")
		for i, st := range g.Subtasks {
			fmt.Printf("  %d. [%s] %s\n", i, subtaskMark(st.Status), st.Description)
		}
	}
}

// subtaskMark is the single-character state marker used in subtask
// listings.
func subtaskMark(s goals.SubtaskStatus) string {
	switch s {
	case goals.SubtaskDone:
		return "x"
	case goals.SubtaskInProgress:
		return ">"
	case goals.SubtaskSkipped:
		return "-"
	default:
		return " "
	}
}
