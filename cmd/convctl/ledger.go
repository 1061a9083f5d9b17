package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	// ledger command flags
	ldCategory   string
	ldOutputJSON bool
)

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerListCmd)
	ledgerCmd.AddCommand(ledgerRankingsCmd)
	ledgerCmd.AddCommand(ledgerResetCmd)

	ledgerCmd.PersistentFlags().BoolVar(&ldOutputJSON, "json", false, "Output results as JSON")

	ledgerRankingsCmd.Flags().StringVar(&ldCategory, "category", "", "Tool category to rank (required)")
	_ = ledgerRankingsCmd.MarkFlagRequired("category")
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the tool reliability ledger",
	Long: `Inspect the reliability scores the engine keeps per tool. Scores
feed tool selection: within a category, the engine prefers the tool
with the best recent record.

Examples:
  # Show every tracked tool
  convctl ledger list

  # Rank the source control tools
  convctl ledger rankings --category source-control

  # Forget a tool's history after fixing its environment
  convctl ledger reset git-cli`,
}

var ledgerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ledger entries",
	RunE:  runLedgerList,
}

var ledgerRankingsCmd = &cobra.Command{
	Use:   "rankings",
	Short: "Rank the tools of one category",
	Long: `Rank the registered tools of a category by reliability score,
best first. Tools with little history rank near the neutral prior.

Examples:
  convctl ledger rankings --category source-control
  convctl ledger rankings --category ci`,
	RunE: runLedgerRankings,
}

var ledgerResetCmd = &cobra.Command{
	Use:   "reset <tool>",
	Short: "Reset one tool's reliability history",
	Long: `Drop the accumulated reliability history of one tool so it starts
from the neutral prior again. Use after fixing whatever made the tool
fail, otherwise the history grows right back.

Examples:
  convctl ledger reset git-cli`,
	Args: cobra.ExactArgs(1),
	RunE: runLedgerReset,
}

func runLedgerList(cmd *cobra.Command, args []string) error {
	entries, err := newClient().Ledger(context.Background())
	if err != nil {
		return err
	}

	if ldOutputJSON {
		return outputJSON(entries)
	}

	if len(entries) == 0 {
		fmt.Println("No tools tracked yet")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TOOL\tCALLS\tSUCCESS\tHELPFULNESS\tUPDATED")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%d\t%.0f%%\t%.2f\t%s\n",
			e.Tool,
			e.Global.Count,
			e.Global.SuccessRate*100,
			e.Global.MeanHelpfulness,
			e.UpdatedAt.Local().Format("2006-01-02 15:04"),
		)
	}
	w.Flush()
	return nil
}

func runLedgerRankings(cmd *cobra.Command, args []string) error {
	resp, err := newClient().Rankings(context.Background(), ldCategory)
	if err != nil {
		return err
	}

	if ldOutputJSON {
		return outputJSON(resp)
	}

	if len(resp.Rankings) == 0 {
		fmt.Printf("No tools registered for category %s\n", ldCategory)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tTOOL\tSCORE\tRAW\tSAMPLES")
	for i, r := range resp.Rankings {
		fmt.Fprintf(w, "%d\t%s\t%.3f\t%.3f\t%d\n", i+1, r.Tool, r.Score, r.RawScore, r.Samples)
	}
	w.Flush()
	return nil
}

func runLedgerReset(cmd *cobra.Command, args []string) error {
	if err := newClient().ResetTool(context.Background(), args[0]); err != nil {
		return fmt.Errorf("failed to reset tool: %w", err)
	}
	fmt.Printf("Reliability history for %s reset\n", args[0])
	return nil
}
