package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var scanOutputJSON bool

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().BoolVar(&scanOutputJSON, "json", false, "Output the report as JSON")
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a health scan now",
	Long: `Run a repository health scan immediately instead of waiting for
the next scheduled pass. The command blocks until the scan finishes
and prints what it found.

Examples:
  # Scan now
  convctl scan`,
	RunE: runScan,
}

func runScan(cmd *cobra.Command, args []string) error {
	report, err := newClient().ScanNow(context.Background())
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	if scanOutputJSON {
		return outputJSON(report)
	}

	fmt.Printf("Scan finished in %s\n", report.Duration.Round(time.Millisecond))
	fmt.Printf("Signals: %d\n", report.Signals)
	fmt.Printf("Goals created: %d\n", report.Created)
	fmt.Printf("Duplicates skipped: %d\n", report.Skipped)
	if report.Errors > 0 {
		fmt.Printf("Source errors: %d\n", report.Errors)
	}
	return nil
}
