// Package main implements the convctl CLI for manual operations
// against a running conveyord admin server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	adminhttp "github.com/quarrylabs/conveyor/internal/http"
)

var (
	// serverURL is the base URL for the conveyord admin server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "convctl",
	Short: "CLI for conveyord admin operations",
	Long: `convctl is a command-line interface for a running conveyord daemon.
It manages the goal backlog, inspects the tool reliability ledger and the
audit trail, and drives health scans and engine restarts.`,
	Version: version,
}

var statusJSON bool

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9310", "conveyord admin server URL")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(restartCmd)

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
}

// statusCmd reports the engine's goal counts and scan schedule
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine status",
	Long: `Show the daemon version, uptime, goal counts per status, and the
next scheduled health scan.

Examples:
  # Show status
  convctl status

  # Status of a daemon on another port
  convctl status --server http://localhost:8080`,
	RunE: runStatus,
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check conveyord server health",
	Long: `Check that the conveyord admin server is reachable.

Examples:
  # Check health
  convctl health`,
	RunE: runHealth,
}

// restartCmd asks the engine to rebuild itself
var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Request an engine restart",
	Long: `Ask the engine to tear down and rebuild from persisted state. The
admin server goes away briefly while the new runtime starts.

Examples:
  # Request a restart
  convctl restart`,
	RunE: runRestart,
}

func runStatus(cmd *cobra.Command, args []string) error {
	st, err := newClient().Status(context.Background())
	if err != nil {
		return err
	}

	if statusJSON {
		return outputJSON(st)
	}

	fmt.Printf("Status: %s\n", st.Status)
	if st.Version != "" {
		fmt.Printf("Version: %s\n", st.Version)
	}
	fmt.Printf("Uptime: %s\n", (time.Duration(st.UptimeSeconds) * time.Second).String())
	fmt.Printf("Open goals: %d\n", st.Open)
	for _, status := range []string{"proposed", "active", "blocked", "completed", "abandoned"} {
		if n := st.Goals[status]; n > 0 {
			fmt.Printf("  %s: %d\n", status, n)
		}
	}
	if st.NextScan != nil {
		fmt.Printf("Next scan: %s\n", st.NextScan.Local().Format("2006-01-02 15:04:05"))
	} else {
		fmt.Printf("Next scan: disabled\n")
	}
	if st.EventsEnabled {
		fmt.Printf("Events: enabled\n")
	} else {
		fmt.Printf("Events: disabled\n")
	}
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	if err := newClient().Health(context.Background()); err != nil {
		return fmt.Errorf("server at %s is not healthy: %w", serverURL, err)
	}
	fmt.Printf("Server Status: ok\n")
	fmt.Printf("Server URL: %s\n", serverURL)
	return nil
}

func runRestart(cmd *cobra.Command, args []string) error {
	if err := newClient().Restart(context.Background()); err != nil {
		return err
	}
	fmt.Println("Restart requested")
	return nil
}

// Helper functions

func newClient() *adminhttp.Client {
	return adminhttp.NewClient(serverURL)
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
