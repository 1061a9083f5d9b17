package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quarrylabs/conveyor/internal/events"
)

var (
	// events command flags
	evGoal       string
	evOutputJSON bool
)

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.Flags().StringVar(&evGoal, "goal", "", "Only events for this goal ID")
	eventsCmd.Flags().BoolVar(&evOutputJSON, "json", false, "Print raw event JSON, one object per line")
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Tail the engine's event stream",
	Long: `Tail the live event stream of a running conveyord daemon. Prints
goal creations, status changes, gate transitions, and scan results as
they happen. Interrupt with Ctrl-C.

Requires the daemon to run with the event bus enabled.

Examples:
  # Everything
  convctl events

  # One goal's lifecycle
  convctl events --goal 9f31c2d4

  # Machine-readable
  convctl events --json | jq .type`,
	RunE: runEvents,
}

func runEvents(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newClient().Events(ctx, evGoal, func(eventType string, data []byte) error {
		if evOutputJSON {
			fmt.Printf("%s\n", data)
			return nil
		}
		var e events.Event
		if uerr := json.Unmarshal(data, &e); uerr != nil {
			fmt.Printf("%s %s\n", eventType, data)
			return nil
		}
		fmt.Println(formatEvent(e))
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// formatEvent renders one event as a single log-style line, skipping
// fields the event does not carry.
func formatEvent(e events.Event) string {
	parts := []string{e.Time.Local().Format("15:04:05"), e.Type}
	if e.GoalID != "" {
		parts = append(parts, "goal="+e.GoalID)
	}
	if e.From != "" || e.To != "" {
		parts = append(parts, e.From+" -> "+e.To)
	}
	if e.Title != "" {
		parts = append(parts, fmt.Sprintf("%q", truncate(e.Title, 48)))
	}
	if e.Source != "" {
		parts = append(parts, "source="+e.Source)
	}
	if e.Branch != "" {
		parts = append(parts, "branch="+e.Branch)
	}
	if e.PR != 0 {
		parts = append(parts, fmt.Sprintf("pr=#%d", e.PR))
	}
	if e.Reason != "" {
		parts = append(parts, "reason="+truncate(e.Reason, 48))
	}
	if e.Type == events.TypeScanCompleted {
		parts = append(parts, fmt.Sprintf("signals=%d created=%d", e.Signals, e.Created))
	}
	return strings.Join(parts, " ")
}
