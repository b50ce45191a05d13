package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/hookflow/pkg/hookflow"
	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
	"github.com/randalmurphal/hookflow/pkg/hookflow/monitor"
)

var statusJSON bool

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print status and snapshot as JSON")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depths, breakers and dead letters of a running pipeline",
	RunE:  runStatus,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask a running pipeline to drain and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().Shutdown(cmd.Context()); err != nil {
			return fmt.Errorf("stop: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Shutdown requested.")
		return nil
	},
}

func runStatus(cmd *cobra.Command, args []string) error {
	c := newClient()
	st, err := c.Status(cmd.Context())
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	snap, err := c.Snapshot(cmd.Context())
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}

	out := cmd.OutOrStdout()
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"status": st, "snapshot": snap})
	}
	printStatus(out, st, snap)
	return nil
}

func printStatus(w io.Writer, st hookflow.Status, snap monitor.Snapshot) {
	state := "stopped"
	if st.Running {
		state = "running"
	}
	fmt.Fprintf(w, "State:       %s (mode %s)\n", state, snap.Mode)
	if st.SessionID != "" {
		fmt.Fprintf(w, "Session:     %s\n", st.SessionID)
	}
	fmt.Fprintf(w, "Outstanding: %d (batching %d, pending triggers %d)\n", st.Outstanding, st.Batching, st.Triggers)
	fmt.Fprintf(w, "Dead letters: %d (terminal %d, in flight %d)\n", st.DLQ.Size, st.DLQ.Terminal, st.DLQ.InFlight)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "%-10s %8s %10s %10s %10s %10s %8s\n", "TIER", "QUEUED", "CAPACITY", "AVG", "P95", "EVT/S", "FAILED")
	for _, p := range event.Priorities {
		ts := snap.Tiers[p.String()]
		fmt.Fprintf(w, "%-10s %8d %10d %10s %10s %10.2f %8d\n",
			p, st.Queued[p.String()], ts.Capacity,
			ts.AvgLatency.Round(time.Millisecond), ts.P95.Round(time.Millisecond),
			ts.Throughput, ts.Failed)
	}

	if len(snap.Breakers) > 0 {
		fmt.Fprintln(w)
		breakers := snap.Breakers
		sort.Slice(breakers, func(i, j int) bool { return breakers[i].Name < breakers[j].Name })
		fmt.Fprintf(w, "%-40s %-10s %9s %9s\n", "BREAKER", "STATE", "FAILURES", "REJECTED")
		for _, b := range breakers {
			fmt.Fprintf(w, "%-40s %-10s %9d %9d\n", truncate(b.Name, 40), b.State, b.Failures, b.Rejected)
		}
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
