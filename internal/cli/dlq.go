package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/hookflow/pkg/hookflow/dlq"
)

var (
	dlqSince    string
	dlqTypes    []string
	dlqHandler  string
	dlqTerminal bool
	dlqLimit    int
	dlqJSON     bool
)

func init() {
	dlqListCmd.Flags().StringVar(&dlqSince, "since", "", "Only entries captured after this time (RFC3339) or duration ago (e.g. 1h)")
	dlqListCmd.Flags().StringSliceVarP(&dlqTypes, "type", "t", nil, "Only these event types")
	dlqListCmd.Flags().StringVar(&dlqHandler, "handler", "", "Only entries of this handler")
	dlqListCmd.Flags().BoolVar(&dlqTerminal, "terminal", false, "Only entries that need manual resolution")
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 0, "Maximum entries to list")
	dlqListCmd.Flags().BoolVar(&dlqJSON, "json", false, "Print entries as JSON")

	dlqCmd.AddCommand(dlqListCmd, dlqResolveCmd, dlqRequeueCmd)
	rootCmd.AddCommand(dlqCmd)
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and manage dead letters",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letters",
	Args:  cobra.NoArgs,
	RunE:  runDLQList,
}

var dlqResolveCmd = &cobra.Command{
	Use:   "resolve ID...",
	Short: "Remove dead letters after manual intervention",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		for _, id := range args {
			if err := c.Resolve(cmd.Context(), id); err != nil {
				return fmt.Errorf("resolve %s: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s resolved\n", id)
		}
		return nil
	},
}

var dlqRequeueCmd = &cobra.Command{
	Use:   "requeue ID...",
	Short: "Restart the retry schedule of dead letters",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		for _, id := range args {
			e, err := c.Requeue(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("requeue %s: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s requeued, next retry %s\n", id, e.NextRetryAt.Format(time.RFC3339))
		}
		return nil
	},
}

func runDLQList(cmd *cobra.Command, args []string) error {
	f := dlq.Filter{
		Types:   dlqTypes,
		Handler: dlqHandler,
		Limit:   dlqLimit,
	}
	if dlqTerminal {
		f.Classifications = []dlq.Classification{dlq.Terminal}
	}
	if dlqSince != "" {
		since, err := parseSince(dlqSince, time.Now())
		if err != nil {
			return err
		}
		f.Since = since
	}

	entries, err := newClient().DeadLetters(cmd.Context(), f)
	if err != nil {
		return fmt.Errorf("list dead letters: %w", err)
	}
	out := cmd.OutOrStdout()
	if dlqJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	printEntries(out, entries)
	return nil
}

// parseSince accepts an RFC 3339 time or a duration before now.
func parseSince(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("since: want RFC3339 time or duration, got %q", s)
	}
	return t, nil
}

func printEntries(w io.Writer, entries []*dlq.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No dead letters.")
		return
	}
	fmt.Fprintf(w, "%-36s %-20s %-16s %-10s %7s %-20s %s\n",
		"ID", "TYPE", "HANDLER", "CLASS", "RETRIES", "NEXT RETRY", "REASON")
	for _, e := range entries {
		next := "-"
		if !e.NextRetryAt.IsZero() {
			next = e.NextRetryAt.Local().Format("01-02 15:04:05")
		}
		fmt.Fprintf(w, "%-36s %-20s %-16s %-10s %7d %-20s %s\n",
			e.ID,
			truncate(e.Event.Type, 20),
			truncate(e.Handler, 16),
			e.Classification,
			e.Retries,
			next,
			truncate(e.FailureReason, 60),
		)
	}
}
