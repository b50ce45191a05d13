package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/hookflow/pkg/hookflow/store"
)

var (
	sessionTypes []string
	sessionSince string
	sessionLimit int
	sessionJSON  bool
)

func init() {
	sessionQueryCmd.Flags().StringSliceVarP(&sessionTypes, "type", "t", nil, "Only these event types")
	sessionQueryCmd.Flags().StringVar(&sessionSince, "since", "", "Only events after this time (RFC3339) or duration ago (e.g. 30m)")
	sessionQueryCmd.Flags().IntVar(&sessionLimit, "limit", 0, "Maximum events to print")
	sessionQueryCmd.Flags().BoolVar(&sessionJSON, "json", false, "Print records as JSON lines")

	sessionCmd.AddCommand(sessionListCmd, sessionQueryCmd)
	rootCmd.AddCommand(sessionCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect session logs of processed events",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sessions, err := newClient().Sessions(cmd.Context())
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(sessions) == 0 {
			fmt.Fprintln(out, "No sessions.")
			return nil
		}
		fmt.Fprintf(out, "%-36s %8s %-20s %s\n", "SESSION", "EVENTS", "FIRST", "LAST")
		for _, s := range sessions {
			fmt.Fprintf(out, "%-36s %8d %-20s %s\n",
				truncate(s.ID, 36), s.Events,
				s.First.Local().Format(time.DateTime), s.Last.Local().Format(time.DateTime))
		}
		return nil
	},
}

var sessionQueryCmd = &cobra.Command{
	Use:   "query [SESSION]",
	Short: "Print a session's processed events in order",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSessionQuery,
}

func runSessionQuery(cmd *cobra.Command, args []string) error {
	q := store.Query{
		SessionID:  store.DefaultSession,
		EventTypes: sessionTypes,
		Limit:      sessionLimit,
	}
	if len(args) == 1 {
		q.SessionID = args[0]
	}
	if sessionSince != "" {
		since, err := parseSince(sessionSince, time.Now())
		if err != nil {
			return err
		}
		q.Start = since
	}

	records, err := newClient().QuerySession(cmd.Context(), q)
	if err != nil {
		return fmt.Errorf("query session %s: %w", q.SessionID, err)
	}
	return printRecords(cmd.OutOrStdout(), records, sessionJSON)
}

func printRecords(w io.Writer, records []store.Record, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		for _, r := range records {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	}
	for _, r := range records {
		fmt.Fprintf(w, "%6d %s %-8s %-24s %s\n",
			r.Seq,
			r.Event.Timestamp.Local().Format("15:04:05.000"),
			r.Event.Priority,
			truncate(r.Event.Type, 24),
			summarize(r.Event.Payload))
	}
	return nil
}

// summarize renders a payload on one line.
func summarize(payload map[string]any) string {
	if len(payload) == 0 {
		return ""
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "?"
	}
	return truncate(string(data), 100)
}
