package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
	"github.com/randalmurphal/hookflow/pkg/hookflow/server"
	"github.com/randalmurphal/hookflow/pkg/hookflow/source"
)

var (
	emitPayload  string
	emitPriority string
	emitSession  string
	emitProducer string
	emitLabels   []string

	hookKind    string
	hookSession string
	hookStrict  bool
)

func init() {
	emitCmd.Flags().StringVarP(&emitPayload, "payload", "p", "", "Event payload as a JSON object")
	emitCmd.Flags().StringVar(&emitPriority, "priority", "", "Tier: critical, high, normal or low (default: catalog default for the type)")
	emitCmd.Flags().StringVar(&emitSession, "session", "", "Session ID")
	emitCmd.Flags().StringVar(&emitProducer, "producer", "cli", "Producer name")
	emitCmd.Flags().StringArrayVarP(&emitLabels, "label", "l", nil, "Label as key=value (repeatable)")
	rootCmd.AddCommand(emitCmd)

	hookCmd.Flags().StringVar(&hookKind, "kind", "", "Hook kind, overriding the document's hook_event_name")
	hookCmd.Flags().StringVar(&hookSession, "session", "", "Session ID when the document has none")
	hookCmd.Flags().BoolVar(&hookStrict, "strict", false, "Exit non-zero when the pipeline rejects or is unreachable")
	rootCmd.AddCommand(hookCmd)
}

var emitCmd = &cobra.Command{
	Use:   "emit TYPE",
	Short: "Submit one event to a running pipeline",
	Args:  cobra.ExactArgs(1),
	RunE:  runEmit,
}

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Convert a hook document on stdin into events and submit them",
	Long: "Reads the JSON document an agent passes to a hook script, converts " +
		"it into events and submits them. By default failures are reported on " +
		"stderr but the command exits zero so a stopped pipeline never blocks " +
		"the agent.",
	Args: cobra.NoArgs,
	RunE: runHook,
}

func runEmit(cmd *cobra.Command, args []string) error {
	var payload map[string]any
	if emitPayload != "" {
		if err := json.Unmarshal([]byte(emitPayload), &payload); err != nil {
			return fmt.Errorf("payload: %w", err)
		}
	}
	labels, err := parseLabels(emitLabels)
	if err != nil {
		return err
	}

	req := server.EventRequest{
		Type:      args[0],
		Priority:  emitPriority,
		Payload:   payload,
		SessionID: emitSession,
		Producer:  emitProducer,
		Labels:    labels,
	}
	if req.Priority != "" {
		if _, err := event.ParsePriority(req.Priority); err != nil {
			return err
		}
	}
	results, err := newClient().EmitRequests(cmd.Context(), req)
	printResults(cmd.OutOrStdout(), results)
	return err
}

func runHook(cmd *cobra.Command, args []string) error {
	err := submitHook(cmd, cmd.InOrStdin())
	if err != nil && !hookStrict {
		fmt.Fprintf(cmd.ErrOrStderr(), "hookflow: %v\n", err)
		return nil
	}
	return err
}

func submitHook(cmd *cobra.Command, r io.Reader) error {
	in, err := source.ReadHook(r, hookKind)
	if err != nil {
		return err
	}
	if in.SessionID == "" {
		in.SessionID = hookSession
	}
	events, err := in.Events(time.Now())
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	results, err := newClient().Emit(cmd.Context(), events...)
	printResults(cmd.OutOrStdout(), results)
	return err
}

func printResults(w io.Writer, results []server.ItemResult) {
	for _, r := range results {
		switch {
		case r.Error != "":
			fmt.Fprintf(w, "%s rejected: %s\n", r.EventID, r.Error)
		case r.Accepted:
			fmt.Fprintf(w, "%s accepted\n", r.EventID)
		default:
			fmt.Fprintf(w, "%s dropped (%s)\n", r.EventID, r.Reason)
		}
	}
}

func parseLabels(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	labels := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("label %q: want key=value", p)
		}
		labels[strings.TrimSpace(k)] = v
	}
	return labels, nil
}
