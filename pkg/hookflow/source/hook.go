package source

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"regexp"
	"strings"
	"time"

	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
)

// Hook names accepted by HookInput.Events. The names match the hook scripts that
// feed the pipeline.
const (
	HookPostToolUse  = "post-tool-use"
	HookSubAgentStop = "sub-agent-stop"
	HookPreCommit    = "pre-commit"
	HookFileWatcher  = "file-watcher"
	HookWorkflow     = "workflow"
	HookSession      = "session"
)

// hookAliases maps the hook_event_name values sent by the agent runtime to
// hook names.
var hookAliases = map[string]string{
	"PostToolUse":  HookPostToolUse,
	"SubagentStop": HookSubAgentStop,
	"Stop":         HookSubAgentStop,
	"PreCommit":    HookPreCommit,
	"SessionStart": HookSession,
	"SessionEnd":   HookSession,
}

// HookInput is the JSON document a hook script receives on stdin.
type HookInput struct {
	// Hook names the hook. When empty it is derived from HookEventName.
	Hook          string `json:"hook,omitempty"`
	HookEventName string `json:"hook_event_name,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	Cwd           string `json:"cwd,omitempty"`

	// Fields holds the whole document, including the fields above.
	Fields map[string]any `json:"-"`
}

// UnmarshalJSON keeps every field of the document in Fields.
func (h *HookInput) UnmarshalJSON(data []byte) error {
	type plain HookInput
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*h = HookInput(p)
	h.Fields = fields
	return nil
}

// Kind resolves the hook name.
func (h HookInput) Kind() string {
	if h.Hook != "" {
		return h.Hook
	}
	if kind, ok := hookAliases[h.HookEventName]; ok {
		return kind
	}
	return strings.ToLower(h.HookEventName)
}

// ReadHook decodes a hook document. kind overrides the document's own hook
// name when non-empty.
func ReadHook(r io.Reader, kind string) (HookInput, error) {
	var in HookInput
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return HookInput{}, fmt.Errorf("decode hook input: %w", err)
	}
	if kind != "" {
		in.Hook = kind
	}
	return in, nil
}

// Events converts the hook document into pipeline events.
//
// A file-watcher document may describe several changes and yields one event
// per change. Every other hook yields exactly one event.
func (h HookInput) Events(now time.Time) ([]event.Event, error) {
	kind := h.Kind()
	base := []event.Option{
		event.WithProducer(kind),
		event.WithSessionID(h.SessionID),
		event.WithTimestamp(now),
	}
	if h.Cwd != "" {
		base = append(base, event.WithLabel("cwd", h.Cwd))
	}
	mk := func(eventType string, p event.Priority, payload map[string]any) event.Event {
		return event.New(eventType, payload, append(base, event.WithPriority(p))...)
	}

	switch kind {
	case HookPostToolUse:
		return []event.Event{mk(event.TypeToolUsed, event.Normal, h.toolPayload())}, nil

	case HookSubAgentStop:
		status := h.agentStatus()
		p := event.High
		if status == "failed" {
			p = event.Critical
		}
		return []event.Event{mk("agent."+status, p, map[string]any{
			"agent":                    h.agentName(now),
			"execution_time":           h.number("execution_time"),
			"outputs":                  h.object("outputs"),
			"metrics":                  h.object("metrics"),
			"chaining_recommendations": h.list("chaining_recommendations"),
		})}, nil

	case HookPreCommit, "git":
		return []event.Event{mk(event.TypeGitCommit, event.High, map[string]any{
			"files_changed":     h.list("files_changed"),
			"validation_result": h.text("validation_result", "unknown"),
			"violations":        h.list("violations"),
		})}, nil

	case HookFileWatcher:
		return h.fileEvents(mk), nil

	case HookWorkflow:
		if h.text("action", "started") == "completed" {
			return []event.Event{mk(event.TypeWorkflowCompleted, event.High, h.workflowPayload())}, nil
		}
		return []event.Event{mk(event.TypeWorkflowStarted, event.Critical, h.workflowPayload())}, nil

	case HookSession:
		action := h.text("action", "")
		if action == "" {
			action = strings.TrimPrefix(strings.ToLower(h.HookEventName), "session")
		}
		if action == "" {
			return nil, errors.New("session hook requires an action")
		}
		payload := h.without("hook", "hook_event_name", "session_id", "cwd", "action")
		return []event.Event{mk("session."+action, event.Normal, payload)}, nil

	case "":
		return nil, errors.New("hook input does not name a hook")
	default:
		return nil, fmt.Errorf("unknown hook %q", kind)
	}
}

func (h HookInput) toolPayload() map[string]any {
	payload := map[string]any{
		"tool_name":      h.text("tool_name", "unknown"),
		"execution_time": h.number("execution_time"),
		"success":        true,
		"metadata":       h.object("metadata"),
	}
	if v, ok := h.Fields["success"].(bool); ok {
		payload["success"] = v
	}
	if input := h.object("tool_input"); len(input) > 0 {
		payload["tool_input"] = input
		if fp, ok := input["file_path"].(string); ok {
			payload["file_path"] = fp
		}
	}
	return payload
}

func (h HookInput) workflowPayload() map[string]any {
	payload := h.without("hook", "hook_event_name", "session_id", "cwd", "action")
	if _, ok := payload["workflow_type"]; !ok {
		payload["workflow_type"] = h.text("type", "unknown")
	}
	return payload
}

func (h HookInput) fileEvents(mk func(string, event.Priority, map[string]any) event.Event) []event.Event {
	changes := h.list("changes")
	out := make([]event.Event, 0, len(changes))
	for _, c := range changes {
		change, ok := c.(map[string]any)
		if !ok {
			continue
		}
		action, _ := change["action"].(string)
		if action == "" {
			action = "unknown"
		}
		filePath, _ := change["path"].(string)
		if filePath == "" {
			filePath, _ = change["file_path"].(string)
		}
		fileType, _ := change["type"].(string)
		if fileType == "" {
			fileType = "unknown"
		}
		a := Action(action)
		out = append(out, mk(a.EventType(), a.Priority(), map[string]any{
			"file_path": filePath,
			"file_type": fileType,
			"action":    action,
			"size":      change["size"],
		}))
	}
	return out
}

// agentStatus reports "failed" when the document says so, "completed"
// otherwise.
func (h HookInput) agentStatus() string {
	status := strings.ToLower(h.text("status", ""))
	switch {
	case status == "failed" || status == "error":
		return "failed"
	case h.text("error", "") != "":
		return "failed"
	default:
		return "completed"
	}
}

var agentNameFields = []string{
	"subagent_name", "agent_name", "name", "subagent_type",
	"agent_type", "agent_id", "subagent_id",
}

var agentNamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Agent:\s*([a-zA-Z-]+)`),
	regexp.MustCompile(`(?i)I am the\s*([a-zA-Z-]+)\s*agent`),
	regexp.MustCompile(`(?i)As the\s*([a-zA-Z-]+)\s*agent`),
	regexp.MustCompile(`(?i)\[([a-zA-Z-]+)\s*Agent\]`),
}

// agentName finds the sub-agent's name in the usual fields, then in its
// final message, and finally falls back to a time-based placeholder.
func (h HookInput) agentName(now time.Time) string {
	for _, f := range agentNameFields {
		if v := h.Fields[f]; v != nil && fmt.Sprint(v) != "" {
			return normalizeAgent(fmt.Sprint(v))
		}
	}
	content := h.text("final_message", "")
	if content == "" {
		content = h.text("content", "")
	}
	for _, re := range agentNamePatterns {
		if m := re.FindStringSubmatch(content); m != nil {
			return normalizeAgent(m[1])
		}
	}
	return fmt.Sprintf("unknown-%d", now.Unix())
}

func normalizeAgent(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "-")
}

func (h HookInput) text(key, def string) string {
	if s, ok := h.Fields[key].(string); ok && s != "" {
		return s
	}
	return def
}

func (h HookInput) number(key string) float64 {
	if f, ok := h.Fields[key].(float64); ok {
		return f
	}
	return 0
}

func (h HookInput) object(key string) map[string]any {
	if m, ok := h.Fields[key].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func (h HookInput) list(key string) []any {
	if l, ok := h.Fields[key].([]any); ok {
		return l
	}
	return []any{}
}

func (h HookInput) without(keys ...string) map[string]any {
	out := maps.Clone(h.Fields)
	if out == nil {
		out = make(map[string]any)
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}
