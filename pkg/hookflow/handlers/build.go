// Package handlers provides the built-in handlers a routing table can bind
// to event types: exec runs a hook script, log writes a structured record.
package handlers

import (
	"fmt"
	"log/slog"

	"github.com/randalmurphal/hookflow/pkg/hookflow/config"
	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
	"github.com/randalmurphal/hookflow/pkg/hookflow/observability"
)

// Handler types accepted in the routing table.
const (
	TypeExec = "exec"
	TypeLog  = "log"
)

// Build creates the handler described by a routing table definition.
//
// exec options: command, args, dir, env, permanent_exit_code, wait_delay,
// expand_args, batch. log options: level, message, payload.
func Build(name string, def config.HandlerConfig, logger *slog.Logger) (event.Handler, error) {
	opts := def.Opts()
	switch def.Type {
	case TypeExec:
		command := opts.String("command", "")
		if command == "" {
			return nil, fmt.Errorf("handler %s: exec handlers need options.command", name)
		}
		h := NewExecHandler(name, command,
			WithArgs(opts.StringSlice("args", nil)...),
			WithDir(opts.String("dir", "")),
			WithEnv(opts.StringMap("env")),
			WithPermanentExitCode(opts.Int("permanent_exit_code", 0)),
			WithWaitDelay(opts.Duration("wait_delay", DefaultWaitDelay)),
			WithExpandArgs(opts.Bool("expand_args", false)),
		)
		if opts.Bool("batch", false) {
			return ExecBatchHandler{h}, nil
		}
		return h, nil

	case TypeLog, "":
		level, err := observability.ParseLevel(opts.String("level", "info"))
		if err != nil {
			return nil, fmt.Errorf("handler %s: %w", name, err)
		}
		return NewLogHandler(name, logger, level, opts.String("message", ""), opts.Bool("payload", true)), nil

	default:
		return nil, fmt.Errorf("handler %s: unknown handler type %q", name, def.Type)
	}
}

// BuildAll creates every handler defined in the routing table.
func BuildAll(defs map[string]config.HandlerConfig, logger *slog.Logger) (map[string]event.Handler, error) {
	out := make(map[string]event.Handler, len(defs))
	for name, def := range defs {
		h, err := Build(name, def, logger)
		if err != nil {
			return nil, err
		}
		out[name] = h
	}
	return out, nil
}
