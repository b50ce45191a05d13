// Package config loads the hookflow routing table.
//
// # Overview
//
// A routing file is YAML or JSON, chosen by extension. It declares pipeline
// settings, per-type routing, agent triggers, built-in handlers and the
// backends for the dead letter queue, session log and trigger sinks:
//
//	pipeline:
//	  session_id: default
//	  queue_capacity: {normal: 10000}
//	  workers: {high: 4}
//	  timeouts_ms: {critical: 50}
//	  max_attempts: 3
//
//	event_types:
//	  file.modified:
//	    priority: normal
//	    handlers: [lint]
//	    filters:
//	      - field: payload.file_path
//	        include: ["**/*.go"]
//	        exclude: ["vendor/**"]
//	    dedup: {window_ms: 1000, keys: [file_path]}
//	    batch: {max_size: 50, timeout_ms: 2000}
//
//	agent_triggers:
//	  test-runner:
//	    events: [file.modified]
//	    conditions: ["payload.file_path matches '**/*_test.go'"]
//	    debounce_ms: 5000
//
//	handlers:
//	  lint:
//	    type: exec
//	    timeout_ms: 2000
//	    options:
//	      command: ./hooks/lint.sh
//
// Every duration field is an integer number of milliseconds and ends in _ms.
//
// # Loading
//
//	r, err := config.Load("hookflow.yaml")
//
// Load and Parse validate the table and report every problem in one
// ValidationError. The Routing methods (QueueConfig, BatchConfig, TriggerRules,
// DLQQueueConfig and so on) convert sections into the settings of the
// packages that consume them.
//
// # Handler Options
//
// Handler options are free-form. Options wraps them for typed extraction
// with defaults:
//
//	opts := r.Handlers["lint"].Opts()
//	cmd := opts.String("command", "")
//	env := opts.StringMap("env")
//
// # Hot Reload
//
// Watcher reloads the file 500ms after the last write and hands every valid
// version to a callback. Invalid versions are logged and skipped, so a bad
// edit never replaces a working table.
package config
