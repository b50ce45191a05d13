/*
Package hookflow routes hook events through a prioritized, batched, fault
isolated processing pipeline.

# Overview

Producers (file watchers, tool and agent hooks, git hooks, workflow
lifecycle scripts) submit events. The pipeline validates, filters and
deduplicates each event, queues it in one of four strict-priority tiers,
groups same-type events into adaptive batches and dispatches them to the
handlers registered for the type. Every (handler, type) pair sits behind its
own circuit breaker and deadline. Events that every handler accepted are
appended to the session log and evaluated against agent trigger rules.
Failed deliveries are retried in the pipeline and then captured in a dead
letter queue that a recovery processor retries on a fixed schedule.

# Basic Usage

	p, err := hookflow.New(hookflow.DefaultConfig(),
	    hookflow.WithLogger(logger),
	)
	if err != nil {
	    log.Fatal(err)
	}

	lint := event.HandlerFunc(func(ctx context.Context, evt event.Event) ([]event.Event, error) {
	    return nil, runLinter(ctx, evt.PayloadString("file_path"))
	})
	if err := p.RegisterHandler(event.TypeFileModified, "lint", lint, hookflow.HandlerConfig{
	    Timeout: time.Second,
	}); err != nil {
	    log.Fatal(err)
	}

	if err := p.Start(ctx); err != nil {
	    log.Fatal(err)
	}
	defer p.Stop(context.Background())

	res, err := p.SubmitEvent(ctx, event.TypeFileModified,
	    map[string]any{"file_path": "main.go"}, event.Normal, nil)

# Priorities and Batching

Critical events are dispatched one at a time as soon as they are dequeued. A
lower tier is only drained while every higher tier is empty. Within a tier,
events of one type are batched until the batch is full or its timeout
passes; the monitor may switch a type to immediate dispatch when it is
user-facing and the system is quiet. Batches of one type always land on the
same worker so events of a type are handled in submission order.

# Failure Handling

A handler failure counts against its breaker. Retryable failures are
resubmitted to the failing handler alone until HandlerConfig.MaxAttempts
deliveries have been made. After that, and for failures that are not
retryable, the event is captured in the dead letter queue. An open breaker
sends events straight to the dead letter queue with reason "circuit_open"
without calling the handler.

# Routing Tables

A declarative routing table (see package config) binds handlers defined with
DefineHandler to event types, sets per-type filters, priorities, batch
limits and dedup rules, and lists agent trigger rules. ApplyRouting installs
a table at startup and again on every hot reload.
*/
package hookflow
