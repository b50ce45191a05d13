package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/hookflow/pkg/hookflow"
	"github.com/randalmurphal/hookflow/pkg/hookflow/config"
	"github.com/randalmurphal/hookflow/pkg/hookflow/dlq"
	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
	"github.com/randalmurphal/hookflow/pkg/hookflow/handlers"
	"github.com/randalmurphal/hookflow/pkg/hookflow/observability"
	"github.com/randalmurphal/hookflow/pkg/hookflow/server"
	"github.com/randalmurphal/hookflow/pkg/hookflow/source"
	"github.com/randalmurphal/hookflow/pkg/hookflow/store"
	"github.com/randalmurphal/hookflow/pkg/hookflow/trigger"
)

var (
	serveNoWatch  bool
	serveNoReload bool
	serveDrain    time.Duration
)

func init() {
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "Do not start the file watcher even when watch roots are configured")
	serveCmd.Flags().BoolVar(&serveNoReload, "no-reload", false, "Do not reload the routing file when it changes")
	serveCmd.Flags().DurationVar(&serveDrain, "drain-timeout", 30*time.Second, "How long shutdown waits for in-flight events")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline and its control server",
	Long: "Starts the event pipeline with the handlers, triggers and stores " +
		"named in the routing file, the control server, and the file watcher " +
		"when watch roots are configured. The routing file is reloaded on change.",
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	r, path, err := loadRouting()
	if err != nil {
		return err
	}
	logger, err := observability.NewLogger(r.Logging, cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, r, logger)
	if err != nil {
		return err
	}
	defer d.close()

	if err := d.pipeline.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	exporter, err := d.pipeline.Monitor().Export(otel.Meter("github.com/randalmurphal/hookflow"))
	if err != nil {
		logger.Warn("monitor export disabled", "error", err)
	} else {
		defer func() { _ = exporter.Unregister() }()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	srv := server.New(d.pipeline,
		server.WithLogger(logger.With("component", "server")),
		server.WithStreamInterval(time.Duration(r.Server.StreamIntervalMs)*time.Millisecond),
		server.WithShutdown(cancel),
	)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, r.ListenAddr())
	})

	if len(r.Watch.Roots) > 0 && !serveNoWatch {
		fw, err := source.NewFileWatcher(r.WatcherConfig(), d.emit, logger.With("component", "watcher"))
		if err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("file watcher: %w", err)
		}
		g.Go(func() error { return fw.Run(gctx) })
	}

	if path != "" && !serveNoReload {
		w, err := config.NewWatcher(path, d.reload, logger.With("component", "reload"))
		if err != nil {
			logger.Warn("routing reload disabled", "error", err)
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	logger.Info("hookflow serving",
		"routing", path,
		"listen", r.ListenAddr(),
		"handlers", len(d.pipeline.Handlers()))

	runErr := g.Wait()

	drainCtx, drainCancel := context.WithTimeout(context.WithoutCancel(ctx), serveDrain)
	defer drainCancel()
	if err := d.pipeline.Stop(drainCtx); err != nil {
		logger.Error("pipeline stop", "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	logger.Info("hookflow stopped")
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

// daemon owns a pipeline and the resources built for it from a routing
// table.
type daemon struct {
	pipeline *hookflow.Pipeline
	logger   *slog.Logger
	closers  []func() error
}

func newDaemon(ctx context.Context, r *config.Routing, logger *slog.Logger) (*daemon, error) {
	d := &daemon{logger: logger}
	ok := false
	defer func() {
		if !ok {
			d.close()
		}
	}()

	cfg, err := hookflow.ConfigFromRouting(r)
	if err != nil {
		return nil, err
	}
	opts := []hookflow.Option{
		hookflow.WithLogger(logger),
		hookflow.WithMetrics(observability.NewMetricsRecorder()),
		hookflow.WithTracing(true),
	}

	sessions, err := openSessionStore(r.Store)
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, sessions.Close)
	opts = append(opts, hookflow.WithSessionStore(sessions))

	dlqStore, err := openDLQStore(ctx, r.DLQ)
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, dlqStore.Close)
	opts = append(opts, hookflow.WithDLQStore(dlqStore))

	sink, err := d.buildSink(r.Sinks)
	if err != nil {
		return nil, err
	}
	if sink != nil {
		opts = append(opts, hookflow.WithTriggerSink(sink))
	}

	p, err := hookflow.New(cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}
	d.pipeline = p
	if err := d.apply(r); err != nil {
		return nil, err
	}
	ok = true
	return d, nil
}

// apply builds the routing table's handlers and installs the table.
func (d *daemon) apply(r *config.Routing) error {
	built, err := handlers.BuildAll(r.Handlers, d.logger)
	if err != nil {
		return fmt.Errorf("build handlers: %w", err)
	}
	for name, h := range built {
		if err := d.pipeline.DefineHandler(name, h, hookflow.HandlerConfigFromRouting(r.Handlers[name])); err != nil {
			return err
		}
	}
	return d.pipeline.ApplyRouting(r)
}

// reload installs a changed routing table. Pipeline-wide settings such as
// queue capacities and stores need a restart.
func (d *daemon) reload(r *config.Routing) {
	if err := d.apply(r); err != nil {
		d.logger.Error("routing reload failed", "error", err)
		return
	}
	d.logger.Info("routing reloaded")
}

// emit submits events from producers. Duplicates and filtered events are
// not errors.
func (d *daemon) emit(ctx context.Context, evt event.Event) error {
	_, err := d.pipeline.Submit(ctx, evt)
	return err
}

func (d *daemon) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.logger.Warn("close resource", "error", err)
		}
	}
	d.closers = nil
}

// buildSink returns the configured trigger transports, or nil when none is
// configured and the pipeline default applies.
func (d *daemon) buildSink(cfg config.SinksConfig) (trigger.Sink, error) {
	var sinks trigger.MultiSink
	if cfg.Submit {
		sinks = append(sinks, trigger.NewSubmitSink(func(ctx context.Context, evt event.Event) error {
			return d.emit(ctx, evt)
		}))
	}
	if cfg.Log {
		sinks = append(sinks, trigger.LogSink{Logger: d.logger.With("component", "triggers")})
	}
	if k := cfg.Kafka; k != nil {
		ks, err := trigger.NewKafkaSink(k.Brokers, k.Topic)
		if err != nil {
			return nil, fmt.Errorf("kafka sink: %w", err)
		}
		d.closers = append(d.closers, ks.Close)
		sinks = append(sinks, ks)
	}
	if m := cfg.MQTT; m != nil {
		ms, err := trigger.NewMQTTSink(trigger.MQTTConfig{
			Broker:   m.Broker,
			ClientID: m.ClientID,
			Topic:    m.Topic,
			QoS:      m.QoS,
		})
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, ms.Close)
		sinks = append(sinks, ms)
	}
	switch len(sinks) {
	case 0:
		return nil, nil
	case 1:
		return sinks[0], nil
	default:
		return sinks, nil
	}
}

func openSessionStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("session store: %w", err)
		}
		return s, nil
	default:
		return store.NewMemoryStore(), nil
	}
}

func openDLQStore(ctx context.Context, cfg config.DLQConfig) (dlq.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		s, err := dlq.NewSQLiteStore(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("dead letter store: %w", err)
		}
		return s, nil
	case "redis":
		s, err := dlq.NewRedisStore(ctx, cfg.DSN, cfg.Prefix)
		if err != nil {
			return nil, fmt.Errorf("dead letter store: %w", err)
		}
		return s, nil
	default:
		return dlq.NewMemoryStore(), nil
	}
}
