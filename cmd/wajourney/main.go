package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rendis/wajourney/internal/actions"
	"github.com/rendis/wajourney/internal/engine"
	"github.com/rendis/wajourney/internal/expressions"
	"github.com/rendis/wajourney/internal/gateway"
	"github.com/rendis/wajourney/internal/httpapi"
	"github.com/rendis/wajourney/internal/logging"
	"github.com/rendis/wajourney/internal/queue"
	"github.com/rendis/wajourney/internal/scheduler"
	"github.com/rendis/wajourney/internal/store"
	"github.com/rendis/wajourney/internal/streaming"
	"github.com/rendis/wajourney/internal/validation"
	"github.com/rendis/wajourney/pkg/mcp"
	"github.com/rendis/wajourney/pkg/schema"
)

const usage = `usage: wajourney <command> [flags]

commands:
  serve     run the worker, scheduler and HTTP API (default)
  mcp       run the worker and scheduler with an MCP stdio server
  migrate   apply database migrations and exit
  version   print the version
  help      show this message
`

func main() {
	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(args)
	case "mcp":
		err = runMCP(args)
	case "migrate":
		err = runMigrate(args)
	case "version":
		printVersion()
	case "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup parses the common flags and returns the validated config and logger.
func setup(name string, args []string) (Config, *slog.Logger, error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	settings := fs.String("config", settingsPath(), "settings.json path")
	dotenv := fs.String("env", ".env", ".env file path")
	if err := fs.Parse(args); err != nil {
		return Config{}, nil, err
	}

	cfg, err := loadConfig(*settings, *dotenv)
	if err != nil {
		return cfg, nil, err
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return cfg, nil, err
	}
	// stdout belongs to the MCP transport, so logs always go to stderr.
	logger, err := logging.NewLogger(os.Stderr, cfg.LogFormat, level)
	if err != nil {
		return cfg, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func runMigrate(args []string) error {
	cfg, logger, err := setup("migrate", args)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info("migrations applied", slog.String("driver", cfg.DBDriver))
	return nil
}

func runServe(args []string) error {
	cfg, logger, err := setup("serve", args)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := buildCore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.close()

	hub := streaming.NewMemoryHub()
	c.onTransition(hub.PublishTransition)
	if err := c.start(ctx); err != nil {
		return err
	}

	api := httpapi.NewServer(httpapi.Deps{
		Store:            c.store,
		Enqueuer:         c.enqueuer,
		Metrics:          func() any { return c.worker.Metrics() },
		LaunchBatchSize:  cfg.LaunchBatchSize,
		WebhookAuthToken: cfg.TwilioAuthToken,
		PublicURL:        cfg.PublicURL,
		Hub:              hub,
		Logger:           logger,
	})
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.String("error", err.Error()))
	}
	return nil
}

func runMCP(args []string) error {
	cfg, logger, err := setup("mcp", args)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := buildCore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.close()

	notifier := mcp.NewExecutionNotifier(nil, logger)
	c.onTransition(notifier.Hook)
	srv := mcp.NewJourneyServer(mcp.Deps{
		Store:           c.store,
		Enqueuer:        c.enqueuer,
		Notifier:        notifier,
		LaunchBatchSize: cfg.LaunchBatchSize,
		Logger:          logger,
	})

	if err := c.start(ctx); err != nil {
		return err
	}
	logger.Info("mcp server ready on stdio")
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

// core is the engine shared by serve and mcp.
type core struct {
	store     store.Store
	notifier  queue.Notifier
	enqueuer  *queue.Enqueuer
	runner    *engine.Runner
	worker    *queue.Worker
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
	started   bool
}

func buildCore(ctx context.Context, cfg Config, logger *slog.Logger) (*core, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c := &core{store: st, logger: logger}

	if cfg.AMQPURL != "" {
		n, err := queue.NewAMQPNotifier(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			st.Close()
			return nil, err
		}
		c.notifier = n
	} else {
		c.notifier = queue.NewChanNotifier()
	}
	c.enqueuer = queue.NewEnqueuer(st, c.notifier, queue.EnqueuerConfig{MaxAttempts: cfg.MaxAttempts})

	gw, err := buildGateway(cfg, logger)
	if err != nil {
		c.close()
		return nil, err
	}
	graphs, err := validation.NewJSONSchemaValidator()
	if err != nil {
		c.close()
		return nil, fmt.Errorf("compile graph schemas: %w", err)
	}
	branches, err := expressions.NewDefaultBranchEvaluator()
	if err != nil {
		c.close()
		return nil, fmt.Errorf("build condition engines: %w", err)
	}
	caller := actions.NewHTTPClient(actions.HTTPConfig{DefaultTimeout: cfg.HTTPNodeTimeout})

	executor := engine.NewExecutor(st, gw, caller, c.enqueuer, branches,
		engine.ExecutorConfig{HTTPTimeout: cfg.HTTPNodeTimeout}, logger)
	c.runner = engine.NewRunner(st, graphs, executor, c.enqueuer, engine.RunnerConfig{MaxSteps: cfg.MaxSteps, LeaseTTL: cfg.leaseTTL()}, logger)
	launcher := engine.NewLauncher(st, c.enqueuer, engine.LauncherConfig{BatchSize: cfg.LaunchBatchSize}, logger)
	router := engine.NewRouter(st, graphs, c.runner, logger)
	timeouts := engine.NewTimeoutHandler(st, graphs, c.runner, logger)

	handlers := queue.Handlers{
		schema.JobAdvanceExecution: queue.Typed(c.runner.Run),
		schema.JobLaunchCampaign:   queue.Typed(launcher.Launch),
		schema.JobHandleTimeout:    queue.Typed(timeouts.HandleTimeout),
		schema.JobProcessInbound:   queue.Typed(router.ProcessInbound),
	}
	c.worker = queue.NewWorker(st, handlers, c.notifier, queue.WorkerConfig{
		WorkerID:     cfg.WorkerID,
		PollInterval: cfg.PollInterval,
		BatchSize:    cfg.ClaimBatchSize,
		MaxAttempts:  cfg.MaxAttempts,
		LockTimeout:  cfg.jobLockTimeout(),
		Backoff:      queue.BackoffPolicy{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
	}, logger)
	c.scheduler = scheduler.NewScheduler(st, c.enqueuer, scheduler.Config{
		Interval:  cfg.SchedulerInterval,
		BatchSize: cfg.LaunchBatchSize,
	}, logger)
	return c, nil
}

// onTransition registers hook for every execution status transition.
func (c *core) onTransition(hook engine.TransitionHook) {
	for from, tos := range engine.ValidExecutionTransitions {
		for _, to := range tos {
			c.runner.FSM().OnAfter(from, to, hook)
		}
	}
}

func (c *core) start(ctx context.Context) error {
	if err := c.worker.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	if err := c.scheduler.Start(ctx); err != nil {
		c.worker.Stop()
		return fmt.Errorf("start scheduler: %w", err)
	}
	c.started = true
	return nil
}

// close stops components in reverse start order.
func (c *core) close() {
	if c.started {
		if err := c.scheduler.Stop(); err != nil {
			c.logger.Warn("scheduler stop", slog.String("error", err.Error()))
		}
		c.worker.Stop()
	}
	if c.notifier != nil {
		if err := c.notifier.Close(); err != nil {
			c.logger.Warn("notifier close", slog.String("error", err.Error()))
		}
	}
	if err := c.store.Close(); err != nil {
		c.logger.Warn("store close", slog.String("error", err.Error()))
	}
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	var st store.Store
	if cfg.DBDriver == "memory" {
		st = store.NewMemoryStore()
	} else {
		dialect, ok := store.DialectFor(cfg.DBDriver)
		if !ok {
			return nil, fmt.Errorf("unknown db_driver %q", cfg.DBDriver)
		}
		dsn := expandHome(cfg.DBDSN)
		if dialect.Name == store.DialectLibSQL.Name {
			if err := os.MkdirAll(filepath.Dir(strings.TrimPrefix(dsn, "file:")), 0o700); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
		sqlStore, err := store.NewSQLStore(dialect, dsn)
		if err != nil {
			return nil, err
		}
		st = sqlStore
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func buildGateway(cfg Config, logger *slog.Logger) (gateway.Gateway, error) {
	if !cfg.twilioEnabled() {
		logger.Warn("twilio credentials not set, outbound messages are only logged")
		return gateway.NewLogGateway(logger), nil
	}
	return gateway.NewTwilio(gateway.TwilioConfig{
		AccountSID:    cfg.TwilioAccountSID,
		AuthToken:     cfg.TwilioAuthToken,
		BaseURL:       cfg.TwilioBaseURL,
		RatePerSecond: cfg.GatewayRatePerSecond,
	})
}

// expandHome replaces a leading ~ in a path or file: DSN.
func expandHome(dsn string) string {
	prefix := ""
	path := dsn
	if strings.HasPrefix(path, "file:") {
		prefix, path = "file:", strings.TrimPrefix(path, "file:")
	}
	if !strings.HasPrefix(path, "~/") {
		return dsn
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return dsn
	}
	return prefix + filepath.Join(home, path[2:])
}
