package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mealsphere/mealsphere/cmd/mealsphere/cli"
	"github.com/mealsphere/mealsphere/internal/app"
	"github.com/mealsphere/mealsphere/internal/membership"
	"github.com/mealsphere/mealsphere/internal/notifications"
	"github.com/mealsphere/mealsphere/internal/observability"
	"github.com/mealsphere/mealsphere/internal/periods"
	periodshttp "github.com/mealsphere/mealsphere/internal/periods/http"
	"github.com/mealsphere/mealsphere/internal/platform/cache"
	"github.com/mealsphere/mealsphere/internal/platform/db"
	"github.com/mealsphere/mealsphere/internal/shared"
	"github.com/mealsphere/mealsphere/jobs"
)

const usage = `usage: mealsphere [command]

commands:
  serve                        run the HTTP API (default)
  migrate [--status] [--json]  apply or list schema migrations
  jobs stats                   show notification queue depth
  jobs purge                   enqueue a notification purge now
  jobs retry-archived          re-queue notifications that exhausted their retries
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run dispatches a subcommand and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	command := "serve"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}
	switch command {
	case "serve", "migrate", "jobs":
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprint(stderr, usage)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		return 1
	}
	logger := app.NewLogger(cfg)

	switch command {
	case "migrate":
		return migrate(ctx, cfg, logger, args)
	case "jobs":
		return jobsCommand(ctx, cfg, args)
	}
	if err := serve(ctx, stop, cfg, logger); err != nil {
		logger.Error("mealsphere", slog.Any("error", err))
		return 1
	}
	return 0
}

func serve(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger) error {
	dbpool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer dbpool.Close()

	if cfg.DBMigrate {
		if err := db.Migrate(ctx, dbpool, logger); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	redisClient, err := cache.Connect(ctx, cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient, err := jobs.NewClient(redisOpts, cfg.NotifyQueue)
	if err != nil {
		return fmt.Errorf("init job client: %w", err)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	summaryCache := cache.NewVersioned(redisClient, cfg.SummaryCacheTTL)
	if err := summaryCache.Subscribe(ctx, func(scope string, version int64) {
		logger.Debug("summary cache invalidated", slog.String("scope", scope), slog.Int64("version", version))
	}); err != nil {
		logger.Warn("cache bump subscription", slog.Any("error", err))
	}

	periodService := periods.NewService(periods.NewRepository(dbpool), membership.NewRepository(dbpool), periods.ServiceConfig{
		Notifier: notifications.NewPublisher(jobClient),
		Cache:    summaryCache,
		Metrics:  metrics,
		Audit:    shared.NewAuditLogger(dbpool),
		Logger:   logger,
	})

	redisPing := app.PingFunc(func(ctx context.Context) error {
		return cache.Ping(ctx, redisClient)
	})
	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		SessionManager: shared.NewSessionManager(redisClient, cfg.SessionCookie, cfg.SessionTTL, cfg.IsProduction()),
		CSRFManager:    shared.NewCSRFManager(cfg.CSRFSecret),
		PeriodsHandler: periodshttp.NewHandler(logger, periodService, shared.NewIdempotencyStore(redisClient, cfg.IdempotencyTTL)),
		JobHandler:     jobs.NewHandler(inspector, cfg.NotifyQueue, logger),
		Metrics:        metrics,
		Readiness: map[string]app.Pinger{
			"postgres": dbpool,
			"redis":    redisPing,
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

func migrate(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	status := fs.Bool("status", false, "list pending migrations without applying them")
	jsonOut := fs.Bool("json", false, "print --status output as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	pool, err := connect(ctx, cfg)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return 1
	}
	defer pool.Close()
	return cli.MigrateCommand(ctx, cli.PoolMigrator{Pool: pool, Logger: logger}, cli.MigrateOptions{
		StatusOnly: *status,
		JSONOutput: *jsonOut,
	})
}

func connect(ctx context.Context, cfg *app.Config) (*pgxpool.Pool, error) {
	return db.New(ctx, cfg.PGDSN, 2)
}

func jobsCommand(ctx context.Context, cfg *app.Config, args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr, cfg.NotifyQueue)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jobs: %v\n", err)
		return 1
	}
	defer func() { _ = jobsCLI.Close() }()

	switch args[0] {
	case "stats":
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobs stats: %v\n", err)
			return 1
		}
		cli.RenderQueueStats(os.Stdout, stats)
	case "purge":
		info, err := jobsCLI.TriggerPurge(ctx, cfg.NotificationRetentionDays)
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobs purge: %v\n", err)
			return 1
		}
		fmt.Printf("enqueued %s (%s)\n", info.ID, info.Type)
	case "retry-archived":
		n, err := jobsCLI.RetryArchived(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobs retry-archived: %v\n", err)
			return 1
		}
		fmt.Printf("re-queued %d task(s)\n", n)
	default:
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	return 0
}
