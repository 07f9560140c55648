package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fhirdhis/adapter/internal/assignment"
	"github.com/fhirdhis/adapter/internal/config"
	"github.com/fhirdhis/adapter/internal/ingest"
	"github.com/fhirdhis/adapter/internal/platform/auth"
	"github.com/fhirdhis/adapter/internal/platform/cache"
	"github.com/fhirdhis/adapter/internal/platform/db"
	"github.com/fhirdhis/adapter/internal/platform/lock"
	"github.com/fhirdhis/adapter/internal/platform/middleware"
	"github.com/fhirdhis/adapter/internal/platform/queue"
	"github.com/fhirdhis/adapter/internal/platform/remote"
	"github.com/fhirdhis/adapter/internal/platform/telemetry"
	"github.com/fhirdhis/adapter/internal/rule"
	"github.com/fhirdhis/adapter/internal/script"
	"github.com/fhirdhis/adapter/internal/subscription"
	"github.com/fhirdhis/adapter/internal/transform"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "adapter-server",
		Short: "FHIR to DHIS2 synchronization adapter",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the adapter",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, schema, closeFn, err := openMigrator(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			fmt.Printf("Running migrations on schema: %s\n", schema)
			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, schema, closeFn, err := openMigrator(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func openMigrator(ctx context.Context, cmd *cobra.Command) (*db.Migrator, string, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, "", nil, err
	}
	schema, _ := cmd.Flags().GetString("schema")
	if schema == "" {
		schema = cfg.DBSchema
	}
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return nil, "", nil, err
	}
	return db.NewMigrator(pool, db.EmbeddedMigrations()), schema, pool.Close, nil
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		Schema:   cfg.DBSchema,
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	var checks []db.Check
	metrics := telemetry.New()

	// Shared cache and last-value store
	var (
		shared      cache.Shared = cache.NewMemory()
		redisClient *redis.Client
	)
	if cfg.RedisURL != "" {
		redisClient, err = cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		rc := cache.NewRedis(redisClient, "adapter:cache:")
		shared = rc
		checks = append(checks, db.Check{Name: "redis", Ping: rc.Ping})
		logger.Info().Msg("connected to redis")
	}

	// Queue broker
	var broker queue.Broker
	switch cfg.QueueBackend {
	case "amqp":
		conn := queue.NewConnection(cfg.AMQPURL, "fhir-dhis-adapter", logger)
		if err := conn.Connect(ctx); err != nil {
			return fmt.Errorf("connect broker: %w", err)
		}
		defer conn.Close()
		broker = queue.NewAMQPBroker(conn, queue.NewRedisLastValues(redisClient, "adapter:lv:"), cfg.QueuePrefetch, logger)
		checks = append(checks, db.Check{Name: "broker", Ping: conn.Ping})
	default:
		broker = queue.NewMemory()
	}
	if err := ingest.Declare(ctx, broker); err != nil {
		return err
	}

	// Remote systems
	remoteOpts := []remote.Option{
		remote.WithTimeout(cfg.RemoteTimeout),
		remote.WithRetryMax(cfg.RemoteRetryMax),
		remote.WithRateLimit(cfg.RemoteRateLimit, cfg.RemoteRateBurst),
		remote.WithLogger(logger),
	}
	dhis, err := remote.NewDHISClient(cfg.DHISBaseURL, cfg.DHISUsername, cfg.DHISPassword, remoteOpts...)
	if err != nil {
		return err
	}
	clients := ingest.NewClients(dhis, ingest.NewFHIRFactory(remoteOpts...))

	// Rules, scripts and the orchestrator
	scripts := script.NewRepoPG(pool)
	ruleRepo := rule.NewRepoPG(pool)
	ruleStore := rule.NewStore(ruleRepo, scripts, logger, rule.WithTTL(cfg.CacheTTL))
	ruleSvc := rule.NewService(ruleRepo, scripts, ruleStore)

	executor := script.NewExecutor(
		script.WithTimeout(cfg.ScriptTimeout),
		script.WithLogger(logger),
		script.WithLookup("orgUnit", remote.OrgUnitLookup(dhis)),
	)
	locks := lock.NewManager(
		lock.NewPGBackend(pool, cfg.LockTimeout),
		lock.WithTimeout(cfg.LockTimeout),
		lock.WithLogger(logger),
	)
	orch := transform.NewOrchestrator(ruleStore, executor, assignment.NewTracker(assignment.NewStorePG(pool)), locks,
		transform.WithMaxChainLength(cfg.MaxChainLength),
		transform.WithCache(shared, cfg.CacheTTL),
		transform.WithLogger(logger),
		transform.WithObserver(func(d rule.Direction, result string, elapsed time.Duration) {
			metrics.Transformed(string(d), result, elapsed)
		}),
	)

	// Ingestion
	subs := subscription.NewService(subscription.NewRepoPG(pool))
	poller := ingest.NewPoller(subs, clients, broker,
		ingest.WithSearchCount(cfg.PollMaxSearchCount),
		ingest.WithProcessedMax(cfg.ProcessedSetMax),
		ingest.WithPollerLogger(logger),
		ingest.WithPassObserver(func(resourceType string, r *ingest.PassResult, err error) {
			dispatched := 0
			if r != nil {
				dispatched = r.Dispatched
			}
			metrics.PollPassed(resourceType, dispatched, err)
		}),
	)
	mux := queue.NewMux()
	ingest.NewHandlers(subs, clients, poller, orch, logger).Register(mux)

	consumerOpts := []queue.ConsumerOption{
		queue.WithMaxAttempts(cfg.QueueMaxAttempts),
		queue.WithWorkers(cfg.QueueWorkers),
		queue.WithConsumerLogger(logger),
		queue.WithSettleObserver(metrics.QueueSettled),
	}
	consumers := []*queue.Consumer{
		queue.NewConsumer(broker, ingest.QueueTrigger, mux.Dispatch, consumerOpts...),
		queue.NewConsumer(broker, ingest.QueueChange, mux.Dispatch, consumerOpts...),
	}
	webhook := ingest.NewWebhook(subs, broker, cfg.WebhookQueueCapacity, logger)
	webhook.OnNotify(metrics.WebhookNotified)
	scheduler := ingest.NewScheduler(subs, broker, cfg.PollInterval, logger)

	// HTTP
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/ready", db.HealthHandler(pool, checks...))
	e.GET("/metrics", metrics.Handler())

	hookLimit := middleware.DefaultRateLimitConfig()
	if cfg.WebhookRateLimit > 0 {
		hookLimit.RequestsPerSecond = cfg.WebhookRateLimit
	}
	if cfg.WebhookRateBurst > 0 {
		hookLimit.BurstSize = cfg.WebhookRateBurst
	}
	webhook.RegisterRoutes(e, middleware.RateLimit(hookLimit))

	authn := auth.DevAuthMiddleware()
	if cfg.BatchAuthEnabled() {
		authn = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.BatchJWTIssuer,
			Audience:   cfg.BatchAudience,
			JWKSURL:    cfg.BatchJWKSURL,
			SigningKey: []byte(cfg.BatchJWTSecret),
		})
	}
	fhirGroup := e.Group("/fhir", authn, auth.RequireRole(auth.RoleSync), middleware.BodyLimit(cfg.BatchBodyLimit))
	ingest.NewBatchHandler(orch, dhis, subscription.VersionR4, logger).RegisterRoutes(fhirGroup)

	api := e.Group("/api/v1", authn)
	subscription.NewHandler(subs).RegisterRoutes(api)
	rule.NewHandler(ruleSvc).RegisterRoutes(api)

	// Run
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range consumers {
		c := c
		g.Go(func() error { return c.Run(gctx) })
	}
	g.Go(func() error { return webhook.Run(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("adapter stopped with error")
		return err
	}
	logger.Info().Msg("adapter stopped")
	return nil
}
