package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/commerce-core/internal/bootstrap"
	"github.com/angelmondragon/commerce-core/internal/cron"
	"github.com/angelmondragon/commerce-core/internal/idempotency"
	"github.com/angelmondragon/commerce-core/pkg/config"
	"github.com/angelmondragon/commerce-core/pkg/db"
	"github.com/angelmondragon/commerce-core/pkg/instance"
	"github.com/angelmondragon/commerce-core/pkg/logger"
	"github.com/angelmondragon/commerce-core/pkg/metrics"
	"github.com/angelmondragon/commerce-core/pkg/migrate"
	"github.com/angelmondragon/commerce-core/pkg/redis"
)

// lockName is namespaced by pkg/redis as commerce:lock:cron-worker:<env>.
const lockNameFormat = "cron-worker:%s"

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.OnStartup(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run startup migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	pubsubClient, err := bootstrap.OpenPubSub(context.Background(), cfg, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap pubsub", err)
		os.Exit(1)
	}

	core, err := bootstrap.NewCore(cfg, dbClient, pubsubClient, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to build core services", err)
		os.Exit(1)
	}
	defer core.Close(context.Background())

	registry, err := buildRegistry(cfg, core, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to register cron jobs", err)
		os.Exit(1)
	}

	runner, err := cron.NewRunner(cron.RunnerParams{
		Logger:      logg,
		Metrics:     metrics.NewCronJobMetrics(prometheus.DefaultRegisterer),
		Heartbeats:  cron.NewHeartbeatRepository(dbClient.DB()),
		Alerter:     core.Alerter,
		MaxAttempts: cfg.Cron.MaxAttempts,
		RetryDelay:  cfg.Cron.RetryDelay,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron runner", err)
		os.Exit(1)
	}

	lock, err := cron.NewRedisLock(redisClient, lockName(cfg.App.Env), cfg.Cron.LockTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Runner:   runner,
		Interval: cfg.Cron.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"instance":    instance.ID(),
		"jobs":        registry.Names(),
	})
	logg.Info(ctx, "starting cron worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func buildRegistry(cfg *config.Config, core *bootstrap.Core, logg *logger.Logger) (*cron.Registry, error) {
	registry := cron.NewRegistry()
	register := func(job cron.Job, err error) error {
		if err != nil {
			return err
		}
		if !registry.Register(job) {
			return fmt.Errorf("duplicate cron job %q", job.Name())
		}
		return nil
	}

	orderJobs, err := cron.NewOrderJobs(cron.OrderJobParams{
		Logger:          logg,
		Orders:          core.Orders,
		Alerter:         core.Alerter,
		PendingOrderTTL: cfg.Cron.PendingOrderTTL,
		ReadyOrderTTL:   cfg.Cron.ReadyOrderTTL,
		StuckOrderAfter: cfg.Cron.StuckOrderAfter,
		BatchSize:       cfg.Cron.BatchSize,
	})
	if err != nil {
		return nil, err
	}
	for _, job := range orderJobs {
		if err := register(job, nil); err != nil {
			return nil, err
		}
	}

	dispatcher, err := core.NewDispatcher(metrics.NewOutboxMetrics(prometheus.DefaultRegisterer))
	if err != nil {
		return nil, err
	}
	if err := register(cron.NewOutboxDispatchJob(logg, dispatcher, 0)); err != nil {
		return nil, err
	}

	guard, err := idempotency.NewGuard(core.DB, cfg.Idempotency.TTL, logg)
	if err != nil {
		return nil, err
	}
	if err := register(cron.NewIdempotencyCleanupJob(logg, guard, 0)); err != nil {
		return nil, err
	}

	if err := register(cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:     logg,
		Repository: core.OutboxRepo,
		Retention:  cfg.Outbox.SentRetention,
		BatchSize:  cfg.Outbox.RetentionBatchSz,
	})); err != nil {
		return nil, err
	}

	heartbeats := cron.NewHeartbeatRepository(core.DB.DB())
	if err := register(cron.NewStaleHeartbeatJob(logg, heartbeats, core.Alerter, cfg.Cron.HeartbeatStaleAfter)); err != nil {
		return nil, err
	}

	return registry, nil
}

func lockName(env string) string {
	if env == "" {
		env = "local"
	}
	return fmt.Sprintf(lockNameFormat, env)
}
