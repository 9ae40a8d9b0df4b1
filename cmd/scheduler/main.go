package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/pressly/goose"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/sendq/internal/config"
	"github.com/SirClappington/sendq/internal/logging"
	"github.com/SirClappington/sendq/internal/queue"
	"github.com/SirClappington/sendq/internal/ratelimit"
	"github.com/SirClappington/sendq/internal/scheduling"
	"github.com/SirClappington/sendq/internal/storage"
	"github.com/SirClappington/sendq/internal/tracing"
	"github.com/SirClappington/sendq/internal/transport"
	"github.com/SirClappington/sendq/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("scheduler exited", zap.Error(err))
	}
}

func migrate(pool *pgxpool.Pool, dir string) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return errors.Wrap(goose.Up(db, dir), "migrate")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) (err error) {
	shutdownTracing, err := tracing.Setup(tracing.Options{
		Exporter:    cfg.Tracing.Exporter,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = multierr.Append(err, shutdownTracing(flushCtx))
	}()

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := migrate(pool, cfg.MigrationsDir); err != nil {
		return err
	}

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer func() { err = multierr.Append(err, rdb.Close()) }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "redis ping")
	}

	store := storage.New(pool)
	q := queue.New(rdb, queue.Options{
		Prefix:       cfg.Queue.Prefix,
		PollInterval: cfg.Queue.PollInterval,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		Backoff:      cfg.Queue.Backoff,
		MaxBackoff:   cfg.Queue.MaxBackoff,
		LeaseTTL:     cfg.Queue.LeaseTTL,
	}, logger)
	limiter := ratelimit.NewHourlyLimiter(rdb, store, ratelimit.Tiers{
		Global: cfg.Limits.Global,
		Sender: cfg.Limits.Sender,
		Tenant: cfg.Limits.Tenant,
	}, logger)
	defer limiter.Wait()
	svc := scheduling.New(store, q, logger, scheduling.Options{DefaultStagger: cfg.BulkDelay})

	var sender transport.Sender
	if cfg.SMTP.Configured() {
		sender = transport.NewSMTPSender(transport.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			User:     cfg.SMTP.User,
			Password: cfg.SMTP.Password,
			Timeout:  cfg.SMTP.Timeout,
		}, logger)
	} else {
		logger.Warn("SMTP not configured, messages will only be logged")
		sender = transport.NewLogSender(logger)
	}

	// Recovery runs before any consumer starts. Leases held by another
	// running dispatcher are left alone.
	if _, err := limiter.Restore(ctx); err != nil {
		logger.Warn("rate limit restore failed", zap.Error(err))
	}
	if _, err := q.RequeueActive(ctx); err != nil {
		return err
	}
	if _, err := svc.RestoreOnStartup(ctx); err != nil {
		logger.Warn("some pending messages were not restored", zap.Error(err))
	}

	workers := worker.NewPool(q, store, limiter, sender, worker.Options{
		Concurrency:     cfg.Worker.Concurrency,
		MinSendInterval: cfg.Worker.MinSendInterval,
	}, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return q.Run(ctx) })
	g.Go(func() error { return workers.Run(ctx) })
	logger.Info("scheduler running")
	return g.Wait()
}
