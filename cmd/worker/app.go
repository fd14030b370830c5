package main

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jwalitptl/homecare-billing/internal/config"
	"github.com/jwalitptl/homecare-billing/internal/email"
	"github.com/jwalitptl/homecare-billing/internal/gateway"
	"github.com/jwalitptl/homecare-billing/internal/lock"
	"github.com/jwalitptl/homecare-billing/internal/repository/postgres"
	"github.com/jwalitptl/homecare-billing/internal/service/notification"
	"github.com/jwalitptl/homecare-billing/internal/webhook"
	"github.com/jwalitptl/homecare-billing/internal/worker"
	"github.com/jwalitptl/homecare-billing/pkg/logger"
	"github.com/jwalitptl/homecare-billing/pkg/metrics"
)

// app holds the long-lived resources every command shares.
type app struct {
	cfg     *config.Config
	logger  *logger.Logger
	metrics *metrics.Metrics
	db      *sqlx.DB
	redis   *lock.RedisLocker
	deps    *worker.Deps
	runner  *worker.Runner
}

func newLogger(cfg *config.Config, json bool) *logger.Logger {
	return logger.NewLogger(&logger.Config{
		Level:      logger.ParseLevel(cfg.App.LogLevel),
		TimeFormat: "15:04:05",
		JSON:       json,
	})
}

func openDB(cfg *config.Config) (*sqlx.DB, error) {
	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	return db, nil
}

func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  log,
		metrics: metrics.New("homecare", prometheus.DefaultRegisterer),
		db:      db,
	}

	var locker lock.Locker
	if cfg.Redis.URL != "" {
		a.redis, err = lock.NewRedisLocker(ctx, lock.Config{
			URL:          cfg.Redis.URL,
			MaxRetries:   cfg.Redis.MaxRetries,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		}, "homecare:lock:")
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set up locking: %w", err)
		}
		locker = a.redis
	} else {
		log.Warn("No Redis URL configured, locks only hold within this process")
		locker = lock.NewMemoryLocker()
	}

	var mailer email.Service = email.Disabled{}
	if cfg.Email.Enabled {
		mailer = email.NewSMTPService(email.Config{
			Host:     cfg.Email.Host,
			Port:     cfg.Email.Port,
			User:     cfg.Email.User,
			Password: cfg.Secrets.SMTPPassword,
			From:     cfg.Email.From,
		})
	}

	base := postgres.NewBaseRepository(db)
	users := postgres.NewUserRepository(base)
	notifier := notification.NewService(
		postgres.NewNotificationRepository(base),
		users,
		mailer,
		cfg.Policy.AdminRecipientCacheTTL,
		log,
	)

	gw := gateway.NewStripeClient(gateway.Config{
		BaseURL:         cfg.Gateway.BaseURL,
		SecretKey:       cfg.Secrets.GatewaySecretKey,
		Currency:        cfg.Gateway.Currency,
		Timeout:         cfg.Gateway.Timeout,
		RequestsPerSec:  cfg.Gateway.RequestsPerSec,
		Burst:           cfg.Gateway.Burst,
		BreakerFailures: cfg.Gateway.BreakerFailures,
		BreakerCooldown: cfg.Gateway.BreakerCooldown,
	}, log, a.metrics)

	bookings := postgres.NewBookingRepository(base)
	assignments := postgres.NewAssignmentRepository(base)
	payments := postgres.NewPaymentRepository(base)
	payouts := postgres.NewPayoutRepository(base)

	registry := webhook.NewDefaultRegistry(&webhook.Handlers{
		Bookings:    bookings,
		Assignments: assignments,
		Payments:    payments,
		Payouts:     payouts,
		Users:       users,
		Notifier:    notifier,
		FeePercent:  cfg.Policy.PlatformFeePercent,
		Logger:      log,
	})

	a.deps = &worker.Deps{
		Bookings:    bookings,
		Assignments: assignments,
		Users:       users,
		TimeEntries: postgres.NewTimeTrackingRepository(base),
		Payments:    payments,
		Payouts:     payouts,
		Snapshots:   postgres.NewSnapshotRepository(base),
		Webhooks:    postgres.NewWebhookRepository(base),
		Gateway:     gw,
		Notifier:    notifier,
		Locker:      locker,
		Registry:    registry,
		Policy:      cfg.Policy,
		Queue:       cfg.Webhooks,
		LockTTL:     cfg.Redis.LockTTL,
		Location:    cfg.Location(),
		Logger:      log,
		Metrics:     a.metrics,
	}
	a.runner = worker.NewRunner(a.deps, worker.NewJobs(a.deps)...)
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error(err, "Failed to close Redis")
		}
	}
	if err := a.db.Close(); err != nil {
		a.logger.Error(err, "Failed to close database")
	}
}
