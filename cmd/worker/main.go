package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"github.com/haulbooks/haulbooks/internal/app"
	"github.com/haulbooks/haulbooks/internal/billing"
	"github.com/haulbooks/haulbooks/internal/otr"
	"github.com/haulbooks/haulbooks/internal/platform/cache"
	"github.com/haulbooks/haulbooks/internal/platform/db"
	"github.com/haulbooks/haulbooks/internal/shared"
	"github.com/haulbooks/haulbooks/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	otrClient := otr.NewClient(cfg.OTRBaseURL, cfg.OTRAPIKey, cfg.OTRTimeout)
	auditLogger := shared.NewAuditLogger(pool)
	locks := shared.NewSubmissionLocks(redisClient, cfg.SubmissionTTL)

	billingCache := billing.NewCache(redisClient, cfg.DashboardTTL)
	billingRepo := billing.NewRepository(pool)
	billingService := billing.NewService(billingRepo, otrClient, locks, auditLogger, billingCache, logger, billing.ServiceConfig{
		FactoringCompany: cfg.FactoringCompany,
		InvoiceDueInDays: cfg.InvoiceDueInDays,
	})

	sweepJob := jobs.NewOverdueSweepJob(billingService, logger, nil)
	warmupJob := jobs.NewDashboardWarmupJob(billingService, logger, nil)

	sweepTask, err := jobs.NewOverdueSweepTask(jobs.OverdueSweepPayload{})
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}
	warmupTask, err := jobs.NewDashboardWarmupTask(jobs.DashboardWarmupPayload{})
	if err != nil {
		logger.Error("build warmup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskOverdueSweep, Handler: sweepJob.Handle},
			{Type: jobs.TaskDashboardWarmup, Handler: warmupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 1 * * *", Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "30 5 * * *", Task: warmupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
