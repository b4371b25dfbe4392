package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"hubbot/internal/bot"
	"hubbot/internal/config"
	"hubbot/internal/database"
	"hubbot/internal/fleet"
	"hubbot/internal/logger"
	"hubbot/internal/snapshot"
	"hubbot/internal/worker"
)

func main() {
	// Load Configuration
	cfg := config.LoadConfig()

	zl, err := logger.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		log.Fatalf("Could not build logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zl); err != nil {
		zl.Fatal("service stopped with error", zap.Error(err))
	}
	zl.Info("service stopped")
}

func run(ctx context.Context, cfg *config.Config, zl *zap.Logger) error {
	db, err := database.ConnectPostgres(cfg, zl)
	if err != nil {
		return err
	}

	rdb, err := database.ConnectRedis(ctx, cfg, zl)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	registry := fleet.NewRegistry(zl)
	registry.Permits = cfg.DriverPermits
	registry.MinInterval = cfg.DriverInterval
	registry.RetryBudget = cfg.RetryBudget

	core := fleet.New(db, registry, zl)
	core.CallTimeout = cfg.CallTimeout

	loc := cfg.Location()
	engine := snapshot.NewEngine(db, core, loc, zl)
	scheduler := worker.NewScheduler(worker.NewRedisLease(rdb), loc, cfg.LeaseTTL, zl)

	tg, err := bot.NewBot(cfg.BotToken, core, engine, scheduler, cfg, zl)
	if err != nil {
		return err
	}
	notifier := bot.NewNotifier(tg.Instance, cfg.OperatorChat, zl)
	engine.SetReporter(notifier)

	reminder := worker.NewReminder(db, rdb, core, notifier, zl)
	reminder.Days = cfg.ReminderDays
	reminder.WarnPct = cfg.UsageWarnPct

	jobs := []worker.Job{
		{Name: worker.JobSnapshot, Spec: cfg.SnapshotSpec, Run: func(ctx context.Context) error {
			_, err := engine.Capture(ctx)
			return err
		}},
		{Name: worker.JobPurge, Spec: cfg.PurgeSpec, Run: func(ctx context.Context) error {
			_, err := engine.Purge(ctx, cfg.RetentionDays)
			return err
		}},
		{Name: worker.JobReminders, Spec: cfg.ReminderSpec, Run: func(ctx context.Context) error {
			_, err := reminder.Run(ctx)
			return err
		}},
	}
	for _, j := range jobs {
		if err := scheduler.Add(j); err != nil {
			return err
		}
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	zl.Info("Service started successfully", zap.String("timezone", loc.String()))
	return tg.Start(ctx)
}
