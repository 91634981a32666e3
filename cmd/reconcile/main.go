// Command reconcile runs one reconciliation batch and exits. It is meant for
// external schedulers and operators; the API server schedules its own runs.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/miguelnutt/rewards-backend/internal/app"
	"github.com/miguelnutt/rewards-backend/internal/config"
	applog "github.com/miguelnutt/rewards-backend/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	envFile := flag.String("env", ".env", "path to the env config file")
	batch := flag.Int("batch", 0, "entries to retry; 0 uses reconcile.batch_size")
	flag.Parse()

	if err := config.Init(*envFile); err != nil {
		log.Printf("Config file not found, using environment: %v", err)
	}
	cfg := config.Load()

	logger, err := applog.New(cfg)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, prometheus.NewRegistry(), logger)
	if err != nil {
		logger.Fatal("[RECONCILE] startup failed", zap.Error(err))
	}

	report, err := a.Reconcile.Run(ctx, *batch)
	a.Close()
	if err != nil {
		logger.Error("[RECONCILE] run failed", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("[RECONCILE] run finished",
		zap.Int("selected", report.Selected),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("exhausted", report.Exhausted),
		zap.Int("skipped", report.Skipped),
		zap.Duration("took", report.FinishedAt.Sub(report.StartedAt)),
	)
}
