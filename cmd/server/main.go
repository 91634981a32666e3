package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/miguelnutt/rewards-backend/internal/app"
	"github.com/miguelnutt/rewards-backend/internal/config"
	applog "github.com/miguelnutt/rewards-backend/internal/logger"
	"github.com/miguelnutt/rewards-backend/internal/scheduler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// @title Rewards Backend API
// @version 1.0
// @description Virtual currency awards, provisional credits and external points reconciliation
// @BasePath /api/v1
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	if err := config.Init(".env"); err != nil {
		log.Printf("Config file not found, using environment: %v", err)
	}
	cfg := config.Load()

	logger, err := applog.New(cfg)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	a, err := app.New(ctx, cfg, reg, logger)
	cancel()
	if err != nil {
		logger.Fatal("[SERVER] startup failed", zap.Error(err))
	}
	defer a.Close()

	sched := scheduler.New(a.Reconcile, logger)
	if err := sched.ScheduleReconcile(cfg.Reconcile.Schedule); err != nil {
		logger.Fatal("[SERVER] scheduler setup failed", zap.Error(err))
	}
	sched.Start()

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      app.NewRouter(a, cfg, reg, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("[SERVER] starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("[SERVER] listen failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("[SERVER] shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("[SERVER] forced to shutdown", zap.Error(err))
	}
	sched.Stop(shutdownCtx)

	logger.Info("[SERVER] stopped")
}
