// Package app wires the rewards services from configuration. Both the API
// server and the one-shot reconcile command start from here.
package app

import (
	"context"
	"database/sql"

	"github.com/go-redis/redis/v8"
	"github.com/miguelnutt/rewards-backend/internal/audit"
	"github.com/miguelnutt/rewards-backend/internal/clock"
	"github.com/miguelnutt/rewards-backend/internal/config"
	"github.com/miguelnutt/rewards-backend/internal/database"
	"github.com/miguelnutt/rewards-backend/internal/metrics"
	"github.com/miguelnutt/rewards-backend/internal/points"
	"github.com/miguelnutt/rewards-backend/internal/services"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type App struct {
	DB     *sql.DB
	Redis  *redis.Client
	Points points.Client

	Accounts      *services.AccountService
	Ledger        *services.LedgerService
	Awards        *services.AwardService
	Provisional   *services.ProvisionalService
	Consolidation *services.ConsolidationService
	Reconcile     *services.ReconciliationService
}

// New connects to Postgres and Redis and builds the services. Redis is
// optional: without it locks are process local and events are dropped.
func New(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, logger *zap.Logger) (*App, error) {
	db, err := database.InitDB(ctx, logger)
	if err != nil {
		return nil, err
	}
	rdb := database.InitRedis(ctx, logger)

	a := Build(db, rdb, points.NewHTTPClient(points.Config{
		BaseURL: cfg.Points.BaseURL,
		Channel: cfg.Points.Channel,
		Token:   cfg.Points.Token,
		Timeout: cfg.Points.Timeout,
	}), cfg, metrics.New(reg), logger)
	return a, nil
}

// Build assembles the services over already opened connections.
func Build(db *sql.DB, rdb *redis.Client, client points.Client, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) *App {
	clk := clock.RealClock{}
	auditLogger := audit.NewLogger(logger)

	accounts := services.NewAccountService(db, logger)
	ledger := services.NewLedgerService(db, clk, services.NewPublisher(rdb, logger), logger)
	guard := services.NewIdempotencyGuard(db, clk)
	sync := services.NewExternalSync(db, client, services.NewLocker(rdb), services.ExternalSyncConfig{
		MirroredCurrencies: cfg.Points.MirroredCurrencies,
		LockTTL:            cfg.Reconcile.LockTTL,
	}, clk, m, logger)
	provisional := services.NewProvisionalService(db, accounts, ledger, sync, clk, auditLogger, m, logger)

	return &App{
		DB:            db,
		Redis:         rdb,
		Points:        client,
		Accounts:      accounts,
		Ledger:        ledger,
		Awards:        services.NewAwardService(accounts, ledger, guard, sync, auditLogger, m, logger),
		Provisional:   provisional,
		Consolidation: services.NewConsolidationService(db, accounts, ledger, provisional, cfg.Consolidate.Concurrency, auditLogger, m, logger),
		Reconcile: services.NewReconciliationService(db, sync, services.ReconcileOptions{
			BatchSize:      cfg.Reconcile.BatchSize,
			PacingInterval: cfg.Reconcile.PacingInterval,
			MaxAttempts:    cfg.Reconcile.MaxAttempts,
			MinAge:         cfg.Reconcile.MinAge,
		}, clk, m, auditLogger, logger),
	}
}

func (a *App) Close() {
	if a.Redis != nil {
		a.Redis.Close()
	}
	a.DB.Close()
}
