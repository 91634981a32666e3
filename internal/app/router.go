package app

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/miguelnutt/rewards-backend/api"
	"github.com/miguelnutt/rewards-backend/internal/config"
	"github.com/miguelnutt/rewards-backend/internal/handlers"
	mW "github.com/miguelnutt/rewards-backend/internal/middleware"
	"github.com/miguelnutt/rewards-backend/internal/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"
)

// NewRouter mounts the HTTP API. gatherer backs /metrics.
func NewRouter(a *App, cfg *config.Config, gatherer prometheus.Gatherer, logger *zap.Logger) http.Handler {
	awardHandler := handlers.NewAwardHandler(a.Awards, cfg.Award.DefaultCurrency)
	provisionalHandler := handlers.NewProvisionalHandler(a.Provisional)
	balanceHandler := handlers.NewBalanceHandler(a.Accounts, a.Ledger, a.Points, logger)
	adminHandler := handlers.NewAdminHandler(a.Consolidation, a.Reconcile, a.Ledger)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(mW.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Browser clients call from arbitrary origins; no credentials are shared.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Client-Info", "Apikey"},
		AllowCredentials: false,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		services.SendJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/openapi.yaml"),
	))
	r.Method(http.MethodGet, "/openapi.yaml", mW.SpecFile("./api/openapi.yaml", api.OpenAPI))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/award", awardHandler.Award)
		r.Post("/provisional-credits", provisionalHandler.QueueCredit)
		r.Post("/accounts/link", provisionalHandler.LinkAccount)
		r.Get("/balances/{userId}", balanceHandler.Balances)
		r.Get("/points/{username}", balanceHandler.Points)

		r.Route("/admin", func(r chi.Router) {
			r.Use(mW.AdminAuth(cfg.JWTSecret))

			r.Post("/consolidate", adminHandler.Consolidate)
			r.Post("/reprocess", adminHandler.Reprocess)
			r.Post("/reconcile", adminHandler.Reconcile)
			r.Post("/adjust", awardHandler.Adjust)
			r.Get("/ledger/audit", adminHandler.LedgerAudit)
		})
	})

	return r
}
