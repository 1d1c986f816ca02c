package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/soba-labs/soba/internal/database"
	mw "github.com/soba-labs/soba/internal/middleware"
	inats "github.com/soba-labs/soba/internal/nats"
	iredis "github.com/soba-labs/soba/internal/redis"
)

// HandlerSet holds handler functions injected from main.go to avoid import cycles.
type HandlerSet struct {
	// Wallet auth
	Challenge   http.HandlerFunc
	WalletLogin http.HandlerFunc

	// Generation
	Generate          http.HandlerFunc
	GenerationStatus  http.HandlerFunc
	GenerationHistory http.HandlerFunc

	// Users
	InitUser        http.HandlerFunc
	UserStats       http.HandlerFunc
	UpdateUserStats http.HandlerFunc
	VerifyHolding   http.HandlerFunc

	// Governance
	ListAuditLogs http.HandlerFunc
	OverrideQuota http.HandlerFunc

	AuthMiddleware  func(http.Handler) http.Handler
	AdminMiddleware func(http.Handler) http.Handler
}

// Dependencies are checked by the readiness endpoint. NATS may be nil.
type Dependencies struct {
	Pool  *pgxpool.Pool
	Redis *redis.Client
	NATS  *inats.Client
}

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	CORSAllowedOrigins []string
	AuthRateLimiter    func(http.Handler) http.Handler
	APIRateLimiter     func(http.Handler) http.Handler
}

func NewRouter(deps Dependencies, cfg RouterConfig, h HandlerSet) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Logging)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)
	r.Use(cors.Handler(mw.CORS(cfg.CORSAllowedOrigins)))

	// Liveness, no dependency checks
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	readinessHandler := func(w http.ResponseWriter, r *http.Request) {
		health := map[string]string{
			"status":   "healthy",
			"database": "healthy",
			"redis":    "healthy",
			"nats":     "healthy",
		}

		status := http.StatusOK

		if err := database.HealthCheck(r.Context(), deps.Pool); err != nil {
			health["database"] = "unhealthy"
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}

		if err := iredis.HealthCheck(r.Context(), deps.Redis); err != nil {
			health["redis"] = "unhealthy"
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}

		if deps.NATS == nil {
			health["nats"] = "not configured"
		} else if !deps.NATS.Healthy() {
			// Events are best effort, so a NATS outage degrades without failing readiness.
			health["nats"] = "unhealthy"
			health["status"] = "degraded"
		}

		JSON(w, status, health)
	}

	r.Get("/health/ready", readinessHandler)
	r.Get("/health", readinessHandler)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			if cfg.AuthRateLimiter != nil {
				r.Use(cfg.AuthRateLimiter)
			}
			r.Post("/challenge", h.Challenge)
			r.Post("/wallet", h.WalletLogin)
		})

		r.Group(func(r chi.Router) {
			if cfg.APIRateLimiter != nil {
				r.Use(cfg.APIRateLimiter)
			}
			r.Use(h.AuthMiddleware)

			r.Route("/generate", func(r chi.Router) {
				r.Post("/", h.Generate)
				r.Get("/", h.GenerationStatus)
				r.Get("/history", h.GenerationHistory)
			})

			r.Route("/user", func(r chi.Router) {
				r.Post("/init", h.InitUser)
				r.Get("/stats", h.UserStats)
				r.Post("/update-stats", h.UpdateUserStats)
			})

			r.Get("/nft/verify", h.VerifyHolding)
			r.Get("/audit", h.ListAuditLogs)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.AdminMiddleware)
			r.Put("/quotas/{userID}", h.OverrideQuota)
		})
	})

	return r
}
