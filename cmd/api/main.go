package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/soba-labs/soba/internal/api"
	"github.com/soba-labs/soba/internal/auth"
	"github.com/soba-labs/soba/internal/chain"
	"github.com/soba-labs/soba/internal/config"
	"github.com/soba-labs/soba/internal/database"
	"github.com/soba-labs/soba/internal/generation"
	"github.com/soba-labs/soba/internal/governance"
	"github.com/soba-labs/soba/internal/governance/audit"
	"github.com/soba-labs/soba/internal/governance/quota"
	"github.com/soba-labs/soba/internal/inference"
	mw "github.com/soba-labs/soba/internal/middleware"
	inats "github.com/soba-labs/soba/internal/nats"
	iredis "github.com/soba-labs/soba/internal/redis"
	"github.com/soba-labs/soba/internal/server"
	"github.com/soba-labs/soba/internal/users"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	policy := cfg.Retry.Policy("default")

	// PostgreSQL
	pool, err := database.NewPostgresPool(ctx, cfg.DB, policy)
	if err != nil {
		slog.Error("connecting to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := database.RunMigrations(cfg.DB.DSN(), cfg.DB.MigrationsPath); err != nil {
		slog.Error("running migrations", "error", err)
		os.Exit(1)
	}

	// Redis
	redisClient, err := iredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		slog.Error("connecting to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	// NATS (optional)
	var natsClient *inats.Client
	var publisher *inats.Publisher
	if cfg.NATS.URL != "" {
		natsClient, err = inats.NewClient(ctx, cfg.NATS)
		if err != nil {
			slog.Error("connecting to NATS", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()
		publisher = inats.NewPublisher(natsClient.JetStream())
	} else {
		slog.Warn("NATS_URL not set, audit and generation events are disabled")
	}

	auditRepo := audit.NewRepository(pool)
	if natsClient != nil {
		consumer := audit.NewConsumer(auditRepo, inats.NewConsumerManager(natsClient.JetStream()))
		go func() {
			if err := consumer.Start(ctx); err != nil {
				slog.Error("audit consumer stopped", "error", err)
			}
		}()
	}

	// Quota
	quotaRepo := quota.NewRepository(pool,
		quota.WithQueryTimeout(cfg.DB.QueryTimeout),
		quota.WithReservationTTL(cfg.Generation.ReservationTTL),
	)
	quotaSvc := quota.NewService(quotaRepo, cfg.Generation.DailyLimit,
		quota.WithRateLimiter(quota.NewRateLimiter(redisClient, cfg.Generation.MaxPerMinute)),
		quota.WithRetryPolicy(policy.Named("quota")),
	)

	// Holding verification
	verifier, err := chain.NewVerifier(cfg.Solana,
		chain.WithCache(redisClient, cfg.Solana.CacheTTL),
		chain.WithRetryPolicy(policy.Named("solana")),
	)
	if err != nil {
		slog.Error("configuring holding verifier", "error", err)
		os.Exit(1)
	}

	// Inference
	replicate := inference.NewReplicate(cfg.Inference.APIToken, cfg.Inference.ModelVersion,
		inference.WithBaseURL(cfg.Inference.BaseURL),
		inference.WithPolling(cfg.Inference.PollInterval, cfg.Inference.MaxPolls),
		inference.WithAllowedDomains(cfg.Inference.AllowedDomains...),
		inference.WithRetryPolicy(policy.Named("inference")),
	)

	// Generation
	genOpts := []generation.Option{
		generation.WithRetryPolicy(policy.Named("generation")),
		generation.WithRequireExistingQuota(cfg.Generation.RequireHolding),
		generation.WithMaxPromptLen(cfg.Generation.MaxPromptLen),
	}
	userOpts := []users.Option{users.WithVerifier(verifier, cfg.Generation.RequireHolding)}
	var govEvents governance.AuditSink
	if publisher != nil {
		genOpts = append(genOpts, generation.WithEvents(publisher))
		userOpts = append(userOpts, users.WithAudit(publisher))
		govEvents = publisher
	}
	genRepo := generation.NewRepository(pool, cfg.DB.QueryTimeout)
	genSvc := generation.NewService(quotaSvc, genRepo, replicate, genOpts...)
	genHandler := generation.NewHandler(genSvc, quotaSvc)

	// Users
	userHandler := users.NewHandler(users.NewService(quotaSvc, userOpts...))

	// Auth
	authSvc := auth.NewService(auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiry), redisClient, cfg.Auth.ChallengeTTL)
	authHandler := auth.NewHandler(authSvc)

	govHandler := governance.NewHandler(quotaSvc, auditRepo, govEvents)

	// Router
	router := api.NewRouter(
		api.Dependencies{Pool: pool, Redis: redisClient, NATS: natsClient},
		api.RouterConfig{
			CORSAllowedOrigins: cfg.CORS.AllowedOrigins,
			AuthRateLimiter:    mw.NewRateLimiter(redisClient, "auth", cfg.RateLimit.MaxRequests, cfg.RateLimit.WindowSec).Middleware,
			APIRateLimiter:     mw.NewRateLimiter(redisClient, "api", cfg.RateLimit.MaxRequests, cfg.RateLimit.WindowSec).Middleware,
		},
		api.HandlerSet{
			Challenge:   authHandler.Challenge,
			WalletLogin: authHandler.WalletLogin,

			Generate:          genHandler.Generate,
			GenerationStatus:  genHandler.Status,
			GenerationHistory: genHandler.History,

			InitUser:        userHandler.Init,
			UserStats:       userHandler.Stats,
			UpdateUserStats: userHandler.UpdateStats,
			VerifyHolding:   userHandler.Verify,

			ListAuditLogs: govHandler.ListAuditLogs,
			OverrideQuota: govHandler.OverrideQuota,

			AuthMiddleware:  auth.Middleware(authSvc, cfg.Auth.Enforce),
			AdminMiddleware: auth.AdminMiddleware(cfg.Admin.KeyHash),
		},
	)

	// Start server; shutdown waits long enough for in-flight generations.
	srv := server.New(cfg.Server, router)
	if err := srv.Start(ctx, cfg.Server.WriteTimeout+5*time.Second); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "info":
		opts.Level = slog.LevelInfo
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
