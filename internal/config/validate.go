package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	// DB password
	if c.DB.Password == "" {
		errs = append(errs, "DB_PASSWORD is required")
	}
	if c.DB.MaxConns < 1 {
		errs = append(errs, "DB_MAX_CONNS must be positive")
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1-65535, got %d", c.Server.Port))
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be 1-65535, got %d", c.DB.Port))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1-65535, got %d", c.Redis.Port))
	}

	// Generation policy
	if c.Generation.DailyLimit < 1 {
		errs = append(errs, fmt.Sprintf("GENERATION_DAILY_LIMIT must be positive, got %d", c.Generation.DailyLimit))
	}
	if c.Generation.MaxPerMinute < 1 {
		errs = append(errs, fmt.Sprintf("GENERATION_MAX_PER_MINUTE must be positive, got %d", c.Generation.MaxPerMinute))
	}

	// Inference
	if c.Inference.APIToken == "" {
		errs = append(errs, "INFERENCE_API_TOKEN is required")
	}
	if c.Inference.ModelVersion == "" {
		errs = append(errs, "INFERENCE_MODEL_VERSION is required")
	}
	if c.Inference.MaxPolls < 1 {
		errs = append(errs, "INFERENCE_MAX_POLLS must be positive")
	}

	// Retry
	if c.Retry.Attempts < 1 {
		errs = append(errs, "RETRY_ATTEMPTS must be at least 1")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, "RETRY_MAX_DELAY must not be below RETRY_BASE_DELAY")
	}

	// Holding gate needs a mint to check
	if c.Generation.RequireHolding && c.Solana.TokenMint == "" {
		errs = append(errs, "SOLANA_TOKEN_MINT is required when GENERATION_REQUIRE_HOLDING is set")
	}

	// Wallet sessions
	if c.Auth.Enforce && len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, "AUTH_JWT_SECRET must be at least 32 characters when AUTH_ENFORCE is set")
	}

	// Admin key: warn only
	if c.Admin.KeyHash == "" {
		slog.Warn("ADMIN_KEY_HASH is empty, admin endpoints are disabled")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
