package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080, WriteTimeout: 120 * time.Second},
		DB: DBConfig{
			Host: "localhost", Port: 5432, User: "soba",
			Password: "secret", Name: "soba", SSLMode: "disable", MaxConns: 20,
			QueryTimeout: 5 * time.Second,
		},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Generation: GenerationConfig{
			DailyLimit:     5,
			MaxPerMinute:   3,
			ReservationTTL: 10 * time.Minute,
			MaxPromptLen:   1000,
		},
		Inference: InferenceConfig{
			BaseURL:      "https://api.replicate.com/v1",
			APIToken:     "r8_token",
			ModelVersion: "owner/model:abc",
			PollInterval: time.Second,
			MaxPolls:     60,
		},
		Solana: SolanaConfig{TokenMint: "25p2BoNp6qrJH5As6ek6H7Ei495oSkyZd3tGb97sqFmH", Decimals: 6, MinBalance: 10},
		Retry:  RetryConfig{Attempts: 3, BaseDelay: time.Second, MaxDelay: 5 * time.Second},
		Admin:  AdminConfig{KeyHash: "$2a$12$hash"},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
}

func TestValidate_DBPasswordRequired(t *testing.T) {
	cfg := validConfig()
	cfg.DB.Password = ""
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "DB_PASSWORD") {
		t.Fatalf("expected DB_PASSWORD error, got: %v", err)
	}
}

func TestValidate_DailyLimitPositive(t *testing.T) {
	cfg := validConfig()
	cfg.Generation.DailyLimit = 0
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "GENERATION_DAILY_LIMIT") {
		t.Fatalf("expected GENERATION_DAILY_LIMIT error, got: %v", err)
	}
}

func TestValidate_InferenceTokenRequired(t *testing.T) {
	cfg := validConfig()
	cfg.Inference.APIToken = ""
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "INFERENCE_API_TOKEN") {
		t.Fatalf("expected INFERENCE_API_TOKEN error, got: %v", err)
	}
}

func TestValidate_RetryDelays(t *testing.T) {
	cfg := validConfig()
	cfg.Retry.MaxDelay = 100 * time.Millisecond
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "RETRY_MAX_DELAY") {
		t.Fatalf("expected RETRY_MAX_DELAY error, got: %v", err)
	}
}

func TestValidate_EnforcedAuthNeedsSecret(t *testing.T) {
	cfg := validConfig()
	cfg.Auth.Enforce = true
	cfg.Auth.JWTSecret = "short"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "AUTH_JWT_SECRET") {
		t.Fatalf("expected AUTH_JWT_SECRET error, got: %v", err)
	}

	cfg.Auth.JWTSecret = "wallet-session-secret-that-is-32-chars!"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error with long secret, got: %v", err)
	}
}

func TestValidate_HoldingGateNeedsMint(t *testing.T) {
	cfg := validConfig()
	cfg.Generation.RequireHolding = true
	cfg.Solana.TokenMint = ""
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "SOLANA_TOKEN_MINT") {
		t.Fatalf("expected SOLANA_TOKEN_MINT error, got: %v", err)
	}
}

func TestValidate_InvalidPorts(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 0
	cfg.DB.Port = 99999
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected port validation errors")
	}
	if !strings.Contains(err.Error(), "SERVER_PORT") {
		t.Errorf("expected SERVER_PORT error in: %v", err)
	}
	if !strings.Contains(err.Error(), "DB_PORT") {
		t.Errorf("expected DB_PORT error in: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{Port: 0},
		DB:     DBConfig{Port: 5432, MaxConns: 1},
		Redis:  RedisConfig{Port: 6379},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected multiple validation errors")
	}
	errStr := err.Error()
	for _, substr := range []string{"DB_PASSWORD", "SERVER_PORT", "GENERATION_DAILY_LIMIT", "INFERENCE_API_TOKEN", "RETRY_ATTEMPTS"} {
		if !strings.Contains(errStr, substr) {
			t.Errorf("expected %q in error: %s", substr, errStr)
		}
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" replicate.delivery, pbxt.replicate.delivery ,,")
	if len(got) != 2 || got[0] != "replicate.delivery" || got[1] != "pbxt.replicate.delivery" {
		t.Fatalf("unexpected split result: %#v", got)
	}
	if splitList("") != nil {
		t.Fatal("expected nil for empty input")
	}
}
