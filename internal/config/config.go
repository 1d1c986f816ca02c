package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server     ServerConfig
	DB         DBConfig
	Redis      RedisConfig
	NATS       NATSConfig
	Generation GenerationConfig
	Inference  InferenceConfig
	Solana     SolanaConfig
	Retry      RetryConfig
	Auth       AuthConfig
	Admin      AdminConfig
	RateLimit  RateLimitConfig
	CORS       CORSConfig
	Log        LogConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	WriteTimeout time.Duration
}

type DBConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	Name           string
	SSLMode        string
	MaxConns       int32
	QueryTimeout   time.Duration
	MigrationsPath string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NATSConfig is optional; an empty URL disables event publishing.
type NATSConfig struct {
	URL string
}

type GenerationConfig struct {
	DailyLimit     int
	MaxPerMinute   int
	RequireHolding bool
	ReservationTTL time.Duration
	MaxPromptLen   int
}

type InferenceConfig struct {
	BaseURL        string
	APIToken       string
	ModelVersion   string
	PollInterval   time.Duration
	MaxPolls       int
	AllowedDomains []string
}

type SolanaConfig struct {
	RPCURL     string
	TokenMint  string
	Decimals   int
	MinBalance float64
	CacheTTL   time.Duration
}

type RetryConfig struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

type AuthConfig struct {
	Enforce      bool
	JWTSecret    string
	JWTExpiry    time.Duration
	ChallengeTTL time.Duration
}

type AdminConfig struct {
	KeyHash string
}

type RateLimitConfig struct {
	MaxRequests int
	WindowSec   int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: k.String("server.host"),
			Port: k.Int("server.port"),
		},
		DB: DBConfig{
			Host:           k.String("db.host"),
			Port:           k.Int("db.port"),
			User:           k.String("db.user"),
			Password:       k.String("db.password"),
			Name:           k.String("db.name"),
			SSLMode:        k.String("db.sslmode"),
			MaxConns:       int32(k.Int("db.max.conns")),
			MigrationsPath: k.String("db.migrations.path"),
		},
		Redis: RedisConfig{
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
		},
		NATS: NATSConfig{
			URL: k.String("nats.url"),
		},
		Generation: GenerationConfig{
			DailyLimit:     k.Int("generation.daily.limit"),
			MaxPerMinute:   k.Int("generation.max.per.minute"),
			RequireHolding: k.Bool("generation.require.holding"),
			MaxPromptLen:   k.Int("generation.max.prompt.len"),
		},
		Inference: InferenceConfig{
			BaseURL:        k.String("inference.base.url"),
			APIToken:       k.String("inference.api.token"),
			ModelVersion:   k.String("inference.model.version"),
			MaxPolls:       k.Int("inference.max.polls"),
			AllowedDomains: splitList(k.String("inference.allowed.domains")),
		},
		Solana: SolanaConfig{
			RPCURL:     k.String("solana.rpc.url"),
			TokenMint:  k.String("solana.token.mint"),
			Decimals:   k.Int("solana.token.decimals"),
			MinBalance: k.Float64("solana.min.balance"),
		},
		Retry: RetryConfig{
			Attempts: k.Int("retry.attempts"),
		},
		Auth: AuthConfig{
			Enforce:   k.Bool("auth.enforce"),
			JWTSecret: k.String("auth.jwt.secret"),
		},
		Admin: AdminConfig{
			KeyHash: k.String("admin.key.hash"),
		},
		RateLimit: RateLimitConfig{
			MaxRequests: k.Int("ratelimit.max.requests"),
			WindowSec:   k.Int("ratelimit.window.sec"),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitList(k.String("cors.allowed.origins")),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "soba"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "soba"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 20
	}
	if cfg.DB.MigrationsPath == "" {
		cfg.DB.MigrationsPath = "migrations"
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Generation.DailyLimit == 0 {
		cfg.Generation.DailyLimit = 5
	}
	if cfg.Generation.MaxPerMinute == 0 {
		cfg.Generation.MaxPerMinute = 3
	}
	if cfg.Generation.MaxPromptLen == 0 {
		cfg.Generation.MaxPromptLen = 1000
	}
	if cfg.Inference.BaseURL == "" {
		cfg.Inference.BaseURL = "https://api.replicate.com/v1"
	}
	if cfg.Inference.ModelVersion == "" {
		cfg.Inference.ModelVersion = "dcccrypto/soba:e0e293b97de2af9d7ad1851c13b14e01036fa7040b6dd39eec05d18f76dcc997"
	}
	if cfg.Inference.MaxPolls == 0 {
		cfg.Inference.MaxPolls = 60
	}
	if len(cfg.Inference.AllowedDomains) == 0 {
		cfg.Inference.AllowedDomains = []string{"replicate.delivery"}
	}
	if cfg.Solana.RPCURL == "" {
		cfg.Solana.RPCURL = "https://api.mainnet-beta.solana.com"
	}
	if cfg.Solana.TokenMint == "" {
		cfg.Solana.TokenMint = "25p2BoNp6qrJH5As6ek6H7Ei495oSkyZd3tGb97sqFmH"
	}
	if cfg.Solana.Decimals == 0 {
		cfg.Solana.Decimals = 6
	}
	if cfg.Solana.MinBalance == 0 {
		cfg.Solana.MinBalance = 10
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry.Attempts = 3
	}
	if cfg.RateLimit.MaxRequests == 0 {
		cfg.RateLimit.MaxRequests = 30
	}
	if cfg.RateLimit.WindowSec == 0 {
		cfg.RateLimit.WindowSec = 60
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	// Parse durations
	durations := []struct {
		key  string
		def  string
		dest *time.Duration
	}{
		{"server.write.timeout", "120s", &cfg.Server.WriteTimeout},
		{"db.query.timeout", "5s", &cfg.DB.QueryTimeout},
		{"generation.reservation.ttl", "10m", &cfg.Generation.ReservationTTL},
		{"inference.poll.interval", "1s", &cfg.Inference.PollInterval},
		{"solana.cache.ttl", "30s", &cfg.Solana.CacheTTL},
		{"retry.base.delay", "1s", &cfg.Retry.BaseDelay},
		{"retry.max.delay", "5s", &cfg.Retry.MaxDelay},
		{"auth.jwt.expiry", "24h", &cfg.Auth.JWTExpiry},
		{"auth.challenge.ttl", "5m", &cfg.Auth.ChallengeTTL},
	}
	for _, d := range durations {
		raw := k.String(d.key)
		if raw == "" {
			raw = d.def
		}
		*d.dest, err = time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", d.key, err)
		}
	}

	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
