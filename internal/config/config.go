package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every runtime setting for the server and worker binaries.
// Values come from the environment; a .env file is loaded when present.
type Config struct {
	Env         string
	Port        int
	FrontendURL string

	Database DatabaseConfig
	Redis    RedisConfig
	SMTP     SMTPConfig
	Ingest   IngestConfig
	Query    QueryConfig
	Auth     AuthConfig
	Worker   WorkerConfig
}

type DatabaseConfig struct {
	URL string
}

type RedisConfig struct {
	URL string
}

type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	Secure   bool // implicit TLS instead of STARTTLS
}

type IngestConfig struct {
	// MaxBodyBytes caps the compressed request body.
	MaxBodyBytes int64
	// MaxDecompressedBytes caps the gzip-expanded payload.
	MaxDecompressedBytes int64
}

type QueryConfig struct {
	// CacheTTL applies to filtered log queries.
	CacheTTL time.Duration
	// StatsTTL applies to aggregations and distinct-service lookups.
	StatsTTL time.Duration
	// TraceTTL applies to by-trace queries (immutable once written).
	TraceTTL time.Duration
}

type AuthConfig struct {
	SessionTTL time.Duration
	// Login rate limit: LoginMax attempts per LoginWindow.
	LoginMax    int
	LoginWindow time.Duration
}

type WorkerConfig struct {
	DetectionConcurrency    int
	NotificationConcurrency int
	AlertEvalInterval       time.Duration
}

// Load reads configuration from the environment. Missing values fall back to
// development defaults; only the database URL is required.
func Load() (*Config, error) {
	// Best effort: a missing .env is fine in production.
	_ = godotenv.Load()

	cfg := &Config{
		Env:         envStr("NODE_ENV", "development"),
		Port:        envInt("PORT", 3001),
		FrontendURL: envStr("FRONTEND_URL", "http://localhost:5173"),
		Database: DatabaseConfig{
			URL: os.Getenv("DATABASE_URL"),
		},
		Redis: RedisConfig{
			URL: envStr("REDIS_URL", "redis://localhost:6379/0"),
		},
		SMTP: SMTPConfig{
			Host:     os.Getenv("SMTP_HOST"),
			Port:     envInt("SMTP_PORT", 587),
			User:     os.Getenv("SMTP_USER"),
			Password: os.Getenv("SMTP_PASS"),
			From:     envStr("SMTP_FROM", "loghive@localhost"),
			Secure:   envBool("SMTP_SECURE", false),
		},
		Ingest: IngestConfig{
			MaxBodyBytes:         envInt64("INGEST_MAX_BODY_BYTES", 8<<20),
			MaxDecompressedBytes: envInt64("INGEST_MAX_DECOMPRESSED_BYTES", 64<<20),
		},
		Query: QueryConfig{
			CacheTTL: time.Duration(envInt("QUERY_CACHE_TTL_SECONDS", 30)) * time.Second,
			StatsTTL: time.Duration(envInt("STATS_CACHE_TTL_SECONDS", 60)) * time.Second,
			TraceTTL: time.Duration(envInt("TRACE_CACHE_TTL_SECONDS", 300)) * time.Second,
		},
		Auth: AuthConfig{
			SessionTTL:  30 * 24 * time.Hour,
			LoginMax:    envInt("LOGIN_RATE_LIMIT_MAX", 10),
			LoginWindow: time.Duration(envInt("LOGIN_RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second,
		},
		Worker: WorkerConfig{
			DetectionConcurrency:    envInt("DETECTION_WORKERS", 4),
			NotificationConcurrency: envInt("NOTIFICATION_WORKERS", 2),
			AlertEvalInterval:       time.Duration(envInt("ALERT_EVAL_INTERVAL_SECONDS", 60)) * time.Second,
		},
	}

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL must be set")
	}

	return cfg, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
