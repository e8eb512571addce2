package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the gapscope service.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Analyzer AnalyzerConfig
	Worker   WorkerConfig
	Scaler   ScalerConfig
	Quota    QuotaConfig
	Auth     AuthConfig
	Sentry   SentryConfig
	Slack    SlackConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// AnalyzerConfig configures the downstream content-analysis capability.
type AnalyzerConfig struct {
	BaseURL     string
	ServiceKey  string
	Timeout     time.Duration
	MaxAttempts int
	// RequestsPerSecond paces outbound analysis calls within one worker run.
	RequestsPerSecond float64
}

type WorkerConfig struct {
	RegionID          string
	MaxJobsPerRun     int
	MaxProcessingTime time.Duration
	StallThreshold    time.Duration
}

type ScalerConfig struct {
	MinWorkersPerRegion int
	MaxWorkersPerRegion int
	RequestsPerWorker   int
	CooldownSeconds     int
	LockExpirySeconds   int
	PredictionCacheTTL  time.Duration
}

type QuotaConfig struct {
	CacheTTL           time.Duration
	RateLimitPerMinute int
}

type AuthConfig struct {
	// WorkerWebhookSecret authorises scheduled trigger invocations.
	WorkerWebhookSecret string
	// ServiceRoleKey authorises service-to-service calls.
	ServiceRoleKey string
}

type SentryConfig struct {
	DSN string
}

type SlackConfig struct {
	WebhookURL string
}

type LogConfig struct {
	Level  string
	Pretty bool
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("PORT", 8080),
			Env:  envString("APP_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 20*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Analyzer: AnalyzerConfig{
			BaseURL:           os.Getenv("ANALYZER_BASE_URL"),
			ServiceKey:        os.Getenv("ANALYZER_SERVICE_KEY"),
			Timeout:           envDuration("ANALYZER_TIMEOUT", 10*time.Second),
			MaxAttempts:       envInt("ANALYZER_MAX_ATTEMPTS", 3),
			RequestsPerSecond: envFloat("ANALYZER_REQUESTS_PER_SECOND", 2.0),
		},
		Worker: WorkerConfig{
			RegionID:          envString("WORKER_REGION", "us-east"),
			MaxJobsPerRun:     envInt("WORKER_MAX_JOBS_PER_RUN", 10),
			MaxProcessingTime: envDuration("WORKER_MAX_PROCESSING_TIME", 15*time.Minute),
			StallThreshold:    envDuration("WORKER_STALL_THRESHOLD", 30*time.Minute),
		},
		Scaler: ScalerConfig{
			MinWorkersPerRegion: envInt("SCALER_MIN_WORKERS", 1),
			MaxWorkersPerRegion: envInt("SCALER_MAX_WORKERS", 10),
			RequestsPerWorker:   envInt("SCALER_REQUESTS_PER_WORKER", 500),
			CooldownSeconds:     envInt("SCALER_COOLDOWN_SECONDS", 300),
			LockExpirySeconds:   envInt("SCALER_LOCK_EXPIRY_SECONDS", 120),
			PredictionCacheTTL:  envDuration("SCALER_PREDICTION_CACHE_TTL", 60*time.Second),
		},
		Quota: QuotaConfig{
			CacheTTL:           envDuration("QUOTA_CACHE_TTL", 30*time.Second),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
		},
		Auth: AuthConfig{
			WorkerWebhookSecret: os.Getenv("WORKER_WEBHOOK_SECRET"),
			ServiceRoleKey:      os.Getenv("SERVICE_ROLE_KEY"),
		},
		Sentry: SentryConfig{
			DSN: os.Getenv("SENTRY_DSN"),
		},
		Slack: SlackConfig{
			WebhookURL: os.Getenv("SLACK_WEBHOOK_URL"),
		},
		Log: LogConfig{
			Level:  envString("LOG_LEVEL", "info"),
			Pretty: envBool("LOG_PRETTY", false),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Analyzer.BaseURL == "" {
		return fmt.Errorf("ANALYZER_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Analyzer.BaseURL, "http://") && !strings.HasPrefix(c.Analyzer.BaseURL, "https://") {
		return fmt.Errorf("ANALYZER_BASE_URL must start with http:// or https://, got %q", c.Analyzer.BaseURL)
	}

	if c.Auth.WorkerWebhookSecret == "" && c.Auth.ServiceRoleKey == "" {
		return fmt.Errorf("at least one of WORKER_WEBHOOK_SECRET or SERVICE_ROLE_KEY is required")
	}

	if c.Scaler.MinWorkersPerRegion < 0 {
		return fmt.Errorf("SCALER_MIN_WORKERS must not be negative")
	}
	if c.Scaler.MaxWorkersPerRegion < c.Scaler.MinWorkersPerRegion {
		return fmt.Errorf("SCALER_MAX_WORKERS (%d) must be >= SCALER_MIN_WORKERS (%d)",
			c.Scaler.MaxWorkersPerRegion, c.Scaler.MinWorkersPerRegion)
	}
	if c.Scaler.RequestsPerWorker <= 0 {
		return fmt.Errorf("SCALER_REQUESTS_PER_WORKER must be positive")
	}

	if c.Worker.MaxJobsPerRun <= 0 {
		return fmt.Errorf("WORKER_MAX_JOBS_PER_RUN must be positive")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
