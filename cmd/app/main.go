package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gapscope/gapscope/internal/analyzer"
	"github.com/gapscope/gapscope/internal/api"
	"github.com/gapscope/gapscope/internal/breaker"
	"github.com/gapscope/gapscope/internal/config"
	"github.com/gapscope/gapscope/internal/db"
	"github.com/gapscope/gapscope/internal/jobs"
	"github.com/gapscope/gapscope/internal/kv"
	"github.com/gapscope/gapscope/internal/observability"
	"github.com/gapscope/gapscope/internal/quota"
	"github.com/gapscope/gapscope/internal/scaler"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load .env files - .env.local takes priority for development
	godotenv.Load(".env.local", ".env")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	setupLogging(cfg)

	// Initialise Sentry for error tracking and performance monitoring
	if cfg.Sentry.DSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Server.Env,
			TracesSampleRate: func() float64 {
				if cfg.Server.Env == "production" {
					return 0.1 // 10% sampling in production
				}
				return 1.0
			}(),
			AttachStacktrace: true,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise Sentry")
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Warn().Msg("Sentry DSN not configured, error tracking disabled")
	}

	obsProviders, err := observability.Init(context.Background(), observability.Config{
		Enabled:      strings.ToLower(os.Getenv("OBSERVABILITY_ENABLED")) != "false",
		ServiceName:  "gapscope",
		Environment:  cfg.Server.Env,
		OTLPEndpoint: strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialise observability providers")
	} else if obsProviders != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := obsProviders.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Failed to flush telemetry providers cleanly")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to PostgreSQL, waiting for it during deploys.
	database, err := db.WaitForDatabase(ctx, &db.Config{
		DatabaseURL:  cfg.Database.URL,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
		MaxLifetime:  cfg.Database.ConnMaxLifetime,
	}, 2*time.Minute)
	if err != nil {
		log.Fatal().Err(err).Msg("Database unavailable")
	}
	defer database.Close()

	store, err := kv.NewRedis(cfg.Redis.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid Redis URL")
	}
	if err := store.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("Redis unavailable")
	}

	analyzeBreaker := breaker.New(store, "analyze", breaker.Config{
		Timeout: cfg.Analyzer.Timeout,
	})
	analyzeBreaker.OnFailure = func(endpoint string, err error) {
		log.Warn().Err(err).Str("endpoint", endpoint).Msg("Analysis call failed")
	}

	analysisClient := analyzer.New(analyzer.Config{
		BaseURL:           cfg.Analyzer.BaseURL,
		ServiceKey:        cfg.Analyzer.ServiceKey,
		MaxAttempts:       cfg.Analyzer.MaxAttempts,
		RequestsPerSecond: cfg.Analyzer.RequestsPerSecond,
		Timeout:           cfg.Analyzer.Timeout,
	})

	quotaService := quota.New(database, store, quota.Config{
		CacheTTL:           cfg.Quota.CacheTTL,
		RateLimitPerMinute: cfg.Quota.RateLimitPerMinute,
	})

	worker := jobs.NewWorker(database, analysisClient, analyzeBreaker, jobs.WorkerConfig{
		Region:            cfg.Worker.RegionID,
		Version:           api.Version,
		MaxJobsPerRun:     cfg.Worker.MaxJobsPerRun,
		MaxProcessingTime: cfg.Worker.MaxProcessingTime,
		StallThreshold:    cfg.Worker.StallThreshold,
	})

	manager := jobs.NewManager(database, quotaService)

	var notifier scaler.Notifier
	if slackNotifier := scaler.NewSlackNotifier(cfg.Slack.WebhookURL); slackNotifier != nil {
		notifier = slackNotifier
	}

	autoScaler := scaler.New(database, store, scaler.Config{
		MinWorkersPerRegion: cfg.Scaler.MinWorkersPerRegion,
		MaxWorkersPerRegion: cfg.Scaler.MaxWorkersPerRegion,
		RequestsPerWorker:   cfg.Scaler.RequestsPerWorker,
		Cooldown:            time.Duration(cfg.Scaler.CooldownSeconds) * time.Second,
		LockExpiry:          time.Duration(cfg.Scaler.LockExpirySeconds) * time.Second,
		PredictionCacheTTL:  cfg.Scaler.PredictionCacheTTL,
	}, notifier)

	handler := &api.Handler{
		Worker:      worker,
		Scaler:      autoScaler,
		JobsManager: manager,
		Quota:       quotaService,
		Limiter:     quotaService,
		Circuit:     analyzeBreaker,
		Capacity:    database,
		Health:      database,
		DB:          database,
		Auth: api.AuthConfig{
			WorkerWebhookSecret: cfg.Auth.WorkerWebhookSecret,
			ServiceRoleKey:      cfg.Auth.ServiceRoleKey,
		},
	}

	mux := http.NewServeMux()
	handler.SetupRoutes(mux)

	var root http.Handler = mux
	root = api.LoggingMiddleware(root)
	root = api.RequestIDMiddleware(root)
	root = observability.WrapHandler(root, obsProviders)

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      16 * time.Minute, // worker runs are bounded at 15 minutes
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info().Msg("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Graceful shutdown failed")
		}
	}()

	log.Info().
		Int("port", cfg.Server.Port).
		Str("env", cfg.Server.Env).
		Str("region", cfg.Worker.RegionID).
		Msg("gapscope listening")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Server failed")
	}
}

// setupLogging configures the logging system
func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Log.Pretty || cfg.Server.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", "gapscope").
			Logger()
	}
}
