package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"realprep/internal/auth"
	"realprep/internal/db"
	"realprep/internal/maintenance"
	"realprep/internal/observability"
	"realprep/internal/pipeline"
	"realprep/internal/security"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Close   func() error
}

// Build wires the full request-security stack from the environment and
// returns the composed HTTP handler.
func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	jwtSecret, err := mustEnv("JWT_SECRET")
	if err != nil {
		return nil, err
	}
	appEnv := envOrDefault("APP_ENV", "development")

	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), appEnv); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(envIntOrDefault("DB_MAX_OPEN_CONNS", 10))
	database.SetMaxIdleConns(envIntOrDefault("DB_MAX_IDLE_CONNS", 5))
	database.SetConnMaxLifetime(envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30))
	database.SetConnMaxIdleTime(envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10))

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		if err := db.RunMigrations(database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	// Counter backend: in-process by default, Redis when shared limits
	// across instances are wanted.
	var counters security.CounterStore
	var memoryCounters *security.MemoryCounterStore
	var redisClient *redis.Client
	if redisURL := strings.TrimSpace(os.Getenv("REDIS_URL")); redisURL != "" {
		redisOptions, err := redis.ParseURL(redisURL)
		if err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = redis.NewClient(redisOptions)
		counters = security.NewRedisCounterStore(redisClient)
	} else {
		memoryCounters = security.NewMemoryCounterStore()
		counters = memoryCounters
	}

	limiter := security.NewLimiter(counters)
	lockouts := security.NewLockoutTracker(security.LockoutPolicy{
		Threshold:    envIntOrDefault("LOGIN_MAX_ATTEMPTS", 5),
		LockDuration: envMinutesOrDefault("LOGIN_LOCK_MINUTES", 15),
	})
	tokens := security.NewTokenService(
		jwtSecret,
		envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 15),
		envHoursOrDefault("REFRESH_TOKEN_TTL_HOURS", 168),
	)

	accountStore := auth.NewRepository(database)
	authService := auth.NewService(accountStore, tokens, lockouts)
	authHandler := auth.NewHandler(authService)

	if err := authService.EnsureAdmin(
		context.Background(),
		os.Getenv("ADMIN_USERNAME"),
		os.Getenv("ADMIN_EMAIL"),
		os.Getenv("ADMIN_PASSWORD"),
	); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	sweepHandler := maintenance.NewSweepHandler(
		memoryCounters,
		lockouts,
		logger,
		os.Getenv("CRON_SECRET"),
		envHoursOrDefault("LOCKOUT_RETENTION_HOURS", 24),
	)

	endpoints := pipeline.New(limiter, tokens, authService, logger, appEnv)

	authPolicy := security.Policy{
		MaxRequests: envIntOrDefault("AUTH_RATE_LIMIT_MAX", security.PolicyAuth.MaxRequests),
		Window:      envSecondsOrDefault("AUTH_RATE_LIMIT_WINDOW_SECONDS", int(security.PolicyAuth.Window.Seconds())),
	}
	apiPolicy := security.PolicyAPI
	readPolicy := security.PolicyRead

	mux := http.NewServeMux()
	mux.Handle("POST /auth/register", endpoints.Endpoint(pipeline.Endpoint{
		RateLimit: &authPolicy,
		Handle:    authHandler.Register,
	}))
	mux.Handle("POST /auth/login", endpoints.Endpoint(pipeline.Endpoint{
		RateLimit: &authPolicy,
		Handle:    authHandler.Login,
	}))
	mux.Handle("POST /auth/refresh", endpoints.Endpoint(pipeline.Endpoint{
		RateLimit: &apiPolicy,
		Handle:    authHandler.Refresh,
	}))
	mux.Handle("GET /auth/me", endpoints.Endpoint(pipeline.Endpoint{
		RateLimit:   &readPolicy,
		RequireAuth: true,
		Handle:      authHandler.Me,
	}))
	mux.Handle("GET /admin/accounts", endpoints.Endpoint(pipeline.Endpoint{
		RateLimit:    &apiPolicy,
		RequireAuth:  true,
		RequireAdmin: true,
		Handle:       authHandler.ListAccounts,
	}))
	mux.HandleFunc("GET /internal/maintenance/cleanup", sweepHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", sweepHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database))

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	return &Runtime{
		Handler: handler,
		Close: func() error {
			observability.FlushSentry()
			if memoryCounters != nil {
				memoryCounters.Stop()
			}
			if redisClient != nil {
				_ = redisClient.Close()
			}
			return database.Close()
		},
	}, nil
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
