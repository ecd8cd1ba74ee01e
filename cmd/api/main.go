package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/kestrelhealth/scheduler/internal/api/router"
	"github.com/kestrelhealth/scheduler/internal/appointments"
	appconfig "github.com/kestrelhealth/scheduler/internal/config"
	"github.com/kestrelhealth/scheduler/internal/directory"
	"github.com/kestrelhealth/scheduler/internal/observability/metrics"
	"github.com/kestrelhealth/scheduler/internal/schedule"
	"github.com/kestrelhealth/scheduler/internal/voice"
	"github.com/kestrelhealth/scheduler/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting scheduler API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx := context.Background()

	// Reservation store and directories: Postgres when configured, in-memory
	// otherwise (local development and demos).
	var (
		repo      appointments.Repository
		doctors   directory.DoctorDirectory
		patients  directory.PatientDirectory
		statsRepo *appointments.StatsRepository
	)
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to create pgx pool", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			logger.Error("database unreachable", "error", err)
			os.Exit(1)
		}
		repo = appointments.NewPostgresRepository(pool)
		pgDir := directory.NewPostgresDirectory(pool)
		doctors, patients = pgDir, pgDir
		statsRepo = appointments.NewStatsRepository(pool)
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory stores")
		repo = appointments.NewInMemoryRepository()
		dir := directory.NewInMemoryDirectory()
		doctors, patients = dir, dir
	}

	bookingMetrics := metrics.NewBookingMetrics(nil)
	availability := schedule.NewAvailability(doctors, appointments.NewReservationSource(repo), cfg.SlotGranularityMinutes)
	service := appointments.NewService(repo, availability, doctors, logger, bookingMetrics)
	apptHandler := appointments.NewHandler(service, statsRepo, logger)

	// Voice sessions: Redis when configured, in-memory otherwise.
	var sessions voice.SessionStore
	if cfg.RedisAddr != "" {
		opts := &redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
		if cfg.RedisTLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		sessions = voice.NewRedisSessionStore(redis.NewClient(opts))
	} else {
		logger.Warn("REDIS_ADDR not set, voice sessions held in memory")
		sessions = voice.NewInMemorySessionStore()
	}
	voiceAdapter := voice.NewAdapter(service, repo, patients, logger, bookingMetrics)
	voiceHandler := voice.NewHandler(voiceAdapter, sessions, logger)

	r := router.New(&router.Config{
		Logger:              logger,
		AppointmentsHandler: apptHandler,
		VoiceHandler:        voiceHandler,
		MetricsHandler:      promhttp.Handler(),
		AdminAuthSecret:     cfg.AdminJWTSecret,
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
		VoiceRateLimit:      5,
		VoiceRateBurst:      10,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
