package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ehr/edflow/internal/config"
	"github.com/ehr/edflow/internal/domain/diagnostics"
	"github.com/ehr/edflow/internal/domain/encounter"
	"github.com/ehr/edflow/internal/domain/integrity"
	"github.com/ehr/edflow/internal/domain/staff"
	"github.com/ehr/edflow/internal/platform/auth"
	"github.com/ehr/edflow/internal/platform/db"
	"github.com/ehr/edflow/internal/platform/events"
	"github.com/ehr/edflow/internal/platform/ledger"
	"github.com/ehr/edflow/internal/platform/middleware"
	"github.com/ehr/edflow/internal/platform/webhook"
	"github.com/ehr/edflow/internal/workflow"
)

const version = "0.1.0"

func runServer(ctx context.Context) error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	if cfg.IsDev() {
		n, err := db.NewMigrator(pool, os.DirFS(cfg.MigrationsDir)).Up(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to apply migrations")
		}
		logger.Info().Int("applied", n).Msg("migrations up to date")
	}

	// Ledger
	led, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open ledger")
	}
	defer led.Close()
	if err := led.Verify(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ledger chain verification failed")
	}
	height, _ := led.Height()
	logger.Info().Uint64("height", height).Str("path", cfg.LedgerPath).Msg("ledger opened")

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	wfMetrics := workflow.NewMetrics(reg)
	integrityMetrics := integrity.NewMetrics(reg)

	// Events
	hub := events.NewHub(logger)
	pub := events.Fanout{hub}
	var alerts *webhook.Forwarder
	if cfg.AlertWebhookURL != "" {
		alerts, err = webhook.NewForwarder([]webhook.Endpoint{{
			URL:    cfg.AlertWebhookURL,
			Secret: cfg.AlertWebhookSecret,
			Events: cfg.AlertWebhookEvents,
		}}, webhook.WithLogger(logger.With().Str("component", "webhook").Logger()))
		if err != nil {
			return err
		}
		pub = append(pub, alerts)
		logger.Info().Strs("events", cfg.AlertWebhookEvents).Msg("alert webhook enabled")
	}

	// Domain services
	tx := db.NewTxRunner(pool)

	staffSvc := staff.NewService(staff.NewRepo(pool))

	encounterRepo := encounter.NewRepo(pool)
	encounterSvc := encounter.NewService(encounterRepo, tx, staffSvc)
	encounterSvc.SetPublisher(pub)
	encounterSvc.SetMetrics(wfMetrics)
	encounterSvc.SetLogger(logger.With().Str("component", "encounter").Logger())

	testRepo := diagnostics.NewRepo(pool)
	integritySvc := integrity.NewService(testRepo, led)
	integritySvc.SetPublisher(pub)
	integritySvc.SetMetrics(integrityMetrics)
	integritySvc.SetLogger(logger.With().Str("component", "integrity").Logger())

	testSvc := diagnostics.NewService(testRepo, tx, encounterSvc, staffSvc)
	testSvc.SetIntegrity(integritySvc)
	testSvc.SetPublisher(pub)
	testSvc.SetMetrics(wfMetrics)
	testSvc.SetLogger(logger.With().Str("component", "diagnostics").Logger())

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	// Global middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery())
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.MaxBodySize))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", auth.HeaderDevStaffID, auth.HeaderDevRole},
	}))

	// Unauthenticated endpoints
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))

	// Auth
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
	authMW := auth.JWTMiddleware(jwtCfg)
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware(jwtCfg)
		logger.Warn().Msg("development auth enabled: X-Staff-ID and X-Staff-Role headers are trusted")
	}

	apiV1 := e.Group("/api/v1", authMW, middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	}))

	staff.NewHandler(staffSvc).RegisterRoutes(apiV1)
	encounter.NewHandler(encounterSvc).RegisterRoutes(apiV1)
	diagnostics.NewHandler(testSvc).RegisterRoutes(apiV1)
	integrity.NewHandler(integritySvc).RegisterRoutes(apiV1)
	events.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(apiV1)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	if alerts != nil {
		if err := alerts.Close(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("pending webhook deliveries abandoned")
		}
	}
	logger.Info().Msg("server stopped")
	return nil
}
