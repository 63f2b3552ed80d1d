package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/locations/internal/config"
	"github.com/ehr/locations/internal/domain/capacity"
	"github.com/ehr/locations/internal/domain/dashboard"
	"github.com/ehr/locations/internal/domain/location"
	"github.com/ehr/locations/internal/domain/transfer"
	"github.com/ehr/locations/internal/platform/auth"
	"github.com/ehr/locations/internal/platform/db"
	"github.com/ehr/locations/internal/platform/events"
	"github.com/ehr/locations/internal/platform/middleware"
	"github.com/ehr/locations/internal/platform/telemetry"
	"github.com/ehr/locations/internal/platform/versioning"
	"github.com/ehr/locations/internal/platform/websocket"
)

const version = "0.1.0"

type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	echo      *echo.Echo
	hub       *websocket.Hub
	telemetry *telemetry.Provider
	pool      *pgxpool.Pool
	redis     *redis.Client
	bus       *events.RedisBus
}

// newApp connects the configured stores and builds the HTTP server. The
// caller owns the returned app and must run or close it.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	a.telemetry, err = telemetry.New(ctx, telemetry.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Env,
		Endpoint:       cfg.OTelEndpoint,
	})
	if err != nil {
		return a, err
	}

	var (
		locRepo      location.Repository
		transferRepo transfer.Repository
	)
	if cfg.UsesPostgres() {
		a.pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return a, fmt.Errorf("connect to database: %w", err)
		}
		logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")
		locRepo = location.NewPGRepo(a.pool)
		transferRepo = transfer.NewPGRepo(a.pool)
	} else {
		logger.Info().Msg("using in-memory store")
		locRepo = location.NewMemoryRepo()
		transferRepo = transfer.NewMemoryRepo()
	}

	a.hub = websocket.NewHub(logger)
	var publisher events.Publisher = a.hub
	if cfg.RedisURL != "" {
		a.redis, err = events.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return a, err
		}
		a.bus = events.NewRedisBus(a.redis, cfg.EventChannel, logger)
		publisher = a.bus
		logger.Info().Str("channel", cfg.EventChannel).Msg("publishing events through redis")
	}

	retry := versioning.DefaultRetryConfig()
	retry.MaxAttempts = cfg.CASMaxAttempts
	if cfg.CASInitialDelay > 0 {
		retry.InitialDelay = cfg.CASInitialDelay
	}

	locSvc := location.NewService(locRepo, retry, publisher, logger)
	locSvc.SetTransferReferences(transferRepo)
	transferSvc := transfer.NewService(transferRepo, locSvc, retry, publisher, logger)
	searchSvc := capacity.NewService(locSvc, logger)
	dashSvc := dashboard.NewService(locSvc, transferSvc, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)
	e.Validator = middleware.NewValidator()

	e.Use(middleware.RequestID())
	e.Use(a.telemetry.TracingMiddleware())
	e.Use(a.telemetry.MetricsMiddleware())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", "If-Match", middleware.RequestIDHeader},
		ExposeHeaders: []string{"ETag", middleware.RequestIDHeader},
	}))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.BodyLimit("1M"))
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(a.pool))

	apiV1 := e.Group("/api/v1")
	location.NewHandler(locSvc).RegisterRoutes(apiV1)
	transfer.NewHandler(transferSvc).RegisterRoutes(apiV1)
	capacity.NewHandler(searchSvc).RegisterRoutes(apiV1)
	dashboard.NewHandler(dashSvc).RegisterRoutes(apiV1)

	wsGroup := e.Group("", auth.RequireAuthenticated())
	websocket.NewHandler(a.hub, cfg.CORSOrigins).RegisterRoutes(wsGroup)

	a.echo = e
	return a, nil
}

// run serves until ctx is cancelled, then shuts down gracefully.
func (a *app) run(ctx context.Context) error {
	if a.bus != nil {
		go func() {
			if err := a.bus.Run(ctx, a.hub); err != nil {
				a.logger.Error().Err(err).Msg("event relay stopped")
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + a.cfg.Port
		a.logger.Info().Str("addr", addr).Str("store", a.cfg.Store).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	a.logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.echo.Shutdown(shutdownCtx); err != nil {
		a.logger.Error().Err(err).Msg("server shutdown failed")
	}
	a.close(shutdownCtx)
	a.logger.Info().Msg("server stopped")
	return serveErr
}

func (a *app) close(ctx context.Context) {
	if a.hub != nil {
		a.hub.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close redis client")
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("failed to flush telemetry")
		}
	}
}
