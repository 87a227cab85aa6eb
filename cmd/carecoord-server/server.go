package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/carecoord/carecoord/internal/config"
	"github.com/carecoord/carecoord/internal/domain/booking"
	"github.com/carecoord/carecoord/internal/domain/provider"
	"github.com/carecoord/carecoord/internal/platform/auth"
	"github.com/carecoord/carecoord/internal/platform/db"
	"github.com/carecoord/carecoord/internal/platform/middleware"
	"github.com/carecoord/carecoord/internal/platform/notification"
	"github.com/carecoord/carecoord/internal/platform/query"
	"github.com/carecoord/carecoord/internal/platform/session"
	"github.com/carecoord/carecoord/internal/platform/websocket"
)

const (
	requestTimeout = 30 * time.Second
	maxBodySize    = "1M"
)

// newServer assembles the HTTP API over an opened store.
func newServer(cfg *config.Config, st *store, logger zerolog.Logger) (*echo.Echo, *websocket.Hub) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", "If-Match", "If-None-Match", middleware.RequestIDHeader, "X-Actor-ID", "X-Actor-Role"},
		ExposeHeaders: []string{"ETag", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(maxBodySize))
	e.Use(middleware.RequestTimeout(requestTimeout))

	// Auth middleware
	if cfg.DevAuth() {
		logger.Warn().Msg("development header authentication is active; do not use this configuration in production")
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}
	e.Use(session.Middleware(st.sessions, logger))
	e.Use(middleware.Audit(logger))

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))

	ctl := query.NewController(st.gw, logger)

	providers := provider.NewStoreRepository(st.gw, ctl)
	provider.NewHandler(provider.NewService(providers, logger)).RegisterRoutes(apiV1)

	notices := notification.NewManager(st.gw, ctl, notification.NewTemplateEngine(), logger,
		notification.LogChannel{Logger: logger.With().Str("component", "notification").Logger()})
	notification.NewHandler(notices).RegisterRoutes(apiV1)

	bookings := booking.NewService(booking.NewStoreRepository(st.gw), providers, ctl, logger).WithNotifier(notices)
	booking.NewHandler(bookings).RegisterRoutes(apiV1)

	session.NewHandler(st.sessions).RegisterRoutes(apiV1)

	hub := websocket.NewHub(ctl, logger)
	hub.Handle(booking.Collection, booking.TopicDescriptor)
	hub.Handle(provider.Collection, provider.TopicDescriptor)
	hub.Handle(notification.Collection, notification.TopicDescriptor)
	websocket.NewWebSocketHandler(hub).RegisterRoutes(apiV1)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":       "ok",
			"backend":      st.check.Backend,
			"ws_clients":   hub.ClientCount(),
			"live_queries": ctl.LiveQueries(),
		})
	})
	e.GET("/health/store", db.HealthHandler(st.check))

	return e, hub
}

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	ctx := context.Background()
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open store")
		return err
	}
	defer st.Close()

	e, hub := newServer(cfg, st, logger)

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("shutting down server")
	hub.Shutdown()
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
