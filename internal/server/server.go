// Package server exposes the HTTP and WebSocket surface: mood API,
// price quotes, cache administration and health probes.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	goredis "github.com/redis/go-redis/v9"

	"github.com/pscheid92/pulseboard/internal/broadcast"
	"github.com/pscheid92/pulseboard/internal/cache"
	apperrors "github.com/pscheid92/pulseboard/internal/errors"
	"github.com/pscheid92/pulseboard/internal/market"
	"github.com/pscheid92/pulseboard/internal/mood"
	"github.com/pscheid92/pulseboard/internal/platform/config"
)

type Server struct {
	echo        *echo.Echo
	config      *config.Config
	engine      *mood.Engine
	broadcaster *broadcast.Broadcaster
	cache       *cache.Cache
	provider    market.Provider
	redisClient *goredis.Client
	startTime   time.Time
}

// NewServer wires the API surface. redisClient may be nil; readiness then
// skips the Redis check.
func NewServer(cfg *config.Config, engine *mood.Engine, broadcaster *broadcast.Broadcaster, c *cache.Cache, provider market.Provider, redisClient *goredis.Client) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(apperrors.Middleware())

	srv := &Server{
		echo:        e,
		config:      cfg,
		engine:      engine,
		broadcaster: broadcaster,
		cache:       c,
		provider:    provider,
		redisClient: redisClient,
		startTime:   time.Now(),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
