package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability endpoints
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/version", s.handleVersion)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Mood API
	s.echo.GET("/api/mood", s.handleGetMood)
	s.echo.POST("/api/mood/delta", s.handleApplyDelta)
	s.echo.POST("/api/mood/reset", s.handleResetMood)
	s.echo.GET("/api/mood/history", s.handleMoodHistory)
	s.echo.GET("/api/mood/modifiers", s.handleMoodModifiers)

	// Prices
	s.echo.GET("/api/prices", s.handleGetPrices)

	// Cache administration
	s.echo.GET("/api/cache/stats", s.handleCacheStats)
	s.echo.GET("/api/cache/memory", s.handleCacheMemory)
	s.echo.POST("/api/cache/clear", s.handleCacheClear)
	s.echo.GET("/api/cache/enabled", s.handleCacheEnabledGet)
	s.echo.POST("/api/cache/enabled", s.handleCacheEnabledSet)

	// WebSocket endpoint for live updates
	s.echo.GET("/ws", s.handleWebSocket)
}
