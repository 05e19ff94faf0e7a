package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	apperrors "github.com/pscheid92/pulseboard/internal/errors"
)

type cacheEnabledRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleCacheStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.cache.GetStats())
}

func (s *Server) handleCacheMemory(c echo.Context) error {
	return c.JSON(http.StatusOK, s.cache.GetMemoryStats())
}

func (s *Server) handleCacheClear(c echo.Context) error {
	s.cache.Clear()
	return c.JSON(http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleCacheEnabledGet(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]bool{"enabled": s.cache.IsEnabled()})
}

func (s *Server) handleCacheEnabledSet(c echo.Context) error {
	var req cacheEnabledRequest
	if err := c.Bind(&req); err != nil || req.Enabled == nil {
		return apperrors.Validation("body must contain an 'enabled' boolean")
	}

	if *req.Enabled {
		s.cache.Enable()
	} else {
		s.cache.Disable()
	}
	return c.JSON(http.StatusOK, map[string]bool{"enabled": s.cache.IsEnabled()})
}
