package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	apperrors "github.com/pscheid92/pulseboard/internal/errors"
	"github.com/pscheid92/pulseboard/internal/mood"
)

type deltaRequest struct {
	Delta  int    `json:"delta"`
	Reason string `json:"reason"`
}

func (s *Server) handleGetMood(c echo.Context) error {
	state := s.engine.GetCurrent()
	return c.JSON(http.StatusOK, state)
}

func (s *Server) handleApplyDelta(c echo.Context) error {
	var req deltaRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.Validation("invalid request body")
	}
	if req.Delta < mood.MinDelta || req.Delta > mood.MaxDelta {
		return apperrors.Validation(fmt.Sprintf("delta must be between %d and %d", mood.MinDelta, mood.MaxDelta)).
			WithContext("delta", req.Delta)
	}

	state := s.engine.ApplyDelta(req.Delta, req.Reason)
	return c.JSON(http.StatusOK, state)
}

func (s *Server) handleResetMood(c echo.Context) error {
	state := s.engine.Reset()
	return c.JSON(http.StatusOK, state)
}

func (s *Server) handleMoodHistory(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return apperrors.Validation("limit must be a non-negative integer").WithContext("limit", raw)
		}
		limit = parsed
	}

	history := s.engine.GetHistory(limit)
	if history == nil {
		history = []mood.HistoryEntry{}
	}
	return c.JSON(http.StatusOK, map[string]any{"history": history})
}

func (s *Server) handleMoodModifiers(c echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.GetModifiers())
}
