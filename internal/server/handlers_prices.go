package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pscheid92/pulseboard/internal/market"
)

// handleGetPrices serves the latest quotes. Between poll intervals the
// cached entry answers; after expiry the first request triggers a single
// upstream fetch, with concurrent requests coalesced.
func (s *Server) handleGetPrices(c echo.Context) error {
	raw, err := s.cache.Wrap(c.Request().Context(), market.PricesCacheKey, s.config.PricePollInterval, func(ctx context.Context) (any, error) {
		return s.provider.FetchPrices(ctx, s.config.Symbols())
	})
	if err != nil {
		return err
	}
	return c.JSONBlob(http.StatusOK, raw)
}
