package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Dashboard may be served from a different origin
	},
}

func (s *Server) handleWebSocket(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Warn("Failed to upgrade WebSocket", "error", err)
		return nil
	}

	// The hub owns the connection from here; it is closed on eviction,
	// heartbeat failure or shutdown.
	if _, err := s.broadcaster.Register(conn); err != nil {
		slog.Warn("Failed to register WebSocket client", "error", err)
		return nil
	}
	return nil
}
