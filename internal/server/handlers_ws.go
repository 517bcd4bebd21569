package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/phenolab/streamnotify/internal/metrics"
)

var pongMessage = []byte("pong")

// handleWebSocket is the persistent-connection endpoint. The connection's
// life is: upgrade (handshake), register (open), read pump until a
// transport error or shutdown (closing), then unregister before the socket
// is released (closed). The deferred unregister makes the teardown path
// identical for every exit.
func (s *Server) handleWebSocket(c echo.Context) error {
	ip := c.RealIP()
	allowed, reason := s.connLimits.Acquire(ip)
	if !allowed {
		metrics.GatewayLimitedConnections.WithLabelValues(string(reason)).Inc()
		slog.Warn("Rejecting connection", "remote_addr", c.Request().RemoteAddr, "reason", string(reason))
		return c.String(http.StatusTooManyRequests, "connection limit exceeded")
	}
	defer s.connLimits.Release(ip)

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Warn("Failed to upgrade WebSocket", "remote_addr", c.Request().RemoteAddr, "error", err)
		return nil
	}

	id, err := s.broadcaster.Register(conn)
	if err != nil {
		// Connection already closed by the broadcaster.
		slog.Warn("Failed to register connection", "error", err)
		return nil
	}
	defer s.broadcaster.Unregister(id)

	slog.Info("Client connected", "connection_id", id.String(), "remote_addr", c.Request().RemoteAddr)

	// Read pump. All outbound frames go through the broadcaster's writer
	// goroutine, including the pong reply to the application-level ping
	// probe. Anything else inbound is logged and ignored, the connection
	// stays open.
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if string(msg) == "ping" {
			s.broadcaster.Send(id, pongMessage)
			continue
		}
		slog.Debug("Ignoring unexpected client message", "connection_id", id.String(), "bytes", len(msg))
	}

	slog.Info("Client disconnected", "connection_id", id.String())
	return nil
}
