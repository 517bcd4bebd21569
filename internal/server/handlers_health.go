package server

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/phenolab/streamnotify/internal/platform/version"
)

// handleHealth reports process health plus the current connection count,
// matching what the startup tooling polls for.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(200, map[string]any{
		"status":      "healthy",
		"connections": s.broadcaster.ClientCount(),
	})
}

func (s *Server) handleLiveness(c echo.Context) error {
	uptime := time.Since(s.startTime).Seconds()
	return c.JSON(200, map[string]any{
		"status": "ok",
		"uptime": uptime,
	})
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(200, version.Get())
}
