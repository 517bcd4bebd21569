package server

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/phenolab/streamnotify/internal/config"
)

// Broadcaster is the connection registry the WebSocket handler feeds.
type Broadcaster interface {
	Register(conn *websocket.Conn) (uuid.UUID, error)
	Unregister(id uuid.UUID)
	Send(id uuid.UUID, data []byte)
	ClientCount() int
}

// Server hosts the realtime WebSocket endpoint and the observability
// routes on the notifier's dedicated port.
type Server struct {
	echo        *echo.Echo
	config      *config.Config
	broadcaster Broadcaster
	upgrader    websocket.Upgrader
	connLimits  *ConnectionLimits
	startTime   time.Time
}

func NewServer(cfg *config.Config, broadcaster Broadcaster) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	srv := &Server{
		echo:        e,
		config:      cfg,
		broadcaster: broadcaster,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     NewCheckOrigin(cfg.Origins(), cfg.AppEnv == "development"),
		},
		connLimits: NewConnectionLimits(cfg.MaxConnectionsPerIP, cfg.ConnectionRatePerIP, cfg.ConnectionRateBurst),
		startTime:  time.Now(),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
