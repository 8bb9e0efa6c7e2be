// Package httpserver exposes the WebSocket endpoints and the administrative
// REST surface over echo.
package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/vpnpanel/realtime/internal/coordination"
	"github.com/vpnpanel/realtime/internal/domain"
	"github.com/vpnpanel/realtime/internal/hub"
	"github.com/vpnpanel/realtime/internal/platform/config"
	"github.com/vpnpanel/realtime/internal/protocol"
	"github.com/vpnpanel/realtime/internal/relay"
)

// HealthCheck is a named readiness check.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// eventRelay is the outward replication surface the REST handlers use.
type eventRelay interface {
	PublishAll(ctx context.Context, msgType string, payload any) error
	PublishToUser(ctx context.Context, userID, msgType string, payload any) error
	PublishToChannel(ctx context.Context, channel, msgType string, payload any) error
	State() relay.State
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	hub        *hub.Hub
	dispatcher *protocol.Dispatcher
	relay      eventRelay
	instances  *coordination.InstanceRegistry
	verifier   domain.TokenVerifier

	upgrader     websocket.Upgrader
	healthChecks []HealthCheck
	startTime    time.Time
}

func NewServer(cfg *config.Config, h *hub.Hub, dispatcher *protocol.Dispatcher, r eventRelay, instances *coordination.InstanceRegistry, verifier domain.TokenVerifier, healthChecks []HealthCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:       e,
		config:     cfg,
		hub:        h,
		dispatcher: dispatcher,
		relay:      r,
		instances:  instances,
		verifier:   verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The panel frontend and the Mini-App are served from other
			// origins; socket auth happens in-band via the auth frame.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		healthChecks: healthChecks,
		startTime:    time.Now(),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
