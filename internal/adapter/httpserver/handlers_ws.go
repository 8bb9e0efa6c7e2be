package httpserver

import (
	"context"
	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/vpnpanel/realtime/internal/domain"
	"github.com/vpnpanel/realtime/internal/metrics"
	"golang.org/x/time/rate"
)

func (s *Server) handleClientSocket(c echo.Context) error {
	return s.handleSocket(c, domain.ConnectionTypeClient)
}

func (s *Server) handleAdminSocket(c echo.Context) error {
	return s.handleSocket(c, domain.ConnectionTypeAdmin)
}

func (s *Server) handleSocket(c echo.Context, connType domain.ConnectionType) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		slog.Warn("WebSocket upgrade failed", "error", err, "remote", c.RealIP())
		return nil
	}

	connID := s.hub.Register(conn, connType)
	go s.readLoop(connID, conn)

	return nil
}

// readLoop processes inbound frames for one connection in arrival order.
// It exits on the first transport error, which removes the connection; a
// bad or over-limit frame is dropped, never fatal.
func (s *Server) readLoop(connID string, conn *websocket.Conn) {
	defer s.hub.Remove(connID)

	limiter := rate.NewLimiter(rate.Limit(s.config.FrameRateLimit), s.config.FrameRateBurst)
	ctx := context.Background()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("Connection read error", "conn_id", connID, "error", err)
			}
			return
		}

		s.hub.Touch(connID)

		if !limiter.Allow() {
			slog.Warn("Dropping frame over rate limit", "conn_id", connID)
			metrics.InboundFrames.WithLabelValues("throttled").Inc()
			continue
		}

		s.dispatcher.Dispatch(ctx, connID, data)
	}
}
