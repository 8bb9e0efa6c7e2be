package httpserver

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	s.echo.Use(s.setupRequestLoggerMiddleware())
	s.echo.Use(middleware.Recover())
	s.echo.Use(correlationMiddleware)
	s.echo.Use(ErrorHandlingMiddleware())

	s.registerHealthRoutes()
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Socket endpoints. The only distinction the hub makes is the
	// connection type recorded at accept time; what an admin connection
	// may do is enforced by the REST surface, not the socket.
	s.echo.GET("/ws", s.handleClientSocket)
	s.echo.GET("/ws/admin", s.handleAdminSocket)

	api := s.echo.Group("/api/realtime", s.requireAdminToken)
	api.GET("/stats", s.handleStats)
	api.GET("/clients", s.handleClients)
	api.POST("/broadcast", s.handleBroadcast)
	api.POST("/send-to-user", s.handleSendToUser)
	api.POST("/send-to-channel", s.handleSendToChannel)
	api.POST("/disconnect-client", s.handleDisconnectClient)
}

func (s *Server) setupRequestLoggerMiddleware() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			slog.Info("Request", attrs...)
			return nil
		},
	})
}
