package httpserver

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	apperrors "github.com/vpnpanel/realtime/internal/platform/errors"
	"github.com/vpnpanel/realtime/internal/protocol"
	"github.com/vpnpanel/realtime/internal/relay"
)

const defaultBroadcastType = "admin:broadcast"

type broadcastRequest struct {
	Message  string `json:"message"`
	Type     string `json:"type"`
	Priority string `json:"priority"`
}

type sendToUserRequest struct {
	UserID  string `json:"userId"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

type sendToChannelRequest struct {
	Channel string `json:"channel"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

type disconnectClientRequest struct {
	ClientID string `json:"clientId"`
	Reason   string `json:"reason"`
}

func (s *Server) handleStats(c echo.Context) error {
	response := map[string]any{
		"connections": s.hub.Stats(),
		"relay":       map[string]any{"state": s.relay.State()},
	}

	if s.instances != nil {
		instances, err := s.instances.ActiveInstances(c.Request().Context())
		if err != nil {
			slog.Warn("Failed to list active instances", "error", err)
		} else {
			response["instances"] = instances
		}
	}

	return jsonResponse(c, http.StatusOK, response)
}

func (s *Server) handleClients(c echo.Context) error {
	clients := s.hub.List()
	return jsonResponse(c, http.StatusOK, map[string]any{
		"clients": clients,
		"total":   len(clients),
	})
}

func (s *Server) handleBroadcast(c echo.Context) error {
	var req broadcastRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	if req.Message == "" {
		return apperrors.ValidationError("message is required")
	}

	msgType := req.Type
	if msgType == "" {
		msgType = defaultBroadcastType
	}
	payload := map[string]string{"message": req.Message}
	if req.Priority != "" {
		payload["priority"] = req.Priority
	}

	data, err := protocol.Marshal(msgType, time.Now(), payload)
	if err != nil {
		return apperrors.InternalError("failed to build message", err)
	}

	// Local delivery and outward replication are independent best-effort
	// steps; a broker outage degrades to single-instance delivery.
	s.hub.BroadcastAll(data)
	s.publishRelay(c, relay.ScopeAll, "", msgType, payload)

	return jsonResponse(c, http.StatusOK, map[string]string{"status": "broadcast sent"})
}

func (s *Server) handleSendToUser(c echo.Context) error {
	var req sendToUserRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	if req.UserID == "" {
		return apperrors.ValidationError("userId is required")
	}
	if req.Message == "" {
		return apperrors.ValidationError("message is required")
	}

	msgType := req.Type
	if msgType == "" {
		msgType = "admin:message"
	}
	payload := map[string]string{"message": req.Message}

	data, err := protocol.Marshal(msgType, time.Now(), payload)
	if err != nil {
		return apperrors.InternalError("failed to build message", err)
	}

	// The user's sockets may be held by a sibling instance.
	s.hub.SendToUser(req.UserID, data)
	s.publishRelay(c, relay.ScopeUser, req.UserID, msgType, payload)

	return jsonResponse(c, http.StatusOK, map[string]string{"status": "message sent"})
}

func (s *Server) handleSendToChannel(c echo.Context) error {
	var req sendToChannelRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	if req.Channel == "" {
		return apperrors.ValidationError("channel is required")
	}
	if req.Message == "" {
		return apperrors.ValidationError("message is required")
	}

	msgType := req.Type
	if msgType == "" {
		msgType = "channel:message"
	}
	payload := map[string]string{"message": req.Message}

	data, err := protocol.Marshal(msgType, time.Now(), payload)
	if err != nil {
		return apperrors.InternalError("failed to build message", err)
	}

	s.hub.BroadcastToChannel(req.Channel, data)
	s.publishRelay(c, relay.ScopeChannel, req.Channel, msgType, payload)

	return jsonResponse(c, http.StatusOK, map[string]string{"status": "message sent"})
}

func (s *Server) handleDisconnectClient(c echo.Context) error {
	var req disconnectClientRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	if req.ClientID == "" {
		return apperrors.ValidationError("clientId is required")
	}

	reason := req.Reason
	if reason == "" {
		reason = "Disconnected by administrator"
	}

	if !s.hub.Disconnect(req.ClientID, reason) {
		return apperrors.NotFoundError("client not found").WithContext("client_id", req.ClientID)
	}

	return jsonResponse(c, http.StatusOK, map[string]string{"status": "client disconnected"})
}

func (s *Server) publishRelay(c echo.Context, scope relay.Scope, target, msgType string, payload any) {
	var err error
	ctx := c.Request().Context()
	switch scope {
	case relay.ScopeAll:
		err = s.relay.PublishAll(ctx, msgType, payload)
	case relay.ScopeUser:
		err = s.relay.PublishToUser(ctx, target, msgType, payload)
	case relay.ScopeChannel:
		err = s.relay.PublishToChannel(ctx, target, msgType, payload)
	}
	if err != nil {
		slog.Warn("Failed to replicate message to sibling instances",
			"scope", scope, "message_type", msgType, "error", err)
	}
}

func jsonResponse(c echo.Context, status int, body any) error {
	if err := c.JSON(status, body); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}
