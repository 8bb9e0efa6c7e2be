package protocol

import (
	"context"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/vpnpanel/realtime/internal/domain"
	"github.com/vpnpanel/realtime/internal/metrics"
)

// Registry is the subset of hub operations the dispatcher drives.
type Registry interface {
	Authenticate(connID, userID string)
	Subscribe(connID, channel string)
	Unsubscribe(connID, channel string)
	SendToConnection(connID string, data []byte) bool
}

// Dispatcher translates inbound frames into registry mutations and replies.
// A single bad frame never closes the connection; only transport errors do.
type Dispatcher struct {
	registry Registry
	verifier domain.TokenVerifier
	clock    clockwork.Clock
}

func NewDispatcher(registry Registry, verifier domain.TokenVerifier, clock clockwork.Clock) *Dispatcher {
	return &Dispatcher{registry: registry, verifier: verifier, clock: clock}
}

// Dispatch handles one inbound frame from the given connection.
func (d *Dispatcher) Dispatch(ctx context.Context, connID string, frame []byte) {
	switch msg := Parse(frame).(type) {
	case Auth:
		d.handleAuth(ctx, connID, msg)

	case Subscribe:
		d.registry.Subscribe(connID, msg.Channel)
		d.reply(connID, "subscribe:success", map[string]string{"channel": msg.Channel})
		metrics.InboundFrames.WithLabelValues("ok").Inc()

	case Unsubscribe:
		d.registry.Unsubscribe(connID, msg.Channel)
		d.reply(connID, "unsubscribe:success", map[string]string{"channel": msg.Channel})
		metrics.InboundFrames.WithLabelValues("ok").Inc()

	case Ping:
		d.reply(connID, "pong", nil)
		metrics.InboundFrames.WithLabelValues("ok").Inc()

	case Unknown:
		slog.Debug("Unrecognized message type", "conn_id", connID, "message_type", msg.Type)
		metrics.InboundFrames.WithLabelValues("unknown").Inc()

	case Malformed:
		slog.Debug("Dropping malformed frame", "conn_id", connID, "error", msg.Err)
		metrics.InboundFrames.WithLabelValues("malformed").Inc()
	}
}

func (d *Dispatcher) handleAuth(ctx context.Context, connID string, msg Auth) {
	identity, err := d.verifier.Verify(ctx, msg.Token)
	if err != nil {
		slog.Warn("Token verification failed", "conn_id", connID, "error", err)
		d.reply(connID, "auth:error", map[string]string{"reason": "invalid token"})
		metrics.InboundFrames.WithLabelValues("auth_failed").Inc()
		return
	}
	if msg.UserID != identity.UserID {
		slog.Warn("Auth user mismatch", "conn_id", connID, "claimed", msg.UserID)
		d.reply(connID, "auth:error", map[string]string{"reason": "token subject mismatch"})
		metrics.InboundFrames.WithLabelValues("auth_failed").Inc()
		return
	}

	d.registry.Authenticate(connID, identity.UserID)
	d.reply(connID, "auth:success", map[string]string{"clientId": connID})
	metrics.InboundFrames.WithLabelValues("ok").Inc()
}

func (d *Dispatcher) reply(connID, msgType string, payload any) {
	data, err := Marshal(msgType, d.clock.Now(), payload)
	if err != nil {
		slog.Error("Failed to marshal reply", "message_type", msgType, "error", err)
		return
	}
	d.registry.SendToConnection(connID, data)
}
