package relay

import (
	"log/slog"
	"time"

	"github.com/vpnpanel/realtime/internal/protocol"
)

// LocalBroadcaster is the subset of hub operations relayed messages feed.
type LocalBroadcaster interface {
	BroadcastAll(data []byte)
	SendToUser(userID string, data []byte)
	BroadcastToChannel(channel string, data []byte)
}

// BindLocal wires the relay's inbound path into the local broadcast engine.
// A message received from a sibling instance is delivered exactly as if it
// had originated locally; it is never re-published outward.
func (r *Relay) BindLocal(hub LocalBroadcaster) {
	r.OnMessage(func(msg Message) {
		var payload any
		if len(msg.Payload) > 0 {
			payload = msg.Payload
		}

		// Preserve the origin instance's timestamp in the client envelope.
		data, err := protocol.Marshal(msg.Type, time.UnixMilli(msg.Timestamp), payload)
		if err != nil {
			slog.Error("Failed to marshal relayed envelope", "type", msg.Type, "error", err)
			return
		}

		switch msg.Scope {
		case ScopeAll:
			hub.BroadcastAll(data)
		case ScopeUser:
			hub.SendToUser(msg.Target, data)
		case ScopeChannel:
			hub.BroadcastToChannel(msg.Target, data)
		default:
			slog.Warn("Relay message with unknown scope dropped", "scope", msg.Scope, "type", msg.Type)
		}
	})
}
