// Package protocol defines the wire messages exchanged over a socket and the
// dispatcher that routes inbound frames to hub operations.
//
// Inbound frames parse into a closed set of variants. Parsing is total: a
// frame that cannot be understood becomes Malformed, never an error that
// tears down the connection.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the outbound wire message: a tagged type, an epoch-millis
// timestamp, and an optional payload. No schema is enforced on the payload
// beyond JSON serializability.
type Envelope struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
}

// Marshal builds the wire form of an outbound message.
func Marshal(msgType string, at time.Time, payload any) ([]byte, error) {
	data, err := json.Marshal(Envelope{
		Type:      msgType,
		Timestamp: at.UnixMilli(),
		Payload:   payload,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %q envelope: %w", msgType, err)
	}
	return data, nil
}

// Inbound is the closed set of messages a client may send.
type Inbound interface{ isInbound() }

// Auth requests authentication of the connection.
type Auth struct {
	UserID string
	Token  string
}

// Subscribe opts the connection into a channel.
type Subscribe struct {
	Channel string
}

// Unsubscribe opts the connection out of a channel.
type Unsubscribe struct {
	Channel string
}

// Ping requests a pong reply.
type Ping struct{}

// Unknown is a well-formed frame with an unrecognized type tag.
type Unknown struct {
	Type string
}

// Malformed is a frame that could not be parsed into the envelope shape or
// is missing required payload fields.
type Malformed struct {
	Err error
}

func (Auth) isInbound()        {}
func (Subscribe) isInbound()   {}
func (Unsubscribe) isInbound() {}
func (Ping) isInbound()        {}
func (Unknown) isInbound()     {}
func (Malformed) isInbound()   {}

type inboundFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type authPayload struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

type channelPayload struct {
	Channel string `json:"channel"`
}

// Parse decodes an inbound frame into its variant. It never returns an
// error; undecodable input yields Malformed.
func Parse(data []byte) Inbound {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Malformed{Err: fmt.Errorf("decode frame: %w", err)}
	}
	if frame.Type == "" {
		return Malformed{Err: fmt.Errorf("frame has no type tag")}
	}

	switch frame.Type {
	case "auth":
		var p authPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return Malformed{Err: fmt.Errorf("decode auth payload: %w", err)}
		}
		if p.UserID == "" || p.Token == "" {
			return Malformed{Err: fmt.Errorf("auth requires userId and token")}
		}
		return Auth{UserID: p.UserID, Token: p.Token}

	case "subscribe", "unsubscribe":
		var p channelPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return Malformed{Err: fmt.Errorf("decode %s payload: %w", frame.Type, err)}
		}
		if p.Channel == "" {
			return Malformed{Err: fmt.Errorf("%s requires a channel", frame.Type)}
		}
		if frame.Type == "subscribe" {
			return Subscribe{Channel: p.Channel}
		}
		return Unsubscribe{Channel: p.Channel}

	case "ping":
		return Ping{}

	default:
		return Unknown{Type: frame.Type}
	}
}
