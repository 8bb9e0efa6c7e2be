// Package relay bridges the local broadcast engine with sibling process
// instances through Redis pub/sub. Every published message is tagged with
// the origin instance id; the subscriber skips messages it published
// itself, so a relayed message is never re-published in a loop.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/vpnpanel/realtime/internal/metrics"
)

// State is the relay lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateConnecting    State = "connecting"
	StateReady         State = "ready"
	StateReconnecting  State = "reconnecting"
)

// Scope selects the local audience a relayed message fans out to.
type Scope string

const (
	ScopeAll     Scope = "all"
	ScopeUser    Scope = "user"
	ScopeChannel Scope = "channel"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Message is the envelope exchanged through the broker. Target is the user
// id for ScopeUser and the channel name for ScopeChannel.
type Message struct {
	Origin    string          `json:"origin"`
	Scope     Scope           `json:"scope"`
	Target    string          `json:"target,omitempty"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Relay maintains one subscriber and one publisher connection to the broker.
// Local delivery keeps working while the broker is unreachable; only
// cross-instance replication is lost for the outage duration.
type Relay struct {
	rdb        *redis.Client
	instanceID string
	channel    string
	clock      clockwork.Clock

	mu      sync.RWMutex
	state   State
	deliver func(Message)
}

func New(rdb *redis.Client, instanceID, channel string, clock clockwork.Clock) *Relay {
	r := &Relay{
		rdb:        rdb,
		instanceID: instanceID,
		channel:    channel,
		clock:      clock,
		state:      StateUninitialized,
	}
	metrics.RelayState.Set(stateValue(StateUninitialized))
	return r
}

// OnMessage registers the callback invoked for every message received from
// a sibling instance. Must be called before Start.
func (r *Relay) OnMessage(fn func(Message)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliver = fn
}

// State returns the current lifecycle state.
func (r *Relay) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Relay) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	metrics.RelayState.Set(stateValue(s))
}

func stateValue(s State) float64 {
	switch s {
	case StateConnecting:
		return 1
	case StateReady:
		return 2
	case StateReconnecting:
		return 3
	default:
		return 0
	}
}

// Start runs the subscriber loop. Blocks until ctx is cancelled. Broker
// disconnects trigger a reconnect loop with exponential backoff.
func (r *Relay) Start(ctx context.Context) {
	backoff := initialBackoff
	r.setState(StateConnecting)

	for {
		if ctx.Err() != nil {
			return
		}

		err := r.consume(ctx)
		if ctx.Err() != nil {
			return
		}

		r.setState(StateReconnecting)
		metrics.RelayReconnects.Inc()
		slog.Warn("Relay subscription lost, reconnecting", "error", err, "backoff", backoff)

		timer := r.clock.NewTimer(backoff)
		select {
		case <-timer.Chan():
		case <-ctx.Done():
			timer.Stop()
			return
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// consume holds one subscription open and processes messages until the
// subscription fails or ctx is cancelled.
func (r *Relay) consume(ctx context.Context) error {
	pubsub := r.rdb.Subscribe(ctx, r.channel)
	defer func() { _ = pubsub.Close() }()

	// Confirm the subscription before reporting ready.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", r.channel, err)
	}

	r.setState(StateReady)
	slog.Info("Relay subscribed", "channel", r.channel, "instance_id", r.instanceID)

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription channel closed")
			}
			r.handlePayload(msg.Payload)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handlePayload decodes one broker payload and hands it to the local
// delivery callback unless this instance published it.
func (r *Relay) handlePayload(payload string) {
	var msg Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		slog.Warn("Failed to decode relay message", "error", err)
		metrics.RelayDecodeFailures.Inc()
		return
	}

	if msg.Origin == r.instanceID {
		metrics.RelaySkippedOwnOrigin.Inc()
		return
	}

	metrics.RelayReceived.WithLabelValues(string(msg.Scope)).Inc()

	r.mu.RLock()
	deliver := r.deliver
	r.mu.RUnlock()
	if deliver == nil {
		slog.Warn("Relay message received before delivery callback registered", "type", msg.Type)
		return
	}
	deliver(msg)
}

// PublishAll replicates a broadcast-to-all to every sibling instance.
// Best-effort: a publish failure degrades to single-instance delivery.
func (r *Relay) PublishAll(ctx context.Context, msgType string, payload any) error {
	return r.publish(ctx, Message{Scope: ScopeAll, Type: msgType}, payload)
}

// PublishToUser replicates a user-directed event outward.
func (r *Relay) PublishToUser(ctx context.Context, userID, msgType string, payload any) error {
	return r.publish(ctx, Message{Scope: ScopeUser, Target: userID, Type: msgType}, payload)
}

// PublishToChannel replicates a channel event outward.
func (r *Relay) PublishToChannel(ctx context.Context, channel, msgType string, payload any) error {
	return r.publish(ctx, Message{Scope: ScopeChannel, Target: channel, Type: msgType}, payload)
}

func (r *Relay) publish(ctx context.Context, msg Message, payload any) error {
	msg.Origin = r.instanceID
	msg.Timestamp = r.clock.Now().UnixMilli()

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal relay payload: %w", err)
		}
		msg.Payload = raw
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal relay message: %w", err)
	}

	if err := r.rdb.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", r.channel, err)
	}

	metrics.RelayPublished.WithLabelValues(string(msg.Scope)).Inc()
	return nil
}
