// Package monitor periodically samples server-load statistics and pushes
// them to subscribers of the "servers" channel. It is a client of the
// broadcast engine: sampling runs on its own schedule and its failures
// never propagate into connection handling.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/vpnpanel/realtime/internal/domain"
	"github.com/vpnpanel/realtime/internal/metrics"
	"github.com/vpnpanel/realtime/internal/protocol"
)

// Channel is the subscription channel load updates are pushed to.
const Channel = "servers"

// MessageType tags the load-update envelope.
const MessageType = "servers:load"

const sampleTimeout = 5 * time.Second

// ChannelBroadcaster delivers data to one channel's local subscribers.
type ChannelBroadcaster interface {
	BroadcastToChannel(channel string, data []byte)
}

// EventPublisher replicates channel events to sibling instances.
type EventPublisher interface {
	PublishToChannel(ctx context.Context, channel, msgType string, payload any) error
}

// Adapter drives the sampling loop.
type Adapter struct {
	source    domain.StatsSource
	hub       ChannelBroadcaster
	publisher EventPublisher
	gate      func() bool
	clock     clockwork.Clock
	interval  time.Duration
}

// New creates a monitoring adapter. publisher may be nil, in which case
// load updates stay instance-local. gate may be nil; when set, sampling is
// skipped while it reports false — in a multi-instance deployment only the
// leader samples, and the other instances receive the update via the relay.
func New(source domain.StatsSource, hub ChannelBroadcaster, publisher EventPublisher, gate func() bool, clock clockwork.Clock, interval time.Duration) *Adapter {
	return &Adapter{
		source:    source,
		hub:       hub,
		publisher: publisher,
		gate:      gate,
		clock:     clock,
		interval:  interval,
	}
}

// Start runs the sampling loop. Blocks until ctx is cancelled.
func (a *Adapter) Start(ctx context.Context) {
	ticker := a.clock.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			a.sample(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (a *Adapter) sample(ctx context.Context) {
	if a.gate != nil && !a.gate() {
		metrics.MonitorSamples.WithLabelValues("skipped").Inc()
		return
	}

	sampleCtx, cancel := context.WithTimeout(ctx, sampleTimeout)
	defer cancel()

	loads, err := a.source.Sample(sampleCtx)
	if err != nil {
		slog.Warn("Server load sampling failed", "error", err)
		metrics.MonitorSamples.WithLabelValues("error").Inc()
		return
	}
	metrics.MonitorSamples.WithLabelValues("success").Inc()

	payload := map[string]any{"servers": loads}

	data, err := protocol.Marshal(MessageType, a.clock.Now(), payload)
	if err != nil {
		slog.Error("Failed to marshal load update", "error", err)
		return
	}
	a.hub.BroadcastToChannel(Channel, data)

	if a.publisher != nil {
		if err := a.publisher.PublishToChannel(sampleCtx, Channel, MessageType, payload); err != nil {
			slog.Warn("Failed to replicate load update", "error", err)
		}
	}
}
