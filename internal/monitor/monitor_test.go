package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vpnpanel/realtime/internal/domain"
)

type stubSource struct {
	mu    sync.Mutex
	loads []domain.ServerLoad
	err   error
	calls int
}

func (s *stubSource) Sample(context.Context) ([]domain.ServerLoad, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.loads, s.err
}

func (s *stubSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingHub struct {
	mu       sync.Mutex
	messages [][]byte
}

func (h *recordingHub) BroadcastToChannel(channel string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, data)
}

func (h *recordingHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

func (h *recordingHub) last() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.messages[len(h.messages)-1]
}

type recordingPublisher struct {
	mu      sync.Mutex
	calls   int
	err     error
	lastMsg string
}

func (p *recordingPublisher) PublishToChannel(_ context.Context, channel, msgType string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.lastMsg = msgType
	return p.err
}

func (p *recordingPublisher) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestSample_BroadcastsLoadUpdate(t *testing.T) {
	source := &stubSource{loads: []domain.ServerLoad{
		{Name: "de-1", CPUPercent: 41.5, MemPercent: 60, ActivePeers: 12},
	}}
	hub := &recordingHub{}
	publisher := &recordingPublisher{}
	a := New(source, hub, publisher, nil, clockwork.NewFakeClock(), 10*time.Second)

	a.sample(context.Background())

	require.Equal(t, 1, hub.count())

	var envelope struct {
		Type      string `json:"type"`
		Timestamp int64  `json:"timestamp"`
		Payload   struct {
			Servers []domain.ServerLoad `json:"servers"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(hub.last(), &envelope))
	assert.Equal(t, MessageType, envelope.Type)
	require.Len(t, envelope.Payload.Servers, 1)
	assert.Equal(t, "de-1", envelope.Payload.Servers[0].Name)
	assert.Equal(t, 12, envelope.Payload.Servers[0].ActivePeers)

	assert.Equal(t, 1, publisher.callCount())
	assert.Equal(t, MessageType, publisher.lastMsg)
}

func TestSample_SourceErrorDropsTick(t *testing.T) {
	source := &stubSource{err: errors.New("monitoring store down")}
	hub := &recordingHub{}
	publisher := &recordingPublisher{}
	a := New(source, hub, publisher, nil, clockwork.NewFakeClock(), 10*time.Second)

	a.sample(context.Background())

	assert.Equal(t, 0, hub.count())
	assert.Equal(t, 0, publisher.callCount())
}

func TestSample_PublisherErrorStillBroadcastsLocally(t *testing.T) {
	source := &stubSource{loads: []domain.ServerLoad{{Name: "de-1"}}}
	hub := &recordingHub{}
	publisher := &recordingPublisher{err: errors.New("broker unreachable")}
	a := New(source, hub, publisher, nil, clockwork.NewFakeClock(), 10*time.Second)

	a.sample(context.Background())

	assert.Equal(t, 1, hub.count())
}

func TestSample_NilPublisherStaysLocal(t *testing.T) {
	source := &stubSource{loads: []domain.ServerLoad{{Name: "de-1"}}}
	hub := &recordingHub{}
	a := New(source, hub, nil, nil, clockwork.NewFakeClock(), 10*time.Second)

	a.sample(context.Background())

	assert.Equal(t, 1, hub.count())
}

func TestSample_GateSkipsNonLeader(t *testing.T) {
	source := &stubSource{loads: []domain.ServerLoad{{Name: "de-1"}}}
	hub := &recordingHub{}
	leader := false
	a := New(source, hub, nil, func() bool { return leader }, clockwork.NewFakeClock(), 10*time.Second)

	a.sample(context.Background())
	assert.Equal(t, 0, source.callCount())
	assert.Equal(t, 0, hub.count())

	leader = true
	a.sample(context.Background())
	assert.Equal(t, 1, source.callCount())
	assert.Equal(t, 1, hub.count())
}

func TestStart_SamplesOnTicks(t *testing.T) {
	source := &stubSource{loads: []domain.ServerLoad{{Name: "de-1"}}}
	hub := &recordingHub{}
	clock := clockwork.NewFakeClock()
	a := New(source, hub, nil, nil, clock, 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Start(ctx)
	}()

	clock.BlockUntil(1)
	clock.Advance(10 * time.Second)

	require.Eventually(t, func() bool { return hub.count() == 1 }, time.Second, 5*time.Millisecond)

	clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return hub.count() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
