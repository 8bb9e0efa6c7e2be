package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vpnpanel/realtime/internal/domain"
	"github.com/vpnpanel/realtime/internal/hub"
	"github.com/vpnpanel/realtime/internal/platform/config"
	"github.com/vpnpanel/realtime/internal/protocol"
	"github.com/vpnpanel/realtime/internal/relay"
)

const (
	adminToken  = "admin-token"
	clientToken = "client-token"
)

// stubVerifier resolves the two fixed test tokens.
type stubVerifier struct{}

func (stubVerifier) Verify(_ context.Context, token string) (domain.Identity, error) {
	switch token {
	case adminToken:
		return domain.Identity{UserID: "admin-1", Admin: true}, nil
	case clientToken:
		return domain.Identity{UserID: "u1"}, nil
	default:
		return domain.Identity{}, errors.New("unknown token")
	}
}

type brokerPublish struct {
	Scope   relay.Scope
	Target  string
	MsgType string
}

// fakeBroker records outward replication instead of touching Redis.
type fakeBroker struct {
	mu        sync.Mutex
	published []brokerPublish
	err       error
	state     relay.State
}

func (b *fakeBroker) record(scope relay.Scope, target, msgType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, brokerPublish{Scope: scope, Target: target, MsgType: msgType})
	return b.err
}

func (b *fakeBroker) PublishAll(_ context.Context, msgType string, _ any) error {
	return b.record(relay.ScopeAll, "", msgType)
}

func (b *fakeBroker) PublishToUser(_ context.Context, userID, msgType string, _ any) error {
	return b.record(relay.ScopeUser, userID, msgType)
}

func (b *fakeBroker) PublishToChannel(_ context.Context, channel, msgType string, _ any) error {
	return b.record(relay.ScopeChannel, channel, msgType)
}

func (b *fakeBroker) State() relay.State {
	if b.state == "" {
		return relay.StateReady
	}
	return b.state
}

func (b *fakeBroker) all() []brokerPublish {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]brokerPublish(nil), b.published...)
}

type testEnv struct {
	srv    *Server
	ts     *httptest.Server
	hub    *hub.Hub
	broker *fakeBroker
}

func newTestEnv(t *testing.T, checks ...HealthCheck) *testEnv {
	t.Helper()

	cfg := &config.Config{
		Port:           "0",
		FrameRateLimit: 100,
		FrameRateBurst: 100,
	}

	clock := clockwork.NewRealClock()
	h := hub.New(clock)
	t.Cleanup(h.Stop)

	verifier := stubVerifier{}
	dispatcher := protocol.NewDispatcher(h, verifier, clock)
	broker := &fakeBroker{}

	srv := NewServer(cfg, h, dispatcher, broker, nil, verifier, checks)
	ts := httptest.NewServer(srv.echo)
	t.Cleanup(ts.Close)

	return &testEnv{srv: srv, ts: ts, hub: h, broker: broker}
}

func (env *testEnv) dialSocket(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitForConnections polls until the hub sees the expected connection count.
func (env *testEnv) waitForConnections(t *testing.T, expected int) []domain.ConnectionInfo {
	t.Helper()
	var infos []domain.ConnectionInfo
	require.Eventually(t, func() bool {
		infos = env.hub.List()
		return len(infos) == expected
	}, 2*time.Second, 10*time.Millisecond)
	return infos
}

func (env *testEnv) request(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, env.ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var envelope protocol.Envelope
	require.NoError(t, json.Unmarshal(data, &envelope))
	return envelope
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func TestAdminAPI_RequiresAdminToken(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name  string
		token string
	}{
		{"no token", ""},
		{"unknown token", "garbage"},
		{"non-admin token", clientToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.request(t, http.MethodGet, "/api/realtime/stats", tt.token, nil)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

			var body struct {
				Type string `json:"type"`
			}
			decodeBody(t, resp, &body)
			assert.Equal(t, "unauthorized", body.Type)
		})
	}
}

func TestHandleStats(t *testing.T) {
	env := newTestEnv(t)
	env.dialSocket(t, "/ws")
	env.waitForConnections(t, 1)

	resp := env.request(t, http.MethodGet, "/api/realtime/stats", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Connections domain.HubStats `json:"connections"`
		Relay       struct {
			State string `json:"state"`
		} `json:"relay"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, 1, body.Connections.Total)
	assert.Equal(t, "ready", body.Relay.State)
}

func TestHandleClients(t *testing.T) {
	env := newTestEnv(t)
	env.dialSocket(t, "/ws")
	env.dialSocket(t, "/ws/admin")
	env.waitForConnections(t, 2)

	resp := env.request(t, http.MethodGet, "/api/realtime/clients", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Clients []domain.ConnectionInfo `json:"clients"`
		Total   int                     `json:"total"`
	}
	decodeBody(t, resp, &body)
	require.Equal(t, 2, body.Total)

	types := []domain.ConnectionType{body.Clients[0].Type, body.Clients[1].Type}
	assert.Contains(t, types, domain.ConnectionTypeClient)
	assert.Contains(t, types, domain.ConnectionTypeAdmin)
}

func TestHandleBroadcast(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dialSocket(t, "/ws")
	env.waitForConnections(t, 1)

	resp := env.request(t, http.MethodPost, "/api/realtime/broadcast", adminToken,
		map[string]string{"message": "maintenance at noon", "priority": "high"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	envelope := readEnvelope(t, conn)
	assert.Equal(t, "admin:broadcast", envelope.Type)
	assert.Equal(t, map[string]any{"message": "maintenance at noon", "priority": "high"}, envelope.Payload)

	published := env.broker.all()
	require.Len(t, published, 1)
	assert.Equal(t, relay.ScopeAll, published[0].Scope)
	assert.Equal(t, "admin:broadcast", published[0].MsgType)
}

func TestHandleBroadcast_CustomType(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dialSocket(t, "/ws")
	env.waitForConnections(t, 1)

	resp := env.request(t, http.MethodPost, "/api/realtime/broadcast", adminToken,
		map[string]string{"message": "hello", "type": "panel:announcement"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "panel:announcement", readEnvelope(t, conn).Type)
}

func TestHandleBroadcast_MissingMessage(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodPost, "/api/realtime/broadcast", adminToken,
		map[string]string{"priority": "high"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body struct {
		Error string `json:"error"`
		Type  string `json:"type"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, "message is required", body.Error)
	assert.Equal(t, "validation", body.Type)
	assert.Empty(t, env.broker.all())
}

func TestHandleBroadcast_BrokerFailureStillDeliversLocally(t *testing.T) {
	env := newTestEnv(t)
	env.broker.err = errors.New("broker down")

	conn := env.dialSocket(t, "/ws")
	env.waitForConnections(t, 1)

	resp := env.request(t, http.MethodPost, "/api/realtime/broadcast", adminToken,
		map[string]string{"message": "still here"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "admin:broadcast", readEnvelope(t, conn).Type)
}

func TestHandleSendToUser_EndToEnd(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dialSocket(t, "/ws")
	env.waitForConnections(t, 1)

	// Authenticate in-band first, exactly as a panel client would.
	sendFrame(t, conn, fmt.Sprintf(`{"type":"auth","payload":{"userId":"u1","token":"%s"}}`, clientToken))
	reply := readEnvelope(t, conn)
	require.Equal(t, "auth:success", reply.Type)

	resp := env.request(t, http.MethodPost, "/api/realtime/send-to-user", adminToken,
		map[string]string{"userId": "u1", "message": "your order shipped"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	envelope := readEnvelope(t, conn)
	assert.Equal(t, "admin:message", envelope.Type)
	assert.Equal(t, map[string]any{"message": "your order shipped"}, envelope.Payload)

	published := env.broker.all()
	require.Len(t, published, 1)
	assert.Equal(t, relay.ScopeUser, published[0].Scope)
	assert.Equal(t, "u1", published[0].Target)
}

func TestHandleSendToUser_Validation(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodPost, "/api/realtime/send-to-user", adminToken,
		map[string]string{"message": "no target"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.request(t, http.MethodPost, "/api/realtime/send-to-user", adminToken,
		map[string]string{"userId": "u1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleSendToChannel_EndToEnd(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dialSocket(t, "/ws")
	env.waitForConnections(t, 1)

	sendFrame(t, conn, `{"type":"subscribe","payload":{"channel":"announcements"}}`)
	require.Equal(t, "subscribe:success", readEnvelope(t, conn).Type)

	resp := env.request(t, http.MethodPost, "/api/realtime/send-to-channel", adminToken,
		map[string]string{"channel": "announcements", "message": "new server in Frankfurt"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	envelope := readEnvelope(t, conn)
	assert.Equal(t, "channel:message", envelope.Type)

	published := env.broker.all()
	require.Len(t, published, 1)
	assert.Equal(t, relay.ScopeChannel, published[0].Scope)
	assert.Equal(t, "announcements", published[0].Target)
}

func TestHandleDisconnectClient(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dialSocket(t, "/ws")
	infos := env.waitForConnections(t, 1)

	resp := env.request(t, http.MethodPost, "/api/realtime/disconnect-client", adminToken,
		map[string]string{"clientId": infos[0].ID, "reason": "abuse"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The client observes the close.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)

	assert.Empty(t, env.hub.List())
}

func TestHandleDisconnectClient_UnknownID(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodPost, "/api/realtime/disconnect-client", adminToken,
		map[string]string{"clientId": "no-such-client"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body struct {
		Type    string         `json:"type"`
		Context map[string]any `json:"context"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, "not_found", body.Type)
	assert.Equal(t, "no-such-client", body.Context["client_id"])
}

func TestSocket_BadFramesDoNotCloseConnection(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dialSocket(t, "/ws")
	env.waitForConnections(t, 1)

	sendFrame(t, conn, `this is not json`)
	sendFrame(t, conn, `{"type":"teleport"}`)
	sendFrame(t, conn, `{"type":"ping"}`)

	// The two bad frames are dropped silently; the ping still answers.
	assert.Equal(t, "pong", readEnvelope(t, conn).Type)
}

func TestSocket_AuthRejectedKeepsConnectionOpen(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dialSocket(t, "/ws")
	env.waitForConnections(t, 1)

	sendFrame(t, conn, `{"type":"auth","payload":{"userId":"u1","token":"wrong"}}`)
	reply := readEnvelope(t, conn)
	assert.Equal(t, "auth:error", reply.Type)

	sendFrame(t, conn, `{"type":"ping"}`)
	assert.Equal(t, "pong", readEnvelope(t, conn).Type)
}

func TestSocket_RateLimitDropsExcessFrames(t *testing.T) {
	env := newTestEnv(t)
	env.srv.config.FrameRateLimit = 1
	env.srv.config.FrameRateBurst = 2

	conn := env.dialSocket(t, "/ws")
	env.waitForConnections(t, 1)

	for range 10 {
		sendFrame(t, conn, `{"type":"ping"}`)
	}

	// The burst lets the first two frames through; the rest are dropped,
	// not fatal.
	assert.Equal(t, "pong", readEnvelope(t, conn).Type)
	assert.Equal(t, "pong", readEnvelope(t, conn).Type)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func TestHealthLive(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodGet, "/health/live", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status string `json:"status"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, "ok", body.Status)
}

func TestHealthReady(t *testing.T) {
	env := newTestEnv(t, HealthCheck{Name: "redis", Check: func(context.Context) error { return nil }})

	resp := env.request(t, http.MethodGet, "/health/ready", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, "ok", body.Checks["redis"])
}

func TestHealthReady_FailingCheck(t *testing.T) {
	env := newTestEnv(t, HealthCheck{Name: "redis", Check: func(context.Context) error {
		return errors.New("connection refused")
	}})

	resp := env.request(t, http.MethodGet, "/health/ready", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, "not ready", body.Status)
	assert.Equal(t, "connection refused", body.Checks["redis"])
}

func TestVersionEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodGet, "/version", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
