// Package hub implements the connection registry and broadcast engine as a
// single actor goroutine. All connection state is owned by that goroutine
// and mutated through a command channel, so every registry operation is
// atomic with respect to every other one without locks.
package hub

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/vpnpanel/realtime/internal/domain"
	"github.com/vpnpanel/realtime/internal/metrics"
)

const (
	commandTimeout = 5 * time.Second
	stopTimeout    = 10 * time.Second
)

// connection is one accepted socket with its identity and subscriptions.
// The secondary indexes (byUser, byChannel) are always derived from the
// userID and subscriptions fields here, never the other way around.
type connection struct {
	id            string
	writer        *connWriter
	userID        string
	connType      domain.ConnectionType
	authenticated bool
	subscriptions map[string]struct{}
	connectedAt   time.Time
}

type hubCmd interface{ isHubCmd() }

type baseHubCmd struct{}

func (baseHubCmd) isHubCmd() {}

type registerCmd struct {
	baseHubCmd
	id         string
	connection *websocket.Conn
	connType   domain.ConnectionType
}

type authenticateCmd struct {
	baseHubCmd
	id     string
	userID string
}

type subscribeCmd struct {
	baseHubCmd
	id      string
	channel string
}

type unsubscribeCmd struct {
	baseHubCmd
	id      string
	channel string
}

type removeCmd struct {
	baseHubCmd
	id string
}

type touchCmd struct {
	baseHubCmd
	id string
}

type broadcastAllCmd struct {
	baseHubCmd
	data []byte
}

type sendToUserCmd struct {
	baseHubCmd
	userID string
	data   []byte
}

type broadcastChannelCmd struct {
	baseHubCmd
	channel string
	data    []byte
}

type sendToConnCmd struct {
	baseHubCmd
	id           string
	data         []byte
	replyChannel chan bool
}

type disconnectCmd struct {
	baseHubCmd
	id           string
	reason       string
	replyChannel chan bool
}

type listCmd struct {
	baseHubCmd
	replyChannel chan []domain.ConnectionInfo
}

type statsCmd struct {
	baseHubCmd
	replyChannel chan domain.HubStats
}

type stopCmd struct {
	baseHubCmd
}

// Hub is the per-process source of truth for which sockets exist, who they
// belong to, and what they listen to.
type Hub struct {
	cmdCh     chan hubCmd
	clock     clockwork.Clock
	conns     map[string]*connection
	byUser    map[string]map[string]*connection
	byChannel map[string]map[string]*connection
	done      chan struct{}
}

func New(clock clockwork.Clock) *Hub {
	h := &Hub{
		cmdCh:     make(chan hubCmd, 256),
		clock:     clock,
		conns:     make(map[string]*connection),
		byUser:    make(map[string]map[string]*connection),
		byChannel: make(map[string]map[string]*connection),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

// Register stores a fresh unauthenticated connection and returns its id.
// It never fails; the id is usable in subsequent commands immediately
// because commands are processed in submission order.
func (h *Hub) Register(conn *websocket.Conn, connType domain.ConnectionType) string {
	id := uuid.NewString()
	h.cmdCh <- registerCmd{id: id, connection: conn, connType: connType}
	return id
}

// Authenticate maps the connection to a user. Calling it again with a
// different user silently re-maps the connection; credential verification
// is the caller's responsibility.
func (h *Hub) Authenticate(connID, userID string) {
	h.cmdCh <- authenticateCmd{id: connID, userID: userID}
}

func (h *Hub) Subscribe(connID, channel string) {
	h.cmdCh <- subscribeCmd{id: connID, channel: channel}
}

func (h *Hub) Unsubscribe(connID, channel string) {
	h.cmdCh <- unsubscribeCmd{id: connID, channel: channel}
}

// Remove destroys a connection and prunes every index entry referencing it.
// Safe to call with an unknown id.
func (h *Hub) Remove(connID string) {
	h.cmdCh <- removeCmd{id: connID}
}

// Touch records inbound activity on a connection for idle tracking.
func (h *Hub) Touch(connID string) {
	h.cmdCh <- touchCmd{id: connID}
}

// BroadcastAll delivers data to every open connection. Per-socket failures
// are isolated: a broken socket never aborts delivery to the rest.
func (h *Hub) BroadcastAll(data []byte) {
	h.cmdCh <- broadcastAllCmd{data: data}
}

// SendToUser delivers data to every device of one user. A user with no
// connections is a silent no-op; nothing is queued for later delivery.
func (h *Hub) SendToUser(userID string, data []byte) {
	h.cmdCh <- sendToUserCmd{userID: userID, data: data}
}

// BroadcastToChannel delivers data to every subscriber of a channel.
func (h *Hub) BroadcastToChannel(channel string, data []byte) {
	h.cmdCh <- broadcastChannelCmd{channel: channel, data: data}
}

// SendToConnection delivers data to a single connection. Returns false if
// the connection is unknown or the command timed out.
func (h *Hub) SendToConnection(connID string, data []byte) bool {
	replyCh := make(chan bool, 1)
	h.cmdCh <- sendToConnCmd{id: connID, data: data, replyChannel: replyCh}
	return h.awaitBool(replyCh)
}

// Disconnect closes the connection's socket with a close frame and removes
// it. Returns whether the connection existed.
func (h *Hub) Disconnect(connID, reason string) bool {
	replyCh := make(chan bool, 1)
	h.cmdCh <- disconnectCmd{id: connID, reason: reason, replyChannel: replyCh}
	return h.awaitBool(replyCh)
}

// List returns a read-only projection of all connections.
func (h *Hub) List() []domain.ConnectionInfo {
	replyCh := make(chan []domain.ConnectionInfo, 1)
	h.cmdCh <- listCmd{replyChannel: replyCh}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case infos := <-replyCh:
		return infos
	case <-timer.Chan():
		slog.Warn("List timed out", "timeout", commandTimeout)
		return nil
	}
}

// Stats returns aggregate connection counters.
func (h *Hub) Stats() domain.HubStats {
	replyCh := make(chan domain.HubStats, 1)
	h.cmdCh <- statsCmd{replyChannel: replyCh}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case stats := <-replyCh:
		return stats
	case <-timer.Chan():
		slog.Warn("Stats timed out", "timeout", commandTimeout)
		return domain.HubStats{Channels: map[string]int{}}
	}
}

// Stop shuts the hub down, closing every client connection. Blocks until
// the actor goroutine exits or the stop timeout passes.
func (h *Hub) Stop() {
	h.cmdCh <- stopCmd{}

	timeout := h.clock.NewTimer(stopTimeout)
	defer timeout.Stop()

	select {
	case <-h.done:
		slog.Info("Hub stopped gracefully")
	case <-timeout.Chan():
		slog.Warn("Hub stop timeout exceeded, forcing exit", "timeout", stopTimeout)
		metrics.HubStopTimeouts.Inc()
		close(h.done)
	}
}

func (h *Hub) awaitBool(replyCh chan bool) bool {
	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case ok := <-replyCh:
		return ok
	case <-timer.Chan():
		slog.Warn("Hub command timed out", "timeout", commandTimeout)
		return false
	}
}

func (h *Hub) run() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Hub panic recovered", "panic", r)
			h.closeAll("hub panic")
		}
	}()

	depthTicker := h.clock.NewTicker(1 * time.Second)
	defer depthTicker.Stop()
	defer close(h.done)

	for {
		select {
		case <-depthTicker.Chan():
			metrics.HubCommandChannelDepth.Set(float64(len(h.cmdCh)))

		case cmd := <-h.cmdCh:
			switch c := cmd.(type) {
			case registerCmd:
				h.handleRegister(c)
			case authenticateCmd:
				h.handleAuthenticate(c)
			case subscribeCmd:
				h.handleSubscribe(c)
			case unsubscribeCmd:
				h.handleUnsubscribe(c)
			case removeCmd:
				h.handleRemove(c.id)
			case touchCmd:
				if conn, ok := h.conns[c.id]; ok {
					conn.writer.recordActivity()
				}
			case broadcastAllCmd:
				h.handleBroadcastAll(c)
			case sendToUserCmd:
				h.handleSendToUser(c)
			case broadcastChannelCmd:
				h.handleBroadcastChannel(c)
			case sendToConnCmd:
				h.handleSendToConn(c)
			case disconnectCmd:
				h.handleDisconnect(c)
			case listCmd:
				c.replyChannel <- h.snapshot()
			case statsCmd:
				c.replyChannel <- h.stats()
			case stopCmd:
				h.handleStop()
				return
			default:
				slog.Warn("Hub received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}
		}
	}
}

func (h *Hub) handleRegister(c registerCmd) {
	conn := &connection{
		id:            c.id,
		writer:        newConnWriter(c.connection, h.clock),
		connType:      c.connType,
		subscriptions: make(map[string]struct{}),
		connectedAt:   h.clock.Now(),
	}
	h.conns[c.id] = conn

	metrics.HubActiveConnections.WithLabelValues(string(c.connType)).Inc()
	slog.Debug("Connection registered", "conn_id", c.id, "conn_type", c.connType, "total", len(h.conns))
}

func (h *Hub) handleAuthenticate(c authenticateCmd) {
	conn, ok := h.conns[c.id]
	if !ok {
		return
	}

	if conn.userID == c.userID {
		return
	}

	if conn.userID != "" {
		h.dropFromUserIndex(conn)
		slog.Warn("Connection re-authenticated as different user",
			"conn_id", c.id, "old_user_id", conn.userID, "new_user_id", c.userID)
	}

	conn.userID = c.userID
	if !conn.authenticated {
		conn.authenticated = true
		metrics.HubAuthenticatedConnections.Inc()
	}

	byConn := h.byUser[c.userID]
	if byConn == nil {
		byConn = make(map[string]*connection)
		h.byUser[c.userID] = byConn
	}
	byConn[c.id] = conn

	slog.Debug("Connection authenticated", "conn_id", c.id, "user_id", c.userID)
}

func (h *Hub) handleSubscribe(c subscribeCmd) {
	conn, ok := h.conns[c.id]
	if !ok {
		return
	}
	if _, already := conn.subscriptions[c.channel]; already {
		return
	}

	conn.subscriptions[c.channel] = struct{}{}

	// Channels exist implicitly: the index entry is created on first
	// subscribe and deleted when the subscriber set goes empty.
	subs := h.byChannel[c.channel]
	if subs == nil {
		subs = make(map[string]*connection)
		h.byChannel[c.channel] = subs
	}
	subs[c.id] = conn

	metrics.HubChannelSubscriptions.Inc()
	slog.Debug("Subscribed", "conn_id", c.id, "channel", c.channel, "subscribers", len(subs))
}

func (h *Hub) handleUnsubscribe(c unsubscribeCmd) {
	conn, ok := h.conns[c.id]
	if !ok {
		return
	}
	if _, subscribed := conn.subscriptions[c.channel]; !subscribed {
		return
	}

	delete(conn.subscriptions, c.channel)
	h.dropFromChannelIndex(conn, c.channel)
	metrics.HubChannelSubscriptions.Dec()
}

func (h *Hub) handleRemove(id string) {
	conn, ok := h.conns[id]
	if !ok {
		return
	}

	conn.writer.stop()
	h.prune(conn)
	slog.Debug("Connection removed", "conn_id", id, "total", len(h.conns))
}

func (h *Hub) handleDisconnect(c disconnectCmd) {
	conn, ok := h.conns[c.id]
	if !ok {
		c.replyChannel <- false
		return
	}

	conn.writer.stopGraceful(c.reason)
	h.prune(conn)
	slog.Info("Connection disconnected administratively", "conn_id", c.id, "reason", c.reason)
	c.replyChannel <- true
}

// prune removes the connection from the primary map and every index entry
// referencing it, synchronously.
func (h *Hub) prune(conn *connection) {
	delete(h.conns, conn.id)
	h.dropFromUserIndex(conn)
	for channel := range conn.subscriptions {
		h.dropFromChannelIndex(conn, channel)
		metrics.HubChannelSubscriptions.Dec()
	}

	metrics.HubActiveConnections.WithLabelValues(string(conn.connType)).Dec()
	if conn.authenticated {
		metrics.HubAuthenticatedConnections.Dec()
	}
}

func (h *Hub) dropFromUserIndex(conn *connection) {
	if conn.userID == "" {
		return
	}
	if byConn := h.byUser[conn.userID]; byConn != nil {
		delete(byConn, conn.id)
		if len(byConn) == 0 {
			delete(h.byUser, conn.userID)
		}
	}
}

func (h *Hub) dropFromChannelIndex(conn *connection, channel string) {
	if subs := h.byChannel[channel]; subs != nil {
		delete(subs, conn.id)
		if len(subs) == 0 {
			delete(h.byChannel, channel)
		}
	}
}

func (h *Hub) handleBroadcastAll(c broadcastAllCmd) {
	delivered := 0
	for _, conn := range h.conns {
		if h.send(conn, c.data) {
			delivered++
		}
	}
	metrics.HubMessagesSent.WithLabelValues("all").Add(float64(delivered))
}

func (h *Hub) handleSendToUser(c sendToUserCmd) {
	byConn, ok := h.byUser[c.userID]
	if !ok {
		// No connected devices for this user. Nothing is queued.
		return
	}
	delivered := 0
	for _, conn := range byConn {
		if h.send(conn, c.data) {
			delivered++
		}
	}
	metrics.HubMessagesSent.WithLabelValues("user").Add(float64(delivered))
}

func (h *Hub) handleBroadcastChannel(c broadcastChannelCmd) {
	subs, ok := h.byChannel[c.channel]
	if !ok {
		return
	}
	delivered := 0
	for _, conn := range subs {
		if h.send(conn, c.data) {
			delivered++
		}
	}
	metrics.HubMessagesSent.WithLabelValues("channel").Add(float64(delivered))
}

func (h *Hub) handleSendToConn(c sendToConnCmd) {
	conn, ok := h.conns[c.id]
	if !ok {
		c.replyChannel <- false
		return
	}
	sent := h.send(conn, c.data)
	if sent {
		metrics.HubMessagesSent.WithLabelValues("direct").Inc()
	}
	c.replyChannel <- sent
}

// send hands data to the connection's writer. A dead writer is a harmless
// miss (the socket already failed and the read loop will remove it); a full
// send buffer marks the client slow and evicts it.
func (h *Hub) send(conn *connection, data []byte) bool {
	if !conn.writer.alive() {
		return false
	}

	select {
	case conn.writer.sendChannel <- data:
		return true
	default:
		slog.Warn("Disconnecting slow client", "conn_id", conn.id, "user_id", conn.userID)
		metrics.HubSlowClientsEvicted.Inc()
		conn.writer.stop()
		h.prune(conn)
		return false
	}
}

func (h *Hub) snapshot() []domain.ConnectionInfo {
	infos := make([]domain.ConnectionInfo, 0, len(h.conns))
	for _, conn := range h.conns {
		subs := make([]string, 0, len(conn.subscriptions))
		for channel := range conn.subscriptions {
			subs = append(subs, channel)
		}
		sort.Strings(subs)

		infos = append(infos, domain.ConnectionInfo{
			ID:            conn.id,
			UserID:        conn.userID,
			Type:          conn.connType,
			Authenticated: conn.authenticated,
			Subscriptions: subs,
			ConnectedAt:   conn.connectedAt,
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].ConnectedAt.Equal(infos[j].ConnectedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

func (h *Hub) stats() domain.HubStats {
	stats := domain.HubStats{Channels: make(map[string]int, len(h.byChannel))}
	stats.Total = len(h.conns)
	for _, conn := range h.conns {
		if conn.authenticated {
			stats.Authenticated++
		}
		switch conn.connType {
		case domain.ConnectionTypeAdmin:
			stats.Admins++
		default:
			stats.Clients++
		}
	}
	for channel, subs := range h.byChannel {
		stats.Channels[channel] = len(subs)
	}
	return stats
}

func (h *Hub) handleStop() {
	slog.Info("Hub shutting down", "connections", len(h.conns))
	h.closeAll("Server shutting down")
	slog.Info("Hub shutdown complete")
}

func (h *Hub) closeAll(reason string) {
	for _, conn := range h.conns {
		conn.writer.stopGraceful(reason)
		h.prune(conn)
	}
}
