package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/vpnpanel/realtime/internal/metrics"
)

const (
	writeDeadline     = 5 * time.Second
	pingInterval      = 30 * time.Second
	pongDeadline      = 60 * time.Second
	idleTimeout       = 5 * time.Minute
	messageBufferSize = 16
)

// connWriter owns all writes to one socket. Messages are handed over through
// a buffered channel; a full buffer marks the client as slow and the hub
// evicts it. The writer also runs the ping/pong keepalive and idle timeout.
type connWriter struct {
	connection   *websocket.Conn
	clock        clockwork.Clock
	sendChannel  chan []byte
	doneChannel  chan struct{}
	deadChannel  chan struct{}
	deadOnce     sync.Once
	stopOnce     sync.Once
	wg           sync.WaitGroup
	lastActivity time.Time
	activityMu   sync.Mutex
}

func newConnWriter(connection *websocket.Conn, clock clockwork.Clock) *connWriter {
	cw := &connWriter{
		connection:   connection,
		clock:        clock,
		sendChannel:  make(chan []byte, messageBufferSize),
		doneChannel:  make(chan struct{}),
		deadChannel:  make(chan struct{}),
		lastActivity: clock.Now(),
	}
	cw.configurePongHandler()
	cw.wg.Add(1)
	go cw.run()
	return cw
}

func (cw *connWriter) run() {
	ticker := cw.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer cw.wg.Done()
	defer cw.markDead()

	for {
		select {
		case msg, ok := <-cw.sendChannel:
			if !ok {
				return
			}
			start := cw.clock.Now()
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			metrics.WebSocketMessageSendDuration.Observe(cw.clock.Since(start).Seconds())
		case <-ticker.Chan():
			if cw.idleFor() >= idleTimeout {
				metrics.WebSocketIdleDisconnects.Inc()
				return
			}
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				metrics.WebSocketPingFailures.Inc()
				return
			}
		case <-cw.doneChannel:
			return
		}
	}
}

// alive reports whether the write goroutine is still running. A dead writer
// means the socket already failed; sends to it are harmless misses.
func (cw *connWriter) alive() bool {
	select {
	case <-cw.deadChannel:
		return false
	default:
		return true
	}
}

func (cw *connWriter) markDead() {
	cw.deadOnce.Do(func() { close(cw.deadChannel) })
}

func (cw *connWriter) stop() {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)
		_ = cw.connection.Close()
	})
	cw.wg.Wait()
}

// stopGraceful sends a close frame with reason before closing the socket.
func (cw *connWriter) stopGraceful(reason string) {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)

		// The run goroutine must exit before the close frame is written,
		// otherwise two goroutines write to the same socket.
		cw.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		cw.updateWriteDeadline()
		_ = cw.connection.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = cw.connection.Close()
	})
	cw.wg.Wait()
}

func (cw *connWriter) configurePongHandler() {
	cw.updateReadDeadline()
	cw.connection.SetPongHandler(func(string) error {
		cw.updateReadDeadline()
		cw.recordActivity()
		return nil
	})
}

func (cw *connWriter) updateWriteDeadline() {
	_ = cw.connection.SetWriteDeadline(cw.clock.Now().Add(writeDeadline))
}

func (cw *connWriter) updateReadDeadline() {
	_ = cw.connection.SetReadDeadline(cw.clock.Now().Add(pongDeadline))
}

// recordActivity updates the last activity timestamp. Called from the pong
// handler and from the read loop on every inbound frame.
func (cw *connWriter) recordActivity() {
	cw.activityMu.Lock()
	defer cw.activityMu.Unlock()
	cw.lastActivity = cw.clock.Now()
}

func (cw *connWriter) idleFor() time.Duration {
	cw.activityMu.Lock()
	defer cw.activityMu.Unlock()
	return cw.clock.Since(cw.lastActivity)
}
