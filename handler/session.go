package handler

import (
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/touka-aoi/udp-endpoint/middleware"
	"github.com/touka-aoi/udp-endpoint/server/peer"
	"github.com/touka-aoi/udp-endpoint/transport"
)

const (
	maxConnections = 65535
)

// Session is what the SessionManager remembers about one connection.
type Session struct {
	ID       peer.ConnectionID
	Addr     netip.AddrPort
	Outgoing bool
	Since    time.Time
	Messages uint64
}

// SessionManager tracks open connections and runs every received message
// through a middleware pipeline, sending back whatever response it produces.
type SessionManager struct {
	pipeline *middleware.Pipeline
	logger   *slog.Logger

	mu          sync.Mutex
	connections map[peer.ConnectionID]*Session
	received    chan []byte
}

func NewSessionManager(pipeline *middleware.Pipeline, logger *slog.Logger) *SessionManager {
	if pipeline == nil {
		pipeline = middleware.NewPipeline()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		pipeline:    pipeline,
		logger:      logger,
		connections: make(map[peer.ConnectionID]*Session),
	}
}

// Received returns a channel that gets a copy of every message. Only the
// first call creates it; messages that do not fit its buffer are dropped.
func (sm *SessionManager) Received(size int) <-chan []byte {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.received == nil {
		sm.received = make(chan []byte, size)
	}
	return sm.received
}

func (sm *SessionManager) HandleConnectionRequest(ep transport.Endpoint, addr netip.AddrPort, id peer.ConnectionID) {
	if !sm.open(id, addr, false) {
		sm.logger.Warn("Too many sessions, disconnecting", "id", id, "addr", addr)
		ep.Disconnect(id)
		return
	}
	sm.logger.Info("Session opened", "id", id, "addr", addr)
}

func (sm *SessionManager) HandleConnectionSucceeded(ep transport.Endpoint, addr netip.AddrPort, id peer.ConnectionID) {
	if !sm.open(id, addr, true) {
		sm.logger.Warn("Too many sessions, disconnecting", "id", id, "addr", addr)
		ep.Disconnect(id)
		return
	}
	sm.logger.Info("Session established", "id", id, "addr", addr)
}

func (sm *SessionManager) HandleConnectionClosed(ep transport.Endpoint, addr netip.AddrPort, id peer.ConnectionID) {
	sm.mu.Lock()
	s, ok := sm.connections[id]
	delete(sm.connections, id)
	sm.mu.Unlock()

	if !ok {
		sm.logger.Info("Connection attempt failed", "id", id, "addr", addr)
		return
	}
	sm.logger.Info("Session closed", "id", id, "addr", addr, "messages", s.Messages, "duration", time.Since(s.Since))
}

func (sm *SessionManager) HandleConnectionData(ep transport.Endpoint, addr netip.AddrPort, id peer.ConnectionID, data []byte) {
	sm.mu.Lock()
	if s, ok := sm.connections[id]; ok {
		s.Messages++
	}
	received := sm.received
	sm.mu.Unlock()

	if received != nil {
		select {
		case received <- append([]byte(nil), data...):
		default:
			sm.logger.Warn("Dropping message, receiver is full", "id", id)
		}
	}

	ctx := middleware.NewContext(data, id, addr)
	if err := sm.pipeline.Execute(ctx); err != nil {
		sm.logger.Warn("Pipeline failed", "id", id, "addr", addr, "error", err)
		return
	}
	if ctx.Response == nil {
		return
	}
	if !ep.Send(id, ctx.Response) {
		sm.logger.Warn("Failed to send response", "id", id, "addr", addr, "size", len(ctx.Response))
	}
}

func (sm *SessionManager) HandleEndpointError(ep transport.Endpoint, err error) {
	sm.logger.Error("Endpoint stopped", "local", ep.LocalAddr(), "error", err)
}

// Session returns a copy of the session for id.
func (sm *SessionManager) Session(id peer.ConnectionID) (Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.connections[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.connections)
}

func (sm *SessionManager) open(id peer.ConnectionID, addr netip.AddrPort, outgoing bool) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if len(sm.connections) >= maxConnections {
		return false
	}
	sm.connections[id] = &Session{
		ID:       id,
		Addr:     addr,
		Outgoing: outgoing,
		Since:    time.Now(),
	}
	return true
}
