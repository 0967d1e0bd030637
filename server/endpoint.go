//go:build linux

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/touka-aoi/udp-endpoint/core/buffer"
	"github.com/touka-aoi/udp-endpoint/core/engine"
	toukaerrors "github.com/touka-aoi/udp-endpoint/core/errors"
	"github.com/touka-aoi/udp-endpoint/protocol"
	"github.com/touka-aoi/udp-endpoint/server/peer"
	"github.com/touka-aoi/udp-endpoint/transport"
)

const (
	sendRetryLimit = 100
	sendRetryDelay = time.Millisecond
)

type SrvStatus int32

const (
	Idle SrvStatus = iota
	Running
	Draining
	Stopped
)

var stateName = map[SrvStatus]string{
	Idle:     "idle",
	Running:  "running",
	Draining: "draining",
	Stopped:  "stopped",
}

func (s SrvStatus) String() string {
	return stateName[s]
}

// Endpoint owns one UDP socket and every Connection multiplexed over it.
//
// Connect, Send, Disconnect and Close may be called from any goroutine. A
// single worker goroutine, started by Init, receives datagrams and runs
// handshake retries, pings and liveness timeouts.
type Endpoint struct {
	handler   transport.Handler
	config    Config
	logger    *slog.Logger
	allocator *buffer.BlockAllocator

	listener engine.Listener
	selector *engine.Selector
	address  netip.AddrPort
	cancel   context.CancelFunc
	done     chan struct{}
	status   atomic.Int32

	nextID atomic.Uint32

	connMu      sync.RWMutex
	connections map[peer.ConnectionID]*peer.Connection
	byAddress   map[netip.AddrPort]peer.ConnectionID

	handshakes handshakeTracker

	violations atomic.Uint64
}

func New(handler transport.Handler, opts ...Option) *Endpoint {
	cfg := endpointConfig{Config: DefaultConfig()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.allocator == nil {
		cfg.allocator = buffer.NewBlockAllocator()
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	return &Endpoint{
		handler:     handler,
		config:      cfg.Config,
		logger:      cfg.logger.With("endpoint", uuid.NewString()),
		allocator:   cfg.allocator,
		done:        make(chan struct{}),
		connections: make(map[peer.ConnectionID]*peer.Connection),
		byAddress:   make(map[netip.AddrPort]peer.ConnectionID),
	}
}

// Init binds the socket to listenAddress and starts the worker. A failure
// wraps ErrSocketOpen and starts nothing.
func (e *Endpoint) Init(listenAddress netip.AddrPort) error {
	if !e.status.CompareAndSwap(int32(Idle), int32(Running)) {
		return fmt.Errorf("endpoint is %s", e.Status())
	}

	listener, err := engine.ListenUDP(listenAddress, e.config.AllowIPFragmentation)
	if err != nil {
		e.logger.Error("Failed to open socket", "addr", listenAddress, "error", err)
		e.status.Store(int32(Idle))
		return err
	}

	selector, err := engine.NewSelector()
	if err != nil {
		listener.Close()
		e.status.Store(int32(Idle))
		return fmt.Errorf("%w: %w", toukaerrors.ErrSocketOpen, err)
	}

	e.listener = listener
	e.selector = selector
	e.address = listener.LocalAddr()
	e.logger = e.logger.With("local", e.address)

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go e.Serve(ctx)

	e.logger.Info("Listening on", "address", e.address)
	return nil
}

// Close stops the worker, waits for it to exit and drops every pending and
// active connection without notifying the handler. It must not be called
// concurrently with itself or from a handler callback.
func (e *Endpoint) Close() {
	if !e.status.CompareAndSwap(int32(Running), int32(Draining)) {
		return
	}

	e.cancel()
	if err := e.selector.Wake(); err != nil {
		e.logger.Warn("Failed to wake worker", "error", err)
	}
	<-e.done

	if err := e.listener.Close(); err != nil {
		e.logger.Warn("Failed to close socket", "error", err)
	}
	if err := e.selector.Close(); err != nil {
		e.logger.Warn("Failed to close selector", "error", err)
	}

	e.handshakes.clear()

	e.connMu.Lock()
	conns := make([]*peer.Connection, 0, len(e.connections))
	for _, conn := range e.connections {
		conns = append(conns, conn)
	}
	clear(e.connections)
	clear(e.byAddress)
	e.connMu.Unlock()

	for _, conn := range conns {
		if conn.Close() == peer.StateConnected {
			e.logger.Info("Dropping connection", connAttrs(conn), "stats", conn.Stats.Snapshot())
		}
		conn.ReleaseFragments()
	}

	e.status.Store(int32(Stopped))
	e.logger.Info("Endpoint closed")
}

// Connect starts a handshake with address and returns the new connection's
// id immediately. The outcome arrives later through HandleConnectionSucceeded
// or HandleConnectionClosed. An optional timeout replaces the wait between
// Connect attempts.
func (e *Endpoint) Connect(address netip.AddrPort, timeout ...time.Duration) peer.ConnectionID {
	address = normalize(address)
	id := peer.ConnectionID(e.nextID.Add(1))
	now := time.Now()

	conn := peer.NewConnection(id, address, e.config.MaxMTU, true, now)
	conn.Touch(now, e.config.ConnectionTimeout, e.config.TimeoutProbeInterval)
	e.logger.Info("Connecting", connAttrs(conn))

	attemptTimeout := e.config.TimeoutProbeInterval
	if len(timeout) > 0 && timeout[0] > 0 {
		attemptTimeout = timeout[0]
	}
	e.handshakes.add(&pendingHandshake{
		id:             id,
		address:        address,
		retriesLeft:    e.config.MaxConnectionRetries,
		attemptTimeout: attemptTimeout,
		timeoutPoint:   now.Add(attemptTimeout),
	})

	e.connMu.Lock()
	previous := e.detachAddressLocked(address)
	e.connections[id] = conn
	e.byAddress[address] = id
	e.connMu.Unlock()

	if previous != nil {
		e.finishClose(previous, "replaced by new connect")
	}

	e.sendControl(conn, protocol.TypeConnect)
	return id
}

// Send transmits data to a connected peer as one message, split into as many
// Data packets as the MTU requires. It returns false if id is not connected
// or data exceeds MaxMessageSize or what the wire can describe. Delivery is best effort.
func (e *Endpoint) Send(id peer.ConnectionID, data []byte) bool {
	conn := e.lookup(id)
	if conn == nil || !conn.Connected() {
		return false
	}

	maxPayload := conn.MaxFragmentPayload()
	if len(data) > e.config.MaxMessageSize || uint64(len(data)) > math.MaxUint32 || protocol.FragmentCount(len(data), maxPayload) > math.MaxUint16+1 {
		e.logger.Warn("Message too large", connAttrs(conn), "size", len(data))
		return false
	}

	seq := conn.NextSequenceNumber()
	scratch := e.allocator.Alloc(protocol.HeaderSize + protocol.DataHeaderSize + maxPayload)
	defer scratch.Release()

	for _, frag := range protocol.Fragment(seq, data, maxPayload) {
		pkt := protocol.AppendData(scratch.Bytes()[:0], frag.Header, frag.Payload)
		if err := e.sendRaw(pkt, conn.RemoteAddr()); err != nil {
			e.logger.Warn("Failed to send fragment", connAttrs(conn), "seq", seq, "fragment", frag.Header.FragmentIndex, "error", err)
		}
		conn.Stats.PacketsSent.Add(1)
		conn.Stats.FragmentsSent.Add(1)
	}

	conn.Stats.DataPacketsSent.Add(1)
	conn.Stats.BytesSent.Add(uint64(len(data)))
	return true
}

// Disconnect sends a Disconnect to the peer, forgets the connection and
// reports HandleConnectionClosed on the calling goroutine. It returns false
// if id is unknown.
func (e *Endpoint) Disconnect(id peer.ConnectionID) bool {
	conn := e.lookup(id)
	if conn == nil {
		return false
	}

	e.logger.Info("Sending disconnect", connAttrs(conn))
	e.sendControl(conn, protocol.TypeDisconnect)
	return e.closeConnection(conn, "local disconnect")
}

func (e *Endpoint) LocalAddr() netip.AddrPort {
	return e.address
}

func (e *Endpoint) Status() SrvStatus {
	return SrvStatus(e.status.Load())
}

// Done is closed when the worker goroutine exits.
func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}

// Stats returns the counters of an active connection.
func (e *Endpoint) Stats(id peer.ConnectionID) (peer.StatsSnapshot, bool) {
	conn := e.lookup(id)
	if conn == nil {
		return peer.StatsSnapshot{}, false
	}
	return conn.Stats.Snapshot(), true
}

// Connections lists the ids of every connection in the tables, confirmed or not.
func (e *Endpoint) Connections() []peer.ConnectionID {
	e.connMu.RLock()
	defer e.connMu.RUnlock()
	ids := make([]peer.ConnectionID, 0, len(e.connections))
	for id := range e.connections {
		ids = append(ids, id)
	}
	return ids
}

// ProtocolViolations counts datagrams dropped because they failed to decode.
func (e *Endpoint) ProtocolViolations() uint64 {
	return e.violations.Load()
}

func (e *Endpoint) lookup(id peer.ConnectionID) *peer.Connection {
	e.connMu.RLock()
	defer e.connMu.RUnlock()
	return e.connections[id]
}

func (e *Endpoint) lookupAddress(address netip.AddrPort) *peer.Connection {
	e.connMu.RLock()
	defer e.connMu.RUnlock()
	id, ok := e.byAddress[address]
	if !ok {
		return nil
	}
	return e.connections[id]
}

// detachAddressLocked removes the connection bound to address from both
// tables. connMu must be held for writing.
func (e *Endpoint) detachAddressLocked(address netip.AddrPort) *peer.Connection {
	id, ok := e.byAddress[address]
	if !ok {
		return nil
	}
	conn := e.connections[id]
	delete(e.byAddress, address)
	delete(e.connections, id)
	return conn
}

// closeConnection removes conn from the tables and, if this call removed it,
// finishes closing it. It reports whether it did.
func (e *Endpoint) closeConnection(conn *peer.Connection, reason string) bool {
	e.connMu.Lock()
	if e.connections[conn.ID()] != conn {
		e.connMu.Unlock()
		return false
	}
	delete(e.connections, conn.ID())
	if e.byAddress[conn.RemoteAddr()] == conn.ID() {
		delete(e.byAddress, conn.RemoteAddr())
	}
	e.connMu.Unlock()

	e.finishClose(conn, reason)
	return true
}

// finishClose runs once per connection, after it left the tables. The handler
// hears about connections that were connected and about initiated handshakes
// that never completed.
func (e *Endpoint) finishClose(conn *peer.Connection, reason string) {
	e.handshakes.remove(conn.ID())
	prev := conn.Close()
	conn.ReleaseFragments()

	switch {
	case prev == peer.StateConnected:
		e.logger.Info("Closing connection", connAttrs(conn), "reason", reason, "stats", conn.Stats.Snapshot())
	case prev == peer.StateUnconfirmed && conn.IsInitiator():
		e.logger.Info("Not able to connect", connAttrs(conn), "reason", reason)
	default:
		e.logger.Debug("Dropping unconfirmed connection", connAttrs(conn), "reason", reason)
		return
	}

	e.handler.HandleConnectionClosed(e, conn.RemoteAddr(), conn.ID())
}

func (e *Endpoint) sendControl(conn *peer.Connection, t protocol.Type) {
	var buf [protocol.HeaderSize]byte
	pkt := protocol.AppendControl(buf[:0], t)
	conn.Stats.PacketsSent.Add(1)
	if err := e.sendRaw(pkt, conn.RemoteAddr()); err != nil {
		e.logger.Warn("Failed to send control packet", connAttrs(conn), "type", t, "error", err)
	}
}

// sendRaw hands one datagram to the socket, waiting briefly while the send
// buffer is full.
func (e *Endpoint) sendRaw(b []byte, address netip.AddrPort) error {
	if e.listener == nil {
		return toukaerrors.ErrClosed
	}
	for attempt := 0; ; attempt++ {
		_, err := e.listener.SendTo(b, address)
		if err == nil {
			return nil
		}
		if !errors.Is(err, toukaerrors.ErrWouldBlock) {
			return fmt.Errorf("%w: %w", toukaerrors.ErrTransientSocket, err)
		}
		if attempt == sendRetryLimit {
			return fmt.Errorf("%w: send buffer full", toukaerrors.ErrTransientSocket)
		}
		time.Sleep(sendRetryDelay)
	}
}

func connAttrs(conn *peer.Connection) slog.Attr {
	return slog.Group("conn",
		"id", conn.ID(),
		"addr", conn.RemoteAddr(),
		"session", conn.SessionID,
	)
}

func normalize(address netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(address.Addr().Unmap(), address.Port())
}
