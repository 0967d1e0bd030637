//go:build linux

package server

import (
	"context"
	"errors"
	"net/netip"
	"time"

	toukaerrors "github.com/touka-aoi/udp-endpoint/core/errors"
	"github.com/touka-aoi/udp-endpoint/protocol"
	"github.com/touka-aoi/udp-endpoint/server/peer"
)

// processDatagram handles one received datagram on the worker goroutine.
func (e *Endpoint) processDatagram(ctx context.Context, from netip.AddrPort, b []byte) {
	from = normalize(from)

	pkt, err := protocol.Decode(b)
	if err != nil {
		e.violations.Add(1)
		e.logger.DebugContext(ctx, "Dropping malformed datagram", "addr", from, "size", len(b), "error", err)
		return
	}

	now := time.Now()
	conn := e.lookupOrAccept(ctx, from, pkt.Type, now)
	if conn == nil {
		e.logger.DebugContext(ctx, "Dropping packet from unknown address", "addr", from, "type", pkt.Type)
		return
	}
	conn.Stats.PacketsReceived.Add(1)

	switch pkt.Type {
	case protocol.TypeConnect:
		e.handleConnect(ctx, conn)
	case protocol.TypeAcknowledge:
		e.handleAck(ctx, conn)
	case protocol.TypeData:
		e.handleData(ctx, conn, pkt)
	case protocol.TypeDisconnect:
		e.logger.InfoContext(ctx, "Remote disconnected", connAttrs(conn))
		e.closeConnection(conn, "remote disconnect")
	case protocol.TypeTimeoutProbe:
		e.logger.DebugContext(ctx, "Received ping", connAttrs(conn))
	}
}

// lookupOrAccept finds the connection for from and refreshes its deadline. An
// unknown address gets a new connection only for Connect, or for Data when
// unsolicited data is allowed.
func (e *Endpoint) lookupOrAccept(ctx context.Context, from netip.AddrPort, t protocol.Type, now time.Time) *peer.Connection {
	if conn := e.lookupAddress(from); conn != nil {
		conn.Refresh(now, e.config.ConnectionTimeout)
		return conn
	}

	switch {
	case t == protocol.TypeConnect:
	case t == protocol.TypeData && e.config.AllowUnsolicitedData:
	default:
		return nil
	}

	e.connMu.Lock()
	if id, ok := e.byAddress[from]; ok {
		conn := e.connections[id]
		e.connMu.Unlock()
		conn.Refresh(now, e.config.ConnectionTimeout)
		return conn
	}
	id := peer.ConnectionID(e.nextID.Add(1))
	conn := peer.NewConnection(id, from, e.config.MaxMTU, false, now)
	conn.Touch(now, e.config.ConnectionTimeout, e.config.TimeoutProbeInterval)
	e.connections[id] = conn
	e.byAddress[from] = id
	e.connMu.Unlock()

	e.logger.DebugContext(ctx, "Accepted new address", connAttrs(conn), "type", t)
	return conn
}

func (e *Endpoint) handleConnect(ctx context.Context, conn *peer.Connection) {
	if conn.IsInitiator() {
		// both sides dialed each other; ours is still in flight
		e.logger.WarnContext(ctx, "Ignoring connect on outgoing connection", connAttrs(conn))
		return
	}

	if conn.Transition(peer.StateUnconfirmed, peer.StateConnected) {
		e.logger.InfoContext(ctx, "Accepted connection", connAttrs(conn))
		e.handler.HandleConnectionRequest(e, conn.RemoteAddr(), conn.ID())
	}

	// a repeated Connect means our Ack was lost
	if conn.Connected() {
		e.sendControl(conn, protocol.TypeAcknowledge)
	}
}

func (e *Endpoint) handleAck(ctx context.Context, conn *peer.Connection) {
	if !conn.IsInitiator() {
		e.logger.DebugContext(ctx, "Ignoring ack on incoming connection", connAttrs(conn))
		return
	}
	if !conn.Transition(peer.StateUnconfirmed, peer.StateConnected) {
		return
	}
	e.handshakes.remove(conn.ID())
	e.logger.InfoContext(ctx, "Connected", connAttrs(conn))
	e.handler.HandleConnectionSucceeded(e, conn.RemoteAddr(), conn.ID())
}

// handleData feeds a fragment into reassembly whatever the connection state.
// A peer may send right after accepting, so Data can overtake its Ack.
func (e *Endpoint) handleData(ctx context.Context, conn *peer.Connection, pkt protocol.Packet) {
	if int64(pkt.Data.TotalSize) > int64(e.config.MaxMessageSize) {
		e.violations.Add(1)
		e.logger.DebugContext(ctx, "Dropping fragment of oversized message", connAttrs(conn),
			"seq", pkt.Data.SequenceNumber,
			"total", pkt.Data.TotalSize,
		)
		return
	}

	frag := e.allocator.Alloc(len(pkt.Payload))
	copy(frag.Bytes(), pkt.Payload)

	msg, err := conn.Receive(pkt.Data, frag, e.allocator)
	if err != nil {
		if errors.Is(err, toukaerrors.ErrProtocolViolation) {
			e.violations.Add(1)
		}
		e.logger.DebugContext(ctx, "Dropping fragment", connAttrs(conn),
			"seq", pkt.Data.SequenceNumber,
			"fragment", pkt.Data.FragmentIndex,
			"error", err,
		)
		return
	}
	if msg == nil {
		return
	}

	e.logger.DebugContext(ctx, "Delivering message", connAttrs(conn), "seq", pkt.Data.SequenceNumber, "size", msg.Len())
	e.handler.HandleConnectionData(e, conn.RemoteAddr(), conn.ID(), msg.Bytes())
	msg.Release()
}
