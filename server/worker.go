//go:build linux

package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/touka-aoi/udp-endpoint/core/event"
	toukaerrors "github.com/touka-aoi/udp-endpoint/core/errors"
	"github.com/touka-aoi/udp-endpoint/protocol"
	"github.com/touka-aoi/udp-endpoint/server/peer"
	"github.com/touka-aoi/udp-endpoint/transport"
	"golang.org/x/sys/unix"
)

// Serve is the worker loop. It runs until ctx is cancelled or the socket
// fails, and closes Done on return.
func (e *Endpoint) Serve(ctx context.Context) {
	defer close(e.done)

	fds := []int32{e.listener.Fd()}
	scratch := e.allocator.Alloc(e.config.MaxDatagramSize)
	defer scratch.Release()

	var fatal error
	lastMaintenance := time.Now()

	for fatal == nil && ctx.Err() == nil {
		ev, results, err := e.selector.Wait(event.OP_READ, fds, e.config.TimeoutProbeInterval)

		switch ev {
		case event.EVENT_READY:
			for _, res := range results {
				if res.Err != nil {
					fatal = fmt.Errorf("%w: %w", toukaerrors.ErrFatalSocket, res.Err)
					break
				}
				if err := e.drain(ctx, scratch.Bytes()); err != nil {
					fatal = err
					break
				}
			}
		case event.EVENT_BUSY:
			now := time.Now()
			e.maintain(ctx, now)
			lastMaintenance = now
		case event.EVENT_ERROR:
			fatal = fmt.Errorf("%w: selector: %w", toukaerrors.ErrFatalSocket, err)
		}

		// constant traffic keeps the selector from ever timing out
		if now := time.Now(); fatal == nil && now.Sub(lastMaintenance) >= e.config.TimeoutProbeInterval {
			e.maintain(ctx, now)
			lastMaintenance = now
		}
	}

	if fatal != nil && ctx.Err() == nil {
		e.logger.ErrorContext(ctx, "Worker stopped", "error", fatal)
		if eh, ok := e.handler.(transport.ErrorHandler); ok {
			eh.HandleEndpointError(e, fatal)
		}
		return
	}
	e.logger.DebugContext(ctx, "Worker finished")
}

// drain reads datagrams until the socket has nothing queued.
func (e *Endpoint) drain(ctx context.Context, buf []byte) error {
	for ctx.Err() == nil {
		n, from, err := e.listener.RecvFrom(buf)
		if errors.Is(err, toukaerrors.ErrWouldBlock) {
			return nil
		}
		if err != nil {
			if isFatalSocketError(err) {
				return fmt.Errorf("%w: recv: %w", toukaerrors.ErrFatalSocket, err)
			}
			e.logger.WarnContext(ctx, "Failed to receive datagram", "error", err)
			return nil
		}
		e.processDatagram(ctx, from, buf[:n])
	}
	return nil
}

func isFatalSocketError(err error) bool {
	return errors.Is(err, unix.EBADF) ||
		errors.Is(err, unix.ENOTSOCK) ||
		errors.Is(err, unix.EINVAL) ||
		errors.Is(err, toukaerrors.ErrClosed)
}

// maintain runs handshake retries, pings and liveness timeouts.
func (e *Endpoint) maintain(ctx context.Context, now time.Time) {
	retry, failed := e.handshakes.due(now)
	for _, p := range retry {
		conn := e.lookup(p.id)
		if conn == nil {
			continue
		}
		e.logger.InfoContext(ctx, "Retrying connection", connAttrs(conn), "retries_left", p.retriesLeft)
		e.sendControl(conn, protocol.TypeConnect)
	}
	for _, p := range failed {
		conn := e.lookup(p.id)
		if conn == nil || conn.Status() != peer.StateUnconfirmed {
			continue
		}
		e.closeConnection(conn, toukaerrors.ErrHandshakeTimeout.Error())
	}

	var pings, expired []*peer.Connection
	e.connMu.RLock()
	for _, conn := range e.connections {
		switch {
		case conn.Connected() && conn.TimedOut(now):
			expired = append(expired, conn)
		case conn.Connected() && conn.PingDue(now):
			pings = append(pings, conn)
		case conn.Status() == peer.StateUnconfirmed && !conn.IsInitiator() && conn.TimedOut(now):
			// provisional connection created by unsolicited data
			expired = append(expired, conn)
		}
	}
	e.connMu.RUnlock()

	for _, conn := range pings {
		e.logger.DebugContext(ctx, "Sending ping", connAttrs(conn))
		e.sendControl(conn, protocol.TypeTimeoutProbe)
		conn.SchedulePing(now, e.config.TimeoutProbeInterval)
	}

	for _, conn := range expired {
		e.logger.InfoContext(ctx, "Sending disconnect due to timeout", connAttrs(conn))
		e.sendControl(conn, protocol.TypeDisconnect)
		e.closeConnection(conn, toukaerrors.ErrLivenessTimeout.Error())
	}
}
