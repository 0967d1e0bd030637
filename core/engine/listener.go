//go:build linux

package engine

import (
	"fmt"
	"net/netip"

	"github.com/touka-aoi/udp-endpoint/core/core"
	toukaerrors "github.com/touka-aoi/udp-endpoint/core/errors"
)

// Listener is the datagram socket an endpoint serves on.
type Listener interface {
	SendTo(b []byte, address netip.AddrPort) (int, error)
	RecvFrom(buf []byte) (int, netip.AddrPort, error)
	Fd() int32
	LocalAddr() netip.AddrPort
	Close() error
}

var _ Listener = (*UDPListener)(nil)

// UDPListener is a bound, non-blocking datagram socket ready for a Selector.
type UDPListener struct {
	socket *core.UDPSocket
}

// ListenUDP opens a socket on address, switches it to non-blocking mode and
// sets whether the kernel may fragment outgoing datagrams. Every failure
// wraps ErrSocketOpen and leaves no socket behind.
func ListenUDP(address netip.AddrPort, allowFragmentation bool) (*UDPListener, error) {
	s, err := core.OpenUDP(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", toukaerrors.ErrSocketOpen, address, err)
	}

	if err := s.SetBlocking(false); err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: set non-blocking: %w", toukaerrors.ErrSocketOpen, err)
	}

	if err := s.AllowFragmentation(allowFragmentation); err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: set fragmentation: %w", toukaerrors.ErrSocketOpen, err)
	}

	return &UDPListener{
		socket: s,
	}, nil
}

func (l *UDPListener) SendTo(b []byte, address netip.AddrPort) (int, error) {
	return l.socket.SendTo(b, address)
}

func (l *UDPListener) RecvFrom(buf []byte) (int, netip.AddrPort, error) {
	return l.socket.RecvFrom(buf)
}

func (l *UDPListener) LocalAddr() netip.AddrPort {
	return l.socket.LocalAddr()
}

func (l *UDPListener) Close() error {
	err := l.socket.Close()
	if err != nil {
		return err
	}
	return nil
}

func (l *UDPListener) Fd() int32 {
	return l.socket.Fd()
}
