//go:build linux

package core

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	toukaerrors "github.com/touka-aoi/udp-endpoint/core/errors"
	"golang.org/x/sys/unix"
)

// UDPSocket is a raw datagram socket. SendTo and RecvFrom may be called
// concurrently from different goroutines and with Close. The fd number is
// only used while mu is read-held, so Close cannot free it mid-syscall.
type UDPSocket struct {
	fd        int32
	family    int
	localAddr netip.AddrPort

	mu     sync.RWMutex
	closed bool
}

// CreateUDPSocket opens a non-blocking datagram socket for the family of address.
func CreateUDPSocket(address netip.AddrPort) (*UDPSocket, error) {
	family := unix.AF_INET
	if address.Addr().Is6() && !address.Addr().Is4In6() {
		family = unix.AF_INET6
	}

	fd, err := unix.Socket(family, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.IPPROTO_UDP)
	if err != nil {
		slog.Error("Failed to create socket", "family", family, "err", err)
		return nil, err
	}

	return &UDPSocket{fd: int32(fd), family: family}, nil
}

// OpenUDP creates a socket and binds it to address.
func OpenUDP(address netip.AddrPort) (*UDPSocket, error) {
	s, err := CreateUDPSocket(address)
	if err != nil {
		return nil, err
	}
	if err := s.Bind(address); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *UDPSocket) Bind(address netip.AddrPort) error {
	// https://man7.org/linux/man-pages/man2/bind.2.html
	sa, err := s.sockaddr(address)
	if err != nil {
		return err
	}
	if err := unix.Bind(int(s.fd), sa); err != nil {
		return fmt.Errorf("bind %s: %w", address, err)
	}

	// port 0 の場合はカーネルが割り当てたポートを取得する
	local, err := unix.Getsockname(int(s.fd))
	if err != nil {
		return fmt.Errorf("getsockname: %w", err)
	}
	s.localAddr, err = addrFromSockaddr(local)
	return err
}

// SetBlocking switches the socket between blocking and non-blocking mode.
func (s *UDPSocket) SetBlocking(blocking bool) error {
	return unix.SetNonblock(int(s.fd), !blocking)
}

// AllowFragmentation controls IP-level fragmentation. When disallowed the
// kernel sets DF and oversized sends fail with EMSGSIZE instead of being split.
func (s *UDPSocket) AllowFragmentation(allow bool) error {
	if s.family == unix.AF_INET6 {
		mode := unix.IPV6_PMTUDISC_DO
		if allow {
			mode = unix.IPV6_PMTUDISC_DONT
		}
		return unix.SetsockoptInt(int(s.fd), unix.IPPROTO_IPV6, unix.IPV6_MTU_DISCOVER, mode)
	}

	mode := unix.IP_PMTUDISC_DO
	if allow {
		mode = unix.IP_PMTUDISC_DONT
	}
	return unix.SetsockoptInt(int(s.fd), unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, mode)
}

// SendTo writes one datagram. A full send buffer is reported as ErrWouldBlock.
func (s *UDPSocket) SendTo(b []byte, address netip.AddrPort) (int, error) {
	sa, err := s.sockaddr(address)
	if err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, toukaerrors.ErrClosed
	}
	for {
		err = unix.Sendto(int(s.fd), b, 0, sa)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		break
	}
	if errors.Is(err, unix.EAGAIN) {
		return 0, toukaerrors.ErrWouldBlock
	}
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// RecvFrom reads one datagram into buf. ErrWouldBlock means nothing is queued.
func (s *UDPSocket) RecvFrom(buf []byte) (int, netip.AddrPort, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, netip.AddrPort{}, toukaerrors.ErrClosed
	}
	for {
		n, from, err := unix.Recvfrom(int(s.fd), buf, 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EAGAIN) {
			return 0, netip.AddrPort{}, toukaerrors.ErrWouldBlock
		}
		if err != nil {
			return 0, netip.AddrPort{}, err
		}
		addr, err := addrFromSockaddr(from)
		if err != nil {
			return 0, netip.AddrPort{}, err
		}
		return n, addr, nil
	}
}

func (s *UDPSocket) Fd() int32 {
	return s.fd
}

func (s *UDPSocket) LocalAddr() netip.AddrPort {
	return s.localAddr
}

// Close waits for in-flight sends and receives, then closes the fd. Closing
// twice is a no-op.
func (s *UDPSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(int(s.fd))
}

func (s *UDPSocket) sockaddr(address netip.AddrPort) (unix.Sockaddr, error) {
	ip := address.Addr().Unmap()
	port := int(address.Port())

	switch s.family {
	case unix.AF_INET:
		if !ip.Is4() {
			return nil, unix.EAFNOSUPPORT
		}
		return &unix.SockaddrInet4{Port: port, Addr: ip.As4()}, nil
	case unix.AF_INET6:
		return &unix.SockaddrInet6{Port: port, Addr: address.Addr().As16()}, nil
	}
	return nil, unix.EAFNOSUPPORT
}

func addrFromSockaddr(sa unix.Sockaddr) (netip.AddrPort, error) {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		ip := netip.AddrFrom4(addr.Addr)
		return netip.AddrPortFrom(ip, uint16(addr.Port)), nil
	case *unix.SockaddrInet6:
		// v4-mapped は v4 として扱う
		ip := netip.AddrFrom16(addr.Addr).Unmap()
		return netip.AddrPortFrom(ip, uint16(addr.Port)), nil
	default:
		return netip.AddrPort{}, unix.EAFNOSUPPORT
	}
}
