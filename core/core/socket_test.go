//go:build linux

package core

import (
	"errors"
	"net/netip"
	"sync"
	"testing"

	toukaerrors "github.com/touka-aoi/udp-endpoint/core/errors"
)

func openLoopback(t *testing.T) *UDPSocket {
	t.Helper()
	s, err := OpenUDP(netip.MustParseAddrPort("127.0.0.1:0"))
	if err != nil {
		t.Fatalf("OpenUDP: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenUDPResolvesPort(t *testing.T) {
	s := openLoopback(t)
	if s.LocalAddr().Port() == 0 {
		t.Fatal("expected kernel assigned port")
	}
	if s.LocalAddr().Addr() != netip.MustParseAddr("127.0.0.1") {
		t.Errorf("unexpected local address %s", s.LocalAddr())
	}
}

func TestSendRecv(t *testing.T) {
	a := openLoopback(t)
	b := openLoopback(t)

	buf := make([]byte, 64)
	if _, _, err := b.RecvFrom(buf); !errors.Is(err, toukaerrors.ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock on empty socket, got %v", err)
	}

	if _, err := a.SendTo([]byte("ping"), b.LocalAddr()); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	// loopback delivery is synchronous but the socket is non-blocking, so poll briefly
	var (
		n    int
		from netip.AddrPort
		err  error
	)
	for i := 0; i < 1000; i++ {
		n, from, err = b.RecvFrom(buf)
		if !errors.Is(err, toukaerrors.ErrWouldBlock) {
			break
		}
	}
	if err != nil {
		t.Fatalf("RecvFrom: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Errorf("expected ping, got %q", buf[:n])
	}
	if from != a.LocalAddr() {
		t.Errorf("expected sender %s, got %s", a.LocalAddr(), from)
	}
}

func TestBindInUse(t *testing.T) {
	a := openLoopback(t)
	if _, err := OpenUDP(a.LocalAddr()); err == nil {
		t.Fatal("expected bind to an address in use to fail")
	}
}

func TestCloseIdempotent(t *testing.T) {
	s, err := OpenUDP(netip.MustParseAddrPort("127.0.0.1:0"))
	if err != nil {
		t.Fatalf("OpenUDP: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := s.SendTo([]byte("x"), netip.MustParseAddrPort("127.0.0.1:9")); !errors.Is(err, toukaerrors.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestSockaddrFamily(t *testing.T) {
	s := openLoopback(t)
	if _, err := s.sockaddr(netip.MustParseAddrPort("[::1]:80")); err == nil {
		t.Error("expected v6 destination on a v4 socket to fail")
	}
	if _, err := s.sockaddr(netip.MustParseAddrPort("[::ffff:127.0.0.1]:80")); err != nil {
		t.Errorf("expected v4-mapped destination to work, got %v", err)
	}
}

func TestRecvAfterClose(t *testing.T) {
	s, err := OpenUDP(netip.MustParseAddrPort("127.0.0.1:0"))
	if err != nil {
		t.Fatalf("OpenUDP: %v", err)
	}
	s.Close()
	if _, _, err := s.RecvFrom(make([]byte, 8)); !errors.Is(err, toukaerrors.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestSendRacingClose(t *testing.T) {
	dst := openLoopback(t)
	s, err := OpenUDP(netip.MustParseAddrPort("127.0.0.1:0"))
	if err != nil {
		t.Fatalf("OpenUDP: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_, err := s.SendTo([]byte("x"), dst.LocalAddr())
				if err != nil && !errors.Is(err, toukaerrors.ErrClosed) && !errors.Is(err, toukaerrors.ErrWouldBlock) {
					t.Errorf("unexpected send error: %v", err)
					return
				}
			}
		}()
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	wg.Wait()

	// once Close returned, no send may reach the old fd number
	if _, err := s.SendTo([]byte("x"), dst.LocalAddr()); !errors.Is(err, toukaerrors.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
