package server

import (
	"net/netip"
	"sync"
	"time"

	"github.com/touka-aoi/udp-endpoint/server/peer"
)

// pendingHandshake tracks an outbound Connect awaiting Acknowledge. The
// connection itself lives in the endpoint's tables; only its id is kept here.
type pendingHandshake struct {
	id             peer.ConnectionID
	address        netip.AddrPort
	retriesLeft    int
	attemptTimeout time.Duration
	timeoutPoint   time.Time
}

type handshakeTracker struct {
	mu      sync.Mutex
	pending []*pendingHandshake
}

func (t *handshakeTracker) add(p *pendingHandshake) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, p)
}

// remove drops the handshake for id and reports whether one existed.
func (t *handshakeTracker) remove(id peer.ConnectionID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, p := range t.pending {
		if p.id == id {
			t.pending[i] = t.pending[len(t.pending)-1]
			t.pending[len(t.pending)-1] = nil
			t.pending = t.pending[:len(t.pending)-1]
			return true
		}
	}
	return false
}

func (t *handshakeTracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// due returns the handshakes whose attempt timed out at now. Those with
// retries left are rescheduled and returned in retry; the rest are removed
// and returned in failed. Nothing is sent while the lock is held.
func (t *handshakeTracker) due(now time.Time) (retry, failed []pendingHandshake) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := len(t.pending) - 1; i >= 0; i-- {
		p := t.pending[i]
		if now.Before(p.timeoutPoint) {
			continue
		}
		if p.retriesLeft > 0 {
			p.retriesLeft--
			p.timeoutPoint = now.Add(p.attemptTimeout)
			retry = append(retry, *p)
			continue
		}
		failed = append(failed, *p)
		t.pending[i] = t.pending[len(t.pending)-1]
		t.pending[len(t.pending)-1] = nil
		t.pending = t.pending[:len(t.pending)-1]
	}
	return retry, failed
}

func (t *handshakeTracker) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.pending)
	t.pending = t.pending[:0]
}
