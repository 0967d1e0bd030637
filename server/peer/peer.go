package peer

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/touka-aoi/udp-endpoint/core/buffer"
	"github.com/touka-aoi/udp-endpoint/protocol"
)

// ConnectionID identifies a Connection for the lifetime of its Endpoint.
// Zero is never assigned.
type ConnectionID uint32

// Connection is the state kept for one remote peer.
//
// Address, id, mtu and the initiator flag never change after creation.
// Timing points are written only by the endpoint worker once the connection
// is published. The reassembly state is guarded by mu.
type Connection struct {
	SessionID string
	id        ConnectionID
	address   netip.AddrPort
	mtu       int
	initiator bool
	status    atomic.Int32

	nextSequence  atomic.Uint32
	timeoutPoint  atomic.Int64
	nextPingPoint atomic.Int64

	mu             sync.Mutex
	watermark      uint32
	fragments      []*buffer.Block
	fragmentsTotal uint32
	collectTotal   uint32

	Stats Stats
}

func NewConnection(id ConnectionID, address netip.AddrPort, mtu int, initiator bool, now time.Time) *Connection {
	c := &Connection{
		SessionID: uuid.NewString(),
		id:        id,
		address:   address,
		mtu:       mtu,
		initiator: initiator,
	}
	c.Stats.Reset(now)
	return c
}

func (c *Connection) ID() ConnectionID {
	return c.id
}

func (c *Connection) RemoteAddr() netip.AddrPort {
	return c.address
}

// IsInitiator reports whether this side sent the Connect.
func (c *Connection) IsInitiator() bool {
	return c.initiator
}

func (c *Connection) Status() ConnState {
	return ConnState(c.status.Load())
}

func (c *Connection) Connected() bool {
	return c.Status() == StateConnected
}

// Close marks the connection closed and returns the state it was in.
func (c *Connection) Close() ConnState {
	return ConnState(c.status.Swap(int32(StateClosed)))
}

// Transition moves the connection from old to next and reports whether it did.
func (c *Connection) Transition(old, next ConnState) bool {
	return c.status.CompareAndSwap(int32(old), int32(next))
}

// NextSequenceNumber allocates the sequence number of the next outgoing message.
func (c *Connection) NextSequenceNumber() uint32 {
	return c.nextSequence.Add(1)
}

// MaxFragmentPayload is the per-datagram payload limit towards this peer.
func (c *Connection) MaxFragmentPayload() int {
	return protocol.MaxFragmentPayload(c.mtu, c.address)
}

// Touch pushes both the liveness deadline and the next ping out from now.
func (c *Connection) Touch(now time.Time, timeout, probeInterval time.Duration) {
	c.timeoutPoint.Store(now.Add(timeout).UnixNano())
	c.nextPingPoint.Store(now.Add(probeInterval).UnixNano())
}

// Refresh pushes only the liveness deadline out from now. The ping schedule
// is left to SchedulePing.
func (c *Connection) Refresh(now time.Time, timeout time.Duration) {
	c.timeoutPoint.Store(now.Add(timeout).UnixNano())
}

func (c *Connection) SchedulePing(now time.Time, probeInterval time.Duration) {
	c.nextPingPoint.Store(now.Add(probeInterval).UnixNano())
}

func (c *Connection) TimedOut(now time.Time) bool {
	return now.UnixNano() >= c.timeoutPoint.Load()
}

func (c *Connection) PingDue(now time.Time) bool {
	return now.UnixNano() >= c.nextPingPoint.Load()
}
