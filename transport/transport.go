package transport

import (
	"net/netip"

	"github.com/touka-aoi/udp-endpoint/server/peer"
)

// Endpoint is the part of an endpoint a Handler may call back into.
type Endpoint interface {
	Send(id peer.ConnectionID, data []byte) bool
	Disconnect(id peer.ConnectionID) bool
	LocalAddr() netip.AddrPort
}

// Handler receives connection lifecycle and data events.
//
// Receive-path events are delivered on the endpoint's worker goroutine, so a
// slow handler stalls all traffic. HandleConnectionClosed may also run on the
// goroutine that called Disconnect. The data slice passed to
// HandleConnectionData is only valid until the call returns.
type Handler interface {
	HandleConnectionRequest(ep Endpoint, addr netip.AddrPort, id peer.ConnectionID)
	HandleConnectionSucceeded(ep Endpoint, addr netip.AddrPort, id peer.ConnectionID)
	HandleConnectionClosed(ep Endpoint, addr netip.AddrPort, id peer.ConnectionID)
	HandleConnectionData(ep Endpoint, addr netip.AddrPort, id peer.ConnectionID, data []byte)
}

// ErrorHandler is optionally implemented by a Handler that wants to know
// when the endpoint worker stops on a fatal socket error.
type ErrorHandler interface {
	HandleEndpointError(ep Endpoint, err error)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are no-ops.
type HandlerFuncs struct {
	OnRequest   func(ep Endpoint, addr netip.AddrPort, id peer.ConnectionID)
	OnSucceeded func(ep Endpoint, addr netip.AddrPort, id peer.ConnectionID)
	OnClosed    func(ep Endpoint, addr netip.AddrPort, id peer.ConnectionID)
	OnData      func(ep Endpoint, addr netip.AddrPort, id peer.ConnectionID, data []byte)
	OnError     func(ep Endpoint, err error)
}

func (h HandlerFuncs) HandleConnectionRequest(ep Endpoint, addr netip.AddrPort, id peer.ConnectionID) {
	if h.OnRequest != nil {
		h.OnRequest(ep, addr, id)
	}
}

func (h HandlerFuncs) HandleConnectionSucceeded(ep Endpoint, addr netip.AddrPort, id peer.ConnectionID) {
	if h.OnSucceeded != nil {
		h.OnSucceeded(ep, addr, id)
	}
}

func (h HandlerFuncs) HandleConnectionClosed(ep Endpoint, addr netip.AddrPort, id peer.ConnectionID) {
	if h.OnClosed != nil {
		h.OnClosed(ep, addr, id)
	}
}

func (h HandlerFuncs) HandleConnectionData(ep Endpoint, addr netip.AddrPort, id peer.ConnectionID, data []byte) {
	if h.OnData != nil {
		h.OnData(ep, addr, id, data)
	}
}

func (h HandlerFuncs) HandleEndpointError(ep Endpoint, err error) {
	if h.OnError != nil {
		h.OnError(ep, err)
	}
}
