package terrr

import "errors"

// ErrWouldBlock は、非ブロッキング操作がすぐに完了できない場合に返されるエラー
var ErrWouldBlock = errors.New("operation would block")

var (
	// ErrSocketOpen is returned by Endpoint.Init when the socket cannot be created, bound or configured.
	ErrSocketOpen = errors.New("socket open failed")
	// ErrTransientSocket marks a single failed socket operation. The worker keeps running.
	ErrTransientSocket = errors.New("transient socket error")
	// ErrFatalSocket marks a socket that can no longer be used. The worker exits.
	ErrFatalSocket = errors.New("fatal socket error")
	// ErrProtocolViolation marks a malformed, size-mismatched or out-of-range packet.
	ErrProtocolViolation = errors.New("protocol violation")
	ErrHandshakeTimeout  = errors.New("handshake timed out")
	ErrLivenessTimeout   = errors.New("connection timed out")
	ErrClosed            = errors.New("endpoint closed")
)
