//go:build linux

package event

import "fmt"

// Op selects which readiness a Selector waits for.
type Op int

const (
	OP_READ Op = iota
	OP_WRITE
)

func (op Op) String() string {
	switch op {
	case OP_READ:
		return "OP_READ"
	case OP_WRITE:
		return "OP_WRITE"
	default:
		return fmt.Sprintf("UNKNOWN: %d", op)
	}
}

// SelectorEvent is the outcome of one Selector wait.
type SelectorEvent int

const (
	// EVENT_READY means at least one socket has a result to inspect.
	EVENT_READY SelectorEvent = iota
	// EVENT_BUSY means the timeout elapsed with nothing ready.
	EVENT_BUSY
	// EVENT_ERROR means the wait itself failed.
	EVENT_ERROR
)

func (ev SelectorEvent) String() string {
	switch ev {
	case EVENT_READY:
		return "EVENT_READY"
	case EVENT_BUSY:
		return "EVENT_BUSY"
	case EVENT_ERROR:
		return "EVENT_ERROR"
	default:
		return fmt.Sprintf("UNKNOWN: %d", ev)
	}
}
