//go:build linux

package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/touka-aoi/udp-endpoint/core/event"
	"golang.org/x/sys/unix"
)

// Result is the per-socket outcome of a ready wait.
type Result struct {
	Fd  int32
	Err error
}

// Selector waits for readiness on a set of sockets with a bounded timeout.
// Wake may be called from any goroutine to interrupt a pending Wait.
type Selector struct {
	wakeFd  int
	pollFds []unix.PollFd
	results []Result
}

func NewSelector() (*Selector, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	return &Selector{wakeFd: fd}, nil
}

// Wait blocks until one of fds is ready for op, the timeout elapses or Wake
// is called. A wake with nothing else ready returns EVENT_READY and no results.
// The returned slice is reused by the next call.
func (s *Selector) Wait(op event.Op, fds []int32, timeout time.Duration) (event.SelectorEvent, []Result, error) {
	var events int16
	switch op {
	case event.OP_READ:
		events = unix.POLLIN
	case event.OP_WRITE:
		events = unix.POLLOUT
	default:
		return event.EVENT_ERROR, nil, fmt.Errorf("unsupported selector op %s", op)
	}

	s.pollFds = s.pollFds[:0]
	for _, fd := range fds {
		s.pollFds = append(s.pollFds, unix.PollFd{Fd: fd, Events: events})
	}
	s.pollFds = append(s.pollFds, unix.PollFd{Fd: int32(s.wakeFd), Events: unix.POLLIN})

	n, err := unix.Poll(s.pollFds, int(timeout.Milliseconds()))
	if errors.Is(err, unix.EINTR) {
		return event.EVENT_BUSY, nil, nil
	}
	if err != nil {
		return event.EVENT_ERROR, nil, err
	}
	if n == 0 {
		return event.EVENT_BUSY, nil, nil
	}

	s.results = s.results[:0]
	for _, pfd := range s.pollFds[:len(fds)] {
		if pfd.Revents == 0 {
			continue
		}
		res := Result{Fd: pfd.Fd}
		switch {
		case pfd.Revents&unix.POLLNVAL != 0:
			res.Err = unix.EBADF
		case pfd.Revents&(unix.POLLERR|unix.POLLHUP) != 0:
			res.Err = unix.EIO
		}
		s.results = append(s.results, res)
	}

	if s.pollFds[len(fds)].Revents != 0 {
		s.drainWake()
	}

	return event.EVENT_READY, s.results, nil
}

// Wake interrupts a pending or the next Wait.
func (s *Selector) Wake() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(s.wakeFd, buf[:])
	if errors.Is(err, unix.EAGAIN) {
		// counter saturated, a wake is already pending
		return nil
	}
	return err
}

func (s *Selector) drainWake() {
	var buf [8]byte
	unix.Read(s.wakeFd, buf[:])
}

func (s *Selector) Close() error {
	return unix.Close(s.wakeFd)
}
