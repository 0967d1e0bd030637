package peer

import (
	"errors"
	"fmt"

	"github.com/touka-aoi/udp-endpoint/core/buffer"
	toukaerrors "github.com/touka-aoi/udp-endpoint/core/errors"
	"github.com/touka-aoi/udp-endpoint/protocol"
)

var (
	ErrStaleSequence      = errors.New("stale sequence number")
	ErrDuplicateFragment  = errors.New("duplicate fragment")
	ErrFragmentOutOfRange = fmt.Errorf("%w: fragment index out of range", toukaerrors.ErrProtocolViolation)
	ErrMessageOverflow    = fmt.Errorf("%w: fragments exceed declared total size", toukaerrors.ErrProtocolViolation)
)

// Receive feeds one Data fragment into the reassembly state.
//
// Receive takes ownership of frag, whose Bytes must be exactly the fragment
// payload. When a message completes it is returned and the caller owns it.
// A nil block with a nil error means the fragment was buffered. A non-nil
// error means the fragment was dropped.
func (c *Connection) Receive(hdr protocol.DataHeader, frag *buffer.Block, alloc *buffer.BlockAllocator) (*buffer.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Stats.FragmentsReceived.Add(1)
	c.Stats.BytesReceived.Add(uint64(hdr.DataSize))

	seq := hdr.SequenceNumber
	if seq < c.watermark {
		c.Stats.OutOfBoundPackets.Add(1)
		frag.Release()
		return nil, fmt.Errorf("%w: %d < %d", ErrStaleSequence, seq, c.watermark)
	}

	// a newer message abandons whatever was being collected
	if seq > c.watermark {
		c.watermark = seq
		c.dropFragments(true)
	}

	switch {
	case hdr.DataSize == hdr.TotalSize:
		c.dropFragments(true)
		c.watermark++
		c.Stats.DataPacketsReceived.Add(1)
		return frag, nil

	case hdr.DataSize > hdr.TotalSize:
		c.Stats.LostPackets.Add(1)
		c.abandon()
		frag.Release()
		return nil, fmt.Errorf("%w: fragment of %d bytes in message of %d", ErrMessageOverflow, hdr.DataSize, hdr.TotalSize)
	}

	if len(c.fragments) == 0 {
		count := protocol.FragmentCount(int(hdr.TotalSize), c.MaxFragmentPayload())
		c.fragments = make([]*buffer.Block, count)
		c.fragmentsTotal = 0
		c.collectTotal = hdr.TotalSize
	}

	if int(hdr.FragmentIndex) >= len(c.fragments) || hdr.TotalSize != c.collectTotal {
		c.abandon()
		frag.Release()
		return nil, fmt.Errorf("%w: index %d of %d in seq %d", ErrFragmentOutOfRange, hdr.FragmentIndex, len(c.fragments), seq)
	}

	if c.fragments[hdr.FragmentIndex] != nil {
		frag.Release()
		return nil, fmt.Errorf("%w: index %d in seq %d", ErrDuplicateFragment, hdr.FragmentIndex, seq)
	}

	c.fragments[hdr.FragmentIndex] = frag
	c.fragmentsTotal += hdr.DataSize

	switch {
	case c.fragmentsTotal == c.collectTotal:
		msg := alloc.Alloc(int(c.collectTotal))
		out := msg.Bytes()[:0]
		for _, f := range c.fragments {
			if f != nil {
				out = append(out, f.Bytes()...)
			}
		}
		c.watermark++
		c.dropFragments(false)
		c.Stats.DataPacketsReceived.Add(1)
		return msg, nil

	case c.fragmentsTotal > c.collectTotal:
		total := c.fragmentsTotal
		c.Stats.LostPackets.Add(1)
		c.watermark++
		c.dropFragments(false)
		return nil, fmt.Errorf("%w: %d > %d in seq %d", ErrMessageOverflow, total, hdr.TotalSize, seq)
	}

	return nil, nil
}

// Collecting reports whether a partial message is buffered.
func (c *Connection) Collecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fragments) != 0
}

// Watermark is the sequence number being collected or expected next.
func (c *Connection) Watermark() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watermark
}

// ReleaseFragments drops any partial message without counting it as lost.
func (c *Connection) ReleaseFragments() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropFragments(false)
}

func (c *Connection) abandon() {
	c.watermark++
	c.dropFragments(true)
}

func (c *Connection) dropFragments(lost bool) {
	if len(c.fragments) == 0 {
		return
	}
	for _, f := range c.fragments {
		if f == nil {
			continue
		}
		f.Release()
		if lost {
			c.Stats.LostPackets.Add(1)
		}
	}
	c.fragments = nil
	c.fragmentsTotal = 0
	c.collectTotal = 0
}
