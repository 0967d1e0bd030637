package buffer

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

const (
	minBlockShift = 8  // 256B
	maxBlockShift = 20 // 1MiB
)

// Block is an owned chunk of memory handed out by a BlockAllocator. The
// holder must call Release exactly once when done; Bytes must not be used
// after that.
type Block struct {
	buf   []byte
	data  []byte
	class int
	owner *BlockAllocator
}

func (b *Block) Bytes() []byte {
	return b.data
}

func (b *Block) Len() int {
	return len(b.data)
}

// Release returns the memory to its allocator. Releasing twice is a no-op.
func (b *Block) Release() {
	if b == nil || b.owner == nil {
		return
	}
	a := b.owner
	b.owner = nil
	a.outstanding.Add(-1)
	if b.class >= 0 {
		buf := b.buf[:cap(b.buf)]
		a.pools[b.class].Put(&buf)
	}
	b.buf = nil
	b.data = nil
}

// BlockAllocator pools blocks in power-of-two size classes. It is safe for
// concurrent use.
type BlockAllocator struct {
	pools       [maxBlockShift - minBlockShift + 1]sync.Pool
	outstanding atomic.Int64
}

func NewBlockAllocator() *BlockAllocator {
	return &BlockAllocator{}
}

// Alloc returns a block whose Bytes has length size. The contents are not zeroed.
func (a *BlockAllocator) Alloc(size int) *Block {
	if size < 0 {
		panic("buffer: negative block size")
	}
	a.outstanding.Add(1)

	capacity := nextPow2(size)
	if capacity < 1<<minBlockShift {
		capacity = 1 << minBlockShift
	}
	class := bits.TrailingZeros(uint(capacity)) - minBlockShift
	if class >= len(a.pools) {
		buf := make([]byte, size)
		return &Block{buf: buf, data: buf, class: -1, owner: a}
	}

	var buf []byte
	if v := a.pools[class].Get(); v != nil {
		buf = *v.(*[]byte)
	} else {
		buf = make([]byte, capacity)
	}
	return &Block{buf: buf, data: buf[:size], class: class, owner: a}
}

// Outstanding reports how many blocks are allocated and not yet released.
func (a *BlockAllocator) Outstanding() int64 {
	return a.outstanding.Load()
}

func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
