package buffer

import (
	"time"

	"github.com/odinlabs/sessrelay/internal/wire"
)

const (
	minBufferSize = 128
	maxBufferSize = 16384
	minRetainCap  = 5

	headerSize = wire.HeaderSize
)

var headerZero = wire.Header{}

// Pool is a fixed-size buffer recycler. Unlike a sync.Pool it is
// single-threaded by contract: every session or host part owns its pool
// exclusively on its service goroutine and must not share it across
// goroutines (spec section 5).
type Pool struct {
	size         int
	maxTotalBytes int
	retain       []*Buffer
	retainCap    int

	allocated int // total buffers ever created, for test/property assertions
}

// NewPool creates a pool producing buffers of size bytes (clamped to
// [128, 16384]) capped at maxTotalBytes of retained storage.
func NewPool(size, maxTotalBytes int) *Pool {
	p := &Pool{maxTotalBytes: maxTotalBytes}
	p.setSize(size)
	return p
}

func clampSize(size int) int {
	if size < minBufferSize {
		return minBufferSize
	}
	if size > maxBufferSize {
		return maxBufferSize
	}
	return size
}

func (p *Pool) setSize(size int) {
	p.size = clampSize(size)
	cap := p.maxTotalBytes / p.size
	if cap < minRetainCap {
		cap = minRetainCap
	}
	p.retainCap = cap
}

// Size returns the configured buffer size.
func (p *Pool) Size() int { return p.size }

// Acquire returns a buffer in StateAcquired (recycled) or StateCreated
// (freshly allocated). Postcondition: ByteCount() == wire.HeaderSize and the
// header is zeroed.
func (p *Pool) Acquire(now time.Time, reason string) *Buffer {
	var b *Buffer
	if n := len(p.retain); n > 0 {
		b = p.retain[n-1]
		p.retain = p.retain[:n-1]
		b.Header = headerZero
		b.byteCount = headerSize
		b.SetState(now, StateAcquired, reason)
		return b
	}
	b = newBuffer(p.size)
	b.pool = p
	p.allocated++
	b.byteCount = headerSize
	b.SetState(now, StateCreated, reason)
	return b
}

// Release returns buf to the pool. It is idempotent and tolerates nil. A
// buffer whose origin pool differs, whose capacity mismatches, or whose
// retain list is full is abandoned (storage released, not pooled) rather
// than recycled.
func (p *Pool) Release(now time.Time, buf *Buffer, reason string) {
	if buf == nil || buf.state == StateReleased {
		return
	}
	buf.Header = headerZero
	buf.message = nil
	if buf.pool != p || buf.capacity != p.size || len(p.retain) >= p.retainCap {
		buf.SetState(now, StateReleased, reason)
		return
	}
	buf.SetState(now, StateReleased, reason)
	p.retain = append(p.retain, buf)
}

// Drain releases every pooled buffer, emptying the retain list. Used when
// reconfiguring the buffer size.
func (p *Pool) Drain(now time.Time) {
	for _, b := range p.retain {
		b.SetState(now, StateReleased, "drain")
	}
	p.retain = nil
}

// SetBufferSize drains the pool, clamps newSize to [128, 16384] and
// recomputes the retain-list capacity.
func (p *Pool) SetBufferSize(now time.Time, newSize int) {
	p.Drain(now)
	p.setSize(newSize)
}

// RetainedCount returns how many buffers currently sit in the retain list,
// for tests asserting pool idempotence (spec section 8, property 2).
func (p *Pool) RetainedCount() int { return len(p.retain) }

// Allocated returns the total number of buffers ever created by this pool.
func (p *Pool) Allocated() int { return p.allocated }
