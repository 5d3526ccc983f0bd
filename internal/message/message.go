// Package message implements the ordered buffer list and its streaming
// Reader/Writer views (component C of the design).
package message

import (
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/odinlabs/sessrelay/internal/buffer"
	"github.com/odinlabs/sessrelay/internal/wire"
)

// State is the message lifecycle enumerated in spec section 3.
type State int

const (
	StateInitial State = iota
	StateData
	StateSendPosted
	StateSent
	StateDelivered
	StateReceived
	StateReleased
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateData:
		return "Data"
	case StateSendPosted:
		return "SendPosted"
	case StateSent:
		return "Sent"
	case StateDelivered:
		return "Delivered"
	case StateReceived:
		return "Received"
	case StateReleased:
		return "Released"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

var instanceCounter int64

// ErrOutOfMemory is returned by Writer.Write when the pool cannot supply a
// buffer for an active write.
var ErrOutOfMemory = errors.New("message: pool exhausted, out of memory")

// Message is an ordered list of buffers plus the bookkeeping spec section 3
// describes: instance number, state, failure reason, send-posted timestamp
// and the sequence number of its last buffer once known.
type Message struct {
	Instance int64
	Stream   uint16

	buffers []*buffer.Buffer
	state   State

	FailureReason   string
	SendPostedAt    time.Time
	lastBufferSeq   uint64
	lastBufferKnown bool

	pool *buffer.Pool

	pendingDelivery int // count of buffers not yet Delivered
}

// New creates an empty, local-only Message bound to pool for Writer use.
// pool may be nil for a purely inbound (already-assembled) message.
func New(stream uint16, pool *buffer.Pool) *Message {
	return &Message{
		Instance: atomic.AddInt64(&instanceCounter, 1),
		Stream:   stream,
		state:    StateInitial,
		pool:     pool,
	}
}

// FromBuffers builds a Message from an already-assembled, ordered list of
// data buffers (used on the inbound reassembly path).
func FromBuffers(stream uint16, buffers []*buffer.Buffer) *Message {
	m := &Message{
		Instance: atomic.AddInt64(&instanceCounter, 1),
		Stream:   stream,
		buffers:  buffers,
		state:    StateReceived,
	}
	for _, b := range buffers {
		b.SetMessage(m)
	}
	if n := len(buffers); n > 0 {
		m.lastBufferSeq = buffers[n-1].Header.SeqNum
		m.lastBufferKnown = true
	}
	return m
}

// State returns the message's current lifecycle state.
func (m *Message) State() State { return m.state }

// Buffers returns the ordered buffer list. Callers must not mutate it.
func (m *Message) Buffers() []*buffer.Buffer { return m.buffers }

// Empty reports whether the message has zero buffers (local-only, cannot be
// transmitted).
func (m *Message) Empty() bool { return len(m.buffers) == 0 }

// LastBufferSeqNum returns the sequence number of the message's last buffer
// and whether it is known yet (only true once all buffers have been
// assigned sequence numbers by the session).
func (m *Message) LastBufferSeqNum() (uint64, bool) { return m.lastBufferSeq, m.lastBufferKnown }

// SetLastBufferSeqNum is called by the session once the final buffer has
// been assigned its sequence number.
func (m *Message) SetLastBufferSeqNum(seq uint64) {
	m.lastBufferSeq = seq
	m.lastBufferKnown = true
}

// MarkSendPosted transitions the message to SendPosted and records now.
func (m *Message) MarkSendPosted(now time.Time) {
	m.state = StateSendPosted
	m.SendPostedAt = now
	m.pendingDelivery = len(m.buffers)
}

// MarkFailed transitions the message to Failed with the given reason. Its
// buffers are intentionally NOT recycled here: per spec section 4.7 the
// session owns them once a message fails and recycling is the caller's
// decision.
func (m *Message) MarkFailed(reason string) {
	m.state = StateFailed
	m.FailureReason = reason
}

// NotifyBufferState implements buffer.MessageRef. It is called by a Buffer
// on every state transition; the message tracks Delivered buffers and flips
// its own state to Delivered once every buffer has been acknowledged.
func (m *Message) NotifyBufferState(buf *buffer.Buffer, state buffer.State) {
	if state != buffer.StateDelivered {
		return
	}
	if m.pendingDelivery > 0 {
		m.pendingDelivery--
	}
	if m.pendingDelivery == 0 && m.state != StateFailed {
		m.state = StateDelivered
	}
}

// Reader walks a Message's buffer list in order, exposing only the
// post-header payload region of each buffer. Consumers must not assume any
// correspondence between Read calls and buffer boundaries.
type Reader struct {
	msg    *Message
	index  int
	offset int
}

// NewReader returns a Reader positioned at the start of m.
func NewReader(m *Message) *Reader { return &Reader{msg: m} }

func (r *Reader) Read(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		if r.index >= len(r.msg.buffers) {
			if total == 0 {
				return 0, io.EOF
			}
			return total, nil
		}
		b := r.msg.buffers[r.index]
		payload := b.Payload()
		if r.offset >= len(payload) {
			r.index++
			r.offset = 0
			continue
		}
		n := copy(p[total:], payload[r.offset:])
		r.offset += n
		total += n
	}
	return total, nil
}

// ReadAll concatenates the payload region of every buffer in m.
func ReadAll(m *Message) []byte {
	out := make([]byte, 0, len(m.buffers)*64)
	for _, b := range m.buffers {
		out = append(out, b.Payload()...)
	}
	return out
}

// Writer appends bytes to a Message, acquiring new buffers from its pool as
// the current one fills. The first write transitions the message from
// Initial to Data.
type Writer struct {
	msg *Message
}

// NewWriter returns a Writer appending to m.
func NewWriter(m *Message) *Writer { return &Writer{msg: m} }

func (w *Writer) Write(now time.Time, p []byte) (int, error) {
	m := w.msg
	if m.state == StateInitial {
		m.state = StateData
	}
	total := 0
	for total < len(p) {
		var cur *buffer.Buffer
		if n := len(m.buffers); n > 0 {
			cur = m.buffers[n-1]
		}
		if cur == nil || cur.AvailableSpace() == 0 {
			if m.pool == nil {
				return total, ErrOutOfMemory
			}
			nb := m.pool.Acquire(now, "message-writer")
			if nb == nil {
				return total, ErrOutOfMemory
			}
			nb.SetMessage(m)
			m.buffers = append(m.buffers, nb)
			cur = nb
		}
		n := cur.AppendPayload(p[total:])
		if n == 0 {
			return total, ErrOutOfMemory
		}
		total += n
	}
	return total, nil
}

// WireHeaderSize re-exports wire.HeaderSize for callers that need to reason
// about usable payload per buffer without importing the wire package.
const WireHeaderSize = wire.HeaderSize
