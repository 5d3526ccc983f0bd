// Package buffer implements the fixed-size, reusable frame type the rest of
// the session engine is built on (component A of the design), along with its
// recycling pool.
package buffer

import (
	"time"

	"github.com/odinlabs/sessrelay/internal/wire"
)

// State is the buffer lifecycle enumerated in spec section 3.
type State int

const (
	StateCreated State = iota
	StateAcquired
	StateClear
	StateReceivePosted
	StateReceived
	StateData
	StateReadyToSend
	StateReadyToResend
	StateSendPosted
	StateSent
	StateDelivered
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateAcquired:
		return "Acquired"
	case StateClear:
		return "Clear"
	case StateReceivePosted:
		return "ReceivePosted"
	case StateReceived:
		return "Received"
	case StateData:
		return "Data"
	case StateReadyToSend:
		return "ReadyToSend"
	case StateReadyToResend:
		return "ReadyToResend"
	case StateSendPosted:
		return "SendPosted"
	case StateSent:
		return "Sent"
	case StateDelivered:
		return "Delivered"
	case StateReleased:
		return "Released"
	default:
		return "Unknown"
	}
}

// MessageRef is the non-owning handle a Buffer holds back to the Message it
// belongs to. It lets the session notify the owning message on delivery
// without the buffer package importing the message package.
type MessageRef interface {
	NotifyBufferState(buf *Buffer, state State)
}

// Notifier is invoked on every state transition. reason is a short,
// human-readable cause ("acquire", "send-posted", "acked by peer", ...).
type Notifier func(now time.Time, buf *Buffer, from, to State, reason string)

// Buffer is a fixed-capacity frame: HeaderSize bytes of wire header followed
// by payload. Ownership is exclusive: at any time a Buffer belongs to
// exactly one of a Pool's retain list, a session's held list, a transport's
// in-flight slot, or a Message's buffer list.
type Buffer struct {
	raw      []byte // len == capacity
	capacity int
	byteCount int

	Header wire.Header
	state  State

	pool    *Pool // origin pool, nil for transient buffers
	message MessageRef

	notifier Notifier
}

func newBuffer(capacity int) *Buffer {
	return &Buffer{raw: make([]byte, capacity), capacity: capacity, state: StateCreated}
}

// Capacity returns the buffer's fixed total size.
func (b *Buffer) Capacity() int { return b.capacity }

// ByteCount returns the number of bytes currently in use, header included.
func (b *Buffer) ByteCount() int { return b.byteCount }

// State returns the buffer's current lifecycle state.
func (b *Buffer) State() State { return b.state }

// Pool returns the buffer's origin pool, or nil for a transient buffer.
func (b *Buffer) Pool() *Pool { return b.pool }

// Bytes returns the full underlying storage (header + payload region),
// sliced to ByteCount.
func (b *Buffer) Bytes() []byte { return b.raw[:b.byteCount] }

// Payload returns the portion of the buffer after the header.
func (b *Buffer) Payload() []byte {
	if b.byteCount <= wire.HeaderSize {
		return nil
	}
	return b.raw[wire.HeaderSize:b.byteCount]
}

// AvailableSpace returns how many more payload bytes can be appended before
// the buffer is full.
func (b *Buffer) AvailableSpace() int { return b.capacity - b.byteCount }

// SetMessage installs the non-owning back-reference to the owning Message.
func (b *Buffer) SetMessage(m MessageRef) { b.message = m }

// SetState transitions the buffer to newState, firing the notifier. Entry
// into SendPosted serializes Header into the buffer's prefix; entry into
// Received deserializes the prefix into Header.
func (b *Buffer) SetState(now time.Time, newState State, reason string) {
	old := b.state
	switch newState {
	case StateSendPosted:
		wire.Encode(b.raw[:wire.HeaderSize], b.Header)
	case StateReceived:
		if h, err := wire.Decode(b.raw[:wire.HeaderSize]); err == nil {
			b.Header = h
		}
	}
	b.state = newState
	if b.message != nil {
		b.message.NotifyBufferState(b, newState)
	}
	if b.notifier != nil {
		b.notifier(now, b, old, newState, reason)
	}
}

// SetNotifier installs the state-transition callback.
func (b *Buffer) SetNotifier(n Notifier) { b.notifier = n }

// Update is a bulk setter: it copies payload (clamped to capacity) into the
// region after the header and ORs flagBits into the header's flags.
func (b *Buffer) Update(payload []byte, flagBits wire.Flags) {
	b.Header.Flags |= flagBits
	if payload == nil {
		return
	}
	room := b.capacity - wire.HeaderSize
	if len(payload) > room {
		payload = payload[:room]
	}
	n := copy(b.raw[wire.HeaderSize:], payload)
	if wire.HeaderSize+n > b.byteCount {
		b.byteCount = wire.HeaderSize + n
	}
}

// LoadFrame overwrites the buffer's full storage (header bytes included)
// with data, clamped to capacity, and sets ByteCount accordingly. Used on
// the inbound path where a transport hands back an already-framed buffer
// that still needs its header decoded.
func (b *Buffer) LoadFrame(data []byte) {
	if len(data) > b.capacity {
		data = data[:b.capacity]
	}
	n := copy(b.raw, data)
	b.byteCount = n
}

// AppendPayload appends bytes after the current byte count, clamped to
// capacity, and returns how many bytes were actually written.
func (b *Buffer) AppendPayload(data []byte) int {
	room := b.AvailableSpace()
	if room <= 0 {
		return 0
	}
	if len(data) > room {
		data = data[:room]
	}
	n := copy(b.raw[b.byteCount:], data)
	b.byteCount += n
	return n
}

// Clear resets header, byte count and message back-pointer and transitions
// to StateClear.
func (b *Buffer) Clear(now time.Time) {
	b.Header = wire.Header{}
	b.byteCount = wire.HeaderSize
	b.message = nil
	b.SetState(now, StateClear, "clear")
}
