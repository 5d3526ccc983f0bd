package message

import (
	"bytes"
	"testing"
	"time"

	"github.com/odinlabs/sessrelay/internal/buffer"
)

func TestWriterSpansMultipleBuffers(t *testing.T) {
	now := time.Now()
	pool := buffer.NewPool(64, 64*10)
	m := New(0, pool)
	w := NewWriter(m)

	payload := bytes.Repeat([]byte{0xA5}, 150) // the pool clamps 64 up to 128 bytes (102 usable), so this fills 2 buffers
	n, err := w.Write(now, payload)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("wrote %d bytes, want %d", n, len(payload))
	}
	if len(m.Buffers()) < 2 {
		t.Fatalf("expected message to span multiple buffers, got %d", len(m.Buffers()))
	}
	if got := ReadAll(m); !bytes.Equal(got, payload) {
		t.Fatalf("round-trip mismatch: got %d bytes, want %d", len(got), len(payload))
	}
}

func TestWriterOutOfMemoryWithoutPool(t *testing.T) {
	now := time.Now()
	m := New(0, nil)
	w := NewWriter(m)
	if _, err := w.Write(now, []byte("x")); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
}

func TestMessageDeliveredWhenAllBuffersDelivered(t *testing.T) {
	now := time.Now()
	pool := buffer.NewPool(64, 640)
	m := New(0, pool)
	w := NewWriter(m)
	if _, err := w.Write(now, bytes.Repeat([]byte{1}, 250)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	m.MarkSendPosted(now)

	bufs := m.Buffers()
	for i, b := range bufs {
		b.SetState(now, buffer.StateDelivered, "test")
		if i < len(bufs)-1 && m.State() == StateDelivered {
			t.Fatalf("message marked delivered before all buffers acked")
		}
	}
	if m.State() != StateDelivered {
		t.Fatalf("expected message state Delivered, got %v", m.State())
	}
}
