package actionrelay

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/odinlabs/sessrelay/internal/buffer"
	"github.com/odinlabs/sessrelay/internal/message"
	"github.com/odinlabs/sessrelay/internal/tool"
)

type captureHandler struct {
	got []Action
}

func (h *captureHandler) HandleAction(now time.Time, a Action) {
	h.got = append(h.got, a)
}

func newTool(t *testing.T, h Handler) (*Tool, *buffer.Pool) {
	t.Helper()
	pool := buffer.NewPool(256, 256*64)
	ctx := tool.NewContext(3, tool.TypeActionRelay, zerolog.Nop(), pool)
	factory := New(h)
	tl := factory(ctx).(*Tool)
	return tl, pool
}

func TestEnqueueProducesEncodedMessage(t *testing.T) {
	now := time.Now()
	tl, _ := newTool(t, nil)
	tl.Enqueue(Action{ID: "order-1", Payload: []byte("buy"), Cancel: false})

	msg := tl.ServiceAndGenerateNextMessage(now)
	if msg == nil {
		t.Fatalf("expected a message, got nil")
	}
	a, err := decodeAction(message.ReadAll(msg))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if a.ID != "order-1" || string(a.Payload) != "buy" {
		t.Fatalf("got %+v, want ID=order-1 Payload=buy", a)
	}

	if msg := tl.ServiceAndGenerateNextMessage(now); msg != nil {
		t.Fatalf("expected nil once the outbox is drained, got a message")
	}
}

func TestHandleInboundMessageDeliversToHandler(t *testing.T) {
	now := time.Now()
	h := &captureHandler{}
	tl, pool := newTool(t, h)

	m := message.New(3, pool)
	w := message.NewWriter(m)
	if _, err := w.Write(now, encodeAction(Action{ID: "a9", Payload: []byte("x")})); err != nil {
		t.Fatalf("write: %v", err)
	}

	tl.HandleInboundMessage(now, m)
	if len(h.got) != 1 || h.got[0].ID != "a9" {
		t.Fatalf("handler got %+v, want one action with ID a9", h.got)
	}
}

func TestResetStateClearsOutbox(t *testing.T) {
	now := time.Now()
	tl, _ := newTool(t, nil)
	tl.Enqueue(Action{ID: "pending"})

	tl.ResetState(now, tool.ResetSessionLost, "transport dropped")

	if msg := tl.ServiceAndGenerateNextMessage(now); msg != nil {
		t.Fatalf("expected no outbound message after reset, got one")
	}
}

func TestServiceReportsOutboxDepth(t *testing.T) {
	tl, _ := newTool(t, nil)
	tl.Enqueue(Action{ID: "1"})
	tl.Enqueue(Action{ID: "2"})
	if n := tl.Service(time.Now()); n != 2 {
		t.Fatalf("Service() = %d, want 2", n)
	}
}
