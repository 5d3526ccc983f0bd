// Package actionrelay implements the ActionRelay stream tool: a minimal
// remote-action relay exercising the stream tool contract (spec section 1,
// "remote action relay"). Application semantics of the relayed action are
// explicitly out of scope (spec section 1); this tool only moves opaque
// payloads in and out, carrying each action's cancellation flag with it.
package actionrelay

import (
	"sync"
	"time"

	"github.com/odinlabs/sessrelay/internal/message"
	"github.com/odinlabs/sessrelay/internal/tool"
)

// Action is one in-flight relayed action.
type Action struct {
	ID      string
	Payload []byte
	Cancel  bool // IsCancelRequestActive, surfaced to the remote side
}

// Handler receives inbound actions. It has no way to request cancellation
// back to the sender; cancellation travels only as the Cancel flag of an
// Action.
type Handler interface {
	// HandleAction is invoked for every inbound Action.
	HandleAction(now time.Time, a Action)
}

// Tool relays Action values over its stream: Enqueue schedules an outbound
// action, inbound actions are delivered to the configured Handler.
type Tool struct {
	ctx     *tool.Context
	handler Handler

	mu      sync.Mutex
	outbox  []Action
}

// New returns a factory producing an ActionRelay tool that delivers inbound
// actions to handler.
func New(handler Handler) tool.Factory {
	return func(ctx *tool.Context) tool.Tool {
		return &Tool{ctx: ctx, handler: handler}
	}
}

// Enqueue schedules a outbound to be sent on the next service tick.
func (t *Tool) Enqueue(a Action) {
	t.mu.Lock()
	t.outbox = append(t.outbox, a)
	t.mu.Unlock()
}

func (t *Tool) ResetState(now time.Time, reason tool.ResetReason, detail string) {
	t.mu.Lock()
	t.outbox = nil
	t.mu.Unlock()
	t.ctx.Log.Debug().Str("reason", reason.String()).Str("detail", detail).Msg("action relay reset")
}

func (t *Tool) HandleInboundMessage(now time.Time, msg *message.Message) {
	a, err := decodeAction(message.ReadAll(msg))
	if err != nil {
		t.ctx.Log.Warn().Err(err).Msg("action relay: malformed action payload")
		return
	}
	if t.handler != nil {
		t.handler.HandleAction(now, a)
	}
}

func (t *Tool) ServiceAndGenerateNextMessage(now time.Time) *message.Message {
	t.mu.Lock()
	if len(t.outbox) == 0 {
		t.mu.Unlock()
		return nil
	}
	a := t.outbox[0]
	t.outbox = t.outbox[1:]
	t.mu.Unlock()

	m := message.New(t.ctx.StreamID, t.ctx.Pool)
	w := message.NewWriter(m)
	if _, err := w.Write(now, encodeAction(a)); err != nil {
		t.ctx.Log.Error().Err(err).Msg("action relay: failed to buffer action")
		return nil
	}
	return m
}

func (t *Tool) Service(now time.Time) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return uint32(len(t.outbox))
}

var _ tool.Tool = (*Tool)(nil)
