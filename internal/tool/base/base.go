// Package base implements the Base stream tool that always occupies stream
// 0 and exchanges a ServerInfoNVS payload on connect (spec section 3).
package base

import (
	"time"

	"github.com/odinlabs/sessrelay/internal/message"
	"github.com/odinlabs/sessrelay/internal/nvs"
	"github.com/odinlabs/sessrelay/internal/tool"
)

// Observer is notified once, on the first successful ServerInfo exchange
// (spec section 7: "A ServerInfoNVS observer is notified on the first
// successful exchange").
type Observer func(info nvs.Set)

// Tool is the Base stream tool. The server side sends ServerInfo as its
// first outbound message; the client side observes it on arrival.
type Tool struct {
	ctx *tool.Context

	isServer bool
	info     nvs.Set

	pendingOutbound *nvs.Set // set once, sent once
	observer        Observer
	observed        bool
}

// NewServer returns a factory producing the server-side Base tool, which
// announces info as ServerInfo to every newly opened session.
func NewServer(info nvs.Set) tool.Factory {
	return func(ctx *tool.Context) tool.Tool {
		pending := info
		return &Tool{ctx: ctx, isServer: true, pendingOutbound: &pending}
	}
}

// NewClient returns a factory producing the client-side Base tool, which
// invokes observer once when ServerInfo arrives.
func NewClient(observer Observer) tool.Factory {
	return func(ctx *tool.Context) tool.Tool {
		return &Tool{ctx: ctx, isServer: false, observer: observer}
	}
}

func (t *Tool) ResetState(now time.Time, reason tool.ResetReason, detail string) {
	t.observed = false
	if t.isServer {
		t.ctx.SetupSent = false
	}
	t.ctx.Log.Debug().Str("reason", reason.String()).Str("detail", detail).Msg("base tool reset")
}

func (t *Tool) HandleInboundMessage(now time.Time, msg *message.Message) {
	if t.isServer || t.observed {
		return
	}
	set, err := nvs.Unmarshal(message.ReadAll(msg))
	if err != nil {
		t.ctx.Log.Warn().Err(err).Msg("base tool: malformed ServerInfo payload")
		return
	}
	t.observed = true
	t.info = set
	if t.observer != nil {
		t.observer(set)
	}
}

func (t *Tool) ServiceAndGenerateNextMessage(now time.Time) *message.Message {
	if !t.isServer || t.pendingOutbound == nil {
		return nil
	}
	payload, err := t.pendingOutbound.Marshal()
	t.pendingOutbound = nil
	if err != nil {
		t.ctx.Log.Error().Err(err).Msg("base tool: failed to marshal ServerInfo")
		return nil
	}
	m := message.New(t.ctx.StreamID, t.ctx.Pool)
	w := message.NewWriter(m)
	if _, err := w.Write(now, payload); err != nil {
		t.ctx.Log.Error().Err(err).Msg("base tool: failed to buffer ServerInfo")
		return nil
	}
	return m
}

func (t *Tool) Service(now time.Time) uint32 { return 0 }

var _ tool.Tool = (*Tool)(nil)
