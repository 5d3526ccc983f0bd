// Package tool declares the contract a stream tool must satisfy to be
// driven by the session and multiplexer (component G), plus the shared
// "tool context" every concrete tool composes (spec section 9: the source's
// abstract base is replaced with composition rather than subclassing).
package tool

import (
	"time"

	"github.com/odinlabs/sessrelay/internal/buffer"
	"github.com/odinlabs/sessrelay/internal/message"
	"github.com/rs/zerolog"
)

// ResetReason enumerates why a tool's ResetState was invoked.
type ResetReason int

const (
	ResetConstruction ResetReason = iota
	ResetClientMessageDeliveryFailure
	ResetServerMessageDeliveryFailure
	ResetSessionLost
	ResetSessionClosed
	ResetSessionTerminated
	ResetClientRelease
)

func (r ResetReason) String() string {
	switch r {
	case ResetConstruction:
		return "Construction"
	case ResetClientMessageDeliveryFailure:
		return "ClientMessageDeliveryFailure"
	case ResetServerMessageDeliveryFailure:
		return "ServerMessageDeliveryFailure"
	case ResetSessionLost:
		return "SessionLost"
	case ResetSessionClosed:
		return "SessionClosed"
	case ResetSessionTerminated:
		return "SessionTerminated"
	case ResetClientRelease:
		return "ClientRelease"
	default:
		return "Unknown"
	}
}

// Type identifies which concrete tool implementation a stream runs. The set
// is closed (spec section 9): represented as a tagged enum with a small
// factory, not open-ended dynamic dispatch.
type Type string

const (
	TypeBase         Type = "Base"
	TypeActionRelay   Type = "ActionRelay"
	TypeSetRelay      Type = "SetRelay"
	TypeIVIRelay      Type = "IVIRelay"
)

// Tool is the interface the session consumes from every stream tool. Tools
// must tolerate being called on any method in any state; the session makes
// no ordering guarantee between ServiceAndGenerateNextMessage and
// HandleInboundMessage beyond "one at a time from a single scheduler"
// (spec section 4.7).
type Tool interface {
	// ResetState re-initializes the tool so it is ready for reuse on a fresh
	// session after construction, a delivery failure, or session loss/close.
	ResetState(now time.Time, reason ResetReason, detail string)

	// HandleInboundMessage is called for every fully reassembled message
	// addressed to this tool's stream.
	HandleInboundMessage(now time.Time, msg *message.Message)

	// ServiceAndGenerateNextMessage may return a message to send, or nil.
	ServiceAndGenerateNextMessage(now time.Time) *message.Message

	// Service performs housekeeping and returns a work-count used by the
	// host part's adaptive wait to decide how long it may sleep.
	Service(now time.Time) uint32
}

// Context is the shared state every concrete tool composes instead of
// inheriting from an abstract base (spec section 9): a logger scoped to the
// stream, the stream id, the tool type, the buffer pool, and a SetupSent flag.
// The multiplexer sends a stream's setup message itself (mux.OpenStream) and
// neither reads nor sets SetupSent.
type Context struct {
	StreamID  uint16
	ToolType  Type
	Log       zerolog.Logger
	Pool      *buffer.Pool
	SetupSent bool
}

// NewContext builds a Context for streamID/toolType, deriving a sub-logger
// from base and binding the buffer pool the tool writes messages through.
func NewContext(streamID uint16, toolType Type, base zerolog.Logger, pool *buffer.Pool) *Context {
	return &Context{
		StreamID: streamID,
		ToolType: toolType,
		Pool:     pool,
		Log: base.With().
			Uint16("stream", streamID).
			Str("tool", string(toolType)).
			Logger(),
	}
}

// Factory constructs one tool instance; a Registry maps each Type to its
// Factory. This module ships Base and ActionRelay tools and no SetRelay or
// IVIRelay implementation; the host part registers the constructors it uses.
type Factory func(ctx *Context) Tool

// Registry is the closed set of tool constructors keyed by Type.
type Registry struct {
	factories map[Type]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry { return &Registry{factories: make(map[Type]Factory)} }

// Register installs the constructor for t. It panics on a duplicate
// registration, which indicates a programming error at startup.
func (r *Registry) Register(t Type, f Factory) {
	if _, exists := r.factories[t]; exists {
		panic("tool: duplicate registration for " + string(t))
	}
	r.factories[t] = f
}

// Create instantiates the tool named by typeStr for streamID, or reports ok
// == false for an unknown type (the setup attempt must be rejected and
// logged by the caller, per spec section 4.6).
func (r *Registry) Create(streamID uint16, typeStr string, base zerolog.Logger, pool *buffer.Pool) (Tool, bool) {
	t := Type(typeStr)
	f, ok := r.factories[t]
	if !ok {
		return nil, false
	}
	return f(NewContext(streamID, t, base, pool)), true
}
