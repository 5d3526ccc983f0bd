// Package mux implements the stream multiplexer (component F): it tracks
// one tool.Tool per stream ID, dispatches fully reassembled inbound
// messages to the right tool, and pulls outbound messages from every tool
// once per Tick to hand to the owning ConnectionSession. Grounded on the
// teacher's channels.go, which maps inbound NATS subjects to outbound
// WebSocket clients; here the routing key is a stream ID instead of a
// subject, and the destination is a stream tool instead of a socket.
package mux

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/odinlabs/sessrelay/internal/buffer"
	"github.com/odinlabs/sessrelay/internal/message"
	"github.com/odinlabs/sessrelay/internal/metrics"
	"github.com/odinlabs/sessrelay/internal/nvs"
	"github.com/odinlabs/sessrelay/internal/session"
	"github.com/odinlabs/sessrelay/internal/tool"
	"github.com/odinlabs/sessrelay/internal/wire"
)

// slowPeerStrikes is how many consecutive ticks a stream's outbound message
// may sit undelivered before it counts as a slow peer, echoing the
// teacher's "3 strikes" heuristic in connection.go.
const slowPeerStrikes = 3

const streamSetupToolTypeKey = "ToolType"

type streamState struct {
	tool     tool.Tool
	toolType tool.Type

	pending          *message.Message
	pendingSince     time.Time
	undeliveredTicks int
}

// Mux is the stream multiplexer bound to exactly one ConnectionSession.
type Mux struct {
	mu sync.Mutex

	registry *tool.Registry
	pool     *buffer.Pool
	log      zerolog.Logger
	counters *metrics.Counters

	sess *session.Session

	streams      map[uint16]*streamState
	nextStreamID uint16
}

// New creates a Mux driven by registry for stream-setup requests, using
// pool to build the stream-setup control messages it originates itself (a
// tool's own messages are built through the pool its tool.Context carries).
// Call Bind once the owning Session exists (the two are constructed in
// sequence: the Session needs a session.StreamSink at construction time,
// and Mux is that sink, but Mux needs the Session back to queue outbound
// messages).
func New(registry *tool.Registry, pool *buffer.Pool, counters *metrics.Counters, log zerolog.Logger) *Mux {
	return &Mux{
		registry:     registry,
		pool:         pool,
		counters:     counters,
		log:          log.With().Str("component", "mux").Logger(),
		streams:      make(map[uint16]*streamState),
		nextStreamID: 1, // stream 0 is reserved for Base
	}
}

// Bind installs the ConnectionSession this mux pulls/pushes messages
// through.
func (m *Mux) Bind(sess *session.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sess = sess
}

// RegisterStream statically binds t to streamID, bypassing the stream-setup
// handshake. Used for the Base tool, which always occupies stream 0 on both
// sides (spec section 3).
func (m *Mux) RegisterStream(streamID uint16, t tool.Tool, typ tool.Type) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[streamID] = &streamState{tool: t, toolType: typ}
}

// OpenStream allocates a new stream ID, constructs its tool locally and
// queues a stream-setup message (a standalone NVS payload naming the tool
// type, flagged with FlagMessageContainsStreamSetup) so the peer can create
// a matching tool before any application traffic arrives.
func (m *Mux) OpenStream(now time.Time, toolType tool.Type) (uint16, error) {
	m.mu.Lock()
	streamID := m.nextStreamID
	t, ok := m.registry.Create(streamID, string(toolType), m.log, m.pool)
	if !ok {
		m.mu.Unlock()
		return 0, fmt.Errorf("mux: unknown tool type %q", toolType)
	}
	m.nextStreamID++
	m.streams[streamID] = &streamState{tool: t, toolType: toolType}
	sess := m.sess
	m.mu.Unlock()

	t.ResetState(now, tool.ResetConstruction, "stream opened")

	payload, err := nvs.New().Set(streamSetupToolTypeKey, string(toolType)).Marshal()
	if err != nil {
		return 0, err
	}
	setup := message.New(streamID, m.pool)
	w := message.NewWriter(setup)
	if _, err := w.Write(now, payload); err != nil {
		return 0, err
	}
	for _, b := range setup.Buffers() {
		b.Header.Flags |= wire.FlagMessageContainsStreamSetup | wire.FlagMessageContainsJsonNVS
	}
	if sess == nil {
		return 0, fmt.Errorf("mux: not bound to a session")
	}
	if err := sess.QueueMessage(now, streamID, setup); err != nil {
		return 0, err
	}
	return streamID, nil
}

// KnownStream implements session.StreamSink. Every stream ID is accepted at
// this layer; DeliverMessage itself rejects traffic for a stream that turns
// out not to exist and isn't a valid setup request.
func (m *Mux) KnownStream(streamID uint16) bool { return true }

// DeliverMessage implements session.StreamSink.
func (m *Mux) DeliverMessage(now time.Time, streamID uint16, msg *message.Message) {
	m.mu.Lock()
	st, ok := m.streams[streamID]
	m.mu.Unlock()

	if !ok {
		if _, err := m.tryCreateFromSetup(now, streamID, msg); err != nil {
			m.log.Warn().Err(err).Uint16("stream", streamID).Msg("mux: dropping message for unknown stream")
			if m.counters != nil {
				m.counters.ProtocolViolations.Inc()
			}
		}
		// The setup message only names the new stream's tool type; it is not
		// application data, so the freshly created tool never receives it.
		return
	} else if isStreamSetup(msg) {
		// A setup message for an already-known stream is a duplicate or
		// replay; nothing to do.
		return
	}

	st.tool.HandleInboundMessage(now, msg)
	m.mu.Lock()
	st.pending = nil
	st.undeliveredTicks = 0
	m.mu.Unlock()
}

func isStreamSetup(msg *message.Message) bool {
	bufs := msg.Buffers()
	if len(bufs) == 0 {
		return false
	}
	return bufs[0].Header.Flags.Has(wire.FlagMessageContainsStreamSetup)
}

func (m *Mux) tryCreateFromSetup(now time.Time, streamID uint16, msg *message.Message) (*streamState, error) {
	if !isStreamSetup(msg) {
		return nil, fmt.Errorf("not a stream-setup message")
	}
	payload, err := nvs.Unmarshal(message.ReadAll(msg))
	if err != nil {
		return nil, fmt.Errorf("malformed stream-setup payload: %w", err)
	}
	typeStr, ok := payload.Get(streamSetupToolTypeKey)
	if !ok {
		return nil, fmt.Errorf("stream-setup payload missing %q", streamSetupToolTypeKey)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.registry.Create(streamID, typeStr, m.log, m.pool)
	if !ok {
		return nil, fmt.Errorf("unknown tool type %q", typeStr)
	}
	st := &streamState{tool: t, toolType: tool.Type(typeStr)}
	m.streams[streamID] = st
	t.ResetState(now, tool.ResetConstruction, "stream accepted")
	return st, nil
}

// ServiceAll drives every tracked stream's tool once: it asks for an
// outbound message and, if one is produced, hands it to the bound session;
// it also tracks how long an already-queued outbound message has sat
// undelivered, incrementing the slow-peer counter at the strike threshold
// (spec section 4.6's per-stream service loop, supplemented by the
// slow-peer accounting feature).
func (m *Mux) ServiceAll(now time.Time) {
	m.mu.Lock()
	sess := m.sess
	ids := make([]uint16, 0, len(m.streams))
	for id := range m.streams {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	if sess == nil {
		return
	}

	for _, id := range ids {
		m.mu.Lock()
		st, ok := m.streams[id]
		m.mu.Unlock()
		if !ok {
			continue
		}

		st.tool.Service(now)

		if st.pending != nil {
			if st.pending.State() == message.StateDelivered {
				m.mu.Lock()
				st.pending = nil
				st.undeliveredTicks = 0
				m.mu.Unlock()
			} else {
				m.mu.Lock()
				st.undeliveredTicks++
				ticks := st.undeliveredTicks
				m.mu.Unlock()
				if ticks == slowPeerStrikes && m.counters != nil {
					m.counters.SlowStreams.Inc()
				}
			}
			continue
		}

		next := st.tool.ServiceAndGenerateNextMessage(now)
		if next == nil || next.Empty() {
			continue
		}
		if err := sess.QueueMessage(now, id, next); err != nil {
			m.log.Debug().Err(err).Uint16("stream", id).Msg("mux: failed to queue outbound message")
			continue
		}
		m.mu.Lock()
		st.pending = next
		st.pendingSince = now
		st.undeliveredTicks = 0
		m.mu.Unlock()
	}
}

