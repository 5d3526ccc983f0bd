// Package session implements ConnectionSession, the per-peer state machine
// that turns a raw transport.Transport into a reliable, multi-stream
// connection: sequencing, acknowledgement, retransmission, keep-alives and
// stream reassembly (component E of the design). It is grounded on the
// teacher's connection.go, which drives an analogous send/receive/ack loop
// over a single WebSocket, generalized here to the cooperative Tick model
// spec section 5 requires: a Session owns no goroutine of its own.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/odinlabs/sessrelay/internal/buffer"
	"github.com/odinlabs/sessrelay/internal/config"
	"github.com/odinlabs/sessrelay/internal/message"
	"github.com/odinlabs/sessrelay/internal/metrics"
	"github.com/odinlabs/sessrelay/internal/nvs"
	"github.com/odinlabs/sessrelay/internal/wire"
	"github.com/odinlabs/sessrelay/transport"
)

// ErrBackpressure is returned by QueueMessage when accepting the message
// would push the held-buffer list past MaxHeldBuffers.
var ErrBackpressure = errors.New("session: held buffer list full")

// ErrNotConnected is returned by QueueMessage when the session cannot
// currently accept application traffic.
var ErrNotConnected = errors.New("session: not connected")

// ErrWrongState is returned when an operation is invoked from a state that
// doesn't permit it.
var ErrWrongState = errors.New("session: operation not valid in current state")

// ErrNotResumable is returned by Rebind when the session was closed for a
// reason resume cannot recover from (a graceful close, or a termination
// unrelated to losing the transport).
var ErrNotResumable = errors.New("session: not resumable")

// StreamSink receives completed inbound messages and is asked whether a
// stream ID is known, decoupling Session from the mux package (avoiding the
// session<->mux import cycle the same way buffer.MessageRef avoids
// session<->message).
type StreamSink interface {
	KnownStream(streamID uint16) bool
	DeliverMessage(now time.Time, streamID uint16, msg *message.Message)
}

// heldBuffer is one outbound buffer awaiting acknowledgement.
type heldBuffer struct {
	buf      *buffer.Buffer
	attempts int
	sentAt   time.Time
	queuedAt time.Time
}

// Session is a ConnectionSession: one reliable, multiplexed logical
// connection riding on top of a transport.Transport.
type Session struct {
	Name     string
	UUID     string
	isClient bool

	cfg      *config.Config
	pool     *buffer.Pool
	tr       transport.Transport
	sink     StreamSink
	counters *metrics.Counters
	log      zerolog.Logger
	events   *eventLog

	state              State
	lastTransition     time.Time
	terminationReason  TerminationReason

	// Outbound.
	nextSendSeq     uint64
	held            []*heldBuffer
	lastAckSeqSent  uint64
	lastAckChangeAt time.Time
	ackDirty        bool

	// Inbound.
	nextExpectedRecv uint64
	reorder          map[uint64]*buffer.Buffer
	reassembly       map[uint16][]*buffer.Buffer

	lastFrameSentAt     time.Time
	lastFrameReceivedAt time.Time
	openRequestedAt     time.Time
	closeRequestedAt    time.Time

	// resendLimiter paces retransmissions so a session recovering from a
	// long stall doesn't dump its entire held list in one Tick; grounded in
	// the teacher's resource_guard.go natsLimiter/broadcastLimiter pattern.
	resendLimiter *rate.Limiter
}

// NewClientSession creates a session in StateClientSessionInitial. Call
// Open to send the RequestOpenSession (or RequestResumeSession, if resumeUUID
// is non-empty) management frame.
func NewClientSession(name, resumeUUID string, cfg *config.Config, pool *buffer.Pool, tr transport.Transport, sink StreamSink, counters *metrics.Counters, log zerolog.Logger) *Session {
	s := newSession(true, name, resumeUUID, cfg, pool, tr, sink, counters, log)
	s.state = StateClientSessionInitial
	return s
}

// NewServerSession creates a session in StateServerSessionInitial, owned by
// a SessionManager that has already parsed the peer's open/resume request.
// Call AcceptOpen to send the acceptance response and move to Active.
func NewServerSession(name, sessionUUID string, cfg *config.Config, pool *buffer.Pool, tr transport.Transport, sink StreamSink, counters *metrics.Counters, log zerolog.Logger) *Session {
	s := newSession(false, name, sessionUUID, cfg, pool, tr, sink, counters, log)
	s.state = StateServerSessionInitial
	return s
}

func newSession(isClient bool, name, sessionUUID string, cfg *config.Config, pool *buffer.Pool, tr transport.Transport, sink StreamSink, counters *metrics.Counters, log zerolog.Logger) *Session {
	now := time.Now()
	burst := cfg.MaxHeldBuffers
	if burst < 1 {
		burst = 1
	}
	return &Session{
		Name:     name,
		UUID:     sessionUUID,
		isClient: isClient,
		cfg:      cfg,
		pool:     pool,
		tr:       tr,
		sink:     sink,
		counters: counters,
		log:      log.With().Str("session", name).Logger(),
		events:   newEventLog(64),
		// Control frames (Management, Ack) carry seq_num = 0 and never
		// consume the data sequence space (spec section 4.2), so the first
		// data buffer is seq 1; the receive watermark starts expecting that
		// same value.
		nextSendSeq:      1,
		nextExpectedRecv: 1,
		reorder:          make(map[uint64]*buffer.Buffer),
		reassembly:       make(map[uint16][]*buffer.Buffer),
		lastTransition:   now,
		resendLimiter:    rate.NewLimiter(rate.Every(cfg.RetransmitHoldoff), burst),
	}
}

// State returns the session's current state.
func (s *Session) State() State { return s.state }

// Transport returns the transport the session currently sends and receives
// on. A host part driving this session's Tick loop on a per-connection
// goroutine should compare this against the connection it owns after every
// Tick and stop driving once they diverge: Rebind means another connection
// has taken over the session.
func (s *Session) Transport() transport.Transport { return s.tr }

// TerminationReason returns why the session reached a permanently closed
// state, or ReasonNone if it hasn't.
func (s *Session) TerminationReason() TerminationReason { return s.terminationReason }

// Events returns the session's recent diagnostic event log, oldest first.
func (s *Session) Events() []Event { return s.events.Recent() }

func (s *Session) transition(now time.Time, to State, detail string) {
	from := s.state
	s.state = to
	s.lastTransition = now
	s.events.record(now, "transition", fmt.Sprintf("%s -> %s: %s", from, to, detail))
	s.log.Debug().Str("from", from.String()).Str("to", to.String()).Str("detail", detail).Msg("session state transition")
}

// Open sends the initial RequestOpenSession (first connect) or
// RequestResumeSession (s.UUID already set) management frame and moves to
// StateRequestSessionOpen. Client-side only.
func (s *Session) Open(now time.Time) error {
	if !s.isClient || s.state != StateClientSessionInitial {
		return ErrWrongState
	}
	var payload nvs.Set
	if s.UUID != "" {
		payload = buildResume(s.UUID, s.pool.Size())
	} else {
		s.UUID = uuid.NewString()
		payload = buildOpen(s.Name, s.UUID, s.pool.Size())
	}
	s.openRequestedAt = now
	s.transition(now, StateRequestSessionOpen, "open requested")
	return s.sendManagement(now, payload)
}

// AcceptOpen sends SessionRequestAcceptedResponse and moves to Active.
// Server-side only; called once a SessionManager has validated the peer's
// open/resume request and admitted it.
func (s *Session) AcceptOpen(now time.Time) error {
	if s.isClient || s.state != StateServerSessionInitial {
		return ErrWrongState
	}
	payload := buildAccept(s.UUID, s.pool.Size(), s.highestContiguousRecv())
	s.transition(now, StateActive, "session accepted")
	s.lastFrameReceivedAt = now
	return s.sendManagement(now, payload)
}

// Rebind re-points an existing session at a new transport and sink after a
// RequestResumeSession, per spec section 4.4.5: both sides keep their
// sequence counters, held buffers and reassembly state, only the underlying
// connection changes. Buffers already posted to the old transport are marked
// ReadyToResend so flushHeld retransmits them with BufferIsBeingResent on the
// next Tick, and AcceptResume reports the receive watermark unaffected by
// the swap.
//
// A session closed for any reason other than losing its transport is not
// resumable: ErrNotResumable is returned and the caller should treat the
// resume request as a fresh open instead.
func (s *Session) Rebind(now time.Time, tr transport.Transport, sink StreamSink) error {
	if s.state.PermanentlyClosed() && s.terminationReason != ReasonTransportException {
		return ErrNotResumable
	}
	s.tr = tr
	s.sink = sink
	s.lastFrameSentAt = now
	s.lastFrameReceivedAt = now
	s.ackDirty = false
	for _, h := range s.held {
		if h.buf.State() == buffer.StateSendPosted {
			h.buf.SetState(now, buffer.StateReadyToResend, "rebind: resend after resume")
		}
	}
	s.terminationReason = ReasonNone
	s.transition(now, StateActive, "rebound to new transport")
	return nil
}

// AcceptResume sends SessionRequestAcceptedResponse reporting the current
// receive watermark, exactly as AcceptOpen does for a fresh session. Call it
// server-side after Rebind to complete a resume handshake.
func (s *Session) AcceptResume(now time.Time) error {
	if s.isClient {
		return ErrWrongState
	}
	payload := buildAccept(s.UUID, s.pool.Size(), s.highestContiguousRecv())
	return s.sendManagement(now, payload)
}

// onOpenAccepted is called client-side on receipt of
// SessionRequestAcceptedResponse.
func (s *Session) onOpenAccepted(now time.Time, payload nvs.Set) {
	if s.state != StateRequestSessionOpen {
		return
	}
	if peerSize, ok := mgmtBufferSize(payload); ok && peerSize != s.pool.Size() {
		s.terminate(now, ReasonBufferSizesDoNotMatch, "peer buffer size disagreement")
		return
	}
	if highest, ok := mgmtHighestContiguous(payload); ok {
		s.onDeliveryAck(now, highest)
	}
	s.transition(now, StateActive, "peer accepted session")
}

// RequestClose begins a graceful close: sends RequestCloseSession and moves
// to StateCloseRequested. Buffers already held continue draining until
// acknowledged or MaxSessionCloseWaitTime elapses.
func (s *Session) RequestClose(now time.Time, reason string) error {
	if s.state.PermanentlyClosed() {
		return nil
	}
	s.closeRequestedAt = now
	s.transition(now, StateCloseRequested, reason)
	return s.sendManagement(now, buildClose(reason))
}

// ForceTerminate immediately transitions the session to Terminated, e.g. a
// SessionManager displacing a stale session on a duplicate-UUID open
// request.
func (s *Session) ForceTerminate(now time.Time, reason TerminationReason, detail string) {
	s.terminate(now, reason, detail)
}

func (s *Session) terminate(now time.Time, reason TerminationReason, detail string) {
	if s.state.PermanentlyClosed() {
		return
	}
	s.terminationReason = reason
	s.transition(now, StateTerminated, detail)
	if reason == ReasonTransportException && s.counters != nil {
		s.counters.TransportInducedClosures.Inc()
	}
	_ = s.tr.Close()
}

// QueueMessage assigns sequence numbers to msg's buffers and admits them to
// the held list for transmission on the next Tick (spec section 4.4.2).
func (s *Session) QueueMessage(now time.Time, streamID uint16, msg *message.Message) error {
	if !s.state.Connected() {
		return ErrNotConnected
	}
	bufs := msg.Buffers()
	if len(bufs) == 0 {
		return nil
	}
	if len(s.held)+len(bufs) > s.cfg.MaxHeldBuffers {
		return ErrBackpressure
	}
	for i, b := range bufs {
		b.Header.SeqNum = s.nextSendSeq
		s.nextSendSeq++
		b.Header.MessageStream = streamID
		b.Header.AckSeqNum = s.highestContiguousRecv()
		switch {
		case len(bufs) == 1:
			b.Header.Purpose = wire.PurposeMessage
		case i == 0:
			b.Header.Purpose = wire.PurposeMessageStart
		case i == len(bufs)-1:
			b.Header.Purpose = wire.PurposeMessageEnd
		default:
			b.Header.Purpose = wire.PurposeMessageMiddle
		}
		b.SetState(now, buffer.StateReadyToSend, "queued")
		s.held = append(s.held, &heldBuffer{buf: b, queuedAt: now})
	}
	msg.SetLastBufferSeqNum(bufs[len(bufs)-1].Header.SeqNum)
	msg.MarkSendPosted(now)
	return nil
}

// highestContiguousRecv reports the highest data seq_num received with no
// gap before it. nextExpectedRecv starts at 1 (the first data buffer's
// seq_num), so a session that has received nothing yet correctly reports 0.
func (s *Session) highestContiguousRecv() uint64 {
	return s.nextExpectedRecv - 1
}

// Tick drives every time-based responsibility of the session: draining
// inbound frames, flushing and retransmitting held buffers, ack coalescing
// and keep-alives. The host part calls this repeatedly; Session never
// spawns its own goroutine (spec section 5).
func (s *Session) Tick(now time.Time) error {
	if s.state.PermanentlyClosed() {
		return nil
	}
	if !s.tr.Connected() {
		s.terminate(now, ReasonTransportException, "transport reports disconnected")
		return nil
	}

	s.drainInbound(now)
	if s.state.PermanentlyClosed() {
		return nil
	}

	if err := s.checkTimeouts(now); err != nil {
		return err
	}
	if s.state.PermanentlyClosed() {
		return nil
	}

	s.flushHeld(now)
	s.maybeRetransmit(now)
	s.maybeSendAck(now)
	s.maybeSendKeepAlive(now)
	s.updateIdleState(now)
	return nil
}

func (s *Session) checkTimeouts(now time.Time) error {
	switch s.state {
	case StateRequestSessionOpen:
		if !s.openRequestedAt.IsZero() && now.Sub(s.openRequestedAt) > s.cfg.MaxSessionConnectWaitTime {
			s.terminate(now, ReasonConnectTimeout, "peer never accepted session open")
		}
	case StateCloseRequested:
		if now.Sub(s.closeRequestedAt) > s.cfg.MaxSessionCloseWaitTime {
			s.transition(now, StateConnectionClosed, "close wait time exceeded")
			s.terminationReason = ReasonCloseTimeout
			_ = s.tr.Close()
		}
	}
	if len(s.held) > 0 {
		oldest := s.held[0]
		if now.Sub(oldest.queuedAt) > s.cfg.MaxHeldTime {
			s.terminate(now, ReasonMaxHeldTimeExceeded, "oldest held buffer exceeded MaxHeldTime")
		}
	}
	return nil
}

func (s *Session) flushHeld(now time.Time) {
	for _, h := range s.held {
		switch h.buf.State() {
		case buffer.StateReadyToSend, buffer.StateReadyToResend:
			resend := h.buf.State() == buffer.StateReadyToResend
			if resend {
				if !s.resendLimiter.AllowN(now, 1) {
					continue
				}
				h.buf.Header.Flags |= wire.FlagBufferIsBeingResent
			}
			h.buf.Header.AckSeqNum = s.highestContiguousRecv()
			h.buf.SetState(now, buffer.StateSendPosted, "flush")
			if err := s.tr.Send(context.Background(), transport.Frame(h.buf.Bytes())); err != nil {
				s.onTransportError(now, err)
				return
			}
			h.attempts++
			h.sentAt = now
			s.lastFrameSentAt = now
			s.ackDirty = false
			s.lastAckSeqSent = s.highestContiguousRecv()
			if resend && s.counters != nil {
				s.counters.ResentBuffersTx.Inc()
			}
		}
	}
}

func (s *Session) maybeRetransmit(now time.Time) {
	for _, h := range s.held {
		if h.buf.State() != buffer.StateSendPosted {
			continue
		}
		backoff := s.cfg.RetransmitHoldoff * time.Duration(1<<uint(minInt(h.attempts, 10)))
		if now.Sub(h.sentAt) >= backoff {
			h.buf.SetState(now, buffer.StateReadyToResend, "retransmit timer")
		}
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// onDeliveryAck releases every held buffer whose sequence number is <=
// ackSeqNum: the peer has confirmed contiguous receipt through that point.
func (s *Session) onDeliveryAck(now time.Time, ackSeqNum uint64) {
	i := 0
	for i < len(s.held) {
		h := s.held[i]
		if h.buf.Header.SeqNum > ackSeqNum {
			i++
			continue
		}
		h.buf.SetState(now, buffer.StateDelivered, "acked")
		s.pool.Release(now, h.buf, "delivered")
		s.held = append(s.held[:i], s.held[i+1:]...)
	}
}

func (s *Session) maybeSendAck(now time.Time) {
	if !s.ackDirty {
		return
	}
	advanced := s.highestContiguousRecv() - s.lastAckSeqSent
	if advanced >= s.cfg.AckCoalesceThreshold || now.Sub(s.lastAckChangeAt) >= s.cfg.AckCoalesceHoldoff {
		s.sendAck(now)
	}
}

func (s *Session) sendAck(now time.Time) {
	// Ack-only frames carry seq_num = 0 and never advance nextSendSeq: they
	// are not part of the reliable data sequence space (spec section 4.2).
	h := wire.Header{Purpose: wire.PurposeAck, AckSeqNum: s.highestContiguousRecv(), SeqNum: 0}
	frame := make([]byte, wire.HeaderSize)
	_ = wire.Encode(frame, h)
	if err := s.tr.Send(context.Background(), transport.Frame(frame)); err != nil {
		s.onTransportError(now, err)
		return
	}
	s.lastAckSeqSent = h.AckSeqNum
	s.ackDirty = false
	s.lastFrameSentAt = now
}

func (s *Session) maybeSendKeepAlive(now time.Time) {
	if s.lastFrameSentAt.IsZero() {
		s.lastFrameSentAt = now
		return
	}
	if now.Sub(s.lastFrameSentAt) >= s.cfg.NominalKeepAliveSendInterval {
		if err := s.sendManagement(now, buildKeepAlive()); err == nil && s.counters != nil {
			s.counters.KeepAlives.Inc()
		}
	}
}

func (s *Session) updateIdleState(now time.Time) {
	switch s.state {
	case StateActive, StateIdle, StateIdleWithPendingWork:
		if len(s.held) > 0 {
			s.state = StateIdleWithPendingWork
		} else if now.Sub(s.lastFrameSentAt) > s.cfg.ConnectionDegradedHoldoff && now.Sub(s.lastFrameReceivedAt) > s.cfg.ConnectionDegradedHoldoff {
			s.state = StateIdle
		} else {
			s.state = StateActive
		}
	}
}

// SendStatus emits a diagnostic Status management frame listing currently
// held sequence numbers.
func (s *Session) SendStatus(now time.Time) error {
	seqs := make([]uint64, len(s.held))
	for i, h := range s.held {
		seqs[i] = h.buf.Header.SeqNum
	}
	return s.sendManagement(now, buildStatus(seqs))
}

func (s *Session) sendManagement(now time.Time, payload nvs.Set) error {
	data, err := payload.Marshal()
	if err != nil {
		return err
	}
	// Management frames carry seq_num = 0 and never advance nextSendSeq: like
	// Acks, they are outside the reliable data sequence space (spec section
	// 4.2), so the first queued data buffer gets seq_num = 1.
	h := wire.Header{Purpose: wire.PurposeManagement, SeqNum: 0, AckSeqNum: s.highestContiguousRecv()}
	frame := make([]byte, wire.HeaderSize+len(data))
	_ = wire.Encode(frame, h)
	copy(frame[wire.HeaderSize:], data)
	if err := s.tr.Send(context.Background(), transport.Frame(frame)); err != nil {
		s.onTransportError(now, err)
		return err
	}
	s.lastFrameSentAt = now
	if s.counters != nil {
		s.counters.ManagementFrames.Inc()
	}
	return nil
}

func (s *Session) onTransportError(now time.Time, err error) {
	s.events.record(now, "transport-error", err.Error())
	if s.counters != nil {
		s.counters.TransportExceptions.Inc()
	}
	s.terminate(now, ReasonTransportException, err.Error())
}

// drainInbound pulls every frame currently queued by the transport without
// blocking, processing each in turn.
func (s *Session) drainInbound(now time.Time) {
	for {
		select {
		case frame, ok := <-s.tr.Recv():
			if !ok {
				s.terminate(now, ReasonTransportException, "transport channel closed")
				return
			}
			s.handleInboundFrame(now, frame)
			if s.state.PermanentlyClosed() {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) handleInboundFrame(now time.Time, frame transport.Frame) {
	s.lastFrameReceivedAt = now
	b := s.pool.Acquire(now, "inbound")
	b.LoadFrame(frame)
	b.SetState(now, buffer.StateReceivePosted, "received")
	if _, err := wire.Decode(frame); err != nil {
		if s.counters != nil {
			s.counters.InvalidFrames.Inc()
		}
		s.pool.Release(now, b, "invalid frame")
		return
	}
	b.SetState(now, buffer.StateReceived, "decoded")

	if b.Header.Purpose == wire.PurposeAck {
		s.onDeliveryAck(now, b.Header.AckSeqNum)
		s.pool.Release(now, b, "ack consumed")
		return
	}

	s.onDeliveryAck(now, b.Header.AckSeqNum)

	if b.Header.Purpose == wire.PurposeManagement {
		s.handleManagement(now, b)
		s.pool.Release(now, b, "management consumed")
		return
	}

	if !b.Header.Purpose.IsData() {
		if s.counters != nil {
			s.counters.UnexpectedNonMgmtBuffers.Inc()
		}
		s.pool.Release(now, b, "unexpected purpose")
		return
	}

	s.acceptDataBuffer(now, b)
}

func (s *Session) handleManagement(now time.Time, b *buffer.Buffer) {
	if s.counters != nil {
		s.counters.ManagementFrames.Inc()
	}
	payload, err := nvs.Unmarshal(b.Payload())
	if err != nil {
		return
	}
	typ, ok := mgmtType(payload)
	if !ok {
		return
	}
	switch typ {
	case MgmtSessionRequestAccepted:
		s.onOpenAccepted(now, payload)
	case MgmtRequestCloseSession:
		if !s.state.PermanentlyClosed() {
			s.transition(now, StateConnectionClosed, "peer requested close")
			s.terminationReason = ReasonPeerClose
			_ = s.tr.Close()
		}
	case MgmtNoteSessionTerminated:
		s.terminate(now, ReasonPeerTerminated, "peer terminated session")
	case MgmtKeepAlive, MgmtStatus:
		// No action required beyond having refreshed lastFrameReceivedAt.
	}
}

// acceptDataBuffer applies the sequencing and per-stream reassembly rules of
// spec section 4.4.4: a buffer whose seq equals nextExpectedRecv advances the
// watermark immediately (and drains any now-contiguous reorder entries); a
// buffer arriving ahead of the watermark is held in the reorder map; a
// buffer at or below the watermark is a duplicate (likely a retransmission)
// and is simply dropped after counting.
func (s *Session) acceptDataBuffer(now time.Time, b *buffer.Buffer) {
	seq := b.Header.SeqNum
	switch {
	case seq < s.nextExpectedRecv:
		if s.counters != nil {
			s.counters.ResentBuffersRx.Inc()
		}
		s.pool.Release(now, b, "duplicate")
		return
	case seq > s.nextExpectedRecv:
		if s.counters != nil {
			s.counters.OutOfOrderReceives.Inc()
		}
		s.reorder[seq] = b
		s.ackDirty = true
		s.lastAckChangeAt = now
		return
	}
	s.deliverInOrder(now, b)
	s.nextExpectedRecv++
	for {
		next, ok := s.reorder[s.nextExpectedRecv]
		if !ok {
			break
		}
		delete(s.reorder, s.nextExpectedRecv)
		s.deliverInOrder(now, next)
		s.nextExpectedRecv++
	}
	s.ackDirty = true
	s.lastAckChangeAt = now
}

// deliverInOrder applies one contiguous data buffer to its stream's
// reassembly state, handing a completed message to the sink on End or a
// standalone Message purpose.
func (s *Session) deliverInOrder(now time.Time, b *buffer.Buffer) {
	streamID := b.Header.MessageStream
	switch b.Header.Purpose {
	case wire.PurposeMessage:
		s.dispatch(now, streamID, []*buffer.Buffer{b})
	case wire.PurposeMessageStart:
		if existing := s.reassembly[streamID]; len(existing) > 0 {
			s.events.record(now, "protocol-violation", fmt.Sprintf("stream %d: MessageStart while a reassembly was in progress", streamID))
			if s.counters != nil {
				s.counters.ProtocolViolations.Inc()
			}
			for _, old := range existing {
				s.pool.Release(now, old, "overlapping start")
			}
		}
		s.reassembly[streamID] = []*buffer.Buffer{b}
	case wire.PurposeMessageMiddle:
		s.reassembly[streamID] = append(s.reassembly[streamID], b)
	case wire.PurposeMessageEnd:
		bufs := append(s.reassembly[streamID], b)
		delete(s.reassembly, streamID)
		s.dispatch(now, streamID, bufs)
	}
}

func (s *Session) dispatch(now time.Time, streamID uint16, bufs []*buffer.Buffer) {
	if s.sink == nil || !s.sink.KnownStream(streamID) {
		if s.counters != nil {
			s.counters.UnexpectedNonMgmtBuffers.Inc()
		}
		for _, b := range bufs {
			s.pool.Release(now, b, "unknown stream")
		}
		return
	}
	msg := message.FromBuffers(streamID, bufs)
	s.sink.DeliverMessage(now, streamID, msg)
	for _, b := range bufs {
		b.SetState(now, buffer.StateDelivered, "reassembled")
		s.pool.Release(now, b, "reassembled")
	}
}
