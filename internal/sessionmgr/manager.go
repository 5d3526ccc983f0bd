// Package sessionmgr implements SessionManager (component D): the
// server-side registry that turns a freshly accepted transport.Transport
// into a ConnectionSession, keyed by session UUID and by name, admitting or
// rejecting new sessions via an AdmissionGuard and sweeping permanently
// closed sessions off the registry. Grounded on the teacher's server.go,
// which performs the analogous accept/register/sweep loop for raw
// WebSocket clients.
package sessionmgr

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/odinlabs/sessrelay/internal/buffer"
	"github.com/odinlabs/sessrelay/internal/config"
	"github.com/odinlabs/sessrelay/internal/metrics"
	"github.com/odinlabs/sessrelay/internal/session"
	"github.com/odinlabs/sessrelay/transport"
)

// ErrRejected is returned by TryAccept when the AdmissionGuard declines the
// new session.
var ErrRejected = errors.New("sessionmgr: admission rejected")

// ErrBufferSizeMismatch is returned when a peer's requested buffer size
// disagrees with this manager's pool.
var ErrBufferSizeMismatch = errors.New("sessionmgr: buffer size mismatch")

// Manager is the server-side SessionManager: it owns the uuid->session and
// name->session maps and drives the accept/resume handshake before handing
// a live *session.Session to the caller's stream multiplexer.
type Manager struct {
	mu sync.Mutex

	cfg      *config.Config
	pool     *buffer.Pool
	counters *metrics.Counters
	guard    *AdmissionGuard
	log      zerolog.Logger

	mgmtLimiter *rate.Limiter

	byUUID map[string]*session.Session
	byName map[string]*session.Session
}

// NewManager creates an empty registry. guard may be nil to disable
// admission control (useful in tests).
func NewManager(cfg *config.Config, pool *buffer.Pool, counters *metrics.Counters, guard *AdmissionGuard, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		pool:     pool,
		counters: counters,
		guard:    guard,
		log:      log.With().Str("component", "sessionmgr").Logger(),
		// Caps inbound open/resume request processing the way
		// resource_guard.go's natsLimiter caps NATS consumption: a burst of
		// connection attempts shouldn't starve already-active sessions of
		// Tick time on the same host part.
		mgmtLimiter: rate.NewLimiter(rate.Limit(200), 400),
		byUUID:      make(map[string]*session.Session),
		byName:      make(map[string]*session.Session),
	}
}

// Count returns the number of sessions currently registered (including ones
// pending sweep).
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byUUID)
}

// Lookup returns a registered session by UUID.
func (m *Manager) Lookup(uuid string) (*session.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byUUID[uuid]
	return s, ok
}

// TryAccept inspects tr for a pending RequestOpenSession or
// RequestResumeSession management frame without blocking. It returns
// (nil, false, nil) when no frame has arrived yet; the caller's accept loop
// should retry on a later Tick. On a recognized request it admits or
// rejects the session, registers it and sends the acceptance response,
// returning the live *session.Session.
func (m *Manager) TryAccept(now time.Time, tr transport.Transport, sink session.StreamSink) (*session.Session, bool, error) {
	var frame transport.Frame
	select {
	case f, ok := <-tr.Recv():
		if !ok {
			return nil, false, errors.New("sessionmgr: transport closed before open request")
		}
		frame = f
	default:
		return nil, false, nil
	}

	if !m.mgmtLimiter.AllowN(now, 1) {
		return nil, false, errors.New("sessionmgr: open-request rate limit exceeded")
	}

	_, payload, err := session.DecodeManagementFrame(frame)
	if err != nil {
		if m.counters != nil {
			m.counters.InvalidFrames.Inc()
		}
		return nil, false, err
	}
	req, ok := session.ParseRequest(payload)
	if !ok {
		return nil, false, errors.New("sessionmgr: first frame was not an open/resume request")
	}

	switch req.Type {
	case session.MgmtRequestOpenSession:
		return m.accept(now, req, tr, sink, false)
	case session.MgmtRequestResumeSession:
		return m.accept(now, req, tr, sink, true)
	default:
		return nil, false, errors.New("sessionmgr: unexpected first management type " + string(req.Type))
	}
}

func (m *Manager) accept(now time.Time, req session.Request, tr transport.Transport, sink session.StreamSink, resume bool) (*session.Session, bool, error) {
	if req.BufferSize != 0 && req.BufferSize != m.pool.Size() {
		return nil, false, ErrBufferSizeMismatch
	}

	m.mu.Lock()
	if existing, ok := m.byUUID[req.SessionUUID]; ok {
		if resume {
			m.mu.Unlock()
			return m.resumeExisting(now, existing, tr, sink)
		}
		// A fresh open on a UUID already in use displaces the stale
		// session (spec section 4.3: duplicate-open forces the old
		// session closed rather than refusing the new one).
		existing.ForceTerminate(now, session.ReasonPeerTerminated, "displaced by new open on same UUID")
		delete(m.byUUID, req.SessionUUID)
		if existing.Name != "" {
			delete(m.byName, existing.Name)
		}
	}

	if m.guard != nil {
		if ok, reason := m.guard.ShouldAccept(len(m.byUUID)); !ok {
			m.mu.Unlock()
			m.log.Warn().Str("reason", reason).Msg("session rejected by admission guard")
			return nil, false, ErrRejected
		}
	}

	name := req.Name
	if name == "" {
		name = req.SessionUUID
	}
	srv := session.NewServerSession(name, req.SessionUUID, m.cfg, m.pool, tr, sink, m.counters, m.log)
	m.byUUID[req.SessionUUID] = srv
	m.byName[name] = srv
	m.mu.Unlock()

	if err := srv.AcceptOpen(now); err != nil {
		return nil, false, err
	}
	return srv, true, nil
}

// resumeExisting rebinds existing onto tr/sink in place (spec section
// 4.4.5): held buffers, sequence counters and reassembly state all survive
// the transport swap, so the accept response reports the real receive
// watermark and the peer only needs to resend what was never acknowledged.
// A session that isn't resumable (closed for a reason other than losing its
// transport) is displaced and re-admitted as a fresh session instead, same
// as a duplicate-UUID open.
func (m *Manager) resumeExisting(now time.Time, existing *session.Session, tr transport.Transport, sink session.StreamSink) (*session.Session, bool, error) {
	if err := existing.Rebind(now, tr, sink); err != nil {
		m.mu.Lock()
		delete(m.byUUID, existing.UUID)
		if existing.Name != "" {
			delete(m.byName, existing.Name)
		}
		m.mu.Unlock()
		return m.accept(now, session.Request{Type: session.MgmtRequestOpenSession, Name: existing.Name, SessionUUID: existing.UUID, BufferSize: m.pool.Size()}, tr, sink, false)
	}
	if err := existing.AcceptResume(now); err != nil {
		return nil, false, err
	}
	return existing, true, nil
}

// Sweep removes every permanently-closed session from the registry,
// returning how many were removed. Call it once per host-part tick.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for uuid, s := range m.byUUID {
		if s.State().PermanentlyClosed() {
			delete(m.byUUID, uuid)
			delete(m.byName, s.Name)
			removed++
		}
	}
	return removed
}

// Sessions returns a snapshot slice of every currently registered session.
func (m *Manager) Sessions() []*session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*session.Session, 0, len(m.byUUID))
	for _, s := range m.byUUID {
		out = append(out, s)
	}
	return out
}
