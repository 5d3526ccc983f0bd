package sessionmgr

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/odinlabs/sessrelay/internal/buffer"
	"github.com/odinlabs/sessrelay/internal/config"
	"github.com/odinlabs/sessrelay/internal/message"
	"github.com/odinlabs/sessrelay/internal/session"
	"github.com/odinlabs/sessrelay/transport/pipe"
)

type nopSink struct{}

func (nopSink) KnownStream(uint16) bool                                 { return true }
func (nopSink) DeliverMessage(time.Time, uint16, *message.Message) {}

func testConfig() *config.Config {
	return &config.Config{
		BufferPoolBufferSize:         256,
		BufferPoolMaxTotalSpaceBytes: 256 * 64,
		MaxSessionConnectWaitTime:    time.Second,
		MaxSessionCloseWaitTime:      time.Second,
		NominalKeepAliveSendInterval: time.Hour,
		ConnectionDegradedHoldoff:    time.Hour,
		RetransmitHoldoff:            10 * time.Millisecond,
		MaxHeldBuffers:               8,
		MaxHeldTime:                  time.Second,
		AckCoalesceThreshold:         1,
		AckCoalesceHoldoff:           time.Millisecond,
	}
}

func TestManagerAcceptsFreshOpen(t *testing.T) {
	now := time.Now()
	cfg := testConfig()
	cPool := buffer.NewPool(cfg.BufferPoolBufferSize, cfg.BufferPoolMaxTotalSpaceBytes)
	sPool := buffer.NewPool(cfg.BufferPoolBufferSize, cfg.BufferPoolMaxTotalSpaceBytes)
	cPipe, sPipe := pipe.Pair(16)

	client := session.NewClientSession("alice", "", cfg, cPool, cPipe, nopSink{}, nil, zerolog.Nop())
	if err := client.Open(now); err != nil {
		t.Fatalf("open: %v", err)
	}

	mgr := NewManager(cfg, sPool, nil, nil, zerolog.Nop())
	srv, ok, err := mgr.TryAccept(now, sPipe, nopSink{})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !ok || srv == nil {
		t.Fatalf("expected a session to be accepted")
	}
	if srv.Name != "alice" {
		t.Fatalf("name = %q, want alice", srv.Name)
	}
	if mgr.Count() != 1 {
		t.Fatalf("count = %d, want 1", mgr.Count())
	}

	if err := client.Tick(now); err != nil {
		t.Fatalf("client tick: %v", err)
	}
	if client.State() != session.StateActive {
		t.Fatalf("client state = %s, want Active", client.State())
	}
}

func TestManagerTryAcceptReturnsFalseWithoutFrame(t *testing.T) {
	cfg := testConfig()
	pool := buffer.NewPool(cfg.BufferPoolBufferSize, cfg.BufferPoolMaxTotalSpaceBytes)
	_, sPipe := pipe.Pair(16)
	mgr := NewManager(cfg, pool, nil, nil, zerolog.Nop())

	srv, ok, err := mgr.TryAccept(time.Now(), sPipe, nopSink{})
	if err != nil || ok || srv != nil {
		t.Fatalf("expected (nil, false, nil) with no pending frame, got (%v, %v, %v)", srv, ok, err)
	}
}

func TestManagerRejectsWhenGuardDeclines(t *testing.T) {
	now := time.Now()
	cfg := testConfig()
	cPool := buffer.NewPool(cfg.BufferPoolBufferSize, cfg.BufferPoolMaxTotalSpaceBytes)
	sPool := buffer.NewPool(cfg.BufferPoolBufferSize, cfg.BufferPoolMaxTotalSpaceBytes)
	cPipe, sPipe := pipe.Pair(16)

	client := session.NewClientSession("bob", "", cfg, cPool, cPipe, nopSink{}, nil, zerolog.Nop())
	if err := client.Open(now); err != nil {
		t.Fatalf("open: %v", err)
	}

	guard := NewAdmissionGuard(zerolog.Nop(), 100)
	guard.maxSessions = 0 // force rejection regardless of sampled CPU
	mgr := NewManager(cfg, sPool, nil, guard, zerolog.Nop())

	_, ok, err := mgr.TryAccept(now, sPipe, nopSink{})
	if ok || err != ErrRejected {
		t.Fatalf("expected ErrRejected, got ok=%v err=%v", ok, err)
	}
	if mgr.Count() != 0 {
		t.Fatalf("count = %d, want 0 after rejection", mgr.Count())
	}
}

// TestManagerResumePreservesWatermark exercises spec section 4.4.5 through
// the manager: a session that already received one data buffer, then loses
// its transport, rebinds in place on resume rather than starting over, so
// the accept response reports the real receive watermark instead of 0.
func TestManagerResumePreservesWatermark(t *testing.T) {
	now := time.Now()
	cfg := testConfig()
	cPool := buffer.NewPool(cfg.BufferPoolBufferSize, cfg.BufferPoolMaxTotalSpaceBytes)
	sPool := buffer.NewPool(cfg.BufferPoolBufferSize, cfg.BufferPoolMaxTotalSpaceBytes)
	cPipe, sPipe := pipe.Pair(16)

	client := session.NewClientSession("dana", "", cfg, cPool, cPipe, nopSink{}, nil, zerolog.Nop())
	if err := client.Open(now); err != nil {
		t.Fatalf("open: %v", err)
	}
	mgr := NewManager(cfg, sPool, nil, nil, zerolog.Nop())
	srv, ok, err := mgr.TryAccept(now, sPipe, nopSink{})
	if err != nil || !ok {
		t.Fatalf("accept: ok=%v err=%v", ok, err)
	}
	if err := client.Tick(now); err != nil {
		t.Fatalf("client tick: %v", err)
	}

	msg := message.New(1, cPool)
	if _, err := message.NewWriter(msg).Write(now, []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := client.QueueMessage(now, 1, msg); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := client.Tick(now); err != nil {
		t.Fatalf("client tick: %v", err)
	}
	if err := srv.Tick(now); err != nil {
		t.Fatalf("server tick: %v", err)
	}

	// Transport disconnects; the peer reconnects with RequestResumeSession
	// on a brand new transport.
	newClientPipe, newServerPipe := pipe.Pair(16)
	resumeClient := session.NewClientSession("dana", client.UUID, cfg, cPool, newClientPipe, nopSink{}, nil, zerolog.Nop())
	if err := resumeClient.Open(now); err != nil {
		t.Fatalf("resume open: %v", err)
	}

	resumed, ok, err := mgr.TryAccept(now, newServerPipe, nopSink{})
	if err != nil || !ok {
		t.Fatalf("resume accept: ok=%v err=%v", ok, err)
	}
	if resumed != srv {
		t.Fatalf("resume produced a new *Session instead of rebinding the existing one")
	}
	if mgr.Count() != 1 {
		t.Fatalf("count = %d after resume, want 1 (no duplicate registration)", mgr.Count())
	}

	acceptFrame := <-newClientPipe.Recv()
	_, payload, err := session.DecodeManagementFrame(acceptFrame)
	if err != nil {
		t.Fatalf("decode accept: %v", err)
	}
	typ, _ := session.ParseRequest(payload)
	if typ.Type != session.MgmtSessionRequestAccepted {
		t.Fatalf("management type = %q, want SessionRequestAcceptedResponse", typ.Type)
	}
	if highest, _ := payload.Get("HighestContiguousSeqNum"); highest != "1" {
		t.Fatalf("accept reported highest-contiguous = %q, want 1", highest)
	}
}

func TestManagerSweepRemovesClosedSessions(t *testing.T) {
	now := time.Now()
	cfg := testConfig()
	cPool := buffer.NewPool(cfg.BufferPoolBufferSize, cfg.BufferPoolMaxTotalSpaceBytes)
	sPool := buffer.NewPool(cfg.BufferPoolBufferSize, cfg.BufferPoolMaxTotalSpaceBytes)
	cPipe, sPipe := pipe.Pair(16)

	client := session.NewClientSession("carol", "", cfg, cPool, cPipe, nopSink{}, nil, zerolog.Nop())
	_ = client.Open(now)

	mgr := NewManager(cfg, sPool, nil, nil, zerolog.Nop())
	srv, _, err := mgr.TryAccept(now, sPipe, nopSink{})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	srv.ForceTerminate(now, session.ReasonLocalClose, "test teardown")
	if removed := mgr.Sweep(now); removed != 1 {
		t.Fatalf("swept %d sessions, want 1", removed)
	}
	if mgr.Count() != 0 {
		t.Fatalf("count = %d after sweep, want 0", mgr.Count())
	}
}
