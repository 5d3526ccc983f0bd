package base

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/odinlabs/sessrelay/internal/buffer"
	"github.com/odinlabs/sessrelay/internal/message"
	"github.com/odinlabs/sessrelay/internal/nvs"
	"github.com/odinlabs/sessrelay/internal/tool"
)

func TestServerSendsServerInfoOnce(t *testing.T) {
	now := time.Now()
	pool := buffer.NewPool(256, 256*64)
	info := nvs.New().Set("Name", "relayd").Set("ProtocolVersion", "1")
	ctx := tool.NewContext(0, tool.TypeBase, zerolog.Nop(), pool)
	srv := NewServer(info)(ctx)

	msg := srv.ServiceAndGenerateNextMessage(now)
	if msg == nil {
		t.Fatalf("expected ServerInfo message on first service, got nil")
	}
	got, err := nvs.Unmarshal(message.ReadAll(msg))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v, _ := got.Get("Name"); v != "relayd" {
		t.Fatalf("Name = %q, want relayd", v)
	}

	if msg := srv.ServiceAndGenerateNextMessage(now); msg != nil {
		t.Fatalf("expected nil on second service, ServerInfo must only be sent once")
	}
}

func TestClientObservesServerInfoOnce(t *testing.T) {
	now := time.Now()
	pool := buffer.NewPool(256, 256*64)
	var observed []nvs.Set
	ctx := tool.NewContext(0, tool.TypeBase, zerolog.Nop(), pool)
	client := NewClient(func(info nvs.Set) { observed = append(observed, info) })(ctx)

	info := nvs.New().Set("Name", "relayd")
	payload, _ := info.Marshal()
	m := message.New(0, pool)
	w := message.NewWriter(m)
	if _, err := w.Write(now, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	client.HandleInboundMessage(now, m)
	client.HandleInboundMessage(now, m) // a duplicate/replay must not re-observe

	if len(observed) != 1 {
		t.Fatalf("observer called %d times, want 1", len(observed))
	}
	if v, _ := observed[0].Get("Name"); v != "relayd" {
		t.Fatalf("Name = %q, want relayd", v)
	}
}

func TestResetStateAllowsReobservation(t *testing.T) {
	now := time.Now()
	pool := buffer.NewPool(256, 256*64)
	var calls int
	ctx := tool.NewContext(0, tool.TypeBase, zerolog.Nop(), pool)
	client := NewClient(func(nvs.Set) { calls++ })(ctx)

	payload, _ := nvs.New().Marshal()
	m := message.New(0, pool)
	w := message.NewWriter(m)
	w.Write(now, payload)
	client.HandleInboundMessage(now, m)

	client.ResetState(now, tool.ResetSessionLost, "reconnect")

	m2 := message.New(0, pool)
	w2 := message.NewWriter(m2)
	w2.Write(now, payload)
	client.HandleInboundMessage(now, m2)

	if calls != 2 {
		t.Fatalf("observer called %d times across two sessions, want 2", calls)
	}
}
