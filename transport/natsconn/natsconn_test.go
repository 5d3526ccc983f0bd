package natsconn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// requireLocalNATS skips the test unless a NATS server is actually reachable
// on the default port; these tests exercise the real JetStream wire
// protocol and are not meaningful against a mock.
func requireLocalNATS(t *testing.T) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", "127.0.0.1:4222", 200*time.Millisecond)
	if err != nil {
		t.Skipf("no local nats-server reachable: %v", err)
	}
	conn.Close()
}

func TestDialRoundTripsFrames(t *testing.T) {
	requireLocalNATS(t)

	clientEp := Endpoint{
		SendSubject: "sessrelay.test.c2s",
		RecvSubject: "sessrelay.test.s2c",
		StreamName:  "SESSRELAY_TEST",
		Durable:     "sessrelay-test-client",
	}
	serverEp := Endpoint{
		SendSubject: "sessrelay.test.s2c",
		RecvSubject: "sessrelay.test.c2s",
		StreamName:  "SESSRELAY_TEST",
		Durable:     "sessrelay-test-server",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := Dial(ctx, nats.DefaultURL, clientEp, zerolog.Nop())
	if err != nil {
		t.Fatalf("client dial: %v", err)
	}
	defer client.Close()

	server, err := Dial(ctx, nats.DefaultURL, serverEp, zerolog.Nop())
	if err != nil {
		t.Fatalf("server dial: %v", err)
	}
	defer server.Close()

	if err := client.Send(ctx, []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case got := <-server.Recv():
		if string(got) != "hello" {
			t.Fatalf("got %q, want hello", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server never received the frame")
	}
}
