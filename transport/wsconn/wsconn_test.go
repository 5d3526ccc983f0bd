package wsconn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/odinlabs/sessrelay/transport"
)

func TestDialUpgradeRoundTrip(t *testing.T) {
	var serverConn *Conn
	accepted := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		c, err := Upgrade(w, r, zerolog.Nop())
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverConn = c
		close(accepted)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws://" + srv.Listener.Addr().String() + "/"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := Dial(ctx, wsURL, zerolog.Nop())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatalf("server never accepted the upgrade")
	}
	defer serverConn.Close()

	frame := transport.Frame("hello, session")
	if err := client.Send(ctx, frame); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case got := <-serverConn.Recv():
		if string(got) != string(frame) {
			t.Fatalf("server got %q, want %q", got, frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server never received the frame")
	}

	reply := transport.Frame("hello, client")
	if err := serverConn.Send(ctx, reply); err != nil {
		t.Fatalf("server send: %v", err)
	}
	select {
	case got := <-client.Recv():
		if string(got) != string(reply) {
			t.Fatalf("client got %q, want %q", got, reply)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("client never received the reply")
	}

	if !client.Connected() || !serverConn.Connected() {
		t.Fatalf("both ends should still report connected")
	}
}
