// Package wsconn is a transport.Transport over a raw WebSocket connection,
// grounded on the teacher's server.go readPump/writePump pair: the same
// split between a goroutine that blocks on wsutil.ReadClientData and a
// goroutine that drains a send channel and writes with a deadline, but
// carrying session frames as binary WebSocket messages instead of the
// teacher's JSON text messages, since a frame is already wire.Encode's
// binary form.
package wsconn

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/odinlabs/sessrelay/transport"
)

const (
	writeWait = 5 * time.Second
	pongWait  = 30 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Conn is a transport.Transport backed by a gobwas/ws connection. It is
// created either by Dial (client side) or by Upgrade (server side); both
// drive the same pumps.
type Conn struct {
	conn net.Conn
	log  zerolog.Logger

	out  chan transport.Frame
	in   chan transport.Frame
	done chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	connected bool
	isServer  bool
}

func newConn(raw net.Conn, log zerolog.Logger, sendQueueDepth int, isServer bool) *Conn {
	c := &Conn{
		conn:      raw,
		log:       log.With().Str("component", "wsconn").Logger(),
		out:       make(chan transport.Frame, sendQueueDepth),
		in:        make(chan transport.Frame, sendQueueDepth),
		done:      make(chan struct{}),
		connected: true,
		isServer:  isServer,
	}
	go c.readPump()
	go c.writePump()
	return c
}

// Dial opens a client-side WebSocket connection to addr (a ws:// or wss://
// URL) and returns it wrapped as a transport.Transport.
func Dial(ctx context.Context, addr string, log zerolog.Logger) (*Conn, error) {
	raw, _, _, err := ws.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return newConn(raw, log, 64, false), nil
}

// Upgrade upgrades an inbound HTTP request to a WebSocket connection,
// mirroring the teacher's handleWebSocket entry point (ws.UpgradeHTTP called
// straight on the *http.Request/http.ResponseWriter pair).
func Upgrade(w http.ResponseWriter, r *http.Request, log zerolog.Logger) (*Conn, error) {
	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return nil, err
	}
	return newConn(raw, log, 64, true), nil
}

func (c *Conn) writeMessage(op ws.OpCode, payload []byte) error {
	if c.isServer {
		return wsutil.WriteServerMessage(c.conn, op, payload)
	}
	return wsutil.WriteClientMessage(c.conn, op, payload)
}

func (c *Conn) Send(ctx context.Context, f transport.Frame) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return errors.New("wsconn: not connected")
	}
	cp := make(transport.Frame, len(f))
	copy(cp, f)
	select {
	case c.out <- cp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errors.New("wsconn: closed")
	}
}

func (c *Conn) Recv() <-chan transport.Frame { return c.in }

func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		close(c.done)
		c.conn.Close()
	})
	return nil
}

func (c *Conn) readPump() {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		close(c.in)
		c.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		var msg []byte
		var op ws.OpCode
		var err error
		if c.isServer {
			msg, op, err = wsutil.ReadClientData(c.conn)
		} else {
			msg, op, err = wsutil.ReadServerData(c.conn)
		}
		if err != nil {
			c.log.Debug().Err(err).Msg("wsconn: read error, disconnecting")
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpBinary:
			frame := make(transport.Frame, len(msg))
			copy(frame, msg)
			select {
			case c.in <- frame:
			case <-c.done:
				return
			}
		case ws.OpClose:
			return
		default:
			// Ping/text frames carry no session payload; gobwas answers pings
			// automatically.
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case frame, ok := <-c.out:
			if !ok {
				c.writeMessage(ws.OpClose, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.writeMessage(ws.OpBinary, frame); err != nil {
				c.log.Debug().Err(err).Msg("wsconn: write error, disconnecting")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.writeMessage(ws.OpPing, nil); err != nil {
				c.log.Debug().Err(err).Msg("wsconn: ping write error")
				return
			}
		case <-c.done:
			return
		}
	}
}

var _ transport.Transport = (*Conn)(nil)
