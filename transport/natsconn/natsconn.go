// Package natsconn is a transport.Transport carrying session frames as NATS
// JetStream message payloads instead of raw socket bytes, grounded on the
// teacher's server.go NATS wiring (nats.Connect with reconnect options,
// JetStreamContext, a durable manual-ack Subscribe pushing into a worker
// pool). Two peers of one session exchange frames over a pair of subjects,
// one per direction, both captured by the single JetStream stream named in
// the Endpoint so a redelivered frame after a brief consumer outage doesn't
// get lost the way a plain core-NATS subscription would drop it.
package natsconn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/odinlabs/sessrelay/transport"
)

// Endpoint names the subject pair a Conn uses: it publishes to SendSubject
// and consumes RecvSubject. Two Conns wired with swapped Endpoints form one
// session's duplex transport, mirroring transport/pipe.Pair but over NATS.
type Endpoint struct {
	SendSubject string
	RecvSubject string
	StreamName  string
	Durable     string
}

// Conn is a transport.Transport backed by a JetStream publish/subscribe
// pair.
type Conn struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	sub *nats.Subscription

	ep  Endpoint
	log zerolog.Logger

	in   chan transport.Frame
	done chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	connected bool
}

// Dial connects to natsURL, ensures ep's stream exists and opens a durable
// manual-ack subscription on ep.RecvSubject, returning a transport.Transport
// that publishes outbound frames to ep.SendSubject.
func Dial(ctx context.Context, natsURL string, ep Endpoint, log zerolog.Logger) (*Conn, error) {
	nc, err := nats.Connect(natsURL, nats.MaxReconnects(5), nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("natsconn: connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natsconn: jetstream: %w", err)
	}

	if _, err := js.StreamInfo(ep.StreamName); err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      ep.StreamName,
			Subjects:  []string{ep.SendSubject, ep.RecvSubject},
			Retention: nats.InterestPolicy,
			Storage:   nats.MemoryStorage,
			Replicas:  1,
			Discard:   nats.DiscardOld,
			MaxAge:    24 * time.Hour,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("natsconn: add stream: %w", err)
		}
	}

	c := &Conn{
		nc:        nc,
		js:        js,
		ep:        ep,
		log:       log.With().Str("component", "natsconn").Str("stream", ep.StreamName).Logger(),
		in:        make(chan transport.Frame, 256),
		done:      make(chan struct{}),
		connected: true,
	}

	sub, err := js.Subscribe(ep.RecvSubject, c.onMessage, nats.Durable(ep.Durable), nats.ManualAck(), nats.AckWait(30*time.Second))
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natsconn: subscribe: %w", err)
	}
	c.sub = sub
	return c, nil
}

func (c *Conn) onMessage(msg *nats.Msg) {
	frame := make(transport.Frame, len(msg.Data))
	copy(frame, msg.Data)
	select {
	case c.in <- frame:
		if err := msg.Ack(); err != nil {
			c.log.Debug().Err(err).Msg("natsconn: ack failed")
		}
	case <-c.done:
		_ = msg.Nak()
	default:
		// Inbound queue full: NAK so JetStream redelivers once the session
		// catches up, rather than silently dropping the frame.
		if err := msg.Nak(); err != nil {
			c.log.Debug().Err(err).Msg("natsconn: nak failed")
		}
	}
}

func (c *Conn) Send(ctx context.Context, f transport.Frame) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return errors.New("natsconn: not connected")
	}
	_, err := c.js.Publish(c.ep.SendSubject, f, nats.Context(ctx))
	return err
}

func (c *Conn) Recv() <-chan transport.Frame { return c.in }

func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.nc.IsConnected()
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		close(c.done)
		if c.sub != nil {
			_ = c.sub.Unsubscribe()
		}
		c.nc.Close()
		close(c.in)
	})
	return nil
}

var _ transport.Transport = (*Conn)(nil)
