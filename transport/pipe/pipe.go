// Package pipe is an in-memory reference Transport used by the core's own
// tests and by anyone wiring up a session pair without a real network. It is
// the simplest possible implementation of transport.Transport: two buffered
// channels wired back to back.
package pipe

import (
	"context"
	"errors"
	"sync"

	"github.com/odinlabs/sessrelay/transport"
)

// Pair creates two connected in-memory transports, a and b, such that
// a.Send delivers to b.Recv and vice versa.
func Pair(queueDepth int) (a, b *Pipe) {
	ab := make(chan transport.Frame, queueDepth)
	ba := make(chan transport.Frame, queueDepth)
	a = &Pipe{out: ab, in: ba}
	b = &Pipe{out: ba, in: ab}
	return a, b
}

// Pipe is a Transport backed by a pair of Go channels.
type Pipe struct {
	mu     sync.Mutex
	closed bool
	out    chan<- transport.Frame
	in     <-chan transport.Frame
}

var errClosed = errors.New("pipe: transport closed")

func (p *Pipe) Send(ctx context.Context, f transport.Frame) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return errClosed
	}
	cp := make(transport.Frame, len(f))
	copy(cp, f)
	select {
	case p.out <- cp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipe) Recv() <-chan transport.Frame { return p.in }

func (p *Pipe) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

// Close marks this end closed, so its Send fails and its Connected reports
// false. It closes neither channel: this end's Recv channel stays open, and
// the peer end keeps reporting Connected.
func (p *Pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return nil
}

var _ transport.Transport = (*Pipe)(nil)
