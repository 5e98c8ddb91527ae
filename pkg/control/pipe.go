package control

import (
	"context"
	"sync"
)

// Pipe returns two connected in-process ports. Closing either end closes both.
func Pipe(buffer int) (Port, Port) {
	if buffer <= 0 {
		buffer = 16
	}
	l := &link{done: make(chan struct{})}
	a := &pipePort{link: l, in: make(chan Envelope, buffer)}
	b := &pipePort{link: l, in: make(chan Envelope, buffer)}
	a.peer, b.peer = b, a
	return a, b
}

type link struct {
	once sync.Once
	done chan struct{}
}

type pipePort struct {
	link *link
	in   chan Envelope
	peer *pipePort
}

func (p *pipePort) Send(ctx context.Context, env Envelope) error {
	select {
	case <-p.link.done:
		return ErrClosed
	default:
	}
	select {
	case p.peer.in <- env:
		return nil
	case <-p.link.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipePort) Recv(ctx context.Context) (Envelope, error) {
	select {
	case env := <-p.in:
		return env, nil
	default:
	}
	select {
	case env := <-p.in:
		return env, nil
	case <-p.link.done:
		return Envelope{}, ErrClosed
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (p *pipePort) Close() error {
	p.link.once.Do(func() { close(p.link.done) })
	return nil
}
