package bridge

import (
	"sort"
	"sync"
)

// Pipe returns two connected in-memory ports. Each end delivers inbound
// envelopes in order on its own goroutine and holds them until a handler
// is registered.
func Pipe() (Port, Port) {
	a, b := newPipePort(), newPipePort()
	a.peer, b.peer = b, a
	go a.deliver()
	go b.deliver()
	return a, b
}

type pipePort struct {
	peer *pipePort

	mu       sync.Mutex
	inbox    []Envelope
	handlers map[int]func(Envelope)
	nextID   int
	wake     chan struct{}
	done     chan struct{}
	closed   bool
}

func newPipePort() *pipePort {
	return &pipePort{
		handlers: make(map[int]func(Envelope)),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (p *pipePort) Post(env Envelope) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return p.peer.enqueue(env)
}

func (p *pipePort) OnMessage(fn func(Envelope)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.handlers[id] = fn
	p.mu.Unlock()
	p.signal()

	return func() {
		p.mu.Lock()
		delete(p.handlers, id)
		p.mu.Unlock()
	}
}

func (p *pipePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.inbox = nil
	close(p.done)
	return nil
}

func (p *pipePort) enqueue(env Envelope) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.inbox = append(p.inbox, env)
	p.mu.Unlock()
	p.signal()
	return nil
}

func (p *pipePort) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *pipePort) deliver() {
	for {
		select {
		case <-p.done:
			return
		case <-p.wake:
		}

		for {
			p.mu.Lock()
			if p.closed || len(p.handlers) == 0 || len(p.inbox) == 0 {
				p.mu.Unlock()
				break
			}
			env := p.inbox[0]
			p.inbox = p.inbox[1:]
			handlers := p.snapshotLocked()
			p.mu.Unlock()

			for _, h := range handlers {
				h(env)
			}
		}
	}
}

func (p *pipePort) snapshotLocked() []func(Envelope) {
	ids := make([]int, 0, len(p.handlers))
	for id := range p.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Envelope), len(ids))
	for i, id := range ids {
		out[i] = p.handlers[id]
	}
	return out
}
