package bridge

import "sync"

// queue is an unbounded FIFO of envelopes with a blocking pop.
type queue struct {
	mu     sync.Mutex
	items  []Envelope
	wake   chan struct{}
	closed bool
}

func newQueue() *queue {
	return &queue{wake: make(chan struct{}, 1)}
}

func (q *queue) push(env Envelope) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, env)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	q.mu.Unlock()
	return true
}

// pop blocks until an item is available or the queue is closed.
func (q *queue) pop() (Envelope, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Envelope{}, false
		}
		if len(q.items) > 0 {
			env := q.items[0]
			q.items[0] = Envelope{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return env, true
		}
		q.mu.Unlock()
		<-q.wake
	}
}

func (q *queue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.items = nil
	close(q.wake)
	q.mu.Unlock()
}
