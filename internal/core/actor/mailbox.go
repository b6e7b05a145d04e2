package actor

import (
	"errors"
	"sync"
)

// ErrStopped is returned by Call/Push once the mailbox has been closed.
var ErrStopped = errors.New("actor stopped")

// Mailbox is an unbounded FIFO queue processed by a single goroutine.
// Messages enqueued from any goroutine run one at a time, in order, on the
// goroutine that called Run. The queue is unbounded on purpose: a backed-up
// actor accumulates latency, it never silently drops work.
type Mailbox struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

func NewMailbox() *Mailbox {
	return &Mailbox{
		queue: make([]func(), 0, 16),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Push enqueues fn without waiting for it to run (cast semantics).
func (m *Mailbox) Push(fn func()) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrStopped
	}
	m.queue = append(m.queue, fn)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

// Call enqueues fn and blocks until the actor has executed it (call semantics).
// Returns ErrStopped if the mailbox shuts down before fn runs.
func (m *Mailbox) Call(fn func()) error {
	ran := make(chan struct{})
	if err := m.Push(func() {
		fn()
		close(ran)
	}); err != nil {
		return err
	}
	select {
	case <-ran:
		return nil
	case <-m.done:
		// The queue may still have drained our message before closing.
		select {
		case <-ran:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Run processes messages until Close is called and the queue drains.
// It must be called exactly once, typically as `go mbox.Run()`.
func (m *Mailbox) Run() {
	for {
		fn, ok := m.next()
		if !ok {
			close(m.done)
			return
		}
		if fn != nil {
			fn()
		}
	}
}

// next pops the head of the queue, blocking while it is empty.
// ok=false means the mailbox is closed and fully drained.
func (m *Mailbox) next() (func(), bool) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			fn := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return fn, true
		}
		if m.closed {
			m.mu.Unlock()
			return nil, false
		}
		m.mu.Unlock()
		<-m.wake
	}
}

// Close stops intake. Messages already queued still run; Run returns after
// the queue drains.
func (m *Mailbox) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Done is closed once Run has finished draining.
func (m *Mailbox) Done() <-chan struct{} {
	return m.done
}

// Len reports the number of queued, not-yet-executed messages.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
