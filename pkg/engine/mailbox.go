package engine

import (
	"context"
	"sync"
)

// messageKind identifies what a worker should do with a queue entry.
type messageKind int

const (
	msgSession messageKind = iota
	msgResume
	msgTimeout
	msgStop
)

// message is one entry of a worker's inbound queue.
type message struct {
	kind     messageKind
	session  *Session
	callback *CallbackEvent

	// sessionID identifies the suspended session for timeout messages.
	sessionID string
}

// mailbox is an unbounded FIFO queue. Pushes never block so submission stays
// fire-and-forget regardless of how long the worker's current session takes.
// Once closed it refuses pushes, so nothing lands in a queue nobody reads.
type mailbox struct {
	mu     sync.Mutex
	items  []message
	closed bool
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

// push appends a message and wakes the consumer. It reports false when the
// mailbox is closed.
func (m *mailbox) push(msg message) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, msg)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// next blocks until a message is available or ctx is done.
func (m *mailbox) next(ctx context.Context) (message, bool) {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			msg := m.items[0]
			m.items[0] = message{}
			m.items = m.items[1:]
			m.mu.Unlock()
			return msg, true
		}
		m.mu.Unlock()

		select {
		case <-m.notify:
		case <-ctx.Done():
			return message{}, false
		}
	}
}

// close refuses further pushes and returns the messages still queued.
func (m *mailbox) close() []message {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	rest := m.items
	m.items = nil
	return rest
}
