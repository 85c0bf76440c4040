package transport

import (
	"sync"

	"github.com/vovakirdan/turnrelay/internal/proto"
)

// mailbox hands envelopes to the embedding layer on one goroutine, in push order.
// push never blocks, so the host goroutine can feed the loopback client through it.
type mailbox struct {
	mu     sync.Mutex
	queue  []proto.Envelope
	wake   chan struct{}
	done   chan struct{}
	closed sync.Once
}

func newMailbox(deliver func(proto.Envelope)) *mailbox {
	m := &mailbox{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go m.run(deliver)
	return m
}

func (m *mailbox) push(env proto.Envelope) {
	m.mu.Lock()
	m.queue = append(m.queue, env)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// close stops delivery. Undelivered envelopes are dropped.
func (m *mailbox) close() {
	m.closed.Do(func() { close(m.done) })
}

func (m *mailbox) run(deliver func(proto.Envelope)) {
	for {
		select {
		case <-m.wake:
		case <-m.done:
			return
		}
		for {
			m.mu.Lock()
			if len(m.queue) == 0 {
				m.mu.Unlock()
				break
			}
			env := m.queue[0]
			m.queue[0] = proto.Envelope{}
			m.queue = m.queue[1:]
			m.mu.Unlock()

			select {
			case <-m.done:
				return
			default:
			}
			deliver(env)
		}
	}
}
