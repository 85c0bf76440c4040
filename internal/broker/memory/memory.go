// Package memory is an in-process broker. Connections are channel pipes.
package memory

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/vovakirdan/turnrelay/internal/broker"
)

const (
	acceptBacklog = 16
	pipeBuffer    = 256
)

// Broker implements broker.Broker inside one process.
type Broker struct {
	mu        sync.Mutex
	listeners map[string]*listener
	failures  []error
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{listeners: make(map[string]*listener)}
}

// FailDials makes the next dials fail with the given errors, in order.
func (b *Broker) FailDials(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = append(b.failures, errs...)
}

// DropConnections closes every connection accepted on id and reports how many were open.
func (b *Broker) DropConnections(id string) int {
	b.mu.Lock()
	l, ok := b.listeners[id]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return l.dropAll()
}

// Listen implements broker.Broker.
func (b *Broker) Listen(_ context.Context, id string) (broker.Listener, error) {
	if !broker.ValidID(id) {
		return nil, broker.Errorf(broker.KindInvalidID, fmt.Errorf("%q is not a valid id", id))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.listeners[id]; ok {
		return nil, broker.Errorf(broker.KindUnavailableID, fmt.Errorf("%q is already taken", id))
	}
	l := &listener{
		id:     id,
		broker: b,
		accept: make(chan *conn, acceptBacklog),
		done:   make(chan struct{}),
		conns:  make(map[*conn]struct{}),
	}
	b.listeners[id] = l
	return l, nil
}

// Dial implements broker.Broker.
func (b *Broker) Dial(ctx context.Context, id string) (broker.Conn, error) {
	if !broker.ValidID(id) {
		return nil, broker.Errorf(broker.KindInvalidID, fmt.Errorf("%q is not a valid id", id))
	}

	b.mu.Lock()
	if len(b.failures) > 0 {
		err := b.failures[0]
		b.failures = b.failures[1:]
		b.mu.Unlock()
		return nil, err
	}
	l, ok := b.listeners[id]
	b.mu.Unlock()
	if !ok {
		return nil, broker.Errorf(broker.KindPeerUnavailable, fmt.Errorf("no listener on %q", id))
	}

	local, remote := pipe("dialer-"+uuid.NewString()[:8], id)
	if !l.track(remote) {
		return nil, broker.Errorf(broker.KindPeerUnavailable, fmt.Errorf("listener %q closed", id))
	}
	select {
	case l.accept <- remote:
		return local, nil
	case <-l.done:
		remote.Close()
		return nil, broker.Errorf(broker.KindPeerUnavailable, fmt.Errorf("listener %q closed", id))
	case <-ctx.Done():
		remote.Close()
		return nil, ctx.Err()
	}
}

func (b *Broker) remove(l *listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listeners[l.id] == l {
		delete(b.listeners, l.id)
	}
}

type listener struct {
	id     string
	broker *Broker
	accept chan *conn
	done   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	conns map[*conn]struct{}
}

func (l *listener) ID() string { return l.id }

func (l *listener) Accept(ctx context.Context) (broker.Conn, error) {
	select {
	case c := <-l.accept:
		return c, nil
	case <-l.done:
		return nil, broker.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting and closes every accepted connection.
func (l *listener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.broker.remove(l)
		l.dropAll()
	})
	return nil
}

func (l *listener) track(c *conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.done:
		return false
	default:
	}
	l.conns[c] = struct{}{}
	return true
}

func (l *listener) dropAll() int {
	l.mu.Lock()
	conns := l.conns
	l.conns = make(map[*conn]struct{})
	l.mu.Unlock()

	n := 0
	for c := range conns {
		if !c.closed() {
			n++
		}
		c.Close()
	}
	return n
}

// pipe is shared by both ends; closing either end closes the pipe.
type pipeState struct {
	done chan struct{}
	once sync.Once
}

type conn struct {
	remoteID string
	in       chan []byte
	out      chan []byte
	state    *pipeState
}

func pipe(dialerID, listenerID string) (*conn, *conn) {
	st := &pipeState{done: make(chan struct{})}
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	return &conn{remoteID: listenerID, in: ba, out: ab, state: st},
		&conn{remoteID: dialerID, in: ab, out: ba, state: st}
}

func (c *conn) RemoteID() string { return c.remoteID }

func (c *conn) Read(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	default:
	}
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.state.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *conn) Write(ctx context.Context, msg []byte) error {
	if c.closed() {
		return broker.ErrClosed
	}
	buf := append([]byte(nil), msg...)
	select {
	case c.out <- buf:
		return nil
	case <-c.state.done:
		return broker.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *conn) Close() error {
	c.state.once.Do(func() { close(c.state.done) })
	return nil
}

func (c *conn) closed() bool {
	select {
	case <-c.state.done:
		return true
	default:
		return false
	}
}

var _ broker.Broker = (*Broker)(nil)
