package core

import (
	"github.com/vovakirdan/turnrelay/internal/credentials"
)

// DefaultOutboxSize is the event buffer of a network client.
const DefaultOutboxSize = 64

// Meta is the identity a connection presented when it was opened.
type Meta struct {
	SeatID    string
	PublicKey string
	Proof     *credentials.Proof
}

// Client is a connection as seen by the host. The host never owns the connection; it only
// pushes events to it until the client is unregistered.
type Client struct {
	ID      string
	MatchID string
	Meta    Meta
	// Events is the outbox of a network client. It is closed by the host once the client is
	// unregistered. Nil for loopback clients.
	Events chan *Event

	notify func(*Event)
}

// NewClient constructs a network client with a buffered outbox.
func NewClient(id, matchID string, meta Meta, outboxSize int) *Client {
	if outboxSize <= 0 {
		outboxSize = DefaultOutboxSize
	}
	return &Client{
		ID:      id,
		MatchID: matchID,
		Meta:    meta,
		Events:  make(chan *Event, outboxSize),
	}
}

// NewLoopbackClient constructs a client whose events are handed to notify in-process.
// notify runs on the host goroutine and must not block or call back into the host.
func NewLoopbackClient(id, matchID string, meta Meta, notify func(*Event)) *Client {
	return &Client{
		ID:      id,
		MatchID: matchID,
		Meta:    meta,
		notify:  notify,
	}
}

// deliver pushes ev without blocking. It reports false when the outbox is full.
func (c *Client) deliver(ev *Event) bool {
	if c.notify != nil {
		c.notify(ev)
		return true
	}
	select {
	case c.Events <- ev:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	if c.Events != nil {
		close(c.Events)
	}
}
