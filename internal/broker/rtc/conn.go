package rtc

import (
	"context"
	"io"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/vovakirdan/turnrelay/internal/broker"
)

const inboxSize = 256

// conn is a broker.Conn over one ordered data channel. It owns the peer connection.
type conn struct {
	pc       *webrtc.PeerConnection
	dc       *webrtc.DataChannel
	remoteID string

	in     chan []byte
	opened chan struct{}
	done   chan struct{}

	openOnce  sync.Once
	closeOnce sync.Once
}

func newConn(pc *webrtc.PeerConnection, dc *webrtc.DataChannel, remoteID string) *conn {
	c := &conn{
		pc:       pc,
		dc:       dc,
		remoteID: remoteID,
		in:       make(chan []byte, inboxSize),
		opened:   make(chan struct{}),
		done:     make(chan struct{}),
	}

	dc.OnOpen(func() {
		c.openOnce.Do(func() { close(c.opened) })
	})
	// Blocking here stalls the SCTP reader, which is the backpressure we want.
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case c.in <- msg.Data:
		case <-c.done:
		}
	})
	dc.OnClose(func() {
		go c.Close()
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			go c.Close()
		}
	})
	return c
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
	case <-c.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *conn) Write(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return broker.ErrClosed
	default:
	}
	if err := c.dc.Send(msg); err != nil {
		return broker.Errorf(broker.KindSocketError, err)
	}
	return nil
}

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.pc.Close()
	})
	return err
}
