package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/pion/webrtc/v4"

	"github.com/vovakirdan/turnrelay/internal/broker"
	"github.com/vovakirdan/turnrelay/internal/signal"
)

// Listen implements broker.Broker. The returned listener keeps a signaling session open
// for as long as it lives and answers every offer addressed to id.
func (b *Broker) Listen(ctx context.Context, id string) (broker.Listener, error) {
	if !broker.ValidID(id) {
		return nil, broker.Errorf(broker.KindInvalidID, fmt.Errorf("%q is not a valid id", id))
	}

	ws, err := b.dialSignal(ctx)
	if err != nil {
		return nil, err
	}
	if err := wsjson.Write(ctx, ws, signal.Frame{Type: signal.FrameListen, ID: id}); err != nil {
		ws.Close(websocket.StatusInternalError, "listen failed")
		return nil, broker.Errorf(broker.KindSocketError, fmt.Errorf("send listen: %w", err))
	}
	var reply signal.Frame
	if err := wsjson.Read(ctx, ws, &reply); err != nil {
		ws.Close(websocket.StatusInternalError, "listen failed")
		return nil, broker.Errorf(broker.KindSocketClosed, fmt.Errorf("await listening: %w", err))
	}
	if reply.Type == signal.FrameError {
		ws.Close(websocket.StatusNormalClosure, "listen refused")
		return nil, broker.Errorf(kindOf(reply.Code), errors.New(reply.Message))
	}
	if reply.Type != signal.FrameListening || reply.ID != id {
		ws.Close(websocket.StatusProtocolError, "unexpected reply")
		return nil, broker.Errorf(broker.KindServerError, fmt.Errorf("unexpected %q frame", reply.Type))
	}

	lctx, cancel := context.WithCancel(context.Background())
	l := &listener{
		id:     id,
		broker: b,
		ws:     ws,
		ctx:    lctx,
		cancel: cancel,
		accept: make(chan *conn),
		done:   make(chan struct{}),
		conns:  make(map[*conn]struct{}),
	}
	go l.serve()

	b.log.Info().Str("listen_id", id).Msg("listening for peers")
	return l, nil
}

type listener struct {
	id     string
	broker *Broker
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	accept chan *conn
	done   chan struct{}
	once   sync.Once
	err    error

	mu    sync.Mutex
	conns map[*conn]struct{}
}

func (l *listener) ID() string { return l.id }

// Accept returns the next peer whose data channel opened. Once the signaling session is
// lost it returns a socket_closed error.
func (l *listener) Accept(ctx context.Context) (broker.Conn, error) {
	select {
	case c := <-l.accept:
		return c, nil
	case <-l.done:
		if l.err != nil {
			return nil, l.err
		}
		return nil, broker.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops listening and closes every accepted connection.
func (l *listener) Close() error {
	l.shutdown(nil)
	return nil
}

func (l *listener) shutdown(err error) {
	l.once.Do(func() {
		l.err = err
		l.cancel()
		close(l.done)
		l.ws.Close(websocket.StatusNormalClosure, "listener closed")

		l.mu.Lock()
		conns := l.conns
		l.conns = make(map[*conn]struct{})
		l.mu.Unlock()
		for c := range conns {
			c.Close()
		}
	})
}

func (l *listener) serve() {
	for {
		var f signal.Frame
		if err := wsjson.Read(l.ctx, l.ws, &f); err != nil {
			if l.ctx.Err() == nil {
				l.broker.log.Warn().Err(err).Str("listen_id", l.id).Msg("signaling session lost")
			}
			l.shutdown(broker.Errorf(broker.KindSocketClosed, fmt.Errorf("signaling session: %w", err)))
			return
		}
		switch f.Type {
		case signal.FrameOffer:
			go l.answer(f)
		case signal.FrameError:
			l.broker.log.Warn().Str("listen_id", l.id).Str("code", f.Code).Str("message", f.Message).Msg("signaling error")
		default:
			l.broker.log.Debug().Str("type", f.Type).Msg("ignoring signaling frame")
		}
	}
}

func (l *listener) refuse(dst string, kind broker.Kind, err error) {
	frame := signal.ErrorFrame(string(kind), err.Error())
	frame.Dst = dst
	if werr := wsjson.Write(l.ctx, l.ws, frame); werr != nil {
		l.broker.log.Debug().Err(werr).Str("peer_id", dst).Msg("refuse offer")
	}
}

func (l *listener) answer(offer signal.Frame) {
	log := l.broker.log.With().Str("listen_id", l.id).Str("peer_id", offer.Src).Logger()

	pc, err := l.broker.newPeerConnection()
	if err != nil {
		l.refuse(offer.Src, broker.KindServerError, err)
		return
	}

	opened := make(chan *conn, 1)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c := newConn(pc, dc, offer.Src)
		go func() {
			select {
			case <-c.opened:
				select {
				case opened <- c:
				default:
					c.Close()
				}
			case <-c.done:
			}
		}()
	})

	ctx, cancel := context.WithTimeout(l.ctx, l.broker.cfg.OpenTimeout)
	defer cancel()

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := pc.SetRemoteDescription(desc); err != nil {
		pc.Close()
		l.refuse(offer.Src, broker.KindIncompatible, err)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		l.refuse(offer.Src, broker.KindIncompatible, err)
		return
	}
	sdp, err := gather(ctx, pc, answer)
	if err != nil {
		pc.Close()
		l.refuse(offer.Src, broker.KindServerError, err)
		return
	}
	if err := wsjson.Write(l.ctx, l.ws, signal.Frame{Type: signal.FrameAnswer, Dst: offer.Src, SDP: sdp}); err != nil {
		pc.Close()
		log.Debug().Err(err).Msg("send answer")
		return
	}

	select {
	case c := <-opened:
		if !l.track(c) {
			c.Close()
			return
		}
		select {
		case l.accept <- c:
			log.Debug().Msg("peer connected")
		case <-l.done:
			c.Close()
		}
	case <-ctx.Done():
		pc.Close()
		if l.ctx.Err() == nil {
			log.Info().Dur("timeout", l.broker.cfg.OpenTimeout).Msg("peer never opened a data channel")
		}
	}
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
	go func() {
		<-c.done
		l.mu.Lock()
		delete(l.conns, c)
		l.mu.Unlock()
	}()
	return true
}

var _ broker.Listener = (*listener)(nil)
