package signal

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// SDP with gathered candidates exceeds the default 32KiB read limit on busy hosts.
const readLimit = 1 << 17

var errSlowSession = errors.New("session outbox full")

type session struct {
	id      string
	subject string
	role    string
	// listenID is guarded by Server.mu.
	listenID string

	out      chan Frame
	kill     chan struct{}
	killOnce sync.Once
}

// deliver queues f without blocking. A session that cannot keep up is killed.
func (s *session) deliver(f Frame) bool {
	select {
	case s.out <- f:
		return true
	default:
		s.killOnce.Do(func() { close(s.kill) })
		return false
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, err := authenticate(s.jwt, r)
	if err != nil {
		s.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("ws auth failed")
		writeUnauthorized(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")
	conn.SetReadLimit(readLimit)

	sess := s.open(id)
	defer s.close(sess)

	s.log.Debug().Str("session_id", sess.id).Str("subject", sess.subject).Str("role", sess.role).Msg("session opened")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- s.readLoop(ctx, conn, sess)
	}()
	go func() {
		errCh <- s.writeLoop(ctx, conn, sess)
	}()

	err = <-errCh
	cancel()
	<-errCh

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if st := websocket.CloseStatus(err); st != -1 {
			status = st
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusPolicyViolation
			}
			reason = err.Error()
			s.log.Warn().Err(err).Str("session_id", sess.id).Msg("ws session closed with error")
		}
	}

	s.log.Debug().Str("session_id", sess.id).Msg("session closed")
	conn.Close(status, reason)
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *session) error {
	for {
		var f Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return err
		}
		s.route(sess, f)
	}
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, sess *session) error {
	for {
		select {
		case f := <-sess.out:
			if err := wsjson.Write(ctx, conn, f); err != nil {
				s.log.Error().Err(err).Str("session_id", sess.id).Msg("write ws frame")
				return err
			}
		case <-sess.kill:
			return errSlowSession
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
