package transport

import (
	"fmt"

	"github.com/vovakirdan/turnrelay/internal/broker"
	"github.com/vovakirdan/turnrelay/internal/credentials"
	"github.com/vovakirdan/turnrelay/internal/proto"
)

// dial makes one attempt to reach the host. Transient failures schedule another attempt;
// fatal ones are reported and end the cycle.
func (t *Transport) dial(s *session) {
	if s.ctx.Err() != nil {
		return
	}
	conn, err := t.cfg.Broker.Dial(s.ctx, s.hostID)
	if err != nil {
		t.retryOrFail(s, err)
		return
	}

	t.mu.Lock()
	if t.sess != s {
		t.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	t.mu.Unlock()

	t.backoff.Clear()

	if err := t.sendHello(s); err != nil {
		t.dropped(s, conn, err)
		return
	}
	if !t.markConnected(s, true) {
		return
	}
	t.log.Info().Str("host_id", s.hostID).Msg("connected to host")

	// One sync per successful open, never one per attempt.
	if err := t.RequestSync(); err != nil {
		t.dropped(s, conn, err)
		return
	}

	t.readLoop(s, conn)
}

func (t *Transport) retryOrFail(s *session, err error) {
	if s.ctx.Err() != nil {
		return
	}
	if broker.IsFatal(err) {
		t.fail(s, err)
		return
	}
	delay := t.backoff.Schedule(func() { go t.dial(s) })
	t.log.Warn().Err(err).Str("kind", string(broker.KindOf(err))).Dur("retry_in", delay).Msg("host unreachable")
}

func (t *Transport) sendHello(s *session) error {
	_, seatID, _, keys := t.identity()
	hello := proto.Hello{SeatID: seatID, Version: proto.ProtocolVersion}
	if proof := credentials.NewProof(seatID, keys); proof != nil {
		hello.PublicKey = proof.PublicKey
		hello.Signature = proof.Signature
	}
	env, err := proto.NewHello(hello)
	if err != nil {
		return err
	}
	return t.write(s, env)
}

// readLoop forwards host pushes to the embedding layer until the connection ends.
func (t *Transport) readLoop(s *session, conn broker.Conn) {
	for {
		data, err := conn.Read(s.ctx)
		if err != nil {
			t.dropped(s, conn, err)
			return
		}
		env, err := proto.Unmarshal(data)
		if err != nil {
			t.log.Warn().Err(err).Msg("dropping malformed frame from host")
			continue
		}
		if env.Type == proto.TypeError {
			perr, decErr := proto.DecodeError(env)
			if decErr != nil {
				perr = proto.Error{Code: proto.ErrorBadRequest, Message: decErr.Error()}
			}
			t.closeConn(s, conn)
			t.fail(s, broker.Errorf(errorKind(perr.Code), &perr))
			return
		}
		s.mailbox.push(env)
	}
}

// dropped handles the loss of an open connection: it is transient, so reconnect.
func (t *Transport) dropped(s *session, conn broker.Conn, err error) {
	if s.ctx.Err() != nil {
		return
	}
	if !t.closeConn(s, conn) {
		return
	}
	t.markConnected(s, false)
	t.log.Warn().Err(err).Msg("connection to host lost")
	t.retryOrFail(s, broker.Errorf(broker.KindSocketClosed, err))
}

// closeConn detaches conn from s. It reports false if conn was no longer attached.
func (t *Transport) closeConn(s *session, conn broker.Conn) bool {
	t.mu.Lock()
	attached := t.sess == s && s.conn == conn
	if attached {
		s.conn = nil
	}
	t.mu.Unlock()
	conn.Close()
	return attached
}

// write sends env to the host over the current connection.
func (t *Transport) write(s *session, env proto.Envelope) error {
	t.mu.Lock()
	conn := s.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := proto.Marshal(env)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.Write(s.ctx, data); err != nil {
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
	return nil
}

func errorKind(code string) broker.Kind {
	switch code {
	case proto.ErrorIncompatible:
		return broker.KindIncompatible
	default:
		return broker.KindUnsupported
	}
}
