package transport

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/vovakirdan/turnrelay/internal/broker"
	"github.com/vovakirdan/turnrelay/internal/core"
	"github.com/vovakirdan/turnrelay/internal/credentials"
	"github.com/vovakirdan/turnrelay/internal/proto"
)

// startHost runs the authoritative core for s, registers the local seat as a loopback
// client and starts listening for peers.
func (t *Transport) startHost(s *session) error {
	matchID, seatID, _, keys := t.identity()

	s.host = core.NewHost(t.cfg.Game, t.store, core.Options{
		Logger:            t.log,
		Metrics:           t.cfg.Metrics,
		ChatAuth:          t.cfg.ChatAuth,
		DefaultNumPlayers: t.cfg.NumPlayers,
		MaxNumPlayers:     t.cfg.MaxNumPlayers,
		SetupData:         t.cfg.SetupData,
	})
	go s.host.Run(s.ctx)

	meta := core.Meta{SeatID: seatID}
	if !keys.IsZero() {
		meta.PublicKey = keys.PublicKeyHex()
		meta.Proof = credentials.NewProof(seatID, keys)
	}
	s.loopback = core.NewLoopbackClient("local-"+uuid.NewString(), matchID, meta, func(ev *core.Event) {
		env, err := eventToEnvelope(ev)
		if err != nil {
			t.log.Error().Err(err).Msg("encode loopback event")
			return
		}
		s.mailbox.push(env)
	})
	if err := s.host.RegisterClient(s.loopback); err != nil {
		return fmt.Errorf("register loopback client: %w", err)
	}
	t.markConnected(s, true)

	if t.cfg.Broker != nil {
		go t.listen(s)
	}
	return t.RequestSync()
}

// local hands cmd to the in-process host on behalf of the loopback client.
func (t *Transport) local(s *session, cmd *core.Command) error {
	if s.host == nil {
		return ErrNotConnected
	}
	return s.host.ProcessAction(s.loopback, cmd)
}

// listen registers the rendezvous id. Transient failures retry with backoff.
func (t *Transport) listen(s *session) {
	if s.ctx.Err() != nil {
		return
	}
	l, err := t.cfg.Broker.Listen(s.ctx, s.hostID)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		if broker.IsFatal(err) {
			t.fail(s, err)
			return
		}
		delay := t.backoff.Schedule(func() { go t.listen(s) })
		t.log.Warn().Err(err).Dur("retry_in", delay).Msg("listen failed")
		return
	}

	t.mu.Lock()
	if t.sess != s {
		t.mu.Unlock()
		l.Close()
		return
	}
	s.listener = l
	t.mu.Unlock()

	t.backoff.Clear()
	t.log.Info().Str("host_id", s.hostID).Msg("accepting peers")

	for {
		conn, err := l.Accept(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, broker.ErrClosed) {
				return
			}
			l.Close()
			delay := t.backoff.Schedule(func() { go t.listen(s) })
			t.log.Warn().Err(err).Dur("retry_in", delay).Msg("listener lost")
			return
		}
		go t.serveConn(s, conn)
	}
}

// serveConn bridges one peer connection to the host until either side goes away.
func (t *Transport) serveConn(s *session, conn broker.Conn) {
	defer conn.Close()
	log := t.log.With().Str("peer_id", conn.RemoteID()).Logger()

	hello, err := t.readHello(s, conn)
	if err != nil {
		log.Warn().Err(err).Msg("handshake failed")
		var perr *proto.Error
		if errors.As(err, &perr) {
			if env, encErr := proto.NewError(*perr); encErr == nil {
				t.writeConn(s.ctx, conn, env)
			}
		}
		return
	}

	meta := core.Meta{SeatID: hello.SeatID, PublicKey: hello.PublicKey}
	if hello.Signature != "" {
		meta.Proof = &credentials.Proof{PublicKey: hello.PublicKey, Signature: hello.Signature}
	}
	matchID, _, _, _ := t.identity()
	client := core.NewClient(uuid.NewString(), matchID, meta, t.cfg.OutboxSize)
	if err := s.host.RegisterClient(client); err != nil {
		return
	}
	defer s.host.UnregisterClient(client)
	log = log.With().Str("client_id", client.ID).Str("seat", hello.SeatID).Logger()
	log.Info().Msg("peer connected")

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- t.peerReadLoop(ctx, conn, s.host, client)
	}()
	go func() {
		errCh <- t.peerWriteLoop(ctx, conn, client)
	}()

	err = <-errCh
	cancel()
	conn.Close()
	<-errCh

	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
		log.Info().Err(err).Msg("peer disconnected")
		return
	}
	log.Info().Msg("peer disconnected")
}

// readHello waits for the first frame and checks the protocol version. Failures the peer
// should hear about are returned as *proto.Error.
func (t *Transport) readHello(s *session, conn broker.Conn) (proto.Hello, error) {
	ctx, cancel := context.WithTimeout(s.ctx, t.cfg.HelloTimeout)
	defer cancel()

	data, err := conn.Read(ctx)
	if err != nil {
		return proto.Hello{}, err
	}
	env, err := proto.Unmarshal(data)
	if err != nil || env.Type != proto.TypeHello {
		return proto.Hello{}, &proto.Error{Code: proto.ErrorBadRequest, Message: "expected hello"}
	}
	hello, err := proto.DecodeHello(env)
	if err != nil {
		return proto.Hello{}, &proto.Error{Code: proto.ErrorBadRequest, Message: err.Error()}
	}
	if hello.Version != proto.ProtocolVersion {
		return proto.Hello{}, &proto.Error{
			Code:    proto.ErrorIncompatible,
			Message: fmt.Sprintf("protocol %d, host speaks %d", hello.Version, proto.ProtocolVersion),
		}
	}
	return hello, nil
}

func (t *Transport) peerReadLoop(ctx context.Context, conn broker.Conn, host *core.Host, client *core.Client) error {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		env, err := proto.Unmarshal(data)
		if err != nil {
			t.log.Warn().Err(err).Str("client_id", client.ID).Msg("dropping malformed frame")
			continue
		}
		cmd, err := envelopeToCommand(env)
		if err != nil {
			t.log.Warn().Err(err).Str("client_id", client.ID).Msg("failed to map frame")
			continue
		}
		if err := host.ProcessAction(client, cmd); err != nil {
			return err
		}
	}
}

func (t *Transport) peerWriteLoop(ctx context.Context, conn broker.Conn, client *core.Client) error {
	for {
		select {
		case ev, ok := <-client.Events:
			if !ok {
				// unregistered by the host, e.g. for a full outbox
				return io.EOF
			}
			env, err := eventToEnvelope(ev)
			if err != nil {
				t.log.Error().Err(err).Str("client_id", client.ID).Msg("encode event")
				continue
			}
			if err := t.writeConn(ctx, conn, env); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *Transport) writeConn(ctx context.Context, conn broker.Conn, env proto.Envelope) error {
	data, err := proto.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, data)
}
