package transport

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vovakirdan/turnrelay/internal/broker/memory"
	"github.com/vovakirdan/turnrelay/internal/game"
	"github.com/vovakirdan/turnrelay/internal/game/tictactoe"
	"github.com/vovakirdan/turnrelay/internal/proto"
)

const testMatch = "m1"

// recorder collects everything a transport hands to Notify and OnError.
type recorder struct {
	envs chan proto.Envelope

	mu     sync.Mutex
	errors []error
}

func newRecorder() *recorder {
	return &recorder{envs: make(chan proto.Envelope, 256)}
}

func (r *recorder) notify(env proto.Envelope) { r.envs <- env }

func (r *recorder) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err)
}

func (r *recorder) errs() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errors...)
}

func mustEnvelope(t *testing.T, ch <-chan proto.Envelope, typ string) proto.Envelope {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case env := <-ch:
			if env.Type == typ {
				return env
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Fatalf("expected %s envelope not received", typ)
	return proto.Envelope{}
}

func mustNoEnvelope(t *testing.T, ch <-chan proto.Envelope, typ string, wait time.Duration) {
	t.Helper()

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		select {
		case env := <-ch:
			if env.Type == typ {
				t.Fatalf("unexpected %s envelope: %+v", typ, env)
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func mustSnapshot(t *testing.T, ch <-chan proto.Envelope) proto.SyncReply {
	t.Helper()

	reply, err := proto.DecodeSyncReply(mustEnvelope(t, ch, proto.TypeSync))
	if err != nil {
		t.Fatalf("decode sync reply: %v", err)
	}
	return reply
}

func mustUpdate(t *testing.T, ch <-chan proto.Envelope) proto.StateUpdate {
	t.Helper()

	u, err := proto.DecodeStateUpdate(mustEnvelope(t, ch, proto.TypeUpdate))
	if err != nil {
		t.Fatalf("decode update: %v", err)
	}
	return u
}

func mustRejected(t *testing.T, ch <-chan proto.Envelope, code string) {
	t.Helper()

	r, err := proto.DecodeRejected(mustEnvelope(t, ch, proto.TypeRejected))
	if err != nil {
		t.Fatalf("decode rejected: %v", err)
	}
	if r.Code != code {
		t.Fatalf("expected rejection %s, got %+v", code, r)
	}
}

func startHostTransport(t *testing.T, b *memory.Broker, seat, secret string) (*Transport, *recorder) {
	t.Helper()

	rec := newRecorder()
	tr, err := New(Config{
		Role:    RoleHost,
		Game:    tictactoe.New(),
		MatchID: testMatch,
		SeatID:  seat,
		Secret:  secret,
		Broker:  b,
		Notify:  rec.notify,
		OnError: rec.onError,
	})
	if err != nil {
		t.Fatalf("new host transport: %v", err)
	}
	if err := tr.Connect(); err != nil {
		t.Fatalf("connect host: %v", err)
	}
	t.Cleanup(func() { tr.Close() })

	// Wait until peers can reach it.
	waitFor(t, "host listening", func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return tr.sess != nil && tr.sess.listener != nil
	})
	return tr, rec
}

func newPeer(t *testing.T, cfg Config) (*Transport, *recorder) {
	t.Helper()

	rec := newRecorder()
	cfg.Role = RolePeer
	cfg.GameName = tictactoe.Name
	if cfg.MatchID == "" {
		cfg.MatchID = testMatch
	}
	cfg.Notify = rec.notify
	cfg.OnError = rec.onError
	tr, err := New(cfg)
	if err != nil {
		t.Fatalf("new peer transport: %v", err)
	}
	t.Cleanup(tr.Disconnect)
	return tr, rec
}

func clickCell(cell int) game.Action {
	return game.Action{Type: tictactoe.MoveClickCell, Args: json.RawMessage(fmt.Sprintf("[%d]", cell))}
}
