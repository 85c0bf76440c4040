package core

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/vovakirdan/turnrelay/internal/credentials"
	"github.com/vovakirdan/turnrelay/internal/game"
	"github.com/vovakirdan/turnrelay/internal/game/tictactoe"
	"github.com/vovakirdan/turnrelay/internal/store"
	"github.com/vovakirdan/turnrelay/internal/store/memory"
)

func mustEvent(t *testing.T, ch <-chan *Event, kind EventKind) *Event {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case ev := <-ch:
			if ev == nil {
				continue
			}
			if ev.Kind == kind {
				return ev
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Fatalf("expected event kind %v not received", kind)
	return nil
}

// mustNoEvent fails if an event of kind arrives within wait.
func mustNoEvent(t *testing.T, ch <-chan *Event, kind EventKind, wait time.Duration) {
	t.Helper()

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		select {
		case ev := <-ch:
			if ev != nil && ev.Kind == kind {
				t.Fatalf("unexpected event %v: %+v", kind, ev)
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// mustClosed drains ch until it is closed and returns how many events it held.
func mustClosed(t *testing.T, ch <-chan *Event) int {
	t.Helper()

	drained := 0
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case _, ok := <-ch:
			if !ok {
				return drained
			}
			drained++
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Fatalf("channel not closed")
	return drained
}

func startHost(t *testing.T, g game.Game, opts Options) (*Host, store.Store) {
	t.Helper()

	st := memory.New()
	h := NewHost(g, st, opts)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.Done()
	})
	return h, st
}

func startTicTacToe(t *testing.T) (*Host, store.Store) {
	t.Helper()
	return startHost(t, tictactoe.New(), Options{})
}

type seat struct {
	client *Client
	keys   credentials.Keypair
	seatID string
}

func (s *seat) events() <-chan *Event { return s.client.Events }

// join registers a network client that presents a proof for seatID derived from secret.
func join(t *testing.T, h *Host, id, matchID, seatID, secret string) *seat {
	t.Helper()

	kp := credentials.DeriveKeypair(secret)
	meta := Meta{SeatID: seatID}
	if seatID != "" {
		meta.PublicKey = kp.PublicKeyHex()
		meta.Proof = credentials.NewProof(seatID, kp)
	}
	c := NewClient(id, matchID, meta, 0)
	if err := h.RegisterClient(c); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	return &seat{client: c, keys: kp, seatID: seatID}
}

func (s *seat) sync(t *testing.T, h *Host, matchID string) *Snapshot {
	t.Helper()

	s.send(t, h, &Command{
		Kind:       CommandSync,
		MatchID:    matchID,
		SeatID:     s.seatID,
		PublicKey:  s.client.Meta.PublicKey,
		NumPlayers: 2,
	})
	return mustEvent(t, s.events(), EventSync).Snapshot
}

func (s *seat) send(t *testing.T, h *Host, cmd *Command) {
	t.Helper()
	if err := h.ProcessAction(s.client, cmd); err != nil {
		t.Fatalf("process action: %v", err)
	}
}

func (s *seat) click(matchID string, stateID int64, cell int) *Command {
	return &Command{
		Kind:    CommandUpdate,
		MatchID: matchID,
		SeatID:  s.seatID,
		StateID: stateID,
		Action: &game.Action{
			Type:        tictactoe.MoveClickCell,
			Args:        json.RawMessage(fmt.Sprintf("[%d]", cell)),
			PlayerID:    s.seatID,
			Credentials: credentials.NewProof(s.seatID, s.keys),
		},
	}
}

func fetch(t *testing.T, st store.Store, matchID string) *store.Match {
	t.Helper()
	m, err := st.Fetch(context.Background(), matchID)
	if err != nil {
		t.Fatalf("fetch %s: %v", matchID, err)
	}
	return m
}
