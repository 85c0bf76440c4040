package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/vovakirdan/turnrelay/internal/credentials"
	"github.com/vovakirdan/turnrelay/internal/game"
	"github.com/vovakirdan/turnrelay/internal/game/tictactoe"
)

func TestHostSyncCreatesMatchLazily(t *testing.T) {
	h, st := startTicTacToe(t)

	alice := join(t, h, "a", "m1", "0", "secret-0")
	snap := alice.sync(t, h, "m1")

	if snap.State.StateID != 0 || len(snap.Log) != 0 {
		t.Fatalf("unexpected initial snapshot: %+v", snap)
	}
	if !reflect.DeepEqual(snap.InitialState, snap.State) {
		t.Fatalf("initial state differs from state on a fresh match")
	}
	p := snap.Metadata.Players["0"]
	if !p.IsConnected || p.Credentials != "" {
		t.Fatalf("snapshot seat 0 should be connected without credentials: %+v", p)
	}

	m := fetch(t, st, "m1")
	if m.Metadata.Players["0"].Credentials != alice.keys.PublicKeyHex() {
		t.Fatalf("seat key not registered: %+v", m.Metadata.Players["0"])
	}
	if m.Metadata.GameName != tictactoe.Name || m.Metadata.NumPlayers != 2 {
		t.Fatalf("unexpected metadata: %+v", m.Metadata)
	}
}

func TestHostBroadcastsUpdateAndLateJoinerSeesIt(t *testing.T) {
	h, st := startTicTacToe(t)

	loop := make(chan *Event, 16)
	local := NewLoopbackClient("host", "m1", Meta{}, func(ev *Event) { loop <- ev })
	if err := h.RegisterClient(local); err != nil {
		t.Fatalf("register loopback: %v", err)
	}

	seat0 := join(t, h, "p0", "m1", "0", "secret-0")
	if snap := seat0.sync(t, h, "m1"); snap.State.StateID != 0 {
		t.Fatalf("expected stateID 0, got %d", snap.State.StateID)
	}

	seat0.send(t, h, seat0.click("m1", 0, 4))

	for name, ch := range map[string]<-chan *Event{"loopback": loop, "seat0": seat0.events()} {
		ev := mustEvent(t, ch, EventUpdate)
		if ev.State.StateID != 1 || len(ev.DeltaLog) != 1 {
			t.Fatalf("%s: unexpected update: %+v", name, ev)
		}
		if ev.DeltaLog[0].Action.Credentials != nil {
			t.Fatalf("%s: delta log leaked credentials", name)
		}
	}

	seat1 := join(t, h, "p1", "m1", "1", "secret-1")
	snap := seat1.sync(t, h, "m1")
	if snap.State.StateID != 1 || len(snap.Log) != 1 || snap.Log[0].StateID != 1 {
		t.Fatalf("late joiner should see stateID 1: %+v", snap)
	}
	g, _, err := tictactoe.Decode(snap.State)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if g.Cells[4] != "0" {
		t.Fatalf("move not applied: %+v", g.Cells)
	}

	if m := fetch(t, st, "m1"); len(m.Log) != 1 || m.Log[0].Action.Credentials == nil {
		t.Fatalf("stored log should keep the signed action: %+v", m.Log)
	}
}

func TestHostRejectsWrongSignature(t *testing.T) {
	h, st := startTicTacToe(t)

	seat0 := join(t, h, "p0", "m1", "0", "secret-0")
	seat0.sync(t, h, "m1")
	seat0.send(t, h, seat0.click("m1", 0, 0))
	mustEvent(t, seat0.events(), EventUpdate)

	seat1 := join(t, h, "p1", "m1", "1", "secret-1")
	seat1.sync(t, h, "m1")

	wrong := credentials.DeriveKeypair("not-the-secret")
	cmd := seat1.click("m1", 1, 4)
	cmd.Action.Credentials = &credentials.Proof{
		PublicKey: seat1.keys.PublicKeyHex(),
		Signature: credentials.Sign("1", wrong.PrivateKey),
	}
	seat1.send(t, h, cmd)

	ev := mustEvent(t, seat1.events(), EventRejected)
	if ev.Error == nil || ev.Error.Code != ErrCodeUnauthorized {
		t.Fatalf("expected unauthorized, got %+v", ev)
	}
	mustNoEvent(t, seat0.events(), EventUpdate, 100*time.Millisecond)
	mustNoEvent(t, seat0.events(), EventRejected, 10*time.Millisecond)

	if m := fetch(t, st, "m1"); m.State.StateID != 1 || len(m.Log) != 1 {
		t.Fatalf("state advanced on a forged action: %+v", m.State)
	}
}

func TestHostRejectsForeignKeyAndUnseatedSender(t *testing.T) {
	h, _ := startTicTacToe(t)

	seat0 := join(t, h, "p0", "m1", "0", "secret-0")
	seat0.sync(t, h, "m1")

	// A validly signed action from a key that is not registered for seat 0.
	mallory := join(t, h, "x", "m1", "", "")
	mallory.keys = credentials.DeriveKeypair("mallory")
	mallory.seatID = "0"
	mallory.send(t, h, mallory.click("m1", 0, 4))

	ev := mustEvent(t, mallory.events(), EventRejected)
	if ev.Error.Code != ErrCodeUnauthorized {
		t.Fatalf("expected unauthorized, got %+v", ev.Error)
	}

	// The right key from a connection that never claimed the seat.
	thief := join(t, h, "y", "m1", "", "")
	thief.keys = seat0.keys
	thief.seatID = "0"
	thief.send(t, h, thief.click("m1", 0, 4))

	ev = mustEvent(t, thief.events(), EventRejected)
	if ev.Error.Code != ErrCodeUnauthorized {
		t.Fatalf("expected unauthorized, got %+v", ev.Error)
	}
	mustNoEvent(t, seat0.events(), EventUpdate, 50*time.Millisecond)
}

func TestHostReducerRejection(t *testing.T) {
	h, st := startTicTacToe(t)

	seat0 := join(t, h, "p0", "m1", "0", "secret-0")
	seat1 := join(t, h, "p1", "m1", "1", "secret-1")
	seat0.sync(t, h, "m1")
	seat1.sync(t, h, "m1")

	// Seat 1 moves out of turn.
	seat1.send(t, h, seat1.click("m1", 0, 4))

	ev := mustEvent(t, seat1.events(), EventRejected)
	if ev.Error.Code != ErrCodeInvalidAction {
		t.Fatalf("expected invalid_action, got %+v", ev.Error)
	}
	mustNoEvent(t, seat0.events(), EventUpdate, 50*time.Millisecond)
	if m := fetch(t, st, "m1"); m.State.StateID != 0 {
		t.Fatalf("state changed after reducer rejection")
	}
}

func TestHostStaleState(t *testing.T) {
	h, _ := startTicTacToe(t)

	seat0 := join(t, h, "p0", "m1", "0", "secret-0")
	seat1 := join(t, h, "p1", "m1", "1", "secret-1")
	seat0.sync(t, h, "m1")
	seat1.sync(t, h, "m1")

	seat0.send(t, h, seat0.click("m1", 0, 0))
	mustEvent(t, seat1.events(), EventUpdate)

	seat1.send(t, h, seat1.click("m1", 0, 4))
	ev := mustEvent(t, seat1.events(), EventRejected)
	if ev.Error.Code != ErrCodeStaleState {
		t.Fatalf("expected stale_state, got %+v", ev.Error)
	}
}

func TestHostSyncIsIdempotent(t *testing.T) {
	h, _ := startTicTacToe(t)

	seat0 := join(t, h, "p0", "m1", "0", "secret-0")
	seat0.sync(t, h, "m1")
	seat0.send(t, h, seat0.click("m1", 0, 8))
	mustEvent(t, seat0.events(), EventUpdate)

	first := seat0.sync(t, h, "m1")
	second := seat0.sync(t, h, "m1")
	if !reflect.DeepEqual(first.State, second.State) || !reflect.DeepEqual(first.Log, second.Log) {
		t.Fatalf("repeated sync returned different snapshots:\n%+v\n%+v", first, second)
	}
}

func TestHostSeatTakenByOtherKey(t *testing.T) {
	h, st := startTicTacToe(t)

	owner := join(t, h, "p0", "m1", "0", "secret-0")
	owner.sync(t, h, "m1")

	intruder := join(t, h, "p0b", "m1", "0", "other-secret")
	intruder.send(t, h, &Command{
		Kind:      CommandSync,
		MatchID:   "m1",
		SeatID:    "0",
		PublicKey: intruder.client.Meta.PublicKey,
	})

	ev := mustEvent(t, intruder.events(), EventRejected)
	if ev.Error.Code != ErrCodeSeatTaken {
		t.Fatalf("expected seat_taken, got %+v", ev.Error)
	}
	// The intruder still watches the match as an observer.
	if snap := mustEvent(t, intruder.events(), EventSync).Snapshot; snap == nil {
		t.Fatalf("observer did not receive snapshot")
	}
	if m := fetch(t, st, "m1"); m.Metadata.Players["0"].Credentials != owner.keys.PublicKeyHex() {
		t.Fatalf("seat key was overwritten")
	}
}

func TestHostSeatTakeoverBySameKey(t *testing.T) {
	h, _ := startTicTacToe(t)

	old := join(t, h, "p0-old", "m1", "0", "secret-0")
	old.sync(t, h, "m1")

	fresh := join(t, h, "p0-new", "m1", "0", "secret-0")
	fresh.sync(t, h, "m1")

	old.send(t, h, old.click("m1", 0, 4))
	ev := mustEvent(t, old.events(), EventRejected)
	if ev.Error.Code != ErrCodeUnauthorized {
		t.Fatalf("demoted connection should be unauthorized, got %+v", ev.Error)
	}

	fresh.send(t, h, fresh.click("m1", 0, 4))
	if up := mustEvent(t, fresh.events(), EventUpdate); up.State.StateID != 1 {
		t.Fatalf("unexpected update: %+v", up)
	}
	// The demoted connection still receives broadcasts as an observer.
	mustEvent(t, old.events(), EventUpdate)
}

func TestHostMatchDataOnSeatClaim(t *testing.T) {
	h, _ := startTicTacToe(t)

	seat0 := join(t, h, "p0", "m1", "0", "secret-0")
	seat0.sync(t, h, "m1")

	seat1 := join(t, h, "p1", "m1", "1", "secret-1")
	seat1.sync(t, h, "m1")

	ev := mustEvent(t, seat0.events(), EventMatchData)
	if len(ev.Players) != 2 || !ev.Players[0].IsConnected || !ev.Players[1].IsConnected {
		t.Fatalf("unexpected presence: %+v", ev.Players)
	}
	for _, p := range ev.Players {
		if p.Credentials != "" {
			t.Fatalf("matchData leaked credentials: %+v", p)
		}
	}
}

func TestHostUnregisterReleasesSeat(t *testing.T) {
	h, st := startTicTacToe(t)

	seat0 := join(t, h, "p0", "m1", "0", "secret-0")
	seat1 := join(t, h, "p1", "m1", "1", "secret-1")
	seat0.sync(t, h, "m1")
	seat1.sync(t, h, "m1")
	mustEvent(t, seat0.events(), EventMatchData)

	h.UnregisterClient(seat1.client)
	mustClosed(t, seat1.events())

	if m := fetch(t, st, "m1"); m.Metadata.Players["1"].IsConnected {
		t.Fatalf("seat 1 still marked connected")
	}
	mustNoEvent(t, seat0.events(), EventMatchData, 50*time.Millisecond)

	// The key stays registered, so the same secret can reclaim the seat.
	back := join(t, h, "p1-back", "m1", "1", "secret-1")
	back.sync(t, h, "m1")
	mustNoEvent(t, back.events(), EventRejected, 50*time.Millisecond)
}

func TestHostChatSkipsSenderAndIsInSnapshot(t *testing.T) {
	h, _ := startTicTacToe(t)

	seat0 := join(t, h, "p0", "m1", "0", "secret-0")
	seat1 := join(t, h, "p1", "m1", "1", "secret-1")
	seat0.sync(t, h, "m1")
	seat1.sync(t, h, "m1")

	seat0.send(t, h, &Command{
		Kind:      CommandChat,
		MatchID:   "m1",
		PublicKey: seat0.keys.PublicKeyHex(),
		Chat:      &ChatMessage{Sender: "0", Payload: json.RawMessage(`"gl hf"`)},
	})

	ev := mustEvent(t, seat1.events(), EventChat)
	if ev.Chat.ID == "" || string(ev.Chat.Payload) != `"gl hf"` {
		t.Fatalf("unexpected chat: %+v", ev.Chat)
	}
	mustNoEvent(t, seat0.events(), EventChat, 50*time.Millisecond)

	snap := seat1.sync(t, h, "m1")
	if len(snap.ChatLog) != 1 || snap.ChatLog[0].ID != ev.Chat.ID {
		t.Fatalf("chat log missing from snapshot: %+v", snap.ChatLog)
	}
}

func TestHostVerifiedChatRejectsSpoofedSender(t *testing.T) {
	h, _ := startHost(t, tictactoe.New(), Options{ChatAuth: ChatAuthVerified})

	seat0 := join(t, h, "p0", "m1", "0", "secret-0")
	seat1 := join(t, h, "p1", "m1", "1", "secret-1")
	seat0.sync(t, h, "m1")
	seat1.sync(t, h, "m1")

	seat1.send(t, h, &Command{
		Kind:      CommandChat,
		MatchID:   "m1",
		PublicKey: seat1.keys.PublicKeyHex(),
		Chat:      &ChatMessage{Sender: "0", Payload: json.RawMessage(`"i resign"`)},
	})

	ev := mustEvent(t, seat1.events(), EventRejected)
	if ev.Error.Code != ErrCodeUnauthorized {
		t.Fatalf("expected unauthorized, got %+v", ev.Error)
	}
	mustNoEvent(t, seat0.events(), EventChat, 50*time.Millisecond)
}

func TestHostChatLogIsCapped(t *testing.T) {
	h, _ := startHost(t, tictactoe.New(), Options{ChatLogSize: 3})

	seat0 := join(t, h, "p0", "m1", "0", "secret-0")
	seat0.sync(t, h, "m1")
	for i := range 5 {
		seat0.send(t, h, &Command{
			Kind:    CommandChat,
			MatchID: "m1",
			Chat:    &ChatMessage{ID: string(rune('a' + i)), Sender: "0", Payload: json.RawMessage(`1`)},
		})
	}

	snap := seat0.sync(t, h, "m1")
	if len(snap.ChatLog) != 3 || snap.ChatLog[0].ID != "c" || snap.ChatLog[2].ID != "e" {
		t.Fatalf("unexpected chat log: %+v", snap.ChatLog)
	}
}

func TestHostDropsClientWithFullOutbox(t *testing.T) {
	h, _ := startTicTacToe(t)

	seat0 := join(t, h, "p0", "m1", "0", "secret-0")
	seat0.sync(t, h, "m1")

	slow := NewClient("slow", "m1", Meta{}, 1)
	if err := h.RegisterClient(slow); err != nil {
		t.Fatalf("register: %v", err)
	}
	// Fills the single slot and is never read.
	if err := h.ProcessAction(slow, &Command{Kind: CommandSync, MatchID: "m1"}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	seat0.send(t, h, seat0.click("m1", 0, 4))
	mustEvent(t, seat0.events(), EventUpdate)

	if drained := mustClosed(t, slow.Events); drained != 1 {
		t.Fatalf("expected only the snapshot before close, got %d events", drained)
	}
}

func TestHostAppliesAcceptedActionsInOrder(t *testing.T) {
	h, st := startTicTacToe(t)

	seat0 := join(t, h, "p0", "m1", "0", "secret-0")
	seat1 := join(t, h, "p1", "m1", "1", "secret-1")
	seat0.sync(t, h, "m1")
	seat1.sync(t, h, "m1")

	type step struct {
		who  *seat
		cell int
		ok   bool
	}
	steps := []step{
		{seat0, 0, true},
		{seat1, 0, false}, // taken
		{seat1, 3, true},
		{seat0, 1, true},
		{seat0, 2, false}, // out of turn
		{seat1, 4, true},
		{seat0, 2, true}, // wins
		{seat1, 5, false}, // game over
	}

	g := tictactoe.New()
	expected, err := g.Setup(2, nil)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	var stateID int64
	accepted := 0
	for i, s := range steps {
		s.who.send(t, h, s.who.click("m1", stateID, s.cell))
		if !s.ok {
			if ev := mustEvent(t, s.who.events(), EventRejected); ev.Error.Code != ErrCodeInvalidAction {
				t.Fatalf("step %d: expected invalid_action, got %+v", i, ev.Error)
			}
			continue
		}
		ev0 := mustEvent(t, seat0.events(), EventUpdate)
		ev1 := mustEvent(t, seat1.events(), EventUpdate)
		if ev0.State.StateID != ev1.State.StateID {
			t.Fatalf("step %d: seats saw different states %d and %d", i, ev0.State.StateID, ev1.State.StateID)
		}
		stateID = ev0.State.StateID

		expected, err = g.Reduce(expected, game.Action{
			Type:     tictactoe.MoveClickCell,
			Args:     json.RawMessage(fmt.Sprintf("[%d]", s.cell)),
			PlayerID: s.who.seatID,
		})
		if err != nil {
			t.Fatalf("step %d: reference reduce: %v", i, err)
		}
		accepted++
	}

	m := fetch(t, st, "m1")
	if len(m.Log) != accepted || m.State.StateID != int64(accepted) {
		t.Fatalf("log has %d entries at state %d, accepted %d", len(m.Log), m.State.StateID, accepted)
	}
	if string(m.State.G) != string(expected.G) || string(m.State.Ctx) != string(expected.Ctx) {
		t.Fatalf("host state diverged from reducer:\n%s %s\n%s %s", m.State.G, m.State.Ctx, expected.G, expected.Ctx)
	}
	_, ctx, _ := tictactoe.Decode(m.State)
	if ctx.Gameover == nil || ctx.Gameover.Winner != "0" {
		t.Fatalf("expected seat 0 to win: %+v", ctx)
	}
}

type panicGame struct{ tictactoe.Game }

func (panicGame) Reduce(game.State, game.Action) (game.State, error) {
	panic("boom")
}

func TestHostSurvivesReducerPanic(t *testing.T) {
	h, st := startHost(t, panicGame{}, Options{})

	seat0 := join(t, h, "p0", "m1", "0", "secret-0")
	seat0.sync(t, h, "m1")
	seat0.send(t, h, seat0.click("m1", 0, 4))

	ev := mustEvent(t, seat0.events(), EventRejected)
	if ev.Error.Code != ErrCodeInvalidAction {
		t.Fatalf("expected invalid_action, got %+v", ev.Error)
	}
	if snap := seat0.sync(t, h, "m1"); snap.State.StateID != 0 {
		t.Fatalf("state changed after panic")
	}
	if m := fetch(t, st, "m1"); len(m.Log) != 0 {
		t.Fatalf("log grew after panic")
	}
}

func TestHostMalformedCommands(t *testing.T) {
	h, _ := startTicTacToe(t)

	c := join(t, h, "c", "", "", "")
	cases := []struct {
		name string
		cmd  *Command
		code string
	}{
		{"sync without match", &Command{Kind: CommandSync}, ErrCodeBadRequest},
		{"update without action", &Command{Kind: CommandUpdate, MatchID: "m1"}, ErrCodeBadRequest},
		{"update unknown match", &Command{Kind: CommandUpdate, MatchID: "ghost", SeatID: "0", Action: &game.Action{Type: "x"}}, ErrCodeMatchNotFound},
		{"chat unknown match", &Command{Kind: CommandChat, MatchID: "ghost", Chat: &ChatMessage{}}, ErrCodeMatchNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c.send(t, h, tc.cmd)
			ev := mustEvent(t, c.events(), EventRejected)
			if ev.Error.Code != tc.code {
				t.Fatalf("expected %s, got %+v", tc.code, ev.Error)
			}
		})
	}

	// Unknown kinds and nil commands are dropped without a reply; the host keeps serving.
	c.send(t, h, &Command{Kind: CommandKind(42)})
	c.send(t, h, nil)
	if snap := c.sync(t, h, "m1"); snap == nil {
		t.Fatalf("host stopped serving after malformed input")
	}
}

func TestHostStopped(t *testing.T) {
	h := NewHost(tictactoe.New(), nil, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	cancel()
	<-h.Done()

	c := NewClient("late", "m1", Meta{}, 0)
	if err := h.RegisterClient(c); !errors.Is(err, ErrHostStopped) {
		t.Fatalf("expected ErrHostStopped, got %v", err)
	}
	if err := h.ProcessAction(c, &Command{Kind: CommandSync, MatchID: "m1"}); !errors.Is(err, ErrHostStopped) {
		t.Fatalf("expected ErrHostStopped, got %v", err)
	}
	h.UnregisterClient(c)
}

// anyCountGame sets up matches of any size, so only the host bounds the player count.
type anyCountGame struct{ tictactoe.Game }

func (anyCountGame) Setup(numPlayers int, _ json.RawMessage) (game.State, error) {
	return game.State{G: json.RawMessage(`{}`), Ctx: json.RawMessage(fmt.Sprintf(`{"numPlayers":%d}`, numPlayers))}, nil
}

func TestHostRejectsOversizedPlayerCount(t *testing.T) {
	h, st := startHost(t, anyCountGame{}, Options{MaxNumPlayers: 8})

	c := join(t, h, "c", "", "", "")
	c.send(t, h, &Command{Kind: CommandSync, MatchID: "huge", NumPlayers: 1 << 30})
	ev := mustEvent(t, c.events(), EventRejected)
	if ev.Error.Code != ErrCodeBadRequest {
		t.Fatalf("expected bad_request, got %+v", ev.Error)
	}
	if _, err := st.Fetch(context.Background(), "huge"); err == nil {
		t.Fatalf("oversized match must not be created")
	}

	c.send(t, h, &Command{Kind: CommandSync, MatchID: "ok", NumPlayers: 8})
	snap := mustEvent(t, c.events(), EventSync).Snapshot
	if snap.Metadata.NumPlayers != 8 || len(snap.Metadata.Players) != 8 {
		t.Fatalf("unexpected metadata at the limit: %+v", snap.Metadata)
	}
}

func TestHostDefaultPlayerCountRaisesLimit(t *testing.T) {
	h := NewHost(tictactoe.New(), nil, Options{DefaultNumPlayers: 100})
	if h.opts.MaxNumPlayers != 100 {
		t.Fatalf("limit should cover the default count, got %d", h.opts.MaxNumPlayers)
	}
	if NewHost(tictactoe.New(), nil, Options{}).opts.MaxNumPlayers != DefaultMaxNumPlayers {
		t.Fatalf("expected default limit")
	}
}

func TestHostDropsClientWhoseRejectionOverflows(t *testing.T) {
	h, _ := startTicTacToe(t)

	owner := join(t, h, "owner", "m1", "0", "right")
	owner.sync(t, h, "m1")

	kp := credentials.DeriveKeypair("wrong")
	slow := NewClient("slow", "m1", Meta{SeatID: "0", PublicKey: kp.PublicKeyHex(), Proof: credentials.NewProof("0", kp)}, 1)
	if err := h.RegisterClient(slow); err != nil {
		t.Fatalf("register: %v", err)
	}
	// Occupy the single outbox slot so the seat_taken rejection overflows.
	if err := h.ProcessAction(slow, &Command{Kind: CommandSync, MatchID: "m1"}); err != nil {
		t.Fatalf("observer sync: %v", err)
	}
	if err := h.ProcessAction(slow, &Command{Kind: CommandSync, MatchID: "m1", SeatID: "0", PublicKey: kp.PublicKeyHex()}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if drained := mustClosed(t, slow.Events); drained != 1 {
		t.Fatalf("expected only the first snapshot before close, got %d", drained)
	}
	// The host is still serving the match.
	if snap := owner.sync(t, h, "m1"); !snap.Metadata.Players["0"].IsConnected {
		t.Fatalf("owner lost the seat: %+v", snap.Metadata.Players["0"])
	}
}
