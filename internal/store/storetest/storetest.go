// Package storetest holds the conformance suite every store.Store backend must pass.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/vovakirdan/turnrelay/internal/credentials"
	"github.com/vovakirdan/turnrelay/internal/game"
	"github.com/vovakirdan/turnrelay/internal/store"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"FetchUnknown", testFetchUnknown},
		{"CreateAndFetch", testCreateAndFetch},
		{"CreateTwice", testCreateTwice},
		{"SetStateAppendsLog", testSetStateAppendsLog},
		{"SetMetadata", testSetMetadata},
		{"WipeAndRecreate", testWipe},
		{"ListMatchesSorted", testListMatches},
		{"FetchReturnsCopy", testFetchReturnsCopy},
		{"UnknownMatchMutations", testUnknownMutations},
		{"AtomicSetState", testAtomicSetState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func state(id int64, board string) game.State {
	return game.State{
		G:       json.RawMessage(fmt.Sprintf(`{"board":%q}`, board)),
		Ctx:     json.RawMessage(`{"turn":1}`),
		StateID: id,
	}
}

func entry(id int64, seat string) game.LogEntry {
	return game.LogEntry{
		Action: game.Action{
			Type:        "move",
			Args:        json.RawMessage(`[1]`),
			PlayerID:    seat,
			Credentials: &credentials.Proof{PublicKey: "aa", Signature: "bb"},
		},
		StateID: id,
	}
}

func mustCreate(t *testing.T, s store.Store, id string) {
	t.Helper()
	if err := s.CreateMatch(context.Background(), id, state(0, "init"), store.NewMetadata("g", 2, nil)); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
}

func testFetchUnknown(t *testing.T, s store.Store) {
	if _, err := s.Fetch(context.Background(), "nope"); !errors.Is(err, store.ErrMatchNotFound) {
		t.Fatalf("expected ErrMatchNotFound, got %v", err)
	}
}

func testCreateAndFetch(t *testing.T, s store.Store) {
	ctx := context.Background()
	meta := store.NewMetadata("tic-tac-toe", 2, json.RawMessage(`{"x":1}`))
	if err := s.CreateMatch(ctx, "m1", state(0, "init"), meta); err != nil {
		t.Fatalf("create: %v", err)
	}

	m, err := s.Fetch(ctx, "m1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if m.ID != "m1" {
		t.Fatalf("unexpected id %q", m.ID)
	}
	if string(m.State.G) != string(state(0, "init").G) || string(m.InitialState.G) != string(m.State.G) {
		t.Fatalf("unexpected state: %+v", m)
	}
	if len(m.Log) != 0 {
		t.Fatalf("expected empty log, got %d entries", len(m.Log))
	}
	if m.Metadata.GameName != "tic-tac-toe" || !reflect.DeepEqual(m.Metadata.Players, meta.Players) {
		t.Fatalf("unexpected metadata: %+v", m.Metadata)
	}
	if string(m.Metadata.SetupData) != `{"x":1}` {
		t.Fatalf("unexpected setup data: %s", m.Metadata.SetupData)
	}
}

func testCreateTwice(t *testing.T, s store.Store) {
	mustCreate(t, s, "m1")
	err := s.CreateMatch(context.Background(), "m1", state(0, "again"), store.NewMetadata("g", 2, nil))
	if !errors.Is(err, store.ErrMatchExists) {
		t.Fatalf("expected ErrMatchExists, got %v", err)
	}
}

func testSetStateAppendsLog(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreate(t, s, "m1")

	if err := s.SetState(ctx, "m1", state(1, "one"), []game.LogEntry{entry(1, "0")}); err != nil {
		t.Fatalf("set state: %v", err)
	}
	if err := s.SetState(ctx, "m1", state(2, "two"), []game.LogEntry{entry(2, "1")}); err != nil {
		t.Fatalf("set state: %v", err)
	}
	// no delta log: state replaced, log untouched
	if err := s.SetState(ctx, "m1", state(2, "two-b"), nil); err != nil {
		t.Fatalf("set state: %v", err)
	}

	m, err := s.Fetch(ctx, "m1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if m.State.StateID != 2 || string(m.State.G) != string(state(2, "two-b").G) {
		t.Fatalf("unexpected current state: %+v", m.State)
	}
	if m.InitialState.StateID != 0 || string(m.InitialState.G) != string(state(0, "init").G) {
		t.Fatalf("initial state changed: %+v", m.InitialState)
	}
	if len(m.Log) != 2 || m.Log[0].StateID != 1 || m.Log[1].StateID != 2 || m.Log[1].Action.PlayerID != "1" {
		t.Fatalf("unexpected log: %+v", m.Log)
	}
	if c := m.Log[0].Action.Credentials; c == nil || c.PublicKey != "aa" || c.Signature != "bb" {
		t.Fatalf("credentials not preserved in log: %+v", c)
	}
	if string(m.Log[0].Action.Args) != `[1]` {
		t.Fatalf("args not preserved: %s", m.Log[0].Action.Args)
	}
}

func testSetMetadata(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreate(t, s, "m1")

	m, _ := s.Fetch(ctx, "m1")
	meta := m.Metadata
	p := meta.Players["0"]
	p.Credentials = "pub0"
	p.IsConnected = true
	meta.Players["0"] = p
	if err := s.SetMetadata(ctx, "m1", meta); err != nil {
		t.Fatalf("set metadata: %v", err)
	}

	got, _ := s.Fetch(ctx, "m1")
	if got.Metadata.Players["0"].Credentials != "pub0" || !got.Metadata.Players["0"].IsConnected {
		t.Fatalf("metadata not stored: %+v", got.Metadata.Players)
	}
	if got.State.StateID != 0 {
		t.Fatalf("metadata update touched state")
	}
}

func testWipe(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreate(t, s, "m1")
	_ = s.SetState(ctx, "m1", state(1, "one"), []game.LogEntry{entry(1, "0")})

	if err := s.Wipe(ctx, "m1"); err != nil {
		t.Fatalf("wipe: %v", err)
	}
	if _, err := s.Fetch(ctx, "m1"); !errors.Is(err, store.ErrMatchNotFound) {
		t.Fatalf("expected not found after wipe, got %v", err)
	}
	if err := s.Wipe(ctx, "m1"); err != nil {
		t.Fatalf("second wipe: %v", err)
	}

	mustCreate(t, s, "m1")
	m, err := s.Fetch(ctx, "m1")
	if err != nil {
		t.Fatalf("fetch after recreate: %v", err)
	}
	if len(m.Log) != 0 || m.State.StateID != 0 {
		t.Fatalf("recreated match kept old data: %+v", m)
	}
}

func testListMatches(t *testing.T, s store.Store) {
	ctx := context.Background()
	ids, err := s.ListMatches(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no matches, got %v", ids)
	}

	for _, id := range []string{"m3", "m1", "m2"} {
		mustCreate(t, s, id)
	}
	_ = s.Wipe(ctx, "m2")

	ids, err = s.ListMatches(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"m1", "m3"}) {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func testFetchReturnsCopy(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreate(t, s, "m1")
	_ = s.SetState(ctx, "m1", state(1, "one"), []game.LogEntry{entry(1, "0")})

	m, _ := s.Fetch(ctx, "m1")
	m.State.StateID = 99
	m.Log[0].StateID = 99
	m.Metadata.Players["0"] = store.Player{ID: "0", Credentials: "mutated"}

	again, _ := s.Fetch(ctx, "m1")
	if again.State.StateID != 1 || again.Log[0].StateID != 1 || again.Metadata.Players["0"].Credentials != "" {
		t.Fatalf("store shares memory with Fetch results: %+v", again)
	}
}

func testUnknownMutations(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.SetState(ctx, "ghost", state(1, "x"), nil); !errors.Is(err, store.ErrMatchNotFound) {
		t.Fatalf("SetState: expected ErrMatchNotFound, got %v", err)
	}
	if err := s.SetMetadata(ctx, "ghost", store.NewMetadata("g", 2, nil)); !errors.Is(err, store.ErrMatchNotFound) {
		t.Fatalf("SetMetadata: expected ErrMatchNotFound, got %v", err)
	}
}

// testAtomicSetState checks that readers never see a state whose version disagrees with the log.
func testAtomicSetState(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreate(t, s, "m1")

	const writes = 50
	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(1); i <= writes; i++ {
			if err := s.SetState(ctx, "m1", state(i, "x"), []game.LogEntry{entry(i, "0")}); err != nil {
				select {
				case errCh <- err:
				default:
				}
				return
			}
		}
	}()

	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range writes {
				m, err := s.Fetch(ctx, "m1")
				if err != nil {
					select {
					case errCh <- err:
					default:
					}
					return
				}
				if int64(len(m.Log)) != m.State.StateID {
					select {
					case errCh <- fmt.Errorf("torn read: stateID %d with %d log entries", m.State.StateID, len(m.Log)):
					default:
					}
					return
				}
			}
		}()
	}

	wg.Wait()
	select {
	case err := <-errCh:
		t.Fatal(err)
	default:
	}
}
