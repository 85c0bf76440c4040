package tictactoe

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/vovakirdan/turnrelay/internal/game"
)

func click(player string, cell int) game.Action {
	args, _ := json.Marshal([]int{cell})
	return game.Action{Type: MoveClickCell, Args: args, PlayerID: player}
}

func TestSetupRequiresTwoPlayers(t *testing.T) {
	if _, err := New().Setup(3, nil); err == nil {
		t.Fatalf("expected error for 3 players")
	}
	st, err := New().Setup(2, nil)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	_, ctx, err := Decode(st)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ctx.CurrentPlayer != "0" || ctx.Turn != 1 {
		t.Fatalf("unexpected ctx: %+v", ctx)
	}
}

func TestReduceWinningLine(t *testing.T) {
	g := New()
	st, _ := g.Setup(2, nil)

	moves := []game.Action{click("0", 0), click("1", 3), click("0", 1), click("1", 4), click("0", 2)}
	var err error
	for _, m := range moves {
		st, err = g.Reduce(st, m)
		if err != nil {
			t.Fatalf("move %+v: %v", m, err)
		}
	}

	_, ctx, _ := Decode(st)
	if ctx.Gameover == nil || ctx.Gameover.Winner != "0" {
		t.Fatalf("expected player 0 to win, got %+v", ctx.Gameover)
	}

	if _, err := g.Reduce(st, click("1", 8)); !errors.Is(err, game.ErrInvalidAction) {
		t.Fatalf("expected move after gameover to be invalid, got %v", err)
	}
}

func TestReduceRejectsIllegalMoves(t *testing.T) {
	g := New()
	st, _ := g.Setup(2, nil)
	st, _ = g.Reduce(st, click("0", 4))

	tests := []struct {
		name   string
		action game.Action
	}{
		{"wrong turn", click("0", 0)},
		{"occupied", click("1", 4)},
		{"out of range", click("1", 9)},
		{"unknown move", game.Action{Type: "flip", PlayerID: "1"}},
		{"bad args", game.Action{Type: MoveClickCell, PlayerID: "1", Args: json.RawMessage(`{"cell":1}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := g.Reduce(st, tt.action); !errors.Is(err, game.ErrInvalidAction) {
				t.Fatalf("expected ErrInvalidAction, got %v", err)
			}
		})
	}
}

func TestReduceDraw(t *testing.T) {
	g := New()
	st, _ := g.Setup(2, nil)
	// X O X / X O O / O X X
	order := []game.Action{
		click("0", 0), click("1", 1), click("0", 2),
		click("1", 4), click("0", 3), click("1", 5),
		click("0", 7), click("1", 6), click("0", 8),
	}
	var err error
	for _, m := range order {
		if st, err = g.Reduce(st, m); err != nil {
			t.Fatalf("move %+v: %v", m, err)
		}
	}
	_, ctx, _ := Decode(st)
	if ctx.Gameover == nil || !ctx.Gameover.Draw {
		t.Fatalf("expected draw, got %+v", ctx.Gameover)
	}
}
