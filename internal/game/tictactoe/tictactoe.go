// Package tictactoe is a two-seat reference game used by the CLI and tests.
package tictactoe

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vovakirdan/turnrelay/internal/game"
)

// Name is the game name used for rendezvous.
const Name = "tic-tac-toe"

// MoveClickCell marks a cell for the current player. Args: [cell].
const MoveClickCell = "clickCell"

var lines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

// G is the board.
type G struct {
	Cells [9]string `json:"cells"`
}

// Gameover is set once the match is decided.
type Gameover struct {
	Winner string `json:"winner,omitempty"`
	Draw   bool   `json:"draw,omitempty"`
}

// Ctx tracks turn order.
type Ctx struct {
	NumPlayers    int       `json:"numPlayers"`
	Turn          int       `json:"turn"`
	CurrentPlayer string    `json:"currentPlayer"`
	Gameover      *Gameover `json:"gameover,omitempty"`
}

// Game implements game.Game.
type Game struct{}

// New returns the reducer.
func New() Game { return Game{} }

// Name implements game.Game.
func (Game) Name() string { return Name }

// Setup implements game.Game.
func (Game) Setup(numPlayers int, _ json.RawMessage) (game.State, error) {
	if numPlayers != 2 {
		return game.State{}, fmt.Errorf("tic-tac-toe needs 2 players, got %d", numPlayers)
	}
	return encode(G{}, Ctx{NumPlayers: 2, Turn: 1, CurrentPlayer: "0"}, 0)
}

// Reduce implements game.Game.
func (Game) Reduce(state game.State, action game.Action) (game.State, error) {
	g, ctx, err := Decode(state)
	if err != nil {
		return game.State{}, err
	}
	if ctx.Gameover != nil {
		return game.State{}, fmt.Errorf("%w: game is over", game.ErrInvalidAction)
	}
	if action.PlayerID != ctx.CurrentPlayer {
		return game.State{}, fmt.Errorf("%w: not player %s's turn", game.ErrInvalidAction, action.PlayerID)
	}
	if action.Type != MoveClickCell {
		return game.State{}, fmt.Errorf("%w: unknown move %q", game.ErrInvalidAction, action.Type)
	}

	var args []int
	if err := json.Unmarshal(action.Args, &args); err != nil || len(args) != 1 {
		return game.State{}, fmt.Errorf("%w: want [cell]", game.ErrInvalidAction)
	}
	cell := args[0]
	if cell < 0 || cell >= len(g.Cells) {
		return game.State{}, fmt.Errorf("%w: cell %d out of range", game.ErrInvalidAction, cell)
	}
	if g.Cells[cell] != "" {
		return game.State{}, fmt.Errorf("%w: cell %d taken", game.ErrInvalidAction, cell)
	}

	g.Cells[cell] = action.PlayerID
	if winner := winnerOf(g); winner != "" {
		ctx.Gameover = &Gameover{Winner: winner}
	} else if full(g) {
		ctx.Gameover = &Gameover{Draw: true}
	} else {
		ctx.Turn++
		if ctx.CurrentPlayer == "0" {
			ctx.CurrentPlayer = "1"
		} else {
			ctx.CurrentPlayer = "0"
		}
	}
	return encode(g, ctx, state.StateID)
}

// Decode unpacks a tic-tac-toe state.
func Decode(state game.State) (G, Ctx, error) {
	var g G
	var ctx Ctx
	if err := json.Unmarshal(state.G, &g); err != nil {
		return g, ctx, fmt.Errorf("decode G: %w", err)
	}
	if err := json.Unmarshal(state.Ctx, &ctx); err != nil {
		return g, ctx, fmt.Errorf("decode ctx: %w", err)
	}
	return g, ctx, nil
}

// Render draws the board for terminals.
func Render(g G) string {
	var b strings.Builder
	for row := range 3 {
		for col := range 3 {
			i := row*3 + col
			switch g.Cells[i] {
			case "0":
				b.WriteString(" X ")
			case "1":
				b.WriteString(" O ")
			default:
				fmt.Fprintf(&b, " %d ", i)
			}
			if col < 2 {
				b.WriteString("|")
			}
		}
		if row < 2 {
			b.WriteString("\n---+---+---\n")
		}
	}
	return b.String()
}

func encode(g G, ctx Ctx, stateID int64) (game.State, error) {
	gb, err := json.Marshal(g)
	if err != nil {
		return game.State{}, err
	}
	cb, err := json.Marshal(ctx)
	if err != nil {
		return game.State{}, err
	}
	return game.State{G: gb, Ctx: cb, StateID: stateID}, nil
}

func winnerOf(g G) string {
	for _, l := range lines {
		a := g.Cells[l[0]]
		if a != "" && a == g.Cells[l[1]] && a == g.Cells[l[2]] {
			return a
		}
	}
	return ""
}

func full(g G) bool {
	for _, c := range g.Cells {
		if c == "" {
			return false
		}
	}
	return true
}
