// Package game defines the contract between the replication core and the embedding
// game rules. The core never looks inside G or Ctx.
package game

import (
	"encoding/json"
	"errors"
	"strconv"

	"github.com/vovakirdan/turnrelay/internal/credentials"
)

// ErrInvalidAction is returned by a reducer for moves the rules do not allow.
var ErrInvalidAction = errors.New("invalid action")

// State is the authoritative game state: the reducer's G and Ctx plus a version counter
// advanced by the host on every accepted action.
type State struct {
	G       json.RawMessage `json:"G"`
	Ctx     json.RawMessage `json:"ctx"`
	StateID int64           `json:"_stateID"`
}

// Action is a move submitted by a seat.
type Action struct {
	Type        string             `json:"type"`
	Args        json.RawMessage    `json:"args,omitempty"`
	PlayerID    string             `json:"playerID"`
	Credentials *credentials.Proof `json:"credentials,omitempty"`
}

// LogEntry records one accepted action and the state version it produced.
type LogEntry struct {
	Action  Action `json:"action"`
	StateID int64  `json:"_stateID"`
}

// Redacted returns a copy of the entry without credentials, safe to send to clients.
func (e LogEntry) Redacted() LogEntry {
	e.Action.Credentials = nil
	return e
}

// Game is the deterministic reducer supplied by the embedding application.
type Game interface {
	// Name identifies the game and is part of the rendezvous identifier.
	Name() string
	// Setup builds the initial state for numPlayers seats.
	Setup(numPlayers int, setupData json.RawMessage) (State, error)
	// Reduce applies action to state. It returns ErrInvalidAction (possibly wrapped)
	// for illegal moves and must not mutate its input.
	Reduce(state State, action Action) (State, error)
}

// Seats returns the seat identifiers of a match with numPlayers players: "0" .. "n-1".
func Seats(numPlayers int) []string {
	seats := make([]string, 0, numPlayers)
	for i := range numPlayers {
		seats = append(seats, strconv.Itoa(i))
	}
	return seats
}
