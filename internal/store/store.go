// Package store defines the MatchStore: per-match initial state, current state,
// append-only action log and metadata, owned exclusively by the Host.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/vovakirdan/turnrelay/internal/game"
)

var (
	// ErrMatchNotFound is returned for a matchID that was never created or was wiped.
	ErrMatchNotFound = errors.New("match not found")
	// ErrMatchExists is returned by CreateMatch when the matchID is already tracked.
	ErrMatchExists = errors.New("match already exists")
)

// Player describes one seat of a match.
type Player struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Credentials string `json:"credentials,omitempty"`
	IsConnected bool   `json:"isConnected"`
}

// Metadata is out-of-band match information, independent of game state.
type Metadata struct {
	GameName   string            `json:"gameName"`
	NumPlayers int               `json:"numPlayers"`
	Players    map[string]Player `json:"players"`
	SetupData  json.RawMessage   `json:"setupData,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// NewMetadata seats numPlayers empty players.
func NewMetadata(gameName string, numPlayers int, setupData json.RawMessage) Metadata {
	now := time.Now().UTC()
	players := make(map[string]Player, numPlayers)
	for _, seat := range game.Seats(numPlayers) {
		players[seat] = Player{ID: seat}
	}
	return Metadata{
		GameName:   gameName,
		NumPlayers: numPlayers,
		Players:    players,
		SetupData:  setupData,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Clone returns a deep copy.
func (m Metadata) Clone() Metadata {
	m.Players = maps.Clone(m.Players)
	m.SetupData = slices.Clone(m.SetupData)
	return m
}

// Public returns a copy with seat credentials removed.
func (m Metadata) Public() Metadata {
	m = m.Clone()
	for seat, p := range m.Players {
		p.Credentials = ""
		m.Players[seat] = p
	}
	return m
}

// PublicPlayers returns the seats ordered by seat id with credentials stripped.
func (m Metadata) PublicPlayers() []Player {
	out := make([]Player, 0, len(m.Players))
	for _, p := range m.Players {
		p.Credentials = ""
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return seatLess(out[i].ID, out[j].ID) })
	return out
}

func seatLess(a, b string) bool {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	if aerr == nil && berr == nil {
		return ai < bi
	}
	return a < b
}

// Match is the stored record of one match.
type Match struct {
	ID           string          `json:"matchID"`
	InitialState game.State      `json:"initialState"`
	State        game.State      `json:"state"`
	Log          []game.LogEntry `json:"log"`
	Metadata     Metadata        `json:"metadata"`
}

// Store is the MatchStore contract. Implementations must make SetState atomic with
// respect to Fetch.
type Store interface {
	// CreateMatch inserts a new match. It returns ErrMatchExists if matchID is tracked.
	CreateMatch(ctx context.Context, matchID string, initial game.State, meta Metadata) error
	// SetState replaces the current state and appends deltaLog.
	SetState(ctx context.Context, matchID string, state game.State, deltaLog []game.LogEntry) error
	// SetMetadata replaces the metadata.
	SetMetadata(ctx context.Context, matchID string, meta Metadata) error
	// Fetch returns a copy of the match or ErrMatchNotFound.
	Fetch(ctx context.Context, matchID string) (*Match, error)
	// Wipe removes every trace of the match. Wiping an unknown match is not an error.
	Wipe(ctx context.Context, matchID string) error
	// ListMatches returns the tracked matchIDs in ascending order.
	ListMatches(ctx context.Context) ([]string, error)
	// Close releases resources.
	Close() error
}
