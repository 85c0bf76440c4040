// Package memory is the default, process-local MatchStore.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/vovakirdan/turnrelay/internal/game"
	"github.com/vovakirdan/turnrelay/internal/store"
)

// Store keeps matches in a table keyed by matchID plus a sorted index of ids.
type Store struct {
	mu      sync.RWMutex
	matches map[string]*store.Match
	index   []string
}

// New creates an empty store.
func New() *Store {
	return &Store{matches: make(map[string]*store.Match)}
}

// CreateMatch implements store.Store.
func (s *Store) CreateMatch(_ context.Context, matchID string, initial game.State, meta store.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.matches[matchID]; ok {
		return store.ErrMatchExists
	}
	s.matches[matchID] = &store.Match{
		ID:           matchID,
		InitialState: cloneState(initial),
		State:        cloneState(initial),
		Log:          []game.LogEntry{},
		Metadata:     meta.Clone(),
	}
	i := sort.SearchStrings(s.index, matchID)
	s.index = slices.Insert(s.index, i, matchID)
	return nil
}

// SetState implements store.Store.
func (s *Store) SetState(_ context.Context, matchID string, state game.State, deltaLog []game.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.matches[matchID]
	if !ok {
		return store.ErrMatchNotFound
	}
	m.State = cloneState(state)
	for _, e := range deltaLog {
		m.Log = append(m.Log, cloneEntry(e))
	}
	m.Metadata.UpdatedAt = time.Now().UTC()
	return nil
}

// SetMetadata implements store.Store.
func (s *Store) SetMetadata(_ context.Context, matchID string, meta store.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.matches[matchID]
	if !ok {
		return store.ErrMatchNotFound
	}
	m.Metadata = meta.Clone()
	return nil
}

// Fetch implements store.Store.
func (s *Store) Fetch(_ context.Context, matchID string) (*store.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.matches[matchID]
	if !ok {
		return nil, store.ErrMatchNotFound
	}
	out := &store.Match{
		ID:           m.ID,
		InitialState: cloneState(m.InitialState),
		State:        cloneState(m.State),
		Log:          make([]game.LogEntry, 0, len(m.Log)),
		Metadata:     m.Metadata.Clone(),
	}
	for _, e := range m.Log {
		out.Log = append(out.Log, cloneEntry(e))
	}
	return out, nil
}

// Wipe implements store.Store.
func (s *Store) Wipe(_ context.Context, matchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.matches[matchID]; !ok {
		return nil
	}
	delete(s.matches, matchID)
	if i, found := slices.BinarySearch(s.index, matchID); found {
		s.index = slices.Delete(s.index, i, i+1)
	}
	return nil
}

// ListMatches implements store.Store.
func (s *Store) ListMatches(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := slices.Clone(s.index)
	if out == nil {
		out = []string{}
	}
	return out, nil
}

// Close drops every match; the store is ephemeral.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.matches = make(map[string]*store.Match)
	s.index = nil
	return nil
}

func cloneState(st game.State) game.State {
	st.G = slices.Clone(st.G)
	st.Ctx = slices.Clone(st.Ctx)
	return st
}

func cloneEntry(e game.LogEntry) game.LogEntry {
	e.Action.Args = slices.Clone(e.Action.Args)
	if e.Action.Credentials != nil {
		c := *e.Action.Credentials
		e.Action.Credentials = &c
	}
	return e
}
