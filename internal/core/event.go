package core

import (
	"github.com/vovakirdan/turnrelay/internal/game"
	"github.com/vovakirdan/turnrelay/internal/store"
)

// EventKind is a notification the host emits to clients.
type EventKind int

const (
	// EventSync delivers the full match snapshot to the client that asked for it.
	EventSync EventKind = iota
	// EventUpdate broadcasts a new state and the log entries that produced it.
	EventUpdate
	// EventMatchData broadcasts seat presence.
	EventMatchData
	// EventChat delivers a chat message.
	EventChat
	// EventRejected tells the submitter its command was dropped.
	EventRejected
)

func (k EventKind) String() string {
	switch k {
	case EventSync:
		return "sync"
	case EventUpdate:
		return "update"
	case EventMatchData:
		return "matchData"
	case EventChat:
		return "chat"
	case EventRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Event is sent to clients to describe what happened in a match.
type Event struct {
	Kind     EventKind
	MatchID  string
	Snapshot *Snapshot       // EventSync
	State    *game.State     // EventUpdate
	DeltaLog []game.LogEntry // EventUpdate
	Players  []store.Player  // EventMatchData
	Chat     *ChatMessage    // EventChat
	Error    *CoreError      // EventRejected
}

// Snapshot is the full match as visible to clients: log and metadata carry no credentials.
type Snapshot struct {
	InitialState game.State      `json:"initialState"`
	State        game.State      `json:"state"`
	Log          []game.LogEntry `json:"log"`
	Metadata     store.Metadata  `json:"metadata"`
	ChatLog      []ChatMessage   `json:"chat"`
}
