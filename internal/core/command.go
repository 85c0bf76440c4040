package core

import (
	"github.com/vovakirdan/turnrelay/internal/game"
)

// CommandKind describes what the client wants to do.
type CommandKind int

const (
	// CommandSync asks for the full match snapshot and claims the seat.
	CommandSync CommandKind = iota
	// CommandUpdate submits a signed action.
	CommandUpdate
	// CommandChat posts a chat message.
	CommandChat
)

func (k CommandKind) String() string {
	switch k {
	case CommandSync:
		return "sync"
	case CommandUpdate:
		return "update"
	case CommandChat:
		return "chat"
	default:
		return "unknown"
	}
}

// Command represents an action requested by a client. Fields are used per kind:
//
//	sync:   MatchID, SeatID, PublicKey, NumPlayers
//	update: MatchID, SeatID, Action, StateID
//	chat:   MatchID, Chat, PublicKey
type Command struct {
	Kind       CommandKind
	MatchID    string
	SeatID     string
	PublicKey  string
	NumPlayers int
	Action     *game.Action
	StateID    int64
	Chat       *ChatMessage
}
