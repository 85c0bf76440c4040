// Package proto defines the envelopes exchanged over the peer data channel.
//
// Every frame is {"type": ..., "args": [...]}. Client to host: hello, sync, update, chat.
// Host to client: sync, update, matchData, chat, rejected, error.
package proto

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vovakirdan/turnrelay/internal/game"
	"github.com/vovakirdan/turnrelay/internal/store"
)

const (
	ProtocolVersion = 1

	TypeHello     = "hello"
	TypeSync      = "sync"
	TypeUpdate    = "update"
	TypeChat      = "chat"
	TypeMatchData = "matchData"
	TypeRejected  = "rejected"
	TypeError     = "error"
)

// Codes carried by error envelopes. Both close the connection.
const (
	ErrorIncompatible = "incompatible"
	ErrorBadRequest   = "bad_request"
)

// ErrMalformed is returned for frames that are not envelopes.
var ErrMalformed = errors.New("malformed envelope")

// Envelope is one wire frame.
type Envelope struct {
	Type string            `json:"type"`
	Args []json.RawMessage `json:"args"`
}

// New builds an envelope. Empty strings are not special here; use Seat for nullable seats.
func New(typ string, args ...any) (Envelope, error) {
	env := Envelope{Type: typ, Args: make([]json.RawMessage, 0, len(args))}
	for i, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s arg %d: %w", typ, i, err)
		}
		env.Args = append(env.Args, raw)
	}
	return env, nil
}

// Seat encodes an empty seat as null, the observer marker.
func Seat(seat string) any {
	if seat == "" {
		return nil
	}
	return seat
}

// Marshal encodes env as JSON.
func Marshal(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Unmarshal decodes a frame.
func Unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env, nil
}

// Arg decodes args[i] into v. Missing and null arguments leave v untouched.
func (e Envelope) Arg(i int, v any) error {
	if i >= len(e.Args) || len(e.Args[i]) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Args[i], v); err != nil {
		return fmt.Errorf("%w: %s arg %d: %v", ErrMalformed, e.Type, i, err)
	}
	return nil
}

func (e Envelope) args(vs ...any) error {
	for i, v := range vs {
		if err := e.Arg(i, v); err != nil {
			return err
		}
	}
	return nil
}

// Hello opens every connection and carries the client's identity.
type Hello struct {
	SeatID    string
	PublicKey string
	Signature string
	Version   int
}

func NewHello(h Hello) (Envelope, error) {
	return New(TypeHello, Seat(h.SeatID), nullable(h.PublicKey), nullable(h.Signature), h.Version)
}

func DecodeHello(e Envelope) (Hello, error) {
	var h Hello
	err := e.args(&h.SeatID, &h.PublicKey, &h.Signature, &h.Version)
	return h, err
}

// Sync asks the host for the match snapshot.
type Sync struct {
	MatchID    string
	SeatID     string
	PublicKey  string
	NumPlayers int
}

func NewSync(s Sync) (Envelope, error) {
	return New(TypeSync, s.MatchID, Seat(s.SeatID), nullable(s.PublicKey), s.NumPlayers)
}

func DecodeSync(e Envelope) (Sync, error) {
	var s Sync
	err := e.args(&s.MatchID, &s.SeatID, &s.PublicKey, &s.NumPlayers)
	return s, err
}

// Update submits an action built on StateID.
type Update struct {
	Action  game.Action
	StateID int64
	MatchID string
	SeatID  string
}

func NewUpdate(u Update) (Envelope, error) {
	return New(TypeUpdate, u.Action, u.StateID, u.MatchID, Seat(u.SeatID))
}

func DecodeUpdate(e Envelope) (Update, error) {
	var u Update
	err := e.args(&u.Action, &u.StateID, &u.MatchID, &u.SeatID)
	return u, err
}

// ChatMessage is the wire form of a chat line.
type ChatMessage struct {
	ID      string          `json:"id"`
	Sender  string          `json:"sender"`
	Payload json.RawMessage `json:"payload"`
}

// Chat posts a chat message, signed off with the sender's public key.
type Chat struct {
	MatchID   string
	Message   ChatMessage
	PublicKey string
}

func NewChat(c Chat) (Envelope, error) {
	return New(TypeChat, c.MatchID, c.Message, nullable(c.PublicKey))
}

func DecodeChat(e Envelope) (Chat, error) {
	var c Chat
	err := e.args(&c.MatchID, &c.Message, &c.PublicKey)
	return c, err
}

// Snapshot is the host's reply to sync.
type Snapshot struct {
	InitialState game.State      `json:"initialState"`
	State        game.State      `json:"state"`
	Log          []game.LogEntry `json:"log"`
	Metadata     store.Metadata  `json:"metadata"`
	Chat         []ChatMessage   `json:"chat"`
}

// SyncReply pushes a snapshot to the client that synced.
type SyncReply struct {
	MatchID  string
	Snapshot Snapshot
}

func NewSyncReply(r SyncReply) (Envelope, error) {
	return New(TypeSync, r.MatchID, r.Snapshot)
}

func DecodeSyncReply(e Envelope) (SyncReply, error) {
	var r SyncReply
	err := e.args(&r.MatchID, &r.Snapshot)
	return r, err
}

// StateUpdate broadcasts an accepted action.
type StateUpdate struct {
	MatchID  string
	State    game.State
	DeltaLog []game.LogEntry
}

func NewStateUpdate(u StateUpdate) (Envelope, error) {
	return New(TypeUpdate, u.MatchID, u.State, u.DeltaLog)
}

func DecodeStateUpdate(e Envelope) (StateUpdate, error) {
	var u StateUpdate
	err := e.args(&u.MatchID, &u.State, &u.DeltaLog)
	return u, err
}

// MatchData broadcasts seat presence.
type MatchData struct {
	MatchID string
	Players []store.Player
}

func NewMatchData(m MatchData) (Envelope, error) {
	return New(TypeMatchData, m.MatchID, m.Players)
}

func DecodeMatchData(e Envelope) (MatchData, error) {
	var m MatchData
	err := e.args(&m.MatchID, &m.Players)
	return m, err
}

// ChatPush delivers a chat message to the other clients of a match.
type ChatPush struct {
	MatchID string
	Message ChatMessage
}

func NewChatPush(c ChatPush) (Envelope, error) {
	return New(TypeChat, c.MatchID, c.Message)
}

func DecodeChatPush(e Envelope) (ChatPush, error) {
	var c ChatPush
	err := e.args(&c.MatchID, &c.Message)
	return c, err
}

// Rejected tells the submitter its command was dropped.
type Rejected struct {
	MatchID string
	Code    string
	Message string
}

func NewRejected(r Rejected) (Envelope, error) {
	return New(TypeRejected, r.MatchID, r.Code, r.Message)
}

func DecodeRejected(e Envelope) (Rejected, error) {
	var r Rejected
	err := e.args(&r.MatchID, &r.Code, &r.Message)
	return r, err
}

// Error is a connection-level failure sent right before the host closes the connection.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

func NewError(e Error) (Envelope, error) {
	return New(TypeError, e.Code, e.Message)
}

func DecodeError(env Envelope) (Error, error) {
	var e Error
	err := env.args(&e.Code, &e.Message)
	return e, err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
