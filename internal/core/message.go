package core

import "encoding/json"

// DefaultChatLogSize caps the ephemeral chat log of a match.
const DefaultChatLogSize = 100

// ChatMessage is a chat line attributed to a seat.
type ChatMessage struct {
	ID      string          `json:"id"`
	Sender  string          `json:"sender"`
	Payload json.RawMessage `json:"payload"`
}
