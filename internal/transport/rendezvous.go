package transport

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/vovakirdan/turnrelay/internal/broker"
)

const hostIDPrefix = "turnrelay"

// Sanitize reduces s to the broker's identifier alphabet: characters other than ASCII
// letters, digits, '-' and '_' are dropped, each run of separators collapses to its first
// separator, and separators are trimmed from both ends.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSep := true // trims leading separators
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
			b.WriteByte(ch)
			lastSep = false
		case ch == '-' || ch == '_':
			if !lastSep {
				b.WriteByte(ch)
				lastSep = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-_")
}

// HostID derives the rendezvous identifier of a match. Inputs that are already
// addressable map to themselves under a fixed prefix; anything that had to be sanitized
// or shortened gets a hash of the raw input appended, so distinct inputs stay distinct.
func HostID(gameName, matchID string) string {
	raw := hostIDPrefix + "-" + gameName + "-matchid-" + matchID
	id := Sanitize(raw)
	if id == raw && len(id) <= broker.MaxIDLength {
		return id
	}

	sum := sha3.Sum256([]byte(raw))
	suffix := "-" + hex.EncodeToString(sum[:4])
	if limit := broker.MaxIDLength - len(suffix); len(id) > limit {
		id = strings.TrimRight(id[:limit], "-_")
	}
	return id + suffix
}
