// Package broker is the connection-broker contract: a host listens on an identifier and
// peers dial it to get a point-to-point message connection.
package broker

import (
	"context"
	"errors"
	"regexp"
)

// Kind classifies connection failures.
type Kind string

// Transient kinds are retried with backoff, the rest are fatal.
const (
	KindNetwork         Kind = "network"
	KindPeerUnavailable Kind = "peer_unavailable"
	KindServerError     Kind = "server_error"
	KindSocketError     Kind = "socket_error"
	KindSocketClosed    Kind = "socket_closed"

	KindInvalidID     Kind = "invalid_id"
	KindUnavailableID Kind = "unavailable_id"
	KindInvalidKey    Kind = "invalid_key"
	KindIncompatible  Kind = "incompatible"
	KindUnsupported   Kind = "unsupported"
	KindSSL           Kind = "ssl_unavailable"
)

// Fatal reports whether retrying cannot help.
func (k Kind) Fatal() bool {
	switch k {
	case KindNetwork, KindPeerUnavailable, KindServerError, KindSocketError, KindSocketClosed:
		return false
	default:
		return true
	}
}

// Error is a classified broker failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "broker: " + string(e.Kind)
	}
	return "broker: " + string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors by kind, so errors.Is(err, ErrPeerUnavailable) works for any
// peer_unavailable error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Err == nil && t.Kind == e.Kind
}

// Errorf wraps err with kind.
func Errorf(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

var (
	ErrPeerUnavailable = &Error{Kind: KindPeerUnavailable}
	ErrUnavailableID   = &Error{Kind: KindUnavailableID}
	ErrInvalidID       = &Error{Kind: KindInvalidID}
	ErrInvalidKey      = &Error{Kind: KindInvalidKey}
	ErrIncompatible    = &Error{Kind: KindIncompatible}

	// ErrClosed is returned by operations on a closed connection or listener.
	ErrClosed = errors.New("broker: closed")
)

// KindOf returns the kind of a broker error. Unclassified errors count as network errors.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindNetwork
}

// IsFatal reports whether err must not be retried.
func IsFatal(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err).Fatal()
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9]+(?:[_-][A-Za-z0-9]+)*$`)

// MaxIDLength bounds listening identifiers.
const MaxIDLength = 128

// ValidID reports whether id is addressable: alphanumeric runs joined by single '-' or '_'.
func ValidID(id string) bool {
	return len(id) <= MaxIDLength && idPattern.MatchString(id)
}

// Conn is one established message connection. Read and Write may be used concurrently
// with each other but neither concurrently with itself.
type Conn interface {
	// Read blocks until the next message arrives. It returns io.EOF once the remote side
	// closed the connection.
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, msg []byte) error
	Close() error
	// RemoteID names the other end for logging.
	RemoteID() string
}

// Listener accepts inbound connections on a listening identifier.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
	ID() string
}

// Broker resolves identifiers to connections.
type Broker interface {
	Listen(ctx context.Context, id string) (Listener, error)
	Dial(ctx context.Context, id string) (Conn, error)
}
