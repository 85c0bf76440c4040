// Package transport owns a participant's connection to a match. A host-role transport runs
// the authoritative core.Host and listens for peers; a peer-role transport dials the host,
// reconnecting with backoff after transient failures.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/turnrelay/internal/backoff"
	"github.com/vovakirdan/turnrelay/internal/broker"
	"github.com/vovakirdan/turnrelay/internal/core"
	"github.com/vovakirdan/turnrelay/internal/credentials"
	"github.com/vovakirdan/turnrelay/internal/game"
	"github.com/vovakirdan/turnrelay/internal/metrics"
	"github.com/vovakirdan/turnrelay/internal/proto"
	"github.com/vovakirdan/turnrelay/internal/store"
	"github.com/vovakirdan/turnrelay/internal/store/memory"
)

// Role selects host or peer behaviour.
type Role int

const (
	RoleHost Role = iota
	RolePeer
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RolePeer:
		return "peer"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned by sends while no connection is open.
var ErrNotConnected = errors.New("transport: not connected")

// ErrWrongMatch is returned when a call names a match other than the one this transport serves.
var ErrWrongMatch = errors.New("transport: wrong match")

// Config configures a Transport.
type Config struct {
	Role Role
	// Game is required for the host role. Peers only need GameName.
	Game     game.Game
	GameName string
	MatchID  string
	// SeatID is empty for observers.
	SeatID string
	// Secret derives the seat credentials. Empty means no credentials.
	Secret     string
	NumPlayers int
	SetupData  json.RawMessage

	Broker broker.Broker
	// Store backs the host. Defaults to an in-memory store.
	Store      store.Store
	ChatAuth   core.ChatAuth
	OutboxSize int
	// MaxNumPlayers caps the player count a peer may request when its sync creates a match.
	MaxNumPlayers int
	Metrics       *metrics.Metrics

	// Notify receives every envelope pushed to this participant, one at a time.
	Notify func(proto.Envelope)
	// OnError receives fatal connection errors, once per failure.
	OnError func(error)

	Clock          clock.Clock
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// HelloTimeout bounds how long the host waits for a peer's hello.
	HelloTimeout time.Duration
	Logger       *zerolog.Logger
}

const defaultHelloTimeout = 10 * time.Second

// Transport bridges the embedding layer and the wire. Lifecycle calls (Connect,
// Disconnect, the Update methods) must be serialized by the caller.
type Transport struct {
	cfg     Config
	log     *zerolog.Logger
	backoff *backoff.Scheduler
	store   store.Store
	// ownStore is set when the transport created store and must close it.
	ownStore bool

	mu        sync.Mutex
	keys      credentials.Keypair
	connected bool
	sess      *session
}

// session is one connect cycle. Everything it starts stops when ctx is cancelled.
type session struct {
	ctx     context.Context
	cancel  context.CancelFunc
	mailbox *mailbox
	hostID  string

	// host role
	host     *core.Host
	loopback *core.Client
	listener broker.Listener // guarded by Transport.mu

	// peer role
	conn    broker.Conn // guarded by Transport.mu
	writeMu sync.Mutex
}

// New validates cfg and creates a disconnected Transport.
func New(cfg Config) (*Transport, error) {
	if cfg.Game != nil && cfg.GameName == "" {
		cfg.GameName = cfg.Game.Name()
	}
	switch {
	case cfg.Role == RoleHost && cfg.Game == nil:
		return nil, errors.New("transport: host role needs a game")
	case cfg.GameName == "":
		return nil, errors.New("transport: game name is required")
	case cfg.MatchID == "":
		return nil, errors.New("transport: match id is required")
	case cfg.Role == RolePeer && cfg.Broker == nil:
		return nil, errors.New("transport: peer role needs a broker")
	}
	if cfg.NumPlayers <= 0 {
		cfg.NumPlayers = core.DefaultNumPlayers
	}
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = defaultHelloTimeout
	}
	if cfg.Notify == nil {
		cfg.Notify = func(proto.Envelope) {}
	}
	if cfg.OnError == nil {
		cfg.OnError = func(error) {}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	logger := cfg.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("role", cfg.Role.String()).Logger()

	st, own := cfg.Store, false
	if st == nil && cfg.Role == RoleHost {
		st, own = memory.New(), true
	}

	t := &Transport{
		cfg: cfg,
		log: &l,
		backoff: backoff.New(
			backoff.WithClock(cfg.Clock),
			backoff.WithBounds(cfg.BackoffInitial, cfg.BackoffMax),
		),
		store:    st,
		ownStore: own,
	}
	if cfg.Secret != "" {
		t.keys = credentials.DeriveKeypair(cfg.Secret)
	}
	return t, nil
}

// HostID is the rendezvous identifier of the configured match.
func (t *Transport) HostID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return HostID(t.cfg.GameName, t.cfg.MatchID)
}

// IsConnected reports the connection status. A host is connected while it runs; a peer
// while its connection to the host is open.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Connect starts the connect cycle. It does not wait for the network: a host starts its
// core immediately and listens in the background, a peer dials in the background.
// Connecting while connected is a no-op.
func (t *Transport) Connect() error {
	t.mu.Lock()
	if t.sess != nil {
		t.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		ctx:     ctx,
		cancel:  cancel,
		mailbox: newMailbox(t.cfg.Notify),
		hostID:  HostID(t.cfg.GameName, t.cfg.MatchID),
	}
	t.sess = s
	t.mu.Unlock()

	t.log.Info().Str("match_id", t.cfg.MatchID).Str("seat", t.cfg.SeatID).Str("host_id", s.hostID).Msg("connecting")

	if t.cfg.Role == RoleHost {
		return t.startHost(s)
	}
	go t.dial(s)
	return nil
}

// Disconnect tears the session down, cancels any pending reconnect and marks the
// transport disconnected. It is a no-op when already disconnected.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	s := t.sess
	t.sess = nil
	t.connected = false
	var (
		listener broker.Listener
		conn     broker.Conn
	)
	if s != nil {
		listener, conn = s.listener, s.conn
		s.listener, s.conn = nil, nil
	}
	t.mu.Unlock()

	t.backoff.Clear()
	if s == nil {
		return
	}
	s.cancel()
	if listener != nil {
		listener.Close()
	}
	if conn != nil {
		conn.Close()
	}
	s.mailbox.close()
	t.log.Info().Str("match_id", t.cfg.MatchID).Msg("disconnected")
}

// Close disconnects and releases the store if the transport created it.
func (t *Transport) Close() error {
	t.Disconnect()
	if t.ownStore {
		return t.store.Close()
	}
	return nil
}

// UpdateMatchID switches to another match. It reconnects.
func (t *Transport) UpdateMatchID(matchID string) error {
	return t.reconfigure(func(cfg *Config) { cfg.MatchID = matchID })
}

// UpdateSeatID switches seats. It reconnects.
func (t *Transport) UpdateSeatID(seatID string) error {
	return t.reconfigure(func(cfg *Config) { cfg.SeatID = seatID })
}

// UpdateCredentials re-derives the seat credentials from secret. It reconnects.
func (t *Transport) UpdateCredentials(secret string) error {
	return t.reconfigure(func(cfg *Config) { cfg.Secret = secret })
}

func (t *Transport) reconfigure(update func(*Config)) error {
	t.Disconnect()

	t.mu.Lock()
	update(&t.cfg)
	if t.cfg.Secret != "" {
		t.keys = credentials.DeriveKeypair(t.cfg.Secret)
	} else {
		t.keys = credentials.Keypair{}
	}
	t.mu.Unlock()

	return t.Connect()
}

// identity snapshots the fields a command is stamped with.
func (t *Transport) identity() (matchID, seatID string, numPlayers int, keys credentials.Keypair) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg.MatchID, t.cfg.SeatID, t.cfg.NumPlayers, t.keys
}

func (t *Transport) current() *session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sess
}

// RequestSync asks the host for the full match snapshot. The reply arrives through Notify.
func (t *Transport) RequestSync() error {
	s := t.current()
	if s == nil {
		return ErrNotConnected
	}
	matchID, seatID, numPlayers, keys := t.identity()
	var pub string
	if !keys.IsZero() {
		pub = keys.PublicKeyHex()
	}

	if t.cfg.Role == RoleHost {
		return t.local(s, &core.Command{
			Kind:       core.CommandSync,
			MatchID:    matchID,
			SeatID:     seatID,
			PublicKey:  pub,
			NumPlayers: numPlayers,
		})
	}
	env, err := proto.NewSync(proto.Sync{MatchID: matchID, SeatID: seatID, PublicKey: pub, NumPlayers: numPlayers})
	if err != nil {
		return err
	}
	return t.write(s, env)
}

// SendAction submits action against state, signed with the seat credentials. The host's
// own seat is applied in-process.
func (t *Transport) SendAction(state game.State, action game.Action) error {
	s := t.current()
	if s == nil {
		return ErrNotConnected
	}
	matchID, seatID, _, keys := t.identity()
	if action.PlayerID == "" {
		action.PlayerID = seatID
	}
	action.Credentials = credentials.NewProof(seatID, keys)

	if t.cfg.Role == RoleHost {
		return t.local(s, &core.Command{
			Kind:    core.CommandUpdate,
			MatchID: matchID,
			SeatID:  seatID,
			Action:  &action,
			StateID: state.StateID,
		})
	}
	env, err := proto.NewUpdate(proto.Update{Action: action, StateID: state.StateID, MatchID: matchID, SeatID: seatID})
	if err != nil {
		return err
	}
	return t.write(s, env)
}

// SendChatMessage posts payload to matchID, which must be this transport's match or empty.
// The message is echoed to Notify right away; the host does not echo it back.
func (t *Transport) SendChatMessage(matchID string, payload json.RawMessage) error {
	own, seatID, _, keys := t.identity()
	if matchID != "" && matchID != own {
		return fmt.Errorf("%w: %q, serving %q", ErrWrongMatch, matchID, own)
	}
	matchID = own
	s := t.current()
	if s == nil {
		return ErrNotConnected
	}
	var pub string
	if !keys.IsZero() {
		pub = keys.PublicKeyHex()
	}
	msg := proto.ChatMessage{ID: uuid.NewString(), Sender: seatID, Payload: payload}

	echo, err := proto.NewChatPush(proto.ChatPush{MatchID: matchID, Message: msg})
	if err != nil {
		return err
	}

	if t.cfg.Role == RoleHost {
		err = t.local(s, &core.Command{
			Kind:      core.CommandChat,
			MatchID:   matchID,
			PublicKey: pub,
			Chat:      &core.ChatMessage{ID: msg.ID, Sender: msg.Sender, Payload: msg.Payload},
		})
	} else {
		var env proto.Envelope
		env, err = proto.NewChat(proto.Chat{MatchID: matchID, Message: msg, PublicKey: pub})
		if err == nil {
			err = t.write(s, env)
		}
	}
	if err != nil {
		return err
	}
	s.mailbox.push(echo)
	return nil
}

// fail reports a fatal error for s, unless s was already torn down.
func (t *Transport) fail(s *session, err error) {
	t.mu.Lock()
	if t.sess != s {
		t.mu.Unlock()
		return
	}
	t.connected = false
	t.mu.Unlock()

	t.log.Error().Err(err).Str("kind", string(broker.KindOf(err))).Msg("fatal connection error")
	t.cfg.OnError(err)
}

func (t *Transport) markConnected(s *session, connected bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess != s {
		return false
	}
	t.connected = connected
	return true
}
