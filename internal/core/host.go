package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vovakirdan/turnrelay/internal/game"
	"github.com/vovakirdan/turnrelay/internal/metrics"
	"github.com/vovakirdan/turnrelay/internal/store"
)

// DefaultNumPlayers is used when a sync does not name a player count.
const DefaultNumPlayers = 2

// DefaultMaxNumPlayers caps the player count a sync may request for a new match.
const DefaultMaxNumPlayers = 64

// ChatAuth selects how chat messages are authenticated.
type ChatAuth string

const (
	// ChatAuthOpen accepts every chat message.
	ChatAuthOpen ChatAuth = "open"
	// ChatAuthVerified requires the sender to hold the seat it names and present its key.
	ChatAuthVerified ChatAuth = "verified"
)

// Options tunes a Host. The zero value is usable.
type Options struct {
	Logger            *zerolog.Logger
	Metrics           *metrics.Metrics
	ChatAuth          ChatAuth
	DefaultNumPlayers int
	// MaxNumPlayers bounds peer-supplied player counts. Seats are allocated per player.
	MaxNumPlayers int
	ChatLogSize   int
	SetupData     json.RawMessage
}

type inbound struct {
	client *Client
	cmd    *Command
}

// Host is the authoritative actor of a match. All mutable state is owned by the Run
// goroutine, so commands are applied strictly one at a time.
type Host struct {
	game    game.Game
	store   store.Store
	log     *zerolog.Logger
	metrics *metrics.Metrics
	opts    Options

	register   chan *Client
	unregister chan *Client
	inbox      chan inbound
	done       chan struct{}

	clients map[string]*Client
	matchOf map[string]string // client id -> match id
	rooms   map[string]*room
}

// NewHost binds a host to the game rules and the match store.
func NewHost(g game.Game, st store.Store, opts Options) *Host {
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if opts.ChatAuth == "" {
		opts.ChatAuth = ChatAuthOpen
	}
	if opts.DefaultNumPlayers <= 0 {
		opts.DefaultNumPlayers = DefaultNumPlayers
	}
	if opts.MaxNumPlayers <= 0 {
		opts.MaxNumPlayers = DefaultMaxNumPlayers
	}
	if opts.DefaultNumPlayers > opts.MaxNumPlayers {
		opts.MaxNumPlayers = opts.DefaultNumPlayers
	}
	if opts.ChatLogSize <= 0 {
		opts.ChatLogSize = DefaultChatLogSize
	}
	return &Host{
		game:       g,
		store:      st,
		log:        logger,
		metrics:    opts.Metrics,
		opts:       opts,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbox:      make(chan inbound),
		done:       make(chan struct{}),
		clients:    make(map[string]*Client),
		matchOf:    make(map[string]string),
		rooms:      make(map[string]*room),
	}
}

// Run processes registrations and commands until ctx is cancelled.
func (h *Host) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.handleRegister(c)
		case c := <-h.unregister:
			h.handleUnregister(ctx, c)
		case in := <-h.inbox:
			h.dispatch(ctx, in.client, in.cmd)
		case <-ctx.Done():
			h.shutdown()
			return
		}
	}
}

// Done is closed once Run has returned.
func (h *Host) Done() <-chan struct{} {
	return h.done
}

// RegisterClient adds c to the active client set. It does not send any state.
func (h *Host) RegisterClient(c *Client) error {
	select {
	case h.register <- c:
		return nil
	case <-h.done:
		return ErrHostStopped
	}
}

// UnregisterClient removes c, releases its seat and closes its outbox.
func (h *Host) UnregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// ProcessAction queues cmd from c. Commands are applied in the order they are queued.
func (h *Host) ProcessAction(c *Client, cmd *Command) error {
	select {
	case h.inbox <- inbound{client: c, cmd: cmd}:
		return nil
	case <-h.done:
		return ErrHostStopped
	}
}

func (h *Host) handleRegister(c *Client) {
	if old, ok := h.clients[c.ID]; ok && old != c {
		h.handleUnregister(context.Background(), old)
	}
	h.clients[c.ID] = c
	if c.MatchID != "" {
		h.join(c, c.MatchID)
	}
	h.metrics.ClientRegistered()
	h.log.Debug().Str("client_id", c.ID).Str("match_id", c.MatchID).Msg("client registered")
}

func (h *Host) handleUnregister(ctx context.Context, c *Client) {
	if cur, ok := h.clients[c.ID]; !ok || cur != c {
		return
	}
	delete(h.clients, c.ID)

	if matchID, ok := h.matchOf[c.ID]; ok {
		delete(h.matchOf, c.ID)
		if r := h.rooms[matchID]; r != nil {
			if seat := r.removeClient(c); seat != "" {
				h.setPresence(ctx, matchID, seat, false)
			}
		}
	}

	c.close()
	h.metrics.ClientUnregistered()
	h.log.Debug().Str("client_id", c.ID).Msg("client unregistered")
}

func (h *Host) shutdown() {
	for _, c := range h.clients {
		c.close()
		h.metrics.ClientUnregistered()
	}
	h.clients = make(map[string]*Client)
	h.matchOf = make(map[string]string)
	h.log.Info().Msg("host stopped")
}

// join moves c into the room of matchID.
func (h *Host) join(c *Client, matchID string) *room {
	if cur, ok := h.matchOf[c.ID]; ok {
		if cur == matchID {
			return h.rooms[matchID]
		}
		if r := h.rooms[cur]; r != nil {
			if seat := r.removeClient(c); seat != "" {
				h.setPresence(context.Background(), cur, seat, false)
			}
		}
	}
	r, ok := h.rooms[matchID]
	if !ok {
		r = newRoom(matchID)
		h.rooms[matchID] = r
	}
	r.addClient(c)
	h.matchOf[c.ID] = matchID
	return r
}

func (h *Host) dispatch(ctx context.Context, c *Client, cmd *Command) {
	defer func() {
		if rec := recover(); rec != nil {
			h.log.Error().Interface("panic", rec).Str("client_id", c.ID).Msg("recovered while processing action")
		}
	}()

	if cmd == nil {
		h.log.Warn().Str("client_id", c.ID).Msg("dropping empty command")
		return
	}
	if cur, ok := h.clients[c.ID]; !ok || cur != c {
		h.log.Debug().Str("client_id", c.ID).Stringer("kind", cmd.Kind).Msg("dropping command from unregistered client")
		return
	}

	switch cmd.Kind {
	case CommandSync:
		h.handleSync(ctx, c, cmd)
	case CommandUpdate:
		h.handleUpdate(ctx, c, cmd)
	case CommandChat:
		h.handleChat(ctx, c, cmd)
	default:
		h.log.Warn().Str("client_id", c.ID).Int("kind", int(cmd.Kind)).Msg("unknown command kind")
	}
}

func (h *Host) handleSync(ctx context.Context, c *Client, cmd *Command) {
	if cmd.MatchID == "" {
		h.reject(ctx, c, cmd, coreError(ErrCodeBadRequest, "missing matchID"))
		return
	}
	if cmd.NumPlayers > h.opts.MaxNumPlayers {
		h.reject(ctx, c, cmd, coreError(ErrCodeBadRequest,
			fmt.Sprintf("numPlayers %d exceeds the limit of %d", cmd.NumPlayers, h.opts.MaxNumPlayers)))
		return
	}

	m, err := h.ensureMatch(ctx, cmd.MatchID, cmd.NumPlayers)
	if err != nil {
		h.log.Error().Err(err).Str("match_id", cmd.MatchID).Msg("failed to load match")
		h.reject(ctx, c, cmd, coreError(ErrCodeBadRequest, err.Error()))
		return
	}

	r := h.join(c, cmd.MatchID)
	if cmd.SeatID != "" {
		if cerr := h.claimSeat(ctx, c, r, m, cmd); cerr != nil {
			if !h.reject(ctx, c, cmd, cerr) {
				return
			}
		}
	}

	h.metrics.ObserveAction(cmd.Kind.String(), metrics.ResultAccepted)
	h.send(ctx, c, &Event{
		Kind:     EventSync,
		MatchID:  cmd.MatchID,
		Snapshot: snapshotOf(m, r),
	})
}

// ensureMatch fetches the match, creating it from the game's setup on first sync.
func (h *Host) ensureMatch(ctx context.Context, matchID string, numPlayers int) (*store.Match, error) {
	m, err := h.store.Fetch(ctx, matchID)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, store.ErrMatchNotFound) {
		return nil, err
	}

	if numPlayers <= 0 {
		numPlayers = h.opts.DefaultNumPlayers
	}
	initial, err := h.game.Setup(numPlayers, h.opts.SetupData)
	if err != nil {
		return nil, fmt.Errorf("setup %s: %w", h.game.Name(), err)
	}
	initial.StateID = 0

	meta := store.NewMetadata(h.game.Name(), numPlayers, h.opts.SetupData)
	if err := h.store.CreateMatch(ctx, matchID, initial, meta); err != nil && !errors.Is(err, store.ErrMatchExists) {
		return nil, err
	}
	h.metrics.MatchCreated()
	h.log.Info().Str("match_id", matchID).Int("num_players", numPlayers).Msg("match created")

	return h.store.Fetch(ctx, matchID)
}

// claimSeat seats c if its proof verifies and the seat is free or already bound to the
// same key. A newer connection with the same key takes the seat over.
func (h *Host) claimSeat(ctx context.Context, c *Client, r *room, m *store.Match, cmd *Command) *CoreError {
	seat := cmd.SeatID
	player, ok := m.Metadata.Players[seat]
	if !ok {
		return coreError(ErrCodeBadRequest, fmt.Sprintf("unknown seat %q", seat))
	}

	proof := c.Meta.Proof
	if c.Meta.SeatID != seat || proof == nil || proof.PublicKey != cmd.PublicKey || !proof.Verify(seat) {
		return coreError(ErrCodeUnauthorized, "seat proof does not verify")
	}
	if player.Credentials != "" && player.Credentials != proof.PublicKey {
		return coreError(ErrCodeSeatTaken, fmt.Sprintf("seat %s is registered to another key", seat))
	}

	if holder := r.seats[seat]; holder != "" && holder != c.ID {
		h.log.Info().Str("match_id", m.ID).Str("seat", seat).Str("client_id", c.ID).
			Str("previous_client_id", holder).Msg("seat taken over by newer connection")
	}
	if prev := r.seatOf(c.ID); prev != "" && prev != seat {
		delete(r.seats, prev)
		if p, ok := m.Metadata.Players[prev]; ok {
			p.IsConnected = false
			m.Metadata.Players[prev] = p
		}
	}
	r.seats[seat] = c.ID

	player.Credentials = proof.PublicKey
	player.IsConnected = true
	m.Metadata.Players[seat] = player
	m.Metadata.UpdatedAt = time.Now().UTC()
	if err := h.store.SetMetadata(ctx, m.ID, m.Metadata); err != nil {
		h.log.Error().Err(err).Str("match_id", m.ID).Msg("failed to store metadata")
	}

	h.broadcast(ctx, r, &Event{
		Kind:    EventMatchData,
		MatchID: m.ID,
		Players: m.Metadata.PublicPlayers(),
	}, c.ID)
	return nil
}

func (h *Host) handleUpdate(ctx context.Context, c *Client, cmd *Command) {
	if cmd.MatchID == "" || cmd.Action == nil {
		h.reject(ctx, c, cmd, coreError(ErrCodeBadRequest, "update needs matchID and action"))
		return
	}

	m, err := h.store.Fetch(ctx, cmd.MatchID)
	if err != nil {
		if errors.Is(err, store.ErrMatchNotFound) {
			h.reject(ctx, c, cmd, coreError(ErrCodeMatchNotFound, "match not found"))
			return
		}
		h.log.Error().Err(err).Str("match_id", cmd.MatchID).Msg("failed to load match")
		h.reject(ctx, c, cmd, coreError(ErrCodeInternal, "failed to load match"))
		return
	}

	action := *cmd.Action
	seat := cmd.SeatID
	if action.PlayerID == "" {
		action.PlayerID = seat
	}
	if cerr := h.authorize(c, m, seat, action); cerr != nil {
		h.reject(ctx, c, cmd, cerr)
		return
	}
	if cmd.StateID != m.State.StateID {
		h.reject(ctx, c, cmd, coreError(ErrCodeStaleState,
			fmt.Sprintf("action built on state %d, current is %d", cmd.StateID, m.State.StateID)))
		return
	}

	next, err := h.reduce(m.State, action)
	if err != nil {
		h.reject(ctx, c, cmd, coreError(ErrCodeInvalidAction, err.Error()))
		return
	}
	next.StateID = m.State.StateID + 1

	entry := game.LogEntry{Action: action, StateID: next.StateID}
	if err := h.store.SetState(ctx, m.ID, next, []game.LogEntry{entry}); err != nil {
		h.log.Error().Err(err).Str("match_id", m.ID).Msg("failed to store state")
		h.reject(ctx, c, cmd, coreError(ErrCodeInternal, "failed to store state"))
		return
	}

	h.metrics.ObserveAction(cmd.Kind.String(), metrics.ResultAccepted)
	h.log.Debug().Str("match_id", m.ID).Str("seat", seat).Int64("state_id", next.StateID).Msg("action applied")

	h.broadcast(ctx, h.rooms[m.ID], &Event{
		Kind:     EventUpdate,
		MatchID:  m.ID,
		State:    &next,
		DeltaLog: []game.LogEntry{entry.Redacted()},
	}, "")
}

// authorize checks that the action is signed by the key registered for seat and that c
// currently holds that seat.
func (h *Host) authorize(c *Client, m *store.Match, seat string, action game.Action) *CoreError {
	if seat == "" || action.PlayerID != seat {
		return coreError(ErrCodeUnauthorized, "action is not tagged with the sender's seat")
	}
	registered := m.Metadata.Players[seat].Credentials
	if registered == "" || action.Credentials == nil || action.Credentials.PublicKey != registered {
		return coreError(ErrCodeUnauthorized, "credentials do not match the seat's registered key")
	}
	if !action.Credentials.Verify(seat) {
		return coreError(ErrCodeUnauthorized, "signature does not verify")
	}
	if r := h.rooms[m.ID]; r == nil || !r.holds(c.ID, seat) {
		return coreError(ErrCodeUnauthorized, "connection does not hold the seat")
	}
	return nil
}

// reduce runs the game reducer, turning a panic into a rejection.
func (h *Host) reduce(state game.State, action game.Action) (next game.State, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			h.log.Error().Interface("panic", rec).Str("type", action.Type).Msg("reducer panicked")
			err = fmt.Errorf("%w: reducer failed", game.ErrInvalidAction)
		}
	}()
	return h.game.Reduce(state, action)
}

func (h *Host) handleChat(ctx context.Context, c *Client, cmd *Command) {
	if cmd.MatchID == "" || cmd.Chat == nil {
		h.reject(ctx, c, cmd, coreError(ErrCodeBadRequest, "chat needs matchID and message"))
		return
	}
	r, ok := h.rooms[cmd.MatchID]
	if !ok {
		h.reject(ctx, c, cmd, coreError(ErrCodeMatchNotFound, "match not found"))
		return
	}

	msg := *cmd.Chat
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	if h.opts.ChatAuth == ChatAuthVerified {
		m, err := h.store.Fetch(ctx, cmd.MatchID)
		if err != nil {
			h.reject(ctx, c, cmd, coreError(ErrCodeMatchNotFound, "match not found"))
			return
		}
		registered := m.Metadata.Players[msg.Sender].Credentials
		if !r.holds(c.ID, msg.Sender) || registered == "" || cmd.PublicKey != registered {
			h.reject(ctx, c, cmd, coreError(ErrCodeUnauthorized, "chat sender does not hold the seat"))
			return
		}
	}

	r.appendChat(msg, h.opts.ChatLogSize)
	h.metrics.ObserveAction(cmd.Kind.String(), metrics.ResultAccepted)
	h.broadcast(ctx, r, &Event{Kind: EventChat, MatchID: cmd.MatchID, Chat: &msg}, c.ID)
}

func (h *Host) setPresence(ctx context.Context, matchID, seat string, connected bool) {
	m, err := h.store.Fetch(ctx, matchID)
	if err != nil {
		return
	}
	p, ok := m.Metadata.Players[seat]
	if !ok || p.IsConnected == connected {
		return
	}
	p.IsConnected = connected
	m.Metadata.Players[seat] = p
	m.Metadata.UpdatedAt = time.Now().UTC()
	if err := h.store.SetMetadata(ctx, matchID, m.Metadata); err != nil {
		h.log.Error().Err(err).Str("match_id", matchID).Msg("failed to store metadata")
	}
}

// reject tells c why cmd was dropped. It reports false if c is no longer registered.
func (h *Host) reject(ctx context.Context, c *Client, cmd *Command, cerr *CoreError) bool {
	h.metrics.ObserveAction(cmd.Kind.String(), metrics.ResultRejected)
	h.log.Warn().
		Str("client_id", c.ID).
		Str("match_id", cmd.MatchID).
		Str("seat", cmd.SeatID).
		Stringer("kind", cmd.Kind).
		Str("reason", cerr.Code).
		Msg(cerr.Message)
	return h.send(ctx, c, &Event{Kind: EventRejected, MatchID: cmd.MatchID, Error: cerr})
}

// send pushes ev to c. It reports false if c is not registered, including when the push
// overflowed its outbox and got it dropped.
func (h *Host) send(ctx context.Context, c *Client, ev *Event) bool {
	if cur, ok := h.clients[c.ID]; !ok || cur != c {
		return false
	}
	if !c.deliver(ev) {
		h.dropSlow(ctx, c)
		return false
	}
	return true
}

func (h *Host) broadcast(ctx context.Context, r *room, ev *Event, skip string) {
	if r == nil {
		return
	}
	for _, c := range r.broadcast(ev, skip) {
		h.dropSlow(ctx, c)
	}
}

// dropSlow unregisters a client whose outbox is full; its connection is expected to
// reconnect and resync.
func (h *Host) dropSlow(ctx context.Context, c *Client) {
	h.metrics.OutboxOverflow()
	h.log.Warn().Str("client_id", c.ID).Msg("client outbox full, dropping client")
	h.handleUnregister(ctx, c)
}

func snapshotOf(m *store.Match, r *room) *Snapshot {
	log := make([]game.LogEntry, 0, len(m.Log))
	for _, e := range m.Log {
		log = append(log, e.Redacted())
	}
	chat := make([]ChatMessage, len(r.chat))
	copy(chat, r.chat)
	return &Snapshot{
		InitialState: m.InitialState,
		State:        m.State,
		Log:          log,
		Metadata:     m.Metadata.Public(),
		ChatLog:      chat,
	}
}
