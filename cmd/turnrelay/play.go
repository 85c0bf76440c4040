package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/turnrelay/internal/broker/rtc"
	"github.com/vovakirdan/turnrelay/internal/config"
	"github.com/vovakirdan/turnrelay/internal/core"
	"github.com/vovakirdan/turnrelay/internal/game"
	"github.com/vovakirdan/turnrelay/internal/game/tictactoe"
	"github.com/vovakirdan/turnrelay/internal/log"
	"github.com/vovakirdan/turnrelay/internal/proto"
	"github.com/vovakirdan/turnrelay/internal/store"
	"github.com/vovakirdan/turnrelay/internal/store/memory"
	"github.com/vovakirdan/turnrelay/internal/store/sqlite"
	"github.com/vovakirdan/turnrelay/internal/transport"
)

type playRole string

const (
	roleHost playRole = "host"
	roleJoin playRole = "join"
)

func newPlayCmd(root *rootOptions, role playRole) *cobra.Command {
	short := "Host a tic-tac-toe match and accept peers"
	defaultSeat := "0"
	if role == roleJoin {
		short = "Join a hosted tic-tac-toe match"
		defaultSeat = "1"
	}

	cmd := &cobra.Command{
		Use:   string(role),
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			keys := bindings{
				"match.match_id":     "match",
				"match.seat":         "seat",
				"match.secret":       "secret",
				"network.signal_url": "signal-url",
				"network.token":      "token",
			}
			if role == roleHost {
				keys["host.store_driver"] = "store"
				keys["host.store_path"] = "store-path"
			}
			cfg, logger, err := root.load(cmd, keys)
			if err != nil {
				return err
			}
			if cfg.Match.MatchID == "" {
				return errors.New("a match id is required (--match)")
			}
			if cfg.Match.Game != tictactoe.Name {
				return fmt.Errorf("unsupported game %q", cfg.Match.Game)
			}
			if cfg.Match.Seat == "" {
				cfg.Match.Seat = defaultSeat
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return play(ctx, role, cfg, logger, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().String("match", "", "match id")
	cmd.Flags().String("seat", "", "seat to claim (default "+defaultSeat+")")
	cmd.Flags().String("secret", "", "seat secret, the same secret always proves the same seat")
	cmd.Flags().String("signal-url", "", "signaling service websocket url")
	cmd.Flags().String("token", "", "signaling access token")
	if role == roleHost {
		cmd.Flags().String("store", "", "match store: memory or sqlite")
		cmd.Flags().String("store-path", "", "sqlite database path (default in memory)")
	}
	return cmd
}

func openStore(cfg config.HostConfig) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreSQLite:
		return sqlite.New(cfg.StorePath)
	default:
		return memory.New(), nil
	}
}

func play(ctx context.Context, role playRole, cfg config.Config, logger *zerolog.Logger, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b := rtc.New(rtc.Config{
		SignalURL:  cfg.Network.SignalURL,
		Token:      cfg.Network.Token,
		ICEServers: cfg.Network.ICEServers,
		Logger:     log.Component(logger, "rtc"),
	})

	c := newConsole(out)
	tcfg := transport.Config{
		Role:           transport.RolePeer,
		GameName:       cfg.Match.Game,
		MatchID:        cfg.Match.MatchID,
		SeatID:         cfg.Match.Seat,
		Secret:         cfg.Match.Secret,
		NumPlayers:     cfg.Match.NumPlayers,
		Broker:         b,
		Notify:         c.handle,
		BackoffInitial: cfg.Backoff.Initial,
		BackoffMax:     cfg.Backoff.Max,
		Logger:         log.Component(logger, "transport"),
		OnError: func(err error) {
			c.printf("connection failed: %v\n", err)
			cancel()
		},
	}
	if role == roleHost {
		st, err := openStore(cfg.Host)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		tcfg.Role = transport.RoleHost
		tcfg.Game = tictactoe.New()
		tcfg.Store = st
		tcfg.ChatAuth = core.ChatAuth(cfg.Host.ChatAuth)
		tcfg.OutboxSize = cfg.Host.OutboxSize
		tcfg.MaxNumPlayers = cfg.Host.MaxPlayers
	}

	tr, err := transport.New(tcfg)
	if err != nil {
		return err
	}
	defer tr.Close()

	c.printf("match %s as seat %s, rendezvous %s\n", cfg.Match.MatchID, cfg.Match.Seat, tr.HostID())
	c.printf("commands: 0-8 to move, /say <text>, /seat <id>, /sync, /quit\n")
	if err := tr.Connect(); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.exec(tr, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

// console renders pushes from the transport and turns typed lines into calls on it.
type console struct {
	mu    sync.Mutex
	out   io.Writer
	state *game.State
}

func newConsole(out io.Writer) *console {
	return &console{out: out}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) latest() (game.State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		return game.State{}, false
	}
	return *c.state, true
}

func (c *console) handle(env proto.Envelope) {
	switch env.Type {
	case proto.TypeSync:
		r, err := proto.DecodeSyncReply(env)
		if err != nil {
			c.printf("bad sync: %v\n", err)
			return
		}
		c.show(r.Snapshot.State)
		for _, msg := range r.Snapshot.Chat {
			c.printf("[%s] %s\n", msg.Sender, msg.Payload)
		}
	case proto.TypeUpdate:
		u, err := proto.DecodeStateUpdate(env)
		if err != nil {
			c.printf("bad update: %v\n", err)
			return
		}
		c.show(u.State)
	case proto.TypeMatchData:
		md, err := proto.DecodeMatchData(env)
		if err != nil {
			return
		}
		for _, p := range md.Players {
			status := "away"
			if p.IsConnected {
				status = "here"
			}
			c.printf("seat %s: %s\n", p.ID, status)
		}
	case proto.TypeChat:
		push, err := proto.DecodeChatPush(env)
		if err != nil {
			return
		}
		c.printf("[%s] %s\n", push.Message.Sender, push.Message.Payload)
	case proto.TypeRejected:
		r, err := proto.DecodeRejected(env)
		if err != nil {
			return
		}
		c.printf("rejected (%s): %s\n", r.Code, r.Message)
	}
}

func (c *console) show(state game.State) {
	g, ctx, err := tictactoe.Decode(state)
	if err != nil {
		c.printf("bad state: %v\n", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = &state
	fmt.Fprintf(c.out, "\n%s\n", tictactoe.Render(g))
	switch {
	case ctx.Gameover != nil && ctx.Gameover.Draw:
		fmt.Fprintln(c.out, "draw")
	case ctx.Gameover != nil:
		fmt.Fprintf(c.out, "seat %s wins\n", ctx.Gameover.Winner)
	default:
		fmt.Fprintf(c.out, "seat %s to move\n", ctx.CurrentPlayer)
	}
}

// exec runs one typed line. It reports true when the user asked to quit.
func (c *console) exec(tr *transport.Transport, line string) bool {
	var err error
	switch {
	case line == "":
		return false
	case line == "/quit":
		return true
	case line == "/sync":
		err = tr.RequestSync()
	case strings.HasPrefix(line, "/say "):
		var payload []byte
		payload, err = json.Marshal(strings.TrimPrefix(line, "/say "))
		if err == nil {
			err = tr.SendChatMessage("", payload)
		}
	case strings.HasPrefix(line, "/seat "):
		err = tr.UpdateSeatID(strings.TrimSpace(strings.TrimPrefix(line, "/seat ")))
	default:
		cell, convErr := strconv.Atoi(line)
		if convErr != nil || cell < 0 || cell > 8 {
			c.printf("unknown command %q\n", line)
			return false
		}
		state, ok := c.latest()
		if !ok {
			c.printf("no state yet, try /sync\n")
			return false
		}
		err = tr.SendAction(state, game.Action{
			Type: tictactoe.MoveClickCell,
			Args: json.RawMessage("[" + strconv.Itoa(cell) + "]"),
		})
	}
	if err != nil {
		c.printf("error: %v\n", err)
	}
	return false
}
