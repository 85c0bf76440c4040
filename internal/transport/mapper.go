package transport

import (
	"fmt"

	"github.com/vovakirdan/turnrelay/internal/core"
	"github.com/vovakirdan/turnrelay/internal/proto"
)

// envelopeToCommand maps a frame received from a peer onto a host command.
func envelopeToCommand(env proto.Envelope) (*core.Command, error) {
	switch env.Type {
	case proto.TypeSync:
		s, err := proto.DecodeSync(env)
		if err != nil {
			return nil, err
		}
		return &core.Command{
			Kind:       core.CommandSync,
			MatchID:    s.MatchID,
			SeatID:     s.SeatID,
			PublicKey:  s.PublicKey,
			NumPlayers: s.NumPlayers,
		}, nil
	case proto.TypeUpdate:
		u, err := proto.DecodeUpdate(env)
		if err != nil {
			return nil, err
		}
		action := u.Action
		return &core.Command{
			Kind:    core.CommandUpdate,
			MatchID: u.MatchID,
			SeatID:  u.SeatID,
			Action:  &action,
			StateID: u.StateID,
		}, nil
	case proto.TypeChat:
		c, err := proto.DecodeChat(env)
		if err != nil {
			return nil, err
		}
		return &core.Command{
			Kind:      core.CommandChat,
			MatchID:   c.MatchID,
			PublicKey: c.PublicKey,
			Chat: &core.ChatMessage{
				ID:      c.Message.ID,
				Sender:  c.Message.Sender,
				Payload: c.Message.Payload,
			},
		}, nil
	default:
		return nil, fmt.Errorf("%w: unexpected %q from peer", proto.ErrMalformed, env.Type)
	}
}

// eventToEnvelope maps a host event onto the frame pushed to the client.
func eventToEnvelope(ev *core.Event) (proto.Envelope, error) {
	switch ev.Kind {
	case core.EventSync:
		return proto.NewSyncReply(proto.SyncReply{
			MatchID:  ev.MatchID,
			Snapshot: snapshotToProto(ev.Snapshot),
		})
	case core.EventUpdate:
		if ev.State == nil {
			return proto.Envelope{}, fmt.Errorf("update event without state")
		}
		return proto.NewStateUpdate(proto.StateUpdate{
			MatchID:  ev.MatchID,
			State:    *ev.State,
			DeltaLog: ev.DeltaLog,
		})
	case core.EventMatchData:
		return proto.NewMatchData(proto.MatchData{MatchID: ev.MatchID, Players: ev.Players})
	case core.EventChat:
		if ev.Chat == nil {
			return proto.Envelope{}, fmt.Errorf("chat event without message")
		}
		return proto.NewChatPush(proto.ChatPush{MatchID: ev.MatchID, Message: chatToProto(*ev.Chat)})
	case core.EventRejected:
		r := proto.Rejected{MatchID: ev.MatchID}
		if ev.Error != nil {
			r.Code = ev.Error.Code
			r.Message = ev.Error.Message
		}
		return proto.NewRejected(r)
	default:
		return proto.Envelope{}, fmt.Errorf("unknown event kind %v", ev.Kind)
	}
}

func snapshotToProto(s *core.Snapshot) proto.Snapshot {
	if s == nil {
		return proto.Snapshot{}
	}
	chat := make([]proto.ChatMessage, 0, len(s.ChatLog))
	for _, msg := range s.ChatLog {
		chat = append(chat, chatToProto(msg))
	}
	return proto.Snapshot{
		InitialState: s.InitialState,
		State:        s.State,
		Log:          s.Log,
		Metadata:     s.Metadata,
		Chat:         chat,
	}
}

func chatToProto(msg core.ChatMessage) proto.ChatMessage {
	return proto.ChatMessage{ID: msg.ID, Sender: msg.Sender, Payload: msg.Payload}
}
