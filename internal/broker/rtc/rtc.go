// Package rtc is a broker over WebRTC data channels. Peers find each other through the
// signaling service in internal/signal; afterwards traffic flows peer to peer.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/turnrelay/internal/broker"
	"github.com/vovakirdan/turnrelay/internal/signal"
)

const (
	channelLabel       = "turnrelay"
	defaultOpenTimeout = 15 * time.Second
)

// Config configures a Broker.
type Config struct {
	// SignalURL is the websocket endpoint of the signaling service, e.g. ws://host:8080/ws.
	SignalURL string
	Token     string
	// ICEServers are STUN/TURN urls. Empty means host candidates only.
	ICEServers []string
	// OpenTimeout bounds the wait for the data channel once SDP is exchanged.
	OpenTimeout time.Duration
	Logger      *zerolog.Logger
}

// Broker implements broker.Broker with pion.
type Broker struct {
	cfg Config
	log *zerolog.Logger
}

// New creates a Broker.
func New(cfg Config) *Broker {
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaultOpenTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Broker{cfg: cfg, log: logger}
}

func (b *Broker) dialSignal(ctx context.Context) (*websocket.Conn, error) {
	var header http.Header
	if b.cfg.Token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + b.cfg.Token}}
	}
	ws, resp, err := websocket.Dial(ctx, b.cfg.SignalURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, broker.Errorf(broker.KindInvalidKey, fmt.Errorf("signaling rejected token: %s", resp.Status))
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, broker.Errorf(broker.KindServerError, fmt.Errorf("dial signaling: %w", err))
	}
	ws.SetReadLimit(1 << 17)
	return ws, nil
}

func (b *Broker) newPeerConnection() (*webrtc.PeerConnection, error) {
	var servers []webrtc.ICEServer
	if len(b.cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: b.cfg.ICEServers}}
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, broker.Errorf(broker.KindUnsupported, fmt.Errorf("create peer connection: %w", err))
	}
	return pc, nil
}

// gather applies desc as the local description and waits for ICE gathering to finish, so
// the SDP sent over signaling carries every candidate.
func gather(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) (string, error) {
	complete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return "", broker.Errorf(broker.KindNetwork, fmt.Errorf("set local description: %w", err))
	}
	select {
	case <-complete:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return pc.LocalDescription().SDP, nil
}

// Dial implements broker.Broker.
func (b *Broker) Dial(ctx context.Context, id string) (broker.Conn, error) {
	if !broker.ValidID(id) {
		return nil, broker.Errorf(broker.KindInvalidID, fmt.Errorf("%q is not a valid id", id))
	}

	ws, err := b.dialSignal(ctx)
	if err != nil {
		return nil, err
	}
	defer ws.Close(websocket.StatusNormalClosure, "negotiated")

	pc, err := b.newPeerConnection()
	if err != nil {
		return nil, err
	}
	ordered := true
	dc, err := pc.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		return nil, broker.Errorf(broker.KindUnsupported, fmt.Errorf("create data channel: %w", err))
	}
	c := newConn(pc, dc, id)

	if err := b.negotiate(ctx, ws, pc, id); err != nil {
		c.Close()
		return nil, err
	}

	timer := time.NewTimer(b.cfg.OpenTimeout)
	defer timer.Stop()
	select {
	case <-c.opened:
		b.log.Debug().Str("peer_id", id).Msg("data channel open")
		return c, nil
	case <-c.done:
		return nil, broker.Errorf(broker.KindNetwork, fmt.Errorf("connection to %q failed", id))
	case <-timer.C:
		c.Close()
		return nil, broker.Errorf(broker.KindNetwork, fmt.Errorf("data channel to %q did not open", id))
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
}

func (b *Broker) negotiate(ctx context.Context, ws *websocket.Conn, pc *webrtc.PeerConnection, id string) error {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return broker.Errorf(broker.KindNetwork, fmt.Errorf("create offer: %w", err))
	}
	sdp, err := gather(ctx, pc, offer)
	if err != nil {
		return err
	}

	if err := wsjson.Write(ctx, ws, signal.Frame{Type: signal.FrameOffer, Dst: id, SDP: sdp}); err != nil {
		return broker.Errorf(broker.KindSocketError, fmt.Errorf("send offer: %w", err))
	}

	var reply signal.Frame
	if err := wsjson.Read(ctx, ws, &reply); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return broker.Errorf(broker.KindSocketClosed, fmt.Errorf("await answer: %w", err))
	}
	switch reply.Type {
	case signal.FrameAnswer:
	case signal.FrameError:
		return broker.Errorf(kindOf(reply.Code), errors.New(reply.Message))
	default:
		return broker.Errorf(broker.KindServerError, fmt.Errorf("unexpected %q frame", reply.Type))
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: reply.SDP}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return broker.Errorf(broker.KindIncompatible, fmt.Errorf("set remote description: %w", err))
	}
	return nil
}

// kindOf maps a signaling error code to a broker kind.
func kindOf(code string) broker.Kind {
	switch k := broker.Kind(code); k {
	case broker.KindNetwork, broker.KindPeerUnavailable, broker.KindServerError,
		broker.KindSocketError, broker.KindSocketClosed, broker.KindInvalidID,
		broker.KindUnavailableID, broker.KindInvalidKey, broker.KindIncompatible,
		broker.KindUnsupported, broker.KindSSL:
		return k
	default:
		return broker.KindServerError
	}
}

var _ broker.Broker = (*Broker)(nil)
