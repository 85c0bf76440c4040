// Package signal is the rendezvous service. Hosts register a listening identifier over a
// websocket and peers relay SDP offers to it; game traffic never passes through here.
package signal

// Frame types.
const (
	// FrameListen registers ID for the session (client → server).
	FrameListen = "listen"
	// FrameListening acknowledges a listen (server → client).
	FrameListening = "listening"
	// FrameOffer carries a dialer's SDP. Sent with Dst set to a listening id, delivered with
	// Src set to the dialer's session id.
	FrameOffer = "offer"
	// FrameAnswer carries the listener's SDP back. Sent with Dst set to the dialer's session
	// id, delivered with Src set to the listening id.
	FrameAnswer = "answer"
	// FrameError reports a failure. A listener may also send one to a dialer to refuse an offer.
	FrameError = "error"
)

// Error codes not covered by broker kinds.
const (
	CodeBadRequest = "bad_request"
)

// Frame is one signaling message.
type Frame struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Src     string `json:"src,omitempty"`
	Dst     string `json:"dst,omitempty"`
	SDP     string `json:"sdp,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorFrame builds an error frame.
func ErrorFrame(code, msg string) Frame {
	return Frame{Type: FrameError, Code: code, Message: msg}
}
