package signal

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/turnrelay/internal/auth"
	"github.com/vovakirdan/turnrelay/internal/broker"
	"github.com/vovakirdan/turnrelay/internal/metrics"
)

const sessionOutboxSize = 32

// Options configures a Server.
type Options struct {
	JWT     *auth.JWTConfig
	Metrics *metrics.Metrics
	// Gatherer backs /metrics. The route is omitted when nil.
	Gatherer prometheus.Gatherer
	Logger   *zerolog.Logger
}

// Server relays signaling frames between websocket sessions.
type Server struct {
	jwt      *auth.JWTConfig
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	log      *zerolog.Logger

	mu        sync.Mutex
	sessions  map[string]*session
	listeners map[string]*session
}

// New creates a Server.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Server{
		jwt:       opts.JWT,
		metrics:   opts.Metrics,
		gatherer:  opts.Gatherer,
		log:       logger,
		sessions:  make(map[string]*session),
		listeners: make(map[string]*session),
	}
}

// Handler builds the HTTP routes. /ws sits on the plain mux: the websocket upgrade hijacks
// the connection after writing its status, which gin's response writer refuses.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), LoggerMiddleware(s.log))

	r.GET("/health", healthHandler)
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/", r)
	return mux
}

// Listening reports whether id is currently registered.
func (s *Server) Listening(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.listeners[id]
	return ok
}

func healthHandler(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (s *Server) open(id identity) *session {
	sess := &session{
		id:      uuid.NewString(),
		subject: id.subject,
		role:    id.role,
		out:     make(chan Frame, sessionOutboxSize),
		kill:    make(chan struct{}),
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.metrics.SessionOpened(id.role)
	return sess
}

func (s *Server) close(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	if sess.listenID != "" && s.listeners[sess.listenID] == sess {
		delete(s.listeners, sess.listenID)
	}
	s.mu.Unlock()

	s.metrics.SessionClosed(sess.role)
}

// route handles one inbound frame. It runs on the session's read goroutine.
func (s *Server) route(sess *session, f Frame) {
	switch f.Type {
	case FrameListen:
		s.handleListen(sess, f)
	case FrameOffer:
		s.handleOffer(sess, f)
	case FrameAnswer, FrameError:
		s.handleReply(sess, f)
	default:
		sess.deliver(ErrorFrame(string(broker.KindUnsupported), fmt.Sprintf("unknown frame type %q", f.Type)))
	}
}

func (s *Server) handleListen(sess *session, f Frame) {
	if sess.role != auth.RoleHost {
		sess.deliver(ErrorFrame(string(broker.KindInvalidKey), auth.ErrForbidden.Error()))
		return
	}
	if !broker.ValidID(f.ID) {
		sess.deliver(ErrorFrame(string(broker.KindInvalidID), fmt.Sprintf("%q is not a valid id", f.ID)))
		return
	}

	s.mu.Lock()
	if sess.listenID != "" {
		s.mu.Unlock()
		sess.deliver(ErrorFrame(string(broker.KindUnsupported), "session is already listening"))
		return
	}
	if _, taken := s.listeners[f.ID]; taken {
		s.mu.Unlock()
		sess.deliver(ErrorFrame(string(broker.KindUnavailableID), fmt.Sprintf("%q is already taken", f.ID)))
		return
	}
	s.listeners[f.ID] = sess
	sess.listenID = f.ID
	s.mu.Unlock()

	s.log.Info().Str("session_id", sess.id).Str("listen_id", f.ID).Msg("listening")
	sess.deliver(Frame{Type: FrameListening, ID: f.ID})
}

func (s *Server) handleOffer(sess *session, f Frame) {
	if f.SDP == "" {
		sess.deliver(ErrorFrame(CodeBadRequest, "offer without sdp"))
		return
	}

	s.mu.Lock()
	target, ok := s.listeners[f.Dst]
	s.mu.Unlock()
	if !ok {
		sess.deliver(ErrorFrame(string(broker.KindPeerUnavailable), fmt.Sprintf("no listener on %q", f.Dst)))
		return
	}

	if target.deliver(Frame{Type: FrameOffer, Src: sess.id, SDP: f.SDP}) {
		s.metrics.Relayed(FrameOffer)
	}
}

func (s *Server) handleReply(sess *session, f Frame) {
	s.mu.Lock()
	listenID := sess.listenID
	target, ok := s.sessions[f.Dst]
	s.mu.Unlock()

	if listenID == "" {
		sess.deliver(ErrorFrame(CodeBadRequest, f.Type+" from a session that is not listening"))
		return
	}
	if !ok {
		// The dialer gave up before the answer arrived.
		s.log.Debug().Str("session_id", sess.id).Str("dst", f.Dst).Msg("reply to unknown session dropped")
		return
	}

	out := Frame{Type: f.Type, Src: listenID, SDP: f.SDP, Code: f.Code, Message: f.Message}
	if target.deliver(out) {
		s.metrics.Relayed(f.Type)
	}
}
