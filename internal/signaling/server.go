package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/hub"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

const (
	defaultMaxMessageBytes      = 64 * 1024
	defaultMaxMessagesPerSecond = 50
	defaultIdleTimeout          = 60 * time.Second
	defaultPingInterval         = 20 * time.Second
	defaultSendQueueSize        = 64
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Hub *hub.Hub

	// WebSocket inbound hardening.
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// IdleTimeout closes sockets that stop answering pings. PingInterval must
	// be shorter for keepalive to work.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	// SendQueueSize bounds messages waiting to be written to one socket.
	// Overflowing it closes the socket as a slow consumer.
	SendQueueSize int

	// CheckOrigin is passed to the upgrader. If nil, all origins are
	// accepted; the hub binary installs origin.Policy.CheckRequest.
	CheckOrigin func(r *http.Request) bool

	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// Clock drives the per-session rate limiter (tests).
	Clock ratelimit.Clock
}

// Server implements the hub's WebSocket surface.
//
// Endpoints:
//   - GET /signal : one participant connection
type Server struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*wsSession]struct{}
	closed   bool
}

func NewServer(cfg Config) *Server {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = defaultMaxMessagesPerSecond
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaultSendQueueSize
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Server{
		cfg: cfg,
		log: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin,
		},
		sessions: make(map[*wsSession]struct{}),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signal", s.handleSignal)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Close closes every live session. Sessions that are still upgrading when
// Close runs are refused.
func (s *Server) Close() {
	s.mu.Lock()
	sessions := make([]*wsSession, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = nil
	s.closed = true
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.closeWith(websocket.CloseGoingAway, "server shutting down")
		sess.Close()
	}
}

func (s *Server) track(sess *wsSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess] = struct{}{}
	return true
}

func (s *Server) untrack(sess *wsSession) {
	s.mu.Lock()
	if s.sessions != nil {
		delete(s.sessions, sess)
	}
	s.mu.Unlock()
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Hub == nil {
		http.Error(w, "hub not configured", http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	wss := &wsSession{
		srv:  s,
		conn: conn,
		log:  s.log.With("remote_addr", r.RemoteAddr),
		out:  make(chan protocol.Message, s.cfg.SendQueueSize),
		done: make(chan struct{}),
		limiter: ratelimit.NewTokenBucket(
			s.cfg.Clock,
			int64(s.cfg.MaxMessagesPerSecond),
			int64(s.cfg.MaxMessagesPerSecond),
		),
	}
	if !s.track(wss) {
		wss.closeWith(websocket.CloseGoingAway, "server shutting down")
		_ = conn.Close()
		return
	}
	defer s.untrack(wss)
	wss.run()
}

type wsSession struct {
	srv  *Server
	conn *websocket.Conn
	log  *slog.Logger

	// id is written once by run after Attach and only read by run.
	id hub.ConnID

	limiter *ratelimit.TokenBucket

	out  chan protocol.Message
	done chan struct{}

	writeMu sync.Mutex

	closeOnce sync.Once
}

// Send implements hub.Conn. It never blocks: a full queue marks the session
// as a slow consumer and tears it down.
func (wss *wsSession) Send(msg protocol.Message) bool {
	select {
	case <-wss.done:
		return false
	default:
	}
	select {
	case wss.out <- msg:
		return true
	default:
	}
	wss.srv.cfg.Metrics.Inc(metrics.SlowConsumer)
	wss.log.Warn("closing slow signaling consumer", "queue_size", cap(wss.out))
	go func() {
		wss.closeWith(websocket.ClosePolicyViolation, "slow consumer")
		wss.Close()
	}()
	return false
}

func (wss *wsSession) run() {
	defer wss.Close()

	cfg := wss.srv.cfg
	wss.conn.SetReadLimit(cfg.MaxMessageBytes)
	_ = wss.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	wss.conn.SetPongHandler(func(string) error {
		return wss.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	})

	go wss.writeLoop()

	wss.id = cfg.Hub.Attach(wss)
	defer cfg.Hub.Disconnect(wss.id)
	log := wss.log.With("conn_id", wss.id)
	log.Debug("signaling session opened")

	for {
		msgType, data, err := wss.conn.ReadMessage()
		if err != nil {
			switch {
			case isTimeout(err):
				wss.closeWith(websocket.CloseNormalClosure, "idle timeout")
			case errors.Is(err, websocket.ErrReadLimit):
				cfg.Metrics.Inc(metrics.BadMessage)
				wss.closeWith(websocket.CloseMessageTooBig, "message too large")
			}
			log.Debug("signaling session closed", "err", err)
			return
		}
		_ = wss.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))

		// Apply the rate limit after the read so bytes already in the TCP
		// receive buffer are consumed and the peer sees a clean close frame.
		if !wss.limiter.Allow() {
			cfg.Metrics.Inc(metrics.RateLimited)
			wss.fail(protocol.CodeRateLimited, "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			cfg.Metrics.Inc(metrics.BadMessage)
			wss.fail(protocol.CodeBadMessage, "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := protocol.ParseMessage(data, protocol.ClientToHub)
		if err != nil {
			cfg.Metrics.Inc(metrics.BadMessage)
			wss.fail(protocol.CodeBadMessage, err.Error(), websocket.ClosePolicyViolation, "bad message")
			return
		}
		wss.dispatch(log, msg)
	}
}

func (wss *wsSession) dispatch(log *slog.Logger, msg protocol.Message) {
	h := wss.srv.cfg.Hub
	var err error
	switch msg.Type {
	case protocol.TypeJoin:
		err = h.Join(wss.id, msg.Name)
	case protocol.TypeOffer:
		err = h.RelayOffer(wss.id, msg.SDP)
	case protocol.TypeAnswer:
		err = h.RelayAnswer(wss.id, hub.ConnID(msg.Target), msg.SDP)
	case protocol.TypeICECandidate:
		err = h.RelayICECandidate(wss.id, msg.Candidate)
	case protocol.TypeChatMessage:
		h.RelayChat(wss.id, msg.Text)
	}
	if err == nil {
		return
	}

	// Hub rejections are reported to the sender; the socket stays open.
	code := protocol.CodeInternal
	switch {
	case errors.Is(err, hub.ErrEmptyName):
		code = protocol.CodeBadMessage
	case errors.Is(err, hub.ErrRoomFull):
		code = protocol.CodeRoomFull
	case errors.Is(err, hub.ErrUnknownConn):
		code = protocol.CodeNotJoined
	}
	log.Debug("hub rejected message", "type", msg.Type, "code", code, "err", err)
	wss.Send(protocol.Message{Type: protocol.TypeError, Code: code, Message: err.Error()})
}

func (wss *wsSession) writeLoop() {
	ticker := time.NewTicker(wss.srv.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wss.done:
			return
		case msg := <-wss.out:
			if err := wss.write(msg); err != nil {
				wss.Close()
				return
			}
		case <-ticker.C:
			wss.writeMu.Lock()
			err := wss.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			wss.writeMu.Unlock()
			if err != nil {
				wss.Close()
				return
			}
		}
	}
}

func (wss *wsSession) write(msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	wss.writeMu.Lock()
	defer wss.writeMu.Unlock()
	_ = wss.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return wss.conn.WriteMessage(websocket.TextMessage, data)
}

// fail writes an error frame directly, bypassing the queue, then closes.
func (wss *wsSession) fail(code, message string, closeCode int, closeReason string) {
	_ = wss.write(protocol.Message{
		Type:    protocol.TypeError,
		Code:    code,
		Message: message,
	})
	wss.closeWith(closeCode, closeReason)
}

func (wss *wsSession) closeWith(code int, reason string) {
	wss.writeMu.Lock()
	defer wss.writeMu.Unlock()
	_ = wss.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (wss *wsSession) Close() {
	wss.closeOnce.Do(func() {
		close(wss.done)
		_ = wss.conn.Close()
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
