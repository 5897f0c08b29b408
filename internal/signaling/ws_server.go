package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/registry"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/room"
)

const (
	wsWriteWait   = 10 * time.Second
	wsControlWait = 1 * time.Second
)

var errShuttingDown = errors.New("signaling server shutting down")

// Config wires together the runtime dependencies for the signaling server.
type Config struct {
	Manager    *Manager
	Authorizer Authorizer
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	// AllowedOrigins is checked against the upgrade request's Origin header.
	// Empty means same host only.
	AllowedOrigins []string

	// WebSocket auth timeout for AUTH_MODE!=none.
	SignalingAuthTimeout time.Duration

	// Keepalive. An idle timeout of 0 disables the read deadline and a ping
	// interval of 0 disables pings.
	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration

	// WebSocket inbound signaling hardening.
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	// MaxConnections caps concurrent sockets. 0 means unlimited.
	MaxConnections int
	// PeerSendQueueBytes bounds each connection's outbound backlog. 0 means
	// unbounded.
	PeerSendQueueBytes int

	// NewConnID returns connection ids. Defaults to random UUIDs.
	NewConnID func() string
}

// Server implements the relay's WebSocket signaling surface.
//
// Endpoints:
//   - GET /webrtc/signal : WebSocket signaling (room events)
//   - GET /rooms         : active rooms with member counts
type Server struct {
	cfg      Config
	manager  *Manager
	metrics  *metrics.Metrics
	log      *slog.Logger
	upgrader websocket.Upgrader

	active atomic.Int64

	mu       sync.Mutex
	closed   bool
	sessions map[*wsSession]struct{}
}

func NewServer(cfg Config) *Server {
	if cfg.Authorizer == nil {
		cfg.Authorizer = AllowAllAuthorizer{}
	}
	if cfg.NewConnID == nil {
		cfg.NewConnID = uuid.NewString
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		manager:  cfg.Manager,
		metrics:  cfg.Metrics,
		log:      log,
		sessions: make(map[*wsSession]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		Subprotocols: protocol.Subprotocols(),
		CheckOrigin: func(r *http.Request) bool {
			return origin.CheckRequest(r.Header.Get("Origin"), r.Host, cfg.AllowedOrigins)
		},
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /webrtc/signal", s.SignalHandler())
	mux.Handle("GET /rooms", s.RoomsHandler())
}

// SignalHandler upgrades to a signaling WebSocket.
func (s *Server) SignalHandler() http.Handler {
	return http.HandlerFunc(s.handleWebSocketSignal)
}

// RoomsHandler lists active rooms as JSON.
func (s *Server) RoomsHandler() http.Handler {
	return http.HandlerFunc(s.handleRooms)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// ActiveConnections returns the number of open signaling sockets.
func (s *Server) ActiveConnections() int {
	return int(s.active.Load())
}

// Close tells every open signaling socket the server is going away and
// rejects new upgrades.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*wsSession, 0, len(s.sessions))
	for wss := range s.sessions {
		sessions = append(sessions, wss)
	}
	s.mu.Unlock()

	for _, wss := range sessions {
		wss.closing.Store(true)
		wss.closeWith(websocket.CloseGoingAway, "server shutting down")
		_ = wss.conn.Close()
	}
}

func (s *Server) track(wss *wsSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[wss] = struct{}{}
	return true
}

func (s *Server) untrack(wss *wsSession) {
	s.mu.Lock()
	delete(s.sessions, wss)
	s.mu.Unlock()
}

// Ready reports an error once Close has been called.
func (s *Server) Ready() error {
	if s.isClosed() {
		return errShuttingDown
	}
	return nil
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) handleWebSocketSignal(w http.ResponseWriter, r *http.Request) {
	if s.manager == nil {
		http.Error(w, "signaling not configured", http.StatusInternalServerError)
		return
	}
	if s.isClosed() {
		s.metrics.Inc(metrics.ConnectionsRejected)
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	if n := s.active.Add(1); s.cfg.MaxConnections > 0 && n > int64(s.cfg.MaxConnections) {
		s.active.Add(-1)
		s.metrics.Inc(metrics.ConnectionsRejected)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		s.active.Add(-1)
		return
	}

	codec, ok := protocol.ForSubprotocol(conn.Subprotocol())
	if !ok {
		codec = protocol.JSON
	}

	wss := &wsSession{
		srv:   s,
		conn:  conn,
		req:   r,
		codec: codec,
		queue: newSendQueue(s.cfg.PeerSendQueueBytes),
		log: s.log.With(
			"remote_addr", r.RemoteAddr,
			"subprotocol", codec.Subprotocol(),
			"request_id", r.Header.Get("X-Request-ID"),
		),

		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	if n := s.cfg.MaxSignalingMessagesPerSecond; n > 0 {
		wss.limiter = ratelimit.NewTokenBucket(ratelimit.RealClock{}, int64(n), int64(n))
	}
	if !s.track(wss) {
		s.active.Add(-1)
		s.metrics.Inc(metrics.ConnectionsRejected)
		wss.closeWith(websocket.CloseGoingAway, "server shutting down")
		_ = conn.Close()
		return
	}
	wss.run()
}

type roomsResponse struct {
	Rooms []room.Summary `json:"rooms"`
}

type httpErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	if s.manager == nil {
		writeJSONError(w, http.StatusInternalServerError, protocol.CodeInternal, "signaling not configured")
		return
	}
	hello := &ClientHello{
		APIKey: r.Header.Get("X-API-Key"),
		Token:  bearerToken(r.Header.Get("Authorization")),
	}
	if _, err := s.cfg.Authorizer.Authorize(r, hello); err != nil {
		s.metrics.Inc(metrics.AuthFailure)
		writeJSONError(w, http.StatusUnauthorized, protocol.CodeUnauthorized, unauthorizedMessage(err))
		return
	}
	rooms := s.manager.Rooms().Rooms()
	if rooms == nil {
		rooms = []room.Summary{}
	}
	writeJSON(w, http.StatusOK, roomsResponse{Rooms: rooms})
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, httpErrorResponse{Code: code, Message: message})
}

// wsSession is one signaling socket. run is the reader goroutine; writePump
// drains the outbound queue; pingLoop sends keepalives.
type wsSession struct {
	srv   *Server
	conn  *websocket.Conn
	req   *http.Request
	codec protocol.Codec
	queue *sendQueue
	log   *slog.Logger

	limiter *ratelimit.TokenBucket

	sess *Session

	writerDone chan struct{}
	done       chan struct{}
	closing    atomic.Bool
	closeOnce  sync.Once
}

func (wss *wsSession) run() {
	go wss.writePump()
	defer wss.Close()

	cfg := wss.srv.cfg
	if cfg.MaxSignalingMessageBytes > 0 {
		// Oversized frames make gorilla close the socket with 1009.
		wss.conn.SetReadLimit(cfg.MaxSignalingMessageBytes)
	}

	authorized := false
	if res, err := cfg.Authorizer.Authorize(wss.req, nil); err != nil {
		if !IsAuthMissing(err) {
			wss.srv.metrics.Inc(metrics.AuthFailure)
			wss.fail(protocol.CodeUnauthorized, unauthorizedMessage(err), websocket.ClosePolicyViolation, "unauthorized")
			return
		}
		if cfg.SignalingAuthTimeout > 0 {
			_ = wss.conn.SetReadDeadline(time.Now().Add(cfg.SignalingAuthTimeout))
		}
	} else {
		authorized = true
		wss.start(res)
	}

	for {
		msgType, data, err := wss.conn.ReadMessage()
		if err != nil {
			if wss.closing.Load() {
				return
			}
			switch {
			case !authorized && isTimeout(err):
				wss.srv.metrics.Inc(metrics.AuthFailure)
				wss.closeWith(websocket.ClosePolicyViolation, "authentication timeout")
			case isTimeout(err):
				wss.closeWith(websocket.CloseNormalClosure, "idle timeout")
			case errors.Is(err, websocket.ErrReadLimit):
				wss.log.Debug("signaling message too large")
			}
			return
		}
		// Apply the per-connection rate limit *after* reading the message so we
		// consume any bytes already in the TCP receive buffer.
		//
		// If we close before reading, the OS may send an abortive close (RST) due
		// to unread data, preventing clients from reliably observing the WebSocket
		// close code/reason.
		if wss.limiter != nil && !wss.limiter.Allow(1) {
			wss.srv.metrics.Inc(metrics.DropRateLimited)
			wss.fail(protocol.CodeRateLimited, "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if want := wss.frameType(); msgType != want {
			wss.srv.metrics.Inc(metrics.BadMessage)
			wss.fail(protocol.CodeBadMessage, "unexpected frame type for "+wss.codec.Subprotocol(), websocket.CloseUnsupportedData, "unexpected frame type")
			return
		}
		if authorized {
			wss.extendDeadline()
		}

		msg, perr := protocol.Parse(wss.codec, data)

		if !authorized {
			if perr != nil || msg.Type != protocol.TypeAuth {
				wss.srv.metrics.Inc(metrics.AuthFailure)
				wss.fail(protocol.CodeUnauthorized, "authentication required", websocket.ClosePolicyViolation, "authentication required")
				return
			}
			res, err := cfg.Authorizer.Authorize(wss.req, &ClientHello{APIKey: msg.APIKey, Token: msg.Token})
			if err != nil {
				wss.srv.metrics.Inc(metrics.AuthFailure)
				wss.fail(protocol.CodeUnauthorized, unauthorizedMessage(err), websocket.ClosePolicyViolation, "unauthorized")
				return
			}
			authorized = true
			wss.start(res)
			continue
		}

		if perr != nil {
			wss.srv.metrics.Inc(metrics.BadMessage)
			_ = wss.Send(perr.Event())
			continue
		}
		if perr := wss.srv.manager.Handle(wss.sess, msg); perr != nil {
			wss.log.Debug("signaling message rejected", "type", string(msg.Type), "code", perr.Code)
			_ = wss.Send(perr.Event())
		}
	}
}

// start attaches the authenticated connection to the room manager and arms
// the keepalive.
func (wss *wsSession) start(res AuthResult) {
	cfg := wss.srv.cfg
	id := room.ConnID(cfg.NewConnID())
	wss.log = wss.log.With("conn_id", string(id))
	wss.sess = wss.srv.manager.Connect(id, res.Identity.String(), wss)

	wss.conn.SetPongHandler(func(string) error {
		wss.extendDeadline()
		return nil
	})
	wss.extendDeadline()
	if cfg.SignalingWSPingInterval > 0 {
		go wss.pingLoop(cfg.SignalingWSPingInterval)
	}
}

func (wss *wsSession) extendDeadline() {
	if idle := wss.srv.cfg.SignalingWSIdleTimeout; idle > 0 {
		_ = wss.conn.SetReadDeadline(time.Now().Add(idle))
		return
	}
	_ = wss.conn.SetReadDeadline(time.Time{})
}

func (wss *wsSession) frameType() int {
	if wss.codec.Binary() {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

// Send implements registry.Peer. It never blocks; a connection whose queue
// overflows is closed.
func (wss *wsSession) Send(msg *protocol.Message) error {
	data, err := wss.codec.Encode(msg)
	if err != nil {
		wss.log.Warn("failed to encode signaling message", "type", string(msg.Type), "err", err)
		return err
	}
	if wss.queue.Enqueue(outFrame{binary: wss.codec.Binary(), data: data}) {
		return nil
	}
	if wss.closing.CompareAndSwap(false, true) {
		wss.log.Warn("signaling send queue full, closing connection")
		wss.queue.Close()
		// Send may run under a room lock; the close handshake must not.
		go func() {
			wss.closeWith(websocket.CloseTryAgainLater, "send queue full")
			_ = wss.conn.Close()
		}()
	}
	return registry.ErrSendQueueFull
}

func (wss *wsSession) writePump() {
	defer close(wss.writerDone)
	for {
		f, ok := wss.queue.Dequeue()
		if !ok {
			return
		}
		typ := websocket.TextMessage
		if f.binary {
			typ = websocket.BinaryMessage
		}
		_ = wss.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := wss.conn.WriteMessage(typ, f.data); err != nil {
			wss.closing.Store(true)
			wss.queue.Close()
			_ = wss.conn.Close()
			return
		}
	}
}

func (wss *wsSession) pingLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-wss.done:
			return
		case <-t.C:
			if err := wss.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsControlWait)); err != nil {
				return
			}
		}
	}
}

// fail sends an error event, waits for it to be flushed and then closes the
// socket with closeCode.
func (wss *wsSession) fail(code, message string, closeCode int, closeReason string) {
	_ = wss.Send(&protocol.Message{Type: protocol.TypeError, Code: code, Message: message})
	wss.closing.Store(true)
	wss.queue.CloseAfterDrain()
	select {
	case <-wss.writerDone:
	case <-time.After(wsWriteWait):
	}
	wss.closeWith(closeCode, closeReason)
}

func (wss *wsSession) closeWith(code int, reason string) {
	_ = wss.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsControlWait))
}

// Close must be called from the reader goroutine.
func (wss *wsSession) Close() {
	wss.closeOnce.Do(func() {
		wss.closing.Store(true)
		close(wss.done)
		if wss.sess != nil {
			wss.srv.manager.Disconnect(wss.sess)
		}
		wss.queue.Close()
		_ = wss.conn.Close()
		<-wss.writerDone
		wss.srv.untrack(wss)
		wss.srv.active.Add(-1)
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
