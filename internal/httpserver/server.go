package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/turnrest"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// ReadinessCheck reports why the process cannot take traffic, or nil.
type ReadinessCheck func() error

type namedCheck struct {
	name  string
	check ReadinessCheck
}

type Server struct {
	log   *slog.Logger
	cfg   config.Config
	build BuildInfo

	serving atomic.Bool

	checksMu sync.Mutex
	checks   []namedCheck

	// turn mints TURN REST credentials for /webrtc/ice. turnErr is set when
	// TURN REST is configured but unusable.
	turn    *turnrest.Generator
	turnErr error

	mux *http.ServeMux
	srv *http.Server
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		log:   logger,
		cfg:   cfg,
		build: build,
		mux:   http.NewServeMux(),
	}

	if cfg.TURNREST.Enabled() {
		s.turn, s.turnErr = turnrest.NewGenerator(turnrest.Config{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTLSeconds:     cfg.TURNREST.TTLSeconds,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if s.turnErr != nil {
			s.log.Error("TURN REST credentials disabled", "err", s.turnErr)
		}
		s.AddReadinessCheck("turn_rest", func() error { return s.turnErr })
	}

	s.registerRoutes()

	handler := chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
	)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// Other timeouts stay zero: signaling sockets are long-lived upgraded
		// connections with their own deadlines.
	}

	return s
}

// Mux returns the underlying ServeMux for registering additional routes.
// It must only be used during startup before Serve is called.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// HandleWithOriginPolicy registers h for GET path behind the origin policy,
// answering CORS preflights for the same path. Like Mux, it must only be used
// during startup.
func (s *Server) HandleWithOriginPolicy(path string, h http.Handler) {
	wrapped := s.withOriginPolicy(h)
	s.mux.Handle("GET "+path, wrapped)
	s.mux.Handle("OPTIONS "+path, wrapped)
}

// AddReadinessCheck makes /readyz fail while check returns an error.
func (s *Server) AddReadinessCheck(name string, check ReadinessCheck) {
	s.checksMu.Lock()
	s.checks = append(s.checks, namedCheck{name: name, check: check})
	s.checksMu.Unlock()
}

// notReady returns the first failing check's name and error.
func (s *Server) notReady() (string, error) {
	if !s.serving.Load() {
		return "http", errors.New("not serving")
	}
	s.checksMu.Lock()
	checks := append([]namedCheck(nil), s.checks...)
	s.checksMu.Unlock()
	for _, c := range checks {
		if err := c.check(); err != nil {
			return c.name, err
		}
	}
	return "", nil
}

func (s *Server) Serve(l net.Listener) error {
	s.serving.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.serving.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.serving.Store(false)
	return s.srv.Close()
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if name, err := s.notReady(); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
				"ready": false,
				"check": name,
				"error": err.Error(),
			})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	s.HandleWithOriginPolicy("/webrtc/ice", http.HandlerFunc(s.handleICE))
}

type Middleware func(http.Handler) http.Handler

func chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	h := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func recoverMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("panic in http handler",
					"recover", rec,
					"path", r.URL.Path,
					"request_id", RequestID(r.Context()),
					"stack", string(debug.Stack()),
				)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

// RequestID returns the id assigned to the request by the server's
// middleware, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// maxRequestIDLen bounds client-supplied ids so they stay safe to log.
const maxRequestIDLen = 128

func requestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" || len(reqID) > maxRequestIDLen {
				reqID = uuid.NewString()
			}
			r.Header.Set("X-Request-ID", reqID)
			w.Header().Set("X-Request-ID", reqID)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, reqID)))
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status   int
	bytes    int64
	upgraded bool
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack keeps WebSocket upgrades working through the request logger.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	w.upgraded = true
	return h.Hijack()
}

// probePaths are polled by orchestrators and logged at debug level only.
var probePaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

func requestLoggerMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(sw, r)

			level := slog.LevelInfo
			switch {
			case sw.status >= http.StatusInternalServerError:
				level = slog.LevelWarn
			case probePaths[r.URL.Path] && sw.status < http.StatusBadRequest:
				level = slog.LevelDebug
			}
			// For upgraded requests the duration covers the whole socket lifetime.
			logger.Log(r.Context(), level, "http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"bytes", sw.bytes,
				"upgraded", sw.upgraded,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", RequestID(r.Context()),
			)
		})
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
