package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/discovery"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/registry"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/room"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-webrtc-room-relay",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"config_file", cfg.ConfigFile,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"max_room_members", cfg.MaxRoomMembers,
		"max_connections", cfg.MaxConnections,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
		"turn_rest_realm", cfg.TURNREST.Realm,
		"mdns_advertise", cfg.MDNSAdvertise,
	)

	logStartupSecurityWarnings(logger, cfg)

	commit, buildTime := resolveBuildInfo(buildCommit, buildTime)
	build := httpserver.BuildInfo{Commit: commit, BuildTime: buildTime}

	a, err := newApp(cfg, logger, build)
	if err != nil {
		logger.Error("failed to configure signaling", "err", err)
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	if cfg.MDNSAdvertise {
		adv, err := advertise(cfg, ln.Addr(), commit, logger)
		if err != nil {
			// Discovery is a convenience; the relay is still reachable directly.
			logger.Warn("mdns advertisement failed", "err", err)
		} else {
			defer adv.Close()
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.http.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		a.signal.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked signaling sockets are not tracked by http.Server.Shutdown, so
	// they get their going-away close frame first.
	a.signal.Close()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

// app is the wired service: HTTP surface, signaling server and the shared
// room state behind them.
type app struct {
	http    *httpserver.Server
	signal  *signaling.Server
	rooms   *room.Table
	metrics *metrics.Metrics
}

func newApp(cfg config.Config, logger *slog.Logger, build httpserver.BuildInfo) (*app, error) {
	m := metrics.New()
	rooms := room.NewTable(m)
	conns := registry.New(rooms, m)

	authz, err := signaling.NewAuthorizer(cfg)
	if err != nil {
		return nil, err
	}

	mgr := signaling.NewManager(rooms, conns, signaling.ManagerConfig{
		MaxRoomIDLength: cfg.MaxRoomIDLength,
		MaxRoomMembers:  cfg.MaxRoomMembers,
		Metrics:         m,
		Logger:          logger,
	})
	sig := signaling.NewServer(signaling.Config{
		Manager:        mgr,
		Authorizer:     authz,
		Metrics:        m,
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins,

		SignalingAuthTimeout:          cfg.SignalingAuthTimeout,
		SignalingWSIdleTimeout:        cfg.SignalingWSIdleTimeout,
		SignalingWSPingInterval:       cfg.SignalingWSPingInterval,
		MaxSignalingMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		MaxConnections:                cfg.MaxConnections,
		PeerSendQueueBytes:            cfg.PeerSendQueueBytes,
	})

	srv := httpserver.New(cfg, logger, build)
	srv.AddReadinessCheck("signaling", sig.Ready)
	srv.Mux().Handle("GET /webrtc/signal", sig.SignalHandler())
	srv.HandleWithOriginPolicy("/rooms", sig.RoomsHandler())

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m,
		metrics.Gauge{Name: "rooms", Help: "Rooms with at least one member.", Value: rooms.Len},
		metrics.Gauge{Name: "room_members", Help: "Connections currently in a room.", Value: func() int { return memberCount(rooms) }},
		metrics.Gauge{Name: "connections", Help: "Open signaling WebSockets.", Value: sig.ActiveConnections},
	))

	return &app{http: srv, signal: sig, rooms: rooms, metrics: m}, nil
}

func memberCount(rooms *room.Table) int {
	n := 0
	for _, r := range rooms.Rooms() {
		n += r.MemberCount
	}
	return n
}

func advertise(cfg config.Config, addr net.Addr, commit string, logger *slog.Logger) (*discovery.Advertiser, error) {
	port, err := discovery.PortFromAddr(addr)
	if err != nil {
		return nil, err
	}
	return discovery.Advertise(discovery.Config{
		Instance:     cfg.MDNSInstance,
		Port:         port,
		AuthMode:     string(cfg.AuthMode),
		Subprotocols: protocol.Subprotocols(),
		Version:      commit,
		Logger:       logger,
	})
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
