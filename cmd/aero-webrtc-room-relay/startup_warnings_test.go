package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
	groups  []string
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	h := &recordingHandler{mu: mu, records: records}
	logger := slog.New(h)
	return logger, func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedLog, len(*records))
		copy(out, *records)
		return out
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{
		level: r.Level,
		msg:   r.Message,
		attrs: map[string]any{},
	}
	for _, a := range h.attrs {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	nh.attrs = append(nh.attrs, attrs...)
	return nh
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	nh := h.clone()
	nh.groups = append(nh.groups, name)
	return nh
}

func (h *recordingHandler) clone() *recordingHandler {
	cp := &recordingHandler{
		mu:      h.mu,
		records: h.records,
	}
	if len(h.attrs) > 0 {
		cp.attrs = append([]slog.Attr(nil), h.attrs...)
	}
	if len(h.groups) > 0 {
		cp.groups = append([]string(nil), h.groups...)
	}
	return cp
}

func (h *recordingHandler) key(k string) string {
	if len(h.groups) == 0 {
		return k
	}
	return strings.Join(h.groups, ".") + "." + k
}

// warningCodes returns the warning_code of every WARN record.
func warningCodes(records []recordedLog) map[string]recordedLog {
	out := make(map[string]recordedLog)
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			out[code] = r
		}
	}
	return out
}

// safeConfig produces no warnings in either mode.
func safeConfig(mode config.Mode) config.Config {
	return config.Config{
		Mode:                     mode,
		AuthMode:                 config.AuthModeAPIKey,
		APIKey:                   "secret",
		AllowedOrigins:           []string{"https://app.example.com"},
		MaxConnections:           1000,
		PeerSendQueueBytes:       config.DefaultPeerSendQueueBytes,
		MaxSignalingMessageBytes: config.DefaultMaxSignalingMessageBytes,
	}
}

func TestStartupSecurityWarnings_AuthModeNone(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := safeConfig(config.ModeDev)
	cfg.AuthMode = config.AuthModeNone

	logStartupSecurityWarnings(logger, cfg)

	r, ok := warningCodes(records())["auth_mode_none"]
	if !ok {
		t.Fatalf("expected warning_code=auth_mode_none, got %#v", records())
	}
	if r.attrs["auth_mode"] != config.AuthModeNone {
		t.Fatalf("auth_mode attr = %#v, want %q", r.attrs["auth_mode"], config.AuthModeNone)
	}
}

func TestStartupSecurityWarnings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		code   string
	}{
		{
			name:   "wildcard origin",
			mutate: func(c *config.Config) { c.AllowedOrigins = []string{"*"} },
			code:   "allowed_origins_wildcard",
		},
		{
			name:   "no origins in prod",
			mutate: func(c *config.Config) { c.AllowedOrigins = nil },
			code:   "allowed_origins_unset_in_prod",
		},
		{
			name:   "unlimited connections in prod",
			mutate: func(c *config.Config) { c.MaxConnections = 0 },
			code:   "max_connections_unlimited_in_prod",
		},
		{
			name:   "unbounded peer queue",
			mutate: func(c *config.Config) { c.PeerSendQueueBytes = 0 },
			code:   "peer_send_queue_large",
		},
		{
			name:   "large signaling messages",
			mutate: func(c *config.Config) { c.MaxSignalingMessageBytes = 4 << 20 },
			code:   "max_signaling_message_large",
		},
		{
			name:   "mdns in prod",
			mutate: func(c *config.Config) { c.MDNSAdvertise = true },
			code:   "mdns_advertise_in_prod",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, records := newRecordingLogger()
			cfg := safeConfig(config.ModeProd)
			tt.mutate(&cfg)

			logStartupSecurityWarnings(logger, cfg)

			codes := warningCodes(records())
			if _, ok := codes[tt.code]; !ok {
				t.Fatalf("expected warning_code=%s, got %#v", tt.code, records())
			}
			if len(codes) != 1 {
				t.Fatalf("got %d warnings, want 1: %#v", len(codes), records())
			}
		})
	}
}

func TestStartupSecurityWarnings_SafeConfigIsQuiet(t *testing.T) {
	for _, mode := range []config.Mode{config.ModeDev, config.ModeProd} {
		logger, records := newRecordingLogger()
		logStartupSecurityWarnings(logger, safeConfig(mode))
		if codes := warningCodes(records()); len(codes) != 0 {
			t.Fatalf("mode=%s: got warnings %#v, want none", mode, codes)
		}
	}
}

func TestStartupSecurityWarnings_DevModeSkipsProdOnlyChecks(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := safeConfig(config.ModeDev)
	cfg.AllowedOrigins = nil
	cfg.MaxConnections = 0
	cfg.MDNSAdvertise = true

	logStartupSecurityWarnings(logger, cfg)

	if codes := warningCodes(records()); len(codes) != 0 {
		t.Fatalf("got warnings %#v, want none in dev mode", codes)
	}
}
