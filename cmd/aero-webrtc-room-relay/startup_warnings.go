package main

import (
	"log/slog"
	"slices"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none disables authentication",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && len(cfg.AllowedOrigins) == 0 {
		logger.Warn("startup security warning: ALLOWED_ORIGINS is unset while --mode=prod (only same-host browser origins are accepted)",
			"warning_code", "allowed_origins_unset_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxConnections <= 0 {
		logger.Warn("startup security warning: MAX_CONNECTIONS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_connections_unlimited_in_prod",
			"max_connections", cfg.MaxConnections,
			"mode", cfg.Mode,
		)
	}

	// A large per-peer backlog lets a slow consumer pin memory before it is
	// disconnected.
	if cfg.PeerSendQueueBytes <= 0 || cfg.PeerSendQueueBytes > 16<<20 { // 16MiB
		logger.Warn("startup security warning: PEER_SEND_QUEUE_BYTES is unbounded or very large (slow consumers can hold large outbound backlogs)",
			"warning_code", "peer_send_queue_large",
			"peer_send_queue_bytes", cfg.PeerSendQueueBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (weakens oversized message DoS hardening)",
			"warning_code", "max_signaling_message_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.MDNSAdvertise && cfg.Mode == config.ModeProd {
		logger.Warn("startup security warning: MDNS_ADVERTISE=true while --mode=prod (announces the relay on every local network)",
			"warning_code", "mdns_advertise_in_prod",
			"mdns_instance", cfg.MDNSInstance,
			"mode", cfg.Mode,
		)
	}
}
