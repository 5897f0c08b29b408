package httpserver

import (
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/origin"
)

const (
	corsAllowMethods = "GET,OPTIONS"
	corsMaxAge       = "600"
	// Credentials for /rooms travel in these headers.
	corsAllowHeaders = "Authorization, X-API-Key, X-Request-ID"
)

// withOriginPolicy rejects cross-origin browser requests from origins outside
// ALLOWED_ORIGINS and answers CORS preflights itself. Requests without an
// Origin header (curl, server-to-server) pass through.
func (s *Server) withOriginPolicy(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originHeader := strings.TrimSpace(r.Header.Get("Origin"))
		if originHeader == "" {
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		normalized, originHost, ok := origin.NormalizeHeader(originHeader)
		if !ok || !origin.IsAllowed(normalized, originHost, r.Host, s.cfg.AllowedOrigins) {
			s.log.Debug("cross-origin request rejected",
				"origin", originHeader,
				"path", r.URL.Path,
				"request_id", RequestID(r.Context()),
			)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", normalized)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Expose-Headers", "X-Request-ID")
		h.Add("Vary", "Origin")

		if r.Method == http.MethodOptions {
			writePreflight(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writePreflight(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Methods", corsAllowMethods)
	if requested := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requested != "" {
		h.Set("Access-Control-Allow-Headers", requested)
	} else {
		h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
	}
	h.Set("Access-Control-Max-Age", corsMaxAge)
	h.Add("Vary", "Access-Control-Request-Method")
	h.Add("Vary", "Access-Control-Request-Headers")
	w.WriteHeader(http.StatusNoContent)
}
