package httpserver

import (
	"net/http"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/config"
)

type iceResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}

	if s.turnErr != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "TURN REST credentials unavailable"})
		return
	}
	if s.turn != nil {
		creds, err := s.turn.GenerateRandom()
		if err != nil {
			s.log.Error("failed to generate TURN REST credentials", "err", err)
			WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to generate TURN credentials"})
			return
		}
		servers = withTURNRESTCredentials(servers, creds.Username, creds.Credential)
	}

	// Credentials are per request.
	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, http.StatusOK, iceResponse{ICEServers: servers})
}

func withTURNRESTCredentials(servers []webrtc.ICEServer, username, credential string) []webrtc.ICEServer {
	if len(servers) == 0 {
		// Preserve empty (non-nil) slices so JSON responses consistently encode as
		// `[]` rather than `null`.
		return servers
	}
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if iceServerHasTURNURL(server) {
			out[i].Username = username
			out[i].Credential = credential
		}
	}
	return out
}

func iceServerHasTURNURL(server webrtc.ICEServer) bool {
	for _, url := range server.URLs {
		if config.IsTURNURL(url) {
			return true
		}
	}
	return false
}
