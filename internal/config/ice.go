package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "AERO_ICE_SERVERS_JSON"

	envStunURLs       = "AERO_STUN_URLS"
	envTurnURLs       = "AERO_TURN_URLS"
	envTurnUsername   = "AERO_TURN_USERNAME"
	envTurnCredential = "AERO_TURN_CREDENTIAL"
)

// parseICEServersFromValues prefers the JSON form and falls back to the
// convenience variables. turnREST allows TURN entries without static
// credentials because they are minted per request.
func parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string, turnREST bool) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		servers, err := ParseICEServersJSON(raw, turnREST)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}
	return ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential, turnREST)
}

// iceServerJSON is the browser RTCIceServer shape; urls may be a string or a
// list.
type iceServerJSON struct {
	URLs       urlList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

type urlList []string

func (l *urlList) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*l = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return errors.New("urls must be a string or a list of strings")
	}
	*l = many
	return nil
}

// ParseICEServersJSON parses and validates AERO_ICE_SERVERS_JSON, a
// browser-style RTCIceServer list.
func ParseICEServersJSON(raw string, allowTURNWithoutCredentials bool) ([]webrtc.ICEServer, error) {
	var entries []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(entries))
	for i, e := range entries {
		server, err := newICEServer(e.URLs, e.Username, e.Credential, allowTURNWithoutCredentials)
		if err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

// ParseICEServersFromConvenienceEnv builds at most two entries from the
// comma-separated URL variables: one for STUN and one for TURN.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string, allowTURNWithoutCredentials bool) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if list := splitCommaSeparated(stunURLs); len(list) > 0 {
		server, err := newICEServer(list, "", "", false)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		for _, u := range server.URLs {
			if IsTURNURL(u) {
				return nil, fmt.Errorf("%s: %q is a TURN url, use %s", envStunURLs, u, envTurnURLs)
			}
		}
		servers = append(servers, server)
	}

	if list := splitCommaSeparated(turnURLs); len(list) > 0 {
		username := strings.TrimSpace(turnUsername)
		credential := strings.TrimSpace(turnCredential)
		if (username == "" || credential == "") && !allowTURNWithoutCredentials {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		server, err := newICEServer(list, username, credential, allowTURNWithoutCredentials)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

// newICEServer trims and de-duplicates urls, checks each one with pion's ICE
// URI parser and enforces TURN credentials unless they are minted per request.
func newICEServer(urls []string, username, credential string, allowTURNWithoutCredentials bool) (webrtc.ICEServer, error) {
	server := webrtc.ICEServer{Username: strings.TrimSpace(username)}
	if c := strings.TrimSpace(credential); c != "" {
		server.Credential = credential
	}

	seen := make(map[string]bool, len(urls))
	hasTURN := false
	for _, raw := range urls {
		u := strings.TrimSpace(raw)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true

		uri, err := stun.ParseURI(u)
		if err != nil {
			return webrtc.ICEServer{}, fmt.Errorf("invalid ice url %q: %w", u, err)
		}
		if uri.Scheme == stun.SchemeTypeTURN || uri.Scheme == stun.SchemeTypeTURNS {
			hasTURN = true
		}
		server.URLs = append(server.URLs, u)
	}
	if len(server.URLs) == 0 {
		return webrtc.ICEServer{}, errors.New("missing urls")
	}

	if hasTURN && !allowTURNWithoutCredentials {
		if server.Username == "" {
			return webrtc.ICEServer{}, errors.New("turn urls require username")
		}
		if server.Credential == nil {
			return webrtc.ICEServer{}, errors.New("turn urls require credential")
		}
	}
	return server, nil
}

func splitCommaSeparated(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// IsTURNURL reports whether url uses the turn: or turns: scheme.
func IsTURNURL(url string) bool {
	url = strings.ToLower(strings.TrimSpace(url))
	return strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:")
}
