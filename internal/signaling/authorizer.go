package signaling

import (
	"net/http"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/auth"
)

// ClientHello carries the credentials from a WebSocket `{type:"auth"}`
// message. For the upgrade request itself credentials are read from the
// query string instead.
type ClientHello struct {
	APIKey string
	Token  string
}

// AuthResult carries metadata about an authorized connection.
type AuthResult struct {
	// Identity is logged with the connection. It never replaces the
	// connection id on the wire.
	Identity auth.Identity
}

type Authorizer interface {
	Authorize(r *http.Request, hello *ClientHello) (AuthResult, error)
}

type AllowAllAuthorizer struct{}

func (AllowAllAuthorizer) Authorize(r *http.Request, hello *ClientHello) (AuthResult, error) {
	return AuthResult{Identity: auth.Identity{Method: "none"}}, nil
}
