package signaling

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/config"
)

// AuthAuthorizer enforces AUTH_MODE=api_key|jwt for signaling connections.
//
// Credential sources:
//   - the first message `{type:"auth", apiKey:"..."}` / `{type:"auth", token:"..."}`
//     (preferred)
//   - the upgrade request's query string (fallback)
type AuthAuthorizer struct {
	mode     config.AuthMode
	verifier auth.Verifier
}

// NewAuthorizer returns the authorizer for cfg.AuthMode.
func NewAuthorizer(cfg config.Config) (Authorizer, error) {
	if cfg.AuthMode == config.AuthModeNone {
		return AllowAllAuthorizer{}, nil
	}
	v, err := auth.NewVerifier(cfg)
	if err != nil {
		return nil, err
	}
	return AuthAuthorizer{
		mode:     cfg.AuthMode,
		verifier: v,
	}, nil
}

func (a AuthAuthorizer) Authorize(r *http.Request, hello *ClientHello) (AuthResult, error) {
	if a.verifier == nil {
		return AuthResult{}, errors.New("auth verifier not configured")
	}

	cred, err := credentialFromHelloAndRequest(a.mode, hello, r)
	if err != nil {
		return AuthResult{}, err
	}
	id, err := a.verifier.Verify(cred)
	if err != nil {
		return AuthResult{}, err
	}
	return AuthResult{Identity: id}, nil
}

func credentialFromHelloAndRequest(mode config.AuthMode, hello *ClientHello, r *http.Request) (string, error) {
	if hello != nil {
		if cred, err := auth.CredentialFrom(mode, hello.APIKey, hello.Token); err == nil {
			return cred, nil
		} else if !errors.Is(err, auth.ErrMissingCredentials) {
			return "", err
		}
	}
	if r == nil {
		return "", auth.ErrMissingCredentials
	}
	return auth.CredentialFromQuery(mode, r.URL.Query())
}

// IsAuthMissing reports whether err represents missing credentials (as opposed
// to invalid credentials).
func IsAuthMissing(err error) bool {
	return errors.Is(err, auth.ErrMissingCredentials)
}

// IsUnauthorized reports whether err should be treated as an authentication
// failure.
func IsUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, auth.ErrMissingCredentials) || errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, auth.ErrUnsupportedJWT)
}

func unauthorizedMessage(err error) string {
	if err == nil {
		return "unauthorized"
	}
	// Avoid leaking server configuration details (e.g. "invalid auth mode").
	if IsUnauthorized(err) {
		return "unauthorized"
	}
	return fmt.Sprintf("authorization failed: %v", err)
}
