// Package auth verifies the credentials a signaling client presents and
// resolves them to an identity.
package auth

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Identity is who a verified credential belongs to. Subject is empty for
// shared API keys.
type Identity struct {
	Method  string
	Subject string
}

// String is the form used in logs.
func (id Identity) String() string {
	if id.Subject == "" {
		return id.Method
	}
	return id.Method + ":" + id.Subject
}

type Verifier interface {
	Verify(credential string) (Identity, error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// CredentialFromQuery reads the credential for mode from a request's query
// string (`apiKey` or `token`).
func CredentialFromQuery(mode config.AuthMode, q url.Values) (string, error) {
	return CredentialFrom(mode, q.Get("apiKey"), q.Get("token"))
}

// CredentialFrom picks the credential for mode out of the two candidates,
// preferring the field named after the mode and accepting the other.
func CredentialFrom(mode config.AuthMode, apiKey, token string) (string, error) {
	var cred string
	switch mode {
	case config.AuthModeAPIKey:
		cred = firstNonEmpty(apiKey, token)
	case config.AuthModeJWT:
		cred = firstNonEmpty(token, apiKey)
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
	if cred == "" {
		return "", ErrMissingCredentials
	}
	return cred, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
