package auth

import "crypto/subtle"

type APIKeyVerifier struct {
	Expected string
}

func (v APIKeyVerifier) Verify(apiKey string) (Identity, error) {
	if apiKey == "" || v.Expected == "" {
		return Identity{}, ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(v.Expected)) != 1 {
		return Identity{}, ErrInvalidCredentials
	}
	return Identity{Method: "api_key"}, nil
}
