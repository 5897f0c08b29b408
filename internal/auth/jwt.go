package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"
)

var ErrUnsupportedJWT = errors.New("unsupported jwt")

const (
	hmacSHA256SigLen = 32
	maxJWTLen        = 16 * 1024
)

// b64 rejects padding and non-zero trailing bits so every token has exactly
// one accepted encoding.
var b64 = base64.RawURLEncoding.Strict()

// JWTVerifier accepts HS256 tokens. exp is required; nbf is honoured when
// present. The identity comes from the `id` claim, falling back to `sub`.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) JWTVerifier {
	return JWTVerifier{
		secret: []byte(secret),
		now:    time.Now,
	}
}

func (v JWTVerifier) Verify(token string) (Identity, error) {
	if token == "" || len(token) > maxJWTLen {
		return Identity{}, ErrInvalidCredentials
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Identity{}, ErrInvalidCredentials
	}

	var header struct {
		Alg string `json:"alg"`
	}
	if err := decodeSegment(parts[0], &header); err != nil {
		return Identity{}, ErrInvalidCredentials
	}
	if header.Alg != "HS256" {
		return Identity{}, ErrUnsupportedJWT
	}

	sig, err := b64.DecodeString(parts[2])
	if err != nil || len(sig) != hmacSHA256SigLen {
		return Identity{}, ErrInvalidCredentials
	}
	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return Identity{}, ErrInvalidCredentials
	}

	var claims map[string]any
	if err := decodeSegment(parts[1], &claims); err != nil {
		return Identity{}, ErrInvalidCredentials
	}

	now := v.now().Unix()
	exp, ok := unixClaim(claims, "exp")
	if !ok || now >= exp {
		return Identity{}, ErrInvalidCredentials
	}
	if _, present := claims["nbf"]; present {
		nbf, ok := unixClaim(claims, "nbf")
		if !ok || now < nbf {
			return Identity{}, ErrInvalidCredentials
		}
	}

	subject := stringClaim(claims, "id")
	if subject == "" {
		subject = stringClaim(claims, "sub")
	}
	if subject == "" {
		return Identity{}, ErrInvalidCredentials
	}
	return Identity{Method: "jwt", Subject: subject}, nil
}

// decodeSegment decodes one base64url JSON segment, which must hold exactly
// one JSON value.
func decodeSegment(seg string, dst any) error {
	raw, err := b64.DecodeString(seg)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("trailing data")
	}
	return nil
}

func unixClaim(claims map[string]any, key string) (int64, bool) {
	n, ok := claims[key].(json.Number)
	if !ok {
		return 0, false
	}
	v, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return v, true
}

// stringClaim accepts string and numeric claims; user ids are sometimes
// issued as numbers.
func stringClaim(claims map[string]any, key string) string {
	switch v := claims[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}
