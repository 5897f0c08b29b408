// Package turnrest mints coturn-compatible TURN REST credentials:
//
//	username   = <unix_expiry>:<prefix>:<id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// The expiry is the server's UTC clock plus the configured TTL.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Now            func() time.Time
	// NewID names the holder of randomly issued credentials. Defaults to a
	// random UUID.
	NewID func() string
}

type Generator struct {
	secret []byte
	ttl    int64
	prefix string
	now    func() time.Time
	newID  func() string
}

type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

func NewGenerator(cfg Config) (*Generator, error) {
	switch {
	case cfg.SharedSecret == "":
		return nil, errors.New("shared secret is required")
	case cfg.TTLSeconds <= 0:
		return nil, errors.New("TTLSeconds must be > 0")
	case cfg.UsernamePrefix == "":
		return nil, errors.New("UsernamePrefix is required")
	case strings.Contains(cfg.UsernamePrefix, ":"):
		return nil, errors.New("UsernamePrefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Generator{
		secret: []byte(cfg.SharedSecret),
		ttl:    cfg.TTLSeconds,
		prefix: cfg.UsernamePrefix,
		now:    cfg.Now,
		newID:  cfg.NewID,
	}, nil
}

// Generate issues credentials bound to id.
func (g *Generator) Generate(id string) (Credentials, error) {
	if id == "" {
		return Credentials{}, errors.New("id is required")
	}
	if strings.Contains(id, ":") {
		return Credentials{}, errors.New("id must not contain ':'")
	}
	expiry := g.now().UTC().Unix() + g.ttl
	username := strconv.FormatInt(expiry, 10) + ":" + g.prefix + ":" + id

	mac := hmac.New(sha1.New, g.secret)
	_, _ = mac.Write([]byte(username))
	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		ExpiryUnix: expiry,
	}, nil
}

// GenerateRandom issues credentials under a fresh id.
func (g *Generator) GenerateRandom() (Credentials, error) {
	return g.Generate(g.newID())
}
