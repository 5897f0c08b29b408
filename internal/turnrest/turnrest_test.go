package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strings"
	"testing"
	"time"
)

func expectedCredential(t *testing.T, sharedSecret []byte, username string) string {
	t.Helper()
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestGenerate_DeterministicWithFixedTime(t *testing.T) {
	g, err := NewGenerator(Config{
		SharedSecret:   "shared-secret",
		TTLSeconds:     3600,
		UsernamePrefix: "aero",
		Now:            func() time.Time { return time.Unix(1_700_000_000, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	creds, err := g.Generate("conn123")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if creds.ExpiryUnix != 1_700_003_600 {
		t.Fatalf("ExpiryUnix: got %d, want %d", creds.ExpiryUnix, 1_700_003_600)
	}
	wantUsername := "1700003600:aero:conn123"
	if creds.Username != wantUsername {
		t.Fatalf("Username: got %q, want %q", creds.Username, wantUsername)
	}
	if want := expectedCredential(t, []byte("shared-secret"), wantUsername); creds.Credential != want {
		t.Fatalf("Credential: got %q, want %q", creds.Credential, want)
	}
}

func TestGenerateRandom_UsesIDSource(t *testing.T) {
	g, err := NewGenerator(Config{
		SharedSecret:   "s",
		TTLSeconds:     10,
		UsernamePrefix: "pfx",
		Now:            func() time.Time { return time.Unix(0, 0) },
		NewID:          func() string { return "fixed" },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	creds, err := g.GenerateRandom()
	if err != nil {
		t.Fatalf("GenerateRandom: %v", err)
	}
	if creds.Username != "10:pfx:fixed" {
		t.Fatalf("Username=%q, want %q", creds.Username, "10:pfx:fixed")
	}
}

func TestGenerateRandom_DefaultIDsAreUnique(t *testing.T) {
	g, err := NewGenerator(Config{SharedSecret: "s", TTLSeconds: 10, UsernamePrefix: "pfx"})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	a, err := g.GenerateRandom()
	if err != nil {
		t.Fatalf("GenerateRandom: %v", err)
	}
	b, err := g.GenerateRandom()
	if err != nil {
		t.Fatalf("GenerateRandom: %v", err)
	}
	if a.Username == b.Username {
		t.Fatalf("random usernames collided: %q", a.Username)
	}
	if parts := strings.Split(a.Username, ":"); len(parts) != 3 || parts[1] != "pfx" {
		t.Fatalf("unexpected username shape %q", a.Username)
	}
}

func TestNewGenerator_Validation(t *testing.T) {
	for _, cfg := range []Config{
		{TTLSeconds: 1, UsernamePrefix: "p"},
		{SharedSecret: "s", UsernamePrefix: "p"},
		{SharedSecret: "s", TTLSeconds: 1},
		{SharedSecret: "s", TTLSeconds: 1, UsernamePrefix: "a:b"},
	} {
		if _, err := NewGenerator(cfg); err == nil {
			t.Fatalf("NewGenerator(%+v) succeeded", cfg)
		}
	}
}

func TestGenerate_RejectsBadIDs(t *testing.T) {
	g, err := NewGenerator(Config{SharedSecret: "s", TTLSeconds: 1, UsernamePrefix: "p"})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	for _, id := range []string{"", "a:b"} {
		if _, err := g.Generate(id); err == nil {
			t.Fatalf("Generate(%q) succeeded", id)
		}
	}
}
