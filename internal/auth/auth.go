package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

var (
	// ErrMissingCredential means no bearer token was presented.
	ErrMissingCredential = errors.New("missing authorization header")
	// ErrInvalidCredential means the bearer token did not match.
	ErrInvalidCredential = errors.New("invalid api key")
)

// Identity is the authenticated caller attached to a request.
type Identity struct {
	// Fingerprint is the hex BLAKE2b-256 digest of the presented key. It is
	// what the usage ledger stores.
	Fingerprint string
}

// Gate validates bearer tokens against a single shared secret.
type Gate struct {
	digest [blake2b.Size256]byte
}

// NewGate creates a Gate for secret. An empty secret is rejected so a
// misconfigured gateway cannot run open.
func NewGate(secret string) (*Gate, error) {
	if secret == "" {
		return nil, errors.New("api secret must not be empty")
	}
	return &Gate{digest: blake2b.Sum256([]byte(secret))}, nil
}

// Validate checks token against the secret. Both sides are hashed to a fixed
// length before the constant-time comparison so the secret's length does not
// leak through timing.
func (g *Gate) Validate(token string) (*Identity, error) {
	if token == "" {
		return nil, ErrMissingCredential
	}
	sum := blake2b.Sum256([]byte(token))
	if subtle.ConstantTimeCompare(sum[:], g.digest[:]) != 1 {
		return nil, ErrInvalidCredential
	}
	return &Identity{Fingerprint: hex.EncodeToString(sum[:])}, nil
}

// Fingerprint returns the ledger key for a plaintext credential.
func Fingerprint(plaintext string) string {
	sum := blake2b.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// GenerateSecret creates a new shared secret with the "mg_" prefix followed
// by 43 URL-safe random characters.
func GenerateSecret() (string, error) {
	b := make([]byte, 32) // 32 bytes -> 43 base64url chars
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}
	return "mg_" + base64.RawURLEncoding.EncodeToString(b), nil
}
