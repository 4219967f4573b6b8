// Package pkce generates the per-login values of an OAuth 2.0 authorization
// code flow with Proof Key for Code Exchange (RFC 7636): the code verifier,
// its S256 challenge, and the anti-CSRF state nonce.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrRandom is returned when the secure random source fails.
// There is deliberately no weaker fallback.
var ErrRandom = errors.New("pkce: secure random source unavailable")

// VerifierBytes is the number of random bytes behind a code verifier.
// 32 bytes encode to 43 base64url characters, the RFC 7636 minimum.
const VerifierBytes = 32

// MinStateBytes is the smallest accepted state length in bytes.
const MinStateBytes = 16

// DefaultStateBytes is the state length used by the login endpoint.
const DefaultStateBytes = 32

// MethodS256 is the only challenge method this package produces.
const MethodS256 = "S256"

// random is the entropy source. Tests may replace it.
var random io.Reader = rand.Reader

func randomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(random, b); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRandom, err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateCodeVerifier returns a new high-entropy code verifier,
// base64url-encoded without padding.
func GenerateCodeVerifier() (string, error) {
	return randomString(VerifierBytes)
}

// GenerateCodeChallenge derives the S256 code challenge for verifier:
// base64url(sha256(verifier)) without padding.
func GenerateCodeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// GenerateState returns a random base64url state nonce built from length
// random bytes. Lengths below MinStateBytes are raised to MinStateBytes.
func GenerateState(length int) (string, error) {
	if length < MinStateBytes {
		length = MinStateBytes
	}
	return randomString(length)
}

// VerifyChallenge reports whether challenge is the S256 challenge of verifier.
func VerifyChallenge(verifier, challenge string) bool {
	want := GenerateCodeChallenge(verifier)
	return subtle.ConstantTimeCompare([]byte(want), []byte(challenge)) == 1
}

// Transaction is the client-held half of one authorization attempt.
type Transaction struct {
	Verifier  string
	Challenge string
	State     string
}

// New generates a complete transaction: verifier, challenge and state.
func New() (*Transaction, error) {
	verifier, err := GenerateCodeVerifier()
	if err != nil {
		return nil, err
	}
	state, err := GenerateState(DefaultStateBytes)
	if err != nil {
		return nil, err
	}
	return &Transaction{
		Verifier:  verifier,
		Challenge: GenerateCodeChallenge(verifier),
		State:     state,
	}, nil
}
