// Package auth verifies agent and backend credentials. The broker
// supports two modes: dev mode (no token, no secret) where every
// connection is trusted, and prod mode where a pre-shared token plus
// an HMAC-SHA256 nonce challenge must both pass.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"sync"

	"github.com/taskmux/taskmux/internal/broker/id"
)

// ErrRejected is the only error surfaced on a failed verification.
// Callers must not learn which check failed.
var ErrRejected = errors.New("authentication rejected")

// Verifier checks agent credentials and tracks outstanding nonces.
type Verifier struct {
	token  []byte
	secret []byte

	mu     sync.Mutex
	nonces map[string]string // client_id -> outstanding challenge nonce
}

// NewVerifier builds a Verifier. Empty token and secret means dev
// mode; config validation guarantees they are set together.
func NewVerifier(token, secret string) *Verifier {
	return &Verifier{
		token:  []byte(token),
		secret: []byte(secret),
		nonces: make(map[string]string),
	}
}

// Enabled reports whether authentication is enforced (prod mode).
func (v *Verifier) Enabled() bool {
	return len(v.token) > 0
}

// IssueNonce generates a one-shot challenge nonce for the client and
// records it. A second call for the same client replaces the first.
func (v *Verifier) IssueNonce(clientID string) string {
	nonce := id.Nonce()

	v.mu.Lock()
	v.nonces[clientID] = nonce
	v.mu.Unlock()

	return nonce
}

// DropNonce discards any outstanding nonce for the client. Called when
// a session closes before completing the handshake.
func (v *Verifier) DropNonce(clientID string) {
	v.mu.Lock()
	delete(v.nonces, clientID)
	v.mu.Unlock()
}

// NonceResponse computes the answer to a challenge nonce: the
// lowercase hex HMAC-SHA256 of nonce||clientID under the shared
// secret. Shared by the verifier and the agent-side handshake.
func NonceResponse(secret, nonce, clientID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(nonce + clientID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySession checks an auth_response. The outstanding nonce is
// consumed on any attempt, pass or fail. nonceResponse must be the
// lowercase hex HMAC-SHA256 of nonce||clientID under the shared
// secret.
func (v *Verifier) VerifySession(clientID, token, nonceResponse string) error {
	if !v.Enabled() {
		return nil
	}

	v.mu.Lock()
	nonce, ok := v.nonces[clientID]
	delete(v.nonces, clientID)
	v.mu.Unlock()

	// Evaluate both checks unconditionally so the failure path does
	// not reveal which one mismatched.
	tokenOK := subtle.ConstantTimeCompare([]byte(token), v.token) == 1

	expected := NonceResponse(string(v.secret), nonce, clientID)
	hmacOK := hmac.Equal([]byte(nonceResponse), []byte(expected))

	if !ok || !tokenOK || !hmacOK {
		return ErrRejected
	}
	return nil
}

// VerifyBearer checks an Authorization header value against the
// pre-shared token.
func (v *Verifier) VerifyBearer(authHeader string) error {
	if !v.Enabled() {
		return nil
	}

	token := TokenFromHeader(authHeader)
	if subtle.ConstantTimeCompare([]byte(token), v.token) != 1 {
		return ErrRejected
	}
	return nil
}

// TokenFromHeader extracts a Bearer token from an Authorization header value.
func TokenFromHeader(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) > len(prefix) && strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return authHeader[len(prefix):]
	}
	return ""
}
