package auth_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmux/taskmux/internal/broker/auth"
)

func hmacHex(secret, nonce, clientID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(nonce + clientID))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestDevMode(t *testing.T) {
	v := auth.NewVerifier("", "")

	assert.False(t, v.Enabled())
	assert.NoError(t, v.VerifySession("c1", "", ""))
	assert.NoError(t, v.VerifySession("c1", "anything", "anything"))
	assert.NoError(t, v.VerifyBearer(""))
}

func TestVerifySession(t *testing.T) {
	v := auth.NewVerifier("tok-1", "sec-1")
	require.True(t, v.Enabled())

	nonce := v.IssueNonce("c1")
	assert.Len(t, nonce, 64)

	err := v.VerifySession("c1", "tok-1", hmacHex("sec-1", nonce, "c1"))
	assert.NoError(t, err)
}

func TestVerifySession_ConsumesNonce(t *testing.T) {
	v := auth.NewVerifier("tok-1", "sec-1")

	nonce := v.IssueNonce("c1")
	response := hmacHex("sec-1", nonce, "c1")

	require.NoError(t, v.VerifySession("c1", "tok-1", response))

	// Replay with the same response fails: the nonce is gone.
	err := v.VerifySession("c1", "tok-1", response)
	assert.ErrorIs(t, err, auth.ErrRejected)
}

func TestVerifySession_FailureConsumesNonce(t *testing.T) {
	v := auth.NewVerifier("tok-1", "sec-1")

	nonce := v.IssueNonce("c1")
	response := hmacHex("sec-1", nonce, "c1")

	// Wrong token consumes the nonce.
	err := v.VerifySession("c1", "wrong", response)
	require.ErrorIs(t, err, auth.ErrRejected)

	// A correct retry needs a fresh challenge.
	err = v.VerifySession("c1", "tok-1", response)
	assert.ErrorIs(t, err, auth.ErrRejected)
}

func TestVerifySession_WrongToken(t *testing.T) {
	v := auth.NewVerifier("tok-1", "sec-1")

	nonce := v.IssueNonce("c1")
	err := v.VerifySession("c1", "tok-2", hmacHex("sec-1", nonce, "c1"))
	assert.ErrorIs(t, err, auth.ErrRejected)
}

func TestVerifySession_WrongResponse(t *testing.T) {
	v := auth.NewVerifier("tok-1", "sec-1")

	nonce := v.IssueNonce("c1")
	_ = nonce
	err := v.VerifySession("c1", "tok-1", "deadbeef")
	assert.ErrorIs(t, err, auth.ErrRejected)
}

func TestVerifySession_UppercaseHexRejected(t *testing.T) {
	v := auth.NewVerifier("tok-1", "sec-1")

	nonce := v.IssueNonce("c1")
	response := strings.ToUpper(hmacHex("sec-1", nonce, "c1"))
	err := v.VerifySession("c1", "tok-1", response)
	assert.ErrorIs(t, err, auth.ErrRejected)
}

func TestVerifySession_MissingNonce(t *testing.T) {
	v := auth.NewVerifier("tok-1", "sec-1")

	err := v.VerifySession("never-issued", "tok-1", hmacHex("sec-1", "", "never-issued"))
	assert.ErrorIs(t, err, auth.ErrRejected)
}

func TestIssueNonce_ReplacesPrevious(t *testing.T) {
	v := auth.NewVerifier("tok-1", "sec-1")

	first := v.IssueNonce("c1")
	second := v.IssueNonce("c1")
	require.NotEqual(t, first, second)

	err := v.VerifySession("c1", "tok-1", hmacHex("sec-1", first, "c1"))
	assert.ErrorIs(t, err, auth.ErrRejected)

	// Only the latest nonce is valid, and the failed attempt above
	// already consumed it.
	nonce := v.IssueNonce("c1")
	err = v.VerifySession("c1", "tok-1", hmacHex("sec-1", nonce, "c1"))
	assert.NoError(t, err)
}

func TestDropNonce(t *testing.T) {
	v := auth.NewVerifier("tok-1", "sec-1")

	nonce := v.IssueNonce("c1")
	v.DropNonce("c1")

	err := v.VerifySession("c1", "tok-1", hmacHex("sec-1", nonce, "c1"))
	assert.ErrorIs(t, err, auth.ErrRejected)
}

func TestVerifyBearer(t *testing.T) {
	v := auth.NewVerifier("tok-1", "sec-1")

	assert.NoError(t, v.VerifyBearer("Bearer tok-1"))
	assert.NoError(t, v.VerifyBearer("bearer tok-1"))
	assert.ErrorIs(t, v.VerifyBearer("Bearer tok-2"), auth.ErrRejected)
	assert.ErrorIs(t, v.VerifyBearer(""), auth.ErrRejected)
	assert.ErrorIs(t, v.VerifyBearer("tok-1"), auth.ErrRejected)
}

func TestTokenFromHeader(t *testing.T) {
	assert.Equal(t, "abc", auth.TokenFromHeader("Bearer abc"))
	assert.Equal(t, "abc", auth.TokenFromHeader("bearer abc"))
	assert.Equal(t, "", auth.TokenFromHeader("Basic abc"))
	assert.Equal(t, "", auth.TokenFromHeader(""))
	assert.Equal(t, "", auth.TokenFromHeader("Bearer "))
}

func TestMiddleware(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("dev mode passes", func(t *testing.T) {
		v := auth.NewVerifier("", "")
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)

		v.Middleware(handler).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing token rejected", func(t *testing.T) {
		v := auth.NewVerifier("tok-1", "sec-1")
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)

		v.Middleware(handler).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "authentication rejected")
	})

	t.Run("valid token passes", func(t *testing.T) {
		v := auth.NewVerifier("tok-1", "sec-1")
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
		req.Header.Set("Authorization", "Bearer tok-1")

		v.Middleware(handler).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
