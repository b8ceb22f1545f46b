// Package id generates the identifiers the broker hands out: task,
// client, bridge and lease ids, plus auth challenge nonces.
package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Generate returns a 48-character nanoid using an alphanumeric alphabet (A-Za-z0-9).
func Generate() string {
	id, err := gonanoid.Generate("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789", 48)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return id
}

// Nonce returns 32 random bytes as lowercase hex (64 characters), the
// challenge format the auth handshake expects.
func Nonce() string {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("generate nonce: %v", err))
	}
	return hex.EncodeToString(b[:])
}
