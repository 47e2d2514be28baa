// Package cryptox holds the server's credential and key material helpers:
// salted password hashing, session tokens and the process key pair used to
// obscure request payloads.
package cryptox

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const saltSize = 16

// argon2id parameters.
var (
	argonTime    uint32 = 1
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 4
	argonKeyLen  uint32 = 32
)

// RandHex returns 2*size hex characters from crypto/rand.
func RandHex(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// NewSalt returns a fresh per-user salt.
func NewSalt() (string, error) {
	return RandHex(saltSize)
}

// HashPassword derives the stored digest for password and salt.
func HashPassword(password, salt string) string {
	key := argon2.IDKey([]byte(password), []byte(salt), argonTime, argonMemory, argonThreads, argonKeyLen)
	return hex.EncodeToString(key)
}

// VerifyPassword recomputes the digest and compares it in constant time.
func VerifyPassword(password, salt, digest string) bool {
	got := HashPassword(password, salt)
	return subtle.ConstantTimeCompare([]byte(got), []byte(digest)) == 1
}
