package engine

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// GenerateJoinToken returns a random Base64URL token (32 bytes) and its
// SHA-256 hash as hex. Only the hash is persisted; the plaintext goes to
// the accepted guest exactly once.
func GenerateJoinToken() (token string, hashHex string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	token = base64.RawURLEncoding.EncodeToString(b)
	return token, HashJoinToken(token), nil
}

// HashJoinToken returns the SHA-256 hex of the token.
func HashJoinToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
