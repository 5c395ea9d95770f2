package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// apiKeyPrefix marks raw keys so a leaked one is recognizable in logs and
// secret scanners without revealing anything about its owner.
const apiKeyPrefix = "ssk_"

// apiKeyBytes is the entropy of a raw key before encoding.
const apiKeyBytes = 32

// GenerateAPIKey returns a new raw agent API key and its storage hash.
// The raw key is returned to the agent exactly once at registration; the
// server persists only the hash.
func GenerateAPIKey() (raw string, hash string, err error) {
	buf := make([]byte, apiKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("auth: generating api key: %w", err)
	}
	raw = apiKeyPrefix + hex.EncodeToString(buf)
	return raw, HashAPIKey(raw), nil
}

// HashAPIKey returns the hex SHA-256 digest used as the storage and lookup
// form of a raw key. Keys carry 256 bits of entropy, so a plain hash
// without salt or stretching is sufficient and keeps the lookup indexable.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// KeyHashEqual compares two key hashes in constant time.
func KeyHashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
