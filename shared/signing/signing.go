// Package signing implements the result-payload signatures exchanged between
// agent and server: HMAC-SHA256 over the canonical JSON rendering of the
// payload, hex-encoded.
//
// Canonical JSON means object keys sorted lexicographically and no
// insignificant whitespace. Number literals are preserved exactly as the
// encoder of the source value produced them, so both sides of the wire
// derive the same bytes from the same payload.
package signing

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// SecretLen is the length in bytes of a job signing secret.
const SecretLen = 32

// NewSecret returns SecretLen cryptographically random bytes, hex-encoded.
// The server generates one per claim and hands it to the claiming agent.
func NewSecret() (string, error) {
	buf := make([]byte, SecretLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("signing: generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// CanonicalJSON renders v as canonical JSON: keys sorted, no insignificant
// whitespace. It round-trips v through a generic decode so struct field
// order never leaks into the output, and uses json.Number so numeric
// literals are not reformatted.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("signing: marshal payload: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("signing: decode payload: %w", err)
	}

	// encoding/json sorts map keys, which gives us the canonical ordering.
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("signing: canonical marshal: %w", err)
	}
	return out, nil
}

// Sign returns the hex HMAC-SHA256 of the canonical JSON of payload under
// secret. The result is always 64 hex characters.
func Sign(secret string, payload any) (string, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether signature is a valid Sign(secret, payload) value.
// Comparison is constant-time.
func Verify(secret string, payload any, signature string) bool {
	want, err := Sign(secret, payload)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(want), []byte(signature))
}
