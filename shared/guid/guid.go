// Package guid implements the external identifier format used across the
// system: a 3-letter entity prefix, an underscore, and a 26-character
// Crockford Base32 body encoding a 128-bit UUID (v7, time-ordered).
//
// Example: job_01hx4v9r2m8q3k5n7p1s6t9w2e
//
// GUIDs are case-insensitive on input and canonical lowercase on output.
// Numeric database IDs never cross the API boundary; endpoints reject them
// before any lookup.
package guid

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Entity prefixes. Each externally visible entity type owns exactly one.
const (
	PrefixAgent      = "agt"
	PrefixJob        = "job"
	PrefixResult     = "res"
	PrefixCollection = "col"
	PrefixConnector  = "con"
	PrefixPipeline   = "pip"
	PrefixRelease    = "rel"
	PrefixProfile    = "prf"
	PrefixOrg        = "org"
	PrefixLocation   = "loc"
	PrefixCategory   = "cat"
	PrefixTeam       = "tea"
)

// knownPrefixes is the closed set of valid entity prefixes.
var knownPrefixes = map[string]bool{
	PrefixAgent: true, PrefixJob: true, PrefixResult: true,
	PrefixCollection: true, PrefixConnector: true, PrefixPipeline: true,
	PrefixRelease: true, PrefixProfile: true, PrefixOrg: true,
	PrefixLocation: true, PrefixCategory: true, PrefixTeam: true,
}

// alphabet is the Crockford Base32 alphabet: no i, l, o, u.
const alphabet = "0123456789abcdefghjkmnpqrstvwxyz"

// encodedLen is the body length: 26 chars × 5 bits = 130 bits, enough for a
// 128-bit UUID with two leading zero bits.
const encodedLen = 26

// totalLen is prefix (3) + underscore (1) + body (26).
const totalLen = 30

// decodeMap maps a byte to its 5-bit value, or 0xFF for invalid characters.
// Uppercase letters map to the same values as lowercase.
var decodeMap [256]byte

func init() {
	for i := range decodeMap {
		decodeMap[i] = 0xFF
	}
	for i := 0; i < len(alphabet); i++ {
		decodeMap[alphabet[i]] = byte(i)
		decodeMap[strings.ToUpper(string(alphabet[i]))[0]] = byte(i)
	}
}

var (
	// ErrMalformed is returned for inputs that are not 30 characters of
	// prefix_body or contain characters outside the Crockford alphabet.
	ErrMalformed = errors.New("guid: malformed identifier")

	// ErrNumericID is returned when the input is a bare integer — the legacy
	// addressing scheme that is no longer accepted.
	ErrNumericID = errors.New("guid: Numeric IDs are no longer supported")

	// ErrPrefixMismatch is returned when a well-formed GUID carries a prefix
	// different from the one the endpoint expects.
	ErrPrefixMismatch = errors.New("guid: prefix mismatch")

	// ErrUnknownPrefix is returned when the prefix is not in the entity set.
	ErrUnknownPrefix = errors.New("guid: unknown entity prefix")
)

// New returns a fresh canonical GUID for the given entity prefix, backed by
// a UUIDv7 so identifiers sort roughly by creation time.
func New(prefix string) (string, error) {
	if !knownPrefixes[prefix] {
		return "", fmt.Errorf("%w: %q", ErrUnknownPrefix, prefix)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("guid: new uuid: %w", err)
	}
	return prefix + "_" + encode(id), nil
}

// MustNew is New but panics on error. UUID generation only fails when the
// OS entropy source is broken, so this is safe for non-startup paths.
func MustNew(prefix string) string {
	s, err := New(prefix)
	if err != nil {
		panic(err)
	}
	return s
}

// FromUUID renders an existing UUID as a canonical GUID with the given prefix.
func FromUUID(prefix string, id uuid.UUID) (string, error) {
	if !knownPrefixes[prefix] {
		return "", fmt.Errorf("%w: %q", ErrUnknownPrefix, prefix)
	}
	return prefix + "_" + encode(id), nil
}

// Parse validates s and returns its prefix and decoded UUID. Input is
// case-insensitive. Bare integers are rejected with ErrNumericID so callers
// can surface the dedicated error message.
func Parse(s string) (string, uuid.UUID, error) {
	if s == "" {
		return "", uuid.Nil, ErrMalformed
	}
	if isNumeric(s) {
		return "", uuid.Nil, ErrNumericID
	}
	if len(s) != totalLen || s[3] != '_' {
		return "", uuid.Nil, ErrMalformed
	}

	prefix := strings.ToLower(s[:3])
	for i := 0; i < 3; i++ {
		if prefix[i] < 'a' || prefix[i] > 'z' {
			return "", uuid.Nil, ErrMalformed
		}
	}
	if !knownPrefixes[prefix] {
		return "", uuid.Nil, fmt.Errorf("%w: %q", ErrUnknownPrefix, prefix)
	}

	id, err := decode(s[4:])
	if err != nil {
		return "", uuid.Nil, err
	}
	return prefix, id, nil
}

// Validate parses s, checks it carries wantPrefix, and returns the canonical
// lowercase form. This is the single entry point API handlers use before any
// database lookup.
func Validate(s, wantPrefix string) (string, error) {
	prefix, id, err := Parse(s)
	if err != nil {
		return "", err
	}
	if prefix != wantPrefix {
		return "", fmt.Errorf("%w: got %q, want %q", ErrPrefixMismatch, prefix, wantPrefix)
	}
	return prefix + "_" + encode(id), nil
}

// Canonical lowercases a GUID without validating it. Use on values already
// known to be well-formed (e.g. read back from the database).
func Canonical(s string) string {
	return strings.ToLower(s)
}

// UUID extracts the 128-bit body of a canonical GUID, ignoring the prefix.
func UUID(s string) (uuid.UUID, error) {
	_, id, err := Parse(s)
	return id, err
}

// isNumeric reports whether s consists solely of ASCII digits.
func isNumeric(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}

// encode renders a UUID as 26 Crockford Base32 characters. The 128-bit value
// is treated as a big-endian integer; the first character therefore only ever
// uses the range 0–7 (two leading zero bits out of 130).
func encode(id uuid.UUID) string {
	var hi, lo uint64
	for i := 0; i < 8; i++ {
		hi = hi<<8 | uint64(id[i])
		lo = lo<<8 | uint64(id[i+8])
	}

	var out [encodedLen]byte
	for i := encodedLen - 1; i >= 0; i-- {
		out[i] = alphabet[lo&0x1F]
		lo = lo>>5 | hi<<59
		hi >>= 5
	}
	return string(out[:])
}

// decode parses 26 Crockford Base32 characters back into a UUID. Rejects
// characters outside the alphabet and values that overflow 128 bits.
func decode(body string) (uuid.UUID, error) {
	if len(body) != encodedLen {
		return uuid.Nil, ErrMalformed
	}

	var hi, lo uint64
	for i := 0; i < encodedLen; i++ {
		v := decodeMap[body[i]]
		if v == 0xFF {
			return uuid.Nil, ErrMalformed
		}
		if hi>>59 != 0 {
			// Shifting would push bits past 128 — the encoded value is
			// larger than any UUID.
			return uuid.Nil, ErrMalformed
		}
		hi = hi<<5 | lo>>59
		lo = lo<<5 | uint64(v)
	}

	var id uuid.UUID
	for i := 7; i >= 0; i-- {
		id[i] = byte(hi)
		id[i+8] = byte(lo)
		hi >>= 8
		lo >>= 8
	}
	return id, nil
}
