package signing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSONSortsKeys(t *testing.T) {
	payload := map[string]any{
		"zebra": 1,
		"alpha": 2,
		"nested": map[string]any{
			"b": true,
			"a": "x",
		},
	}
	out, err := CanonicalJSON(payload)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"nested":{"a":"x","b":true},"zebra":1}`, string(out))
}

func TestCanonicalJSONStructFieldOrderIrrelevant(t *testing.T) {
	type a struct {
		Z int `json:"z"`
		A int `json:"a"`
	}
	type b struct {
		A int `json:"a"`
		Z int `json:"z"`
	}
	ca, err := CanonicalJSON(a{Z: 1, A: 2})
	require.NoError(t, err)
	cb, err := CanonicalJSON(b{A: 2, Z: 1})
	require.NoError(t, err)
	assert.Equal(t, string(ca), string(cb))
}

func TestCanonicalJSONPreservesNumbers(t *testing.T) {
	out, err := CanonicalJSON(map[string]any{"count": 10, "ratio": 0.5})
	require.NoError(t, err)
	assert.Equal(t, `{"count":10,"ratio":0.5}`, string(out))
}

func TestSignVerifyRoundTrip(t *testing.T) {
	secret, err := NewSecret()
	require.NoError(t, err)
	assert.Len(t, secret, 64) // 32 bytes hex-encoded

	payload := map[string]any{
		"results":       map[string]any{"total_files": 10, "issues": 0},
		"files_scanned": 10,
		"issues_found":  0,
	}

	sig, err := Sign(secret, payload)
	require.NoError(t, err)
	assert.Len(t, sig, 64)

	assert.True(t, Verify(secret, payload, sig))
}

func TestVerifyRejectsTampering(t *testing.T) {
	secret, err := NewSecret()
	require.NoError(t, err)

	payload := map[string]any{"files_scanned": 10}
	sig, err := Sign(secret, payload)
	require.NoError(t, err)

	tampered := map[string]any{"files_scanned": 11}
	assert.False(t, Verify(secret, tampered, sig))

	otherSecret, err := NewSecret()
	require.NoError(t, err)
	assert.False(t, Verify(otherSecret, payload, sig))

	flipped := "0"
	if sig[63] == '0' {
		flipped = "1"
	}
	assert.False(t, Verify(secret, payload, sig[:63]+flipped))
}

func TestSignDeterministic(t *testing.T) {
	payload := map[string]any{"stage": "scan", "percentage": 40.0}
	a, err := Sign("secret", payload)
	require.NoError(t, err)
	b, err := Sign("secret", payload)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
