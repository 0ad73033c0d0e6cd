package audit

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedact_SensitiveNamesHashedNotLeaked(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)

	args := map[string]any{
		"url":      "https://example.com",
		"password": "hunter2",
		"api_key":  "sk-live-abc123",
	}

	redacted := Redact(salt, args)

	assert.Equal(t, "https://example.com", redacted["url"])
	assert.NotContains(t, redacted, "password")
	assert.NotContains(t, redacted, "api_key")

	for _, v := range redacted {
		assert.NotEqual(t, "hunter2", v)
		assert.NotEqual(t, "sk-live-abc123", v)
	}

	found := 0
	for k, v := range redacted {
		if v == redactedValue {
			found++
			assert.NotEqual(t, "password", k)
			assert.NotEqual(t, "api_key", k)
		}
	}
	assert.Equal(t, 2, found)
}

func TestRedact_SameSaltSameHash(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)

	a := Redact(salt, map[string]any{"token": "x"})
	b := Redact(salt, map[string]any{"token": "y"})

	var keyA, keyB string
	for k := range a {
		keyA = k
	}
	for k := range b {
		keyB = k
	}
	assert.Equal(t, keyA, keyB, "hashing the same field name with the same salt must be stable")
}

func TestRedact_DifferentSaltDifferentHash(t *testing.T) {
	saltA, err := NewSalt()
	require.NoError(t, err)
	saltB, err := NewSalt()
	require.NoError(t, err)

	a := Redact(saltA, map[string]any{"token": "x"})
	b := Redact(saltB, map[string]any{"token": "x"})

	var keyA, keyB string
	for k := range a {
		keyA = k
	}
	for k := range b {
		keyB = k
	}
	assert.NotEqual(t, keyA, keyB)
}

func TestRedact_NestedMapsAndSlices(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)

	args := map[string]any{
		"form": map[string]any{
			"fields": map[string]any{
				"password": "hunter2",
				"username": "alice",
			},
		},
		"history": []any{
			map[string]any{"cookie": "sessionid=abc"},
		},
	}

	redacted := Redact(salt, args)
	nested := redacted["form"].(map[string]any)["fields"].(map[string]any)
	assert.Equal(t, "alice", nested["username"])
	for k, v := range nested {
		assert.NotEqual(t, "password", k)
		_ = v
	}

	history := redacted["history"].([]any)
	item := history[0].(map[string]any)
	for _, v := range item {
		if s, ok := v.(string); ok {
			assert.False(t, strings.Contains(s, "sessionid=abc"))
		}
	}
}

func TestSaltFromBytes_Roundtrip(t *testing.T) {
	original, err := NewSalt()
	require.NoError(t, err)

	restored := SaltFromBytes(original.Bytes())

	a := Redact(original, map[string]any{"token": "x"})
	b := Redact(restored, map[string]any{"token": "x"})

	var keyA, keyB string
	for k := range a {
		keyA = k
	}
	for k := range b {
		keyB = k
	}
	assert.Equal(t, keyA, keyB, "a salt restored from its bytes must hash identically")
}
