package audit

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// sensitiveNames mirrors §4.1's sensitive-name set. Matching is
// case-insensitive and substring-based (a key containing "password"
// anywhere is treated as sensitive), matching the hashing discipline
// iam-service applies to API-key material in api_keys_handler.go.
var sensitiveNames = []string{
	"password",
	"token",
	"secret",
	"auth",
	"cookie",
	"api_key",
	"apikey",
	"email",
}

const redactedValue = "<redacted>"

// Salt produces and holds the process-local redaction salt. A salt is
// generated once per process and never leaves it — export() carries
// only the salted hash of a sensitive key's name, never the salt.
type Salt struct {
	value []byte
}

// NewSalt generates a fresh random salt.
func NewSalt() (*Salt, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return &Salt{value: b}, nil
}

// SaltFromBytes wraps previously persisted salt bytes (passed in by the
// caller, as kernel.Init does with StorePaths.AuditSalt) so the hashed
// names stay stable across restarts. This package neither stores nor
// loads the salt itself.
func SaltFromBytes(b []byte) *Salt {
	cp := make([]byte, len(b))
	copy(cp, b)
	return &Salt{value: cp}
}

// Bytes returns the raw salt for persistence. Never log this value.
func (s *Salt) Bytes() []byte {
	cp := make([]byte, len(s.value))
	copy(cp, s.value)
	return cp
}

func (s *Salt) hashName(name string) string {
	h := sha256.New()
	h.Write(s.value)
	h.Write([]byte(strings.ToLower(name)))
	return hex.EncodeToString(h.Sum(nil))
}

func isSensitiveName(name string) bool {
	lower := strings.ToLower(name)
	for _, pattern := range sensitiveNames {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// Redact walks args and replaces every sensitive-named key's value
// with redactedValue, keyed under the salted hash of its original
// name (P7: no entry ever contains a substring equal to a secret
// value; sensitive names survive only as salted hashes).
func Redact(salt *Salt, args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if isSensitiveName(k) {
			out[salt.hashName(k)] = redactedValue
			continue
		}
		out[k] = redactNested(salt, v)
	}
	return out
}

func redactNested(salt *Salt, v any) any {
	switch val := v.(type) {
	case map[string]any:
		return Redact(salt, val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactNested(salt, item)
		}
		return out
	default:
		return v
	}
}
