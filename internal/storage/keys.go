package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// MaxKeyLength is the longest object key accepted, in bytes.
const MaxKeyLength = 1024

// ValidateKey checks an object key. It returns an empty string if the key
// is valid, or a human-readable reason otherwise.
func ValidateKey(key string) string {
	if key == "" {
		return "Object key must not be empty."
	}
	if len(key) > MaxKeyLength {
		return "Object key must be at most 1024 bytes."
	}
	if strings.ContainsRune(key, 0) {
		return "Object key must not contain NUL bytes."
	}
	if strings.ContainsRune(key, '\\') {
		return "Object key must not contain backslashes."
	}
	if strings.HasPrefix(key, "/") {
		return "Object key must not start with '/'."
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "." || seg == ".." {
			return "Object key must not contain '.' or '..' segments."
		}
	}
	return ""
}

// digest returns a fixed-length hex name for an arbitrary key or block id,
// safe as an object name segment or file name.
func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
