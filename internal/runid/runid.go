// Package runid generates short opaque correlation identifiers, used to
// tag one supervisor invocation's log lines and PatternStore rows so
// related output across a run can be grouped without needing a full
// UUID.
package runid

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// Generate creates an identifier with the given prefix in the form
// "<prefix>_<12 hex chars>", using 6 cryptographically random bytes.
func Generate(prefix string) string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing is effectively unrecoverable on any
		// supported platform; fall back to an all-zero suffix rather
		// than a time-based one so callers never depend on wall-clock
		// guesses for uniqueness.
		return prefix + "_000000000000"
	}
	return prefix + "_" + hex.EncodeToString(b)
}

// IsValid reports whether id matches the "<prefix>_<12 hex chars>" format.
func IsValid(id, prefix string) bool {
	expected := prefix + "_"
	if !strings.HasPrefix(id, expected) {
		return false
	}
	suffix := strings.TrimPrefix(id, expected)
	if len(suffix) != 12 {
		return false
	}
	for _, c := range suffix {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
