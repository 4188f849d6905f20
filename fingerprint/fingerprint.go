// Package fingerprint derives stable fingerprints from normalized signal
// attributes and clusters signals into patterns. Lookups go through a
// two-tier cache: a process-local TTL map in front of Redis, with the
// pattern store as the backing source of truth.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/storefront-ops/remedy/model"
)

// Compute derives the signal's fingerprint from its stable attributes.
// Free-form text (error messages, payloads) is deliberately excluded so
// the same underlying fault always lands on the same fingerprint.
func Compute(sig *model.Signal) string {
	parts := []string{
		normalize(string(sig.Source)),
		normalize(sig.ErrorCode),
		normalize(sig.Resource),
		normalize(sig.MigrationStage),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
