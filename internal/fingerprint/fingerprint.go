// Package fingerprint derives stable content-addressing keys for generated
// study guides. Equal inputs modulo whitespace and letter case always map to
// the same fingerprint, which is what makes the content cache deduplicate.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/berea-app/berea/internal/domain"
)

// Compute returns the lowercase 64-char hex fingerprint of a generation
// input. The function is total: any input yields a fingerprint.
func Compute(kind domain.InputKind, raw string, lang domain.Language) string {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(Normalize(raw)))
	h.Write([]byte{0})
	h.Write([]byte(lang))
	return hex.EncodeToString(h.Sum(nil))
}

// Normalize trims surrounding whitespace and lowercases the input.
func Normalize(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// HashDevice hashes a client device fingerprint before persistence so the
// raw value never lands in the database.
func HashDevice(deviceFp string) string {
	sum := sha256.Sum256([]byte(deviceFp))
	return hex.EncodeToString(sum[:])
}
