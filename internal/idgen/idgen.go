// Package idgen generates prefixed random identifiers.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// Prefixes for the entities this service mints.
const (
	SessionPrefix  = "ses_"
	ListingPrefix  = "lst_"
	MatchPrefix    = "mat_"
	TransferPrefix = "trf_"
	KeyPrefix      = "key_"
)

// WithPrefix returns prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
