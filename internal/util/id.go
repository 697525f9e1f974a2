// Package util holds small helpers shared across packages.
package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a 128-bit random identifier in hex. Row IDs are namespaced
// by prefix ("agent", "sess", "entity") so a bare ID in a log line still
// names its table; an empty prefix yields the raw hex.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
