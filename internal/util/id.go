package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random 128-bit hex identifier, namespaced as
// "<prefix>_<hex>" when prefix is non-empty. Used for opaque payload ids
// such as queued notifications.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	id := hex.EncodeToString(bytes)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
