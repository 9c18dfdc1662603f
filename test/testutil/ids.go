package testutil

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier so tests stay isolated on a shared
// database.
func NewID() string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
