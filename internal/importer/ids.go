package importer

import (
	"crypto/rand"
	"encoding/hex"
)

func newBatchID() string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
