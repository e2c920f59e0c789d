package deduplication

import (
	"crypto/sha256"
	"encoding/hex"
)

// PayloadHash is the hex SHA-256 of the raw request body, as stored on every event.
func PayloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
