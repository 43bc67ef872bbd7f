package auth

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashBody returns the hex SHA-256 of a delivery body, as carried in the
// token's body hash claim.
func HashBody(body []byte) string {
	h := sha256.Sum256(body)
	return hex.EncodeToString(h[:])
}
