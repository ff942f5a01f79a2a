package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// SumSHA256 returns the SHA-256 checksum of the provided data.
func SumSHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// HashJSON returns the hex SHA-256 of v's JSON encoding. Map keys are
// sorted by encoding/json, so equal maps hash equally.
func HashJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := SumSHA256(b)
	return hex.EncodeToString(sum[:]), nil
}
