package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fingerprinter derives a stable content key for a payload of a batch type.
type Fingerprinter func(batchType string, payload any) (string, error)

// DefaultFingerprint hashes the batch type and the JSON form of payload and
// keeps the first 16 bytes of the sha256 digest.
func DefaultFingerprint(batchType string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("fingerprint payload: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(batchType))
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)[:16]), nil
}

func cacheKey(batchType, suffix string) string {
	return batchType + ":" + suffix
}

func typePrefix(batchType string) string {
	return batchType + ":"
}
