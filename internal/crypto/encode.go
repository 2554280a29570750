package crypto

import (
	"encoding/base64"
	"fmt"
)

// B64 returns standard base64 encoding without newlines.
func B64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

// FromB64 decodes a standard base64 string.
func FromB64(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }

// Key32FromB64 decodes a base64 string into a 32-byte key.
func Key32FromB64(s string) (out [32]byte, err error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("key must be 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
