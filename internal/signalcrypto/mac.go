package signalcrypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
)

// ComputeMAC returns HMAC-SHA256(key, data...).
func ComputeMAC(key []byte, data ...[]byte) []byte {
	mac := hmac.New(sha256.New, key)
	for _, d := range data {
		mac.Write(d)
	}
	return mac.Sum(nil)
}

// VerifyMAC checks in constant time that expected equals the leading
// len(expected) bytes of HMAC-SHA256(key, data). Signal messages carry an
// 8-byte truncated MAC.
func VerifyMAC(key, data, expected []byte) error {
	if len(expected) == 0 || len(expected) > sha256.Size {
		return fmt.Errorf("MAC verification failed: bad MAC length %d", len(expected))
	}
	computed := ComputeMAC(key, data)
	if !hmac.Equal(computed[:len(expected)], expected) {
		return fmt.Errorf("MAC verification failed")
	}
	return nil
}
