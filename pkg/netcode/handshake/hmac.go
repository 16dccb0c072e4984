package handshake

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
)

// ServerKey is the per-process random key the server HMAC-signs client
// timestamps with.
type ServerKey [32]byte

// NewServerKey mints a fresh random key, typically once per server process
// lifetime.
func NewServerKey() (ServerKey, error) {
	var k ServerKey
	_, err := rand.Read(k[:])
	return k, err
}

// SignTimestamp computes the HMAC-SHA256 of timestamp under key.
func SignTimestamp(key ServerKey, timestamp uint64) MAC {
	mac := hmac.New(sha256.New, key[:])
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], timestamp)
	mac.Write(buf[:])

	var out MAC
	copy(out[:], mac.Sum(nil))
	return out
}

// VerifyTimestamp reports whether candidate is the correct HMAC of
// timestamp under key, using a constant-time comparison.
func VerifyTimestamp(key ServerKey, timestamp uint64, candidate MAC) bool {
	expected := SignTimestamp(key, timestamp)
	return hmac.Equal(expected[:], candidate[:])
}
