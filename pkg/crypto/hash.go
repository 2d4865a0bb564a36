package crypto

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// FingerprintSize is the number of hex characters in a key fingerprint
const FingerprintSize = 16

// Fingerprint identifies a key without revealing it. Two nodes that show the
// same fingerprint can read each other's messages.
func Fingerprint(key *Key) string {
	if key == nil {
		return ""
	}
	// keyed with a domain label so it is not the plain hash of the key
	h, _ := blake2b.New256([]byte("meshlink-key-fingerprint"))
	h.Write(key[:])
	return hex.EncodeToString(h.Sum(nil))[:FingerprintSize]
}
