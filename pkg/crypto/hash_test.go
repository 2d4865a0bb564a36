package crypto

import (
	"encoding/hex"
	"testing"

	"golang.org/x/crypto/blake2b"
)

func TestFingerprint(t *testing.T) {
	k1, err := DeriveKey("correct horse")
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	k2, err := DeriveKey("battery staple")
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}

	fp1 := Fingerprint(k1)
	if len(fp1) != FingerprintSize {
		t.Fatalf("Fingerprint() length = %d, want %d", len(fp1), FingerprintSize)
	}
	if fp1 != Fingerprint(k1) {
		t.Error("Fingerprint() not deterministic")
	}
	if fp1 == Fingerprint(k2) {
		t.Error("different keys produced the same fingerprint")
	}
	plain := blake2b.Sum256(k1[:])
	if fp1 == hex.EncodeToString(plain[:])[:FingerprintSize] {
		t.Error("fingerprint should not be a prefix of the plain key hash")
	}
	if Fingerprint(nil) != "" {
		t.Error("Fingerprint(nil) should be empty")
	}
}
