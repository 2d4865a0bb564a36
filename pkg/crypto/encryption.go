// Package crypto provides the payload encryption used by MeshLink nodes.
//
// All nodes that share a passphrase derive the same AES-256 key, so any of
// them can read a message no matter how many hops it took. Only payload
// fields are sealed; envelope metadata travels in the clear so that relays
// can route without the key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// AES-256 requires 32-byte keys
	KeySize = 32

	// AES-GCM nonce size (96 bits)
	NonceSize = 12

	// GCM authentication tag size
	TagSize = 16

	// PBKDF2 iterations
	PBKDF2Iterations = 100000

	// Salt for key derivation, fixed so every node derives the same key
	DerivationSalt = "MeshLink-BLE-Salt-v2"
)

var (
	ErrEmptyPassphrase = errors.New("empty passphrase")
	ErrAuthFailed      = errors.New("message authentication failed")
)

// Key is a 256-bit payload key
type Key [KeySize]byte

// AuthError reports a sealed payload that could not be opened, either
// because it was sealed under another key or because it was altered.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %s: %v", ErrAuthFailed, e.Reason, e.Err)
	}
	return fmt.Sprintf("%v: %s", ErrAuthFailed, e.Reason)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrAuthFailed) hold for every AuthError
func (e *AuthError) Is(target error) bool {
	return target == ErrAuthFailed
}

// DeriveKey derives the payload key from a shared passphrase using
// PBKDF2-HMAC-SHA256. The result is deterministic.
func DeriveKey(passphrase string) (*Key, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}

	derived := pbkdf2.Key(
		[]byte(passphrase),
		[]byte(DerivationSalt),
		PBKDF2Iterations,
		KeySize,
		sha256.New,
	)

	var key Key
	copy(key[:], derived)
	return &key, nil
}

// Encrypt seals plaintext with AES-256-GCM and returns
// base64(nonce || ciphertext || tag)
func Encrypt(plaintext string, key *Key) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends to nonce, giving nonce || ciphertext || tag
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt. Any failure is an *AuthError;
// corrupted plaintext is never returned.
func Decrypt(blob string, key *Key) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", &AuthError{Reason: "invalid base64", Err: err}
	}
	if len(raw) < NonceSize+TagSize {
		return "", &AuthError{Reason: fmt.Sprintf("sealed payload too short (%d bytes)", len(raw))}
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, raw[:NonceSize], raw[NonceSize:], nil)
	if err != nil {
		return "", &AuthError{Reason: "wrong key or corrupted data", Err: err}
	}

	return string(plaintext), nil
}

func newGCM(key *Key) (cipher.AEAD, error) {
	if key == nil {
		return nil, fmt.Errorf("nil key")
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Box binds a derived key to the Seal/Open calls used by the mesh engine
type Box struct {
	key         *Key
	fingerprint string
}

// NewBox derives a key from passphrase and wraps it
func NewBox(passphrase string) (*Box, error) {
	key, err := DeriveKey(passphrase)
	if err != nil {
		return nil, err
	}
	return NewBoxFromKey(key), nil
}

// NewBoxFromKey wraps an existing key
func NewBoxFromKey(key *Key) *Box {
	return &Box{key: key, fingerprint: Fingerprint(key)}
}

// Seal encrypts a payload field
func (b *Box) Seal(plaintext string) (string, error) {
	return Encrypt(plaintext, b.key)
}

// Open decrypts a payload field
func (b *Box) Open(sealed string) (string, error) {
	return Decrypt(sealed, b.key)
}

// Fingerprint returns the short public identifier of the key
func (b *Box) Fingerprint() string {
	return b.fingerprint
}
