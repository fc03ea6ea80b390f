package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/nacl/secretbox"
)

// Nonce is a 24-byte value used for encryption.
type Nonce [24]byte

// MaxMessageSize bounds any plaintext handed to this package (1MB).
const MaxMessageSize = 1024 * 1024

var (
	// ErrEmptyMessage indicates an empty plaintext or ciphertext
	ErrEmptyMessage = errors.New("empty message")
	// ErrMessageTooLarge indicates a plaintext above MaxMessageSize
	ErrMessageTooLarge = errors.New("message too large")
)

// GenerateNonce creates a cryptographically secure random nonce.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	_, err := rand.Read(nonce[:])
	if err != nil {
		return Nonce{}, err
	}
	return nonce, nil
}

// EncryptSymmetric encrypts a message using a symmetric key.
func EncryptSymmetric(message []byte, nonce Nonce, key [32]byte) ([]byte, error) {
	if len(message) == 0 {
		return nil, ErrEmptyMessage
	}

	if len(message) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}

	// secretbox gives confidentiality and integrity in one pass
	out := secretbox.Seal(nil, message, (*[24]byte)(&nonce), (*[32]byte)(&key))

	return out, nil
}
