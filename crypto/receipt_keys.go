package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// ReceiptNonceSize is the size of the clear-text lookup handle of a receipt.
const ReceiptNonceSize = 16

// ErrSealedReceiptTooShort indicates a sealed receipt shorter than its box nonce.
var ErrSealedReceiptTooShort = errors.New("sealed receipt too short")

// ReceiptNonce identifies the recipient info a return receipt refers to.
type ReceiptNonce [ReceiptNonceSize]byte

// ReceiptKey is the symmetric key authenticating return receipts.
type ReceiptKey [32]byte

// ReceiptKeyMaterial is the (nonce, key) pair generated for one recipient
// of a sent message when the transport accepts the message.
type ReceiptKeyMaterial struct {
	Nonce ReceiptNonce `json:"nonce"`
	Key   ReceiptKey   `json:"key"`
}

// NewReceiptKeyMaterial draws a fresh random nonce and key.
func NewReceiptKeyMaterial() (ReceiptKeyMaterial, error) {
	var km ReceiptKeyMaterial
	if _, err := rand.Read(km.Nonce[:]); err != nil {
		return ReceiptKeyMaterial{}, fmt.Errorf("failed to generate receipt nonce: %w", err)
	}
	if _, err := rand.Read(km.Key[:]); err != nil {
		return ReceiptKeyMaterial{}, fmt.Errorf("failed to generate receipt key: %w", err)
	}
	return km, nil
}

// IsZero reports whether no key material was assigned yet.
func (km ReceiptKeyMaterial) IsZero() bool {
	return km == ReceiptKeyMaterial{}
}

// String returns the hex form of the nonce.
func (n ReceiptNonce) String() string { return hex.EncodeToString(n[:]) }

// MarshalText implements encoding.TextMarshaler.
func (n ReceiptNonce) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(n[:])), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *ReceiptNonce) UnmarshalText(text []byte) error {
	return decodeFixedHex(n[:], text, "receipt nonce")
}

// MarshalText implements encoding.TextMarshaler.
func (k ReceiptKey) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(k[:])), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ReceiptKey) UnmarshalText(text []byte) error {
	return decodeFixedHex(k[:], text, "receipt key")
}

func decodeFixedHex(dst, text []byte, what string) error {
	if hex.DecodedLen(len(text)) != len(dst) {
		return fmt.Errorf("invalid %s length: %d hex chars", what, len(text))
	}
	_, err := hex.Decode(dst, text)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", what, err)
	}
	return nil
}

// SealReceipt encrypts a receipt payload with the key. The random box nonce
// is prepended to the ciphertext.
func SealReceipt(payload []byte, key ReceiptKey) ([]byte, error) {
	nonce, err := GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate box nonce: %w", err)
	}
	ct, err := EncryptSymmetric(payload, nonce, key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(ct))
	out = append(out, nonce[:]...)
	return append(out, ct...), nil
}

// OpenReceipt reverses SealReceipt.
func OpenReceipt(sealed []byte, key ReceiptKey) ([]byte, error) {
	var nonce Nonce
	if len(sealed) <= len(nonce) {
		return nil, ErrSealedReceiptTooShort
	}
	copy(nonce[:], sealed[:len(nonce)])
	return DecryptSymmetric(sealed[len(nonce):], nonce, key)
}
