// Package crypto provides the small set of cryptographic primitives the
// message-lifecycle engine needs on its own: symmetric authenticated
// encryption (NaCl secretbox), return-receipt key material, and the
// injectable TimeProvider used across the module for deterministic tests.
//
// # Return receipts
//
// Every recipient of a sent message gets its own [ReceiptKeyMaterial]. The
// 16-byte nonce is an opaque lookup handle sent in clear alongside the
// receipt; the 32-byte key authenticates and decrypts the receipt payload:
//
//	km, _ := crypto.NewReceiptKeyMaterial()
//	sealed, _ := crypto.SealReceipt(payload, km.Key)
//	plain, _ := crypto.OpenReceipt(sealed, km.Key)
//
// Several recipients may share a nonce by accident, so callers look up every
// candidate key for a nonce and try each one in turn.
//
// # Session establishment
//
// Key exchange, device discovery and the wire encryption of messages are
// handled by the channel layer and are not part of this package.
package crypto
