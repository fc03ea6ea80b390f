// Package limits provides centralized payload size limits for the engine.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxBodySize is the largest accepted message body, in bytes
	MaxBodySize = 16384

	// MaxReactionSize is the largest accepted reaction, in bytes
	MaxReactionSize = 64

	// MaxSerializedRequest is the largest serialized edit/reaction payload.
	// An edit carries a full body plus its message reference.
	MaxSerializedRequest = MaxBodySize + 4096

	// MaxSealedReceipt is the largest accepted encrypted return receipt
	MaxSealedReceipt = 256

	// MaxProcessingBuffer is the absolute maximum for any operation (1MB)
	MaxProcessingBuffer = 1024 * 1024
)

var (
	// ErrPayloadEmpty indicates an empty payload where one is required
	ErrPayloadEmpty = errors.New("empty payload")

	// ErrPayloadTooLarge indicates a payload above its limit
	ErrPayloadTooLarge = errors.New("payload too large")
)

// ValidateSize validates data against an arbitrary maximum.
func ValidateSize(data []byte, maxSize int, what string) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: %s", ErrPayloadEmpty, what)
	}
	if len(data) > maxSize {
		return fmt.Errorf("%w: %s size %d exceeds limit %d", ErrPayloadTooLarge, what, len(data), maxSize)
	}
	return nil
}

// ValidateBody validates a message body. Empty bodies are allowed since a
// message may carry only attachments.
func ValidateBody(body []byte) error {
	if len(body) > MaxBodySize {
		return fmt.Errorf("%w: body size %d exceeds limit %d", ErrPayloadTooLarge, len(body), MaxBodySize)
	}
	return nil
}

// ValidateReaction validates a reaction. An empty reaction removes a previous one.
func ValidateReaction(reaction []byte) error {
	if len(reaction) > MaxReactionSize {
		return fmt.Errorf("%w: reaction size %d exceeds limit %d", ErrPayloadTooLarge, len(reaction), MaxReactionSize)
	}
	return nil
}

// ValidateSerializedRequest validates a serialized edit or reaction payload.
func ValidateSerializedRequest(data []byte) error {
	return ValidateSize(data, MaxSerializedRequest, "serialized request")
}

// ValidateSealedReceipt validates an encrypted return receipt.
func ValidateSealedReceipt(data []byte) error {
	return ValidateSize(data, MaxSealedReceipt, "sealed receipt")
}

// ValidateProcessingBuffer validates data against MaxProcessingBuffer.
// Use it for all untrusted input before decoding.
func ValidateProcessingBuffer(data []byte) error {
	return ValidateSize(data, MaxProcessingBuffer, "buffer")
}
