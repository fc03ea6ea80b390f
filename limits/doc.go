// Package limits provides centralized size constants and validation functions
// for the payloads the message-lifecycle engine accepts from the network.
//
// # Size Hierarchy
//
//   - MaxBodySize (16384 bytes): text body of a message, before or after an edit.
//   - MaxReactionSize (64 bytes): a single reaction (one emoji sequence).
//   - MaxSerializedRequest (20480 bytes): a serialized edit or reaction payload
//     kept in the deferred-request queue.
//   - MaxSealedReceipt (256 bytes): an encrypted return receipt, box nonce included.
//   - MaxProcessingBuffer (1MB): absolute maximum for any untrusted input.
//
// All validators wrap [ErrPayloadTooLarge] or [ErrPayloadEmpty] so callers can
// classify failures with errors.Is:
//
//	if err := limits.ValidateBody([]byte(body)); errors.Is(err, limits.ErrPayloadTooLarge) {
//	    // drop the payload
//	}
package limits
