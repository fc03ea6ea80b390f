// Package receipt processes return receipts: encrypted delivery and read
// acknowledgments sent back by recipients of a sent message.
//
// Processing has two phases. Decrypt and ComputeHints run against a
// read-only view and may run concurrently on worker goroutines; ApplyHints
// runs in an exclusive unit of work on a single applier. Hints are computed
// against a snapshot that may be stale by the time they are applied, so
// ApplyHints re-fetches the message and applies the "no later than" rule
// again: applying the same hints twice, or two receipts in either order,
// yields the same state.
package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/msgcore/crypto"
	"github.com/opd-ai/msgcore/limits"
	"github.com/opd-ai/msgcore/messaging"
)

var (
	// ErrMalformedReceipt indicates a receipt that could not be decoded.
	ErrMalformedReceipt = errors.New("malformed return receipt")

	// ErrUnknownNonce indicates that no recipient could open the receipt.
	ErrUnknownNonce = errors.New("no recipient matches return receipt")
)

// Status is the acknowledged progress. The values are part of the wire format.
type Status uint8

const (
	StatusDelivered Status = 1
	StatusRead      Status = 2
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// EncryptedReceipt is a receipt as delivered by the transport. The nonce
// travels in clear and selects the candidate keys; Timestamp is the server
// timestamp of the receipt.
type EncryptedReceipt struct {
	Nonce     crypto.ReceiptNonce `json:"nonce"`
	ContactID string              `json:"contact_id"`
	Sealed    []byte              `json:"sealed"`
	Timestamp time.Time           `json:"timestamp"`
}

// payload is the plaintext of a receipt.
type payload struct {
	Status          Status `json:"status"`
	AttachmentIndex *int   `json:"attachment_index,omitempty"`
}

// Receipt is a decrypted receipt bound to the recipient info it acknowledges.
type Receipt struct {
	MessageID       string
	RecipientID     string
	Status          Status
	AttachmentIndex *int
	Timestamp       time.Time
}

// Seal builds the receipt a recipient sends back for a message it received.
// km is the key material the sender attached to the message.
func Seal(km crypto.ReceiptKeyMaterial, contactID string, status Status, attachmentIndex *int, ts time.Time) (EncryptedReceipt, error) {
	if km.IsZero() {
		return EncryptedReceipt{}, fmt.Errorf("%w: empty key material", ErrMalformedReceipt)
	}
	if contactID == "" {
		return EncryptedReceipt{}, fmt.Errorf("%w: missing contact", ErrMalformedReceipt)
	}
	if status != StatusDelivered && status != StatusRead {
		return EncryptedReceipt{}, fmt.Errorf("%w: status %d", ErrMalformedReceipt, status)
	}
	plain, err := json.Marshal(payload{Status: status, AttachmentIndex: attachmentIndex})
	if err != nil {
		return EncryptedReceipt{}, err
	}
	sealed, err := crypto.SealReceipt(plain, km.Key)
	if err != nil {
		return EncryptedReceipt{}, err
	}
	return EncryptedReceipt{Nonce: km.Nonce, ContactID: contactID, Sealed: sealed, Timestamp: ts}, nil
}

func open(er EncryptedReceipt, key crypto.ReceiptKey) (payload, error) {
	var p payload
	plain, err := crypto.OpenReceipt(er.Sealed, key)
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(plain, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrMalformedReceipt, err)
	}
	if p.Status != StatusDelivered && p.Status != StatusRead {
		return p, fmt.Errorf("%w: status %d", ErrMalformedReceipt, p.Status)
	}
	if p.AttachmentIndex != nil && *p.AttachmentIndex < 0 {
		return p, fmt.Errorf("%w: attachment index %d", ErrMalformedReceipt, *p.AttachmentIndex)
	}
	return p, nil
}

func validate(er EncryptedReceipt) error {
	if err := limits.ValidateSealedReceipt(er.Sealed); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedReceipt, err)
	}
	if er.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrMalformedReceipt)
	}
	if er.ContactID == "" {
		return fmt.Errorf("%w: missing contact", ErrMalformedReceipt)
	}
	return nil
}

// Hints describe what applying a receipt changes. They are computed on a
// copy of the message and carry no reference to it.
type Hints struct {
	MessageID       string
	RecipientID     string
	Timestamp       time.Time
	Read            bool
	AttachmentIndex *int

	// MarkDelivered is set when the recipient's delivered (or read)
	// timestamp moves earlier.
	MarkDelivered bool
	// SharedTransportRecipients lists the other recipients of the same
	// transport message, which the receipt proves were sent.
	SharedTransportRecipients []string
	// AttachmentStatus is the new reception status of the acknowledged attachment.
	AttachmentStatus messaging.AttachmentReceptionStatus
	// AttachmentAggregates maps attachment index to its new aggregate status.
	AttachmentAggregates map[int]messaging.AggregateReceptionStatus
	// NewStatus is the message status after application.
	NewStatus messaging.SentStatus
	// MarkAllAttachmentsComplete is set when delivery implies every
	// attachment reached the server.
	MarkAllAttachmentsComplete bool

	RequiresProcessing bool
}

// applyTo applies the receipt described by h to m and returns the hints
// derived from the change. It is the single place both phases go through.
func applyTo(m *messaging.Message, h Hints) (Hints, error) {
	out := Hints{
		MessageID:       h.MessageID,
		RecipientID:     h.RecipientID,
		Timestamp:       h.Timestamp,
		Read:            h.Read,
		AttachmentIndex: h.AttachmentIndex,
	}
	if m.Kind != messaging.KindSent || m.Sent == nil {
		return out, fmt.Errorf("receipt for message %s: %w", m.ID, messaging.ErrWrongKind)
	}
	if m.Sent.Status == messaging.SentStatusSentFromAnotherOwnedDevice {
		out.NewStatus = m.Sent.Status
		return out, nil
	}
	ri, err := messaging.FindRecipient(m, h.RecipientID)
	if err != nil {
		return out, err
	}

	changed := false
	if h.AttachmentIndex == nil {
		before := len(attachmentsBelow(ri, messaging.AttachmentReceptionComplete))
		if ri.NeedsReceipt(h.Timestamp, h.Read) || ri.NeedsReceipt(h.Timestamp, false) {
			out.MarkDelivered = true
		}
		if ri.DeliveredNoLaterThan(h.Timestamp, h.Read) {
			changed = true
		}
		out.MarkAllAttachmentsComplete = before > 0
		if ri.TransportMessageID != "" {
			for i := range m.Sent.Recipients {
				other := &m.Sent.Recipients[i]
				if other.RecipientID == ri.RecipientID || other.TransportMessageID != ri.TransportMessageID {
					continue
				}
				if other.SentNoLaterThan(h.Timestamp, true) {
					out.SharedTransportRecipients = append(out.SharedTransportRecipients, other.RecipientID)
					changed = true
				}
			}
		}
	} else {
		status := messaging.AttachmentReceptionDelivered
		if h.Read {
			status = messaging.AttachmentReceptionRead
		}
		if ri.AdvanceAttachment(*h.AttachmentIndex, status) {
			out.AttachmentStatus = status
			changed = true
		}
	}

	for _, a := range m.Attachments {
		if messaging.RefreshAttachmentReception(m, a.Index) {
			if out.AttachmentAggregates == nil {
				out.AttachmentAggregates = make(map[int]messaging.AggregateReceptionStatus)
			}
			updated, _ := m.Attachment(a.Index)
			out.AttachmentAggregates[a.Index] = updated.ReceptionStatus
			changed = true
		}
	}
	if messaging.RefreshStatus(m) == messaging.OutcomeApplied {
		changed = true
	}
	out.NewStatus = m.Sent.Status
	out.RequiresProcessing = changed
	return out, nil
}

func attachmentsBelow(ri *messaging.RecipientInfo, status messaging.AttachmentReceptionStatus) []int {
	var out []int
	for _, a := range ri.Attachments {
		if a.Status < status {
			out = append(out, a.Index)
		}
	}
	return out
}
