package messaging

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/msgcore/crypto"
)

var (
	// ErrMessageNotFound indicates a message was not found in storage
	ErrMessageNotFound = errors.New("message not found")
	// ErrRecipientNotFound indicates a recipient is not part of a sent message
	ErrRecipientNotFound = errors.New("recipient not found")
	// ErrWrongKind indicates an operation was called on the wrong message variant
	ErrWrongKind = errors.New("operation not supported for this message kind")
	// ErrInvalidIdentifier indicates an identifier that cannot be stored
	ErrInvalidIdentifier = errors.New("invalid identifier")
	// ErrUnauthorizedRequester indicates a remote request from someone not allowed to make it
	ErrUnauthorizedRequester = errors.New("requester is not allowed to modify this message")
	// ErrMessageWiped indicates the message content was wiped and cannot change anymore
	ErrMessageWiped = errors.New("message is wiped")
)

// Kind is the variant tag of a Message.
type Kind uint8

const (
	// KindSent is a message composed by the owned identity, on this or another owned device.
	KindSent Kind = iota + 1
	// KindReceived is a message received from a contact.
	KindReceived
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindSent:
		return "sent"
	case KindReceived:
		return "received"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// MessageReference identifies a message across devices: the sender, the
// sender's per-device thread and the sequence number within that thread.
type MessageReference struct {
	SenderID             string    `json:"sender_id"`
	SenderSequenceNumber int       `json:"sender_sequence_number"`
	SenderThreadID       uuid.UUID `json:"sender_thread_id"`
}

// Validate checks that the reference can be used as a storage key.
func (r MessageReference) Validate() error {
	if err := ValidateID(r.SenderID); err != nil {
		return fmt.Errorf("sender: %w", err)
	}
	if r.SenderSequenceNumber < 0 {
		return fmt.Errorf("%w: negative sequence number %d", ErrInvalidIdentifier, r.SenderSequenceNumber)
	}
	if r.SenderThreadID == uuid.Nil {
		return fmt.Errorf("%w: nil sender thread", ErrInvalidIdentifier)
	}
	return nil
}

// ValidateID rejects identifiers that cannot be embedded in a storage key.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	}
	if strings.ContainsRune(id, 0) {
		return fmt.Errorf("%w: contains NUL byte", ErrInvalidIdentifier)
	}
	return nil
}

// ReplyTo is the reply-to reference of a message. LinkedMessageID is set once
// the target is known locally; until then a Placeholder exists for it.
type ReplyTo struct {
	Reference       MessageReference `json:"reference"`
	LinkedMessageID string           `json:"linked_message_id,omitempty"`
}

// Reaction is the reaction of one participant on a message.
type Reaction struct {
	Emoji           string    `json:"emoji"`
	ServerTimestamp time.Time `json:"server_timestamp"`
}

// Attachment mirrors one attachment of a message. Reception is only
// meaningful for messages sent from this device.
type Attachment struct {
	Index           int                      `json:"index"`
	Status          AttachmentStatus         `json:"status"`
	ReceptionStatus AggregateReceptionStatus `json:"reception_status"`
}

// Message is a sent or received message. It is a closed tagged union:
// exactly one of Sent and Received is non-nil, matching Kind.
type Message struct {
	ID                   string              `json:"id"`
	DiscussionID         string              `json:"discussion_id"`
	Kind                 Kind                `json:"kind"`
	SenderID             string              `json:"sender_id"`
	SenderSequenceNumber int                 `json:"sender_sequence_number"`
	SenderThreadID       uuid.UUID           `json:"sender_thread_id"`
	SortIndex            float64             `json:"sort_index"`
	Timestamp            time.Time           `json:"timestamp"`
	Body                 string              `json:"body"`
	ReplyTo              *ReplyTo            `json:"reply_to,omitempty"`
	ReadOnce             bool                `json:"read_once"`
	VisibilityDuration   time.Duration       `json:"visibility_duration,omitempty"`
	ExistenceDuration    time.Duration       `json:"existence_duration,omitempty"`
	Wiped                bool                `json:"wiped"`
	EditedAt             time.Time           `json:"edited_at,omitempty"`
	Reactions            map[string]Reaction `json:"reactions,omitempty"`
	Attachments          []Attachment        `json:"attachments,omitempty"`

	Sent     *SentPart     `json:"sent,omitempty"`
	Received *ReceivedPart `json:"received,omitempty"`
}

// SentPart is the payload of a KindSent message.
type SentPart struct {
	Status     SentStatus      `json:"status"`
	Recipients []RecipientInfo `json:"recipients"`
}

// ReceivedPart is the payload of a KindReceived message.
type ReceivedPart struct {
	Status                   ReceivedStatus             `json:"status"`
	TransportMessageID       string                     `json:"transport_message_id,omitempty"`
	ReadAt                   *time.Time                 `json:"read_at,omitempty"`
	ReadOnAnotherOwnedDevice bool                       `json:"read_on_another_owned_device,omitempty"`
	MissedMessageCount       int                        `json:"missed_message_count"`
	ReturnReceipt            *crypto.ReceiptKeyMaterial `json:"return_receipt,omitempty"`
}

// Reference returns the cross-device reference of the message.
func (m *Message) Reference() MessageReference {
	return MessageReference{
		SenderID:             m.SenderID,
		SenderSequenceNumber: m.SenderSequenceNumber,
		SenderThreadID:       m.SenderThreadID,
	}
}

// CheckVariant verifies the tagged-union invariant.
func (m *Message) CheckVariant() error {
	switch m.Kind {
	case KindSent:
		if m.Sent == nil || m.Received != nil {
			return fmt.Errorf("%w: sent message %s has inconsistent payload", ErrContractViolation, m.ID)
		}
	case KindReceived:
		if m.Received == nil || m.Sent != nil {
			return fmt.Errorf("%w: received message %s has inconsistent payload", ErrContractViolation, m.ID)
		}
	default:
		return fmt.Errorf("%w: message %s has unknown kind %d", ErrContractViolation, m.ID, m.Kind)
	}
	return nil
}

// IsEphemeral reports whether any ephemerality policy applies.
func (m *Message) IsEphemeral() bool {
	return m.ReadOnce || m.VisibilityDuration > 0 || m.ExistenceDuration > 0
}

// IsEphemeralWithUserAction reports whether reading requires an explicit user action.
func (m *Message) IsEphemeralWithUserAction() bool {
	return m.ReadOnce || m.VisibilityDuration > 0
}

// Clone returns a deep copy, so candidate mutations never touch the original.
func (m *Message) Clone() *Message {
	c := *m
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		c.ReplyTo = &r
	}
	if m.Reactions != nil {
		c.Reactions = make(map[string]Reaction, len(m.Reactions))
		for k, v := range m.Reactions {
			c.Reactions[k] = v
		}
	}
	c.Attachments = append([]Attachment(nil), m.Attachments...)
	if m.Sent != nil {
		s := *m.Sent
		s.Recipients = make([]RecipientInfo, len(m.Sent.Recipients))
		for i := range m.Sent.Recipients {
			s.Recipients[i] = m.Sent.Recipients[i].clone()
		}
		c.Sent = &s
	}
	if m.Received != nil {
		r := *m.Received
		r.ReadAt = cloneTime(m.Received.ReadAt)
		if m.Received.ReturnReceipt != nil {
			km := *m.Received.ReturnReceipt
			r.ReturnReceipt = &km
		}
		c.Received = &r
	}
	return &c
}

// Attachment returns the attachment with the given index.
func (m *Message) Attachment(index int) (*Attachment, bool) {
	for i := range m.Attachments {
		if m.Attachments[i].Index == index {
			return &m.Attachments[i], true
		}
	}
	return nil, false
}

// Wipe removes the content of the message while keeping its place in the
// discussion. Returns false if it was already wiped.
func Wipe(m *Message) bool {
	if m.Wiped {
		return false
	}
	m.Wiped = true
	m.Body = ""
	m.Reactions = nil
	m.Attachments = nil
	if m.Sent != nil {
		for i := range m.Sent.Recipients {
			m.Sent.Recipients[i].Attachments = nil
		}
	}
	return true
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
