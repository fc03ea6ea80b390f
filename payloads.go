package msgcore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/msgcore/crypto"
	"github.com/opd-ai/msgcore/deferred"
	"github.com/opd-ai/msgcore/limits"
	"github.com/opd-ai/msgcore/messaging"
)

// ExpirationPolicy is the ephemerality chosen by the author of a message.
type ExpirationPolicy struct {
	ReadOnce           bool          `json:"read_once,omitempty"`
	VisibilityDuration time.Duration `json:"visibility_duration,omitempty"`
	ExistenceDuration  time.Duration `json:"existence_duration,omitempty"`
}

func (p *ExpirationPolicy) applyTo(m *messaging.Message) {
	if p == nil {
		return
	}
	m.ReadOnce = p.ReadOnce
	m.VisibilityDuration = p.VisibilityDuration
	m.ExistenceDuration = p.ExistenceDuration
}

func (p *ExpirationPolicy) validate() error {
	if p == nil {
		return nil
	}
	if p.VisibilityDuration < 0 || p.ExistenceDuration < 0 {
		return fmt.Errorf("%w: negative expiration duration", messaging.ErrContractViolation)
	}
	return nil
}

// IncomingMessage is a message delivered by the transport, already
// decrypted. UploadTimestamp is the server timestamp.
type IncomingMessage struct {
	DiscussionID         string                      `json:"discussion_id"`
	SenderID             string                      `json:"sender_id"`
	SenderThreadID       uuid.UUID                   `json:"sender_thread_id"`
	SenderSequenceNumber int                         `json:"sender_sequence_number"`
	Body                 string                      `json:"body"`
	ReplyTo              *messaging.MessageReference `json:"reply_to,omitempty"`
	Expiration           *ExpirationPolicy           `json:"expiration,omitempty"`
	AttachmentCount      int                         `json:"attachment_count,omitempty"`
	UploadTimestamp      time.Time                   `json:"upload_timestamp"`
	TransportMessageID   string                      `json:"transport_message_id,omitempty"`

	// ReturnReceipt is the key material the sender expects receipts to be
	// sealed with.
	ReturnReceipt *crypto.ReceiptKeyMaterial `json:"return_receipt,omitempty"`

	// Recipients lists the contacts of a message the owned identity sent
	// from another of its devices.
	Recipients []string `json:"recipients,omitempty"`
}

// Reference returns the cross-device reference of the message.
func (in IncomingMessage) Reference() messaging.MessageReference {
	return messaging.MessageReference{
		SenderID:             in.SenderID,
		SenderSequenceNumber: in.SenderSequenceNumber,
		SenderThreadID:       in.SenderThreadID,
	}
}

func (in IncomingMessage) validate() error {
	if err := messaging.ValidateID(in.DiscussionID); err != nil {
		return fmt.Errorf("discussion: %w", err)
	}
	if err := in.Reference().Validate(); err != nil {
		return err
	}
	if in.Body != "" {
		if err := limits.ValidateBody([]byte(in.Body)); err != nil {
			return err
		}
	}
	if in.UploadTimestamp.IsZero() {
		return fmt.Errorf("%w: message without upload timestamp", messaging.ErrContractViolation)
	}
	if in.AttachmentCount < 0 {
		return fmt.Errorf("%w: negative attachment count", messaging.ErrContractViolation)
	}
	if in.ReplyTo != nil {
		if err := in.ReplyTo.Validate(); err != nil {
			return fmt.Errorf("reply reference: %w", err)
		}
	}
	for _, r := range in.Recipients {
		if err := messaging.ValidateID(r); err != nil {
			return fmt.Errorf("recipient: %w", err)
		}
	}
	return in.Expiration.validate()
}

// OutgoingMessage is the payload handed to the transport for a message
// composed on this device.
type OutgoingMessage struct {
	MessageID            string                      `json:"-"`
	DiscussionID         string                      `json:"discussion_id"`
	SenderID             string                      `json:"sender_id"`
	SenderThreadID       uuid.UUID                   `json:"sender_thread_id"`
	SenderSequenceNumber int                         `json:"sender_sequence_number"`
	Body                 string                      `json:"body"`
	ReplyTo              *messaging.MessageReference `json:"reply_to,omitempty"`
	Expiration           *ExpirationPolicy           `json:"expiration,omitempty"`
	AttachmentCount      int                         `json:"attachment_count,omitempty"`
	Recipients           []string                    `json:"recipients"`
}

// Draft is a message the local user is about to send.
type Draft struct {
	DiscussionID    string
	Body            string
	ReplyTo         *messaging.MessageReference
	Expiration      *ExpirationPolicy
	AttachmentCount int
	Recipients      []string
}

func (d Draft) validate() error {
	if err := messaging.ValidateID(d.DiscussionID); err != nil {
		return fmt.Errorf("discussion: %w", err)
	}
	if d.Body == "" && d.AttachmentCount == 0 {
		return limits.ErrPayloadEmpty
	}
	if d.Body != "" {
		if err := limits.ValidateBody([]byte(d.Body)); err != nil {
			return err
		}
	}
	if d.AttachmentCount < 0 {
		return fmt.Errorf("%w: negative attachment count", messaging.ErrContractViolation)
	}
	if d.ReplyTo != nil {
		if err := d.ReplyTo.Validate(); err != nil {
			return fmt.Errorf("reply reference: %w", err)
		}
	}
	seen := make(map[string]bool, len(d.Recipients))
	for _, r := range d.Recipients {
		if err := messaging.ValidateID(r); err != nil {
			return fmt.Errorf("recipient: %w", err)
		}
		if seen[r] {
			return fmt.Errorf("%w: duplicate recipient %s", messaging.ErrContractViolation, r)
		}
		seen[r] = true
	}
	return d.Expiration.validate()
}

// EditPayload replaces the body of the target.
type EditPayload struct {
	Target messaging.MessageReference `json:"target"`
	Body   string                     `json:"body"`
}

// DeletePayload deletes the target for everyone.
type DeletePayload struct {
	Target messaging.MessageReference `json:"target"`
}

// ReactionPayload sets the requester's reaction on the target. An empty
// emoji removes it.
type ReactionPayload struct {
	Target messaging.MessageReference `json:"target"`
	Emoji  string                     `json:"emoji,omitempty"`
}

// RemoteRequest is an edit, delete or reaction request exchanged with other
// devices. Payload holds the EditPayload, DeletePayload or ReactionPayload
// matching Kind.
type RemoteRequest struct {
	Kind            deferred.Kind   `json:"kind"`
	DiscussionID    string          `json:"discussion_id"`
	RequesterID     string          `json:"requester_id"`
	ServerTimestamp time.Time       `json:"server_timestamp"`
	Payload         json.RawMessage `json:"payload"`
}

// NewEditRequest builds an edit request.
func NewEditRequest(discussionID, requesterID string, ts time.Time, p EditPayload) (RemoteRequest, error) {
	return newRequest(deferred.KindEdit, discussionID, requesterID, ts, p)
}

// NewDeleteRequest builds a delete request.
func NewDeleteRequest(discussionID, requesterID string, ts time.Time, p DeletePayload) (RemoteRequest, error) {
	return newRequest(deferred.KindDelete, discussionID, requesterID, ts, p)
}

// NewReactionRequest builds a reaction request.
func NewReactionRequest(discussionID, requesterID string, ts time.Time, p ReactionPayload) (RemoteRequest, error) {
	return newRequest(deferred.KindReaction, discussionID, requesterID, ts, p)
}

func newRequest(kind deferred.Kind, discussionID, requesterID string, ts time.Time, payload any) (RemoteRequest, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return RemoteRequest{}, err
	}
	r := RemoteRequest{
		Kind:            kind,
		DiscussionID:    discussionID,
		RequesterID:     requesterID,
		ServerTimestamp: ts,
		Payload:         raw,
	}
	if _, err := r.decode(); err != nil {
		return RemoteRequest{}, err
	}
	return r, nil
}

// decoded is a RemoteRequest with its payload parsed.
type decoded struct {
	target messaging.MessageReference
	body   string
	emoji  string
}

func (r RemoteRequest) decode() (decoded, error) {
	if err := messaging.ValidateID(r.DiscussionID); err != nil {
		return decoded{}, fmt.Errorf("discussion: %w", err)
	}
	if err := messaging.ValidateID(r.RequesterID); err != nil {
		return decoded{}, fmt.Errorf("requester: %w", err)
	}
	if err := limits.ValidateSerializedRequest(r.Payload); err != nil {
		return decoded{}, err
	}

	var d decoded
	switch r.Kind {
	case deferred.KindDelete:
		var p DeletePayload
		if err := json.Unmarshal(r.Payload, &p); err != nil {
			return decoded{}, fmt.Errorf("%w: delete payload: %v", messaging.ErrContractViolation, err)
		}
		d.target = p.Target
	case deferred.KindEdit:
		var p EditPayload
		if err := json.Unmarshal(r.Payload, &p); err != nil {
			return decoded{}, fmt.Errorf("%w: edit payload: %v", messaging.ErrContractViolation, err)
		}
		if err := limits.ValidateBody([]byte(p.Body)); err != nil {
			return decoded{}, err
		}
		d.target, d.body = p.Target, p.Body
	case deferred.KindReaction:
		var p ReactionPayload
		if err := json.Unmarshal(r.Payload, &p); err != nil {
			return decoded{}, fmt.Errorf("%w: reaction payload: %v", messaging.ErrContractViolation, err)
		}
		if p.Emoji != "" {
			if err := limits.ValidateReaction([]byte(p.Emoji)); err != nil {
				return decoded{}, err
			}
		}
		d.target, d.emoji = p.Target, p.Emoji
	default:
		return decoded{}, fmt.Errorf("%w: unknown request kind %d", messaging.ErrContractViolation, r.Kind)
	}
	if err := d.target.Validate(); err != nil {
		return decoded{}, fmt.Errorf("target: %w", err)
	}
	return d, nil
}

func (r RemoteRequest) deferredRequest(target messaging.MessageReference) deferred.Request {
	return deferred.Request{
		Kind:            r.Kind,
		RequesterID:     r.RequesterID,
		DiscussionID:    r.DiscussionID,
		Target:          target,
		ServerTimestamp: r.ServerTimestamp,
		Payload:         r.Payload,
	}
}

func fromDeferred(dr deferred.Request) RemoteRequest {
	return RemoteRequest{
		Kind:            dr.Kind,
		DiscussionID:    dr.DiscussionID,
		RequesterID:     dr.RequesterID,
		ServerTimestamp: dr.ServerTimestamp,
		Payload:         dr.Payload,
	}
}
