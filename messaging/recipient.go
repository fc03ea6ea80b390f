package messaging

import (
	"time"

	"github.com/opd-ai/msgcore/crypto"
)

// AttachmentRecipientInfo tracks one attachment for one recipient.
type AttachmentRecipientInfo struct {
	Index  int                       `json:"index"`
	Status AttachmentReceptionStatus `json:"status"`
}

// RecipientInfo tracks one sent message for one recipient. Timestamps only
// ever move earlier once set ("no later than" semantics), which keeps
// receipt application commutative.
type RecipientInfo struct {
	RecipientID          string                    `json:"recipient_id"`
	TransportMessageID   string                    `json:"transport_message_id,omitempty"`
	CouldNotBeSent       bool                      `json:"could_not_be_sent,omitempty"`
	MessageAcceptedAt    *time.Time                `json:"message_accepted_at,omitempty"`
	AllAttachmentsSentAt *time.Time                `json:"all_attachments_sent_at,omitempty"`
	DeliveredAt          *time.Time                `json:"delivered_at,omitempty"`
	ReadAt               *time.Time                `json:"read_at,omitempty"`
	ReturnReceiptKey     crypto.ReceiptKeyMaterial `json:"return_receipt_key"`
	Attachments          []AttachmentRecipientInfo `json:"attachments,omitempty"`
}

func (ri RecipientInfo) clone() RecipientInfo {
	c := ri
	c.MessageAcceptedAt = cloneTime(ri.MessageAcceptedAt)
	c.AllAttachmentsSentAt = cloneTime(ri.AllAttachmentsSentAt)
	c.DeliveredAt = cloneTime(ri.DeliveredAt)
	c.ReadAt = cloneTime(ri.ReadAt)
	c.Attachments = append([]AttachmentRecipientInfo(nil), ri.Attachments...)
	return c
}

// HasTimestamps reports whether any progress timestamp is set.
func (ri *RecipientInfo) HasTimestamps() bool {
	return ri.MessageAcceptedAt != nil || ri.AllAttachmentsSentAt != nil ||
		ri.DeliveredAt != nil || ri.ReadAt != nil
}

// IsSent reports whether the message and all attachments reached the server.
func (ri *RecipientInfo) IsSent() bool {
	return ri.AllAttachmentsSentAt != nil
}

// Attachment returns the info for the given attachment index.
func (ri *RecipientInfo) Attachment(index int) (*AttachmentRecipientInfo, bool) {
	for i := range ri.Attachments {
		if ri.Attachments[i].Index == index {
			return &ri.Attachments[i], true
		}
	}
	return nil, false
}

// setNoLaterThan sets *slot to ts unless it already holds an earlier time.
func setNoLaterThan(slot **time.Time, ts time.Time) bool {
	if *slot != nil && !(*slot).After(ts) {
		return false
	}
	t := ts
	*slot = &t
	return true
}

// SentNoLaterThan records that the message reached the server no later than
// ts. allAttachmentsSent also marks the attachments as sent. Returns true if
// anything changed.
func (ri *RecipientInfo) SentNoLaterThan(ts time.Time, allAttachmentsSent bool) bool {
	changed := setNoLaterThan(&ri.MessageAcceptedAt, ts)
	if allAttachmentsSent || len(ri.Attachments) == 0 {
		if setNoLaterThan(&ri.AllAttachmentsSentAt, ts) {
			changed = true
		}
	}
	if ri.CouldNotBeSent {
		ri.CouldNotBeSent = false
		changed = true
	}
	return changed
}

// DeliveredNoLaterThan records delivery (and optionally read) no later than ts.
// Delivery implies the message and its attachments were sent.
func (ri *RecipientInfo) DeliveredNoLaterThan(ts time.Time, andRead bool) bool {
	changed := ri.SentNoLaterThan(ts, true)
	if setNoLaterThan(&ri.DeliveredAt, ts) {
		changed = true
	}
	if andRead && setNoLaterThan(&ri.ReadAt, ts) {
		changed = true
	}
	if ri.markAttachmentsAtLeast(AttachmentReceptionComplete) {
		changed = true
	}
	return changed
}

// NeedsReceipt reports whether a receipt with the given timestamp would
// still bring information for this recipient.
func (ri *RecipientInfo) NeedsReceipt(ts time.Time, andRead bool) bool {
	if andRead {
		return ri.ReadAt == nil || ri.ReadAt.After(ts)
	}
	return ri.DeliveredAt == nil || ri.DeliveredAt.After(ts)
}

// AdvanceAttachment moves the reception status of one attachment forward.
// It never moves backward.
func (ri *RecipientInfo) AdvanceAttachment(index int, status AttachmentReceptionStatus) bool {
	ai, ok := ri.Attachment(index)
	if !ok {
		return false
	}
	if status <= ai.Status {
		return false
	}
	ai.Status = status
	return true
}

func (ri *RecipientInfo) markAttachmentsAtLeast(status AttachmentReceptionStatus) bool {
	changed := false
	for i := range ri.Attachments {
		if ri.Attachments[i].Status < status {
			ri.Attachments[i].Status = status
			changed = true
		}
	}
	return changed
}

// consolidate restores the timestamp chain read ⇒ delivered ⇒ allAttachmentsSent ⇒ accepted
// for records written before the chain was enforced.
func (ri *RecipientInfo) consolidate() bool {
	changed := false
	if ri.ReadAt != nil && setNoLaterThan(&ri.DeliveredAt, *ri.ReadAt) {
		changed = true
	}
	if ri.DeliveredAt != nil && setNoLaterThan(&ri.AllAttachmentsSentAt, *ri.DeliveredAt) {
		changed = true
	}
	if ri.AllAttachmentsSentAt != nil && setNoLaterThan(&ri.MessageAcceptedAt, *ri.AllAttachmentsSentAt) {
		changed = true
	}
	return changed
}
