package messaging

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/msgcore/crypto"
)

// RecipientCounts are the aggregates the sent status is derived from.
type RecipientCounts struct {
	Recipients     int // N
	WithTransport  int // n
	CouldNotBeSent int // f
	Sent           int // Ts
	Delivered      int // Td
	Read           int // Tr
}

// CountRecipients computes the aggregates over a recipient set.
func CountRecipients(infos []RecipientInfo) RecipientCounts {
	var c RecipientCounts
	c.Recipients = len(infos)
	for i := range infos {
		ri := &infos[i]
		if ri.TransportMessageID != "" {
			c.WithTransport++
		}
		if ri.CouldNotBeSent {
			c.CouldNotBeSent++
		}
		if ri.MessageAcceptedAt != nil && ri.AllAttachmentsSentAt != nil {
			c.Sent++
		}
		if ri.DeliveredAt != nil {
			c.Delivered++
		}
		if ri.ReadAt != nil {
			c.Read++
		}
	}
	return c
}

// Valid checks 0 ≤ Tr ≤ Td ≤ Ts ≤ n ≤ N.
func (c RecipientCounts) Valid() bool {
	return 0 <= c.Read && c.Read <= c.Delivered && c.Delivered <= c.Sent &&
		c.Sent <= c.WithTransport && c.WithTransport <= c.Recipients
}

// DeriveStatus is the single status derivation over a recipient set. It is
// a pure function; the first matching rule wins.
func DeriveStatus(infos []RecipientInfo) SentStatus {
	c := CountRecipients(infos)
	switch {
	case c.Recipients == 0:
		return SentStatusHasNoRecipient
	case c.CouldNotBeSent > 0:
		return SentStatusCouldNotBeSent
	case c.WithTransport == 0:
		return SentStatusUnprocessed
	case c.Sent < c.WithTransport:
		return SentStatusProcessing
	case c.WithTransport == c.Recipients && c.Delivered == c.Recipients && c.Read == c.Recipients:
		return SentStatusFullyDeliveredAndFullyRead
	case c.WithTransport == c.Recipients && c.Delivered == c.Recipients && c.Read > 0:
		return SentStatusFullyDeliveredAndPartiallyRead
	case c.WithTransport == c.Recipients && c.Delivered == c.Recipients && c.Read == 0:
		return SentStatusFullyDeliveredAndNotRead
	case 0 < c.Delivered && c.Delivered < c.Recipients && 0 < c.Read && c.Read < c.Recipients:
		return SentStatusPartiallyDeliveredAndPartiallyRead
	case 0 < c.Delivered && c.Delivered < c.Recipients && c.Read == 0:
		return SentStatusPartiallyDeliveredNotRead
	default:
		return SentStatusSent
	}
}

func sentPart(function string, m *Message) (*SentPart, Outcome) {
	if m.Kind != KindSent || m.Sent == nil {
		return nil, ReportViolation(function, fmt.Errorf("%w: message %s is %s", ErrWrongKind, m.ID, m.Kind))
	}
	return m.Sent, OutcomeNoOp
}

// RefreshStatus re-derives the status of a sent message from its recipients.
// A message sent from another owned device keeps its status forever.
func RefreshStatus(m *Message) Outcome {
	sp, outcome := sentPart("RefreshStatus", m)
	if sp == nil {
		return outcome
	}
	if sp.Status == SentStatusSentFromAnotherOwnedDevice {
		return OutcomeNoOp
	}

	counts := CountRecipients(sp.Recipients)
	if !counts.Valid() {
		logrus.WithFields(logrus.Fields{
			"function":       "RefreshStatus",
			"message_id":     m.ID,
			"recipients":     counts.Recipients,
			"with_transport": counts.WithTransport,
			"sent":           counts.Sent,
			"delivered":      counts.Delivered,
			"read":           counts.Read,
		}).Warn("Recipient counts out of order, deriving status anyway")
	}

	changed := false
	if counts.Recipients == 0 && markAllAttachmentsComplete(m) {
		changed = true
	}

	newStatus := DeriveStatus(sp.Recipients)
	if newStatus == sp.Status {
		return changedOutcome(changed)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "RefreshStatus",
		"message_id": m.ID,
		"old_status": sp.Status.String(),
		"new_status": newStatus.String(),
	}).Debug("Sent message status changed")

	sp.Status = newStatus
	return OutcomeApplied
}

// SetStatus forces a status. Only creation paths use it; the sticky
// sentFromAnotherOwnedDevice status can never be overwritten.
func SetStatus(m *Message, status SentStatus) Outcome {
	sp, outcome := sentPart("SetStatus", m)
	if sp == nil {
		return outcome
	}
	if sp.Status == status {
		return OutcomeNoOp
	}
	if sp.Status == SentStatusSentFromAnotherOwnedDevice {
		return ReportViolation("SetStatus", fmt.Errorf("message %s was sent from another owned device, refusing status %s", m.ID, status))
	}
	sp.Status = status
	return OutcomeApplied
}

// FindRecipient returns the recipient info for a contact.
func FindRecipient(m *Message, recipientID string) (*RecipientInfo, error) {
	if m.Sent == nil {
		return nil, fmt.Errorf("%w: message %s is %s", ErrWrongKind, m.ID, m.Kind)
	}
	for i := range m.Sent.Recipients {
		if m.Sent.Recipients[i].RecipientID == recipientID {
			return &m.Sent.Recipients[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s on message %s", ErrRecipientNotFound, recipientID, m.ID)
}

// mutateRecipients runs fn on the sent part and refreshes the status when fn
// reports a change.
func mutateRecipients(function string, m *Message, fn func(sp *SentPart) (bool, error)) (Outcome, error) {
	sp, outcome := sentPart(function, m)
	if sp == nil {
		return outcome, fmt.Errorf("%s: %w", function, ErrWrongKind)
	}
	if sp.Status == SentStatusSentFromAnotherOwnedDevice {
		return ReportViolation(function, fmt.Errorf("message %s was sent from another owned device", m.ID)), nil
	}
	changed, err := fn(sp)
	if err != nil {
		return OutcomeNoOp, err
	}
	if !changed {
		return OutcomeNoOp, nil
	}
	RefreshStatus(m)
	return OutcomeApplied, nil
}

// SetTransportIdentifier records the identifier assigned by the transport to
// the copy of the message addressed to recipientID, along with the return
// receipt key material that recipient will use to acknowledge it.
func SetTransportIdentifier(m *Message, recipientID, transportID string, km crypto.ReceiptKeyMaterial) (Outcome, error) {
	if transportID == "" {
		return OutcomeNoOp, fmt.Errorf("empty transport identifier: %w", ErrInvalidIdentifier)
	}
	return mutateRecipients("SetTransportIdentifier", m, func(sp *SentPart) (bool, error) {
		ri, err := FindRecipient(m, recipientID)
		if err != nil {
			return false, err
		}
		if ri.TransportMessageID == transportID && ri.ReturnReceiptKey == km {
			return false, nil
		}
		ri.TransportMessageID = transportID
		ri.ReturnReceiptKey = km
		return true, nil
	})
}

// MessageWasSentNoLaterThan marks every recipient sharing transportID as sent
// no later than ts. When the message has no attachment, or allAttachmentsSent
// is set, attachments are considered sent as well.
func MessageWasSentNoLaterThan(m *Message, transportID string, ts time.Time, allAttachmentsSent bool) (Outcome, error) {
	return mutateRecipients("MessageWasSentNoLaterThan", m, func(sp *SentPart) (bool, error) {
		changed := false
		found := false
		for i := range sp.Recipients {
			ri := &sp.Recipients[i]
			if ri.TransportMessageID != transportID {
				continue
			}
			found = true
			if ri.SentNoLaterThan(ts, allAttachmentsSent || len(m.Attachments) == 0) {
				changed = true
			}
		}
		if !found {
			return false, fmt.Errorf("transport identifier %s on message %s: %w", transportID, m.ID, ErrRecipientNotFound)
		}
		if allAttachmentsSent && markAllAttachmentsComplete(m) {
			changed = true
		}
		return changed, nil
	})
}

// MarkAttachmentUploaded records upload progress of one attachment. Once all
// attachments are complete, accepted recipients get their attachments-sent
// timestamp.
func MarkAttachmentUploaded(m *Message, index int, status AttachmentStatus, now time.Time) (Outcome, error) {
	return mutateRecipients("MarkAttachmentUploaded", m, func(sp *SentPart) (bool, error) {
		a, ok := m.Attachment(index)
		if !ok {
			return false, fmt.Errorf("attachment %d of message %s: %w", index, m.ID, ErrContractViolation)
		}
		changed := false
		if status > a.Status {
			a.Status = status
			changed = true
		}
		if status >= AttachmentStatusComplete {
			for i := range sp.Recipients {
				if sp.Recipients[i].AdvanceAttachment(index, AttachmentReceptionComplete) {
					changed = true
				}
			}
		}
		if MarkAllAttachmentsSentIfPossible(m, now) {
			changed = true
		}
		return changed, nil
	})
}

// MarkAllAttachmentsSentIfPossible sets the attachments-sent timestamp of
// accepted recipients once every attachment finished uploading.
func MarkAllAttachmentsSentIfPossible(m *Message, now time.Time) bool {
	if m.Sent == nil {
		return false
	}
	for _, a := range m.Attachments {
		if a.Status != AttachmentStatusComplete {
			return false
		}
	}
	changed := false
	for i := range m.Sent.Recipients {
		ri := &m.Sent.Recipients[i]
		if ri.MessageAcceptedAt == nil || ri.AllAttachmentsSentAt != nil {
			continue
		}
		ts := now
		if ri.MessageAcceptedAt.After(ts) {
			ts = *ri.MessageAcceptedAt
		}
		ri.AllAttachmentsSentAt = &ts
		changed = true
	}
	return changed
}

// MarkCouldNotBeSent flags a recipient the transport could not reach. It is
// only legal while the recipient has no progress timestamp.
func MarkCouldNotBeSent(m *Message, recipientID string) (Outcome, error) {
	var violation bool
	outcome, err := mutateRecipients("MarkCouldNotBeSent", m, func(sp *SentPart) (bool, error) {
		ri, err := FindRecipient(m, recipientID)
		if err != nil {
			return false, err
		}
		if ri.HasTimestamps() {
			violation = true
			return false, nil
		}
		if ri.CouldNotBeSent {
			return false, nil
		}
		ri.CouldNotBeSent = true
		return true, nil
	})
	if violation {
		return ReportViolation("MarkCouldNotBeSent", fmt.Errorf("recipient %s of message %s already has progress", recipientID, m.ID)), nil
	}
	return outcome, err
}

// RemoveRecipient deletes the recipient info, e.g. when the contact is gone.
func RemoveRecipient(m *Message, recipientID string) (Outcome, error) {
	return mutateRecipients("RemoveRecipient", m, func(sp *SentPart) (bool, error) {
		for i := range sp.Recipients {
			if sp.Recipients[i].RecipientID == recipientID {
				sp.Recipients = append(sp.Recipients[:i], sp.Recipients[i+1:]...)
				return true, nil
			}
		}
		return false, nil
	})
}

// ConsolidateLegacyTimestamps repairs recipient timestamp chains stored by
// older versions and refreshes the status.
func ConsolidateLegacyTimestamps(m *Message) Outcome {
	if m.Kind != KindSent || m.Sent == nil || m.Sent.Status == SentStatusSentFromAnotherOwnedDevice {
		return OutcomeNoOp
	}
	changed := false
	for i := range m.Sent.Recipients {
		if m.Sent.Recipients[i].consolidate() {
			changed = true
		}
	}
	if RefreshStatus(m) == OutcomeApplied {
		changed = true
	}
	return changedOutcome(changed)
}

func markAllAttachmentsComplete(m *Message) bool {
	changed := false
	for i := range m.Attachments {
		if m.Attachments[i].Status != AttachmentStatusComplete {
			m.Attachments[i].Status = AttachmentStatusComplete
			changed = true
		}
	}
	if m.Sent != nil {
		for i := range m.Sent.Recipients {
			if m.Sent.Recipients[i].markAttachmentsAtLeast(AttachmentReceptionComplete) {
				changed = true
			}
		}
	}
	return changed
}

// MarkAllAttachmentsComplete marks every attachment of m as uploaded.
func MarkAllAttachmentsComplete(m *Message) bool {
	return markAllAttachmentsComplete(m)
}

// AggregateReception computes the reception status of one attachment over
// all recipients.
func AggregateReception(infos []RecipientInfo, index int) AggregateReceptionStatus {
	total, delivered, read := 0, 0, 0
	for i := range infos {
		ai, ok := infos[i].Attachment(index)
		if !ok {
			continue
		}
		total++
		switch {
		case ai.Status >= AttachmentReceptionRead:
			read++
			delivered++
		case ai.Status >= AttachmentReceptionDelivered:
			delivered++
		}
	}
	switch {
	case total == 0:
		return AggregateReceptionNone
	case read == total:
		return AggregateReceptionFullyDeliveredAndFullyRead
	case read > 0 && delivered == total:
		return AggregateReceptionFullyDeliveredAndPartiallyRead
	case delivered == total:
		return AggregateReceptionFullyDeliveredAndNotRead
	case read > 0:
		return AggregateReceptionPartiallyDeliveredAndPartiallyRead
	case delivered > 0:
		return AggregateReceptionPartiallyDeliveredNotRead
	default:
		return AggregateReceptionNone
	}
}

// RefreshAttachmentReception recomputes the aggregate of one attachment.
// The aggregate only moves forward.
func RefreshAttachmentReception(m *Message, index int) bool {
	if m.Sent == nil {
		return false
	}
	a, ok := m.Attachment(index)
	if !ok {
		return false
	}
	next := AggregateReception(m.Sent.Recipients, index)
	if next.Rank() <= a.ReceptionStatus.Rank() {
		return false
	}
	a.ReceptionStatus = next
	return true
}
