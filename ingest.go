package msgcore

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/msgcore/deferred"
	"github.com/opd-ai/msgcore/events"
	"github.com/opd-ai/msgcore/messaging"
	"github.com/opd-ai/msgcore/ordering"
	"github.com/opd-ai/msgcore/receipt"
	"github.com/opd-ai/msgcore/reply"
	"github.com/opd-ai/msgcore/store"
)

// ReceiveResult describes what ReceiveMessage did.
type ReceiveResult struct {
	// Message is the stored message. It is nil when a deferred delete
	// removed it right after its creation.
	Message *messaging.Message

	// Duplicate is set when the message was already known; nothing changed.
	Duplicate bool

	ReplyState reply.State
	Replayed   deferred.ReplayResult

	// DeliveredReceipt is the receipt to send back to the author, when the
	// author asked for one.
	DeliveredReceipt *receipt.EncryptedReceipt
}

// ReceiveMessage inserts a message delivered by the transport. A message
// whose sender is the owned identity was sent from another owned device and
// is stored as a sent message with a status that never changes.
func (e *Engine) ReceiveMessage(ctx context.Context, in IncomingMessage) (ReceiveResult, error) {
	if err := in.validate(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":      "ReceiveMessage",
			"discussion_id": in.DiscussionID,
			"sender_id":     in.SenderID,
			"error":         err.Error(),
		}).Warn("Rejecting invalid incoming message")
		return ReceiveResult{}, err
	}

	fromOwnedDevice := in.SenderID == e.ownedID
	var res ReceiveResult
	err := e.update(ctx, func(tx *store.Tx) error {
		res = ReceiveResult{}
		existing, err := tx.FindByReference(in.DiscussionID, in.Reference())
		if err != nil {
			return err
		}
		if existing != nil {
			res.Message = existing
			res.Duplicate = true
			res.ReplyState, err = e.resolver.State(tx, existing)
			return err
		}

		m := e.messageFromIncoming(in, fromOwnedDevice)
		if !fromOwnedDevice {
			if err := e.updateMissedCounts(tx, m); err != nil {
				return err
			}
		}

		// The existence deadline counts from the upload, before the
		// timestamp is adjusted to the thread order.
		existence := messaging.ExistenceExpiration(m)

		p := ordering.Place(tx, ordering.Arrival{
			DiscussionID:         m.DiscussionID,
			SenderID:             m.SenderID,
			SenderThreadID:       m.SenderThreadID,
			SenderSequenceNumber: m.SenderSequenceNumber,
			UploadTimestamp:      in.UploadTimestamp,
		})
		m.SortIndex = p.SortIndex
		m.Timestamp = p.AdjustedTimestamp

		if res.ReplyState, err = e.resolver.Link(tx, m); err != nil {
			return err
		}
		if err := tx.PutMessage(m); err != nil {
			return err
		}
		tx.Emit(events.Event{
			Type:         events.MessageCreated,
			DiscussionID: m.DiscussionID,
			MessageID:    m.ID,
			Detail:       m.Kind.String(),
		})
		if existence != nil {
			if err := tx.PutExpiration(*existence); err != nil {
				return err
			}
		}

		if _, err := e.resolver.ResolvePending(tx, m); err != nil {
			return err
		}
		if res.Replayed, err = e.queue.Replay(tx, m, e.applier); err != nil {
			return err
		}
		if !res.Replayed.Deleted {
			res.Message = m
		}
		return nil
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":      "ReceiveMessage",
			"discussion_id": in.DiscussionID,
			"sender_id":     in.SenderID,
			"sequence":      in.SenderSequenceNumber,
			"error":         err.Error(),
		}).Error("Failed to insert incoming message")
		return ReceiveResult{}, err
	}
	if res.Duplicate {
		return res, nil
	}

	origin := "contact"
	if fromOwnedDevice {
		origin = "owned_device"
	}
	e.metrics.MessagesIngested.WithLabelValues(origin).Inc()

	if res.Message != nil && res.Message.Kind == messaging.KindReceived {
		res.DeliveredReceipt = e.sealReceipt("ReceiveMessage", res.Message, receipt.StatusDelivered)
	}

	logrus.WithFields(logrus.Fields{
		"function":      "ReceiveMessage",
		"discussion_id": in.DiscussionID,
		"sender_id":     in.SenderID,
		"sequence":      in.SenderSequenceNumber,
		"reply_state":   res.ReplyState.String(),
		"replayed":      res.Replayed.Applied,
	}).Debug("Incoming message inserted")
	return res, nil
}

func (e *Engine) messageFromIncoming(in IncomingMessage, fromOwnedDevice bool) *messaging.Message {
	m := &messaging.Message{
		ID:                   uuid.NewString(),
		DiscussionID:         in.DiscussionID,
		SenderID:             in.SenderID,
		SenderSequenceNumber: in.SenderSequenceNumber,
		SenderThreadID:       in.SenderThreadID,
		Timestamp:            in.UploadTimestamp,
		Body:                 in.Body,
	}
	in.Expiration.applyTo(m)
	if in.ReplyTo != nil {
		m.ReplyTo = &messaging.ReplyTo{Reference: *in.ReplyTo}
	}
	for i := 0; i < in.AttachmentCount; i++ {
		m.Attachments = append(m.Attachments, messaging.Attachment{Index: i, Status: messaging.AttachmentStatusComplete})
	}

	if fromOwnedDevice {
		m.Kind = messaging.KindSent
		m.Sent = &messaging.SentPart{Status: messaging.SentStatusSentFromAnotherOwnedDevice}
		for _, r := range in.Recipients {
			m.Sent.Recipients = append(m.Sent.Recipients, messaging.RecipientInfo{RecipientID: r})
		}
		return m
	}

	m.Kind = messaging.KindReceived
	m.Received = &messaging.ReceivedPart{
		Status:             messaging.ReceivedStatusNew,
		TransportMessageID: in.TransportMessageID,
	}
	if in.ReturnReceipt != nil && !in.ReturnReceipt.IsZero() {
		km := *in.ReturnReceipt
		m.Received.ReturnReceipt = &km
	}
	return m
}

// updateMissedCounts maintains the per-thread cursor and the missed count of
// the arriving message and of the next message of its thread.
func (e *Engine) updateMissedCounts(tx *store.Tx, m *messaging.Message) error {
	key := messaging.ThreadKey{DiscussionID: m.DiscussionID, SenderID: m.SenderID, SenderThreadID: m.SenderThreadID}
	cursor, err := tx.GetThreadCursor(key)
	if err != nil {
		return err
	}
	next, err := tx.NextInThread(key, m.SenderSequenceNumber)
	if err != nil {
		return err
	}

	upd := messaging.UpdateMissedCounts(cursor, key, m.SenderSequenceNumber, next)
	m.Received.MissedMessageCount = upd.Missed
	if upd.CursorChanged {
		if err := tx.PutThreadCursor(upd.Cursor); err != nil {
			return err
		}
	}
	if upd.NextChanged {
		if err := tx.PutMessage(next); err != nil {
			return err
		}
		tx.Emit(events.Event{
			Type:         events.MessageUpdated,
			DiscussionID: next.DiscussionID,
			MessageID:    next.ID,
			Detail:       "missed_count",
		})
	}
	return nil
}

// ComposeMessage creates a message sent from this device. The returned
// payload is what the transport must deliver to the recipients.
func (e *Engine) ComposeMessage(ctx context.Context, d Draft) (*messaging.Message, OutgoingMessage, error) {
	if err := d.validate(); err != nil {
		return nil, OutgoingMessage{}, err
	}

	var m *messaging.Message
	err := e.update(ctx, func(tx *store.Tx) error {
		ref, err := tx.NextLocalReference(d.DiscussionID, e.ownedID)
		if err != nil {
			return err
		}
		now := e.tp.Now()
		p := ordering.PlaceLocal(tx, d.DiscussionID, now)

		m = &messaging.Message{
			ID:                   uuid.NewString(),
			DiscussionID:         d.DiscussionID,
			Kind:                 messaging.KindSent,
			SenderID:             ref.SenderID,
			SenderSequenceNumber: ref.SenderSequenceNumber,
			SenderThreadID:       ref.SenderThreadID,
			SortIndex:            p.SortIndex,
			Timestamp:            p.AdjustedTimestamp,
			Body:                 d.Body,
			Sent:                 &messaging.SentPart{Status: messaging.SentStatusUnprocessed},
		}
		d.Expiration.applyTo(m)
		if d.ReplyTo != nil {
			m.ReplyTo = &messaging.ReplyTo{Reference: *d.ReplyTo}
		}
		for i := 0; i < d.AttachmentCount; i++ {
			m.Attachments = append(m.Attachments, messaging.Attachment{Index: i, Status: messaging.AttachmentStatusUploadable})
		}
		for _, r := range d.Recipients {
			ri := messaging.RecipientInfo{RecipientID: r}
			for i := 0; i < d.AttachmentCount; i++ {
				ri.Attachments = append(ri.Attachments, messaging.AttachmentRecipientInfo{Index: i, Status: messaging.AttachmentReceptionUploadable})
			}
			m.Sent.Recipients = append(m.Sent.Recipients, ri)
		}
		messaging.RefreshStatus(m)

		if _, err := e.resolver.Link(tx, m); err != nil {
			return err
		}
		if err := tx.PutMessage(m); err != nil {
			return err
		}
		tx.Emit(events.Event{
			Type:         events.MessageCreated,
			DiscussionID: m.DiscussionID,
			MessageID:    m.ID,
			Detail:       m.Kind.String(),
		})
		if exp := messaging.ExistenceExpiration(m); exp != nil {
			return tx.PutExpiration(*exp)
		}
		return nil
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":      "ComposeMessage",
			"discussion_id": d.DiscussionID,
			"error":         err.Error(),
		}).Error("Failed to compose message")
		return nil, OutgoingMessage{}, err
	}
	e.metrics.MessagesIngested.WithLabelValues("local").Inc()

	out := OutgoingMessage{
		MessageID:            m.ID,
		DiscussionID:         m.DiscussionID,
		SenderID:             m.SenderID,
		SenderThreadID:       m.SenderThreadID,
		SenderSequenceNumber: m.SenderSequenceNumber,
		Body:                 m.Body,
		ReplyTo:              d.ReplyTo,
		Expiration:           d.Expiration,
		AttachmentCount:      d.AttachmentCount,
		Recipients:           append([]string(nil), d.Recipients...),
	}
	return m, out, nil
}
