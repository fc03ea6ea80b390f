package msgcore

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/msgcore/events"
	"github.com/opd-ai/msgcore/messaging"
	"github.com/opd-ai/msgcore/receipt"
	"github.com/opd-ai/msgcore/store"
)

// ReadReport describes a received-status transition.
type ReadReport struct {
	Outcome messaging.Outcome
	// Deleted is set when reading consumed the message.
	Deleted bool
	// ExpiresAt is the visibility deadline started by the read, if any.
	ExpiresAt *time.Time
	// ReadReceipt is the receipt to send back to the author, when the
	// message was read on this device and the author asked for one.
	ReadReceipt *receipt.EncryptedReceipt
}

type readTransition func(m *messaging.Message, at time.Time, otherDevice bool, now time.Time) messaging.ReadResult

// MarkAsNotNew records that the user saw the message in the discussion. A
// message that requires a user action to be read becomes unread; any other
// becomes read. at is the time the message was seen; otherDevice is set
// when that happened on another owned device.
func (e *Engine) MarkAsNotNew(ctx context.Context, messageID string, at time.Time, otherDevice bool) (ReadReport, error) {
	return e.transition(ctx, "MarkAsNotNew", messageID, at, otherDevice, messaging.MarkAsNotNew)
}

// MarkAsRead records that the message was read.
func (e *Engine) MarkAsRead(ctx context.Context, messageID string, at time.Time, otherDevice bool) (ReadReport, error) {
	return e.transition(ctx, "MarkAsRead", messageID, at, otherDevice, messaging.MarkAsRead)
}

// ReadLimitedVisibility records that the user opened a read-once or
// limited-visibility message. Reading a read-once message on another owned
// device deletes it here.
func (e *Engine) ReadLimitedVisibility(ctx context.Context, messageID string, at time.Time, otherDevice bool) (ReadReport, error) {
	return e.transition(ctx, "ReadLimitedVisibility", messageID, at, otherDevice, messaging.ReadLimitedVisibility)
}

func (e *Engine) transition(ctx context.Context, function, messageID string, at time.Time, otherDevice bool, fn readTransition) (ReadReport, error) {
	var report ReadReport
	var read *messaging.Message
	err := e.update(ctx, func(tx *store.Tx) error {
		report = ReadReport{}
		read = nil
		m, err := tx.GetMessage(messageID)
		if err != nil {
			return err
		}
		if m.Kind != messaging.KindReceived {
			report.Outcome = messaging.ReportViolation(function, fmt.Errorf("%w: message %s is %s", messaging.ErrWrongKind, m.ID, m.Kind))
			return nil
		}
		oldStatus := m.Received.Status
		res := fn(m, at, otherDevice, e.tp.Now())
		report.Outcome = res.Outcome
		if res.Outcome != messaging.OutcomeApplied {
			return nil
		}
		if err := e.applyRead(tx, m, res, oldStatus, true); err != nil {
			return err
		}
		report.Deleted = res.Delete
		if res.Expiration != nil {
			exp := res.Expiration.ExpiresAt
			report.ExpiresAt = &exp
		}
		if !res.Delete && !otherDevice && m.Received.Status == messaging.ReceivedStatusRead && oldStatus != messaging.ReceivedStatusRead {
			read = m
		}
		return nil
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   function,
			"message_id": messageID,
			"error":      err.Error(),
		}).Warn("Received status update failed")
		return ReadReport{}, err
	}
	if read != nil {
		report.ReadReceipt = e.sealReceipt(function, read, receipt.StatusRead)
	}
	return report, nil
}

// applyRead persists a received-status transition.
func (e *Engine) applyRead(tx *store.Tx, m *messaging.Message, res messaging.ReadResult, oldStatus messaging.ReceivedStatus, notify bool) error {
	if res.Delete {
		_, err := e.deleteMessage(tx, m, "read_once_consumed")
		return err
	}
	if err := tx.PutMessage(m); err != nil {
		return err
	}
	if res.Expiration != nil {
		if err := tx.PutExpiration(*res.Expiration); err != nil {
			return err
		}
	}
	if notify && m.Received.Status != oldStatus {
		tx.Emit(events.Event{
			Type:         events.ReceivedStatusChanged,
			DiscussionID: m.DiscussionID,
			MessageID:    m.ID,
			Detail:       m.Received.Status.String(),
		})
	}
	return nil
}

// MarkAllAsNotNew moves every new message of a discussion out of the new
// status in one unit of work. Instead of one event per message, a single
// DiscussionCountsChanged event is emitted. Returns the number of messages
// that changed.
func (e *Engine) MarkAllAsNotNew(ctx context.Context, discussionID string, at time.Time) (int, error) {
	count := 0
	err := e.update(ctx, func(tx *store.Tx) error {
		count = 0
		msgs, err := tx.MessagesInDiscussion(discussionID)
		if err != nil {
			return err
		}
		now := e.tp.Now()
		for _, m := range msgs {
			if m.Kind != messaging.KindReceived || m.Received.Status != messaging.ReceivedStatusNew {
				continue
			}
			oldStatus := m.Received.Status
			res := messaging.MarkAsNotNew(m, at, false, now)
			if res.Outcome != messaging.OutcomeApplied {
				continue
			}
			if err := e.applyRead(tx, m, res, oldStatus, false); err != nil {
				return err
			}
			count++
		}
		if count > 0 {
			tx.Emit(events.Event{
				Type:         events.DiscussionCountsChanged,
				DiscussionID: discussionID,
				Detail:       fmt.Sprintf("not_new:%d", count),
			})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	logrus.WithFields(logrus.Fields{
		"function":      "MarkAllAsNotNew",
		"discussion_id": discussionID,
		"changed":       count,
	}).Debug("Discussion marked as not new")
	return count, nil
}

// ReturnReceipt seals a receipt for a received message whose author asked
// for one. attachmentIndex selects an attachment, or nil for the message.
func (e *Engine) ReturnReceipt(ctx context.Context, messageID string, status receipt.Status, attachmentIndex *int) (receipt.EncryptedReceipt, error) {
	var m *messaging.Message
	err := e.view(ctx, func(tx *store.Tx) error {
		var err error
		m, err = tx.GetMessage(messageID)
		return err
	})
	if err != nil {
		return receipt.EncryptedReceipt{}, err
	}
	if m.Kind != messaging.KindReceived || m.Received.ReturnReceipt == nil {
		return receipt.EncryptedReceipt{}, fmt.Errorf("%w: message %s expects no return receipt", messaging.ErrContractViolation, messageID)
	}
	if attachmentIndex != nil {
		if _, ok := m.Attachment(*attachmentIndex); !ok {
			return receipt.EncryptedReceipt{}, fmt.Errorf("%w: attachment %d of message %s", messaging.ErrContractViolation, *attachmentIndex, messageID)
		}
	}
	return receipt.Seal(*m.Received.ReturnReceipt, e.ownedID, status, attachmentIndex, e.tp.Now())
}

func (e *Engine) sealReceipt(function string, m *messaging.Message, status receipt.Status) *receipt.EncryptedReceipt {
	if m.Received == nil || m.Received.ReturnReceipt == nil {
		return nil
	}
	er, err := receipt.Seal(*m.Received.ReturnReceipt, e.ownedID, status, nil, e.tp.Now())
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   function,
			"message_id": m.ID,
			"status":     status.String(),
			"error":      err.Error(),
		}).Warn("Failed to seal return receipt")
		return nil
	}
	return &er
}

// WipeMessage removes the content of a message locally while keeping its
// place in the discussion.
func (e *Engine) WipeMessage(ctx context.Context, messageID string) (messaging.Outcome, error) {
	outcome := messaging.OutcomeNoOp
	err := e.update(ctx, func(tx *store.Tx) error {
		m, err := tx.GetMessage(messageID)
		if err != nil {
			return err
		}
		if !messaging.Wipe(m) {
			outcome = messaging.OutcomeNoOp
			return nil
		}
		outcome = messaging.OutcomeApplied
		return e.saveUpdated(tx, m, "wiped")
	})
	if err != nil {
		return messaging.OutcomeNoOp, err
	}
	return outcome, nil
}
