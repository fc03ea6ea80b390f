package msgcore

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/msgcore/crypto"
	"github.com/opd-ai/msgcore/events"
	"github.com/opd-ai/msgcore/messaging"
	"github.com/opd-ai/msgcore/receipt"
	"github.com/opd-ai/msgcore/store"
)

// updateSent runs fn on a sent message and saves it when fn applied a
// change, emitting the matching events.
func (e *Engine) updateSent(ctx context.Context, function, messageID string, fn func(m *messaging.Message) (messaging.Outcome, error)) (messaging.Outcome, error) {
	outcome := messaging.OutcomeNoOp
	err := e.update(ctx, func(tx *store.Tx) error {
		m, err := tx.GetMessage(messageID)
		if err != nil {
			return err
		}
		if m.Kind != messaging.KindSent {
			outcome = messaging.ReportViolation(function, fmt.Errorf("%w: message %s is %s", messaging.ErrWrongKind, m.ID, m.Kind))
			return nil
		}
		oldStatus := m.Sent.Status
		if outcome, err = fn(m); err != nil || outcome != messaging.OutcomeApplied {
			return err
		}
		return e.saveSent(tx, m, oldStatus)
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   function,
			"message_id": messageID,
			"error":      err.Error(),
		}).Warn("Sent message update failed")
		return messaging.OutcomeNoOp, err
	}
	return outcome, nil
}

func (e *Engine) saveSent(tx *store.Tx, m *messaging.Message, oldStatus messaging.SentStatus) error {
	if err := tx.PutMessage(m); err != nil {
		return err
	}
	tx.Emit(events.Event{Type: events.MessageUpdated, DiscussionID: m.DiscussionID, MessageID: m.ID})
	if m.Sent.Status != oldStatus {
		tx.Emit(events.Event{
			Type:         events.SentStatusChanged,
			DiscussionID: m.DiscussionID,
			MessageID:    m.ID,
			Detail:       m.Sent.Status.String(),
		})
		e.metrics.StatusTransitions.WithLabelValues(m.Sent.Status.String()).Inc()
	}
	return nil
}

// SetTransportIdentifier records the identifier the transport assigned to
// the copy of a message addressed to recipientID, and generates the return
// receipt key material that goes with it. The returned material must be
// sent to the recipient along with the message.
func (e *Engine) SetTransportIdentifier(ctx context.Context, messageID, recipientID, transportID string) (crypto.ReceiptKeyMaterial, error) {
	km, err := crypto.NewReceiptKeyMaterial()
	if err != nil {
		return crypto.ReceiptKeyMaterial{}, err
	}
	outcome, err := e.updateSent(ctx, "SetTransportIdentifier", messageID, func(m *messaging.Message) (messaging.Outcome, error) {
		return messaging.SetTransportIdentifier(m, recipientID, transportID, km)
	})
	if err != nil {
		return crypto.ReceiptKeyMaterial{}, err
	}
	if outcome == messaging.OutcomeViolation {
		return crypto.ReceiptKeyMaterial{}, fmt.Errorf("SetTransportIdentifier on %s: %w", messageID, messaging.ErrContractViolation)
	}
	return km, nil
}

// MarkMessageSent records that the server accepted the message identified
// by transportID no later than ts.
func (e *Engine) MarkMessageSent(ctx context.Context, messageID, transportID string, ts time.Time, allAttachmentsSent bool) (messaging.Outcome, error) {
	return e.updateSent(ctx, "MarkMessageSent", messageID, func(m *messaging.Message) (messaging.Outcome, error) {
		return messaging.MessageWasSentNoLaterThan(m, transportID, ts, allAttachmentsSent)
	})
}

// MarkAttachmentUploaded records upload progress of one attachment.
func (e *Engine) MarkAttachmentUploaded(ctx context.Context, messageID string, index int, status messaging.AttachmentStatus) (messaging.Outcome, error) {
	return e.updateSent(ctx, "MarkAttachmentUploaded", messageID, func(m *messaging.Message) (messaging.Outcome, error) {
		return messaging.MarkAttachmentUploaded(m, index, status, e.tp.Now())
	})
}

// MarkCouldNotBeSent flags a recipient the transport gave up on.
func (e *Engine) MarkCouldNotBeSent(ctx context.Context, messageID, recipientID string) (messaging.Outcome, error) {
	return e.updateSent(ctx, "MarkCouldNotBeSent", messageID, func(m *messaging.Message) (messaging.Outcome, error) {
		return messaging.MarkCouldNotBeSent(m, recipientID)
	})
}

// RemoveRecipient drops a recipient from a sent message.
func (e *Engine) RemoveRecipient(ctx context.Context, messageID, recipientID string) (messaging.Outcome, error) {
	return e.updateSent(ctx, "RemoveRecipient", messageID, func(m *messaging.Message) (messaging.Outcome, error) {
		return messaging.RemoveRecipient(m, recipientID)
	})
}

// ConsolidateLegacyTimestamps repairs the recipient timestamps of every sent
// message in one unit of work and returns how many messages changed.
func (e *Engine) ConsolidateLegacyTimestamps(ctx context.Context) (int, error) {
	count := 0
	err := e.update(ctx, func(tx *store.Tx) error {
		count = 0
		var changed []*messaging.Message
		var statuses []messaging.SentStatus
		err := tx.ForEachMessage(func(m *messaging.Message) (bool, error) {
			if m.Kind != messaging.KindSent {
				return true, nil
			}
			old := m.Sent.Status
			if messaging.ConsolidateLegacyTimestamps(m) == messaging.OutcomeApplied {
				changed = append(changed, m)
				statuses = append(statuses, old)
			}
			return true, nil
		})
		if err != nil {
			return err
		}
		for i, m := range changed {
			if err := e.saveSent(tx, m, statuses[i]); err != nil {
				return err
			}
		}
		count = len(changed)
		return nil
	})
	if err != nil {
		return 0, err
	}
	logrus.WithFields(logrus.Fields{
		"function": "ConsolidateLegacyTimestamps",
		"changed":  count,
	}).Info("Legacy timestamps consolidated")
	return count, nil
}

// ProcessReceipts decrypts and applies a batch of return receipts. The
// result has one report per receipt, in order; a bad receipt never stops
// the batch.
func (e *Engine) ProcessReceipts(ctx context.Context, receipts []receipt.EncryptedReceipt) []receipt.Report {
	if e.isClosed() {
		reports := make([]receipt.Report, len(receipts))
		for i := range reports {
			reports[i] = receipt.Report{Index: i, Outcome: messaging.OutcomeNoOp, Err: ErrEngineClosed}
		}
		return reports
	}
	return e.receipts.ProcessBatch(ctx, receipts)
}

// ProcessReceipt processes a single return receipt.
func (e *Engine) ProcessReceipt(ctx context.Context, er receipt.EncryptedReceipt) receipt.Report {
	return e.ProcessReceipts(ctx, []receipt.EncryptedReceipt{er})[0]
}
