package messaging

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ExpirationKind distinguishes the two ephemeral deadlines of a message.
type ExpirationKind uint8

const (
	// ExpirationVisibility starts when a message is read.
	ExpirationVisibility ExpirationKind = iota + 1
	// ExpirationExistence starts when the message is uploaded.
	ExpirationExistence
)

// String returns the kind name.
func (k ExpirationKind) String() string {
	switch k {
	case ExpirationVisibility:
		return "visibility"
	case ExpirationExistence:
		return "existence"
	default:
		return fmt.Sprintf("expiration(%d)", uint8(k))
	}
}

// Expiration schedules the deletion of a message.
type Expiration struct {
	MessageID    string         `json:"message_id"`
	DiscussionID string         `json:"discussion_id"`
	Kind         ExpirationKind `json:"kind"`
	ExpiresAt    time.Time      `json:"expires_at"`
}

// ReadResult describes a received-status transition.
type ReadResult struct {
	Outcome Outcome
	// NotNewAt is set when the message just left the new status.
	NotNewAt *time.Time
	// Expiration is the visibility deadline created by the transition, if any.
	Expiration *Expiration
	// Delete asks the caller to delete the message instead of keeping it read.
	Delete bool
}

func receivedPart(function string, m *Message) *ReceivedPart {
	if m.Kind != KindReceived || m.Received == nil {
		ReportViolation(function, fmt.Errorf("%w: message %s is %s", ErrWrongKind, m.ID, m.Kind))
		return nil
	}
	return m.Received
}

// AllowsAutoRead reports whether the message may become read without the
// user explicitly opening it.
func AllowsAutoRead(m *Message) bool {
	return !m.IsEphemeralWithUserAction()
}

// MarkAsNotNew moves a new message out of the new status: to unread when
// reading it requires a user action, straight to read otherwise.
func MarkAsNotNew(m *Message, at time.Time, otherDevice bool, now time.Time) ReadResult {
	rp := receivedPart("MarkAsNotNew", m)
	if rp == nil {
		return ReadResult{Outcome: OutcomeViolation}
	}
	if rp.Status != ReceivedStatusNew {
		return ReadResult{Outcome: OutcomeNoOp}
	}

	var result ReadResult
	if m.IsEphemeralWithUserAction() {
		rp.Status = ReceivedStatusUnread
		result = ReadResult{Outcome: OutcomeApplied}
	} else {
		result = MarkAsRead(m, at, otherDevice, now)
	}
	notNewAt := at
	result.NotNewAt = &notNewAt
	return result
}

// MarkAsRead transitions a received message to read. A read-once message
// read on another owned device must not survive, so the caller is asked to
// delete it instead.
func MarkAsRead(m *Message, readAt time.Time, otherDevice bool, now time.Time) ReadResult {
	rp := receivedPart("MarkAsRead", m)
	if rp == nil {
		return ReadResult{Outcome: OutcomeViolation}
	}

	if otherDevice && m.ReadOnce {
		logrus.WithFields(logrus.Fields{
			"function":   "MarkAsRead",
			"message_id": m.ID,
		}).Info("Read-once message consumed on another owned device, deleting")
		return ReadResult{Outcome: OutcomeApplied, Delete: true}
	}

	if rp.Status == ReceivedStatusRead {
		return ReadResult{Outcome: OutcomeNoOp}
	}

	rp.Status = ReceivedStatusRead
	at := readAt
	rp.ReadAt = &at
	rp.ReadOnAnotherOwnedDevice = otherDevice

	result := ReadResult{Outcome: OutcomeApplied}
	if m.VisibilityDuration > 0 {
		result.Expiration = &Expiration{
			MessageID:    m.ID,
			DiscussionID: m.DiscussionID,
			Kind:         ExpirationVisibility,
			ExpiresAt:    now.Add(RemainingVisibility(m.VisibilityDuration, readAt, now)),
		}
	}
	return result
}

// ReadLimitedVisibility handles the user opening a message whose reading
// requires a user action.
func ReadLimitedVisibility(m *Message, readAt time.Time, otherDevice bool, now time.Time) ReadResult {
	if !m.IsEphemeralWithUserAction() {
		return ReadResult{Outcome: ReportViolation("ReadLimitedVisibility", fmt.Errorf("message %s has no limited visibility", m.ID))}
	}
	return MarkAsRead(m, readAt, otherDevice, now)
}

// RemainingVisibility is max(0, duration − max(0, now − readAt)).
func RemainingVisibility(duration time.Duration, readAt, now time.Time) time.Duration {
	elapsed := now.Sub(readAt)
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := duration - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ExistenceExpiration returns the existence deadline of a message, counted
// from its upload timestamp, or nil if none applies.
func ExistenceExpiration(m *Message) *Expiration {
	if m.ExistenceDuration <= 0 {
		return nil
	}
	return &Expiration{
		MessageID:    m.ID,
		DiscussionID: m.DiscussionID,
		Kind:         ExpirationExistence,
		ExpiresAt:    m.Timestamp.Add(m.ExistenceDuration),
	}
}

// ThreadKey identifies a sender-thread inside a discussion.
type ThreadKey struct {
	DiscussionID   string    `json:"discussion_id"`
	SenderID       string    `json:"sender_id"`
	SenderThreadID uuid.UUID `json:"sender_thread_id"`
}

// ThreadCursor is the latest sequence number seen on a sender-thread.
type ThreadCursor struct {
	ThreadKey
	LatestSequenceNumber int `json:"latest_sequence_number"`
}

// MissedCountUpdate is the bookkeeping produced by one arrival.
type MissedCountUpdate struct {
	// Missed is the missed-message count of the arriving message.
	Missed int
	// Cursor is the cursor to persist when CursorChanged is set.
	Cursor        *ThreadCursor
	CursorChanged bool
	// NextChanged is set when next absorbed part of the gap and must be saved.
	NextChanged bool
}

// UpdateMissedCounts computes the missed count of a message with sequence
// number seq arriving on a thread. cursor may be nil for a thread never seen
// before. next is the received message with the smallest sequence number
// greater than seq on the same thread, if any; when the arrival fills part
// of its gap, its missed count is reduced in place.
func UpdateMissedCounts(cursor *ThreadCursor, key ThreadKey, seq int, next *Message) MissedCountUpdate {
	if cursor == nil {
		return MissedCountUpdate{
			Cursor:        &ThreadCursor{ThreadKey: key, LatestSequenceNumber: seq},
			CursorChanged: true,
		}
	}

	switch {
	case seq > cursor.LatestSequenceNumber:
		missed := seq - cursor.LatestSequenceNumber - 1
		cursor.LatestSequenceNumber = seq
		return MissedCountUpdate{Missed: missed, Cursor: cursor, CursorChanged: true}
	case seq < cursor.LatestSequenceNumber:
		if next == nil || next.Received == nil || next.SenderSequenceNumber <= seq {
			return MissedCountUpdate{Cursor: cursor}
		}
		distance := next.SenderSequenceNumber - seq
		if next.Received.MissedMessageCount < distance {
			return MissedCountUpdate{Cursor: cursor}
		}
		remaining := next.Received.MissedMessageCount - distance
		next.Received.MissedMessageCount = distance - 1
		return MissedCountUpdate{Missed: remaining, Cursor: cursor, NextChanged: true}
	default:
		return MissedCountUpdate{Cursor: cursor}
	}
}
