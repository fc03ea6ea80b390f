package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/msgcore/messaging"
)

// LocalThread is the sender-thread this device uses in a discussion, with
// the next sequence number to assign.
type LocalThread struct {
	DiscussionID       string    `json:"discussion_id"`
	ThreadID           uuid.UUID `json:"thread_id"`
	NextSequenceNumber int       `json:"next_sequence_number"`
}

func cursorKey(k messaging.ThreadKey) []byte {
	return Key(nsCursor, k.DiscussionID, k.SenderID, k.SenderThreadID.String())
}

// GetThreadCursor returns the cursor of a sender-thread, or nil.
func (tx *Tx) GetThreadCursor(k messaging.ThreadKey) (*messaging.ThreadCursor, error) {
	var c messaging.ThreadCursor
	err := tx.GetJSON(cursorKey(k), &c)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// PutThreadCursor stores a cursor.
func (tx *Tx) PutThreadCursor(c *messaging.ThreadCursor) error {
	return tx.PutJSON(cursorKey(c.ThreadKey), c)
}

// NextLocalReference allocates the next sequence number of this device's
// thread in a discussion, creating the thread on first use.
func (tx *Tx) NextLocalReference(discussionID, ownedIdentity string) (messaging.MessageReference, error) {
	key := Key(nsLocal, discussionID)
	var lt LocalThread
	err := tx.GetJSON(key, &lt)
	switch {
	case IsNotFound(err):
		lt = LocalThread{DiscussionID: discussionID, ThreadID: uuid.New()}
	case err != nil:
		return messaging.MessageReference{}, err
	}

	ref := messaging.MessageReference{
		SenderID:             ownedIdentity,
		SenderSequenceNumber: lt.NextSequenceNumber,
		SenderThreadID:       lt.ThreadID,
	}
	lt.NextSequenceNumber++
	if err := tx.PutJSON(key, &lt); err != nil {
		return messaging.MessageReference{}, err
	}
	return ref, nil
}

func expirationKey(e messaging.Expiration) []byte {
	return Key(nsExpiration, TimePart(e.ExpiresAt), e.MessageID, e.Kind.String())
}

func expirationByMessageKey(messageID string, kind messaging.ExpirationKind) []byte {
	return Key(nsExpByMsg, messageID, kind.String())
}

// PutExpiration schedules a message deletion. An existing expiration of the
// same kind is kept if it is earlier.
func (tx *Tx) PutExpiration(e messaging.Expiration) error {
	if tx.w == nil {
		return ErrReadOnly
	}
	byMsg := expirationByMessageKey(e.MessageID, e.Kind)
	if oldKey, err := tx.r.Get(byMsg); err == nil {
		var old messaging.Expiration
		if err := tx.GetJSON(oldKey, &old); err == nil && !old.ExpiresAt.After(e.ExpiresAt) {
			return nil
		}
		if err := tx.w.Delete(oldKey); err != nil {
			return err
		}
	} else if !IsNotFound(err) {
		return err
	}

	key := expirationKey(e)
	if err := tx.PutJSON(key, e); err != nil {
		return err
	}
	return tx.w.Set(byMsg, key)
}

// DeleteExpirations removes every expiration of a message.
func (tx *Tx) DeleteExpirations(messageID string) error {
	var keys [][]byte
	err := tx.Scan(Prefix(nsExpByMsg, messageID), false, func(key, value []byte) (bool, error) {
		keys = append(keys, append([]byte(nil), key...), append([]byte(nil), value...))
		return true, nil
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := tx.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// ExpirationsFor returns the expirations scheduled for a message.
func (tx *Tx) ExpirationsFor(messageID string) ([]messaging.Expiration, error) {
	var out []messaging.Expiration
	var keys [][]byte
	err := tx.Scan(Prefix(nsExpByMsg, messageID), false, func(_, value []byte) (bool, error) {
		keys = append(keys, append([]byte(nil), value...))
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		var e messaging.Expiration
		if err := tx.GetJSON(k, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// DueExpirations returns the expirations with a deadline at or before now,
// earliest first.
func (tx *Tx) DueExpirations(now time.Time) ([]messaging.Expiration, error) {
	prefix := Prefix(nsExpiration)
	upper := append(append([]byte(nil), prefix...), TimePart(now)...)
	upper = append(upper, sep+1)

	var out []messaging.Expiration
	err := tx.ScanRange(prefix, upper, false, func(key, value []byte) (bool, error) {
		var e messaging.Expiration
		if err := json.Unmarshal(value, &e); err != nil {
			logDecodeFailure("DueExpirations", key, err)
			return true, nil
		}
		out = append(out, e)
		return true, nil
	})
	return out, err
}
