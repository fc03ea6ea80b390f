package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opd-ai/msgcore/crypto"
	"github.com/opd-ai/msgcore/events"
	"github.com/opd-ai/msgcore/messaging"
)

// NonceMatch is a recipient info found through its return receipt nonce.
type NonceMatch struct {
	MessageID   string
	RecipientID string
}

func messageKey(id string) []byte {
	return Key(nsMessage, id)
}

func threadPrefix(k messaging.ThreadKey) []byte {
	return Prefix(nsThread, k.DiscussionID, k.SenderID, k.SenderThreadID.String())
}

func threadKey(m *messaging.Message) []byte {
	return Key(nsThread, m.DiscussionID, m.SenderID, m.SenderThreadID.String(), SeqPart(m.SenderSequenceNumber))
}

func sortPrefix(discussionID string) []byte {
	return Prefix(nsSort, discussionID)
}

func sortKey(m *messaging.Message) []byte {
	return Key(nsSort, m.DiscussionID, SortPart(m.SortIndex), m.ID)
}

func nonceKeys(m *messaging.Message) [][]byte {
	if m.Sent == nil {
		return nil
	}
	var keys [][]byte
	for _, ri := range m.Sent.Recipients {
		if ri.ReturnReceiptKey.IsZero() {
			continue
		}
		keys = append(keys, Key(nsNonce, ri.ReturnReceiptKey.Nonce.String(), m.ID, ri.RecipientID))
	}
	return keys
}

// GetMessage loads a message by id. Returns messaging.ErrMessageNotFound when absent.
func (tx *Tx) GetMessage(id string) (*messaging.Message, error) {
	var m messaging.Message
	if err := tx.GetJSON(messageKey(id), &m); err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", messaging.ErrMessageNotFound, id)
		}
		return nil, err
	}
	return &m, nil
}

// MessageExists reports whether a message is stored.
func (tx *Tx) MessageExists(id string) (bool, error) {
	_, err := tx.r.Get(messageKey(id))
	if IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

// PutMessage stores a message and maintains its indexes.
func (tx *Tx) PutMessage(m *messaging.Message) error {
	if tx.w == nil {
		return ErrReadOnly
	}
	if err := m.CheckVariant(); err != nil {
		return err
	}
	if err := messaging.ValidateID(m.ID); err != nil {
		return err
	}
	if err := messaging.ValidateID(m.DiscussionID); err != nil {
		return err
	}

	old, err := tx.GetMessage(m.ID)
	if err != nil && !errors.Is(err, messaging.ErrMessageNotFound) {
		return err
	}
	if old != nil {
		if err := tx.deleteIndexes(old); err != nil {
			return err
		}
	}

	if err := tx.PutJSON(messageKey(m.ID), m); err != nil {
		return err
	}
	if err := tx.w.Set(threadKey(m), []byte(m.ID)); err != nil {
		return err
	}
	if err := tx.w.Set(sortKey(m), []byte(m.ID)); err != nil {
		return err
	}
	for _, k := range nonceKeys(m) {
		if err := tx.w.Set(k, nil); err != nil {
			return err
		}
	}
	return nil
}

func (tx *Tx) deleteIndexes(m *messaging.Message) error {
	keys := append([][]byte{threadKey(m), sortKey(m)}, nonceKeys(m)...)
	for _, k := range keys {
		if err := tx.w.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// DeleteMessage removes a message, its indexes and its expirations, and
// emits MessageDeleted. Returns the deleted message, or nil if it did not exist.
func (tx *Tx) DeleteMessage(id, reason string) (*messaging.Message, error) {
	if tx.w == nil {
		return nil, ErrReadOnly
	}
	m, err := tx.GetMessage(id)
	if errors.Is(err, messaging.ErrMessageNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := tx.deleteIndexes(m); err != nil {
		return nil, err
	}
	if err := tx.w.Delete(messageKey(id)); err != nil {
		return nil, err
	}
	if err := tx.DeleteExpirations(id); err != nil {
		return nil, err
	}
	tx.Emit(events.Event{
		Type:         events.MessageDeleted,
		DiscussionID: m.DiscussionID,
		MessageID:    id,
		Detail:       reason,
	})
	return m, nil
}

func (tx *Tx) messageFromIndex(value []byte) (*messaging.Message, error) {
	if value == nil {
		return nil, nil
	}
	return tx.GetMessage(string(value))
}

// FindByReference returns the message of discussionID with the given
// reference, or nil.
func (tx *Tx) FindByReference(discussionID string, ref messaging.MessageReference) (*messaging.Message, error) {
	k := Key(nsThread, discussionID, ref.SenderID, ref.SenderThreadID.String(), SeqPart(ref.SenderSequenceNumber))
	v, err := tx.r.Get(k)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return tx.GetMessage(string(v))
}

// NextInThread returns the message with the smallest sequence number greater
// than seq on the sender-thread, or nil.
func (tx *Tx) NextInThread(k messaging.ThreadKey, seq int) (*messaging.Message, error) {
	prefix := threadPrefix(k)
	lower := append(append([]byte(nil), prefix...), SeqPart(seq+1)...)
	v, err := tx.first(lower, PrefixEnd(prefix), false)
	if err != nil {
		return nil, err
	}
	return tx.messageFromIndex(v)
}

// PrevInThread returns the message with the largest sequence number smaller
// than seq on the sender-thread, or nil.
func (tx *Tx) PrevInThread(k messaging.ThreadKey, seq int) (*messaging.Message, error) {
	prefix := threadPrefix(k)
	upper := append(append([]byte(nil), prefix...), SeqPart(seq)...)
	v, err := tx.first(prefix, upper, true)
	if err != nil {
		return nil, err
	}
	return tx.messageFromIndex(v)
}

// MessageAfterSortIndex returns the first message of the discussion whose
// sort index is strictly greater than sortIndex, or nil.
func (tx *Tx) MessageAfterSortIndex(discussionID string, sortIndex float64) (*messaging.Message, error) {
	prefix := sortPrefix(discussionID)
	lower := append(append([]byte(nil), prefix...), SortPart(sortIndex)...)
	lower = append(lower, sep+1)
	v, err := tx.first(lower, PrefixEnd(prefix), false)
	if err != nil {
		return nil, err
	}
	return tx.messageFromIndex(v)
}

// MessageBeforeSortIndex returns the last message of the discussion whose
// sort index is strictly smaller than sortIndex, or nil.
func (tx *Tx) MessageBeforeSortIndex(discussionID string, sortIndex float64) (*messaging.Message, error) {
	prefix := sortPrefix(discussionID)
	upper := append(append([]byte(nil), prefix...), SortPart(sortIndex)...)
	v, err := tx.first(prefix, upper, true)
	if err != nil {
		return nil, err
	}
	return tx.messageFromIndex(v)
}

// LargestSortIndex returns the largest sort index of the discussion.
func (tx *Tx) LargestSortIndex(discussionID string) (float64, bool, error) {
	prefix := sortPrefix(discussionID)
	v, err := tx.first(prefix, PrefixEnd(prefix), true)
	if err != nil || v == nil {
		return 0, false, err
	}
	m, err := tx.GetMessage(string(v))
	if err != nil {
		return 0, false, err
	}
	return m.SortIndex, true, nil
}

// MessagesInDiscussion returns the messages of a discussion in sort order.
func (tx *Tx) MessagesInDiscussion(discussionID string) ([]*messaging.Message, error) {
	var ids []string
	err := tx.Scan(sortPrefix(discussionID), false, func(_, value []byte) (bool, error) {
		ids = append(ids, string(value))
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]*messaging.Message, 0, len(ids))
	for _, id := range ids {
		m, err := tx.GetMessage(id)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// ForEachMessage visits every stored message. Returning false stops.
func (tx *Tx) ForEachMessage(fn func(m *messaging.Message) (bool, error)) error {
	return tx.Scan(Prefix(nsMessage), false, func(key, value []byte) (bool, error) {
		var m messaging.Message
		if err := json.Unmarshal(value, &m); err != nil {
			logDecodeFailure("ForEachMessage", key, err)
			return true, nil
		}
		return fn(&m)
	})
}

// RecipientsByNonce finds the recipient infos whose return receipt nonce
// equals nonce.
func (tx *Tx) RecipientsByNonce(nonce crypto.ReceiptNonce) ([]NonceMatch, error) {
	var out []NonceMatch
	err := tx.Scan(Prefix(nsNonce, nonce.String()), false, func(key, _ []byte) (bool, error) {
		parts := splitKey(key)
		if len(parts) != 4 {
			return true, nil
		}
		out = append(out, NonceMatch{MessageID: parts[2], RecipientID: parts[3]})
		return true, nil
	})
	return out, err
}
