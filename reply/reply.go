// Package reply links messages to the message they reply to. When the
// target has not arrived yet a Placeholder records the pending link; it is
// resolved when a message matching the target reference is created.
package reply

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/msgcore/crypto"
	"github.com/opd-ai/msgcore/events"
	"github.com/opd-ai/msgcore/messaging"
	"github.com/opd-ai/msgcore/metrics"
	"github.com/opd-ai/msgcore/store"
)

// Key namespaces owned by this package.
const (
	nsPlaceholder   = "ph"
	nsPlaceholderBy = "phr"
)

// maxChainDepth bounds the walk along reply links during cycle detection.
const maxChainDepth = 1024

// State is the reply-to state of a message as presented to the user.
type State uint8

const (
	// StateNone means the message is not a reply.
	StateNone State = iota
	// StateNotAvailableYet means the target has not been received.
	StateNotAvailableYet
	// StateAvailable means the target is stored locally.
	StateAvailable
	// StateDeleted means the target was deleted or will never arrive.
	StateDeleted
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateNotAvailableYet:
		return "not_available_yet"
	case StateAvailable:
		return "available"
	case StateDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Placeholder is a pending reply-to link.
type Placeholder struct {
	DiscussionID   string                     `json:"discussion_id"`
	Target         messaging.MessageReference `json:"target"`
	ReplyMessageID string                     `json:"reply_message_id"`
	CreatedAt      time.Time                  `json:"created_at"`
}

func targetPrefix(discussionID string, ref messaging.MessageReference) []byte {
	return store.Prefix(nsPlaceholder, discussionID, ref.SenderID, ref.SenderThreadID.String(), store.SeqPart(ref.SenderSequenceNumber))
}

func placeholderKey(p Placeholder) []byte {
	return store.Key(nsPlaceholder, p.DiscussionID, p.Target.SenderID, p.Target.SenderThreadID.String(),
		store.SeqPart(p.Target.SenderSequenceNumber), p.ReplyMessageID)
}

func byReplyKey(replyID string) []byte {
	return store.Key(nsPlaceholderBy, replyID)
}

// Resolver maintains reply links and placeholders.
type Resolver struct {
	tp      crypto.TimeProvider
	metrics *metrics.Metrics
}

// NewResolver creates a Resolver. Both arguments may be nil.
func NewResolver(tp crypto.TimeProvider, m *metrics.Metrics) *Resolver {
	return &Resolver{tp: crypto.OrDefault(tp), metrics: metrics.OrNew(m)}
}

// Link sets the reply-to link of m, which is about to be stored. If the
// target exists locally, LinkedMessageID is set; otherwise a placeholder is
// written. A link that would close a cycle is refused and m is left
// unlinked. m itself is not persisted here.
func (r *Resolver) Link(tx *store.Tx, m *messaging.Message) (State, error) {
	if m.ReplyTo == nil {
		return StateNone, nil
	}
	ref := m.ReplyTo.Reference
	if err := ref.Validate(); err != nil {
		return StateNone, fmt.Errorf("reply reference of %s: %w", m.ID, err)
	}
	if ref == m.Reference() {
		messaging.ReportViolation("Link", fmt.Errorf("message %s replies to itself", m.ID))
		return StateDeleted, nil
	}

	target, err := tx.FindByReference(m.DiscussionID, ref)
	if err != nil {
		return StateNone, err
	}
	if target != nil {
		cyclic, err := r.wouldCycle(tx, m.ID, target)
		if err != nil {
			return StateNone, err
		}
		if cyclic {
			messaging.ReportViolation("Link", fmt.Errorf("linking %s to %s creates a reply cycle", m.ID, target.ID))
			return StateDeleted, nil
		}
		m.ReplyTo.LinkedMessageID = target.ID
		return StateAvailable, nil
	}

	p := Placeholder{
		DiscussionID:   m.DiscussionID,
		Target:         ref,
		ReplyMessageID: m.ID,
		CreatedAt:      r.tp.Now(),
	}
	if err := tx.PutJSON(placeholderKey(p), p); err != nil {
		return StateNone, err
	}
	if err := tx.Put(byReplyKey(m.ID), placeholderKey(p)); err != nil {
		return StateNone, err
	}
	r.metrics.PlaceholdersCreated.Inc()

	logrus.WithFields(logrus.Fields{
		"function":        "Link",
		"discussion_id":   m.DiscussionID,
		"message_id":      m.ID,
		"target_sender":   ref.SenderID,
		"target_sequence": ref.SenderSequenceNumber,
	}).Debug("Reply target unknown, placeholder created")
	return StateNotAvailableYet, nil
}

// wouldCycle reports whether following reply links from target reaches replyID.
func (r *Resolver) wouldCycle(tx *store.Tx, replyID string, target *messaging.Message) (bool, error) {
	seen := map[string]struct{}{}
	cur := target
	for depth := 0; cur != nil && depth < maxChainDepth; depth++ {
		if cur.ID == replyID {
			return true, nil
		}
		if _, ok := seen[cur.ID]; ok {
			return true, nil
		}
		seen[cur.ID] = struct{}{}
		if cur.ReplyTo == nil || cur.ReplyTo.LinkedMessageID == "" {
			return false, nil
		}
		next, err := tx.GetMessage(cur.ReplyTo.LinkedMessageID)
		if errors.Is(err, messaging.ErrMessageNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		cur = next
	}
	return cur != nil, nil
}

// ResolvePending links every reply waiting for created and removes the
// matching placeholders. created must already be stored. Returns the ids of
// the replies that were linked.
func (r *Resolver) ResolvePending(tx *store.Tx, created *messaging.Message) ([]string, error) {
	var pending []Placeholder
	err := tx.Scan(targetPrefix(created.DiscussionID, created.Reference()), false, func(key, value []byte) (bool, error) {
		var p Placeholder
		if err := json.Unmarshal(value, &p); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ResolvePending",
				"key":      fmt.Sprintf("%q", key),
				"error":    err.Error(),
			}).Warn("Dropping undecodable placeholder")
			return true, nil
		}
		pending = append(pending, p)
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	var linked []string
	for _, p := range pending {
		if err := r.deletePlaceholder(tx, p); err != nil {
			return linked, err
		}
		replyMsg, err := tx.GetMessage(p.ReplyMessageID)
		if errors.Is(err, messaging.ErrMessageNotFound) {
			continue
		}
		if err != nil {
			return linked, err
		}
		if replyMsg.ReplyTo == nil || replyMsg.ReplyTo.LinkedMessageID != "" {
			continue
		}
		cyclic, err := r.wouldCycle(tx, replyMsg.ID, created)
		if err != nil {
			return linked, err
		}
		if cyclic {
			messaging.ReportViolation("ResolvePending", fmt.Errorf("linking %s to %s creates a reply cycle", replyMsg.ID, created.ID))
			continue
		}

		replyMsg.ReplyTo.LinkedMessageID = created.ID
		if err := tx.PutMessage(replyMsg); err != nil {
			return linked, err
		}
		tx.Emit(events.Event{
			Type:         events.ReplyResolved,
			DiscussionID: replyMsg.DiscussionID,
			MessageID:    replyMsg.ID,
			Detail:       created.ID,
		})
		r.metrics.PlaceholdersResolved.Inc()
		linked = append(linked, replyMsg.ID)
	}
	return linked, nil
}

func (r *Resolver) deletePlaceholder(tx *store.Tx, p Placeholder) error {
	if err := tx.Delete(placeholderKey(p)); err != nil {
		return err
	}
	return tx.Delete(byReplyKey(p.ReplyMessageID))
}

// State reports the reply-to state of m.
func (r *Resolver) State(tx *store.Tx, m *messaging.Message) (State, error) {
	if m.ReplyTo == nil {
		return StateNone, nil
	}
	if id := m.ReplyTo.LinkedMessageID; id != "" {
		ok, err := tx.MessageExists(id)
		if err != nil {
			return StateNone, err
		}
		if ok {
			return StateAvailable, nil
		}
		return StateDeleted, nil
	}
	_, err := tx.Get(byReplyKey(m.ID))
	if store.IsNotFound(err) {
		return StateDeleted, nil
	}
	if err != nil {
		return StateNone, err
	}
	return StateNotAvailableYet, nil
}

// DropFor removes the placeholder of a reply that is being deleted.
func (r *Resolver) DropFor(tx *store.Tx, replyID string) error {
	key, err := tx.Get(byReplyKey(replyID))
	if store.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := tx.Delete(key); err != nil {
		return err
	}
	return tx.Delete(byReplyKey(replyID))
}

// PurgeOlderThan removes placeholders created before cutoff. Their replies
// then report StateDeleted. Returns the number removed.
func (r *Resolver) PurgeOlderThan(tx *store.Tx, cutoff time.Time) (int, error) {
	var stale []Placeholder
	err := tx.Scan(store.Prefix(nsPlaceholder), false, func(_, value []byte) (bool, error) {
		var p Placeholder
		if err := json.Unmarshal(value, &p); err != nil {
			return true, nil
		}
		if p.CreatedAt.Before(cutoff) {
			stale = append(stale, p)
		}
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	for _, p := range stale {
		if err := r.deletePlaceholder(tx, p); err != nil {
			return 0, err
		}
	}
	if len(stale) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "PurgeOlderThan",
			"cutoff":   cutoff,
			"count":    len(stale),
		}).Info("Purged expired reply placeholders")
	}
	return len(stale), nil
}

// Pending lists the placeholders of a discussion.
func (r *Resolver) Pending(tx *store.Tx, discussionID string) ([]Placeholder, error) {
	var out []Placeholder
	err := tx.Scan(store.Prefix(nsPlaceholder, discussionID), false, func(_, value []byte) (bool, error) {
		var p Placeholder
		if err := json.Unmarshal(value, &p); err != nil {
			return true, nil
		}
		out = append(out, p)
		return true, nil
	})
	return out, err
}
