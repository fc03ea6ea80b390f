// Package deferred keeps edit, delete and reaction requests whose target
// message is not known locally yet, and replays them once the target is
// created.
package deferred

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/msgcore/events"
	"github.com/opd-ai/msgcore/limits"
	"github.com/opd-ai/msgcore/messaging"
	"github.com/opd-ai/msgcore/metrics"
	"github.com/opd-ai/msgcore/store"
)

const nsDeferred = "dr"

// ErrSuperseded is returned when a request is discarded at save time.
var ErrSuperseded = errors.New("request superseded")

// Kind is the kind of a deferred request. The values are persisted.
type Kind uint8

const (
	KindDelete   Kind = 0
	KindEdit     Kind = 1
	KindReaction Kind = 2
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindDelete:
		return "delete"
	case KindEdit:
		return "edit"
	case KindReaction:
		return "reaction"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Request is a remote request waiting for its target.
type Request struct {
	ID              uuid.UUID                  `json:"id"`
	Kind            Kind                       `json:"kind"`
	RequesterID     string                     `json:"requester_id"`
	DiscussionID    string                     `json:"discussion_id"`
	Target          messaging.MessageReference `json:"target"`
	ServerTimestamp time.Time                  `json:"server_timestamp"`
	Payload         json.RawMessage            `json:"payload,omitempty"`
}

func (r Request) validate() error {
	if err := messaging.ValidateID(r.DiscussionID); err != nil {
		return fmt.Errorf("discussion: %w", err)
	}
	if err := messaging.ValidateID(r.RequesterID); err != nil {
		return fmt.Errorf("requester: %w", err)
	}
	if err := r.Target.Validate(); err != nil {
		return err
	}
	switch r.Kind {
	case KindDelete:
		return nil
	case KindEdit, KindReaction:
		return limits.ValidateSerializedRequest(r.Payload)
	default:
		return fmt.Errorf("%w: unknown request kind %d", messaging.ErrContractViolation, r.Kind)
	}
}

func targetPrefix(discussionID string, ref messaging.MessageReference) []byte {
	return store.Prefix(nsDeferred, discussionID, ref.SenderID, ref.SenderThreadID.String(), store.SeqPart(ref.SenderSequenceNumber))
}

func requestKey(r Request) []byte {
	return store.Key(nsDeferred, r.DiscussionID, r.Target.SenderID, r.Target.SenderThreadID.String(),
		store.SeqPart(r.Target.SenderSequenceNumber), store.TimePart(r.ServerTimestamp), r.ID.String())
}

// Applier applies a replayed request to its freshly created target.
type Applier interface {
	ApplyDelete(tx *store.Tx, m *messaging.Message, r Request) error
	ApplyEdit(tx *store.Tx, m *messaging.Message, r Request) error
	ApplyReaction(tx *store.Tx, m *messaging.Message, r Request) error
}

// ReplayResult summarizes one replay.
type ReplayResult struct {
	Deleted bool
	Applied int
	Failed  int
}

// Queue stores and replays deferred requests.
type Queue struct {
	metrics *metrics.Metrics
}

// NewQueue creates a Queue. m may be nil.
func NewQueue(m *metrics.Metrics) *Queue {
	return &Queue{metrics: metrics.OrNew(m)}
}

// ForTarget returns the requests queued for a target, oldest first.
func (q *Queue) ForTarget(tx *store.Tx, discussionID string, ref messaging.MessageReference) ([]Request, error) {
	var out []Request
	err := tx.Scan(targetPrefix(discussionID, ref), false, func(key, value []byte) (bool, error) {
		var r Request
		if err := json.Unmarshal(value, &r); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ForTarget",
				"key":      fmt.Sprintf("%q", key),
				"error":    err.Error(),
			}).Warn("Skipping undecodable deferred request")
			return true, nil
		}
		out = append(out, r)
		return true, nil
	})
	return out, err
}

// Save stores r, applying the supersession rules. A delete removes every
// pending edit and reaction for the target. An edit or reaction is
// discarded with ErrSuperseded if a delete is pending, or if a request of
// the same kind from the same requester with a newer or equal server
// timestamp exists; older ones are replaced. Edits from different
// requesters are all kept, since only the author's can apply.
func (q *Queue) Save(tx *store.Tx, r Request) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if err := r.validate(); err != nil {
		return err
	}
	existing, err := q.ForTarget(tx, r.DiscussionID, r.Target)
	if err != nil {
		return err
	}

	var obsolete []Request
	switch r.Kind {
	case KindDelete:
		for _, e := range existing {
			if e.Kind != KindDelete {
				obsolete = append(obsolete, e)
			}
		}
	default:
		for _, e := range existing {
			switch {
			case e.Kind == KindDelete:
				return q.superseded(r, "delete pending")
			case !sameSlot(e, r):
				continue
			case !r.ServerTimestamp.After(e.ServerTimestamp):
				return q.superseded(r, "newer request pending")
			default:
				obsolete = append(obsolete, e)
			}
		}
	}

	for _, e := range obsolete {
		if err := tx.Delete(requestKey(e)); err != nil {
			return err
		}
	}
	if err := tx.PutJSON(requestKey(r), r); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":        "Save",
		"kind":            r.Kind.String(),
		"discussion_id":   r.DiscussionID,
		"requester_id":    r.RequesterID,
		"target_sender":   r.Target.SenderID,
		"target_sequence": r.Target.SenderSequenceNumber,
		"dropped":         len(obsolete),
	}).Debug("Deferred request stored")
	return nil
}

// SaveDelete queues a delete request.
func (q *Queue) SaveDelete(tx *store.Tx, r Request) error {
	r.Kind = KindDelete
	r.Payload = nil
	return q.Save(tx, r)
}

// SaveEdit queues an edit request.
func (q *Queue) SaveEdit(tx *store.Tx, r Request) error {
	r.Kind = KindEdit
	return q.Save(tx, r)
}

// SaveReaction queues a reaction request.
func (q *Queue) SaveReaction(tx *store.Tx, r Request) error {
	r.Kind = KindReaction
	return q.Save(tx, r)
}

func sameSlot(a, b Request) bool {
	return a.Kind == b.Kind && a.RequesterID == b.RequesterID
}

func (q *Queue) superseded(r Request, reason string) error {
	logrus.WithFields(logrus.Fields{
		"function":      "Save",
		"kind":          r.Kind.String(),
		"discussion_id": r.DiscussionID,
		"requester_id":  r.RequesterID,
		"reason":        reason,
	}).Debug("Deferred request discarded")
	return fmt.Errorf("%s request from %s: %w", r.Kind, r.RequesterID, ErrSuperseded)
}

// Replay applies the requests queued for m, which was just created, then
// removes all of them. Deletes run first in timestamp order and the first
// one that succeeds ends the replay. If none succeeds, the other requests
// are applied best-effort in timestamp order, so the newest valid edit
// wins.
func (q *Queue) Replay(tx *store.Tx, m *messaging.Message, a Applier) (ReplayResult, error) {
	var res ReplayResult
	queued, err := q.ForTarget(tx, m.DiscussionID, m.Reference())
	if err != nil || len(queued) == 0 {
		return res, err
	}

	for _, r := range queued {
		if err := tx.Delete(requestKey(r)); err != nil {
			return res, err
		}
	}

	for _, r := range queued {
		if r.Kind != KindDelete {
			continue
		}
		if err := a.ApplyDelete(tx, m, r); err != nil {
			q.replayFailed(m, r, err)
			res.Failed++
			continue
		}
		q.replayed(tx, m, r)
		res.Applied++
		res.Deleted = true
		return res, nil
	}

	for _, r := range queued {
		var err error
		switch r.Kind {
		case KindDelete:
			continue
		case KindEdit:
			err = a.ApplyEdit(tx, m, r)
		case KindReaction:
			err = a.ApplyReaction(tx, m, r)
		default:
			err = fmt.Errorf("%w: unknown request kind %d", messaging.ErrContractViolation, r.Kind)
		}
		if err != nil {
			q.replayFailed(m, r, err)
			res.Failed++
			continue
		}
		q.replayed(tx, m, r)
		res.Applied++
	}
	return res, nil
}

func (q *Queue) replayed(tx *store.Tx, m *messaging.Message, r Request) {
	q.metrics.DeferredReplayed.WithLabelValues(r.Kind.String(), "applied").Inc()
	tx.Emit(events.Event{
		Type:         events.DeferredRequestApplied,
		DiscussionID: m.DiscussionID,
		MessageID:    m.ID,
		Detail:       r.Kind.String(),
	})
}

func (q *Queue) replayFailed(m *messaging.Message, r Request, err error) {
	q.metrics.DeferredReplayed.WithLabelValues(r.Kind.String(), "failed").Inc()
	logrus.WithFields(logrus.Fields{
		"function":     "Replay",
		"kind":         r.Kind.String(),
		"message_id":   m.ID,
		"requester_id": r.RequesterID,
		"error":        err.Error(),
	}).Warn("Deferred request could not be applied, discarding")
}

// PurgeOlderThan removes requests whose server timestamp is before cutoff.
// Their targets never arrived within the retention window.
func (q *Queue) PurgeOlderThan(tx *store.Tx, cutoff time.Time) (int, error) {
	var stale [][]byte
	err := tx.Scan(store.Prefix(nsDeferred), false, func(key, value []byte) (bool, error) {
		var r Request
		if err := json.Unmarshal(value, &r); err != nil || r.ServerTimestamp.Before(cutoff) {
			stale = append(stale, append([]byte(nil), key...))
		}
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	for _, k := range stale {
		if err := tx.Delete(k); err != nil {
			return 0, err
		}
	}
	if len(stale) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "PurgeOlderThan",
			"cutoff":   cutoff,
			"count":    len(stale),
		}).Info("Purged expired deferred requests")
	}
	return len(stale), nil
}
