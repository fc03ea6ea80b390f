// Package ordering assigns the chronological position of messages in a
// discussion. The position is a float64 sort index that always respects the
// sequence order of each sender-thread, even when upload timestamps
// contradict it.
package ordering

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/msgcore/messaging"
)

// NeighborStep is the sort index distance used when a neighbor has no
// further neighbor to take a midpoint with.
const NeighborStep = 0.01

// Querier is the part of the store the engine reads. Neighbor queries
// return nil when no such message exists.
type Querier interface {
	NextInThread(k messaging.ThreadKey, seq int) (*messaging.Message, error)
	PrevInThread(k messaging.ThreadKey, seq int) (*messaging.Message, error)
	MessageAfterSortIndex(discussionID string, sortIndex float64) (*messaging.Message, error)
	MessageBeforeSortIndex(discussionID string, sortIndex float64) (*messaging.Message, error)
	LargestSortIndex(discussionID string) (float64, bool, error)
}

// Arrival describes a message about to be inserted.
type Arrival struct {
	DiscussionID         string
	SenderID             string
	SenderThreadID       uuid.UUID
	SenderSequenceNumber int
	UploadTimestamp      time.Time
}

// Placement is the computed position of a message.
type Placement struct {
	SortIndex         float64
	AdjustedTimestamp time.Time
}

// EpochSeconds converts a timestamp to the sort index scale.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Place computes the position of an arriving message. It never fails: if the
// store cannot answer, the upload timestamp is used as is.
func Place(q Querier, a Arrival) Placement {
	common := Placement{SortIndex: EpochSeconds(a.UploadTimestamp), AdjustedTimestamp: a.UploadTimestamp}
	key := messaging.ThreadKey{DiscussionID: a.DiscussionID, SenderID: a.SenderID, SenderThreadID: a.SenderThreadID}

	next, err := q.NextInThread(key, a.SenderSequenceNumber)
	if err != nil {
		return degrade("Place", a, err, common)
	}

	if next == nil || next.Timestamp.After(a.UploadTimestamp) {
		prev, err := q.PrevInThread(key, a.SenderSequenceNumber)
		if err != nil {
			return degrade("Place", a, err, common)
		}
		if prev == nil || prev.Timestamp.Before(a.UploadTimestamp) {
			return common
		}

		// Uploaded no later than an older message of the same thread: place
		// right after it.
		after, err := q.MessageAfterSortIndex(a.DiscussionID, prev.SortIndex)
		if err != nil {
			return degrade("Place", a, err, common)
		}
		upper := prev.SortIndex + NeighborStep
		if after != nil {
			upper = after.SortIndex
		}
		return clamped(a, prev, midpoint(prev.SortIndex, upper))
	}

	// Uploaded no earlier than a newer message of the same thread: place
	// right before it.
	before, err := q.MessageBeforeSortIndex(a.DiscussionID, next.SortIndex)
	if err != nil {
		return degrade("Place", a, err, common)
	}
	lower := next.SortIndex - NeighborStep
	if before != nil {
		lower = before.SortIndex
	}
	return clamped(a, next, midpoint(lower, next.SortIndex))
}

// PlaceLocal computes the position of a message composed on this device: it
// goes after everything already in the discussion.
func PlaceLocal(q Querier, discussionID string, now time.Time) Placement {
	p := Placement{SortIndex: EpochSeconds(now), AdjustedTimestamp: now}
	largest, ok, err := q.LargestSortIndex(discussionID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":      "PlaceLocal",
			"discussion_id": discussionID,
			"error":         err.Error(),
		}).Warn("Largest sort index unavailable, using current time")
		return p
	}
	if ok {
		if floor := math.Ceil(largest) + NeighborStep; floor > p.SortIndex {
			p.SortIndex = floor
		}
	}
	return p
}

func midpoint(a, b float64) float64 {
	return a + (b-a)/2
}

func clamped(a Arrival, neighbor *messaging.Message, sortIndex float64) Placement {
	logrus.WithFields(logrus.Fields{
		"function":        "Place",
		"discussion_id":   a.DiscussionID,
		"sequence_number": a.SenderSequenceNumber,
		"neighbor_seq":    neighbor.SenderSequenceNumber,
		"upload":          a.UploadTimestamp,
		"adjusted":        neighbor.Timestamp,
		"sort_index":      sortIndex,
	}).Debug("Upload timestamp contradicts sequence order, clamping")
	return Placement{SortIndex: sortIndex, AdjustedTimestamp: neighbor.Timestamp}
}

func degrade(function string, a Arrival, err error, p Placement) Placement {
	logrus.WithFields(logrus.Fields{
		"function":        function,
		"discussion_id":   a.DiscussionID,
		"sequence_number": a.SenderSequenceNumber,
		"error":           err.Error(),
	}).Warn("Neighbor lookup failed, using upload timestamp")
	return p
}
