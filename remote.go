package msgcore

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/msgcore/deferred"
	"github.com/opd-ai/msgcore/events"
	"github.com/opd-ai/msgcore/messaging"
	"github.com/opd-ai/msgcore/store"
)

// Results of a remote request.
const (
	RequestApplied   = "applied"
	RequestNoOp      = "noop"
	RequestDeferred  = "deferred"
	RequestDiscarded = "discarded"
	RequestFailed    = "failed"
)

// RequestReport is the result of processing one remote request.
type RequestReport struct {
	Index     int
	MessageID string
	Result    string
	Err       error
}

// ProcessRemoteRequest applies an edit, delete or reaction request. When the
// target is not known yet, the request is kept and replayed once the target
// arrives.
func (e *Engine) ProcessRemoteRequest(ctx context.Context, r RemoteRequest) RequestReport {
	report := e.processRemote(ctx, r)
	e.metrics.RemoteRequests.WithLabelValues(r.Kind.String(), report.Result).Inc()
	if report.Err != nil {
		logrus.WithFields(logrus.Fields{
			"function":      "ProcessRemoteRequest",
			"kind":          r.Kind.String(),
			"discussion_id": r.DiscussionID,
			"requester_id":  r.RequesterID,
			"error":         report.Err.Error(),
		}).Warn("Remote request failed")
	}
	return report
}

// ProcessRemoteRequests processes a batch, one unit of work per request. A
// failing request never stops the batch.
func (e *Engine) ProcessRemoteRequests(ctx context.Context, rs []RemoteRequest) []RequestReport {
	reports := make([]RequestReport, len(rs))
	for i, r := range rs {
		if err := ctx.Err(); err != nil {
			reports[i] = RequestReport{Index: i, Result: RequestFailed, Err: err}
			continue
		}
		reports[i] = e.ProcessRemoteRequest(ctx, r)
		reports[i].Index = i
	}
	return reports
}

func (e *Engine) processRemote(ctx context.Context, r RemoteRequest) RequestReport {
	d, err := r.decode()
	if err != nil {
		return RequestReport{Result: RequestFailed, Err: err}
	}

	var report RequestReport
	err = e.update(ctx, func(tx *store.Tx) error {
		report = RequestReport{}
		target, err := tx.FindByReference(r.DiscussionID, d.target)
		if err != nil {
			return err
		}
		if target == nil {
			err := e.queue.Save(tx, r.deferredRequest(d.target))
			switch {
			case errors.Is(err, deferred.ErrSuperseded):
				report.Result = RequestDiscarded
				return nil
			case err != nil:
				return err
			}
			report.Result = RequestDeferred
			return nil
		}

		report.MessageID = target.ID
		outcome, err := e.applyRemote(tx, target, r, d)
		if err != nil {
			return err
		}
		report.Result = RequestNoOp
		if outcome == messaging.OutcomeApplied {
			report.Result = RequestApplied
		}
		return nil
	})
	if err != nil {
		report.Result = RequestFailed
		report.Err = err
	}
	return report
}

// applyRemote applies a decoded request to its target inside tx.
func (e *Engine) applyRemote(tx *store.Tx, m *messaging.Message, r RemoteRequest, d decoded) (messaging.Outcome, error) {
	switch r.Kind {
	case deferred.KindDelete:
		if err := messaging.AuthorizeDelete(m, r.RequesterID, e.ownedID); err != nil {
			return messaging.OutcomeNoOp, err
		}
		return e.deleteMessage(tx, m, "remote_delete")
	case deferred.KindEdit:
		outcome, err := messaging.ApplyEdit(m, r.RequesterID, d.body, r.ServerTimestamp)
		if err != nil || outcome != messaging.OutcomeApplied {
			return outcome, err
		}
		return outcome, e.saveUpdated(tx, m, "edited")
	case deferred.KindReaction:
		outcome, err := messaging.ApplyReaction(m, r.RequesterID, d.emoji, r.ServerTimestamp)
		if err != nil || outcome != messaging.OutcomeApplied {
			return outcome, err
		}
		return outcome, e.saveUpdated(tx, m, "reaction")
	default:
		return messaging.ReportViolation("applyRemote", fmt.Errorf("unknown request kind %d", r.Kind)), nil
	}
}

func (e *Engine) deleteMessage(tx *store.Tx, m *messaging.Message, reason string) (messaging.Outcome, error) {
	deleted, err := tx.DeleteMessage(m.ID, reason)
	if err != nil {
		return messaging.OutcomeNoOp, err
	}
	if err := e.resolver.DropFor(tx, m.ID); err != nil {
		return messaging.OutcomeNoOp, err
	}
	if deleted == nil {
		return messaging.OutcomeNoOp, nil
	}
	return messaging.OutcomeApplied, nil
}

func (e *Engine) saveUpdated(tx *store.Tx, m *messaging.Message, detail string) error {
	if err := tx.PutMessage(m); err != nil {
		return err
	}
	tx.Emit(events.Event{
		Type:         events.MessageUpdated,
		DiscussionID: m.DiscussionID,
		MessageID:    m.ID,
		Detail:       detail,
	})
	return nil
}

// remoteApplier replays deferred requests on a freshly created target.
type remoteApplier struct {
	e *Engine
}

func (a *remoteApplier) apply(tx *store.Tx, m *messaging.Message, dr deferred.Request) error {
	r := fromDeferred(dr)
	d, err := r.decode()
	if err != nil {
		return err
	}
	_, err = a.e.applyRemote(tx, m, r, d)
	return err
}

func (a *remoteApplier) ApplyDelete(tx *store.Tx, m *messaging.Message, r deferred.Request) error {
	return a.apply(tx, m, r)
}

func (a *remoteApplier) ApplyEdit(tx *store.Tx, m *messaging.Message, r deferred.Request) error {
	return a.apply(tx, m, r)
}

func (a *remoteApplier) ApplyReaction(tx *store.Tx, m *messaging.Message, r deferred.Request) error {
	return a.apply(tx, m, r)
}

// EditMessage edits a message the owned identity authored and returns the
// request to send to the other participants.
func (e *Engine) EditMessage(ctx context.Context, messageID, body string) (RemoteRequest, error) {
	var out RemoteRequest
	err := e.update(ctx, func(tx *store.Tx) error {
		m, err := tx.GetMessage(messageID)
		if err != nil {
			return err
		}
		now := e.tp.Now()
		req, err := NewEditRequest(m.DiscussionID, e.ownedID, now, EditPayload{Target: m.Reference(), Body: body})
		if err != nil {
			return err
		}
		outcome, err := messaging.ApplyEdit(m, e.ownedID, body, now)
		if err != nil {
			return err
		}
		if outcome == messaging.OutcomeApplied {
			if err := e.saveUpdated(tx, m, "edited"); err != nil {
				return err
			}
		}
		out = req
		return nil
	})
	e.countLocal(deferred.KindEdit, err)
	return out, err
}

// DeleteMessage deletes a message for everyone and returns the request to
// send to the other participants.
func (e *Engine) DeleteMessage(ctx context.Context, messageID string) (RemoteRequest, error) {
	var out RemoteRequest
	err := e.update(ctx, func(tx *store.Tx) error {
		m, err := tx.GetMessage(messageID)
		if err != nil {
			return err
		}
		if err := messaging.AuthorizeDelete(m, e.ownedID, e.ownedID); err != nil {
			return err
		}
		req, err := NewDeleteRequest(m.DiscussionID, e.ownedID, e.tp.Now(), DeletePayload{Target: m.Reference()})
		if err != nil {
			return err
		}
		if _, err := e.deleteMessage(tx, m, "local_delete"); err != nil {
			return err
		}
		out = req
		return nil
	})
	e.countLocal(deferred.KindDelete, err)
	return out, err
}

// ReactToMessage sets, or with an empty emoji removes, the owned identity's
// reaction and returns the request to send to the other participants.
func (e *Engine) ReactToMessage(ctx context.Context, messageID, emoji string) (RemoteRequest, error) {
	var out RemoteRequest
	err := e.update(ctx, func(tx *store.Tx) error {
		m, err := tx.GetMessage(messageID)
		if err != nil {
			return err
		}
		now := e.tp.Now()
		req, err := NewReactionRequest(m.DiscussionID, e.ownedID, now, ReactionPayload{Target: m.Reference(), Emoji: emoji})
		if err != nil {
			return err
		}
		outcome, err := messaging.ApplyReaction(m, e.ownedID, emoji, now)
		if err != nil {
			return err
		}
		if outcome == messaging.OutcomeApplied {
			if err := e.saveUpdated(tx, m, "reaction"); err != nil {
				return err
			}
		}
		out = req
		return nil
	})
	e.countLocal(deferred.KindReaction, err)
	return out, err
}

func (e *Engine) countLocal(kind deferred.Kind, err error) {
	result := "local"
	if err != nil {
		result = "local_failed"
		logrus.WithFields(logrus.Fields{
			"function": "countLocal",
			"kind":     kind.String(),
			"error":    err.Error(),
		}).Warn("Local request failed")
	}
	e.metrics.RemoteRequests.WithLabelValues(kind.String(), result).Inc()
}
