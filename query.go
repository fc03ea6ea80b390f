package msgcore

import (
	"context"

	"github.com/opd-ai/msgcore/deferred"
	"github.com/opd-ai/msgcore/messaging"
	"github.com/opd-ai/msgcore/reply"
	"github.com/opd-ai/msgcore/retention"
	"github.com/opd-ai/msgcore/store"
)

// Message returns a stored message. A missing message gives an error
// wrapping messaging.ErrMessageNotFound.
func (e *Engine) Message(ctx context.Context, messageID string) (*messaging.Message, error) {
	var m *messaging.Message
	err := e.view(ctx, func(tx *store.Tx) error {
		var err error
		m, err = tx.GetMessage(messageID)
		return err
	})
	return m, err
}

// Messages returns the messages of a discussion in display order.
func (e *Engine) Messages(ctx context.Context, discussionID string) ([]*messaging.Message, error) {
	var msgs []*messaging.Message
	err := e.view(ctx, func(tx *store.Tx) error {
		var err error
		msgs, err = tx.MessagesInDiscussion(discussionID)
		return err
	})
	return msgs, err
}

// ReplyState reports whether the message a reply points to is available.
func (e *Engine) ReplyState(ctx context.Context, messageID string) (reply.State, error) {
	state := reply.StateNone
	err := e.view(ctx, func(tx *store.Tx) error {
		m, err := tx.GetMessage(messageID)
		if err != nil {
			return err
		}
		state, err = e.resolver.State(tx, m)
		return err
	})
	return state, err
}

// PendingReplies lists the replies of a discussion still waiting for their target.
func (e *Engine) PendingReplies(ctx context.Context, discussionID string) ([]reply.Placeholder, error) {
	var out []reply.Placeholder
	err := e.view(ctx, func(tx *store.Tx) error {
		var err error
		out, err = e.resolver.Pending(tx, discussionID)
		return err
	})
	return out, err
}

// PendingRequests lists the remote requests waiting for a target.
func (e *Engine) PendingRequests(ctx context.Context, discussionID string, target messaging.MessageReference) ([]deferred.Request, error) {
	var out []deferred.Request
	err := e.view(ctx, func(tx *store.Tx) error {
		var err error
		out, err = e.queue.ForTarget(tx, discussionID, target)
		return err
	})
	return out, err
}

// Expirations returns the scheduled deletions of a message.
func (e *Engine) Expirations(ctx context.Context, messageID string) ([]messaging.Expiration, error) {
	var out []messaging.Expiration
	err := e.view(ctx, func(tx *store.Tx) error {
		var err error
		out, err = tx.ExpirationsFor(messageID)
		return err
	})
	return out, err
}

// SweepNow runs one retention sweep immediately.
func (e *Engine) SweepNow(ctx context.Context) (retention.Result, error) {
	if e.isClosed() {
		return retention.Result{}, ErrEngineClosed
	}
	return e.sweeper.RunOnce(ctx)
}
