package messaging

import (
	"fmt"
	"time"
)

// AuthorizeDelete checks that requester may delete m for everyone. The
// author may, and so may the owned identity from any of its devices.
func AuthorizeDelete(m *Message, requesterID, ownedIdentity string) error {
	if requesterID == m.SenderID || (ownedIdentity != "" && requesterID == ownedIdentity) {
		return nil
	}
	return fmt.Errorf("delete of %s by %s: %w", m.ID, requesterID, ErrUnauthorizedRequester)
}

// ApplyEdit replaces the body of m. Only the author may edit and the latest
// server timestamp wins.
func ApplyEdit(m *Message, requesterID, body string, serverTimestamp time.Time) (Outcome, error) {
	if requesterID != m.SenderID {
		return OutcomeNoOp, fmt.Errorf("edit of %s by %s: %w", m.ID, requesterID, ErrUnauthorizedRequester)
	}
	if m.Wiped {
		return OutcomeNoOp, fmt.Errorf("edit of %s: %w", m.ID, ErrMessageWiped)
	}
	if !m.EditedAt.IsZero() && !serverTimestamp.After(m.EditedAt) {
		return OutcomeNoOp, nil
	}
	if m.Body == body && m.EditedAt.Equal(serverTimestamp) {
		return OutcomeNoOp, nil
	}
	m.Body = body
	m.EditedAt = serverTimestamp
	return OutcomeApplied, nil
}

// ApplyReaction sets or, with an empty emoji, removes the reaction of
// requester on m. Older reactions from the same requester are ignored.
func ApplyReaction(m *Message, requesterID, emoji string, serverTimestamp time.Time) (Outcome, error) {
	if m.Wiped {
		return OutcomeNoOp, fmt.Errorf("reaction on %s: %w", m.ID, ErrMessageWiped)
	}
	current, exists := m.Reactions[requesterID]
	if exists && current.ServerTimestamp.After(serverTimestamp) {
		return OutcomeNoOp, nil
	}
	if emoji == "" {
		if !exists {
			return OutcomeNoOp, nil
		}
		delete(m.Reactions, requesterID)
		return OutcomeApplied, nil
	}
	if exists && current.Emoji == emoji && current.ServerTimestamp.Equal(serverTimestamp) {
		return OutcomeNoOp, nil
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string]Reaction)
	}
	m.Reactions[requesterID] = Reaction{Emoji: emoji, ServerTimestamp: serverTimestamp}
	return OutcomeApplied, nil
}
