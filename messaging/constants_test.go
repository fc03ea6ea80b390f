package messaging

import (
	"time"

	"github.com/google/uuid"
)

// Test identities.
const (
	testOwnedID      = "owned-alice"
	testContactBob   = "contact-bob"
	testContactCarol = "contact-carol"
	testContactDave  = "contact-dave"
	testDiscussionID = "discussion-1"
)

// Test durations.
const (
	testVisibility = 30 * time.Second
	testExistence  = 24 * time.Hour
)

var (
	testThread = uuid.MustParse("6f1f4c1e-8a53-4a0b-9f3c-7a7e2f0d9b11")
	testEpoch  = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

func at(seconds int) time.Time {
	return testEpoch.Add(time.Duration(seconds) * time.Second)
}

func newTestSent(recipients []string, attachments int) *Message {
	m := &Message{
		ID:             uuid.NewString(),
		DiscussionID:   testDiscussionID,
		Kind:           KindSent,
		SenderID:       testOwnedID,
		SenderThreadID: testThread,
		Timestamp:      testEpoch,
		Body:           "hello",
		Sent:           &SentPart{},
	}
	for i := 0; i < attachments; i++ {
		m.Attachments = append(m.Attachments, Attachment{Index: i})
	}
	for _, r := range recipients {
		ri := RecipientInfo{RecipientID: r}
		for i := 0; i < attachments; i++ {
			ri.Attachments = append(ri.Attachments, AttachmentRecipientInfo{Index: i})
		}
		m.Sent.Recipients = append(m.Sent.Recipients, ri)
	}
	RefreshStatus(m)
	return m
}

func newTestReceived(seq int) *Message {
	return &Message{
		ID:                   uuid.NewString(),
		DiscussionID:         testDiscussionID,
		Kind:                 KindReceived,
		SenderID:             testContactBob,
		SenderSequenceNumber: seq,
		SenderThreadID:       testThread,
		Timestamp:            at(seq),
		Body:                 "hi",
		Received:             &ReceivedPart{},
	}
}
