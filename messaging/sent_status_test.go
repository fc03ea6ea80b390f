package messaging

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/msgcore/crypto"
)

func acceptAll(t *testing.T, m *Message, ts time.Time) {
	t.Helper()
	for i := range m.Sent.Recipients {
		ri := &m.Sent.Recipients[i]
		_, err := SetTransportIdentifier(m, ri.RecipientID, "tr-"+ri.RecipientID, crypto.ReceiptKeyMaterial{})
		require.NoError(t, err)
		_, err = MessageWasSentNoLaterThan(m, "tr-"+ri.RecipientID, ts, true)
		require.NoError(t, err)
	}
}

func TestDeriveStatusRules(t *testing.T) {
	ts := at(10)
	sent := func(id string) RecipientInfo {
		return RecipientInfo{RecipientID: id, TransportMessageID: "tr", MessageAcceptedAt: &ts, AllAttachmentsSentAt: &ts}
	}
	delivered := func(id string) RecipientInfo {
		ri := sent(id)
		ri.DeliveredAt = &ts
		return ri
	}
	read := func(id string) RecipientInfo {
		ri := delivered(id)
		ri.ReadAt = &ts
		return ri
	}

	tests := []struct {
		name  string
		infos []RecipientInfo
		want  SentStatus
	}{
		{"no recipient", nil, SentStatusHasNoRecipient},
		{"could not be sent wins", []RecipientInfo{read("a"), {RecipientID: "b", CouldNotBeSent: true}}, SentStatusCouldNotBeSent},
		{"nothing accepted by transport", []RecipientInfo{{RecipientID: "a"}, {RecipientID: "b"}}, SentStatusUnprocessed},
		{"processing", []RecipientInfo{sent("a"), {RecipientID: "b", TransportMessageID: "tr"}}, SentStatusProcessing},
		{"fully read", []RecipientInfo{read("a"), read("b")}, SentStatusFullyDeliveredAndFullyRead},
		{"fully delivered partially read", []RecipientInfo{read("a"), delivered("b")}, SentStatusFullyDeliveredAndPartiallyRead},
		{"fully delivered not read", []RecipientInfo{delivered("a"), delivered("b")}, SentStatusFullyDeliveredAndNotRead},
		{"partially delivered partially read", []RecipientInfo{read("a"), sent("b"), sent("c")}, SentStatusPartiallyDeliveredAndPartiallyRead},
		{"partially delivered not read", []RecipientInfo{delivered("a"), sent("b")}, SentStatusPartiallyDeliveredNotRead},
		{"sent", []RecipientInfo{sent("a"), sent("b")}, SentStatusSent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveStatus(tt.infos))
		})
	}
}

func TestSentStatusLegacyValues(t *testing.T) {
	assert.Equal(t, 0, int(SentStatusUnprocessed))
	assert.Equal(t, 1, int(SentStatusProcessing))
	assert.Equal(t, 2, int(SentStatusSent))
	assert.Equal(t, 3, int(SentStatusFullyDeliveredAndNotRead))
	assert.Equal(t, 4, int(SentStatusFullyDeliveredAndFullyRead))
	assert.Equal(t, 5, int(SentStatusCouldNotBeSent))
	assert.Equal(t, 6, int(SentStatusHasNoRecipient))
	assert.Equal(t, 7, int(SentStatusSentFromAnotherOwnedDevice))
	assert.Equal(t, 8, int(SentStatusFullyDeliveredAndPartiallyRead))
	assert.Equal(t, 9, int(SentStatusPartiallyDeliveredAndPartiallyRead))
	assert.Equal(t, 10, int(SentStatusPartiallyDeliveredNotRead))
	assert.Equal(t, 0, int(ReceivedStatusNew))
	assert.Equal(t, 1, int(ReceivedStatusRead))
	assert.Equal(t, 2, int(ReceivedStatusUnread))
}

func TestSentMessageEndToEnd(t *testing.T) {
	m := newTestSent([]string{testContactBob, testContactCarol, testContactDave}, 0)
	assert.Equal(t, SentStatusUnprocessed, m.Sent.Status)

	acceptAll(t, m, at(1))
	assert.Equal(t, SentStatusSent, m.Sent.Status)

	m.Sent.Recipients[0].DeliveredNoLaterThan(at(2), false)
	m.Sent.Recipients[1].DeliveredNoLaterThan(at(3), false)
	assert.Equal(t, OutcomeApplied, RefreshStatus(m))

	counts := CountRecipients(m.Sent.Recipients)
	assert.Equal(t, RecipientCounts{Recipients: 3, WithTransport: 3, Sent: 3, Delivered: 2}, counts)
	assert.Equal(t, SentStatusPartiallyDeliveredNotRead, m.Sent.Status)

	for i := range m.Sent.Recipients {
		m.Sent.Recipients[i].DeliveredNoLaterThan(at(5), true)
	}
	RefreshStatus(m)
	assert.Equal(t, SentStatusFullyDeliveredAndFullyRead, m.Sent.Status)
	assert.Equal(t, OutcomeNoOp, RefreshStatus(m), "refresh is repeatable")
}

func TestNoRecipientMarksAttachmentsComplete(t *testing.T) {
	m := newTestSent(nil, 2)
	assert.Equal(t, SentStatusHasNoRecipient, m.Sent.Status)
	for _, a := range m.Attachments {
		assert.Equal(t, AttachmentStatusComplete, a.Status)
	}
}

func TestSentFromAnotherOwnedDeviceIsSticky(t *testing.T) {
	m := newTestSent([]string{testContactBob}, 0)
	m.Sent.Status = SentStatusSentFromAnotherOwnedDevice

	t.Run("refresh keeps the status", func(t *testing.T) {
		assert.Equal(t, OutcomeNoOp, RefreshStatus(m))
		assert.Equal(t, SentStatusSentFromAnotherOwnedDevice, m.Sent.Status)
	})

	t.Run("set status is a violation", func(t *testing.T) {
		assert.Equal(t, OutcomeViolation, SetStatus(m, SentStatusSent))
		assert.Equal(t, SentStatusSentFromAnotherOwnedDevice, m.Sent.Status)
	})

	t.Run("recipient mutation is a violation", func(t *testing.T) {
		outcome, err := MarkCouldNotBeSent(m, testContactBob)
		require.NoError(t, err)
		assert.Equal(t, OutcomeViolation, outcome)
		assert.False(t, m.Sent.Recipients[0].CouldNotBeSent)
	})

	t.Run("strict contracts panic", func(t *testing.T) {
		SetStrictContracts(true)
		defer SetStrictContracts(false)
		assert.Panics(t, func() { SetStatus(m, SentStatusSent) })
	})
}

func TestViolationHandler(t *testing.T) {
	var got []string
	SetViolationHandler(func(function string, err error) {
		got = append(got, function)
		assert.ErrorIs(t, err, ErrContractViolation)
	})
	defer SetViolationHandler(nil)

	received := newTestReceived(1)
	assert.Equal(t, OutcomeViolation, RefreshStatus(received))
	assert.Equal(t, []string{"RefreshStatus"}, got)
}

func TestMarkCouldNotBeSent(t *testing.T) {
	t.Run("flags a recipient without progress", func(t *testing.T) {
		m := newTestSent([]string{testContactBob, testContactCarol}, 0)
		outcome, err := MarkCouldNotBeSent(m, testContactBob)
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, outcome)
		assert.Equal(t, SentStatusCouldNotBeSent, m.Sent.Status)
	})

	t.Run("refuses a recipient with progress", func(t *testing.T) {
		m := newTestSent([]string{testContactBob}, 0)
		acceptAll(t, m, at(1))
		outcome, err := MarkCouldNotBeSent(m, testContactBob)
		require.NoError(t, err)
		assert.Equal(t, OutcomeViolation, outcome)
		assert.Equal(t, SentStatusSent, m.Sent.Status)
	})

	t.Run("sent clears the flag", func(t *testing.T) {
		m := newTestSent([]string{testContactBob}, 0)
		_, err := MarkCouldNotBeSent(m, testContactBob)
		require.NoError(t, err)
		_, err = SetTransportIdentifier(m, testContactBob, "tr-1", crypto.ReceiptKeyMaterial{})
		require.NoError(t, err)
		_, err = MessageWasSentNoLaterThan(m, "tr-1", at(2), false)
		require.NoError(t, err)
		assert.False(t, m.Sent.Recipients[0].CouldNotBeSent)
		assert.Equal(t, SentStatusSent, m.Sent.Status)
	})

	t.Run("unknown recipient", func(t *testing.T) {
		m := newTestSent([]string{testContactBob}, 0)
		_, err := MarkCouldNotBeSent(m, "nobody")
		assert.ErrorIs(t, err, ErrRecipientNotFound)
	})
}

func TestSharedTransportIdentifier(t *testing.T) {
	m := newTestSent([]string{testContactBob, testContactCarol}, 0)
	for _, r := range []string{testContactBob, testContactCarol} {
		_, err := SetTransportIdentifier(m, r, "shared", crypto.ReceiptKeyMaterial{})
		require.NoError(t, err)
	}
	assert.Equal(t, SentStatusProcessing, m.Sent.Status)

	outcome, err := MessageWasSentNoLaterThan(m, "shared", at(4), false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, SentStatusSent, m.Sent.Status)

	outcome, err = MessageWasSentNoLaterThan(m, "shared", at(9), false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoOp, outcome, "later timestamp never overrides")
	assert.Equal(t, at(4), *m.Sent.Recipients[1].MessageAcceptedAt)
}

func TestAttachmentUpload(t *testing.T) {
	m := newTestSent([]string{testContactBob}, 2)
	_, err := SetTransportIdentifier(m, testContactBob, "tr", crypto.ReceiptKeyMaterial{})
	require.NoError(t, err)
	_, err = MessageWasSentNoLaterThan(m, "tr", at(1), false)
	require.NoError(t, err)
	assert.Equal(t, SentStatusProcessing, m.Sent.Status, "attachments still uploading")

	_, err = MarkAttachmentUploaded(m, 0, AttachmentStatusComplete, at(2))
	require.NoError(t, err)
	assert.Equal(t, SentStatusProcessing, m.Sent.Status)

	_, err = MarkAttachmentUploaded(m, 1, AttachmentStatusComplete, at(3))
	require.NoError(t, err)
	assert.Equal(t, SentStatusSent, m.Sent.Status)
	assert.Equal(t, at(3), *m.Sent.Recipients[0].AllAttachmentsSentAt)

	_, err = MarkAttachmentUploaded(m, 7, AttachmentStatusComplete, at(3))
	assert.ErrorIs(t, err, ErrContractViolation)
}

func TestRemoveRecipient(t *testing.T) {
	m := newTestSent([]string{testContactBob, testContactCarol}, 0)
	acceptAll(t, m, at(1))
	m.Sent.Recipients[0].DeliveredNoLaterThan(at(2), false)
	RefreshStatus(m)
	assert.Equal(t, SentStatusPartiallyDeliveredNotRead, m.Sent.Status)

	outcome, err := RemoveRecipient(m, testContactCarol)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, SentStatusFullyDeliveredAndNotRead, m.Sent.Status)

	outcome, err = RemoveRecipient(m, testContactCarol)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoOp, outcome)
}

func TestConsolidateLegacyTimestamps(t *testing.T) {
	m := newTestSent([]string{testContactBob}, 0)
	ts := at(7)
	m.Sent.Recipients[0].TransportMessageID = "tr"
	m.Sent.Recipients[0].ReadAt = &ts

	assert.Equal(t, OutcomeApplied, ConsolidateLegacyTimestamps(m))
	ri := m.Sent.Recipients[0]
	require.NotNil(t, ri.DeliveredAt)
	require.NotNil(t, ri.AllAttachmentsSentAt)
	require.NotNil(t, ri.MessageAcceptedAt)
	assert.Equal(t, SentStatusFullyDeliveredAndFullyRead, m.Sent.Status)
	assert.Equal(t, OutcomeNoOp, ConsolidateLegacyTimestamps(m))
}

// Random receipt sequences never break the count chain and the final state
// does not depend on the order they were applied in.
func TestReceiptSequencesKeepCountsOrdered(t *testing.T) {
	type receipt struct {
		recipient int
		ts        time.Time
		read      bool
	}
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 50; round++ {
		var receipts []receipt
		for i := 0; i < 12; i++ {
			receipts = append(receipts, receipt{
				recipient: rng.Intn(3),
				ts:        at(rng.Intn(100)),
				read:      rng.Intn(2) == 0,
			})
		}

		apply := func(order []receipt) *Message {
			m := newTestSent([]string{testContactBob, testContactCarol, testContactDave}, 1)
			acceptAll(t, m, at(0))
			for _, r := range order {
				m.Sent.Recipients[r.recipient].DeliveredNoLaterThan(r.ts, r.read)
				RefreshStatus(m)
				require.True(t, CountRecipients(m.Sent.Recipients).Valid())
			}
			return m
		}

		forward := apply(receipts)
		reversed := make([]receipt, len(receipts))
		for i, r := range receipts {
			reversed[len(receipts)-1-i] = r
		}
		backward := apply(reversed)

		assert.Equal(t, forward.Sent.Status, backward.Sent.Status)
		for i := range forward.Sent.Recipients {
			f, b := forward.Sent.Recipients[i], backward.Sent.Recipients[i]
			assert.Equal(t, f.DeliveredAt, b.DeliveredAt)
			assert.Equal(t, f.ReadAt, b.ReadAt)
			assert.Equal(t, f.MessageAcceptedAt, b.MessageAcceptedAt)
		}
	}
}

func TestAggregateReception(t *testing.T) {
	infos := func(statuses ...AttachmentReceptionStatus) []RecipientInfo {
		var out []RecipientInfo
		for _, s := range statuses {
			out = append(out, RecipientInfo{Attachments: []AttachmentRecipientInfo{{Index: 0, Status: s}}})
		}
		return out
	}

	assert.Equal(t, AggregateReceptionFullyDeliveredAndFullyRead, AggregateReception(infos(AttachmentReceptionRead, AttachmentReceptionRead), 0))
	assert.Equal(t, AggregateReceptionFullyDeliveredAndPartiallyRead, AggregateReception(infos(AttachmentReceptionRead, AttachmentReceptionDelivered), 0))
	assert.Equal(t, AggregateReceptionFullyDeliveredAndNotRead, AggregateReception(infos(AttachmentReceptionDelivered, AttachmentReceptionDelivered), 0))
	assert.Equal(t, AggregateReceptionPartiallyDeliveredAndPartiallyRead, AggregateReception(infos(AttachmentReceptionRead, AttachmentReceptionComplete), 0))
	assert.Equal(t, AggregateReceptionPartiallyDeliveredNotRead, AggregateReception(infos(AttachmentReceptionDelivered, AttachmentReceptionComplete), 0))
	assert.Equal(t, AggregateReceptionNone, AggregateReception(infos(AttachmentReceptionComplete), 0))

	t.Run("aggregate never regresses", func(t *testing.T) {
		m := newTestSent([]string{testContactBob, testContactCarol}, 1)
		m.Sent.Recipients[0].Attachments[0].Status = AttachmentReceptionRead
		m.Sent.Recipients[1].Attachments[0].Status = AttachmentReceptionRead
		assert.True(t, RefreshAttachmentReception(m, 0))
		m.Sent.Recipients[1].Attachments[0].Status = AttachmentReceptionDelivered
		assert.False(t, RefreshAttachmentReception(m, 0))
		assert.Equal(t, AggregateReceptionFullyDeliveredAndFullyRead, m.Attachments[0].ReceptionStatus)
	})
}
