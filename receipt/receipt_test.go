package receipt

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/msgcore/crypto"
	"github.com/opd-ai/msgcore/messaging"
	"github.com/opd-ai/msgcore/metrics"
	"github.com/opd-ai/msgcore/store"
)

var (
	testEpoch  = time.Date(2024, 8, 1, 9, 0, 0, 0, time.UTC)
	testThread = uuid.MustParse("e1e1e1e1-0000-4000-8000-000000000001")
)

func at(seconds int) time.Time {
	return testEpoch.Add(time.Duration(seconds) * time.Second)
}

type fixture struct {
	store     *store.Store
	metrics   *metrics.Metrics
	processor *Processor
	keys      map[string]crypto.ReceiptKeyMaterial
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend, err := store.OpenMemory()
	require.NoError(t, err)
	s := store.New(backend, crypto.NewManualTimeProvider(testEpoch))
	t.Cleanup(func() { _ = s.Close() })
	m := metrics.New()
	return &fixture{store: s, metrics: m, processor: NewProcessor(s, m, 4), keys: map[string]crypto.ReceiptKeyMaterial{}}
}

// sendMessage stores a sent message whose recipients were all accepted by
// the transport at second 1. Recipients listed in shared use the same
// transport identifier.
func (f *fixture) sendMessage(t *testing.T, id string, recipients []string, attachments int, shared ...string) {
	t.Helper()
	m := &messaging.Message{
		ID:             id,
		DiscussionID:   "d1",
		Kind:           messaging.KindSent,
		SenderID:       "alice",
		SenderThreadID: testThread,
		Timestamp:      testEpoch,
		Sent:           &messaging.SentPart{},
	}
	for i := 0; i < attachments; i++ {
		m.Attachments = append(m.Attachments, messaging.Attachment{Index: i, Status: messaging.AttachmentStatusComplete})
	}
	for _, r := range recipients {
		ri := messaging.RecipientInfo{RecipientID: r}
		for i := 0; i < attachments; i++ {
			ri.Attachments = append(ri.Attachments, messaging.AttachmentRecipientInfo{Index: i, Status: messaging.AttachmentReceptionComplete})
		}
		m.Sent.Recipients = append(m.Sent.Recipients, ri)
	}
	isShared := map[string]bool{}
	for _, r := range shared {
		isShared[r] = true
	}
	for _, r := range recipients {
		km, err := crypto.NewReceiptKeyMaterial()
		require.NoError(t, err)
		f.keys[id+"/"+r] = km
		transportID := "tr-" + r
		if isShared[r] {
			transportID = "tr-shared"
		}
		_, err = messaging.SetTransportIdentifier(m, r, transportID, km)
		require.NoError(t, err)
		if !isShared[r] || r == shared[0] {
			_, err = messaging.MessageWasSentNoLaterThan(m, transportID, at(1), true)
			require.NoError(t, err)
		}
	}
	require.NoError(t, f.store.Update(context.Background(), func(tx *store.Tx) error { return tx.PutMessage(m) }))
}

func (f *fixture) seal(t *testing.T, messageID, recipient string, status Status, ts time.Time, attachment ...int) EncryptedReceipt {
	t.Helper()
	var index *int
	if len(attachment) > 0 {
		index = &attachment[0]
	}
	er, err := Seal(f.keys[messageID+"/"+recipient], recipient, status, index, ts)
	require.NoError(t, err)
	return er
}

func (f *fixture) message(t *testing.T, id string) *messaging.Message {
	t.Helper()
	var m *messaging.Message
	require.NoError(t, f.store.View(context.Background(), func(tx *store.Tx) error {
		var err error
		m, err = tx.GetMessage(id)
		return err
	}))
	return m
}

func recipient(t *testing.T, m *messaging.Message, id string) *messaging.RecipientInfo {
	t.Helper()
	ri, err := messaging.FindRecipient(m, id)
	require.NoError(t, err)
	return ri
}

func TestReceiptsDriveSentStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sendMessage(t, "m1", []string{"bob", "carol", "dave"}, 0)
	assert.Equal(t, messaging.SentStatusSent, f.message(t, "m1").Sent.Status)

	reports := f.processor.ProcessBatch(ctx, []EncryptedReceipt{
		f.seal(t, "m1", "bob", StatusDelivered, at(10)),
		f.seal(t, "m1", "carol", StatusDelivered, at(11)),
	})
	for _, r := range reports {
		require.NoError(t, r.Err)
		assert.Equal(t, messaging.OutcomeApplied, r.Outcome)
	}
	m := f.message(t, "m1")
	counts := messaging.CountRecipients(m.Sent.Recipients)
	assert.Equal(t, 3, counts.Sent)
	assert.Equal(t, 2, counts.Delivered)
	assert.Equal(t, 0, counts.Read)
	assert.Equal(t, messaging.SentStatusPartiallyDeliveredNotRead, m.Sent.Status)

	reports = f.processor.ProcessBatch(ctx, []EncryptedReceipt{
		f.seal(t, "m1", "bob", StatusRead, at(20)),
		f.seal(t, "m1", "carol", StatusRead, at(21)),
		f.seal(t, "m1", "dave", StatusRead, at(22)),
	})
	for _, r := range reports {
		require.NoError(t, r.Err)
	}
	m = f.message(t, "m1")
	assert.Equal(t, messaging.SentStatusFullyDeliveredAndFullyRead, m.Sent.Status)
	assert.True(t, messaging.CountRecipients(m.Sent.Recipients).Valid())
	assert.Equal(t, at(22), *recipient(t, m, "dave").DeliveredAt, "read implies delivered")
	assert.Equal(t, 5.0, testutil.ToFloat64(f.metrics.ReceiptsProcessed.WithLabelValues("applied")))
}

func TestApplyHintsIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sendMessage(t, "m1", []string{"bob", "carol"}, 0)

	var hints Hints
	require.NoError(t, f.store.View(ctx, func(tx *store.Tx) error {
		r, err := f.processor.Decrypt(tx, f.seal(t, "m1", "bob", StatusRead, at(5)))
		if err != nil {
			return err
		}
		hints, err = f.processor.ComputeHints(tx, r)
		return err
	}))
	assert.True(t, hints.RequiresProcessing)
	assert.True(t, hints.MarkDelivered)
	assert.Equal(t, messaging.SentStatusPartiallyDeliveredAndPartiallyRead, hints.NewStatus)

	apply := func() messaging.Outcome {
		var out messaging.Outcome
		require.NoError(t, f.store.Update(ctx, func(tx *store.Tx) error {
			var err error
			out, err = f.processor.ApplyHints(tx, hints)
			return err
		}))
		return out
	}
	assert.Equal(t, messaging.OutcomeApplied, apply())
	once := f.message(t, "m1")
	assert.Equal(t, messaging.OutcomeNoOp, apply())
	assert.Equal(t, once, f.message(t, "m1"))
}

func TestReceiptsCommute(t *testing.T) {
	final := func(order []int) *messaging.Message {
		f := newFixture(t)
		f.sendMessage(t, "m1", []string{"bob"}, 0)
		receipts := []EncryptedReceipt{
			f.seal(t, "m1", "bob", StatusDelivered, at(30)),
			f.seal(t, "m1", "bob", StatusRead, at(40)),
			f.seal(t, "m1", "bob", StatusDelivered, at(20)),
		}
		for _, i := range order {
			report := f.processor.Process(context.Background(), receipts[i])
			require.NoError(t, report.Err)
		}
		return f.message(t, "m1")
	}

	a := final([]int{0, 1, 2})
	b := final([]int{2, 1, 0})
	c := final([]int{1, 2, 0})
	for _, m := range []*messaging.Message{b, c} {
		ra, rm := recipient(t, a, "bob"), recipient(t, m, "bob")
		assert.Equal(t, ra.DeliveredAt, rm.DeliveredAt)
		assert.Equal(t, ra.ReadAt, rm.ReadAt)
		assert.Equal(t, a.Sent.Status, m.Sent.Status)
	}
	assert.Equal(t, at(20), *recipient(t, a, "bob").DeliveredAt)
	assert.Equal(t, at(40), *recipient(t, a, "bob").ReadAt)
}

func TestStaleHintsReapplyNoLaterThan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sendMessage(t, "m1", []string{"bob"}, 0)

	var stale Hints
	require.NoError(t, f.store.View(ctx, func(tx *store.Tx) error {
		r, err := f.processor.Decrypt(tx, f.seal(t, "m1", "bob", StatusDelivered, at(50)))
		if err != nil {
			return err
		}
		stale, err = f.processor.ComputeHints(tx, r)
		return err
	}))

	require.NoError(t, f.processor.Process(ctx, f.seal(t, "m1", "bob", StatusDelivered, at(30))).Err)

	require.NoError(t, f.store.Update(ctx, func(tx *store.Tx) error {
		out, err := f.processor.ApplyHints(tx, stale)
		assert.Equal(t, messaging.OutcomeNoOp, out)
		return err
	}))
	assert.Equal(t, at(30), *recipient(t, f.message(t, "m1"), "bob").DeliveredAt)
}

func TestSharedTransportIdentifier(t *testing.T) {
	f := newFixture(t)
	// carol and dave share one transport message; only carol's copy was
	// confirmed sent.
	f.sendMessage(t, "m1", []string{"bob", "carol", "dave"}, 0, "carol", "dave")
	require.Nil(t, recipient(t, f.message(t, "m1"), "dave").MessageAcceptedAt)

	require.NoError(t, f.processor.Process(context.Background(), f.seal(t, "m1", "carol", StatusDelivered, at(9))).Err)
	m := f.message(t, "m1")
	assert.NotNil(t, recipient(t, m, "dave").AllAttachmentsSentAt)
	assert.Nil(t, recipient(t, m, "dave").DeliveredAt)
}

func TestAttachmentReceipts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sendMessage(t, "m1", []string{"bob", "carol"}, 2)

	require.NoError(t, f.processor.Process(ctx, f.seal(t, "m1", "bob", StatusDelivered, at(5), 1)).Err)
	m := f.message(t, "m1")
	a, _ := m.Attachment(1)
	assert.Equal(t, messaging.AggregateReceptionPartiallyDeliveredNotRead, a.ReceptionStatus)
	a0, _ := m.Attachment(0)
	assert.Equal(t, messaging.AggregateReceptionNone, a0.ReceptionStatus)

	require.NoError(t, f.processor.Process(ctx, f.seal(t, "m1", "carol", StatusRead, at(6), 1)).Err)
	require.NoError(t, f.processor.Process(ctx, f.seal(t, "m1", "bob", StatusRead, at(7), 1)).Err)
	a, _ = f.message(t, "m1").Attachment(1)
	assert.Equal(t, messaging.AggregateReceptionFullyDeliveredAndFullyRead, a.ReceptionStatus)

	t.Run("older attachment receipt never regresses", func(t *testing.T) {
		report := f.processor.Process(ctx, f.seal(t, "m1", "bob", StatusDelivered, at(3), 1))
		require.NoError(t, report.Err)
		assert.Equal(t, messaging.OutcomeNoOp, report.Outcome)
	})
}

func TestBadReceiptsDoNotAbortBatch(t *testing.T) {
	f := newFixture(t)
	f.sendMessage(t, "m1", []string{"bob"}, 0)

	good := f.seal(t, "m1", "bob", StatusDelivered, at(5))

	wrongKey := good
	other, err := crypto.NewReceiptKeyMaterial()
	require.NoError(t, err)
	forged, err := Seal(crypto.ReceiptKeyMaterial{Nonce: good.Nonce, Key: other.Key}, "bob", StatusRead, nil, at(6))
	require.NoError(t, err)
	wrongKey.Sealed = forged.Sealed

	badStatus, err := crypto.SealReceipt([]byte(`{"status":7}`), f.keys["m1/bob"].Key)
	require.NoError(t, err)
	malformed := good
	malformed.Sealed = badStatus

	empty := good
	empty.Sealed = nil

	reports := f.processor.ProcessBatch(context.Background(), []EncryptedReceipt{wrongKey, malformed, good, empty})
	require.Len(t, reports, 4)
	assert.ErrorIs(t, reports[0].Err, ErrUnknownNonce)
	assert.ErrorIs(t, reports[1].Err, ErrMalformedReceipt)
	require.NoError(t, reports[2].Err)
	assert.Equal(t, messaging.OutcomeApplied, reports[2].Outcome)
	assert.ErrorIs(t, reports[3].Err, ErrMalformedReceipt)

	ri := recipient(t, f.message(t, "m1"), "bob")
	assert.Nil(t, ri.ReadAt)
	assert.Equal(t, at(5), *ri.DeliveredAt)
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.ReceiptsProcessed.WithLabelValues("discarded")))
}

func TestReceiptForDeletedMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sendMessage(t, "m1", []string{"bob"}, 0)
	er := f.seal(t, "m1", "bob", StatusDelivered, at(5))

	var hints Hints
	require.NoError(t, f.store.View(ctx, func(tx *store.Tx) error {
		r, err := f.processor.Decrypt(tx, er)
		if err != nil {
			return err
		}
		hints, err = f.processor.ComputeHints(tx, r)
		return err
	}))
	require.NoError(t, f.store.Update(ctx, func(tx *store.Tx) error {
		_, err := tx.DeleteMessage("m1", "test")
		return err
	}))
	require.NoError(t, f.store.Update(ctx, func(tx *store.Tx) error {
		out, err := f.processor.ApplyHints(tx, hints)
		assert.Equal(t, messaging.OutcomeNoOp, out)
		return err
	}))

	assert.ErrorIs(t, f.processor.Process(ctx, er).Err, ErrUnknownNonce)
}

func TestSealValidation(t *testing.T) {
	_, err := Seal(crypto.ReceiptKeyMaterial{}, "bob", StatusRead, nil, at(1))
	assert.ErrorIs(t, err, ErrMalformedReceipt)

	km, err := crypto.NewReceiptKeyMaterial()
	require.NoError(t, err)
	_, err = Seal(km, "bob", Status(9), nil, at(1))
	assert.ErrorIs(t, err, ErrMalformedReceipt)
}
