package receipt

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/msgcore/crypto"
	"github.com/opd-ai/msgcore/events"
	"github.com/opd-ai/msgcore/messaging"
	"github.com/opd-ai/msgcore/metrics"
	"github.com/opd-ai/msgcore/store"
)

// Report is the result of processing one receipt of a batch.
type Report struct {
	Index     int
	MessageID string
	Outcome   messaging.Outcome
	Err       error
}

// Processor decrypts and applies return receipts.
type Processor struct {
	store   *store.Store
	metrics *metrics.Metrics
	workers int
}

// NewProcessor creates a Processor. workers bounds the number of concurrent
// decrypt workers; zero or less uses GOMAXPROCS.
func NewProcessor(s *store.Store, m *metrics.Metrics, workers int) *Processor {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Processor{store: s, metrics: metrics.OrNew(m), workers: workers}
}

// Decrypt finds the recipient info the receipt was sealed for. Every
// recipient registered under the nonce is a candidate; the first key that
// opens the receipt wins.
func (p *Processor) Decrypt(tx *store.Tx, er EncryptedReceipt) (Receipt, error) {
	if err := validate(er); err != nil {
		return Receipt{}, err
	}
	matches, err := tx.RecipientsByNonce(er.Nonce)
	if err != nil {
		return Receipt{}, err
	}

	for _, match := range matches {
		if match.RecipientID != er.ContactID {
			continue
		}
		m, err := tx.GetMessage(match.MessageID)
		if errors.Is(err, messaging.ErrMessageNotFound) {
			continue
		}
		if err != nil {
			return Receipt{}, err
		}
		ri, err := messaging.FindRecipient(m, match.RecipientID)
		if err != nil || ri.ReturnReceiptKey.Nonce != er.Nonce {
			continue
		}
		pl, err := open(er, ri.ReturnReceiptKey.Key)
		if errors.Is(err, ErrMalformedReceipt) {
			return Receipt{}, err
		}
		if err != nil {
			continue
		}
		return Receipt{
			MessageID:       m.ID,
			RecipientID:     ri.RecipientID,
			Status:          pl.Status,
			AttachmentIndex: pl.AttachmentIndex,
			Timestamp:       er.Timestamp,
		}, nil
	}
	crypto.NewPackageLogger("receipt", "Decrypt").
		WithField("contact_id", er.ContactID).
		WithField("candidates", len(matches)).
		WithFields(crypto.SecureFieldHash(er.Sealed, "sealed")).
		Debug("No recipient key opens the receipt")
	return Receipt{}, fmt.Errorf("nonce %s from %s: %w", er.Nonce, er.ContactID, ErrUnknownNonce)
}

// ComputeHints works out the effect of r on a copy of the current message.
// It never writes.
func (p *Processor) ComputeHints(tx *store.Tx, r Receipt) (Hints, error) {
	m, err := tx.GetMessage(r.MessageID)
	if err != nil {
		return Hints{}, err
	}
	return applyTo(m.Clone(), hintsFor(r))
}

func hintsFor(r Receipt) Hints {
	return Hints{
		MessageID:       r.MessageID,
		RecipientID:     r.RecipientID,
		Timestamp:       r.Timestamp,
		Read:            r.Status == StatusRead,
		AttachmentIndex: r.AttachmentIndex,
	}
}

// ApplyHints applies h to the current state of its message. The message is
// re-fetched by id, so hints computed against an older snapshot are safe to
// apply. A message deleted in between is a no-op.
func (p *Processor) ApplyHints(tx *store.Tx, h Hints) (messaging.Outcome, error) {
	if !h.RequiresProcessing {
		return messaging.OutcomeNoOp, nil
	}
	m, err := tx.GetMessage(h.MessageID)
	if errors.Is(err, messaging.ErrMessageNotFound) {
		return messaging.OutcomeNoOp, nil
	}
	if err != nil {
		return messaging.OutcomeNoOp, err
	}
	if m.Kind != messaging.KindSent || m.Sent == nil {
		logrus.WithFields(logrus.Fields{
			"function":   "ApplyHints",
			"message_id": h.MessageID,
			"kind":       m.Kind.String(),
		}).Warn("Receipt hints resolve to a message that is not sent, ignoring")
		return messaging.OutcomeNoOp, nil
	}
	oldStatus := m.Sent.Status

	applied, err := applyTo(m, h)
	if err != nil {
		return messaging.OutcomeNoOp, err
	}
	if !applied.RequiresProcessing {
		return messaging.OutcomeNoOp, nil
	}
	if err := tx.PutMessage(m); err != nil {
		return messaging.OutcomeNoOp, err
	}

	tx.Emit(events.Event{Type: events.MessageUpdated, DiscussionID: m.DiscussionID, MessageID: m.ID})
	if applied.NewStatus != oldStatus {
		tx.Emit(events.Event{
			Type:         events.SentStatusChanged,
			DiscussionID: m.DiscussionID,
			MessageID:    m.ID,
			Detail:       applied.NewStatus.String(),
		})
		p.metrics.StatusTransitions.WithLabelValues(applied.NewStatus.String()).Inc()
	}
	for index, agg := range applied.AttachmentAggregates {
		tx.Emit(events.Event{
			Type:         events.AttachmentReceptionChanged,
			DiscussionID: m.DiscussionID,
			MessageID:    m.ID,
			Detail:       fmt.Sprintf("%d:%s", index, agg),
		})
	}
	return messaging.OutcomeApplied, nil
}

// Process decrypts, computes and applies one receipt.
func (p *Processor) Process(ctx context.Context, er EncryptedReceipt) Report {
	reports := p.ProcessBatch(ctx, []EncryptedReceipt{er})
	return reports[0]
}

type computed struct {
	index int
	hints Hints
	err   error
}

// ProcessBatch processes receipts with a pool of decrypt workers feeding a
// single applier. One bad receipt never aborts the batch; the returned
// reports are indexed like receipts.
func (p *Processor) ProcessBatch(ctx context.Context, receipts []EncryptedReceipt) []Report {
	start := p.store.Now()
	reports := make([]Report, len(receipts))
	if len(receipts) == 0 {
		return reports
	}

	jobs := make(chan int)
	results := make(chan computed, p.workers)

	var wg sync.WaitGroup
	for w := 0; w < p.workers && w < len(receipts); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results <- p.compute(ctx, i, receipts[i])
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i := range receipts {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	seen := make([]bool, len(receipts))
	for c := range results {
		seen[c.index] = true
		reports[c.index] = p.apply(ctx, c)
	}
	for i := range reports {
		if !seen[i] {
			reports[i] = Report{Index: i, Outcome: messaging.OutcomeNoOp, Err: ctx.Err()}
			p.metrics.ReceiptsProcessed.WithLabelValues("cancelled").Inc()
		}
	}

	p.metrics.ReceiptBatchSeconds.Observe(p.store.Now().Sub(start).Seconds())
	return reports
}

func (p *Processor) compute(ctx context.Context, index int, er EncryptedReceipt) computed {
	c := computed{index: index}
	c.err = p.store.View(ctx, func(tx *store.Tx) error {
		r, err := p.Decrypt(tx, er)
		if err != nil {
			return err
		}
		c.hints, err = p.ComputeHints(tx, r)
		return err
	})
	return c
}

func (p *Processor) apply(ctx context.Context, c computed) Report {
	report := Report{Index: c.index, MessageID: c.hints.MessageID, Err: c.err}
	if c.err == nil {
		c.err = p.store.Update(ctx, func(tx *store.Tx) error {
			var err error
			report.Outcome, err = p.ApplyHints(tx, c.hints)
			return err
		})
		report.Err = c.err
	}

	result := report.Outcome.String()
	if report.Err != nil {
		result = "failed"
		if errors.Is(report.Err, ErrMalformedReceipt) || errors.Is(report.Err, ErrUnknownNonce) {
			result = "discarded"
		}
		crypto.NewPackageLogger("receipt", "ProcessBatch").
			WithField("index", c.index).
			WithField("message_id", c.hints.MessageID).
			WithError(report.Err, fmt.Sprintf("%T", report.Err), "apply receipt").
			Warn("Return receipt not applied")
	} else {
		logrus.WithFields(logrus.Fields{
			"function":   "ProcessBatch",
			"message_id": report.MessageID,
			"outcome":    result,
		}).Debug("Return receipt processed")
	}
	p.metrics.ReceiptsProcessed.WithLabelValues(result).Inc()
	return report
}
