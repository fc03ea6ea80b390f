// Package retention removes records whose lifetime ended: expired ephemeral
// messages, reply placeholders whose target never arrived, and deferred
// requests whose target never arrived. A cron expression drives the sweeps.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/msgcore/crypto"
	"github.com/opd-ai/msgcore/deferred"
	"github.com/opd-ai/msgcore/metrics"
	"github.com/opd-ai/msgcore/reply"
	"github.com/opd-ai/msgcore/store"
)

// Defaults.
const (
	DefaultCron           = "*/5 * * * *"
	DefaultPlaceholderTTL = 30 * 24 * time.Hour
	DefaultDeferredTTL    = 15 * 24 * time.Hour
)

// retryDelay is the pause after a failed next-tick computation.
const retryDelay = 30 * time.Second

// Config controls the sweeps. Zero values take the defaults.
type Config struct {
	Cron           string
	PlaceholderTTL time.Duration
	DeferredTTL    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Cron == "" {
		c.Cron = DefaultCron
	}
	if c.PlaceholderTTL <= 0 {
		c.PlaceholderTTL = DefaultPlaceholderTTL
	}
	if c.DeferredTTL <= 0 {
		c.DeferredTTL = DefaultDeferredTTL
	}
	return c
}

// Result counts what one sweep removed.
type Result struct {
	ExpiredMessages  int
	Placeholders     int
	DeferredRequests int
}

// Sweeper runs retention sweeps.
type Sweeper struct {
	store    *store.Store
	resolver *reply.Resolver
	queue    *deferred.Queue
	tp       crypto.TimeProvider
	metrics  *metrics.Metrics
	cfg      Config
}

// NewSweeper creates a Sweeper over the engine's components.
func NewSweeper(s *store.Store, r *reply.Resolver, q *deferred.Queue, tp crypto.TimeProvider, m *metrics.Metrics, cfg Config) *Sweeper {
	return &Sweeper{
		store:    s,
		resolver: r,
		queue:    q,
		tp:       crypto.OrDefault(tp),
		metrics:  metrics.OrNew(m),
		cfg:      cfg.withDefaults(),
	}
}

// RunOnce performs one sweep in a single unit of work.
func (sw *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	now := sw.tp.Now()

	err := sw.store.Update(ctx, func(tx *store.Tx) error {
		due, err := tx.DueExpirations(now)
		if err != nil {
			return err
		}
		expired := map[string]bool{}
		for _, e := range due {
			if expired[e.MessageID] {
				continue
			}
			expired[e.MessageID] = true
			deleted, err := tx.DeleteMessage(e.MessageID, "expired:"+e.Kind.String())
			if err != nil {
				return err
			}
			if err := sw.resolver.DropFor(tx, e.MessageID); err != nil {
				return err
			}
			if deleted == nil {
				// Orphan record for a message deleted by other means.
				if err := tx.DeleteExpirations(e.MessageID); err != nil {
					return err
				}
				continue
			}
			res.ExpiredMessages++
		}

		if res.Placeholders, err = sw.resolver.PurgeOlderThan(tx, now.Add(-sw.cfg.PlaceholderTTL)); err != nil {
			return err
		}
		res.DeferredRequests, err = sw.queue.PurgeOlderThan(tx, now.Add(-sw.cfg.DeferredTTL))
		return err
	})
	if err != nil {
		return Result{}, err
	}

	sw.metrics.RetentionPurged.WithLabelValues("message").Add(float64(res.ExpiredMessages))
	sw.metrics.RetentionPurged.WithLabelValues("placeholder").Add(float64(res.Placeholders))
	sw.metrics.RetentionPurged.WithLabelValues("deferred_request").Add(float64(res.DeferredRequests))

	logrus.WithFields(logrus.Fields{
		"function":          "RunOnce",
		"expired_messages":  res.ExpiredMessages,
		"placeholders":      res.Placeholders,
		"deferred_requests": res.DeferredRequests,
	}).Debug("Retention sweep finished")
	return res, nil
}

// Start validates the cron expression and runs sweeps on its schedule until
// ctx is cancelled or the returned cancel func is called.
func (sw *Sweeper) Start(ctx context.Context) (context.CancelFunc, error) {
	if !gronx.IsValid(sw.cfg.Cron) {
		logrus.WithFields(logrus.Fields{
			"function": "Start",
			"cron":     sw.cfg.Cron,
		}).Error("Invalid retention cron expression")
		return nil, fmt.Errorf("invalid retention cron expression: %s", sw.cfg.Cron)
	}

	ctx, cancel := context.WithCancel(ctx)
	go sw.runScheduler(ctx)

	logrus.WithFields(logrus.Fields{
		"function":        "Start",
		"cron":            sw.cfg.Cron,
		"placeholder_ttl": sw.cfg.PlaceholderTTL.String(),
		"deferred_ttl":    sw.cfg.DeferredTTL.String(),
	}).Info("Retention scheduler started")
	return cancel, nil
}

func (sw *Sweeper) runScheduler(ctx context.Context) {
	for {
		now := sw.tp.Now().UTC()
		next, err := gronx.NextTickAfter(sw.cfg.Cron, now, false)
		wait := retryDelay
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "runScheduler",
				"cron":     sw.cfg.Cron,
				"error":    err.Error(),
			}).Error("Failed to compute next retention tick")
		} else {
			wait = next.Sub(now)
		}

		select {
		case <-ctx.Done():
			logrus.WithField("function", "runScheduler").Info("Retention scheduler stopping")
			return
		case <-time.After(wait):
		}

		if err != nil {
			continue
		}
		if _, err := sw.RunOnce(ctx); err != nil && ctx.Err() == nil {
			logrus.WithFields(logrus.Fields{
				"function": "runScheduler",
				"error":    err.Error(),
			}).Error("Retention sweep failed")
		}
	}
}
