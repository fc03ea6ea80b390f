package msgcore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/msgcore/config"
	"github.com/opd-ai/msgcore/crypto"
	"github.com/opd-ai/msgcore/deferred"
	"github.com/opd-ai/msgcore/events"
	"github.com/opd-ai/msgcore/messaging"
	"github.com/opd-ai/msgcore/metrics"
	"github.com/opd-ai/msgcore/receipt"
	"github.com/opd-ai/msgcore/reply"
	"github.com/opd-ai/msgcore/retention"
	"github.com/opd-ai/msgcore/store"
)

var (
	// ErrNoOwnedIdentity is returned by New when Options.OwnedIdentity is empty.
	ErrNoOwnedIdentity = errors.New("owned identity is required")

	// ErrEngineClosed is returned by operations on a closed engine.
	ErrEngineClosed = errors.New("engine is closed")
)

// Engine is the message lifecycle engine of one owned identity.
type Engine struct {
	options *Options
	tp      crypto.TimeProvider

	store     *store.Store
	bus       *events.Bus
	metrics   *metrics.Metrics
	resolver  *reply.Resolver
	queue     *deferred.Queue
	receipts  *receipt.Processor
	sweeper   *retention.Sweeper
	applier   *remoteApplier
	ownedID   string
	closeOnce sync.Once

	mu          sync.Mutex
	stopSweeper context.CancelFunc
	closed      bool
}

// New creates an engine and opens its store.
func New(options *Options) (*Engine, error) {
	if options == nil {
		options = NewOptions()
	}
	if err := messaging.ValidateID(options.OwnedIdentity); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoOwnedIdentity, err)
	}

	backend, err := openBackend(options)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "New",
			"backend":  options.Backend,
			"data_dir": options.DataDir,
			"error":    err.Error(),
		}).Error("Failed to open store backend")
		return nil, err
	}

	tp := crypto.OrDefault(options.TimeProvider)
	m := metrics.New()
	e := &Engine{
		options:  options,
		tp:       tp,
		store:    store.New(backend, tp),
		bus:      events.NewBus(),
		metrics:  m,
		resolver: reply.NewResolver(tp, m),
		queue:    deferred.NewQueue(m),
		ownedID:  options.OwnedIdentity,
	}
	e.receipts = receipt.NewProcessor(e.store, m, options.ReceiptWorkers)
	e.sweeper = retention.NewSweeper(e.store, e.resolver, e.queue, tp, m, options.Retention)
	e.applier = &remoteApplier{e: e}

	e.store.OnCommit(func(evts []events.Event) {
		e.bus.Publish(evts...)
	})

	messaging.SetStrictContracts(options.StrictContracts)
	messaging.SetViolationHandler(func(function string, _ error) {
		m.ContractViolations.WithLabelValues(function).Inc()
	})

	logrus.WithFields(logrus.Fields{
		"function":       "New",
		"owned_identity": options.OwnedIdentity,
		"backend":        options.Backend,
	}).Info("Message engine created")
	return e, nil
}

func openBackend(options *Options) (store.Backend, error) {
	switch options.Backend {
	case "", config.BackendMemory:
		return store.OpenMemory()
	case config.BackendPebble:
		if options.DataDir == "" {
			return nil, fmt.Errorf("%w: pebble backend requires a data directory", config.ErrInvalidConfig)
		}
		return store.OpenPebble(options.DataDir)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", config.ErrInvalidConfig, options.Backend)
	}
}

// Start runs the retention sweeps on their schedule until Close or until
// ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if e.stopSweeper != nil {
		return nil
	}
	cancel, err := e.sweeper.Start(ctx)
	if err != nil {
		return err
	}
	e.stopSweeper = cancel
	return nil
}

// Close stops the retention sweeps, closes every subscription and the store.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		if e.stopSweeper != nil {
			e.stopSweeper()
			e.stopSweeper = nil
		}
		e.mu.Unlock()

		e.bus.Close()
		err = e.store.Close()
		messaging.SetViolationHandler(nil)

		logrus.WithFields(logrus.Fields{
			"function":       "Close",
			"owned_identity": e.ownedID,
		}).Info("Message engine closed")
	})
	return err
}

// Subscribe returns a subscription to the committed events of the given
// types, or to all events when none is given. A buffer of zero or less uses
// events.DefaultBuffer.
func (e *Engine) Subscribe(buffer int, types ...events.Type) *events.Subscription {
	return e.bus.Subscribe(buffer, types...)
}

// MetricsHandler serves the engine's metrics in the Prometheus format.
func (e *Engine) MetricsHandler() http.Handler {
	return e.metrics.Handler()
}

// Metrics returns the engine's collectors.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// OwnedIdentity returns the identity the engine acts for.
func (e *Engine) OwnedIdentity() string {
	return e.ownedID
}

func (e *Engine) update(ctx context.Context, fn func(tx *store.Tx) error) error {
	if e.isClosed() {
		return ErrEngineClosed
	}
	return e.store.Update(ctx, fn)
}

func (e *Engine) view(ctx context.Context, fn func(tx *store.Tx) error) error {
	if e.isClosed() {
		return ErrEngineClosed
	}
	return e.store.View(ctx, fn)
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
