package msgcore

import (
	"time"

	"github.com/opd-ai/msgcore/config"
	"github.com/opd-ai/msgcore/crypto"
	"github.com/opd-ai/msgcore/retention"
)

// Options contains the settings of an Engine.
type Options struct {
	// OwnedIdentity is the identity of the local user. Messages whose sender
	// is this identity were sent from another owned device.
	OwnedIdentity string

	// Backend is config.BackendMemory or config.BackendPebble.
	Backend string
	DataDir string

	// StrictContracts makes contract violations panic instead of being
	// logged. Meant for tests and development builds.
	StrictContracts bool

	// ReceiptWorkers bounds the receipt decrypt workers; zero uses GOMAXPROCS.
	ReceiptWorkers int

	Retention retention.Config

	// TimeProvider overrides the clock, mostly for tests.
	TimeProvider crypto.TimeProvider
}

// NewOptions creates a new Options with default values.
func NewOptions() *Options {
	return &Options{
		Backend: config.BackendMemory,
		Retention: retention.Config{
			Cron:           retention.DefaultCron,
			PlaceholderTTL: retention.DefaultPlaceholderTTL,
			DeferredTTL:    retention.DefaultDeferredTTL,
		},
	}
}

// OptionsFromConfig converts loaded settings into Options. Unset retention
// values keep their defaults.
func OptionsFromConfig(cfg *config.Config) *Options {
	opts := NewOptions()
	if cfg == nil {
		return opts
	}
	opts.OwnedIdentity = cfg.OwnedIdentity
	if cfg.Backend != "" {
		opts.Backend = cfg.Backend
	}
	opts.DataDir = cfg.DataDir
	opts.StrictContracts = cfg.StrictContracts
	opts.ReceiptWorkers = cfg.ReceiptWorkers
	if cfg.Retention.Cron != "" {
		opts.Retention.Cron = cfg.Retention.Cron
	}
	if cfg.Retention.PlaceholderTTL > 0 {
		opts.Retention.PlaceholderTTL = time.Duration(cfg.Retention.PlaceholderTTL)
	}
	if cfg.Retention.DeferredTTL > 0 {
		opts.Retention.DeferredTTL = time.Duration(cfg.Retention.DeferredTTL)
	}
	return opts
}
