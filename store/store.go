// Package store is the persistence layer of the message engine: a unit of
// work coordinator over an ordered key-value backend (Pebble, on disk or in
// memory) with typed queries for messages and their indexes.
//
// Every Update collects the events emitted by the code running inside it
// and hands them to the registered commit hooks once the backend committed.
// A failed unit of work publishes nothing.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/msgcore/crypto"
	"github.com/opd-ai/msgcore/events"
)

// CommitHook runs after a unit of work committed.
type CommitHook func(evts []events.Event)

// Store coordinates units of work.
type Store struct {
	backend Backend
	tp      crypto.TimeProvider

	hooksMu sync.RWMutex
	hooks   []CommitHook
}

// New wraps a backend.
func New(backend Backend, tp crypto.TimeProvider) *Store {
	return &Store{backend: backend, tp: crypto.OrDefault(tp)}
}

// OnCommit registers a hook that receives the events of every committed Update.
func (s *Store) OnCommit(hook CommitHook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// View runs fn in a read-only unit of work.
func (s *Store) View(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.backend.View(func(r Reader) error {
		return fn(&Tx{r: r, tp: s.tp})
	})
}

// Update runs fn in an exclusive read-write unit of work. The changes are
// committed only if fn returns nil.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var tx *Tx
	err := s.backend.Update(func(w Writer) error {
		tx = &Tx{r: w, w: w, tp: s.tp}
		return fn(tx)
	})
	if err != nil {
		return err
	}
	s.runHooks(tx.events)
	return nil
}

func (s *Store) runHooks(evts []events.Event) {
	if len(evts) == 0 {
		return
	}
	s.hooksMu.RLock()
	hooks := append([]CommitHook(nil), s.hooks...)
	s.hooksMu.RUnlock()

	for _, h := range hooks {
		h(evts)
	}
}

// Now returns the current time of the store's time provider.
func (s *Store) Now() time.Time {
	return s.tp.Now()
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Tx is one unit of work. It must not be used after the function it was
// passed to returned.
type Tx struct {
	r      Reader
	w      Writer
	tp     crypto.TimeProvider
	events []events.Event
}

// Writable reports whether the unit of work may write.
func (tx *Tx) Writable() bool {
	return tx.w != nil
}

// Emit queues an event for publication after commit.
func (tx *Tx) Emit(e events.Event) {
	if e.At.IsZero() {
		e.At = tx.tp.Now()
	}
	tx.events = append(tx.events, e)
}

// Events returns the events queued so far.
func (tx *Tx) Events() []events.Event {
	return tx.events
}

// GetJSON decodes the value under key into v. Returns ErrNotFound when absent.
func (tx *Tx) GetJSON(key []byte, v any) error {
	data, err := tx.r.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %q: %w", key, err)
	}
	return nil
}

// PutJSON encodes v under key.
func (tx *Tx) PutJSON(key []byte, v any) error {
	if tx.w == nil {
		return ErrReadOnly
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", key, err)
	}
	return tx.w.Set(key, data)
}

// Put stores a raw value.
func (tx *Tx) Put(key, value []byte) error {
	if tx.w == nil {
		return ErrReadOnly
	}
	return tx.w.Set(key, value)
}

// Get returns a raw value.
func (tx *Tx) Get(key []byte) ([]byte, error) {
	return tx.r.Get(key)
}

// Delete removes a key. Deleting a missing key is not an error.
func (tx *Tx) Delete(key []byte) error {
	if tx.w == nil {
		return ErrReadOnly
	}
	return tx.w.Delete(key)
}

// Scan visits every key with prefix in ascending order, or descending when
// reverse is set.
func (tx *Tx) Scan(prefix []byte, reverse bool, fn func(key, value []byte) (bool, error)) error {
	return tx.r.Range(prefix, PrefixEnd(prefix), reverse, fn)
}

// ScanRange visits the keys in [lower, upper).
func (tx *Tx) ScanRange(lower, upper []byte, reverse bool, fn func(key, value []byte) (bool, error)) error {
	return tx.r.Range(lower, upper, reverse, fn)
}

// first returns the first value in [lower, upper), or nil.
func (tx *Tx) first(lower, upper []byte, reverse bool) ([]byte, error) {
	var out []byte
	err := tx.r.Range(lower, upper, reverse, func(_, value []byte) (bool, error) {
		out = append([]byte(nil), value...)
		return false, nil
	})
	return out, err
}

// IsNotFound reports whether err means a missing key.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func logDecodeFailure(function string, key []byte, err error) {
	logrus.WithFields(logrus.Fields{
		"function": function,
		"key":      fmt.Sprintf("%q", key),
		"error":    err.Error(),
	}).Warn("Skipping undecodable record")
}
