package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotFound is returned by Get when a key does not exist
	ErrNotFound = errors.New("key not found")
	// ErrReadOnly is returned when writing inside a View
	ErrReadOnly = errors.New("read-only unit of work")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("store closed")
)

// Reader is the read side of a unit of work.
type Reader interface {
	// Get returns a copy of the value stored under key, or ErrNotFound.
	Get(key []byte) ([]byte, error)
	// Range visits the keys in [lower, upper) in ascending order, or
	// descending when reverse is set. A nil upper means no upper bound.
	// Key and value are only valid during the callback. Returning false
	// stops the iteration.
	Range(lower, upper []byte, reverse bool, fn func(key, value []byte) (bool, error)) error
}

// Writer is the read-write side of a unit of work.
type Writer interface {
	Reader
	Set(key, value []byte) error
	Delete(key []byte) error
}

// Backend is an ordered key-value store with serializable units of work.
type Backend interface {
	View(fn func(r Reader) error) error
	Update(fn func(w Writer) error) error
	Close() error
}

// PebbleBackend stores data in a Pebble database. Updates are serialized
// through a single writer; views read from a snapshot and run concurrently.
type PebbleBackend struct {
	db     *pebble.DB
	wmu    sync.Mutex
	closed atomic.Bool
}

// OpenPebble opens (or creates) a Pebble database in dir.
func OpenPebble(dir string) (*PebbleBackend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return openPebble(dir, &pebble.Options{})
}

// OpenMemory opens a Pebble database backed by an in-memory filesystem.
// Nothing survives Close.
func OpenMemory() (*PebbleBackend, error) {
	return openPebble("", &pebble.Options{FS: vfs.NewMem()})
}

func openPebble(dir string, opts *pebble.Options) (*PebbleBackend, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "openPebble",
			"path":     dir,
			"error":    err.Error(),
		}).Error("Failed to open pebble database")
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"function":  "openPebble",
		"path":      dir,
		"in_memory": opts.FS != nil,
	}).Info("Pebble database opened")
	return &PebbleBackend{db: db}, nil
}

// View runs fn against a consistent snapshot.
func (p *PebbleBackend) View(fn func(r Reader) error) error {
	if p.closed.Load() {
		return ErrClosed
	}
	snap := p.db.NewSnapshot()
	defer snap.Close()
	return fn(pebbleReader{r: snap})
}

// Update runs fn in an indexed batch and commits it when fn succeeds.
func (p *PebbleBackend) Update(fn func(w Writer) error) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if p.closed.Load() {
		return ErrClosed
	}

	batch := p.db.NewIndexedBatch()
	defer batch.Close()

	if err := fn(pebbleWriter{pebbleReader: pebbleReader{r: batch}, b: batch}); err != nil {
		return err
	}
	if batch.Empty() {
		return nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// Close flushes and closes the database.
func (p *PebbleBackend) Close() error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.db.Close()
}

type pebbleSource interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

type pebbleReader struct {
	r pebbleSource
}

func (r pebbleReader) Get(key []byte) ([]byte, error) {
	v, closer, err := r.r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (r pebbleReader) Range(lower, upper []byte, reverse bool, fn func(key, value []byte) (bool, error)) error {
	iter, err := r.r.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer iter.Close()

	var ok bool
	if reverse {
		ok = iter.Last()
	} else {
		ok = iter.First()
	}
	for ; ok; ok = step(iter, reverse) {
		more, err := fn(iter.Key(), iter.Value())
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return iter.Error()
}

func step(iter *pebble.Iterator, reverse bool) bool {
	if reverse {
		return iter.Prev()
	}
	return iter.Next()
}

type pebbleWriter struct {
	pebbleReader
	b *pebble.Batch
}

func (w pebbleWriter) Set(key, value []byte) error {
	return w.b.Set(key, value, nil)
}

func (w pebbleWriter) Delete(key []byte) error {
	return w.b.Delete(key, nil)
}
