// Package events is the notification side of the message engine. The store
// collects events while a unit of work runs and publishes them on a Bus once
// the unit of work committed; subscribers own their Subscription handles and
// close them when done.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Type names an event.
type Type string

const (
	MessageCreated             Type = "message.created"
	MessageUpdated             Type = "message.updated"
	MessageDeleted             Type = "message.deleted"
	SentStatusChanged          Type = "message.sent_status"
	ReceivedStatusChanged      Type = "message.received_status"
	AttachmentReceptionChanged Type = "message.attachment_reception"
	ReplyResolved              Type = "reply.resolved"
	DeferredRequestApplied     Type = "deferred.applied"
	DiscussionCountsChanged    Type = "discussion.counts"
)

// Event is one committed change.
type Event struct {
	Type         Type      `json:"type"`
	DiscussionID string    `json:"discussion_id,omitempty"`
	MessageID    string    `json:"message_id,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	At           time.Time `json:"at"`
}

// DefaultBuffer is the subscription buffer used when none is given.
const DefaultBuffer = 64

// Subscription receives events matching its filter. Events are dropped when
// the buffer is full; the subscriber is never allowed to block publishers.
type Subscription struct {
	bus     *Bus
	id      uint64
	ch      chan Event
	filter  map[Type]struct{}
	dropped atomic.Uint64
	once    sync.Once
}

// C returns the event channel. It is closed by Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped returns how many events were dropped for this subscriber.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s.id)
		close(s.ch)
	})
}

func (s *Subscription) wants(t Type) bool {
	if len(s.filter) == 0 {
		return true
	}
	_, ok := s.filter[t]
	return ok
}

// Bus fans events out to subscriptions.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a subscriber for the given types, or for every type
// when none is given.
func (b *Bus) Subscribe(buffer int, types ...Type) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &Subscription{
		bus: b,
		ch:  make(chan Event, buffer),
	}
	if len(types) > 0 {
		s.filter = make(map[Type]struct{}, len(types))
		for _, t := range types {
			s.filter[t] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		s.once.Do(func() {})
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	return s
}

// Publish delivers events to every matching subscriber without blocking.
func (b *Bus) Publish(evts ...Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, e := range evts {
		for _, s := range b.subs {
			if !s.wants(e.Type) {
				continue
			}
			select {
			case s.ch <- e:
			default:
				if s.dropped.Add(1) == 1 {
					logrus.WithFields(logrus.Fields{
						"function":        "Publish",
						"subscription_id": s.id,
						"event_type":      string(e.Type),
					}).Warn("Subscriber buffer full, dropping events")
				}
			}
		}
	}
}

// Close closes every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}
