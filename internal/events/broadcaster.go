// Package events fans document changes out to connected observers.
package events

import (
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fruitsalade/vault/internal/metrics"
)

// Event types.
const (
	EventCreated = "created"
	EventUpdated = "updated"
	EventDeleted = "deleted"
)

// Wildcard membership receives events for every collection.
const Wildcard = "*"

// DefaultBuffer is the per-observer channel capacity.
const DefaultBuffer = 64

// ErrUnknownObserver is returned for membership changes on an ID that is not
// connected.
var ErrUnknownObserver = errors.New("unknown observer")

// Event is a single change notification. Path is the virtual path of the
// affected entry; OldPath is set only for moves.
type Event struct {
	Collection string `json:"collection"`
	Type       string `json:"type"`
	Path       string `json:"path"`
	OldPath    string `json:"old_path,omitempty"`
	IsDir      bool   `json:"is_dir"`
	Timestamp  int64  `json:"timestamp"`
}

// Observer is one connected consumer.
type Observer struct {
	id     string
	events chan Event

	mu          sync.Mutex
	collections map[string]struct{}
}

// ID returns the observer's opaque identifier.
func (o *Observer) ID() string { return o.id }

// Events returns the receive side of the observer's buffer. It is closed on
// disconnect.
func (o *Observer) Events() <-chan Event { return o.events }

// Collections returns the current membership, sorted.
func (o *Observer) Collections() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.collections))
	for c := range o.collections {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

func (o *Observer) wants(collection string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.collections[Wildcard]; ok {
		return true
	}
	_, ok := o.collections[collection]
	return ok
}

// Broadcaster manages observers and publishes events.
type Broadcaster struct {
	buffer int

	mu        sync.RWMutex
	observers map[string]*Observer
	closed    bool
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithBuffer sets the per-observer channel capacity.
func WithBuffer(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		buffer:    DefaultBuffer,
		observers: make(map[string]*Observer),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Connect registers a new observer subscribed to the given collections. The
// caller must call Disconnect when done. After Close the returned observer's
// channel is already closed.
func (b *Broadcaster) Connect(collections ...string) *Observer {
	o := &Observer{
		id:          uuid.NewString(),
		events:      make(chan Event, b.buffer),
		collections: make(map[string]struct{}, len(collections)),
	}
	for _, c := range collections {
		if c != "" {
			o.collections[c] = struct{}{}
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(o.events)
		return o
	}
	b.observers[o.id] = o
	n := len(b.observers)
	b.mu.Unlock()

	metrics.SetObserversActive(n)
	return o
}

// Subscribe adds collections to an observer's membership.
func (b *Broadcaster) Subscribe(id string, collections ...string) error {
	o, ok := b.lookup(id)
	if !ok {
		return ErrUnknownObserver
	}
	o.mu.Lock()
	for _, c := range collections {
		if c != "" {
			o.collections[c] = struct{}{}
		}
	}
	o.mu.Unlock()
	return nil
}

// Unsubscribe removes collections from an observer's membership. The
// observer stays connected even with an empty membership.
func (b *Broadcaster) Unsubscribe(id string, collections ...string) error {
	o, ok := b.lookup(id)
	if !ok {
		return ErrUnknownObserver
	}
	o.mu.Lock()
	for _, c := range collections {
		delete(o.collections, c)
	}
	o.mu.Unlock()
	return nil
}

// Disconnect removes an observer and closes its channel. Unknown IDs are
// ignored.
func (b *Broadcaster) Disconnect(id string) {
	b.mu.Lock()
	o, ok := b.observers[id]
	if ok {
		delete(b.observers, id)
		close(o.events)
	}
	n := len(b.observers)
	b.mu.Unlock()

	if ok {
		metrics.SetObserversActive(n)
	}
}

// Publish delivers an event to every observer subscribed to its collection
// and returns the number of deliveries. Non-blocking: an observer whose
// buffer is full misses the event.
func (b *Broadcaster) Publish(event Event) int {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	delivered, dropped := 0, 0
	b.mu.RLock()
	for _, o := range b.observers {
		if !o.wants(event.Collection) {
			continue
		}
		select {
		case o.events <- event:
			delivered++
		default:
			dropped++
		}
	}
	b.mu.RUnlock()

	metrics.RecordEventPublished(event.Type)
	if dropped > 0 {
		metrics.RecordEventDropped(dropped)
	}
	return delivered
}

// Count returns the current number of observers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.observers)
}

// Close disconnects every observer. Later Publish calls deliver nothing.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	for id, o := range b.observers {
		delete(b.observers, id)
		close(o.events)
	}
	b.closed = true
	b.mu.Unlock()

	metrics.SetObserversActive(0)
}

func (b *Broadcaster) lookup(id string) (*Observer, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.observers[id]
	return o, ok
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
