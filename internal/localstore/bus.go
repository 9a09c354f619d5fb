package localstore

import (
	"bytes"
	"sort"
	"sync"
)

// ChangeEvent describes one committed change to a key. OldValue and NewValue
// carry the domain payload bytes, not the envelope wrapper. Origin names the
// execution context that produced the change so subscribers can tell their
// own echo from a foreign write.
type ChangeEvent struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	OldValue  []byte `json:"oldValue,omitempty"`
	NewValue  []byte `json:"newValue,omitempty"`
	Origin    string `json:"origin,omitempty"`
	Deleted   bool   `json:"deleted,omitempty"`
}

// Listener receives change events. Listeners run synchronously on the
// publishing goroutine; a listener that needs to write back into the store
// must do so from its own goroutine.
type Listener func(ChangeEvent)

// Subscription unsubscribes its listener. Safe to call more than once and
// from inside a listener callback.
type Subscription struct {
	bus *Bus
	id  int
}

func (s Subscription) Unsubscribe() {
	if s.bus == nil {
		return
	}
	s.bus.unsubscribe(s.id)
}

type subscriberEntry struct {
	id        int
	namespace string
	key       string // empty subscribes to the whole namespace
	fn        Listener
}

// Bus fans committed changes out to subscribers. Same-context writes are
// published synchronously by the store; foreign-context writes arrive
// through the Watcher. Both paths share one listener interface. For a single
// key, delivery order follows commit order; no ordering is promised across
// keys. Consecutive events whose old and new payloads are identical are
// suppressed as no-op notifications.
type Bus struct {
	mu      sync.RWMutex
	nextID  int
	entries map[int]subscriberEntry
}

func NewBus() *Bus {
	return &Bus{entries: map[int]subscriberEntry{}}
}

// Subscribe registers fn for changes under namespace. An empty key matches
// every key in the namespace.
func (b *Bus) Subscribe(namespace, key string, fn Listener) Subscription {
	if b == nil || namespace == "" || fn == nil {
		return Subscription{}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.entries[id] = subscriberEntry{id: id, namespace: namespace, key: key, fn: fn}
	b.mu.Unlock()
	return Subscription{bus: b, id: id}
}

func (b *Bus) unsubscribe(id int) {
	if b == nil || id == 0 {
		return
	}
	b.mu.Lock()
	delete(b.entries, id)
	b.mu.Unlock()
}

// Publish delivers the event to matching subscribers. Dispatch iterates a
// snapshot of the subscriber set, so unsubscribing from inside a callback
// cannot invalidate the iteration; an unsubscribed listener may still see
// the event currently in flight.
func (b *Bus) Publish(event ChangeEvent) {
	if b == nil || event.Namespace == "" || event.Key == "" {
		return
	}
	if !event.Deleted && bytes.Equal(event.OldValue, event.NewValue) {
		return
	}
	b.mu.RLock()
	matched := make([]subscriberEntry, 0, len(b.entries))
	for _, entry := range b.entries {
		if entry.namespace != event.Namespace {
			continue
		}
		if entry.key != "" && entry.key != event.Key {
			continue
		}
		matched = append(matched, entry)
	}
	b.mu.RUnlock()
	sort.Slice(matched, func(i, j int) bool { return matched[i].id < matched[j].id })
	for _, entry := range matched {
		entry.fn(event)
	}
}

// SubscriberCount reports how many listeners match the namespace.
func (b *Bus) SubscriberCount(namespace string) int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := 0
	for _, entry := range b.entries {
		if entry.namespace == namespace {
			count++
		}
	}
	return count
}
