// This module implements a generically-typed key/value cache with policy-driven
// eviction. Unlike a fixed-capacity cache that evicts synchronously on Add, pruning
// here is debounced: every mutating call re-arms a short timer and the prune pass runs
// once per settled burst of activity. Eviction order is insertion-time based (oldest
// first); access frequency is intentionally not tracked.
//
// Size accounting is best effort. Entry sizes come from the sizeof package; the first
// value whose size cannot be measured permanently degrades the instance's total-size
// reporting to "unknown", since a mixed measurable/unmeasurable total would be
// misleading.

package cache

import (
	"flag"
	"reflect"
	"sync"
	"time"

	"github.com/nobletooth/pomelo/pkg/event"
	"github.com/nobletooth/pomelo/pkg/sizeof"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var pruneDelay = flag.Duration("cache_prune_delay", 10*time.Millisecond,
	"How long the cache waits after the last mutation before running a prune pass.")

var (
	lookupsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_lookups_total",
		Help: "Total number of cache lookups.",
	}, []string{"status" /* hit | miss */})
	evictedKeysMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_evicted_keys_total",
		Help: "Total number of keys removed by prune passes.",
	}, []string{"reason" /* age | count | bytes */})
)

// entry is a single stored value together with its bookkeeping. Entries are replaced
// wholesale on re-Add (fresh addedAt, fresh size), never mutated in place.
type entry[V any] struct {
	key       string
	value     V
	addedAt   time.Time
	sizeBytes int64 // 0 when the value's shape is unmeasurable.
}

// Cache is a thread-safe, in-memory key/value cache whose capacity is bounded by a
// Policy instead of a fixed entry count. The zero value is not usable; construct with
// New. Mutating methods return the receiver so calls can be chained.
type Cache[V any] struct {
	mux     sync.Mutex
	entries map[string]*entry[V]
	policy  Policy
	bus     event.Bus
	// measurable is true while every value ever stored had a measurable size. It
	// latches to false on the first unmeasurable value and stays false for the
	// lifetime of the instance.
	measurable bool
	pruneTimer *time.Timer // Debounce handle; re-armed on every mutation.
	closed     bool
}

// New returns an empty cache with no policy limits. A nil bus disables notifications.
func New[V any](bus event.Bus) *Cache[V] {
	if bus == nil {
		bus = event.NopBus{}
	}
	return &Cache[V]{entries: make(map[string]*entry[V]), bus: bus, measurable: true}
}

// Add stores value under key, replacing any previous entry. Absent values (nil
// pointers/slices/maps, empty strings, empty byte slices) are silently ignored so that
// callers can feed optional values through without guarding. Every effective Add
// re-arms the debounced prune timer.
func (c *Cache[V]) Add(key string, value V) *Cache[V] {
	if isAbsent(value) {
		return c
	}
	size := sizeof.Measure(value)

	c.mux.Lock()
	defer c.mux.Unlock()
	if c.closed {
		return c
	}
	if size == sizeof.Unmeasurable {
		c.measurable = false // Latches; see the Cache doc.
		size = 0
	}
	c.entries[key] = &entry[V]{key: key, value: value, addedAt: time.Now(), sizeBytes: size}
	c.schedulePruneLocked()
	return c
}

// Get returns the value stored under key. A miss is not an error: it returns the zero
// value and false, and emits a KeyNotFound event carrying the key. Use Peek for a
// lookup that misses silently.
func (c *Cache[V]) Get(key string) (V, bool /*found*/) {
	return c.lookup(key, false /*silent*/)
}

// Peek is Get without the KeyNotFound notification on a miss.
func (c *Cache[V]) Peek(key string) (V, bool /*found*/) {
	return c.lookup(key, true /*silent*/)
}

func (c *Cache[V]) lookup(key string, silent bool) (V, bool) {
	c.mux.Lock()
	ent, found := c.entries[key]
	c.mux.Unlock()

	if !found {
		lookupsMetric.WithLabelValues("miss").Inc()
		if !silent {
			// Emitted off the lock so handlers may call back into the cache.
			c.bus.Emit(event.KeyNotFound, key)
		}
		var zero V
		return zero, false
	}
	lookupsMetric.WithLabelValues("hit").Inc()
	return ent.value, true
}

// Contains reports whether key holds an entry. Unless allowEmpty is set, an entry
// whose stored value is itself absent/empty does not count as contained.
func (c *Cache[V]) Contains(key string, allowEmpty bool) bool {
	c.mux.Lock()
	defer c.mux.Unlock()
	ent, found := c.entries[key]
	if !found {
		return false
	}
	return allowEmpty || !isAbsent(ent.value)
}

// Remove deletes the entry for key if present. Removing a missing key is a no-op.
func (c *Cache[V]) Remove(key string) *Cache[V] {
	c.mux.Lock()
	defer c.mux.Unlock()
	delete(c.entries, key)
	return c
}

// Clear deletes every entry without emitting any notification. The measurability
// latch is deliberately not reset; it describes the instance, not its current content.
func (c *Cache[V]) Clear() *Cache[V] {
	c.mux.Lock()
	defer c.mux.Unlock()
	clear(c.entries)
	return c
}

// Len returns the number of stored entries.
func (c *Cache[V]) Len() int {
	c.mux.Lock()
	defer c.mux.Unlock()
	return len(c.entries)
}

// Size returns the total byte size of all stored values. The boolean is false when
// the total is unknown, i.e. once any stored value was unmeasurable.
func (c *Cache[V]) Size() (int64, bool /*known*/) {
	c.mux.Lock()
	defer c.mux.Unlock()
	if !c.measurable {
		return 0, false
	}
	var total int64
	for _, ent := range c.entries {
		total += ent.sizeBytes
	}
	return total, true
}

// Keys returns a snapshot of all stored keys in no particular order.
func (c *Cache[V]) Keys() []string {
	c.mux.Lock()
	defer c.mux.Unlock()
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	return keys
}

// Close cancels any pending prune pass and marks the cache unusable for further
// mutation. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.closed = true
	if c.pruneTimer != nil {
		c.pruneTimer.Stop()
		c.pruneTimer = nil
	}
}

// isAbsent reports whether value is the "no value" sentinel of its shape: a nil
// pointer/interface/slice/map/func/chan, an empty string, or an empty byte slice.
func isAbsent[V any](value V) bool {
	switch v := any(value).(type) {
	case nil:
		return true
	case string:
		return v == ""
	case []byte:
		return len(v) == 0
	}
	rv := reflect.ValueOf(any(value))
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func, reflect.Chan:
		return rv.IsNil()
	default:
		return false
	}
}
