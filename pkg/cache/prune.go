// Eviction policy and the debounced prune pass.
//
// Pruning applies three independent thresholds in sequence: age, then entry count,
// then total bytes. Each pass works on the entries that survived the previous one,
// oldest first, so every threshold's effect is individually testable and no pass ever
// removes more than its own bound requires. The byte pass is skipped entirely while
// the instance's size accounting is degraded (see the measurability latch in Cache).

package cache

import (
	"slices"
	"time"

	"github.com/nobletooth/pomelo/pkg/event"
)

// Policy bounds the cache along three independent dimensions. A zero (or omitted)
// field means "no limit" for that dimension. Policies are value snapshots; the cache
// never mutates one in place.
type Policy struct {
	MaxItems int           // Maximum number of entries; 0 = unlimited.
	MaxAge   time.Duration // Maximum time an entry may stay since its Add; 0 = unlimited.
	MaxBytes int64         // Maximum total measured bytes; 0 = unlimited.
}

// unbounded reports whether no dimension carries a limit, in which case pruning has
// nothing to do.
func (p Policy) unbounded() bool {
	return p.MaxItems <= 0 && p.MaxAge <= 0 && p.MaxBytes <= 0
}

// Policy returns the current policy snapshot.
func (c *Cache[V]) Policy() Policy {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.policy
}

// UpdatePolicy replaces the whole policy and re-arms the prune timer, so tightening
// limits takes effect after the debounce delay without requiring another Add.
func (c *Cache[V]) UpdatePolicy(policy Policy) *Cache[V] {
	c.mux.Lock()
	defer c.mux.Unlock()
	if c.closed {
		return c
	}
	c.policy = policy
	c.schedulePruneLocked()
	return c
}

// schedulePruneLocked cancels any pending prune and arms a fresh timer. Rapid bursts
// of mutations therefore collapse into a single prune pass once activity settles.
// Callers must hold c.mux.
func (c *Cache[V]) schedulePruneLocked() {
	if c.pruneTimer != nil {
		c.pruneTimer.Stop()
	}
	c.pruneTimer = time.AfterFunc(*pruneDelay, c.prune)
}

// prune applies the policy thresholds and deletes every violating entry. The entire
// pass runs under the cache lock, so no mutation can interleave mid-pass; the single
// ItemsEvicted event is emitted after the deletions are already visible in the store.
func (c *Cache[V]) prune() {
	c.mux.Lock()
	if c.closed || len(c.entries) == 0 || c.policy.unbounded() {
		c.mux.Unlock()
		return
	}

	// Snapshot entries oldest first. The sort is stable so entries added within the
	// same clock tick keep a consistent relative order across passes.
	remaining := make([]*entry[V], 0, len(c.entries))
	for _, ent := range c.entries {
		remaining = append(remaining, ent)
	}
	slices.SortStableFunc(remaining, func(a, b *entry[V]) int { return a.addedAt.Compare(b.addedAt) })

	var evicted []string // Removed keys, oldest first.

	// Age pass: drop everything added before the cutoff.
	if c.policy.MaxAge > 0 {
		cutoff := time.Now().Add(-c.policy.MaxAge)
		aged := 0
		for aged < len(remaining) && remaining[aged].addedAt.Before(cutoff) {
			evicted = append(evicted, remaining[aged].key)
			aged++
		}
		if aged > 0 {
			evictedKeysMetric.WithLabelValues("age").Add(float64(aged))
			remaining = remaining[aged:]
		}
	}

	// Count pass: drop the oldest surplus beyond MaxItems.
	if c.policy.MaxItems > 0 && len(remaining) > c.policy.MaxItems {
		surplus := len(remaining) - c.policy.MaxItems
		for _, ent := range remaining[:surplus] {
			evicted = append(evicted, ent.key)
		}
		evictedKeysMetric.WithLabelValues("count").Add(float64(surplus))
		remaining = remaining[surplus:]
	}

	// Byte pass: pop oldest survivors until the running total fits. Skipped while
	// size accounting is degraded; an unknown total cannot be compared to the bound.
	if c.policy.MaxBytes > 0 && c.measurable {
		var total int64
		for _, ent := range remaining {
			total += ent.sizeBytes
		}
		popped := 0
		for total > c.policy.MaxBytes && popped < len(remaining) {
			total -= remaining[popped].sizeBytes
			evicted = append(evicted, remaining[popped].key)
			popped++
		}
		if popped > 0 {
			evictedKeysMetric.WithLabelValues("bytes").Add(float64(popped))
		}
	}

	for _, key := range evicted {
		delete(c.entries, key)
	}
	c.mux.Unlock()

	if len(evicted) > 0 {
		// Listeners observe a store that already reflects the removals.
		c.bus.Emit(event.ItemsEvicted, evicted)
	}
}
