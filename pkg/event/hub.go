// Pomelo reports cache activity through a small publish/subscribe hub keyed by an
// enumerated event kind. The cache packages only depend on the Bus interface, so
// callers may plug in their own transport (or NopBus to silence events entirely).

package event

import (
	"sync"

	"github.com/nobletooth/pomelo/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Kind identifies a cache event. The set is closed; payload types are fixed per kind.
type Kind int

const (
	// ItemsEvicted is emitted after a prune pass removed entries. Payload: []string,
	// the removed keys ordered oldest first.
	ItemsEvicted Kind = iota
	// KeyNotFound is emitted when a non-silent lookup misses. Payload: string, the key.
	KeyNotFound
)

// String returns the metric/log label for the kind.
func (k Kind) String() string {
	switch k {
	case ItemsEvicted:
		return "items_evicted"
	case KeyNotFound:
		return "key_not_found"
	default:
		utils.RaiseInvariant("event", "unknown_event_kind", "Got an unknown event kind.", "kind", int(k))
		return "unknown"
	}
}

var emitsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "event_emits_total",
	Help: "The total number of events emitted per kind.",
}, []string{"kind"})

// Bus is the notification channel consumed by the cache packages.
type Bus interface {
	// Emit publishes payload to every handler subscribed to kind. Handlers run
	// synchronously on the caller's goroutine, in subscription order.
	Emit(kind Kind, payload any)
	// Subscribe registers a handler for kind and returns a function that removes it.
	Subscribe(kind Kind, handler func(payload any)) (unsubscribe func())
}

// Hub is the default in-process Bus. The zero value is not usable; construct with NewHub.
type Hub struct { // Implements Bus.
	mux    sync.RWMutex
	nextID int
	subs   map[Kind]map[int]func(any)
	order  map[Kind][]int // Subscription order per kind, so handlers fire deterministically.
}

var _ Bus = (*Hub)(nil)

// NewHub returns an empty hub with no subscribers.
func NewHub() *Hub {
	return &Hub{subs: make(map[Kind]map[int]func(any)), order: make(map[Kind][]int)}
}

// Subscribe registers handler for kind. The returned function unsubscribes it; calling
// it more than once is a no-op.
func (h *Hub) Subscribe(kind Kind, handler func(payload any)) func() {
	if handler == nil {
		utils.RaiseInvariant("event", "nil_event_handler", "Subscribe called with a nil handler.", "kind", kind)
		return func() {}
	}

	h.mux.Lock()
	defer h.mux.Unlock()
	if _, kindExists := h.subs[kind]; !kindExists {
		h.subs[kind] = make(map[int]func(any))
	}
	id := h.nextID
	h.nextID++
	h.subs[kind][id] = handler
	h.order[kind] = append(h.order[kind], id)

	return func() {
		h.mux.Lock()
		defer h.mux.Unlock()
		delete(h.subs[kind], id)
	}
}

// Emit delivers payload to every live subscriber of kind, in subscription order.
func (h *Hub) Emit(kind Kind, payload any) {
	emitsMetric.WithLabelValues(kind.String()).Inc()

	// Snapshot handlers under the read lock so a handler may subscribe/unsubscribe
	// without deadlocking against Emit.
	h.mux.RLock()
	handlers := make([]func(any), 0, len(h.subs[kind]))
	for _, id := range h.order[kind] {
		if handler, stillSubscribed := h.subs[kind][id]; stillSubscribed {
			handlers = append(handlers, handler)
		}
	}
	h.mux.RUnlock()

	for _, handler := range handlers {
		handler(payload)
	}
}

// NopBus is a Bus that drops every event and holds no subscribers.
// It is used when notifications are disabled.
type NopBus struct{} // Implements Bus.

var _ Bus = (*NopBus)(nil)

// Emit does nothing.
func (NopBus) Emit(kind Kind, payload any) {}

// Subscribe does nothing and returns a no-op unsubscribe function.
func (NopBus) Subscribe(kind Kind, handler func(payload any)) func() { return func() {} }
