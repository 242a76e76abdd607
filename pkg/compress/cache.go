// This module wraps the cache engine with an asynchronous compress-before-store /
// decompress-on-read pipeline for text values. Two structures coordinate concurrent
// access to a key whose compressed form does not exist yet:
//
//   - The staging buffer holds the plaintext while its compression runs, so readers
//     asking for the text mid-flight get it immediately instead of blocking.
//   - The waiter registry holds, per key, the callers awaiting the compressed form;
//     compression for a key runs once and all waiters are resolved in the order they
//     registered.
//
// Loads for missing keys go through singleflight, so a thundering herd on the same
// cold key hits the loader once.

package compress

import (
	"context"
	"fmt"
	"sync"

	"github.com/nobletooth/pomelo/pkg/cache"
	"github.com/nobletooth/pomelo/pkg/event"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

var (
	inflightWaitersMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "compress_inflight_waiters_total",
		Help: "Total number of readers that waited on an in-flight compression.",
	})
	codecErrorsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compress_codec_errors_total",
		Help: "Total number of codec failures.",
	}, []string{"op" /* compress | decompress */})
)

// Loader fetches the plaintext for a key that is missing from the cache. It is
// invoked on demand and its failures propagate to the reader unretried.
type Loader func(ctx context.Context, key string) (string, error)

// compressed is the terminal result of one compression run, delivered to waiters.
type compressed struct {
	buf []byte
	err error
}

// TextCache stores text values in compressed form on top of a byte-buffer cache
// engine. An optional Loader populates the cache on misses.
//
// CAUTION: a Loader combined with an eviction policy tight enough to immediately
// evict freshly stored entries makes every read fall through to the Loader again.
// Bounding such retries is the caller's responsibility; TextCache does not guard
// against it.
type TextCache struct {
	mux     sync.Mutex
	store   *cache.Cache[[]byte]
	codec   Codec
	loader  Loader
	staged  map[string]string            // Plaintext per key while its compression is in flight.
	waiters map[string][]chan compressed // Readers awaiting a key's compressed form, in arrival order.
	loads   singleflight.Group           // Deduplicates concurrent Loader calls per key.
}

// NewTextCache builds a compressing cache publishing on bus. A nil codec selects the
// default gzip codec; a nil loader disables lazy loading on miss.
func NewTextCache(bus event.Bus, codec Codec, loader Loader) *TextCache {
	if codec == nil {
		codec = NewGzipCodec()
	}
	return &TextCache{
		store:   cache.New[[]byte](bus),
		codec:   codec,
		loader:  loader,
		staged:  make(map[string]string),
		waiters: make(map[string][]chan compressed),
	}
}

// AddText compresses text and stores it under key. Empty text is a no-op. The call
// returns once the compressed form is stored (or compression failed); readers that
// arrived mid-compression have been resolved by then.
func (t *TextCache) AddText(key, text string) error {
	if text == "" {
		return nil
	}
	_, err := t.compressAndStore(key, text)
	return err
}

// compressAndStore runs the compression pipeline for one key: stage the plaintext,
// open the waiter queue, compress off the lock, store, then resolve the waiters in
// registration order. On codec failure the error is delivered to every waiter and
// returned; nothing is stored.
func (t *TextCache) compressAndStore(key, text string) ([]byte, error) {
	t.mux.Lock()
	t.staged[key] = text
	if _, open := t.waiters[key]; !open {
		t.waiters[key] = []chan compressed{}
	}
	t.mux.Unlock()

	buf, err := t.codec.Compress([]byte(text))
	if err != nil {
		codecErrorsMetric.WithLabelValues("compress").Inc()
		err = fmt.Errorf("failed to compress value for key %q: %w", key, err)
	}

	t.mux.Lock()
	delete(t.staged, key)
	pending := t.waiters[key]
	delete(t.waiters, key)
	if err == nil {
		// Store before resolving so no waiter can observe a gap where the value is
		// neither in flight nor stored.
		t.store.Add(key, buf)
	}
	t.mux.Unlock()

	for _, waiter := range pending { // Registration order.
		waiter <- compressed{buf: buf, err: err}
	}
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// GetCompressed returns the compressed form of key's value. A stored value resolves
// immediately; an in-flight compression is awaited; otherwise the Loader (if any)
// populates the cache. Absence is not an error: found is false and err is nil.
func (t *TextCache) GetCompressed(ctx context.Context, key string) ([]byte, bool /*found*/, error) {
	t.mux.Lock()
	if buf, found := t.store.Peek(key); found {
		t.mux.Unlock()
		return buf, true, nil
	}
	if pending, inFlight := t.waiters[key]; inFlight {
		// Register a continuation instead of starting duplicate work.
		waiter := make(chan compressed, 1)
		t.waiters[key] = append(pending, waiter)
		inflightWaitersMetric.Inc()
		t.mux.Unlock()

		select {
		case result := <-waiter:
			if result.err != nil {
				return nil, false, result.err
			}
			return result.buf, true, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	t.mux.Unlock()

	if t.loader == nil {
		return nil, false, nil
	}
	value, err, _ := t.loads.Do(key, func() (any, error) {
		text, err := t.loader(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("loader failed for key %q: %w", key, err)
		}
		if text == "" {
			return []byte(nil), nil
		}
		return t.compressAndStore(key, text)
	})
	if err != nil {
		return nil, false, err
	}
	buf, _ := value.([]byte)
	if len(buf) == 0 { // The loader had nothing for this key.
		return nil, false, nil
	}
	return buf, true, nil
}

// GetText returns the plaintext for key. Text staged mid-compression is returned
// immediately; otherwise the compressed form is fetched via GetCompressed and
// decompressed. When that yields nothing and a Loader exists, the Loader is invoked
// directly and its result is stored in the background relative to the caller.
func (t *TextCache) GetText(ctx context.Context, key string) (string, bool /*found*/, error) {
	t.mux.Lock()
	if text, inFlight := t.staged[key]; inFlight {
		t.mux.Unlock()
		return text, true, nil
	}
	t.mux.Unlock()

	buf, found, err := t.GetCompressed(ctx, key)
	if err != nil {
		return "", false, err
	}
	if found {
		plain, err := t.codec.Decompress(buf)
		if err != nil {
			codecErrorsMetric.WithLabelValues("decompress").Inc()
			return "", false, fmt.Errorf("failed to decompress value for key %q: %w", key, err)
		}
		return string(plain), true, nil
	}

	if t.loader == nil {
		return "", false, nil
	}
	text, err := t.loader(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("loader failed for key %q: %w", key, err)
	}
	if text == "" {
		return "", false, nil
	}
	go func() { _ = t.AddText(key, text) }() // Fire and forget relative to this read.
	return text, true, nil
}

// Contains reports whether key is either stored or currently mid-compression.
func (t *TextCache) Contains(key string) bool {
	t.mux.Lock()
	defer t.mux.Unlock()
	if _, inFlight := t.staged[key]; inFlight {
		return true
	}
	return t.store.Contains(key, false /*allowEmpty*/)
}

// UpdatePolicy replaces the underlying engine's eviction policy.
func (t *TextCache) UpdatePolicy(policy cache.Policy) *TextCache {
	t.store.UpdatePolicy(policy)
	return t
}

// Remove deletes the stored compressed value for key if present.
func (t *TextCache) Remove(key string) *TextCache {
	t.store.Remove(key)
	return t
}

// Clear deletes every stored value. In-flight compressions are unaffected and will
// re-store their keys on completion.
func (t *TextCache) Clear() *TextCache {
	t.store.Clear()
	return t
}

// Len returns the number of stored (fully compressed) entries.
func (t *TextCache) Len() int { return t.store.Len() }

// Size returns the total stored byte size; the boolean is false when unknown.
func (t *TextCache) Size() (int64, bool /*known*/) { return t.store.Size() }

// Close releases the underlying engine's prune timer.
func (t *TextCache) Close() { t.store.Close() }
