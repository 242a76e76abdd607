// Runs a short demonstration workload over the compressing cache: stores a few text
// values behind a loader, tightens the eviction policy, and logs the notifications
// the cache emits while pruning.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nobletooth/pomelo/pkg/cache"
	"github.com/nobletooth/pomelo/pkg/compress"
	"github.com/nobletooth/pomelo/pkg/event"
	"github.com/nobletooth/pomelo/pkg/utils"
)

var (
	printVersion = flag.Bool("print_version", false, "Print the version and exit.")
	maxItems     = flag.Int("demo_max_items", 2, "MaxItems policy applied halfway through the demo.")
	settleDelay  = flag.Duration("demo_settle_delay", 100*time.Millisecond,
		"How long to wait for debounced prune passes to settle.")
)

func main() {
	flag.Parse()
	utils.InitLogging()

	if *printVersion {
		slog.Info("Pomelo build info.", "version", utils.Version, "commit", utils.Commit, "build", utils.BuildTime)
		return
	}

	hub := event.NewHub()
	hub.Subscribe(event.ItemsEvicted, func(payload any) {
		slog.Info("Cache evicted items.", "keys", payload)
	})
	hub.Subscribe(event.KeyNotFound, func(payload any) {
		slog.Info("Cache lookup missed.", "key", payload)
	})

	loader := func(ctx context.Context, key string) (string, error) {
		return fmt.Sprintf("loaded value for %s", key), nil
	}
	texts := compress.NewTextCache(hub, nil /*codec*/, loader)
	defer texts.Close()

	ctx := context.Background()
	for _, key := range []string{"alpha", "beta", "gamma"} {
		if err := texts.AddText(key, fmt.Sprintf("the quick brown fox jumps over %s", key)); err != nil {
			slog.Error("Failed to store text.", "key", key, "err", err)
			os.Exit(1)
		}
	}
	if total, known := texts.Size(); known {
		slog.Info("Stored demo values.", "count", texts.Len(), "compressedBytes", total)
	}

	// Tighten the policy; the debounced prune pass evicts the oldest surplus entries.
	texts.UpdatePolicy(cache.Policy{MaxItems: *maxItems})
	time.Sleep(*settleDelay)

	// A miss on a cold key falls through to the loader.
	text, found, err := texts.GetText(ctx, "delta")
	if err != nil {
		slog.Error("Failed to read text.", "key", "delta", "err", err)
		os.Exit(1)
	}
	slog.Info("Read through the loader.", "key", "delta", "found", found, "text", text)
}
