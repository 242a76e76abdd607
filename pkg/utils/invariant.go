// Invariants are conditions the code guarantees about itself; a violated invariant
// means a bug, not a bad input. Think of what you'd `panic()` on, except we don't want
// to crash a process holding a live cache just because of one violation. Raising an
// invariant records an error log and increments a monitoring counter that can back an
// alert; it remains the caller's job to handle the erroneous case (early return, fall
// back to a safe value, etc.).
//
// Do not raise invariants for conditions driven by external input: a loader failing or
// a corrupted compressed payload is an error to return, not an invariant. A negative
// entry count, or an event kind outside the closed enumeration, is an invariant.

package utils

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	promclient "github.com/prometheus/client_model/go"
)

var invariantsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "invariants_total",
	Help: "The total number of invariant violations",
}, []string{
	"module", // The module in which this invariant occurred.
	"type",   // The type of the invariant that occurred.
})

func RaiseInvariant(module, invariantType, msg string, args ...any) {
	invariantsMetric.WithLabelValues(module, invariantType).Inc()
	slog.With("invariant", invariantType, "module", module).Error(msg, args...)
	if IsTestMode {
		panic("invariant violated: " + invariantType)
	}
}

// GetMetricValue returns the current value of the invariant metric for the given
// module and invariant type.
func GetMetricValue(module, invariantType string) int {
	var metric = &promclient.Metric{}
	if err := invariantsMetric.WithLabelValues(module, invariantType).Write(metric); err != nil {
		slog.Error(err.Error())
		return 0
	}
	return int(metric.Counter.GetValue())
}
