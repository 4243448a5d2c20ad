// Package metrics instruments stores and model invokers with Prometheus
// collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chathistory"

// Collectors holds every metric exported by this package. Create one per
// registry and share it between decorators.
type Collectors struct {
	StoreOperations    *prometheus.CounterVec
	StoreLatency       *prometheus.HistogramVec
	MessagesAppended   prometheus.Counter
	CapacityRejections prometheus.Counter

	ModelInvocations *prometheus.CounterVec
	ModelLatency     prometheus.Histogram
}

// NewCollectors creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewCollectors(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		StoreOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Store operations by operation and result.",
		}, []string{"op", "result"}),
		StoreLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Store operation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"op"}),
		MessagesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "messages_appended_total",
			Help:      "Messages successfully appended across all threads.",
		}),
		CapacityRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "capacity_rejections_total",
			Help:      "Appends rejected because a thread was full.",
		}),
		ModelInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "invocations_total",
			Help:      "Model invocations by result kind.",
		}, []string{"result"}),
		ModelLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "invocation_duration_seconds",
			Help:      "Model invocation latency.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
	}

	if reg == nil {
		return c, nil
	}
	for _, col := range []prometheus.Collector{
		c.StoreOperations,
		c.StoreLatency,
		c.MessagesAppended,
		c.CapacityRejections,
		c.ModelInvocations,
		c.ModelLatency,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}
