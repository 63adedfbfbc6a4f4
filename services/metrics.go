package services

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	rpcCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "snaprgb",
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "RPC round trips to mesh nodes by outcome.",
		},
		[]string{"func", "outcome"},
	)
	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "snaprgb",
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "RPC round trip duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"func", "outcome"},
	)
)

// CallMetrics records RPC round trips into the default Prometheus registry.
type CallMetrics struct{}

func NewCallMetrics() *CallMetrics {
	registerOnce.Do(func() {
		prometheus.MustRegister(rpcCalls, rpcDuration)
	})
	return &CallMetrics{}
}

func (*CallMetrics) ObserveCall(fn, outcome string, duration time.Duration) {
	rpcCalls.WithLabelValues(fn, outcome).Inc()
	rpcDuration.WithLabelValues(fn, outcome).Observe(duration.Seconds())
}

func (*CallMetrics) Handler() http.Handler {
	return promhttp.Handler()
}
