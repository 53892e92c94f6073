package backend

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	callsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "secretprov_backend_calls_total",
		Help: "Secret backend calls by operation and outcome.",
	}, []string{"op", "outcome"})

	callDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "secretprov_backend_call_duration_seconds",
		Help:    "Secret backend call duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(callsTotal, callDuration)
}

// observe records one backend call. errp is read when the deferred call runs.
func observe(op string, start time.Time, errp *error) {
	outcome := "ok"
	if *errp != nil {
		outcome = "error"
	}
	callsTotal.WithLabelValues(op, outcome).Inc()
	callDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
