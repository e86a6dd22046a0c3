package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EndpointResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "endpoint_responses_total",
		Help: "The total number of endpoint responses",
	}, []string{"endpoint", "status_code"})

	EndpointDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "endpoint_duration_seconds",
		Help:    "Latency of endpoint responses",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	// Benchmark workload metrics
	BenchOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdna_bench_operations_total",
		Help: "Total number of allocator operations issued by the bench workload",
	}, []string{"op", "result"})

	BenchAllocateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rdna_bench_allocate_duration_seconds",
		Help:    "Latency of Allocate calls issued by the bench workload",
		Buckets: prometheus.ExponentialBuckets(1e-7, 4, 12), // 100ns to ~0.4s
	})
)
