// Package metrics holds the Prometheus collectors of a node and a cluster.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry collects every metric exported by this process.
	Registry = prometheus.NewRegistry()

	// RegistryOccupancy is the number of occupied registry slots.
	RegistryOccupancy = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "registry_occupied_slots",
		Help: "Number of occupied registry slots",
	})

	// RegistryRejections counts registrations refused because the registry is full.
	RegistryRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "registry_full_rejections",
		Help: "Number of registrations refused on a full registry",
	})

	// ComputationsSubmitted counts submissions by outcome (accepted, rejected, invalid).
	ComputationsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "computations_submitted",
		Help: "Number of computation submissions by outcome",
	}, []string{"outcome"})

	// ComputationsResolved counts computations reaching a terminal state.
	ComputationsResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "computations_resolved",
		Help: "Number of computations resolved by terminal state",
	}, []string{"state"})

	// CallbacksIgnored counts callbacks for unknown or already resolved computations.
	CallbacksIgnored = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "callbacks_ignored",
		Help: "Number of callbacks rejected without a state change",
	}, []string{"reason"})

	// PendingComputations is the number of computations awaiting a callback.
	PendingComputations = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "computations_pending",
		Help: "Number of computations awaiting their callback",
	})

	// EvaluationLatency measures cluster-side circuit evaluation time.
	EvaluationLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cluster_evaluation_seconds",
		Help:    "Time spent evaluating one matching circuit",
		Buckets: prometheus.DefBuckets,
	})

	// ExecutorQueueDepth is the number of computations queued on a cluster.
	ExecutorQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cluster_queue_depth",
		Help: "Number of computations queued for evaluation",
	})

	// HTTPCallCounter counts API calls by route and status code.
	HTTPCallCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_call_counter",
		Help: "Number of HTTP calls received",
	}, []string{"route", "code"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		RegistryOccupancy,
		RegistryRejections,
		ComputationsSubmitted,
		ComputationsResolved,
		CallbacksIgnored,
		PendingComputations,
		EvaluationLatency,
		ExecutorQueueDepth,
		HTTPCallCounter,
	)
}

// Handler serves Registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
