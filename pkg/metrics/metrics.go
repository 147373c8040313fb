package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all metric instances for goadmit components.
type Registry struct {
	// Admission Metrics
	AdmissionRequests      *prometheus.CounterVec
	AdmissionGranted       *prometheus.CounterVec
	AdmissionDenied        *prometheus.CounterVec
	AdmissionRejected      *prometheus.CounterVec
	AdmissionWaitTime      *prometheus.HistogramVec
	AdmissionTokens        *prometheus.GaugeVec
	AdmissionCapacity      *prometheus.GaugeVec
	AdmissionWaits         *prometheus.CounterVec
	AdmissionProjectedWait *prometheus.HistogramVec
}

// DefaultRegistry is the default metrics registry used by goadmit components.
var DefaultRegistry *Registry

var (
	registriesMu sync.Mutex
	registries   = map[prometheus.Registerer]*Registry{}
)

func init() {
	DefaultRegistry = NewRegistry(prometheus.DefaultRegisterer)
	registries[prometheus.DefaultRegisterer] = DefaultRegistry
}

// RegistryFor returns the Registry bound to reg, creating it on first use.
// Metric families register once per underlying registerer, so any number
// of components can share one Prometheus registry. A nil reg yields the
// default registry.
func RegistryFor(reg prometheus.Registerer) *Registry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	registriesMu.Lock()
	defer registriesMu.Unlock()
	if r, ok := registries[reg]; ok {
		return r
	}
	r := NewRegistry(reg)
	registries[reg] = r
	return r
}

// NewRegistry creates a new metrics registry with the given Prometheus registerer.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		AdmissionRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "goadmit",
				Subsystem: "admission",
				Name:      "requested_tokens_total",
				Help:      "Total number of tokens requested from admission nodes",
			},
			[]string{"node_type", "node_name"},
		),

		AdmissionGranted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "goadmit",
				Subsystem: "admission",
				Name:      "granted_tokens_total",
				Help:      "Total number of tokens granted by admission nodes",
			},
			[]string{"node_type", "node_name"},
		),

		AdmissionDenied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "goadmit",
				Subsystem: "admission",
				Name:      "denied_tokens_total",
				Help:      "Total number of tokens denied for lack of capacity",
			},
			[]string{"node_type", "node_name"},
		),

		AdmissionRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "goadmit",
				Subsystem: "admission",
				Name:      "rejected_requests_total",
				Help:      "Total number of requests rejected as invalid or never satisfiable",
			},
			[]string{"node_type", "node_name"},
		),

		AdmissionWaitTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "goadmit",
				Subsystem: "admission",
				Name:      "wait_duration_seconds",
				Help:      "Time blocking consumers spent waiting for admission",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"node_type", "node_name"},
		),

		AdmissionTokens: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "goadmit",
				Subsystem: "admission",
				Name:      "tokens_available",
				Help:      "Number of tokens currently available on the node",
			},
			[]string{"node_type", "node_name"},
		),

		AdmissionCapacity: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "goadmit",
				Subsystem: "admission",
				Name:      "tokens_capacity",
				Help:      "Maximum number of tokens the node can ever hold",
			},
			[]string{"node_type", "node_name"},
		),

		AdmissionWaits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "goadmit",
				Subsystem: "admission",
				Name:      "waits_total",
				Help:      "Total number of times a blocking consumer went to sleep",
			},
			[]string{"node_name"},
		),

		AdmissionProjectedWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "goadmit",
				Subsystem: "admission",
				Name:      "projected_wait_seconds",
				Help:      "Wait durations projected for blocking consumers before sleeping",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"node_name"},
		),
	}
}
