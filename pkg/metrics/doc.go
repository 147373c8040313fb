/*
Package metrics provides Prometheus instrumentation for goadmit components.

The Registry bundles every metric the library emits. Components take a
Config that points at a prometheus.Registerer; by default metrics land on
prometheus.DefaultRegisterer under the "goadmit" namespace.

Basic usage:

	registry := prometheus.NewRegistry()
	config := metrics.Config{
		Enabled:  true,
		Registry: registry,
	}

	node := bucket.WrapWithMetrics(plain, "api-quota", config)

Admission metrics are labeled by node type ("bucket" or "composite") and a
caller-chosen node name, so one registry can serve a whole tree.
*/
package metrics
