package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegistryForIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()

	first := RegistryFor(reg)
	second := RegistryFor(reg)
	if first != second {
		t.Error("expected one Registry per registerer")
	}

	other := RegistryFor(prometheus.NewRegistry())
	if other == first {
		t.Error("expected distinct registerers to get distinct registries")
	}
}

func TestRegistryForNilYieldsDefault(t *testing.T) {
	if RegistryFor(nil) != DefaultRegistry {
		t.Error("expected nil registerer to map to the default registry")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.Enabled {
		t.Error("expected metrics enabled by default")
	}
	if cfg.Registry != prometheus.DefaultRegisterer {
		t.Error("expected the default registerer")
	}
}

func TestRegistryMetricsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := RegistryFor(reg)

	r.AdmissionRequests.WithLabelValues("bucket", "test").Add(3)
	r.AdmissionTokens.WithLabelValues("bucket", "test").Set(7)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected gathered metric families")
	}
}
