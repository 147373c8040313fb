package bucket

import (
	"context"
	"sync"
	"time"

	"github.com/vnykmshr/goadmit/pkg/metrics"
)

// MetricsNode wraps an admission node with Prometheus instrumentation. It
// is a transparent decorator: the wrapped node keeps its token state,
// parent link, and signal gate, and the wrapper can stand in for it
// anywhere a Node is accepted, including as a composite child.
type MetricsNode struct {
	inner    admissionNode
	name     string
	nodeType string

	mu       sync.RWMutex
	enabled  bool
	registry *metrics.Registry
}

// WrapWithMetrics wraps a node with metrics instrumentation under the
// given name. The node must have been created by this package.
func WrapWithMetrics(n Node, name string, config metrics.Config) *MetricsNode {
	inner, ok := n.(admissionNode)
	if !ok {
		panic("bucket: cannot instrument a node not created by this package")
	}

	nodeType := "node"
	switch inner.(type) {
	case *Bucket:
		nodeType = "bucket"
	case *Composite:
		nodeType = "composite"
	}

	m := &MetricsNode{
		inner:    inner,
		name:     name,
		nodeType: nodeType,
	}
	if config.Enabled {
		_ = m.EnableMetrics(config)
	}
	return m
}

// EnableMetrics enables metrics collection for this node.
func (m *MetricsNode) EnableMetrics(config metrics.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.registry = metrics.RegistryFor(config.Registry)
	m.enabled = true
	m.registry.AdmissionCapacity.WithLabelValues(m.nodeType, m.name).Set(float64(m.inner.MaximumTokens()))
	return nil
}

// DisableMetrics disables metrics collection for this node.
func (m *MetricsNode) DisableMetrics() {
	m.mu.Lock()
	m.enabled = false
	m.mu.Unlock()
}

// MetricsEnabled returns true if metrics are currently enabled.
func (m *MetricsNode) MetricsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

func (m *MetricsNode) reg() *metrics.Registry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.enabled {
		return nil
	}
	return m.registry
}

// Unwrap returns the wrapped node.
func (m *MetricsNode) Unwrap() Node {
	return m.inner
}

// AvailableTokens returns the tokens obtainable right now.
func (m *MetricsNode) AvailableTokens() int64 {
	avail := m.inner.AvailableTokens()
	if r := m.reg(); r != nil {
		r.AdmissionTokens.WithLabelValues(m.nodeType, m.name).Set(float64(avail))
	}
	return avail
}

// MaximumTokens returns the ceiling the node can ever hold.
func (m *MetricsNode) MaximumTokens() int64 {
	return m.inner.MaximumTokens()
}

// TryConsume attempts to consume exactly tokens. It does not block.
func (m *MetricsNode) TryConsume(tokens int64) (*Outcome, error) {
	return m.recordErr(tryConsumeNow(m, "TryConsume", tokens, tokens))
}

// TryConsumeRange attempts to consume between minTokens and maxTokens.
// It does not block.
func (m *MetricsNode) TryConsumeRange(minTokens, maxTokens int64) (*Outcome, error) {
	return m.recordErr(tryConsumeNow(m, "TryConsumeRange", minTokens, maxTokens))
}

// Consume blocks until exactly tokens can be consumed, recording the time
// spent waiting.
func (m *MetricsNode) Consume(ctx context.Context, tokens int64) (*Outcome, error) {
	return m.consumeTimed(ctx, "Consume", tokens, tokens)
}

// ConsumeRange blocks until at least minTokens can be consumed, recording
// the time spent waiting.
func (m *MetricsNode) ConsumeRange(ctx context.Context, minTokens, maxTokens int64) (*Outcome, error) {
	return m.consumeTimed(ctx, "ConsumeRange", minTokens, maxTokens)
}

func (m *MetricsNode) consumeTimed(ctx context.Context, op string, minTokens, maxTokens int64) (*Outcome, error) {
	start := time.Now()
	out, err := consumeBlocking(ctx, m, op, minTokens, maxTokens)
	if r := m.reg(); r != nil {
		r.AdmissionWaitTime.WithLabelValues(m.nodeType, m.name).Observe(time.Since(start).Seconds())
	}
	return m.recordErr(out, err)
}

func (m *MetricsNode) recordErr(out *Outcome, err error) (*Outcome, error) {
	if err != nil {
		if r := m.reg(); r != nil {
			r.AdmissionRejected.WithLabelValues(m.nodeType, m.name).Inc()
		}
	}
	return out, err
}

// AddListener registers a listener on the wrapped node.
func (m *MetricsNode) AddListener(l Listener) {
	m.inner.AddListener(l)
}

// UserData returns the opaque data attached to the wrapped node.
func (m *MetricsNode) UserData() any {
	return m.inner.UserData()
}

// SetUserData replaces the opaque data attached to the wrapped node.
func (m *MetricsNode) SetUserData(data any) {
	m.inner.SetUserData(data)
}

// tryConsume forwards one attempt to the wrapped node and records its
// decision, so consumption through an enclosing composite is counted too.
func (m *MetricsNode) tryConsume(minTokens, maxTokens int64, requestedAt, consumedAt time.Time) *Outcome {
	out := m.inner.tryConsume(minTokens, maxTokens, requestedAt, consumedAt)

	if r := m.reg(); r != nil {
		r.AdmissionRequests.WithLabelValues(m.nodeType, m.name).Add(float64(maxTokens))
		if out.Allowed() {
			r.AdmissionGranted.WithLabelValues(m.nodeType, m.name).Add(float64(out.Granted()))
		} else {
			r.AdmissionDenied.WithLabelValues(m.nodeType, m.name).Add(float64(minTokens))
		}
		r.AdmissionTokens.WithLabelValues(m.nodeType, m.name).Set(float64(out.Remaining()))
	}
	return out
}

func (m *MetricsNode) availableTokensAt(at time.Time) int64 {
	return m.inner.availableTokensAt(at)
}

func (m *MetricsNode) shortfall(minTokens int64, at time.Time) ([]*Limit, time.Time) {
	return m.inner.shortfall(minTokens, at)
}

func (m *MetricsNode) parent() *Composite {
	return m.inner.parent()
}

func (m *MetricsNode) attachParent(p *Composite) error {
	return m.inner.attachParent(p)
}

func (m *MetricsNode) detachParent(p *Composite) {
	m.inner.detachParent(p)
}

func (m *MetricsNode) gateRef() *signalGate {
	return m.inner.gateRef()
}

func (m *MetricsNode) recomputeCapacity() {
	m.inner.recomputeCapacity()
	if r := m.reg(); r != nil {
		r.AdmissionCapacity.WithLabelValues(m.nodeType, m.name).Set(float64(m.inner.MaximumTokens()))
	}
}

func (m *MetricsNode) clock() Clock {
	return m.inner.clock()
}

func (m *MetricsNode) listenersSnapshot() []Listener {
	return m.inner.listenersSnapshot()
}

// WaitListener returns a listener that counts blocking waits and observes
// their projected durations under the given name. Pass nil to use the
// default registry.
func WaitListener(name string, reg *metrics.Registry) Listener {
	if reg == nil {
		reg = metrics.DefaultRegistry
	}
	return ListenerFunc(func(ev WaitEvent) error {
		reg.AdmissionWaits.WithLabelValues(name).Inc()
		reg.AdmissionProjectedWait.WithLabelValues(name).Observe(time.Until(ev.AvailableAt).Seconds())
		return nil
	})
}
