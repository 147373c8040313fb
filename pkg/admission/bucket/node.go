package bucket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Clock provides the current time. It can be mocked for testing. Public
// operations read the clock once at entry; one logical instant is never
// sampled twice within a critical section.
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock using the system time.
type SystemClock struct{}

// Now returns the current system time.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// WaitEvent describes a blocking consumer that is about to sleep.
type WaitEvent struct {
	// Node is the admission node the consumer is blocked on.
	Node Node

	// Requested is the minimum token count the consumer is waiting for.
	Requested int64

	// RequestedAt is the instant the consumer first asked.
	RequestedAt time.Time

	// AvailableAt is the instant the request is projected to become
	// satisfiable.
	AvailableAt time.Time

	// Bottleneck lists the limits deferring the request.
	Bottleneck []*Limit
}

// Listener observes blocking consumers. OnWait runs immediately before the
// caller sleeps, propagated from the root of the tree down to the node the
// caller is blocked on. Returning a non-nil error aborts the wait and
// surfaces to the caller as a cancellation. Listeners run outside every
// node lock and must not call back into mutating node methods.
type Listener interface {
	OnWait(ev WaitEvent) error
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(ev WaitEvent) error

// OnWait calls f.
func (f ListenerFunc) OnWait(ev WaitEvent) error {
	return f(ev)
}

// Node is the admission capability shared by Buckets and Composites.
//
// TryConsume and TryConsumeRange decide immediately and never block.
// Consume and ConsumeRange block until the request is granted, the context
// is done, or a listener aborts the wait; deadlines come from the context.
// All four reject malformed requests (min > max, non-positive amounts)
// and structurally impossible ones (min above the node's maximum capacity)
// with a validation error rather than deferring them.
type Node interface {
	// AvailableTokens returns the tokens obtainable right now, refreshed
	// to the current instant.
	AvailableTokens() int64

	// MaximumTokens returns the ceiling the node can ever hold.
	MaximumTokens() int64

	// TryConsume attempts to consume exactly tokens.
	TryConsume(tokens int64) (*Outcome, error)

	// TryConsumeRange attempts to consume between minTokens and maxTokens,
	// granting as much as available within the range.
	TryConsumeRange(minTokens, maxTokens int64) (*Outcome, error)

	// Consume blocks until exactly tokens can be consumed.
	Consume(ctx context.Context, tokens int64) (*Outcome, error)

	// ConsumeRange blocks until at least minTokens can be consumed,
	// granting up to maxTokens.
	ConsumeRange(ctx context.Context, minTokens, maxTokens int64) (*Outcome, error)

	// AddListener registers a listener for blocking consumers on this
	// node and, through downward propagation, on its descendants.
	AddListener(l Listener)

	// UserData returns the opaque data attached to the node.
	UserData() any

	// SetUserData replaces the opaque data attached to the node.
	SetUserData(data any)
}

// admissionNode is the package-internal side of the Node contract. It is
// what composites require of their children; passing it by construction
// replaces the cross-module privileged access a global registry would
// give.
type admissionNode interface {
	Node

	// tryConsume runs one non-blocking attempt with explicit instants.
	tryConsume(minTokens, maxTokens int64, requestedAt, consumedAt time.Time) *Outcome

	// availableTokensAt refreshes the node to the instant and returns its
	// available figure.
	availableTokensAt(at time.Time) int64

	// shortfall reports the minimal set of limits preventing minTokens
	// from being granted at the instant, with the latest projected refill
	// time. It reports nil when the node could grant minTokens.
	shortfall(minTokens int64, at time.Time) ([]*Limit, time.Time)

	parent() *Composite
	attachParent(p *Composite) error
	detachParent(p *Composite)
	gateRef() *signalGate
	recomputeCapacity()
	clock() Clock
	listenersSnapshot() []Listener
}

// nodeState carries the state every admission node shares: the state lock,
// the signal gate beside it, the weak parent link, listeners, user data,
// and the cached capacity figure.
type nodeState struct {
	mu   sync.RWMutex
	gate signalGate

	// par is the non-owning back-reference to the enclosing composite.
	// It is atomic so signal and capacity propagation can walk the
	// ancestor chain without taking any state lock.
	par atomic.Pointer[Composite]

	clk Clock

	// capacity caches MaximumTokens. It is recomputed bottom-up after
	// every configuration or structural change, which keeps reads of the
	// ceiling lock-free.
	capacity atomic.Int64

	listeners []Listener
	userData  any
}

// MaximumTokens returns the ceiling the node can ever hold.
func (s *nodeState) MaximumTokens() int64 {
	return s.capacity.Load()
}

// AddListener registers a listener on the node.
func (s *nodeState) AddListener(l Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

func (s *nodeState) listenersSnapshot() []Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.listeners) == 0 {
		return nil
	}
	return append([]Listener(nil), s.listeners...)
}

// UserData returns the opaque data attached to the node.
func (s *nodeState) UserData() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userData
}

// SetUserData replaces the opaque data attached to the node.
func (s *nodeState) SetUserData(data any) {
	s.mu.Lock()
	s.userData = data
	s.mu.Unlock()
}

func (s *nodeState) parent() *Composite {
	return s.par.Load()
}

func (s *nodeState) attachParent(p *Composite) error {
	if !s.par.CompareAndSwap(nil, p) {
		return errAlreadyAttached()
	}
	return nil
}

func (s *nodeState) detachParent(p *Composite) {
	s.par.CompareAndSwap(p, nil)
}

func (s *nodeState) gateRef() *signalGate {
	return &s.gate
}

func (s *nodeState) clock() Clock {
	return s.clk
}

// signalTree wakes consumers blocked on this node and on every ancestor;
// tokens freed here may unblock a waiter anywhere up the chain. Only gate
// mutexes are touched, so callers may hold any state lock.
func (s *nodeState) signalTree() {
	s.gate.broadcast()
	for p := s.parent(); p != nil; p = p.parent() {
		p.gate.broadcast()
	}
}

// refreshCapacityUpward recomputes the cached capacity of a node and each
// of its ancestors, child before parent, after a mutation. Callers must
// not hold any state lock.
func refreshCapacityUpward(n admissionNode) {
	n.recomputeCapacity()
	for p := n.parent(); p != nil; p = p.parent() {
		p.recomputeCapacity()
	}
}
