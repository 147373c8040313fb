package bucket

import (
	"context"
	"time"

	gaerrors "github.com/vnykmshr/goadmit/pkg/common/errors"
)

// CompositeConfig holds configuration options for creating a new Composite.
type CompositeConfig struct {
	// Children are the nodes the composite distributes requests over. At
	// least one is required, and none may already belong to a composite.
	Children []Node

	// Policy decides how requests are distributed. If nil, ConsumeFromAll
	// is used.
	Policy ConsumptionPolicy

	// Clock provides the current time. If nil, SystemClock is used.
	Clock Clock

	// UserData is opaque caller data attached to the composite.
	UserData any
}

// Composite is an inner admission node that combines child nodes under a
// consumption policy. Children keep their own identity and remain directly
// usable; the composite adds a second admission surface over them.
type Composite struct {
	nodeState

	children []admissionNode
	policy   ConsumptionPolicy
}

// NewComposite creates a Composite and panics on invalid configuration.
func NewComposite(cfg CompositeConfig) *Composite {
	c, err := NewCompositeSafe(cfg)
	if err != nil {
		panic(err)
	}
	return c
}

// NewCompositeSafe creates a Composite with validation that returns an
// error instead of panicking.
func NewCompositeSafe(cfg CompositeConfig) (*Composite, error) {
	if len(cfg.Children) == 0 {
		return nil, gaerrors.NewValidationError("composite", "children", len(cfg.Children), "at least one child is required")
	}

	policy := cfg.Policy
	if policy == nil {
		policy = ConsumeFromAll()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = SystemClock{}
	}

	c := &Composite{policy: policy}
	c.clk = clk
	c.userData = cfg.UserData

	for i, child := range cfg.Children {
		n, ok := child.(admissionNode)
		if !ok {
			return nil, gaerrors.NewValidationError("composite", "children", i, "node was not created by this package")
		}
		if err := n.attachParent(c); err != nil {
			for _, attached := range c.children {
				attached.detachParent(c)
			}
			return nil, err
		}
		c.children = append(c.children, n)
	}
	c.capacity.Store(policy.capacity(c.children))
	return c, nil
}

// Children returns the composite's children in order.
func (c *Composite) Children() []Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Node, len(c.children))
	for i, ch := range c.children {
		out[i] = ch
	}
	return out
}

// Policy returns the composite's consumption policy.
func (c *Composite) Policy() ConsumptionPolicy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policy
}

// AvailableTokens returns the tokens obtainable right now under the
// composite's policy: the minimum across children for consume-from-all,
// the maximum for consume-from-one.
func (c *Composite) AvailableTokens() int64 {
	return c.availableTokensAt(c.clk.Now())
}

func (c *Composite) availableTokensAt(at time.Time) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policy.available(c.children, at)
}

// TryConsume attempts to consume exactly tokens. It does not block.
func (c *Composite) TryConsume(tokens int64) (*Outcome, error) {
	return tryConsumeNow(c, "TryConsume", tokens, tokens)
}

// TryConsumeRange attempts to consume between minTokens and maxTokens,
// granting as much as available within the range. It does not block.
func (c *Composite) TryConsumeRange(minTokens, maxTokens int64) (*Outcome, error) {
	return tryConsumeNow(c, "TryConsumeRange", minTokens, maxTokens)
}

// Consume blocks until exactly tokens can be consumed, the context is
// done, or a listener aborts the wait.
func (c *Composite) Consume(ctx context.Context, tokens int64) (*Outcome, error) {
	return consumeBlocking(ctx, c, "Consume", tokens, tokens)
}

// ConsumeRange blocks until at least minTokens can be consumed, granting
// up to maxTokens.
func (c *Composite) ConsumeRange(ctx context.Context, minTokens, maxTokens int64) (*Outcome, error) {
	return consumeBlocking(ctx, c, "ConsumeRange", minTokens, maxTokens)
}

// tryConsume serializes attempts through the composite lock so the
// policy's verify and commit see the same child state.
func (c *Composite) tryConsume(minTokens, maxTokens int64, requestedAt, consumedAt time.Time) *Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy.consume(c, minTokens, maxTokens, requestedAt, consumedAt)
}

func (c *Composite) shortfall(minTokens int64, at time.Time) ([]*Limit, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policy.shortfall(c.children, minTokens, at)
}

func (c *Composite) recomputeCapacity() {
	c.mu.RLock()
	m := c.policy.capacity(c.children)
	c.mu.RUnlock()
	c.capacity.Store(m)
}

// wouldCycle reports whether adding candidate under c would create a
// cycle: candidate is c itself, or candidate already sits above c.
// Decorators are unwrapped so a wrapped composite is still caught.
func (c *Composite) wouldCycle(candidate admissionNode) bool {
	var node Node = candidate
	for {
		if w, ok := node.(*MetricsNode); ok {
			node = w.Unwrap()
			continue
		}
		break
	}
	cand, ok := node.(*Composite)
	if !ok {
		return false
	}
	for n := c; n != nil; n = n.parent() {
		if n == cand {
			return true
		}
	}
	return false
}
