package bucket

import (
	"math"
	"sync/atomic"
	"time"
)

// ConsumptionPolicy decides how a Composite distributes a request across
// its children. Implementations are provided by this package; the
// interface is sealed.
type ConsumptionPolicy interface {
	// consume runs one attempt against the children. Caller holds the
	// composite's write lock.
	consume(c *Composite, minTokens, maxTokens int64, requestedAt, consumedAt time.Time) *Outcome

	// capacity computes the composite's MaximumTokens from its children.
	capacity(children []admissionNode) int64

	// available computes the composite's obtainable tokens at the
	// instant.
	available(children []admissionNode, at time.Time) int64

	// shortfall computes the minimal limit set deferring minTokens at the
	// instant, with the latest projected refill time, or nil when the
	// children could serve it.
	shortfall(children []admissionNode, minTokens int64, at time.Time) ([]*Limit, time.Time)
}

// SelectionPolicy chooses where a consume-from-one composite starts its
// rotation. Next returns an index in [0, size); implementations must be
// safe for concurrent use.
type SelectionPolicy interface {
	Next(size int) int
}

// RoundRobin returns a SelectionPolicy that cycles through children in
// order, one step per request.
func RoundRobin() SelectionPolicy {
	return &roundRobin{}
}

type roundRobin struct {
	cursor atomic.Uint64
}

func (r *roundRobin) Next(size int) int {
	return int((r.cursor.Add(1) - 1) % uint64(size))
}

// ConsumeFromAll returns the policy under which a request must be granted
// by every child, atomically: either all children commit the same amount
// or none do. The composite behaves as the AND of its children.
func ConsumeFromAll() ConsumptionPolicy {
	return consumeFromAll{}
}

// ConsumeFromOne returns the policy under which a request is served
// entirely by a single child, tried in the order the selection policy
// dictates. The composite behaves as the OR of its children.
func ConsumeFromOne(sel SelectionPolicy) ConsumptionPolicy {
	if sel == nil {
		sel = RoundRobin()
	}
	return &consumeFromOne{sel: sel}
}

type consumeFromAll struct{}

func (consumeFromAll) capacity(children []admissionNode) int64 {
	c := int64(math.MaxInt64)
	for _, ch := range children {
		if m := ch.MaximumTokens(); m < c {
			c = m
		}
	}
	return c
}

func (consumeFromAll) available(children []admissionNode, at time.Time) int64 {
	avail := int64(math.MaxInt64)
	for _, ch := range children {
		if a := ch.availableTokensAt(at); a < avail {
			avail = a
		}
	}
	return avail
}

func (p consumeFromAll) consume(c *Composite, minTokens, maxTokens int64, requestedAt, consumedAt time.Time) *Outcome {
	if minTokens > p.capacity(c.children) {
		return &Outcome{
			node:          c,
			minRequested:  minTokens,
			maxRequested:  maxTokens,
			requestedAt:   requestedAt,
			decidedAt:     consumedAt,
			availableAt:   consumedAt,
			unsatisfiable: true,
		}
	}

	avail := p.available(c.children, consumedAt)
	grant := maxTokens
	if avail < grant {
		grant = avail
	}

	if grant < minTokens {
		limits, at := p.shortfall(c.children, minTokens, consumedAt)
		return &Outcome{
			node:         c,
			minRequested: minTokens,
			maxRequested: maxTokens,
			requestedAt:  requestedAt,
			decidedAt:    consumedAt,
			availableAt:  at,
			remaining:    avail,
			bottleneck:   limits,
		}
	}

	// Every child was just verified to hold at least grant tokens, and
	// the composite lock excludes concurrent consumers, so each commit
	// below must succeed.
	for _, ch := range c.children {
		out := ch.tryConsume(grant, grant, requestedAt, consumedAt)
		invariant(out.Allowed(), "verified child refused committed grant")
	}

	return &Outcome{
		node:         c,
		minRequested: minTokens,
		maxRequested: maxTokens,
		granted:      grant,
		requestedAt:  requestedAt,
		decidedAt:    consumedAt,
		availableAt:  consumedAt,
		remaining:    avail - grant,
	}
}

func (consumeFromAll) shortfall(children []admissionNode, minTokens int64, at time.Time) ([]*Limit, time.Time) {
	var limits []*Limit
	var latest time.Time
	for _, ch := range children {
		ls, t := ch.shortfall(minTokens, at)
		if ls == nil {
			continue
		}
		limits = append(limits, ls...)
		if t.After(latest) {
			latest = t
		}
	}
	if limits == nil {
		return nil, at
	}
	return limits, latest
}

type consumeFromOne struct {
	sel SelectionPolicy
}

func (*consumeFromOne) capacity(children []admissionNode) int64 {
	var c int64
	for _, ch := range children {
		if m := ch.MaximumTokens(); m > c {
			c = m
		}
	}
	return c
}

func (*consumeFromOne) available(children []admissionNode, at time.Time) int64 {
	var avail int64
	for _, ch := range children {
		if a := ch.availableTokensAt(at); a > avail {
			avail = a
		}
	}
	return avail
}

func (p *consumeFromOne) consume(c *Composite, minTokens, maxTokens int64, requestedAt, consumedAt time.Time) *Outcome {
	start := p.sel.Next(len(c.children))
	if start < 0 || start >= len(c.children) {
		start = 0
	}

	// One full rotation from the selected start. Children that can never
	// hold minTokens are skipped without charging the rotation; the first
	// child that grants wins outright.
	var deferred *Outcome
	attempted := false
	for i := 0; i < len(c.children); i++ {
		ch := c.children[(start+i)%len(c.children)]
		if ch.MaximumTokens() < minTokens {
			continue
		}
		attempted = true

		out := ch.tryConsume(minTokens, maxTokens, requestedAt, consumedAt)
		if out.Allowed() {
			return out
		}
		if deferred == nil || out.availableAt.Before(deferred.availableAt) {
			deferred = out
		}
	}

	if !attempted {
		return &Outcome{
			node:          c,
			minRequested:  minTokens,
			maxRequested:  maxTokens,
			requestedAt:   requestedAt,
			decidedAt:     consumedAt,
			availableAt:   consumedAt,
			unsatisfiable: true,
		}
	}
	return deferred
}

func (*consumeFromOne) shortfall(children []admissionNode, minTokens int64, at time.Time) ([]*Limit, time.Time) {
	var limits []*Limit
	var earliest time.Time
	found := false
	for _, ch := range children {
		if ch.MaximumTokens() < minTokens {
			continue
		}
		ls, t := ch.shortfall(minTokens, at)
		if ls == nil {
			// Some child can serve the request right now.
			return nil, at
		}
		if !found || t.Before(earliest) {
			limits, earliest = ls, t
			found = true
		}
	}
	if !found {
		return nil, at
	}
	return limits, earliest
}
