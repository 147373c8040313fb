package bucket

import (
	"context"
	"math"
	"time"

	gaerrors "github.com/vnykmshr/goadmit/pkg/common/errors"
)

// Config holds configuration options for creating a new Bucket.
type Config struct {
	// Limits describes the bucket's limits, in order. At least one is
	// required.
	Limits []LimitConfig

	// Clock provides the current time. If nil, SystemClock is used.
	Clock Clock

	// UserData is opaque caller data attached to the bucket.
	UserData any
}

// Bucket is a leaf admission node that AND-combines one or more Limits: a
// request is granted only when every limit can supply it, and the refill,
// simulation, and commit for all limits happen as one critical section so
// no interleaving can leave them out of sync with each other.
type Bucket struct {
	nodeState

	// limits is replace-on-write: mutations build a new slice under the
	// write lock, readers see a consistent snapshot.
	limits []*Limit
}

// New creates a Bucket and panics on invalid configuration.
func New(cfg Config) *Bucket {
	b, err := NewSafe(cfg)
	if err != nil {
		panic(err)
	}
	return b
}

// NewSafe creates a Bucket with validation that returns an error instead
// of panicking. This is the recommended way to create buckets for
// production use.
func NewSafe(cfg Config) (*Bucket, error) {
	if len(cfg.Limits) == 0 {
		return nil, gaerrors.NewValidationError("bucket", "limits", len(cfg.Limits), "at least one limit is required")
	}

	clk := cfg.Clock
	if clk == nil {
		clk = SystemClock{}
	}
	now := clk.Now()

	b := &Bucket{}
	b.clk = clk
	b.userData = cfg.UserData

	for _, lc := range cfg.Limits {
		l, err := newLimit(lc, now)
		if err != nil {
			return nil, err
		}
		l.owner = b
		b.limits = append(b.limits, l)
	}
	b.capacity.Store(minLimitCapacity(b.limits))
	return b, nil
}

func minLimitCapacity(limits []*Limit) int64 {
	c := int64(math.MaxInt64)
	for _, l := range limits {
		if l.maximumTokens < c {
			c = l.maximumTokens
		}
	}
	return c
}

// Limits returns the bucket's limits in order.
func (b *Bucket) Limits() []*Limit {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*Limit(nil), b.limits...)
}

// SlowestLimit returns the limit with the lowest refill rate, measured in
// tokens per second as a real value. Ties resolve to the earlier limit.
func (b *Bucket) SlowestLimit() *Limit {
	b.mu.RLock()
	defer b.mu.RUnlock()

	slowest := b.limits[0]
	for _, l := range b.limits[1:] {
		if l.rate() < slowest.rate() {
			slowest = l
		}
	}
	return slowest
}

// AvailableTokens returns the tokens obtainable right now: the minimum
// across all limits after crediting elapsed time.
func (b *Bucket) AvailableTokens() int64 {
	return b.availableTokensAt(b.clk.Now())
}

func (b *Bucket) availableTokensAt(at time.Time) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.availableLocked(at)
}

func (b *Bucket) availableLocked(at time.Time) int64 {
	avail := int64(math.MaxInt64)
	for _, l := range b.limits {
		l.refill(at)
		if l.available < avail {
			avail = l.available
		}
	}
	return avail
}

// TryConsume attempts to consume exactly tokens. It does not block.
func (b *Bucket) TryConsume(tokens int64) (*Outcome, error) {
	return tryConsumeNow(b, "TryConsume", tokens, tokens)
}

// TryConsumeRange attempts to consume between minTokens and maxTokens,
// granting as much as available within the range. It does not block.
func (b *Bucket) TryConsumeRange(minTokens, maxTokens int64) (*Outcome, error) {
	return tryConsumeNow(b, "TryConsumeRange", minTokens, maxTokens)
}

// Consume blocks until exactly tokens can be consumed, the context is
// done, or a listener aborts the wait.
func (b *Bucket) Consume(ctx context.Context, tokens int64) (*Outcome, error) {
	return consumeBlocking(ctx, b, "Consume", tokens, tokens)
}

// ConsumeRange blocks until at least minTokens can be consumed, granting
// up to maxTokens.
func (b *Bucket) ConsumeRange(ctx context.Context, minTokens, maxTokens int64) (*Outcome, error) {
	return consumeBlocking(ctx, b, "ConsumeRange", minTokens, maxTokens)
}

// tryConsume refills, simulates, and commits as one critical section.
func (b *Bucket) tryConsume(minTokens, maxTokens int64, requestedAt, consumedAt time.Time) *Outcome {
	b.mu.Lock()
	out, residue := b.tryConsumeLocked(minTokens, maxTokens, requestedAt, consumedAt)
	b.mu.Unlock()

	if residue {
		// Tokens are left over; consumption is not fair, so another
		// blocked caller might now succeed.
		b.signalTree()
	}
	return out
}

func (b *Bucket) tryConsumeLocked(minTokens, maxTokens int64, requestedAt, consumedAt time.Time) (*Outcome, bool) {
	// A limit that can never hold minTokens makes the request
	// structurally impossible; report immediately rather than blocking
	// forever.
	for _, l := range b.limits {
		if minTokens > l.maximumTokens {
			return &Outcome{
				node:          b,
				minRequested:  minTokens,
				maxRequested:  maxTokens,
				requestedAt:   requestedAt,
				decidedAt:     consumedAt,
				availableAt:   consumedAt,
				remaining:     l.available,
				bottleneck:    []*Limit{l},
				unsatisfiable: true,
			}, false
		}
	}

	for _, l := range b.limits {
		l.refill(consumedAt)
	}

	grant := maxTokens
	var bottleneck *Limit
	var latest time.Time
	for _, l := range b.limits {
		g, at := l.simulate(minTokens, maxTokens, consumedAt)
		if g < grant {
			grant = g
		}
		if bottleneck == nil || at.After(latest) {
			bottleneck = l
			latest = at
		}
	}

	if grant >= minTokens {
		residue := false
		remaining := int64(math.MaxInt64)
		for _, l := range b.limits {
			l.consume(grant)
			if l.available > 0 {
				residue = true
			}
			if l.available < remaining {
				remaining = l.available
			}
		}
		return &Outcome{
			node:         b,
			minRequested: minTokens,
			maxRequested: maxTokens,
			granted:      grant,
			requestedAt:  requestedAt,
			decidedAt:    consumedAt,
			availableAt:  consumedAt,
			remaining:    remaining,
		}, residue
	}

	return &Outcome{
		node:         b,
		minRequested: minTokens,
		maxRequested: maxTokens,
		requestedAt:  requestedAt,
		decidedAt:    consumedAt,
		availableAt:  latest,
		remaining:    bottleneck.available,
		bottleneck:   []*Limit{bottleneck},
	}, false
}

// shortfall reports the single limit whose projected refill is latest when
// minTokens cannot be granted at the instant, or nil when it can.
func (b *Bucket) shortfall(minTokens int64, at time.Time) ([]*Limit, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, l := range b.limits {
		l.refill(at)
	}

	var bottleneck *Limit
	var latest time.Time
	for _, l := range b.limits {
		g, t := l.simulate(minTokens, minTokens, at)
		if g == 0 && (bottleneck == nil || t.After(latest)) {
			bottleneck = l
			latest = t
		}
	}
	if bottleneck == nil {
		return nil, at
	}
	return []*Limit{bottleneck}, latest
}

func (b *Bucket) recomputeCapacity() {
	b.mu.RLock()
	c := minLimitCapacity(b.limits)
	b.mu.RUnlock()
	b.capacity.Store(c)
}
