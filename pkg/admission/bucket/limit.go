package bucket

import (
	"math"
	"time"

	gaerrors "github.com/vnykmshr/goadmit/pkg/common/errors"
	"github.com/vnykmshr/goadmit/pkg/common/validation"
)

// LimitConfig describes one replenishing token counter.
type LimitConfig struct {
	// TokensPerPeriod is the number of tokens replenished over one Period.
	TokensPerPeriod int64

	// Period is the time over which TokensPerPeriod tokens are replenished.
	// It must be long enough that a single token takes at least one
	// nanosecond to accrue.
	Period time.Duration

	// MaximumTokens caps the tokens the limit can hold. It must be at
	// least TokensPerPeriod and at least InitialTokens.
	MaximumTokens int64

	// MinimumToRefill batches refills: elapsed time is not credited until
	// it is worth at least this many whole tokens. Defaults to 1.
	MinimumToRefill int64

	// InitialTokens is the starting token count. If negative, the limit
	// starts at MaximumTokens.
	InitialTokens int64

	// UserData is opaque caller data carried by the limit.
	UserData any
}

// Limit is a single replenishing token counter. Limits are created and
// owned by a Bucket; every access to a limit's mutable state goes through
// the owning bucket's lock, so a Limit has no lock of its own. A limit
// removed by a bucket transaction keeps answering reads with its final
// state but refuses reconfiguration.
type Limit struct {
	tokensPerPeriod int64
	period          time.Duration
	maximumTokens   int64
	minimumToRefill int64
	available       int64
	lastRefilledAt  time.Time
	userData        any

	owner *Bucket

	// removed marks a limit taken out of its bucket by a transaction.
	// Accessors keep answering with the last committed state, but
	// Update refuses to reconfigure a detached limit.
	removed bool
}

func validateLimitConfig(cfg LimitConfig) error {
	if err := validation.ValidatePositive("bucket", "tokensPerPeriod", cfg.TokensPerPeriod); err != nil {
		return err
	}
	if err := validation.ValidatePositiveDuration("bucket", "period", cfg.Period); err != nil {
		return err
	}
	if cfg.Period/time.Duration(cfg.TokensPerPeriod) < 1 {
		return gaerrors.NewValidationError("bucket", "tokensPerPeriod", cfg.TokensPerPeriod, "rate finer than one token per nanosecond").
			WithHint("lengthen the period or lower tokensPerPeriod")
	}
	if cfg.MinimumToRefill < 0 {
		return gaerrors.NewValidationError("bucket", "minimumToRefill", cfg.MinimumToRefill, "cannot be negative").
			WithHint("use 0 for the default batching threshold of 1")
	}
	if cfg.MaximumTokens < cfg.TokensPerPeriod {
		return gaerrors.NewValidationError("bucket", "maximumTokens", cfg.MaximumTokens, "must be at least tokensPerPeriod").
			WithHint("a full period of refill must fit in the limit")
	}
	if cfg.MaximumTokens < cfg.InitialTokens {
		return gaerrors.NewValidationError("bucket", "initialTokens", cfg.InitialTokens, "cannot exceed maximumTokens")
	}
	return nil
}

// newLimit builds a limit from its configuration. The owner pointer is set
// by the bucket that takes possession of it.
func newLimit(cfg LimitConfig, now time.Time) (*Limit, error) {
	if err := validateLimitConfig(cfg); err != nil {
		return nil, err
	}

	initial := cfg.InitialTokens
	if initial < 0 {
		initial = cfg.MaximumTokens
	}
	minToRefill := cfg.MinimumToRefill
	if minToRefill == 0 {
		minToRefill = 1
	}

	return &Limit{
		tokensPerPeriod: cfg.TokensPerPeriod,
		period:          cfg.Period,
		maximumTokens:   cfg.MaximumTokens,
		minimumToRefill: minToRefill,
		available:       initial,
		lastRefilledAt:  now,
		userData:        cfg.UserData,
	}, nil
}

// unitPeriod is the time a single token takes to accrue.
func (l *Limit) unitPeriod() time.Duration {
	return l.period / time.Duration(l.tokensPerPeriod)
}

// refill credits tokens for the time elapsed since lastRefilledAt. The
// boundary advances by whole token units only, never snapping to `at`, so
// fractional leftover time carries into the next call and N refills over a
// full period sum to exactly tokensPerPeriod. Elapsed time worth less than
// minimumToRefill tokens is left unaccounted. Caller holds the bucket lock.
func (l *Limit) refill(at time.Time) {
	elapsed := at.Sub(l.lastRefilledAt)
	if elapsed <= 0 {
		// Clock went backward or a stale instant; ignored, not an error.
		return
	}

	unit := l.unitPeriod()
	toAdd := int64(elapsed / unit)
	if toAdd < l.minimumToRefill {
		return
	}

	l.lastRefilledAt = l.lastRefilledAt.Add(unit * time.Duration(toAdd))
	l.available = min(l.maximumTokens, saturatingAdd(l.available, toAdd))
}

// simulate computes what consuming between minTokens and maxTokens at the
// given instant would yield, without mutating the limit. On failure the
// grant is zero and availableAt is the instant at which minTokens would be
// available. Caller holds the bucket lock.
func (l *Limit) simulate(minTokens, maxTokens int64, at time.Time) (granted int64, availableAt time.Time) {
	grantable := l.available
	if grantable > maxTokens {
		grantable = maxTokens
	}
	if grantable < 0 {
		grantable = 0
	}
	if grantable >= minTokens {
		return grantable, at
	}

	needed := saturatingSub(minTokens, l.available)
	// Rounding down here historically under-slept callers by up to one
	// period; the division must round up.
	periodsToSleep := ceilDiv(needed, l.tokensPerPeriod)
	return 0, at.Add(saturatingDuration(l.period, periodsToSleep))
}

// consume deducts tokens. The simulate-then-commit protocol in the owning
// bucket guarantees tokens <= available; this is not re-validated here.
func (l *Limit) consume(tokens int64) {
	l.available -= tokens
}

// rate is the refill rate in tokens per second. Caller holds the bucket lock.
func (l *Limit) rate() float64 {
	return float64(l.tokensPerPeriod) / l.period.Seconds()
}

// Rate returns the refill rate in tokens per second.
func (l *Limit) Rate() float64 {
	l.owner.mu.RLock()
	defer l.owner.mu.RUnlock()
	return l.rate()
}

// AvailableTokens returns the token count as of the last refill. It does
// not credit time elapsed since; use the owning bucket's AvailableTokens
// for a refreshed figure.
func (l *Limit) AvailableTokens() int64 {
	l.owner.mu.RLock()
	defer l.owner.mu.RUnlock()
	return l.available
}

// MaximumTokens returns the ceiling the limit can hold.
func (l *Limit) MaximumTokens() int64 {
	l.owner.mu.RLock()
	defer l.owner.mu.RUnlock()
	return l.maximumTokens
}

// TokensPerPeriod returns the number of tokens replenished per period.
func (l *Limit) TokensPerPeriod() int64 {
	l.owner.mu.RLock()
	defer l.owner.mu.RUnlock()
	return l.tokensPerPeriod
}

// Period returns the replenishment period.
func (l *Limit) Period() time.Duration {
	l.owner.mu.RLock()
	defer l.owner.mu.RUnlock()
	return l.period
}

// MinimumToRefill returns the refill batching threshold.
func (l *Limit) MinimumToRefill() int64 {
	l.owner.mu.RLock()
	defer l.owner.mu.RUnlock()
	return l.minimumToRefill
}

// UserData returns the opaque data attached to the limit.
func (l *Limit) UserData() any {
	l.owner.mu.RLock()
	defer l.owner.mu.RUnlock()
	return l.userData
}

// saturatingAdd adds two counts, clamping on overflow instead of wrapping.
func saturatingAdd(a, b int64) int64 {
	s := a + b
	if b > 0 && s < a {
		return math.MaxInt64
	}
	if b < 0 && s > a {
		return math.MinInt64
	}
	return s
}

// saturatingSub subtracts b from a, clamping on overflow instead of wrapping.
func saturatingSub(a, b int64) int64 {
	d := a - b
	if b < 0 && d < a {
		return math.MaxInt64
	}
	if b > 0 && d > a {
		return math.MinInt64
	}
	return d
}

// ceilDiv divides a by b rounding up. Both must be positive.
func ceilDiv(a, b int64) int64 {
	return (a-1)/b + 1
}

// saturatingDuration multiplies a period by a count, clamping to the
// maximum representable duration so far-future instants never wrap into
// the past.
func saturatingDuration(d time.Duration, n int64) time.Duration {
	if n <= 0 {
		return 0
	}
	if n > int64(math.MaxInt64)/int64(d) {
		return time.Duration(math.MaxInt64)
	}
	return d * time.Duration(n)
}
